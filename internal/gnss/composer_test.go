package gnss

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func t0() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func ggaLine(lat, lon float64) string {
	h := 0.8
	s := Sample{Lat: lat, Lon: lon, Quality: RTKFixed, Satellites: 12, HDOP: &h}
	return BuildGGA(s, t0())
}

func vtgLine(courseDeg, speedKt float64) string {
	return ChecksumWrap(fmt.Sprintf("GNVTG,%.1f,T,,M,%.1f,N,%.1f,K,A", courseDeg, speedKt, speedKt*1.852))
}

type collector struct {
	samples []Sample
	stalls  int
}

func newTestComposer(cfg ComposerConfig) (*Composer, *collector) {
	col := &collector{}
	c := NewComposer(cfg,
		func(s Sample) { col.samples = append(col.samples, s) },
		func(gap time.Duration) { col.stalls++ })
	return c, col
}

func TestComposer_GGAThenVTGEmitsOneSample(t *testing.T) {
	c, col := newTestComposer(ComposerConfig{})
	now := t0()

	c.ProcessLine(now, ggaLine(52.237049, 21.017532))
	if len(col.samples) != 0 {
		t.Fatalf("expected no emission before companion, got %d", len(col.samples))
	}
	c.ProcessLine(now.Add(50*time.Millisecond), vtgLine(90.0, 1.4)) // 1.4 kt ~ 0.72 m/s

	if len(col.samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(col.samples))
	}
	s := col.samples[0]
	if math.Abs(s.Lat-52.237049) > 1e-5 || math.Abs(s.Lon-21.017532) > 1e-5 {
		t.Fatalf("unexpected position %f,%f", s.Lat, s.Lon)
	}
	if s.HeadingDeg == nil || !s.HeadingReliable {
		t.Fatalf("expected reliable heading, got %+v", s)
	}
	if math.Abs(*s.HeadingDeg-90) > 1e-6 {
		t.Fatalf("heading = %f, want 90", *s.HeadingDeg)
	}
	if s.SpeedMS == nil || math.Abs(*s.SpeedMS-1.4*knotsToMS) > 1e-9 {
		t.Fatalf("speed = %+v", s.SpeedMS)
	}
	if s.Quality != RTKFixed || s.Satellites != 12 {
		t.Fatalf("quality/sats = %v/%d", s.Quality, s.Satellites)
	}
}

func TestComposer_CoalesceWindowFlushesLonePosition(t *testing.T) {
	c, col := newTestComposer(ComposerConfig{})
	now := t0()

	c.ProcessLine(now, ggaLine(52.0, 21.0))
	c.Tick(now.Add(150 * time.Millisecond))
	if len(col.samples) != 0 {
		t.Fatalf("flushed before window elapsed")
	}
	c.Tick(now.Add(250 * time.Millisecond))
	if len(col.samples) != 1 {
		t.Fatalf("expected flush after window, got %d", len(col.samples))
	}
	if col.samples[0].HeadingDeg != nil {
		t.Fatalf("expected no heading on first lone sample")
	}
}

func TestComposer_SecondGGAFlushesPending(t *testing.T) {
	c, col := newTestComposer(ComposerConfig{})
	now := t0()

	c.ProcessLine(now, ggaLine(52.0, 21.0))
	c.ProcessLine(now.Add(50*time.Millisecond), ggaLine(52.0001, 21.0))
	if len(col.samples) != 1 {
		t.Fatalf("expected pending flush on new position, got %d", len(col.samples))
	}
}

func TestComposer_SlowSpeedHeadingUnreliableAndCarried(t *testing.T) {
	c, col := newTestComposer(ComposerConfig{})
	now := t0()

	// Moving cycle establishes a trusted heading.
	c.ProcessLine(now, ggaLine(52.0, 21.0))
	c.ProcessLine(now.Add(10*time.Millisecond), vtgLine(45.0, 2.0))

	// Near-stationary cycle: course must not be trusted, previous heading
	// carried over.
	now = now.Add(time.Second)
	c.ProcessLine(now, ggaLine(52.0, 21.0))
	c.ProcessLine(now.Add(10*time.Millisecond), vtgLine(300.0, 0.2)) // ~0.1 m/s

	if len(col.samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(col.samples))
	}
	s := col.samples[1]
	if s.HeadingReliable {
		t.Fatalf("expected unreliable heading at low speed")
	}
	if s.HeadingDeg == nil || math.Abs(*s.HeadingDeg-45.0) > 1e-6 {
		t.Fatalf("expected carried heading 45, got %+v", s.HeadingDeg)
	}
}

func TestComposer_NoHeadingEverIsNotFabricated(t *testing.T) {
	c, col := newTestComposer(ComposerConfig{})
	now := t0()

	c.ProcessLine(now, ggaLine(52.0, 21.0))
	c.ProcessLine(now.Add(10*time.Millisecond), vtgLine(10.0, 0.1))

	if len(col.samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(col.samples))
	}
	if col.samples[0].HeadingDeg != nil {
		t.Fatalf("heading must stay unknown, got %v", *col.samples[0].HeadingDeg)
	}
}

func TestComposer_MovementDerivedHeading(t *testing.T) {
	c, col := newTestComposer(ComposerConfig{})
	now := t0()

	// First cycle, no course field.
	c.ProcessLine(now, ggaLine(52.0, 21.0))
	c.ProcessLine(now.Add(10*time.Millisecond), ChecksumWrap("GNVTG,,T,,M,2.0,N,3.7,K,A"))

	// Second cycle ~17m further north, still no course: bearing comes from
	// the displacement.
	now = now.Add(time.Second)
	c.ProcessLine(now, ggaLine(52.00015, 21.0))
	c.ProcessLine(now.Add(10*time.Millisecond), ChecksumWrap("GNVTG,,T,,M,2.0,N,3.7,K,A"))

	if len(col.samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(col.samples))
	}
	s := col.samples[1]
	if s.HeadingDeg == nil || !s.HeadingReliable {
		t.Fatalf("expected movement-derived heading, got %+v", s)
	}
	if math.Abs(*s.HeadingDeg-0.0) > 1.0 && math.Abs(*s.HeadingDeg-360.0) > 1.0 {
		t.Fatalf("expected ~north heading, got %f", *s.HeadingDeg)
	}
}

func TestComposer_ChecksumFailureCounted(t *testing.T) {
	c, col := newTestComposer(ComposerConfig{})
	good := ggaLine(52.0, 21.0)
	bad := good[:len(good)-2] + "00"

	c.ProcessLine(t0(), bad)
	if got := c.Stats().ChecksumFailed; got != 1 {
		t.Fatalf("checksum counter = %d, want 1", got)
	}
	if len(col.samples) != 0 {
		t.Fatalf("bad line must not emit")
	}
}

func TestComposer_UnknownQualityCounted(t *testing.T) {
	c, _ := newTestComposer(ComposerConfig{})
	// Quality digit 8 is not in the mapping.
	payload := "GNGGA,120000.00,5214.2229,N,02101.0519,E,8,09,1.1,100.0,M,0.0,M,,"
	c.ProcessLine(t0(), ChecksumWrap(payload))
	if got := c.Stats().UnknownQuality; got != 1 {
		t.Fatalf("unknown quality counter = %d, want 1", got)
	}
}

func TestComposer_NoFixDropped(t *testing.T) {
	c, col := newTestComposer(ComposerConfig{})
	payload := "GNGGA,120000.00,5214.2229,N,02101.0519,E,0,03,9.9,100.0,M,0.0,M,,"
	c.ProcessLine(t0(), ChecksumWrap(payload))
	c.Tick(t0().Add(time.Second))
	if len(col.samples) != 0 {
		t.Fatalf("no-fix sentence must not produce a sample")
	}
}

func TestComposer_StallAndRecovery(t *testing.T) {
	c, col := newTestComposer(ComposerConfig{})
	now := t0()

	c.ProcessLine(now, ggaLine(52.0, 21.0))
	c.ProcessLine(now.Add(10*time.Millisecond), vtgLine(90, 2.0))

	// 1.6 s of silence crosses the 1.5 s stall threshold.
	c.Tick(now.Add(1610 * time.Millisecond))
	if col.stalls != 1 {
		t.Fatalf("stall count = %d, want 1", col.stalls)
	}
	// Stall fires once per gap.
	c.Tick(now.Add(2 * time.Second))
	if col.stalls != 1 {
		t.Fatalf("stall re-fired: %d", col.stalls)
	}

	// Next valid sentence recovers the stream.
	now = now.Add(3 * time.Second)
	c.ProcessLine(now, ggaLine(52.0, 21.0))
	c.ProcessLine(now.Add(10*time.Millisecond), vtgLine(90, 2.0))
	if len(col.samples) != 2 {
		t.Fatalf("expected sample after recovery, got %d", len(col.samples))
	}
	// A fresh gap stalls again.
	c.Tick(now.Add(2 * time.Second))
	if col.stalls != 2 {
		t.Fatalf("stall count after recovery = %d, want 2", col.stalls)
	}
}

package gnss

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"rtk-rover/internal/geo"
)

const (
	// DefaultCoalesceWindow bounds how long a position sentence waits for its
	// course/speed companion before being emitted on its own.
	DefaultCoalesceWindow = 200 * time.Millisecond

	// DefaultStaleAfter is the stream gap that triggers a stall event.
	DefaultStaleAfter = 1500 * time.Millisecond

	// headingMinSpeedMS is the ground speed below which a reported course is
	// considered unreliable.
	headingMinSpeedMS = 0.5
)

// Stats counts stream-level outcomes. All fields are monotonic.
type Stats struct {
	Accepted       uint64 `json:"accepted"`
	Malformed      uint64 `json:"malformed"`
	ChecksumFailed uint64 `json:"checksum_failed"`
	UnknownQuality uint64 `json:"unknown_quality"`
	Ignored        uint64 `json:"ignored"`
	Stalls         uint64 `json:"stalls"`
}

type ComposerConfig struct {
	CoalesceWindow time.Duration
	StaleAfter     time.Duration
}

// Composer turns raw NMEA lines into composed Samples.
//
// A GGA sentence opens a pending sample; the next VTG completes it, or the
// coalescing window closes it as-is. Heading is only taken from the current
// cycle when the rover is moving fast enough for course-over-ground to mean
// anything; otherwise the last trusted heading is carried over, never
// fabricated.
//
// Not safe for concurrent use; it is owned by the receiver read loop.
type Composer struct {
	cfg ComposerConfig

	onSample func(Sample)
	onStall  func(gap time.Duration)

	pending   *Sample
	pendingAt time.Time

	lastVTG struct {
		courseDeg *float64
		speedMS   *float64
		at        time.Time
	}

	lastHeading *float64

	lastEmitLat float64
	lastEmitLon float64
	haveEmitPos bool

	lastLineAt time.Time
	stalled    bool

	malformed      atomic.Uint64
	checksumFailed atomic.Uint64
	unknownQuality atomic.Uint64
	ignored        atomic.Uint64
	accepted       atomic.Uint64
	stalls         atomic.Uint64
}

func NewComposer(cfg ComposerConfig, onSample func(Sample), onStall func(gap time.Duration)) *Composer {
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = DefaultCoalesceWindow
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Composer{cfg: cfg, onSample: onSample, onStall: onStall}
}

// Stats returns a snapshot of the stream counters. Safe from any goroutine.
func (c *Composer) Stats() Stats {
	return Stats{
		Accepted:       c.accepted.Load(),
		Malformed:      c.malformed.Load(),
		ChecksumFailed: c.checksumFailed.Load(),
		UnknownQuality: c.unknownQuality.Load(),
		Ignored:        c.ignored.Load(),
		Stalls:         c.stalls.Load(),
	}
}

// ProcessLine consumes one raw line from the receiver.
func (c *Composer) ProcessLine(now time.Time, line string) {
	c.flushExpired(now)

	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if !strings.HasPrefix(line, "$") {
		c.malformed.Add(1)
		return
	}

	sent, err := parseSentence(line)
	if err != nil {
		if errors.Is(err, errChecksumMismatch) {
			c.checksumFailed.Add(1)
		} else {
			c.malformed.Add(1)
		}
		return
	}

	// Any checksum-valid sentence counts as stream liveness.
	c.lastLineAt = now
	if c.stalled {
		c.stalled = false
		log.Printf("gnss stream recovered")
	}

	switch sent.Type {
	case "GGA":
		c.applyGGA(now, sent)
	case "VTG":
		c.applyVTG(now, sent)
	case "RMC", "GSA", "GSV":
		// Accepted without error, ignored by the core.
		c.ignored.Add(1)
	default:
		c.ignored.Add(1)
	}
}

// Tick drives time-based behavior (pending flush, stall detection) when no
// line has arrived. The receiver calls it on every read timeout.
func (c *Composer) Tick(now time.Time) {
	c.flushExpired(now)

	if c.stalled || c.lastLineAt.IsZero() {
		return
	}
	if gap := now.Sub(c.lastLineAt); gap > c.cfg.StaleAfter {
		c.stalled = true
		c.stalls.Add(1)
		log.Printf("gnss stream stalled gap=%s", gap.Round(time.Millisecond))
		if c.onStall != nil {
			c.onStall(gap)
		}
	}
}

func (c *Composer) flushExpired(now time.Time) {
	if c.pending != nil && now.Sub(c.pendingAt) >= c.cfg.CoalesceWindow {
		c.emit(now, *c.pending)
		c.pending = nil
	}
}

// GGA fields: 1 time, 2/3 lat, 4/5 lon, 6 quality, 7 sats, 8 hdop, 9 alt.
func (c *Composer) applyGGA(now time.Time, sent sentence) {
	if len(sent.Fields) < 10 {
		c.malformed.Add(1)
		return
	}

	qd, ok := parseIntField(sent.Fields[6])
	if !ok {
		c.malformed.Add(1)
		return
	}
	quality, known := QualityFromGGA(qd)
	if !known {
		c.unknownQuality.Add(1)
		log.Printf("gnss unknown fix quality digit=%d, treating as single", qd)
	}
	if quality == NoFix {
		c.ignored.Add(1)
		return
	}

	lat, latOK := parseLatLon(sent.Fields[2], sent.Fields[3])
	lon, lonOK := parseLatLon(sent.Fields[4], sent.Fields[5])
	if !latOK || !lonOK {
		c.malformed.Add(1)
		return
	}

	// A second position sentence closes out any pending one so that every
	// accepted position is emitted at least once.
	if c.pending != nil {
		c.emit(now, *c.pending)
		c.pending = nil
	}

	s := Sample{
		Lat:        lat,
		Lon:        lon,
		Quality:    quality,
		RawGGA:     sent.Raw,
		ReceivedAt: now,
	}
	if sats, ok := parseIntField(sent.Fields[7]); ok && sats >= 0 {
		s.Satellites = sats
	}
	if hdop, ok := parseFloatField(sent.Fields[8]); ok && hdop >= 0 {
		v := hdop
		s.HDOP = &v
	}
	if alt, ok := parseFloatField(sent.Fields[9]); ok {
		v := alt
		s.AltM = &v
	}

	// Companion already seen in this cycle: complete immediately.
	if !c.lastVTG.at.IsZero() && now.Sub(c.lastVTG.at) < c.cfg.CoalesceWindow {
		s.SpeedMS = c.lastVTG.speedMS
		c.attachCourse(&s, c.lastVTG.courseDeg)
		c.emit(now, s)
		return
	}

	c.pending = &s
	c.pendingAt = now
}

// VTG fields: 1 course true, 3 course magnetic, 5 knots, 7 km/h.
func (c *Composer) applyVTG(now time.Time, sent sentence) {
	if len(sent.Fields) < 8 {
		c.malformed.Add(1)
		return
	}

	var courseDeg *float64
	if crs, ok := parseFloatField(sent.Fields[1]); ok {
		v := normalize360(crs)
		courseDeg = &v
	}
	var speedMS *float64
	if kt, ok := parseFloatField(sent.Fields[5]); ok && kt >= 0 {
		v := kt * knotsToMS
		speedMS = &v
	}

	c.lastVTG.courseDeg = courseDeg
	c.lastVTG.speedMS = speedMS
	c.lastVTG.at = now

	if c.pending != nil {
		s := *c.pending
		c.pending = nil
		s.SpeedMS = speedMS
		c.attachCourse(&s, courseDeg)
		c.emit(now, s)
	}
}

// attachCourse applies the heading reliability policy to a sample that is
// about to be emitted.
func (c *Composer) attachCourse(s *Sample, courseDeg *float64) {
	moving := s.SpeedMS != nil && *s.SpeedMS >= headingMinSpeedMS

	if courseDeg != nil && moving {
		v := *courseDeg
		s.HeadingDeg = &v
		s.HeadingReliable = true
		c.lastHeading = &v
		return
	}

	// No usable course this cycle: derive from movement when the rover is
	// demonstrably moving, otherwise carry the last trusted heading.
	if moving && c.haveEmitPos {
		if geo.HaversineM(c.lastEmitLat, c.lastEmitLon, s.Lat, s.Lon) >= 0.05 {
			v := geo.InitialBearingDeg(c.lastEmitLat, c.lastEmitLon, s.Lat, s.Lon)
			s.HeadingDeg = &v
			s.HeadingReliable = true
			c.lastHeading = &v
			return
		}
	}

	if c.lastHeading != nil {
		v := *c.lastHeading
		s.HeadingDeg = &v
	}
	s.HeadingReliable = false
}

func (c *Composer) emit(now time.Time, s Sample) {
	// Pending samples emitted by the coalescing window never saw a VTG; run
	// the heading policy before they leave.
	if s.HeadingDeg == nil && !s.HeadingReliable {
		c.attachCourse(&s, nil)
	}

	c.lastEmitLat = s.Lat
	c.lastEmitLon = s.Lon
	c.haveEmitPos = true
	c.accepted.Add(1)

	if c.onSample != nil {
		c.onSample(s)
	}
}

func normalize360(deg float64) float64 {
	m := deg
	for m >= 360.0 {
		m -= 360.0
	}
	for m < 0 {
		m += 360.0
	}
	return m
}

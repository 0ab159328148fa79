package gnss

import (
	"fmt"
	"math"
	"time"
)

// PositionReport returns the GGA sentence the correction link should send
// upstream for this sample: the receiver's own sentence verbatim when we
// have it, otherwise one rebuilt from the decoded fields.
func PositionReport(s Sample) string {
	if s.RawGGA != "" {
		return s.RawGGA
	}
	return BuildGGA(s, s.ReceivedAt)
}

// BuildGGA reconstructs a GGA sentence from a decoded sample. Casters only
// need an approximate position to select a correction stream, so this is a
// faithful but not bit-exact rendition.
func BuildGGA(s Sample, at time.Time) string {
	latDeg, latMin, latHemi := toNMEADegMin(s.Lat, "N", "S")
	lonDeg, lonMin, lonHemi := toNMEADegMin(s.Lon, "E", "W")

	quality := ggaQualityDigit(s.Quality)
	hdop := 99.9
	if s.HDOP != nil {
		hdop = *s.HDOP
	}
	alt := 0.0
	if s.AltM != nil {
		alt = *s.AltM
	}

	payload := fmt.Sprintf("GNGGA,%s,%02d%07.4f,%s,%03d%07.4f,%s,%d,%02d,%.1f,%.1f,M,0.0,M,,",
		at.UTC().Format("150405.00"),
		latDeg, latMin, latHemi,
		lonDeg, lonMin, lonHemi,
		quality, s.Satellites, hdop, alt)
	return ChecksumWrap(payload)
}

func toNMEADegMin(v float64, posHemi, negHemi string) (int, float64, string) {
	hemi := posHemi
	if v < 0 {
		hemi = negHemi
		v = -v
	}
	deg := int(math.Floor(v))
	min := (v - float64(deg)) * 60.0
	return deg, min, hemi
}

func ggaQualityDigit(q FixQuality) int {
	switch q {
	case NoFix:
		return 0
	case GPSSingle:
		return 1
	case DGPS:
		return 2
	case RTKFixed:
		return 4
	case RTKFloat:
		return 5
	default:
		return 1
	}
}

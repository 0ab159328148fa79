//go:build linux

package motor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// gpioSink drives a dual H-bridge through four direction lines using the
// Linux GPIO character device. Wheel magnitude maps to on/off; speed control
// finer than that belongs to a PWM-capable driver board.
type gpioSink struct {
	chip *gpiocdev.Chip

	leftFwd  *gpiocdev.Line
	leftRev  *gpiocdev.Line
	rightFwd *gpiocdev.Line
	rightRev *gpiocdev.Line
}

func openGPIOSink(cfg SinkConfig) (Sink, error) {
	pins := []int{cfg.LeftForwardPin, cfg.LeftReversePin, cfg.RightForwardPin, cfg.RightReversePin}
	for _, p := range pins {
		if p <= 0 {
			return nil, fmt.Errorf("motor: gpio backend requires all four direction pins, got %v", pins)
		}
	}

	chip, err := openMotorChip(pins)
	if err != nil {
		return nil, err
	}

	s := &gpioSink{chip: chip}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	request := func(pin int) (*gpiocdev.Line, error) {
		offset, err := chip.FindLine(fmt.Sprintf("GPIO%d", pin))
		if err != nil {
			// Fall back to raw offsets for chips without line names.
			offset = pin
		}
		return chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("rtk-rover-motor"))
	}

	if s.leftFwd, err = request(cfg.LeftForwardPin); err != nil {
		return nil, fmt.Errorf("motor: left forward line: %w", err)
	}
	if s.leftRev, err = request(cfg.LeftReversePin); err != nil {
		return nil, fmt.Errorf("motor: left reverse line: %w", err)
	}
	if s.rightFwd, err = request(cfg.RightForwardPin); err != nil {
		return nil, fmt.Errorf("motor: right forward line: %w", err)
	}
	if s.rightRev, err = request(cfg.RightReversePin); err != nil {
		return nil, fmt.Errorf("motor: right reverse line: %w", err)
	}
	ok = true
	return s, nil
}

// openMotorChip probes likely GPIO chips and returns the first that opens.
func openMotorChip(pins []int) (*gpiocdev.Chip, error) {
	candidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "gpiochip") {
			candidates = append(candidates, filepath.Join("/dev", e.Name()))
		}
	}
	for _, path := range candidates {
		chip, err := gpiocdev.NewChip(path)
		if err == nil {
			return chip, nil
		}
	}
	return nil, fmt.Errorf("motor: no usable gpio chip found")
}

func (s *gpioSink) ApplyWheels(left, right float64) error {
	if err := setDirection(s.leftFwd, s.leftRev, left); err != nil {
		return err
	}
	return setDirection(s.rightFwd, s.rightRev, right)
}

func setDirection(fwd, rev *gpiocdev.Line, v float64) error {
	const deadband = 0.05
	f, r := 0, 0
	switch {
	case v > deadband:
		f = 1
	case v < -deadband:
		r = 1
	}
	if err := fwd.SetValue(f); err != nil {
		return err
	}
	return rev.SetValue(r)
}

func (s *gpioSink) ApplyEmergencyStop() error {
	return s.ApplyWheels(0, 0)
}

func (s *gpioSink) Close() error {
	var first error
	for _, l := range []*gpiocdev.Line{s.leftFwd, s.leftRev, s.rightFwd, s.rightRev} {
		if l == nil {
			continue
		}
		// Leave every line low on the way out.
		_ = l.SetValue(0)
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	if s.chip != nil {
		_ = s.chip.Close()
		s.chip = nil
	}
	return first
}

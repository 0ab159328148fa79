package receiver

import (
	"fmt"
	"io"
	"strings"

	serial "go.bug.st/serial"
)

// openPort opens the configured serial driver.
func openPort(cfg Config) (io.ReadWriteCloser, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "serial":
		p, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.Baud})
		if err != nil {
			return nil, fmt.Errorf("receiver: open %s: %w", cfg.Device, err)
		}
		if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("receiver: set read timeout: %w", err)
		}
		return p, nil
	case "termios":
		return openTermios(cfg.Device, cfg.Baud, cfg.ReadTimeout)
	default:
		return nil, fmt.Errorf("receiver: unknown driver %q", cfg.Driver)
	}
}

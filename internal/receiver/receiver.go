// Package receiver owns the serial session to the GNSS receiver: a read
// loop feeding the NMEA composer and the opaque write path used to forward
// correction frames back to the module.
package receiver

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rtk-rover/internal/gnss"
)

// DefaultReadTimeout is the serial read timeout; each expiry increments the
// liveness counter and drives the composer's time-based behavior.
const DefaultReadTimeout = 1 * time.Second

type Config struct {
	// Device is the serial device path; empty auto-detects /dev/ttyACM* and
	// /dev/ttyUSB*.
	Device string
	Baud   int

	// Driver selects the open path: "serial" (portable, default) or
	// "termios" (native, linux only).
	Driver string

	ReadTimeout time.Duration
}

type Snapshot struct {
	Connected bool   `json:"connected"`
	Device    string `json:"device,omitempty"`
	Baud      int    `json:"baud,omitempty"`
	Driver    string `json:"driver,omitempty"`

	ReadTimeouts     uint64 `json:"read_timeouts"`
	CorrectionBytes  uint64 `json:"correction_bytes"`
	CorrectionWrites uint64 `json:"correction_writes"`
	LastError        string `json:"last_error,omitempty"`

	Stream gnss.Stats `json:"stream"`
}

// Service runs the receiver read loop. It implements the correction sink
// used by the NTRIP client.
type Service struct {
	cfg      Config
	composer *gnss.Composer

	mu      sync.Mutex
	port    io.ReadWriteCloser
	lastErr string

	writeMu sync.Mutex

	timeouts   atomic.Uint64
	corrBytes  atomic.Uint64
	corrWrites atomic.Uint64
	connected  atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, composer *gnss.Composer) *Service {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Driver == "" {
		cfg.Driver = "serial"
	}
	return &Service{cfg: cfg, composer: composer}
}

func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("receiver: service is nil")
	}
	if ctx == nil {
		return fmt.Errorf("receiver: ctx is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	device := strings.TrimSpace(s.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			s.lastErr = "receiver auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found"
			return fmt.Errorf("receiver: auto-detect failed")
		}
		s.cfg.Device = device
	}

	port, err := openPort(s.cfg)
	if err != nil {
		s.lastErr = fmt.Sprintf("receiver open failed device=%s baud=%d: %v", device, s.cfg.Baud, err)
		return err
	}
	s.port = port
	s.connected.Store(true)

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = port.Close()
			s.connected.Store(false)
		}()
		log.Printf("receiver enabled device=%s baud=%d driver=%s", device, s.cfg.Baud, s.cfg.Driver)
		s.readLoop(childCtx, port)
	}()
	return nil
}

func (s *Service) readLoop(ctx context.Context, port io.Reader) {
	buf := make([]byte, 512)
	var line []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := port.Read(buf)
		now := time.Now()

		if n > 0 {
			for _, b := range buf[:n] {
				if b == '\n' {
					s.composer.ProcessLine(now, string(line))
					line = line[:0]
					continue
				}
				if b != '\r' {
					line = append(line, b)
				}
				// Guard against a stream with no newlines.
				if len(line) > 1024 {
					line = line[:0]
				}
			}
			continue
		}

		switch {
		case err == nil, err == io.EOF:
			// Timeout expiry (both drivers surface it as an empty read).
			s.timeouts.Add(1)
			s.composer.Tick(now)
		default:
			s.setError(fmt.Sprintf("receiver read stopped: %v", err))
			return
		}
	}
}

// WriteCorrection forwards opaque correction bytes to the receiver. Called
// from the NTRIP client goroutine.
func (s *Service) WriteCorrection(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return fmt.Errorf("receiver: not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := port.Write(p); err != nil {
		s.setError(fmt.Sprintf("receiver correction write failed: %v", err))
		return err
	}
	s.corrBytes.Add(uint64(len(p)))
	s.corrWrites.Add(1)
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	port := s.port
	s.cancel = nil
	s.port = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if port != nil {
		_ = port.Close()
	}
	s.wg.Wait()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	lastErr := s.lastErr
	s.mu.Unlock()

	snap := Snapshot{
		Connected:        s.connected.Load(),
		Device:           s.cfg.Device,
		Baud:             s.cfg.Baud,
		Driver:           s.cfg.Driver,
		ReadTimeouts:     s.timeouts.Load(),
		CorrectionBytes:  s.corrBytes.Load(),
		CorrectionWrites: s.corrWrites.Load(),
		LastError:        lastErr,
	}
	if s.composer != nil {
		snap.Stream = s.composer.Stats()
	}
	return snap
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

func autoDetectDevice() string {
	candidates := []string{}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

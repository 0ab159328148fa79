// Package ntrip maintains the long-lived session to an NTRIP correction
// caster: it forwards downstream correction frames to the receiver and sends
// the receiver's position report back upstream on an adaptive interval.
package ntrip

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"rtk-rover/internal/gnss"
)

// State is the link's connection state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateStreaming    State = "STREAMING"
)

const (
	defaultUserAgent   = "NTRIP rtk-rover/1.0"
	defaultDialTimeout = 5 * time.Second
	defaultWriteTO     = 5 * time.Second
	defaultReadIdleTO  = 60 * time.Second
	backoffMin         = 1 * time.Second
	backoffMax         = 30 * time.Second
	backoffJitter      = 0.1

	// downstreamChunk bounds how much correction data is handed to the
	// receiver in one write.
	downstreamChunk = 4096
)

// CorrectionSink receives downstream correction frames (opaque bytes) for
// forwarding to the receiver.
type CorrectionSink interface {
	WriteCorrection(p []byte) error
}

// SampleSource provides the latest accepted kinematic sample for the
// position-report back-channel.
type SampleSource interface {
	Latest() (gnss.Sample, bool)
}

type Config struct {
	Host       string
	Port       int
	Mountpoint string
	Username   string
	Password   string
	UserAgent  string

	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 2101
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTO
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdleTO
	}
}

// Snapshot is the link's observable state, including the metrics consumed by
// the supervisor.
type Snapshot struct {
	State       State  `json:"state"`
	Mountpoint  string `json:"mountpoint,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	ConnectedAt string `json:"connected_utc,omitempty"`

	HandshakeLatencyMS float64 `json:"handshake_latency_ms,omitempty"`
	BytesDownTotal     uint64  `json:"bytes_down_total"`
	BytesDownPerMin    float64 `json:"bytes_down_per_min"`
	DisconnectsTotal   uint64  `json:"disconnects_total"`
	DisconnectsPerMin  float64 `json:"disconnects_per_min"`
	GGASent            uint64  `json:"gga_sent"`
}

// Client runs the correction session. One reconnect loop owns the socket, so
// at most one connection attempt or session is live at any instant and
// concurrent reconnect requests coalesce into the loop's next iteration.
type Client struct {
	cfg     Config
	sink    CorrectionSink
	samples SampleSource

	// dialFn is swappable for tests.
	dialFn func(ctx context.Context, addr string) (net.Conn, error)

	mu    sync.Mutex
	state State
	snap  Snapshot

	window struct {
		start       time.Time
		bytes       uint64
		disconnects uint64
		lastBytes   float64
		lastDiscs   float64
	}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, sink CorrectionSink, samples SampleSource) *Client {
	cfg.setDefaults()
	c := &Client{
		cfg:     cfg,
		sink:    sink,
		samples: samples,
		state:   StateDisconnected,
	}
	c.snap.State = StateDisconnected
	c.snap.Mountpoint = cfg.Mountpoint
	c.dialFn = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: cfg.DialTimeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	return c
}

func (c *Client) Start(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("ntrip: client is nil")
	}
	if strings.TrimSpace(c.cfg.Host) == "" {
		return fmt.Errorf("ntrip: caster host is required")
	}
	if strings.TrimSpace(c.cfg.Mountpoint) == "" {
		return fmt.Errorf("ntrip: mountpoint is required")
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	childCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runLoop(childCtx)
	}()
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.snap
	snap.State = c.state
	snap.BytesDownPerMin, snap.DisconnectsPerMin = c.ratesLocked(time.Now())
	return snap
}

// runLoop is the single reconnect loop: connect, stream, back off, repeat.
func (c *Client) runLoop(ctx context.Context) {
	backoff := backoffMin
	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		default:
		}

		c.setState(StateConnecting)
		conn, r, err := c.connect(ctx)
		if err != nil {
			c.setError(fmt.Sprintf("ntrip connect failed: %v", err))
			c.setState(StateDisconnected)
			if !sleepCtx(ctx, jitter(backoff)) {
				return
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}

		backoff = backoffMin
		c.setState(StateStreaming)
		log.Printf("ntrip streaming mountpoint=%s", c.cfg.Mountpoint)

		c.stream(ctx, conn, r)

		_ = conn.Close()
		c.noteDisconnect()
		c.setState(StateDisconnected)
		if !sleepCtx(ctx, jitter(backoff)) {
			return
		}
	}
}

// connect dials the caster and performs the NTRIP handshake. The returned
// reader holds any stream bytes buffered past the response headers.
func (c *Client) connect(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	started := time.Now()

	conn, err := c.dialFn(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = conn.Close()
		}
	}()

	mount := c.cfg.Mountpoint
	if !strings.HasPrefix(mount, "/") {
		mount = "/" + mount
	}
	auth := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.Password))
	req := fmt.Sprintf("GET %s HTTP/1.0\r\n"+
		"User-Agent: %s\r\n"+
		"Ntrip-Version: Ntrip/2.0\r\n"+
		"Authorization: Basic %s\r\n"+
		"\r\n", mount, c.cfg.UserAgent, auth)

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := conn.Write([]byte(req)); err != nil {
		return nil, nil, fmt.Errorf("handshake write: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	r := bufio.NewReaderSize(conn, downstreamChunk)
	status, err := r.ReadString('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("handshake read: %w", err)
	}
	status = strings.TrimSpace(status)

	switch {
	case strings.HasPrefix(status, "ICY 200 OK"):
		// NTRIP v1: the correction stream starts right after the status line.
	case strings.HasPrefix(status, "HTTP/1.") && strings.Contains(status, " 200"):
		// NTRIP v2: consume the remaining headers.
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return nil, nil, fmt.Errorf("handshake headers: %w", err)
			}
			if strings.TrimSpace(line) == "" {
				break
			}
		}
	default:
		return nil, nil, fmt.Errorf("caster rejected: %q", status)
	}

	latency := time.Since(started)
	c.mu.Lock()
	c.snap.HandshakeLatencyMS = float64(latency.Microseconds()) / 1000.0
	c.snap.ConnectedAt = time.Now().UTC().Format(time.RFC3339)
	c.snap.LastError = ""
	c.mu.Unlock()

	ok = true
	return conn, r, nil
}

// stream runs one established session until an error or cancellation.
func (c *Client) stream(ctx context.Context, conn net.Conn, r *bufio.Reader) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var session sync.WaitGroup

	// Downstream: forward correction bytes to the receiver.
	session.Add(1)
	go func() {
		defer session.Done()
		buf := make([]byte, downstreamChunk)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdleTimeout))
			n, err := r.Read(buf)
			if n > 0 {
				c.noteBytes(uint64(n))
				if werr := c.sink.WriteCorrection(buf[:n]); werr != nil {
					errCh <- fmt.Errorf("receiver write: %w", werr)
					return
				}
			}
			if err != nil {
				errCh <- fmt.Errorf("downstream read: %w", err)
				return
			}
		}
	}()

	// Upstream: position reports on the adaptive interval.
	session.Add(1)
	go func() {
		defer session.Done()
		c.uploadLoop(sessionCtx, conn, errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		c.setError(err.Error())
		log.Printf("ntrip session ended: %v", err)
	}
	// Closing the socket unblocks both session goroutines; the next connect
	// attempt starts only after they have drained.
	_ = conn.Close()
	cancel()
	session.Wait()
}

func (c *Client) uploadLoop(ctx context.Context, conn net.Conn, errCh chan<- error) {
	// First report goes out quickly once a sample exists.
	interval := 1 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		sample, ok := c.samples.Latest()
		if !ok {
			// Withhold the report until a sample arrives.
			interval = 1 * time.Second
			continue
		}

		gga := gnss.PositionReport(sample)
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if _, err := conn.Write([]byte(gga + "\r\n")); err != nil {
			select {
			case errCh <- fmt.Errorf("gga upload: %w", err):
			default:
			}
			return
		}
		c.mu.Lock()
		c.snap.GGASent++
		c.mu.Unlock()

		interval = ReportInterval(sample.Quality, sample.HDOP)
	}
}

// ReportInterval returns the adaptive position-report period for the current
// fix class. Better fixes report more often to keep the caster's stream
// selection tight.
func ReportInterval(q gnss.FixQuality, hdop *float64) time.Duration {
	switch q {
	case gnss.RTKFixed:
		return 8 * time.Second
	case gnss.RTKFloat:
		return 12 * time.Second
	case gnss.DGPS, gnss.GPSSingle:
		// 15 s at HDOP <= 2 rising linearly to 20 s at HDOP >= 6.
		h := 2.0
		if hdop != nil {
			h = *hdop
		}
		if h < 2 {
			h = 2
		}
		if h > 6 {
			h = 6
		}
		sec := 15.0 + (h-2.0)/4.0*5.0
		return time.Duration(sec * float64(time.Second))
	default:
		return 30 * time.Second
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) setError(msg string) {
	c.mu.Lock()
	c.snap.LastError = msg
	c.mu.Unlock()
}

func (c *Client) noteBytes(n uint64) {
	c.mu.Lock()
	c.rollWindowLocked(time.Now())
	c.snap.BytesDownTotal += n
	c.window.bytes += n
	c.mu.Unlock()
}

func (c *Client) noteDisconnect() {
	c.mu.Lock()
	c.rollWindowLocked(time.Now())
	c.snap.DisconnectsTotal++
	c.window.disconnects++
	c.mu.Unlock()
}

// rollWindowLocked maintains the rolling one-minute rate window.
func (c *Client) rollWindowLocked(now time.Time) {
	if c.window.start.IsZero() {
		c.window.start = now
		return
	}
	if now.Sub(c.window.start) >= time.Minute {
		c.window.lastBytes = float64(c.window.bytes)
		c.window.lastDiscs = float64(c.window.disconnects)
		c.window.bytes = 0
		c.window.disconnects = 0
		c.window.start = now
	}
}

func (c *Client) ratesLocked(now time.Time) (bytesPerMin, discsPerMin float64) {
	c.rollWindowLocked(now)
	elapsed := now.Sub(c.window.start).Minutes()
	if elapsed < 0.05 {
		return c.window.lastBytes, c.window.lastDiscs
	}
	return float64(c.window.bytes) / elapsed, float64(c.window.disconnects) / elapsed
}

func jitter(d time.Duration) time.Duration {
	f := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

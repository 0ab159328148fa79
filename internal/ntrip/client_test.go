package ntrip

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rtk-rover/internal/gnss"
)

type byteSink struct {
	mu  sync.Mutex
	buf []byte
}

func (s *byteSink) WriteCorrection(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	return nil
}

func (s *byteSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}

type fixedSamples struct {
	mu     sync.Mutex
	sample gnss.Sample
	ok     bool
}

func (f *fixedSamples) Latest() (gnss.Sample, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sample, f.ok
}

// pipeDialer hands the client one end of a pipe per dial and exposes the
// server ends.
type pipeDialer struct {
	mu    sync.Mutex
	conns []net.Conn
	count atomic.Int32
}

func (d *pipeDialer) dial(ctx context.Context, addr string) (net.Conn, error) {
	client, server := net.Pipe()
	d.mu.Lock()
	d.conns = append(d.conns, server)
	d.mu.Unlock()
	d.count.Add(1)
	return client, nil
}

func (d *pipeDialer) wait(t *testing.T, n int) net.Conn {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.conns) >= n {
			c := d.conns[n-1]
			d.mu.Unlock()
			return c
		}
		d.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("dial %d never happened", n)
	return nil
}

func testClient(t *testing.T, samples SampleSource) (*Client, *byteSink, *pipeDialer) {
	t.Helper()
	sink := &byteSink{}
	if samples == nil {
		samples = &fixedSamples{}
	}
	c := New(Config{
		Host:       "caster.example",
		Port:       2101,
		Mountpoint: "NEAR",
		Username:   "user",
		Password:   "pass",
	}, sink, samples)
	d := &pipeDialer{}
	c.dialFn = d.dial
	return c, sink, d
}

func serveHandshake(t *testing.T, conn net.Conn, response string) string {
	t.Helper()
	r := bufio.NewReader(conn)
	var req strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Errorf("server read: %v", err)
			return req.String()
		}
		req.WriteString(line)
		if line == "\r\n" {
			break
		}
	}
	if _, err := conn.Write([]byte(response)); err != nil {
		t.Errorf("server write: %v", err)
	}
	return req.String()
}

func TestClient_HandshakeAndDownstream(t *testing.T) {
	c, sink, d := testClient(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Close()

	server := d.wait(t, 1)
	req := serveHandshake(t, server, "ICY 200 OK\r\n")

	if !strings.HasPrefix(req, "GET /NEAR HTTP/1.0\r\n") {
		t.Fatalf("bad request line: %q", req)
	}
	if !strings.Contains(req, "Ntrip-Version: Ntrip/2.0\r\n") {
		t.Fatalf("missing ntrip version: %q", req)
	}
	if !strings.Contains(req, "Authorization: Basic dXNlcjpwYXNz\r\n") {
		t.Fatalf("missing basic auth: %q", req)
	}
	if !strings.Contains(req, "User-Agent:") {
		t.Fatalf("missing user agent: %q", req)
	}

	// Correction frames flow through to the receiver sink.
	payload := []byte{0xd3, 0x00, 0x13, 0x3e, 0xd0, 0x01, 0x02, 0x03}
	if _, err := server.Write(payload); err != nil {
		t.Fatalf("server payload write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.Bytes()) >= len(payload) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := sink.Bytes()
	if len(got) < len(payload) || got[0] != 0xd3 {
		t.Fatalf("forwarded %v, want %v", got, payload)
	}
	if c.State() != StateStreaming {
		t.Fatalf("state = %v, want STREAMING", c.State())
	}
	snap := c.Snapshot()
	if snap.BytesDownTotal < uint64(len(payload)) {
		t.Fatalf("bytes counter = %d", snap.BytesDownTotal)
	}
	if snap.HandshakeLatencyMS <= 0 {
		t.Fatalf("handshake latency not recorded")
	}
}

func TestClient_HTTP2XXHandshakeWithHeaders(t *testing.T) {
	c, sink, d := testClient(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Close()

	server := d.wait(t, 1)
	serveHandshake(t, server, "HTTP/1.1 200 OK\r\nContent-Type: gnss/data\r\n\r\n")

	if _, err := server.Write([]byte{0xd3, 0x01}); err != nil {
		t.Fatalf("payload write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.Bytes()) >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stream bytes not forwarded after v2 handshake")
}

func TestClient_RejectedHandshakeReconnects(t *testing.T) {
	c, _, d := testClient(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Close()

	server := d.wait(t, 1)
	serveHandshake(t, server, "HTTP/1.1 401 Unauthorized\r\n\r\n")

	// Backoff is ~1s; the second attempt proves the retry loop and that only
	// one attempt is in flight at a time.
	d.wait(t, 2)
	if got := d.count.Load(); got < 2 {
		t.Fatalf("dial count = %d, want >= 2", got)
	}
	snap := c.Snapshot()
	if snap.LastError == "" {
		t.Fatalf("rejection not recorded")
	}
}

func TestClient_UploadsPositionReport(t *testing.T) {
	raw := gnss.ChecksumWrap("GNGGA,120000.00,5214.2229,N,02101.0519,E,4,12,0.8,112.4,M,34.5,M,,")
	samples := &fixedSamples{sample: gnss.Sample{
		Lat: 52.237, Lon: 21.017, Quality: gnss.RTKFixed, RawGGA: raw,
	}, ok: true}

	c, _, d := testClient(t, samples)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Close()

	server := d.wait(t, 1)
	serveHandshake(t, server, "ICY 200 OK\r\n")

	_ = server.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(server).ReadString('\n')
	if err != nil {
		t.Fatalf("no position report arrived: %v", err)
	}
	if strings.TrimSpace(line) != raw {
		t.Fatalf("report = %q, want verbatim GGA %q", strings.TrimSpace(line), raw)
	}
	// The counter is bumped after Write returns, which can trail the
	// server's read of the line.
	deadline := time.Now().Add(time.Second)
	for c.Snapshot().GGASent == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	snap := c.Snapshot()
	if snap.GGASent == 0 {
		t.Fatalf("gga counter not incremented")
	}
}

func TestClient_WithholdsReportWithoutSample(t *testing.T) {
	c, _, d := testClient(t, &fixedSamples{ok: false})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Close()

	server := d.wait(t, 1)
	serveHandshake(t, server, "ICY 200 OK\r\n")

	_ = server.SetReadDeadline(time.Now().Add(1500 * time.Millisecond))
	if _, err := bufio.NewReader(server).ReadString('\n'); err == nil {
		t.Fatalf("report sent despite missing sample")
	}
}

func TestClient_ServerCloseTriggersReconnect(t *testing.T) {
	c, _, d := testClient(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Close()

	server := d.wait(t, 1)
	serveHandshake(t, server, "ICY 200 OK\r\n")
	_ = server.Close()

	d.wait(t, 2)
	snap := c.Snapshot()
	if snap.DisconnectsTotal < 1 {
		t.Fatalf("disconnect not counted: %+v", snap)
	}
}

func TestReportInterval(t *testing.T) {
	h := func(v float64) *float64 { return &v }
	cases := []struct {
		name string
		q    gnss.FixQuality
		hdop *float64
		want time.Duration
	}{
		{"rtk fixed", gnss.RTKFixed, nil, 8 * time.Second},
		{"rtk float", gnss.RTKFloat, nil, 12 * time.Second},
		{"single low hdop", gnss.GPSSingle, h(2.0), 15 * time.Second},
		{"single high hdop", gnss.GPSSingle, h(6.0), 20 * time.Second},
		{"dgps mid hdop", gnss.DGPS, h(4.0), 17500 * time.Millisecond},
		{"single clamped", gnss.GPSSingle, h(9.0), 20 * time.Second},
		{"no fix", gnss.NoFix, nil, 30 * time.Second},
	}
	for _, c := range cases {
		if got := ReportInterval(c.q, c.hdop); got != c.want {
			t.Fatalf("%s: interval = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Host: "h", Mountpoint: "m"}
	cfg.setDefaults()
	if cfg.Port != 2101 {
		t.Fatalf("default port = %d", cfg.Port)
	}
	if cfg.DialTimeout != 5*time.Second || cfg.ReadIdleTimeout != 60*time.Second {
		t.Fatalf("timeouts = %v/%v", cfg.DialTimeout, cfg.ReadIdleTimeout)
	}
}

package telemetry

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func TestStatusFeed_Delivers(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	feed, err := dialStatusFeed(pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	defer feed.Close()

	if err := feed.Publish([]byte(`{"ok":true}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = pc.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != `{"ok":true}` {
		t.Fatalf("payload = %q", buf[:n])
	}
	if feed.Sent() != 1 {
		t.Fatalf("sent counter = %d", feed.Sent())
	}

	// A nil feed and an empty document are both no-ops.
	var none *statusFeed
	if err := none.Publish([]byte("x")); err != nil {
		t.Fatalf("nil feed publish: %v", err)
	}
	if err := feed.Publish(nil); err != nil {
		t.Fatalf("empty publish: %v", err)
	}
}

func TestService_PublishesOverUDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	type doc struct {
		Seq int `json:"seq"`
	}
	seq := 0
	svc := New(Config{
		UDP: UDPConfig{Dest: pc.LocalAddr().String(), Interval: 20 * time.Millisecond},
	}, func() any {
		seq++
		return doc{Seq: seq}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()

	_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("no datagram arrived: %v", err)
	}
	var got doc
	if err := json.Unmarshal(buf[:n], &got); err != nil {
		t.Fatalf("payload %q: %v", buf[:n], err)
	}
	if got.Seq < 1 {
		t.Fatalf("seq = %d", got.Seq)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if svc.Snapshot().Published >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("publish counter never advanced")
}

func TestService_DisabledChannels(t *testing.T) {
	svc := New(Config{}, func() any { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	svc.Close()

	snap := svc.Snapshot()
	if snap.MQTTEnabled || snap.UDPEnabled {
		t.Fatalf("channels unexpectedly enabled: %+v", snap)
	}
}

func TestService_NilSource(t *testing.T) {
	svc := New(Config{}, nil)
	if err := svc.Start(context.Background()); err == nil {
		t.Fatalf("expected error for nil source")
	}
}

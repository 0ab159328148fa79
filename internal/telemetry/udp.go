package telemetry

import (
	"fmt"
	"net"
	"sync/atomic"
)

// statusFeed pushes status documents to a fixed UDP destination, so a bench
// laptop can watch the rover with nothing more than `nc -ul <port>`. Loss is
// acceptable; every datagram is a complete snapshot.
type statusFeed struct {
	conn      net.Conn
	datagrams atomic.Uint64
}

func dialStatusFeed(dest string) (*statusFeed, error) {
	conn, err := net.Dial("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("telemetry: status feed %s: %w", dest, err)
	}
	return &statusFeed{conn: conn}, nil
}

// Publish sends one snapshot document.
func (f *statusFeed) Publish(doc []byte) error {
	if f == nil || len(doc) == 0 {
		return nil
	}
	if _, err := f.conn.Write(doc); err != nil {
		return fmt.Errorf("telemetry: status feed write: %w", err)
	}
	f.datagrams.Add(1)
	return nil
}

// Sent returns how many datagrams have gone out.
func (f *statusFeed) Sent() uint64 {
	if f == nil {
		return 0
	}
	return f.datagrams.Load()
}

func (f *statusFeed) Close() error {
	if f == nil || f.conn == nil {
		return nil
	}
	return f.conn.Close()
}

//go:build !linux

package receiver

import (
	"fmt"
	"io"
	"time"
)

func openTermios(path string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("receiver: termios driver is only available on linux")
}

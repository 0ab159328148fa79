//go:build linux

package receiver

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// openTermios opens the device directly through termios in raw 8N1 mode.
// Reads time out after the configured interval so the read loop can drive
// the composer's stall detection.
func openTermios(path string, baud int, readTimeout time.Duration) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}

	spd, err := baudConst(baud)
	if err != nil {
		return nil, err
	}

	// Raw mode: no line editing, no flow control, 8 data bits, no parity.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8

	// VMIN=0 with VTIME makes read return empty after the timeout, which the
	// read loop counts as a liveness tick.
	deci := readTimeout / (100 * time.Millisecond)
	if deci < 1 {
		deci = 1
	}
	if deci > 255 {
		deci = 255
	}
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = uint8(deci)

	t.Cflag &^= unix.CBAUD
	t.Cflag |= spd
	t.Ispeed = spd
	t.Ospeed = spd

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return nil, err
	}

	f := os.NewFile(uintptr(fd), path)
	if f == nil {
		return nil, fmt.Errorf("receiver: os.NewFile failed")
	}
	ok = true
	return f, nil
}

func baudConst(baud int) (uint32, error) {
	switch baud {
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	default:
		return 0, fmt.Errorf("receiver: unsupported baud %d", baud)
	}
}

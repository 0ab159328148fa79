//go:build !linux

package motor

import "fmt"

func openGPIOSink(cfg SinkConfig) (Sink, error) {
	return nil, fmt.Errorf("motor: gpio backend is only available on linux")
}

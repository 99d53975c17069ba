package device

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Serial line settings of the arm's controller.
const (
	DefaultBaudRate = 115200
	// The controller resets when the port opens and ignores input while it
	// boots.
	DefaultSettleTime = 3 * time.Second
)

// SerialConfig configures OpenSerial. Zero fields take their defaults.
type SerialConfig struct {
	BaudRate    int
	ReadTimeout time.Duration
	SettleTime  time.Duration
}

func (c SerialConfig) withDefaults() SerialConfig {
	if c.BaudRate <= 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.SettleTime < 0 {
		c.SettleTime = 0
	} else if c.SettleTime == 0 {
		c.SettleTime = DefaultSettleTime
	}
	return c
}

// OpenSerial opens the serial port at path (e.g. /dev/ttyACM0 or COM3), then
// waits for the controller to settle.
func OpenSerial(ctx context.Context, path string, cfg SerialConfig) (*Conn, error) {
	cfg = cfg.withDefaults()
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %v: %w", path, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	timer := time.NewTimer(cfg.SettleTime)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		_ = port.Close()
		return nil, ctx.Err()
	}
	return New(port), nil
}

// DialTCP connects to a device exposed over TCP, such as a serial-to-network
// bridge.
func DialTCP(ctx context.Context, addr string, readTimeout time.Duration) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %v: %w", addr, err)
	}
	return New(conn, WithReadTimeout(readTimeout)), nil
}

// Open connects to the device at target: "tcp://host:port" dials TCP, anything
// else is a serial port path.
func Open(ctx context.Context, target string, cfg SerialConfig) (*Conn, error) {
	if addr, ok := strings.CutPrefix(target, "tcp://"); ok {
		return DialTCP(ctx, addr, cfg.ReadTimeout)
	}
	return OpenSerial(ctx, target, cfg)
}

// Package device connects the engine to the robotic arm: a Conn frames the
// line protocol over a serial port, a TCP stream (e.g. a ser2net bridge in
// front of the port), or any other byte stream.
package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/go-digitaltwin/go-physicaltwin"
)

// DefaultReadTimeout bounds a single read from the device. The arm reports a
// snapshot every 100ms, so a quiet line for this long means it is idle or gone.
const DefaultReadTimeout = 5 * time.Second

// Conn is a physicaltwin.Channel over a byte stream. Lines are terminated by
// "\n" on the way out; on the way in, a trailing "\r\n" or "\n" is stripped.
//
// Reads are bounded in time when the stream supports it: net.Conn through read
// deadlines, serial ports through their own read timeout.
type Conn struct {
	port    io.ReadWriteCloser
	timeout time.Duration

	r *bufio.Reader
	// A line cut short by a read timeout, completed by the next ReadLine.
	partial []byte

	wmu sync.Mutex // Serialises writers.
}

var _ physicaltwin.Channel = (*Conn)(nil)

// An Option configures a Conn.
type Option func(*Conn)

// WithReadTimeout overrides DefaultReadTimeout for streams with read deadlines.
// It does not affect serial ports, whose timeout is part of their mode.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New returns a Conn framing lines over the given stream. The Conn owns the
// stream: closing the Conn closes it.
func New(port io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{port: port, timeout: DefaultReadTimeout}
	for _, opt := range opts {
		opt(c)
	}
	c.r = bufio.NewReader(timeoutReader{port})
	return c
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// A timeoutReader reports the expiry of a bounded read as
// physicaltwin.ErrReadTimeout, and a serial port that went away as io.EOF,
// whichever way the stream signals them.
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	switch {
	case n == 0 && err == nil:
		// Serial ports return nothing at all when their timeout expires.
		return 0, physicaltwin.ErrReadTimeout
	case errors.Is(err, os.ErrDeadlineExceeded):
		return n, physicaltwin.ErrReadTimeout
	case portClosed(err):
		return n, io.EOF
	}
	return n, err
}

// portClosed reports whether err is the serial driver saying the port is gone,
// as when the arm is unplugged.
func portClosed(err error) bool {
	var pe interface{ Code() serial.PortErrorCode }
	return errors.As(err, &pe) && pe.Code() == serial.PortClosed
}

// ReadLine implements physicaltwin.Channel.
func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if d, ok := c.port.(readDeadliner); ok {
		if err := d.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return "", fmt.Errorf("set read deadline: %w", err)
		}
	}

	// ReadSlice hands out the reader's own buffer, so every chunk is copied
	// into partial before the next read.
	chunk, err := c.r.ReadSlice('\n')
	c.partial = append(c.partial, chunk...)
	for errors.Is(err, bufio.ErrBufferFull) {
		chunk, err = c.r.ReadSlice('\n')
		c.partial = append(c.partial, chunk...)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			// A line without its terminator is not a line.
			c.partial = nil
		}
		return "", err
	}

	line := strings.TrimSuffix(strings.TrimSuffix(string(c.partial), "\n"), "\r")
	c.partial = c.partial[:0]
	return line, nil
}

// WriteLine implements physicaltwin.Channel.
func (c *Conn) WriteLine(ctx context.Context, line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("line %q holds a line break", line)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if d, ok := c.port.(writeDeadliner); ok {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(c.timeout)
		}
		if err := d.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if _, err := io.WriteString(c.port, line+"\n"); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// inputResetter is implemented by serial ports, which buffer input in the
// operating system.
type inputResetter interface {
	ResetInputBuffer() error
}

// Flush implements physicaltwin.Channel. It must not be called concurrently
// with ReadLine.
func (c *Conn) Flush(context.Context) error {
	if p, ok := c.port.(inputResetter); ok {
		if err := p.ResetInputBuffer(); err != nil {
			return fmt.Errorf("reset input buffer: %w", err)
		}
	}
	c.r.Reset(timeoutReader{c.port})
	c.partial = nil
	return nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.port.Close()
}

package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Prompt asks, on out, for the values the operator has not configured yet (the
// device, the store address and the twin identifier) and reads the answers from
// in. A store address without a port gets the default port of the store.
func (c *Config) Prompt(in io.Reader, out io.Writer) error {
	s := bufio.NewScanner(in)
	ask := func(question string) (string, error) {
		for {
			if _, err := fmt.Fprint(out, question); err != nil {
				return "", err
			}
			if !s.Scan() {
				if err := s.Err(); err != nil {
					return "", err
				}
				return "", io.ErrUnexpectedEOF
			}
			if answer := strings.TrimSpace(s.Text()); answer != "" {
				return answer, nil
			}
		}
	}

	var err error
	if c.Device.Target == "" {
		if c.Device.Target, err = ask("Enter the device (serial port, or tcp://host:port): "); err != nil {
			return fmt.Errorf("device: %w", err)
		}
	}
	if c.Store.Address == "" {
		addr, err := ask(fmt.Sprintf("Enter the %v host:port: ", c.Store.Kind))
		if err != nil {
			return fmt.Errorf("store address: %w", err)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil && !strings.Contains(addr, "://") {
			addr = net.JoinHostPort(addr, c.Store.DefaultPort())
		}
		c.Store.Address = addr
	}
	if c.TwinID == "" {
		if c.TwinID, err = ask("Enter the twin ID: "); err != nil {
			return fmt.Errorf("twin id: %w", err)
		}
	}
	return nil
}

// ErrNotInteractive is returned by commands that would need to Prompt when
// prompting is disabled.
var ErrNotInteractive = errors.New("missing configuration and prompting is disabled")

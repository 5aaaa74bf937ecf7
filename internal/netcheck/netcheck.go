// Package netcheck answers whether the sync backend is reachable before a
// sync takes the lock.
package netcheck

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"time"
)

// defaultTimeout bounds a single dial.
const defaultTimeout = 5 * time.Second

// Checker dials a TCP address. The zero value, and a Checker without an
// address, always reports online.
type Checker struct {
	addr    string
	timeout time.Duration
	dialer  func(ctx context.Context, network, addr string) (net.Conn, error)
	log     *slog.Logger
}

// New returns a Checker for the host of serverURL. An empty serverURL
// yields a Checker that is always online.
func New(serverURL string, logger *slog.Logger) (*Checker, error) {
	c := &Checker{timeout: defaultTimeout, log: logger}
	if serverURL == "" {
		return c, nil
	}
	addr, err := hostPort(serverURL)
	if err != nil {
		return nil, err
	}
	c.addr = addr
	c.dialer = (&net.Dialer{}).DialContext
	return c, nil
}

// hostPort derives a dialable address from a URL, defaulting the port by
// scheme.
func hostPort(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Online reports whether a TCP connection to the backend can be opened.
func (c *Checker) Online(ctx context.Context) bool {
	if c == nil || c.addr == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer(ctx, "tcp", c.addr)
	if err != nil {
		if c.log != nil {
			c.log.Debug("backend unreachable", "addr", c.addr, "error", err)
		}
		return false
	}
	_ = conn.Close()
	return true
}

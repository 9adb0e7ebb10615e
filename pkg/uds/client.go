package uds

import (
	"net"
	"time"

	"lobcore/pkg/exception"
)

const unixNetwork = "unix"

// Client dials Unix domain sockets using a precomputed address.
type Client struct {
	addr    net.UnixAddr
	timeout time.Duration
}

// NewClient creates a client for the provided socket path. A zero timeout
// dials without deadline.
func NewClient(path string, timeout time.Duration) (*Client, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return &Client{addr: net.UnixAddr{Name: path, Net: unixNetwork}, timeout: timeout}, nil
}

// Path returns the configured socket path.
func (c *Client) Path() string {
	if c == nil {
		return ""
	}
	return c.addr.Name
}

// Dial opens a Unix domain socket connection.
func (c *Client) Dial() (net.Conn, error) {
	if c == nil {
		return nil, exception.ErrNilClientUDS
	}
	if c.addr.Name == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	d := net.Dialer{Timeout: c.timeout}
	return d.Dial(unixNetwork, c.addr.Name)
}

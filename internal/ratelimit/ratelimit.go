// Package ratelimit throttles a session's raw byte throughput, independent
// of the encrypted framing layered on top of it.
package ratelimit

import (
	"context"
	"io"
	"net"

	"golang.org/x/time/rate"
)

const defaultBurst = 16 * 1024

// Conn wraps a net.Conn and throttles both directions to a configured
// bytes-per-second rate using a token bucket per direction. A
// bytesPerSecond of zero or less disables limiting entirely; Wrap returns
// the original conn unchanged in that case.
type Conn struct {
	net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	read   *rate.Limiter
	write  *rate.Limiter
	burst  int
}

// Wrap returns conn throttled to bytesPerSecond bytes per second in each
// direction, with the given burst size in bytes (defaulting to 16KiB when
// burst is zero or negative). A non-positive bytesPerSecond disables
// limiting and returns conn unchanged.
func Wrap(conn net.Conn, bytesPerSecond float64, burst int) net.Conn {
	if bytesPerSecond <= 0 {
		return conn
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		Conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		read:   rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		write:  rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		burst:  burst,
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n <= 0 {
		return n, err
	}
	if waitErr := c.read.WaitN(c.ctx, n); waitErr != nil {
		return n, waitErr
	}
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > c.burst {
			chunk = c.burst
		}
		if err := c.write.WaitN(c.ctx, chunk); err != nil {
			return total, err
		}
		n, err := c.Conn.Write(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}
		if n < chunk {
			return total, io.ErrShortWrite
		}
		p = p[chunk:]
	}
	return total, nil
}

// Close cancels any readers/writers blocked waiting on a token before
// closing the underlying connection.
func (c *Conn) Close() error {
	c.cancel()
	return c.Conn.Close()
}

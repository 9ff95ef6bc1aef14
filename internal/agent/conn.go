package agent

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"
)

func dialTCP(ctx context.Context, ip string, port uint16) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(int(port))))
}

// Conn wraps a backend TCP connection acquired through
// Handle.GetConnection: closing it releases the flash-lock exactly
// once, and an optional inactivity timer closes it (and releases the
// lock) after a period with no read or write activity, matching
// spec.md §4.8's drop-guard semantics.
type Conn struct {
	net.Conn

	release func()
	once    sync.Once
	timeout time.Duration
	timer   *time.Timer
}

func newConn(underlying net.Conn, inactivityTimeout time.Duration, release func()) *Conn {
	c := &Conn{
		Conn:    underlying,
		release: release,
		timeout: inactivityTimeout,
	}
	if inactivityTimeout > 0 {
		c.timer = time.AfterFunc(inactivityTimeout, c.onIdle)
	}
	return c
}

func (c *Conn) onIdle() {
	_ = c.Close()
}

func (c *Conn) resetTimer() {
	if c.timer != nil {
		c.timer.Reset(c.timeout)
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.resetTimer()
	}
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.resetTimer()
	}
	return n, err
}

// Close releases the flash-lock and stops the inactivity timer. Safe
// to call more than once; only the first call has any effect.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		err = c.Conn.Close()
		if c.release != nil {
			c.release()
		}
	})
	return err
}

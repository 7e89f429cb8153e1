package peerpool

import (
	"io"
	"net"
	"sync"
	"time"
)

// dataChannelConn wraps a detached pion data channel ReadWriteCloser as a
// net.Conn. The detached channel is stream-oriented (SCTP reassembles
// messages), so it behaves like a TCP connection to the framing layer.
//
// Deadlines close the underlying stream to unblock pending I/O, the same
// way net.Pipe implements them; a fired deadline permanently breaks the
// conn, which is fine for the short-lived request exchanges carried here.
type dataChannelConn struct {
	rwc    io.ReadWriteCloser
	local  string
	remote string
	mu     sync.Mutex
	timer  *time.Timer
	broken bool
}

var _ net.Conn = (*dataChannelConn)(nil)

func newDataChannelConn(rwc io.ReadWriteCloser, local, remote string) *dataChannelConn {
	return &dataChannelConn{rwc: rwc, local: local, remote: remote}
}

func (c *dataChannelConn) Read(p []byte) (int, error)  { return c.rwc.Read(p) }
func (c *dataChannelConn) Write(p []byte) (int, error) { return c.rwc.Write(p) }

func (c *dataChannelConn) Close() error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	return c.rwc.Close()
}

func (c *dataChannelConn) LocalAddr() net.Addr  { return &linkAddr{label: c.local} }
func (c *dataChannelConn) RemoteAddr() net.Addr { return &linkAddr{label: c.remote} }

func (c *dataChannelConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if t.IsZero() || c.broken {
		return nil
	}
	d := time.Until(t)
	if d <= 0 {
		c.breakLocked()
		return nil
	}
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.breakLocked()
	})
	return nil
}

func (c *dataChannelConn) SetReadDeadline(t time.Time) error  { return c.SetDeadline(t) }
func (c *dataChannelConn) SetWriteDeadline(t time.Time) error { return c.SetDeadline(t) }

func (c *dataChannelConn) breakLocked() {
	if c.broken {
		return
	}
	c.broken = true
	c.rwc.Close()
}

// linkAddr is a synthetic net.Addr for peer links.
type linkAddr struct {
	label string
}

func (a *linkAddr) Network() string { return "canopy-peer" }
func (a *linkAddr) String() string  { return a.label }

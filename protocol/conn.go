package protocol

import (
	"errors"
	"net"
)

// readChunkSize is how much a single socket read asks for
const readChunkSize = 4096

// Conn owns one network connection and moves frames over it. Bytes that
// arrive past the end of a frame stay buffered for the next read, and a
// frame split across several reads is reassembled before decoding.
//
// A Conn is not safe for concurrent reads or concurrent writes, but one
// reader and one writer may run at the same time.
type Conn struct {
	conn    net.Conn
	writer  *Writer
	pending []byte
	chunk   []byte
	readErr error
}

// NewConn wraps a network connection
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:    conn,
		writer:  NewWriter(conn),
		pending: make([]byte, 0, readChunkSize),
		chunk:   make([]byte, readChunkSize),
	}
}

// ReadFrame reads the next frame, blocking until one is complete
func (c *Conn) ReadFrame() (Frame, error) {
	for {
		if len(c.pending) > 0 {
			f, n, err := Decode(c.pending)
			if err == nil {
				c.consume(n)
				return f, nil
			}
			if !errors.Is(err, ErrIncomplete) {
				return nil, err
			}
		}

		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// ReadSnapshot reads the length-prefixed snapshot that follows FULLRESYNC
func (c *Conn) ReadSnapshot() (RawBytes, error) {
	for {
		if len(c.pending) > 0 {
			raw, n, err := DecodeSnapshot(c.pending)
			if err == nil {
				c.consume(n)
				return raw, nil
			}
			if !errors.Is(err, ErrIncomplete) {
				return nil, err
			}
		}

		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// WriteFrame writes frames and flushes them in one go
func (c *Conn) WriteFrame(frames ...Frame) error {
	for _, f := range frames {
		if err := c.writer.WriteFrame(f); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

// Buffered returns the number of received bytes not yet decoded
func (c *Conn) Buffered() int {
	return len(c.pending)
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// NetConn returns the underlying connection
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// Close closes the underlying connection
func (c *Conn) Close() error {
	return c.conn.Close()
}

// fill performs one socket read and appends what it got to pending. A read
// error that arrives together with data is held back until that data has
// been decoded.
func (c *Conn) fill() error {
	if c.readErr != nil {
		return c.readErr
	}

	n, err := c.conn.Read(c.chunk)
	if n > 0 {
		c.pending = append(c.pending, c.chunk[:n]...)
	}
	if err != nil {
		if n > 0 {
			c.readErr = err
			return nil
		}
		return err
	}
	return nil
}

func (c *Conn) consume(n int) {
	c.pending = append(c.pending[:0], c.pending[n:]...)
}

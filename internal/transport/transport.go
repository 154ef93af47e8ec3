// Package transport provides the framed JSON stream both pairing and
// steady-state traffic run over. Each frame is one newline-terminated JSON
// object {type, payload}; payload bodies are envelope-encrypted after
// pairing, plaintext during the handshake itself.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
)

// Frame is one wire message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conn is a framed connection. Writes are serialized; reads must come from
// a single goroutine.
type Conn struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established byte stream in a framed connection.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{rwc: rwc, r: bufio.NewReader(rwc)}
}

// Dial opens a framed TCP connection to addr, honoring ctx for the dial
// itself.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(c), nil
}

// ReadFrame blocks until the next frame arrives or the connection fails.
func (c *Conn) ReadFrame() (*Frame, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("malformed frame: missing type")
	}
	return &f, nil
}

// WriteFrame sends one frame with the given type and payload value.
func (c *Conn) WriteFrame(frameType string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", frameType, err)
		}
		raw = encoded
	}
	line, err := json.Marshal(Frame{Type: frameType, Payload: raw})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frameType, err)
	}
	line = append(line, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rwc.Write(line); err != nil {
		return fmt.Errorf("write %s frame: %w", frameType, err)
	}
	return nil
}

// Close tears down the underlying stream. Safe to call repeatedly.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// Dialer abstracts Dial so tests can substitute in-memory pipes.
type Dialer func(ctx context.Context, addr string) (*Conn, error)

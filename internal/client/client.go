// Package client speaks the panorama protocol from the engine side: one
// request frame out, one response frame back.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/panostream/internal/protocol"
	"github.com/danmuck/panostream/internal/protocol/assembly"
	"github.com/danmuck/panostream/internal/protocol/frame"
)

// Conn is a client connection. It is not safe for concurrent use: requests
// and responses on one connection are strictly paired.
type Conn struct {
	conn    net.Conn
	profile protocol.Profile
	// Timeout bounds one Infer round trip. Zero waits forever.
	Timeout time.Duration
}

// Dial connects to addr and speaks profile.
func Dial(ctx context.Context, addr string, profile protocol.Profile) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, protocol.Transport("dial", err)
	}
	return New(conn, profile), nil
}

// New wraps an established connection.
func New(conn net.Conn, profile protocol.Profile) *Conn {
	return &Conn{conn: conn, profile: profile}
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Send writes one request frame. With a compressed profile the body is
// gzipped whenever that changes its length; equal lengths mark a raw body.
func (c *Conn) Send(rgba []byte, width, height int) (int, error) {
	body := protocol.EncodeRequestBody(c.profile, width, height, rgba)
	h := frame.Header{PayloadLen: uint32(len(body)), PayloadLenRepeat: uint32(len(body))}
	if c.profile.Compressed {
		packed, err := assembly.Deflate(body)
		if err != nil {
			return 0, protocol.Protocol("deflate request", err)
		}
		if len(packed) != len(body) {
			h.PayloadLen = uint32(len(packed))
			body = packed
		}
	}
	if err := frame.Write(c.conn, h, body); err != nil {
		return 0, protocol.Transport("write request", err)
	}
	return frame.HeaderLen + len(body), nil
}

// Receive reads one response frame and returns its pixels and size. Without
// a size echo the caller's width and height are assumed.
func (c *Conn) Receive(width, height int) ([]byte, int, int, error) {
	h, err := frame.ReadHeader(c.conn)
	if err != nil {
		return nil, 0, 0, protocol.Transport("read response header", err)
	}
	body, err := assembly.Assemble(c.conn, int(h.PayloadLen), assembly.DefaultChunkSize)
	if err != nil {
		return nil, 0, 0, protocol.Transport("read response body", err)
	}
	pixels, w, hh, err := protocol.DecodeResponseBody(c.profile, body, width, height)
	if err != nil {
		return nil, 0, 0, protocol.Protocol("decode response", err)
	}
	if err := protocol.ValidatePanorama(pixels, w, hh); err != nil {
		return nil, 0, 0, protocol.Protocol("validate response", err)
	}
	return pixels, w, hh, nil
}

// Infer sends one panorama and waits for the result.
func (c *Conn) Infer(rgba []byte, width, height int) ([]byte, error) {
	if err := protocol.ValidatePanorama(rgba, width, height); err != nil {
		return nil, err
	}
	if c.Timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.Timeout)); err != nil {
			return nil, protocol.Transport("set deadline", err)
		}
		defer c.conn.SetDeadline(time.Time{})
	}
	if _, err := c.Send(rgba, width, height); err != nil {
		return nil, err
	}
	pixels, w, h, err := c.Receive(width, height)
	if err != nil {
		return nil, err
	}
	if w != width || h != height {
		return nil, protocol.Protocol("check echo", fmt.Errorf("%w: sent %dx%d, got %dx%d", protocol.ErrSizeMismatch, width, height, w, h))
	}
	return pixels, nil
}

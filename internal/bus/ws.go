package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// Conn is a WebSocket connection to a remote endpoint. Outgoing frames are
// text frames holding one JSON message each.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Deliver writes env.Msg in the wire format. The sender is not transmitted.
func (c *Conn) Deliver(ctx context.Context, env Envelope) error {
	data, err := Marshal(env.Msg)
	if err != nil {
		return err
	}
	return c.WriteFrame(ctx, data)
}

// WriteJSON writes v as one frame.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteFrame(ctx, data)
}

func (c *Conn) WriteFrame(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		c.ws.SetWriteDeadline(dl)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	return websocket.Message.Send(c.ws, string(data))
}

// ReadFrame blocks until the next frame arrives.
func (c *Conn) ReadFrame() ([]byte, error) {
	var data []byte
	if err := websocket.Message.Receive(c.ws, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Request returns the handshake request on the server side.
func (c *Conn) Request() *http.Request {
	return c.ws.Request()
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

// Dial opens a WebSocket to url. header is sent with the handshake (for
// the bearer token).
func Dial(ctx context.Context, url, origin string, header http.Header) (*Conn, error) {
	cfg, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	cfg.Header = header
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewConn(ws), nil
}

// Server returns a websocket server that accepts any origin; callers are
// expected to authenticate the upgrade request before it reaches here.
func Server(fn func(*Conn)) websocket.Server {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(ws *websocket.Conn) {
			fn(NewConn(ws))
		},
	}
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPingPeriod = 30 * time.Second
	sendBufferSize    = 64
	maxFrameSize      = 1 << 20
)

var errConnClosed = errors.New("transport: connection closed")

// WebSocketDialer dials the realtime endpoint with gorilla/websocket.
type WebSocketDialer struct {
	URL        string
	Credential string
	Header     http.Header
	// HandshakeTimeout bounds the HTTP upgrade. Zero uses the gorilla default.
	HandshakeTimeout time.Duration
	// PingInterval is the keepalive period; the peer is dropped after one
	// and a half intervals without traffic. Zero means 30s.
	PingInterval time.Duration
	// WriteTimeout bounds each frame write. Zero means 10s.
	WriteTimeout time.Duration
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	if d.URL == "" {
		return nil, errors.New("transport: websocket url is required")
	}
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	if d.Credential != "" {
		header.Set("Authorization", "Bearer "+d.Credential)
	}

	dialer := *websocket.DefaultDialer
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close() //nolint:errcheck // upgrade response body is unused
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	ping := d.PingInterval
	if ping <= 0 {
		ping = defaultPingPeriod
	}
	write := d.WriteTimeout
	if write <= 0 {
		write = defaultWriteWait
	}
	return newWSConn(ws, ping, write), nil
}

// wsConn serializes writes through a buffered channel and pumps reads into
// Frames until the socket fails.
type wsConn struct {
	ws     *websocket.Conn
	frames chan []byte
	send   chan []byte
	closed chan struct{}
	once   sync.Once

	pingPeriod time.Duration
	pongWait   time.Duration
	writeWait  time.Duration

	mu  sync.Mutex
	err error
}

func newWSConn(ws *websocket.Conn, ping, write time.Duration) *wsConn {
	c := &wsConn{
		ws:         ws,
		frames:     make(chan []byte, sendBufferSize),
		send:       make(chan []byte, sendBufferSize),
		closed:     make(chan struct{}),
		pingPeriod: ping,
		pongWait:   ping * 3 / 2,
		writeWait:  write,
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *wsConn) Frames() <-chan []byte { return c.frames }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.send <- frame:
		return nil
	}
}

func (c *wsConn) Close() error {
	c.fail(nil)
	return nil
}

func (c *wsConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closed)
		deadline := time.Now().Add(c.writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline) //nolint:errcheck // peer may be gone
		_ = c.ws.Close()                                                                                                         //nolint:errcheck // best-effort cleanup
	})
}

func (c *wsConn) readLoop() {
	defer close(c.frames)

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait)) //nolint:errcheck // reset on every pong
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.fail(ErrConnectionLost)
			} else {
				c.fail(err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait)) //nolint:errcheck // any traffic proves liveness
		select {
		case c.frames <- data:
		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.fail(err)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *wsConn) write(msgType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(msgType, payload)
}

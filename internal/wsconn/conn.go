// Package wsconn wraps gorilla websocket connections into handles that
// actors can write to without blocking on socket I/O.
package wsconn

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joys014/multiplex-ws/internal/metrics"
)

var (
	// ErrClosed is returned when sending to a handle that has been closed.
	ErrClosed = errors.New("connection closed")
	// ErrBufferFull is returned when the peer is not draining its queue.
	ErrBufferFull = errors.New("send buffer full")
)

// Options tunes a connection's write side.
type Options struct {
	SendBuffer   int
	WriteTimeout time.Duration
	// PingInterval of zero disables keepalive pings and read deadlines.
	PingInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:   64,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Conn is a bidirectional socket handle. Writes go through an async queue
// drained by a single goroutine, so Send never blocks the caller.
type Conn struct {
	ws        *websocket.Conn
	opts      Options
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// Set before done is closed; read by the write loop after.
	closeCode   int
	closeReason string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade performs the websocket handshake and returns the started handle.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(ws, opts), nil
}

// New wraps an established websocket and starts its write loop.
func New(ws *websocket.Conn, opts Options) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}

	c := &Conn{
		ws:        ws,
		opts:      opts,
		sendCh:    make(chan []byte, opts.SendBuffer),
		done:      make(chan struct{}),
	}

	if opts.PingInterval > 0 {
		pongWait := 2 * opts.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	go c.writeLoop()
	return c
}

// Send queues msg for delivery. It fails with ErrClosed once the handle is
// closed and with ErrBufferFull when the queue is saturated.
func (c *Conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.sendCh <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

// SendText is Send for string payloads.
func (c *Conn) SendText(msg string) error {
	return c.Send([]byte(msg))
}

// Listen starts the read loop. onMessage is called for every data frame in
// arrival order; onClose is called exactly once when the socket goes away,
// with the peer's close code or CloseAbnormalClosure.
func (c *Conn) Listen(onMessage func(payload []byte), onClose func(code int, reason string)) {
	go func() {
		for {
			_, msg, err := c.ws.ReadMessage()
			if err != nil {
				code, reason := closeStatus(err)
				c.Close(replyCode(code), reason)
				onClose(code, reason)
				return
			}
			onMessage(msg)
		}
	}()
}

// Close marks the handle closed and returns without waiting on the peer.
// The write loop sends the close frame and releases the socket once any
// write in flight finishes or times out. It is safe to call more than once.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *Conn) writeLoop() {
	defer c.ws.Close()

	var tick <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case msg := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				// Closing the socket on return unblocks the reader, so the
				// owner hears about the failure.
				metrics.WebSocketWriteErrors.Inc()
				return
			}
		case <-tick:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				metrics.WebSocketPingFailures.Inc()
				return
			}
		case <-c.done:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

func closeStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

// replyCode maps codes that must never appear on the wire to a normal close.
func replyCode(code int) int {
	switch code {
	case websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived, websocket.CloseTLSHandshake:
		return websocket.CloseNormalClosure
	}
	return code
}

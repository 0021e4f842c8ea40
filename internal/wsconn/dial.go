package wsconn

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// HandshakeError reports a peer that answered the upgrade request with a
// plain HTTP response instead of switching protocols.
type HandshakeError struct {
	StatusCode int
	Header     http.Header
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake rejected with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Dialer opens outbound connections, retrying transport failures with
// exponential backoff. A rejected handshake is returned immediately.
type Dialer struct {
	Options          Options
	Attempts         int
	Backoff          time.Duration
	HandshakeTimeout time.Duration
}

func NewDialer(opts Options) *Dialer {
	return &Dialer{
		Options:          opts,
		Attempts:         3,
		Backoff:          100 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
	}
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	attempts := d.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	backoff := d.Backoff

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		ws, resp, dialErr := dialer.DialContext(ctx, url, header)
		if dialErr == nil {
			return New(ws, d.Options), nil
		}
		if resp != nil {
			resp.Body.Close()
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Header: resp.Header, Err: dialErr}
		}
		err = dialErr

		if attempt+1 == attempts {
			break
		}
		slog.Debug("websocket dial failed, retrying", "url", url, "attempt", attempt+1, "backoff", backoff, "error", dialErr)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", url, attempts, err)
}

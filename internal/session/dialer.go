package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/joys014/multiplex-ws/internal/shard"
	"github.com/joys014/multiplex-ws/internal/wsconn"
)

// TopicDialer opens the outbound link from a session to a topic shard.
type TopicDialer interface {
	Dial(ctx context.Context, addr shard.Address) (*wsconn.Conn, error)
}

// WSTopicDialer dials topic actors over their websocket endpoint.
type WSTopicDialer struct {
	baseURL string
	dialer  *wsconn.Dialer
}

// NewTopicDialer builds a dialer for topic endpoints under baseURL, e.g.
// "ws://127.0.0.1:8080".
func NewTopicDialer(baseURL string, dialer *wsconn.Dialer) *WSTopicDialer {
	return &WSTopicDialer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		dialer:  dialer,
	}
}

func (d *WSTopicDialer) Dial(ctx context.Context, addr shard.Address) (*wsconn.Conn, error) {
	conn, err := d.dialer.Dial(ctx, d.baseURL+addr.Path(), nil)
	if err == nil {
		return conn, nil
	}

	var hsErr *wsconn.HandshakeError
	if errors.As(err, &hsErr) && hsErr.StatusCode == http.StatusServiceUnavailable {
		if hsErr.Header.Get(shard.SaturatedHeader) == "true" {
			return nil, fmt.Errorf("dial topic %s: %w", addr, shard.ErrCapacityExhausted)
		}
		return nil, fmt.Errorf("dial topic %s: %w", addr, shard.ErrAdmissionRefused)
	}
	return nil, fmt.Errorf("dial topic %s: %w", addr, err)
}

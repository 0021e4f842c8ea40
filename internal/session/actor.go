// Package session implements the per-user actor that bridges a user's
// client sockets to one outbound socket per subscribed topic.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joys014/multiplex-ws/internal/metrics"
	"github.com/joys014/multiplex-ws/internal/registry"
	"github.com/joys014/multiplex-ws/internal/shard"
	"github.com/joys014/multiplex-ws/internal/wsconn"
)

const DefaultSubscribeTimeout = 10 * time.Second

var ErrStopped = errors.New("session actor stopped")

// Resolver picks the topic shard a new outbound link should use.
type Resolver interface {
	Resolve(ctx context.Context, topic string) (shard.Address, error)
	MaxShards() int
}

type Config struct {
	// Topics every session subscribes to, in subscription order.
	Topics           []string
	SubscribeTimeout time.Duration
}

// Stats is a point-in-time view of a session's connections.
type Stats struct {
	Clients int
	Topics  []string
}

// --- Command types ---

type sessionCmd interface{ isSessionCmd() }

type baseSessionCmd struct{}

func (baseSessionCmd) isSessionCmd() {}

type acceptCmd struct {
	baseSessionCmd
	conn    *wsconn.Conn
	replyCh chan string
}

type clientMessageCmd struct {
	baseSessionCmd
	connID  string
	payload []byte
}

type clientDisconnectCmd struct {
	baseSessionCmd
	conn   *wsconn.Conn
	code   int
	reason string
}

type topicMessageCmd struct {
	baseSessionCmd
	topic   string
	conn    *wsconn.Conn
	payload []byte
}

type topicClosedCmd struct {
	baseSessionCmd
	topic  string
	conn   *wsconn.Conn
	code   int
	reason string
}

type statsCmd struct {
	baseSessionCmd
	replyCh chan Stats
}

type stopCmd struct {
	baseSessionCmd
}

// Actor is the session of one user. Fields below cmdCh are owned by the run
// goroutine; handlers never run concurrently.
type Actor struct {
	cfg      Config
	resolver Resolver
	dialer   TopicDialer
	ctx      context.Context
	cancel   context.CancelFunc
	cmdCh    chan sessionCmd
	stopped  chan struct{}

	clients *registry.Registry[*wsconn.Conn]
	topics  map[string]*wsconn.Conn
	log     *slog.Logger
}

func NewActor(userID string, cfg Config, resolver Resolver, dialer TopicDialer) *Actor {
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = DefaultSubscribeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor{
		cfg:      cfg,
		resolver: resolver,
		dialer:   dialer,
		ctx:      ctx,
		cancel:   cancel,
		cmdCh:    make(chan sessionCmd, 256),
		stopped:  make(chan struct{}),
		clients:  registry.New[*wsconn.Conn](),
		topics:   make(map[string]*wsconn.Conn),
		log:      slog.Default().With("user_id", userID),
	}
	metrics.SessionActorsCurrent.Inc()
	go a.run()
	return a
}

func (a *Actor) run() {
	defer close(a.stopped)
	defer metrics.SessionActorsCurrent.Dec()

	for cmd := range a.cmdCh {
		switch c := cmd.(type) {
		case acceptCmd:
			a.handleAccept(c)
		case clientMessageCmd:
			a.handleClientMessage(c.connID, c.payload)
		case clientDisconnectCmd:
			a.handleClientDisconnect(c.conn, c.code, c.reason)
		case topicMessageCmd:
			a.handleTopicMessage(c.topic, c.conn, c.payload)
		case topicClosedCmd:
			a.handleTopicClosed(c.topic, c.conn, c.code, c.reason)
		case statsCmd:
			c.replyCh <- a.stats()
		case stopCmd:
			a.handleStop()
			return
		}
	}
}

func (a *Actor) handleAccept(c acceptCmd) {
	conn := c.conn
	id := a.clients.Add(conn)
	metrics.SessionClientConnections.Inc()
	a.log.Info("Client connected", "conn_id", id, "total_clients", a.clients.Len())
	c.replyCh <- id

	conn.Listen(func(payload []byte) {
		a.post(clientMessageCmd{connID: id, payload: payload})
	}, func(code int, reason string) {
		a.post(clientDisconnectCmd{conn: conn, code: code, reason: reason})
	})

	if a.clients.Len() == 1 {
		a.subscribeAll()
	}
}

func (a *Actor) handleClientMessage(connID string, payload []byte) {
	conn, ok := a.clients.Get(connID)
	if !ok {
		return
	}

	if !a.sendClient(conn, echoReply(payload)) {
		return
	}

	env, err := ParseEnvelope(payload)
	if err != nil {
		a.log.Debug("Rejected client message", "conn_id", connID, "error", err)
		metrics.MessagesDroppedTotal.WithLabelValues("invalid_envelope").Inc()
		a.sendClient(conn, errorReply(err))
		return
	}

	topicConn, ok := a.topics[env.Channel]
	if !ok {
		// Not subscribed, or mid-resubscribe.
		metrics.MessagesDroppedTotal.WithLabelValues("no_topic").Inc()
		return
	}
	if err := topicConn.SendText(env.Message); err != nil {
		a.log.Warn("Failed to forward message to topic", "topic", env.Channel, "error", err)
		metrics.MessagesDroppedTotal.WithLabelValues("topic_unavailable").Inc()
		return
	}
	metrics.MessagesForwardedTotal.WithLabelValues("to_topic").Inc()
}

func (a *Actor) handleTopicMessage(topic string, conn *wsconn.Conn, payload []byte) {
	if a.topics[topic] != conn {
		metrics.MessagesDroppedTotal.WithLabelValues("stale_topic").Inc()
		return
	}
	for _, client := range a.clients.Handles() {
		if a.sendClient(client, payload) {
			metrics.MessagesForwardedTotal.WithLabelValues("to_client").Inc()
		}
	}
}

func (a *Actor) handleClientDisconnect(conn *wsconn.Conn, code int, reason string) {
	id, ok := a.removeClient(conn)
	if !ok {
		return
	}
	a.log.Info("Client disconnected", "conn_id", id, "code", code, "reason", reason, "remaining_clients", a.clients.Len())
}

func (a *Actor) handleTopicClosed(topic string, conn *wsconn.Conn, code int, reason string) {
	if a.topics[topic] != conn {
		return
	}
	delete(a.topics, topic)
	metrics.SessionTopicConnections.Dec()
	a.log.Warn("Topic connection lost", "topic", topic, "code", code, "reason", reason)
}

func (a *Actor) handleStop() {
	a.unsubscribeAll()
	for _, conn := range a.clients.Handles() {
		a.clients.RemoveByHandle(conn)
		metrics.SessionClientConnections.Dec()
		conn.Close(websocket.CloseGoingAway, "session shutting down")
	}
}

// sendClient writes to one client. A client that cannot take the message
// is evicted; the return value reports whether the write was queued. Close
// does not wait on the peer, so a stalled client never holds up the actor.
func (a *Actor) sendClient(conn *wsconn.Conn, msg []byte) bool {
	err := conn.Send(msg)
	if err == nil {
		return true
	}
	a.log.Warn("Evicting client", "error", err)
	metrics.SlowClientsEvicted.Inc()
	a.removeClient(conn)
	return false
}

func (a *Actor) removeClient(conn *wsconn.Conn) (string, bool) {
	id, ok := a.clients.RemoveByHandle(conn)
	if !ok {
		return "", false
	}
	metrics.SessionClientConnections.Dec()
	conn.Close(websocket.CloseNormalClosure, "session is closing connection")

	if a.clients.IsEmpty() {
		a.unsubscribeAll()
		a.log.Info("Closed all topic connections")
	}
	return id, true
}

// subscribeAll opens a link to every configured topic that lacks one. A
// failing topic is logged and skipped.
func (a *Actor) subscribeAll() {
	for _, topic := range a.cfg.Topics {
		topic := topic
		if _, ok := a.topics[topic]; ok {
			continue
		}

		conn, err := a.subscribe(topic)
		if err != nil {
			if errors.Is(err, shard.ErrCapacityExhausted) {
				metrics.SubscribeAttemptsTotal.WithLabelValues("exhausted").Inc()
				a.log.Warn("Topic has no free shard", "topic", topic, "error", err)
				continue
			}
			metrics.SubscribeAttemptsTotal.WithLabelValues("error").Inc()
			a.log.Error("Failed to subscribe to topic", "topic", topic, "error", err)
			continue
		}
		metrics.SubscribeAttemptsTotal.WithLabelValues("ok").Inc()

		a.topics[topic] = conn
		metrics.SessionTopicConnections.Inc()
		a.log.Debug("Subscribed to topic", "topic", topic)

		conn.Listen(func(payload []byte) {
			a.post(topicMessageCmd{topic: topic, conn: conn, payload: payload})
		}, func(code int, reason string) {
			a.post(topicClosedCmd{topic: topic, conn: conn, code: code, reason: reason})
		})
	}
}

// subscribe resolves a shard and dials it. A refusal at dial time means
// another session took the last slot after the probe, so the probe runs
// again; each retry can only move to a higher shard.
func (a *Actor) subscribe(topic string) (*wsconn.Conn, error) {
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.SubscribeTimeout)
	defer cancel()

	for attempt := 0; attempt < a.resolver.MaxShards(); attempt++ {
		addr, err := a.resolver.Resolve(ctx, topic)
		if err != nil {
			return nil, err
		}
		conn, err := a.dialer.Dial(ctx, addr)
		if errors.Is(err, shard.ErrAdmissionRefused) {
			a.log.Debug("Shard refused admission, re-resolving", "topic", topic, "shard", addr.Shard)
			continue
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return nil, fmt.Errorf("topic %q: %w", topic, shard.ErrCapacityExhausted)
}

func (a *Actor) unsubscribeAll() {
	for _, topic := range a.cfg.Topics {
		conn, ok := a.topics[topic]
		if !ok {
			continue
		}
		delete(a.topics, topic)
		metrics.SessionTopicConnections.Dec()
		conn.Close(websocket.CloseNormalClosure, "unsubscribed")
	}
}

func (a *Actor) stats() Stats {
	s := Stats{Clients: a.clients.Len()}
	for _, topic := range a.cfg.Topics {
		if _, ok := a.topics[topic]; ok {
			s.Topics = append(s.Topics, topic)
		}
	}
	return s
}

func (a *Actor) post(cmd sessionCmd) {
	select {
	case a.cmdCh <- cmd:
	case <-a.stopped:
	}
}

// --- Public API ---

// AcceptClientConnection registers an upgraded client socket and returns
// its connection id. Topic subscription for a first client happens after
// the id is returned; messages the client sends meanwhile queue behind it.
func (a *Actor) AcceptClientConnection(ctx context.Context, conn *wsconn.Conn) (string, error) {
	replyCh := make(chan string, 1)
	select {
	case a.cmdCh <- acceptCmd{conn: conn, replyCh: replyCh}:
	case <-a.stopped:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case id := <-replyCh:
		return id, nil
	case <-a.stopped:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stats reports the current client count and live topic links.
func (a *Actor) Stats(ctx context.Context) (Stats, error) {
	replyCh := make(chan Stats, 1)
	select {
	case a.cmdCh <- statsCmd{replyCh: replyCh}:
	case <-a.stopped:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}

	select {
	case s := <-replyCh:
		return s, nil
	case <-a.stopped:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Stop aborts any subscription in flight, closes every connection and ends
// the actor.
func (a *Actor) Stop() {
	a.cancel()
	select {
	case a.cmdCh <- stopCmd{}:
	case <-a.stopped:
	}
	<-a.stopped
}

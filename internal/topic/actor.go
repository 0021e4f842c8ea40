// Package topic implements the per-topic, per-shard actor that admits
// subscriber connections up to a fixed limit and acknowledges what they
// send.
package topic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joys014/multiplex-ws/internal/metrics"
	"github.com/joys014/multiplex-ws/internal/registry"
	"github.com/joys014/multiplex-ws/internal/shard"
	"github.com/joys014/multiplex-ws/internal/wsconn"
)

const (
	DefaultConnectionLimit = 10000
	DefaultMaxShards       = 5
)

var (
	ErrAlreadyInitialized = errors.New("topic actor already initialized")
	ErrStopped            = errors.New("topic actor stopped")
)

type Config struct {
	ConnectionLimit int
	MaxShards       int
}

func (c Config) withDefaults() Config {
	if c.ConnectionLimit <= 0 {
		c.ConnectionLimit = DefaultConnectionLimit
	}
	if c.MaxShards <= 0 {
		c.MaxShards = DefaultMaxShards
	}
	return c
}

// InitOptions carries the identity handed to a topic actor at creation.
type InitOptions struct {
	Channel string
}

// --- Command types ---

type topicCmd interface{ isTopicCmd() }

type baseTopicCmd struct{}

func (baseTopicCmd) isTopicCmd() {}

type initCmd struct {
	baseTopicCmd
	shardIndex int
	channel    string
	errCh      chan error
}

type canAcceptCmd struct {
	baseTopicCmd
	reserve bool
	replyCh chan shard.Capacity
}

type releaseCmd struct {
	baseTopicCmd
}

type admitCmd struct {
	baseTopicCmd
	conn    *wsconn.Conn
	replyCh chan admitResult
}

type admitResult struct {
	id  string
	err error
}

type messageCmd struct {
	baseTopicCmd
	connID  string
	payload []byte
}

type disconnectCmd struct {
	baseTopicCmd
	conn   *wsconn.Conn
	code   int
	reason string
}

type countCmd struct {
	baseTopicCmd
	replyCh chan int
}

type stopCmd struct {
	baseTopicCmd
}

// Actor is one shard of one topic. All state below cmdCh is owned by the
// run goroutine.
type Actor struct {
	cfg     Config
	cmdCh   chan topicCmd
	stopped chan struct{}

	name        string
	shardIndex  int
	initialized bool
	conns       *registry.Registry[*wsconn.Conn]
	pending     int
	log         *slog.Logger
}

func NewActor(cfg Config) *Actor {
	a := &Actor{
		cfg:     cfg.withDefaults(),
		cmdCh:   make(chan topicCmd, 256),
		stopped: make(chan struct{}),
		conns:   registry.New[*wsconn.Conn](),
		log:     slog.Default(),
	}
	metrics.TopicActorsCurrent.Inc()
	go a.run()
	return a
}

func (a *Actor) run() {
	defer close(a.stopped)
	defer metrics.TopicActorsCurrent.Dec()

	for cmd := range a.cmdCh {
		switch c := cmd.(type) {
		case initCmd:
			c.errCh <- a.handleInit(c)
		case canAcceptCmd:
			capacity := a.canAccept()
			if c.reserve && capacity.Accepted {
				a.pending++
			}
			if !capacity.Accepted {
				metrics.TopicAdmissionsRefused.WithLabelValues(strconv.FormatBool(capacity.ShardSaturated)).Inc()
			}
			c.replyCh <- capacity
		case releaseCmd:
			if a.pending > 0 {
				a.pending--
			}
		case admitCmd:
			id, err := a.handleAdmit(c.conn)
			c.replyCh <- admitResult{id: id, err: err}
		case messageCmd:
			a.handleMessage(c.connID, c.payload)
		case disconnectCmd:
			a.handleDisconnect(c.conn, c.code, c.reason)
		case countCmd:
			c.replyCh <- a.conns.Len()
		case stopCmd:
			a.handleStop()
			return
		}
	}
}

func (a *Actor) handleInit(c initCmd) error {
	if a.initialized {
		return fmt.Errorf("%w: %s/%d", ErrAlreadyInitialized, a.name, a.shardIndex)
	}
	a.initialized = true
	a.name = c.channel
	a.shardIndex = c.shardIndex
	a.log = slog.Default().With("topic", a.name, "shard", a.shardIndex)
	a.log.Debug("Topic actor initialized")
	return nil
}

func (a *Actor) canAccept() shard.Capacity {
	full := a.conns.Len()+a.pending >= a.cfg.ConnectionLimit
	return shard.Capacity{
		Accepted:       !full,
		ShardSaturated: full && a.shardIndex+1 == a.cfg.MaxShards,
	}
}

func (a *Actor) handleAdmit(conn *wsconn.Conn) (string, error) {
	if a.pending > 0 {
		a.pending--
	} else if capacity := a.canAccept(); !capacity.Accepted {
		return "", capacity.Err()
	}

	id := a.conns.Add(conn)
	a.gauge().Set(float64(a.conns.Len()))
	a.log.Debug("Connection admitted", "conn_id", id, "total", a.conns.Len())

	conn.Listen(func(payload []byte) {
		a.post(messageCmd{connID: id, payload: payload})
	}, func(code int, reason string) {
		a.post(disconnectCmd{conn: conn, code: code, reason: reason})
	})
	return id, nil
}

func (a *Actor) handleMessage(connID string, payload []byte) {
	conn, ok := a.conns.Get(connID)
	if !ok {
		return
	}
	receipt := fmt.Sprintf("[TOPIC-%s-%d]: received %s", a.name, a.shardIndex, payload)
	if err := conn.SendText(receipt); err != nil {
		a.log.Debug("Failed to acknowledge message", "conn_id", connID, "error", err)
	}
}

func (a *Actor) handleDisconnect(conn *wsconn.Conn, code int, reason string) {
	id, ok := a.conns.RemoveByHandle(conn)
	if !ok {
		return
	}
	conn.Close(websocket.CloseNormalClosure, "topic is closing connection")
	a.gauge().Set(float64(a.conns.Len()))
	a.log.Debug("Connection closed", "conn_id", id, "code", code, "reason", reason, "remaining", a.conns.Len())
}

func (a *Actor) handleStop() {
	for _, conn := range a.conns.Handles() {
		a.conns.RemoveByHandle(conn)
		conn.Close(websocket.CloseGoingAway, "topic shutting down")
	}
	a.gauge().Set(0)
}

func (a *Actor) gauge() prometheus.Gauge {
	return metrics.TopicConnections.WithLabelValues(a.name, strconv.Itoa(a.shardIndex))
}

// post delivers an event from a socket goroutine; events for a stopped
// actor are discarded.
func (a *Actor) post(cmd topicCmd) {
	select {
	case a.cmdCh <- cmd:
	case <-a.stopped:
	}
}

func (a *Actor) send(ctx context.Context, cmd topicCmd) error {
	select {
	case a.cmdCh <- cmd:
		return nil
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Public API ---

// Init assigns the actor's identity. Only the first call takes effect.
func (a *Actor) Init(ctx context.Context, shardIndex int, opts InitOptions) error {
	errCh := make(chan error, 1)
	if err := a.send(ctx, initCmd{shardIndex: shardIndex, channel: opts.Channel, errCh: errCh}); err != nil {
		return err
	}
	initErr, err := await(ctx, a.stopped, errCh)
	if err != nil {
		return err
	}
	return initErr
}

// CanAccept reports whether one more connection fits on this shard.
func (a *Actor) CanAccept(ctx context.Context) (shard.Capacity, error) {
	return a.queryCapacity(ctx, false)
}

// Reserve is CanAccept that also holds the slot for an upgrade in flight.
// An accepted reservation is consumed by Admit or returned by Release.
func (a *Actor) Reserve(ctx context.Context) (shard.Capacity, error) {
	return a.queryCapacity(ctx, true)
}

func (a *Actor) Release() {
	a.post(releaseCmd{})
}

// Admit registers an upgraded connection and starts reading from it.
func (a *Actor) Admit(ctx context.Context, conn *wsconn.Conn) (string, error) {
	replyCh := make(chan admitResult, 1)
	if err := a.send(ctx, admitCmd{conn: conn, replyCh: replyCh}); err != nil {
		return "", err
	}
	res, err := await(ctx, a.stopped, replyCh)
	if err != nil {
		return "", err
	}
	return res.id, res.err
}

// ConnectionCount returns the number of admitted connections.
func (a *Actor) ConnectionCount(ctx context.Context) (int, error) {
	replyCh := make(chan int, 1)
	if err := a.send(ctx, countCmd{replyCh: replyCh}); err != nil {
		return 0, err
	}
	return await(ctx, a.stopped, replyCh)
}

// Stop closes every connection and ends the actor. It is safe to call more
// than once.
func (a *Actor) Stop() {
	select {
	case a.cmdCh <- stopCmd{}:
	case <-a.stopped:
	}
	<-a.stopped
}

func (a *Actor) queryCapacity(ctx context.Context, reserve bool) (shard.Capacity, error) {
	replyCh := make(chan shard.Capacity, 1)
	if err := a.send(ctx, canAcceptCmd{reserve: reserve, replyCh: replyCh}); err != nil {
		return shard.Capacity{}, err
	}
	capacity, err := await(ctx, a.stopped, replyCh)
	if err != nil && reserve {
		// Hand back a slot that was granted after the caller gave up.
		go func() {
			select {
			case c := <-replyCh:
				if c.Accepted {
					a.Release()
				}
			case <-a.stopped:
			}
		}()
	}
	return capacity, err
}

func await[T any](ctx context.Context, stopped <-chan struct{}, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-stopped:
		// The reply may have raced the stop.
		select {
		case v := <-ch:
			return v, nil
		default:
			return zero, ErrStopped
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

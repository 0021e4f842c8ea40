package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joys014/multiplex-ws/internal/shard"
	"github.com/joys014/multiplex-ws/internal/wsconn"
)

// fakeTopics stands in for topic actors: it records what each topic
// receives and lets tests push messages back to the session.
type fakeTopics struct {
	url      string
	mu       sync.Mutex
	conns    map[string]*ws.Conn
	dials    map[string]int
	received map[string]chan string
	closed   map[string]chan struct{}
}

func newFakeTopics(t *testing.T, topics ...string) *fakeTopics {
	t.Helper()

	f := &fakeTopics{
		conns:    make(map[string]*ws.Conn),
		dials:    make(map[string]int),
		received: make(map[string]chan string),
		closed:   make(map[string]chan struct{}),
	}
	for _, topic := range topics {
		f.received[topic] = make(chan string, 100)
		f.closed[topic] = make(chan struct{}, 10)
	}

	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /topics/{topic}/shards/{shard}/ws
		parts := strings.Split(r.URL.Path, "/")
		topic := parts[2]

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns[topic] = conn
		f.dials[topic]++
		f.mu.Unlock()

		go func() {
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					f.closed[topic] <- struct{}{}
					return
				}
				f.received[topic] <- string(msg)
			}
		}()
	}))
	t.Cleanup(server.Close)

	f.url = "ws" + strings.TrimPrefix(server.URL, "http")
	return f
}

func (f *fakeTopics) push(t *testing.T, topic, msg string) {
	t.Helper()
	f.mu.Lock()
	conn := f.conns[topic]
	f.mu.Unlock()
	require.NotNil(t, conn, "topic %s never dialed", topic)
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(msg)))
}

func (f *fakeTopics) drop(topic string) {
	f.mu.Lock()
	conn := f.conns[topic]
	f.mu.Unlock()
	conn.Close()
}

func (f *fakeTopics) dialCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[topic]
}

// fakeResolver always picks shard 0 and fails topics listed in exhausted.
type fakeResolver struct {
	exhausted map[string]bool
}

func (r fakeResolver) Resolve(_ context.Context, topic string) (shard.Address, error) {
	if r.exhausted[topic] {
		return shard.Address{}, fmt.Errorf("topic %q: %w", topic, shard.ErrCapacityExhausted)
	}
	return shard.Address{Topic: topic, Shard: 0}, nil
}

func (fakeResolver) MaxShards() int { return 1 }

// countingResolver records how many times each topic was resolved.
type countingResolver struct {
	fakeResolver
	mu    sync.Mutex
	calls map[string]int
}

func (r *countingResolver) Resolve(ctx context.Context, topic string) (shard.Address, error) {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[topic]++
	r.mu.Unlock()
	return r.fakeResolver.Resolve(ctx, topic)
}

func (r *countingResolver) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[topic]
}

type harness struct {
	sess   *Actor
	topics *fakeTopics
	dial   func() *ws.Conn
}

func newHarness(t *testing.T, resolver Resolver, topics ...string) *harness {
	t.Helper()

	fake := newFakeTopics(t, topics...)
	dialer := NewTopicDialer(fake.url, wsconn.NewDialer(wsconn.DefaultOptions()))
	sess := NewActor("alice", Config{Topics: topics, SubscribeTimeout: time.Second}, resolver, dialer)
	t.Cleanup(sess.Stop)

	clientServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsconn.Upgrade(w, r, wsconn.DefaultOptions())
		if err != nil {
			return
		}
		if _, err := sess.AcceptClientConnection(r.Context(), conn); err != nil {
			conn.Close(ws.CloseInternalServerErr, err.Error())
		}
	}))
	t.Cleanup(clientServer.Close)

	dial := func() *ws.Conn {
		t.Helper()
		conn, _, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(clientServer.URL, "http"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}

	return &harness{sess: sess, topics: fake, dial: dial}
}

func (h *harness) waitForStats(t *testing.T, clients int, topics ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := h.sess.Stats(context.Background())
		if err != nil || s.Clients != clients || len(s.Topics) != len(topics) {
			return false
		}
		for i := range topics {
			if s.Topics[i] != topics[i] {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func readText(t *testing.T, conn *ws.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func expectSilence(t *testing.T, conn *ws.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, msg, err := conn.ReadMessage()
	assert.Error(t, err, "unexpected message %q", msg)
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for topic message")
		return ""
	}
}

func TestSession_EchoAndForwardToNamedTopic(t *testing.T) {
	h := newHarness(t, fakeResolver{}, "general", "sports")

	client := h.dial()
	h.waitForStats(t, 1, "general", "sports")

	envelope := `{"channel":"general","message":"hi"}`
	require.NoError(t, client.WriteMessage(ws.TextMessage, []byte(envelope)))

	assert.Equal(t, "[USER]: Echo message = "+envelope, readText(t, client))
	assert.Equal(t, "hi", receive(t, h.topics.received["general"]))

	select {
	case msg := <-h.topics.received["sports"]:
		t.Fatalf("sports should receive nothing, got %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_EveryMessageEchoedOnceInOrder(t *testing.T) {
	h := newHarness(t, fakeResolver{}, "general")

	client := h.dial()
	other := h.dial()
	h.waitForStats(t, 2, "general")

	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf(`{"channel":"general","message":"m%d"}`, i)
		require.NoError(t, client.WriteMessage(ws.TextMessage, []byte(msg)))
	}
	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf(`{"channel":"general","message":"m%d"}`, i)
		assert.Equal(t, "[USER]: Echo message = "+msg, readText(t, client))
		assert.Equal(t, fmt.Sprintf("m%d", i), receive(t, h.topics.received["general"]))
	}

	// Echoes go to the sender only.
	expectSilence(t, other)
}

func TestSession_FanoutToAllClients(t *testing.T) {
	h := newHarness(t, fakeResolver{}, "general")

	clients := []*ws.Conn{h.dial(), h.dial(), h.dial()}
	h.waitForStats(t, 3, "general")

	h.topics.push(t, "general", "breaking news")

	for _, c := range clients {
		assert.Equal(t, "breaking news", readText(t, c))
		expectSilence(t, c)
	}
}

func TestSession_LastClientLeavingClosesTopics(t *testing.T) {
	h := newHarness(t, fakeResolver{}, "general", "sports")

	first := h.dial()
	second := h.dial()
	h.waitForStats(t, 2, "general", "sports")

	first.Close()
	h.waitForStats(t, 1, "general", "sports")

	second.Close()
	h.waitForStats(t, 0)

	for _, topic := range []string{"general", "sports"} {
		select {
		case <-h.topics.closed[topic]:
		case <-time.After(time.Second):
			t.Fatalf("topic %s link was not closed", topic)
		}
	}
}

func TestSession_ResubscribesAfterGap(t *testing.T) {
	h := newHarness(t, fakeResolver{}, "general")

	c := h.dial()
	h.waitForStats(t, 1, "general")
	c.Close()
	h.waitForStats(t, 0)

	h.dial()
	h.waitForStats(t, 1, "general")
	assert.Equal(t, 2, h.topics.dialCount("general"))

	// A second concurrent client reuses the existing link.
	h.dial()
	h.waitForStats(t, 2, "general")
	assert.Equal(t, 2, h.topics.dialCount("general"))
}

func TestSession_MalformedEnvelopeKeepsConnection(t *testing.T) {
	h := newHarness(t, fakeResolver{}, "general")

	client := h.dial()
	h.waitForStats(t, 1, "general")

	require.NoError(t, client.WriteMessage(ws.TextMessage, []byte("not json")))
	assert.Equal(t, "[USER]: Echo message = not json", readText(t, client))
	assert.True(t, strings.HasPrefix(readText(t, client), "[USER]: Error invalid envelope"))

	valid := `{"channel":"general","message":"still here"}`
	require.NoError(t, client.WriteMessage(ws.TextMessage, []byte(valid)))
	assert.Equal(t, "[USER]: Echo message = "+valid, readText(t, client))
	assert.Equal(t, "still here", receive(t, h.topics.received["general"]))
}

func TestSession_UnknownChannelIsDropped(t *testing.T) {
	h := newHarness(t, fakeResolver{}, "general")

	client := h.dial()
	h.waitForStats(t, 1, "general")

	msg := `{"channel":"politics","message":"hello?"}`
	require.NoError(t, client.WriteMessage(ws.TextMessage, []byte(msg)))
	assert.Equal(t, "[USER]: Echo message = "+msg, readText(t, client))
	expectSilence(t, client)
}

func TestSession_SubscriptionFailureIsIsolated(t *testing.T) {
	resolver := fakeResolver{exhausted: map[string]bool{"sports": true}}
	h := newHarness(t, resolver, "general", "sports", "politics")

	h.dial()
	h.waitForStats(t, 1, "general", "politics")
	assert.Zero(t, h.topics.dialCount("sports"))
}

func TestSession_ExhaustedTopicIsNotReprobedByLaterClients(t *testing.T) {
	resolver := &countingResolver{fakeResolver: fakeResolver{exhausted: map[string]bool{"sports": true}}}
	h := newHarness(t, resolver, "general", "sports")

	h.dial()
	h.waitForStats(t, 1, "general")
	require.Equal(t, 1, resolver.count("sports"))

	h.dial()
	h.dial()
	h.waitForStats(t, 3, "general")
	assert.Equal(t, 1, resolver.count("sports"))
	assert.Equal(t, 1, resolver.count("general"))
}

func TestSession_LostTopicIsPrunedUntilNextFirstClient(t *testing.T) {
	h := newHarness(t, fakeResolver{}, "general")

	first := h.dial()
	h.waitForStats(t, 1, "general")

	h.topics.drop("general")
	h.waitForStats(t, 1)

	// Joining an already active session does not dial.
	second := h.dial()
	h.waitForStats(t, 2)
	assert.Equal(t, 1, h.topics.dialCount("general"))

	first.Close()
	second.Close()
	h.waitForStats(t, 0)

	h.dial()
	h.waitForStats(t, 1, "general")
	assert.Equal(t, 2, h.topics.dialCount("general"))
}

func TestSession_StalledClientDoesNotHoldUpFanout(t *testing.T) {
	h := newHarness(t, fakeResolver{}, "general")

	h.dial() // never reads
	fast := h.dial()
	h.waitForStats(t, 2, "general")

	markerAt := make(chan time.Time, 1)
	go func() {
		for {
			_, msg, err := fast.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "marker" {
				markerAt <- time.Now()
				return
			}
		}
	}()

	// Enough to overflow the stalled client's socket buffers and queue.
	big := strings.Repeat("x", 512<<10)
	start := time.Now()
	for i := 0; i < 120; i++ {
		h.topics.push(t, "general", big)
	}
	h.topics.push(t, "general", "marker")

	select {
	case at := <-markerAt:
		// Well under the 5s write timeout a blocked eviction would cost.
		assert.Less(t, at.Sub(start), 2*time.Second)
	case <-time.After(4 * time.Second):
		t.Fatal("marker never reached the healthy client")
	}
	h.waitForStats(t, 1, "general")
}

func TestSession_StopClosesClients(t *testing.T) {
	h := newHarness(t, fakeResolver{}, "general")

	client := h.dial()
	h.waitForStats(t, 1, "general")

	h.sess.Stop()

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	assert.True(t, ws.IsCloseError(err, ws.CloseGoingAway), "got %v", err)

	_, err = h.sess.Stats(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

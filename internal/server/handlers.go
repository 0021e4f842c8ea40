package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/joys014/multiplex-ws/internal/metrics"
	"github.com/joys014/multiplex-ws/internal/session"
	"github.com/joys014/multiplex-ws/internal/shard"
	"github.com/joys014/multiplex-ws/internal/topic"
	"github.com/joys014/multiplex-ws/internal/wsconn"
)

const missingUserIDBody = "No userId provided."

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Sessions    *session.Directory
	Topics      *topic.Directory
	ConnOptions wsconn.Options
}

// HandleSessionUpgrade is the front door: it resolves ?id= to the user's
// session actor and hands it the upgraded client socket.
func (h *Handlers) HandleSessionUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("id")
	if userID == "" {
		metrics.WebSocketUpgradesTotal.WithLabelValues("session", "missing_id").Inc()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, missingUserIDBody)
		return
	}

	sess := h.Sessions.Get(userID)

	conn, err := wsconn.Upgrade(w, r, h.ConnOptions)
	if err != nil {
		// The upgrader has already answered the request.
		metrics.WebSocketUpgradesTotal.WithLabelValues("session", "upgrade_failed").Inc()
		slog.Debug("Client upgrade failed", "user_id", userID, "error", err)
		return
	}

	if _, err := sess.AcceptClientConnection(r.Context(), conn); err != nil {
		metrics.WebSocketUpgradesTotal.WithLabelValues("session", "rejected").Inc()
		slog.Error("Session rejected client", "user_id", userID, "error", err)
		conn.Close(websocket.CloseInternalServerErr, "session unavailable")
		return
	}
	metrics.WebSocketUpgradesTotal.WithLabelValues("session", "ok").Inc()
}

// HandleTopicUpgrade admits a session's outbound link to one topic shard.
// A full shard answers 503 before upgrading so the dialer can move on.
func (h *Handlers) HandleTopicUpgrade(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "topic"))
	if err != nil {
		http.Error(w, "invalid topic", http.StatusBadRequest)
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "shard"))
	if err != nil {
		http.Error(w, "invalid shard", http.StatusBadRequest)
		return
	}

	addr := shard.Address{Topic: name, Shard: index}
	t, err := h.Topics.Get(addr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	capacity, err := t.Reserve(r.Context())
	if err != nil {
		slog.Error("Topic capacity query failed", "topic", name, "shard", index, "error", err)
		http.Error(w, "topic unavailable", http.StatusInternalServerError)
		return
	}
	if !capacity.Accepted {
		metrics.WebSocketUpgradesTotal.WithLabelValues("topic", "refused").Inc()
		w.Header().Set(shard.SaturatedHeader, strconv.FormatBool(capacity.ShardSaturated))
		http.Error(w, capacity.Err().Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := wsconn.Upgrade(w, r, h.ConnOptions)
	if err != nil {
		t.Release()
		metrics.WebSocketUpgradesTotal.WithLabelValues("topic", "upgrade_failed").Inc()
		slog.Debug("Topic upgrade failed", "topic", name, "shard", index, "error", err)
		return
	}

	if _, err := t.Admit(r.Context(), conn); err != nil {
		metrics.WebSocketUpgradesTotal.WithLabelValues("topic", "rejected").Inc()
		slog.Warn("Topic rejected connection after upgrade", "topic", name, "shard", index, "error", err)
		conn.Close(websocket.CloseTryAgainLater, "shard full")
		return
	}
	metrics.WebSocketUpgradesTotal.WithLabelValues("topic", "ok").Inc()
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{Status: "ok", Sessions: h.Sessions.Len()})
}

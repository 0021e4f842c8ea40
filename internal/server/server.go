// Package server exposes session and topic actors over HTTP and owns their
// lifecycle.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/joys014/multiplex-ws/internal/session"
	"github.com/joys014/multiplex-ws/internal/shard"
	"github.com/joys014/multiplex-ws/internal/topic"
	"github.com/joys014/multiplex-ws/internal/wsconn"
)

type Options struct {
	Addr string
	// TopicBaseURL is where sessions dial topic shards, normally this
	// server's own address, e.g. "ws://127.0.0.1:8080".
	TopicBaseURL     string
	Topics           []string
	ConnectionLimit  int
	MaxShards        int
	SubscribeTimeout time.Duration
	Conn             wsconn.Options
}

type Server struct {
	http     *http.Server
	sessions *session.Directory
	topics   *topic.Directory
}

func New(opts Options) *Server {
	topics := topic.NewDirectory(topic.Config{
		ConnectionLimit: opts.ConnectionLimit,
		MaxShards:       opts.MaxShards,
	})
	resolver := shard.NewResolver(topics, topics.MaxShards())
	dialer := session.NewTopicDialer(opts.TopicBaseURL, wsconn.NewDialer(opts.Conn))
	sessions := session.NewDirectory(session.Config{
		Topics:           opts.Topics,
		SubscribeTimeout: opts.SubscribeTimeout,
	}, resolver, dialer)

	handlers := &Handlers{
		Sessions:    sessions,
		Topics:      topics,
		ConnOptions: opts.Conn,
	}

	return &Server{
		http: &http.Server{
			Addr:    opts.Addr,
			Handler: NewRouter(handlers),
		},
		sessions: sessions,
		topics:   topics,
	}
}

func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then stops sessions before topics so
// outbound links close from the session side first.
func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := s.http.Shutdown(ctx)
	return errors.Join(httpErr, s.StopActors(ctx))
}

func (s *Server) StopActors(ctx context.Context) error {
	sessErr := s.sessions.Stop(ctx)
	topicErr := s.topics.Stop(ctx)
	return errors.Join(sessErr, topicErr)
}

// Package httpapi exposes the producer-facing publish endpoint plus health
// and stats surfaces. Producers (analyzers, build runners, agents) POST
// events here using the shared event_type/priority/source vocabulary.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"beacon/internal/engine"
	"beacon/internal/event"
	"beacon/internal/session"
	"beacon/pkg/logx"
)

// Publisher is the slice of the engine the API needs.
type Publisher interface {
	Publish(streamID, eventType string, prio event.Priority, source string, payload map[string]any) event.Envelope
	Counters() engine.Counters
	Sessions() *session.Manager
}

type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

type Server struct {
	cfg Config
	pub Publisher
	log logx.Logger
	srv *http.Server
}

func NewServer(cfg Config, pub Publisher, log logx.Logger) *Server {
	cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, pub: pub, log: log.With(logx.String("comp", "httpapi"))}

	r := chi.NewRouter()
	r.Post("/v1/streams/{streamID}/events", s.handlePublish)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/statz", s.handleStatz)

	s.srv = &http.Server{
		Addr:         cfg.Address,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks until shutdown or listener failure.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", logx.String("addr", s.cfg.Address))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type publishRequest struct {
	EventType string         `json:"event_type"`
	Priority  string         `json:"priority"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
}

type publishResponse struct {
	StreamID string `json:"stream_id"`
	Sequence uint64 `json:"sequence"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	if strings.TrimSpace(streamID) == "" {
		writeError(w, http.StatusBadRequest, "stream id is required")
		return
	}

	var req publishRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.EventType) == "" {
		writeError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	prio, err := event.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	env := s.pub.Publish(streamID, req.EventType, prio, req.Source, req.Payload)
	writeJSON(w, http.StatusAccepted, publishResponse{StreamID: env.StreamID, Sequence: env.Sequence})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"counters": s.pub.Counters(),
		"sessions": s.pub.Sessions().Snapshots(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

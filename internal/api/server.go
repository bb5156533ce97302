package api

import (
	"Go2ConnTrack/internal/config"
	"Go2ConnTrack/internal/engine/sorter"
	"Go2ConnTrack/internal/model"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Tracker is the part of the connection table the API reads from.
type Tracker interface {
	Snapshot(poll bool) ([]model.Connection, error)
	Purging() bool
	Interval() time.Duration
}

// Server exposes the connection table over HTTP.
type Server struct {
	srv     *http.Server
	tracker Tracker
	logger  zerolog.Logger
}

// New builds the router. A nil gatherer serves the default prometheus registry.
func New(cfg config.APIConfig, tracker Tracker, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		tracker: tracker,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/connections", s.connectionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats", s.statsHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("API server starting")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("could not listen on %s: %w", s.srv.Addr, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("API server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Info().Msg("API server exited.")
	return nil
}

// connectionJSON is the wire form of a connection snapshot.
type connectionJSON struct {
	ID          string      `json:"id"`
	Client      string      `json:"client"`
	Server      string      `json:"server"`
	Protocol    string      `json:"protocol"`
	State       string      `json:"state"`
	Packets     uint64      `json:"packets"`
	Bytes       uint64      `json:"bytes"`
	Rate        float64     `json:"rate"`
	FirstSeen   time.Time   `json:"first_seen"`
	LastSeen    time.Time   `json:"last_seen"`
	IdleSeconds float64     `json:"idle_seconds"`
	Names       model.Names `json:"names"`
}

func toJSON(c model.Connection) connectionJSON {
	return connectionJSON{
		ID:          c.ID,
		Client:      c.Key.Client.String(),
		Server:      c.Key.Server.String(),
		Protocol:    c.Key.Protocol.String(),
		State:       c.State.String(),
		Packets:     c.Packets,
		Bytes:       c.Bytes,
		Rate:        c.Rate,
		FirstSeen:   c.FirstSeen,
		LastSeen:    c.LastSeen,
		IdleSeconds: c.Idle.Seconds(),
		Names:       c.Names,
	}
}

// connectionsHandler returns a sorted snapshot without polling activity.
func (s *Server) connectionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := sorter.ParseKey(q.Get("sort"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
	}

	conns, err := s.tracker.Snapshot(false)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to snapshot connections: %v", err), http.StatusServiceUnavailable)
		return
	}
	sorter.Sort(conns, key)
	if limit > 0 && limit < len(conns) {
		conns = conns[:limit]
	}

	out := make([]connectionJSON, 0, len(conns))
	for _, c := range conns {
		out = append(out, toJSON(c))
	}
	s.writeJSON(w, out)
}

// Totals aggregates a snapshot.
type Totals struct {
	Packets uint64         `json:"packets"`
	Bytes   uint64         `json:"bytes"`
	Rate    float64        `json:"rate"`
	ByState map[string]int `json:"by_state"`
}

// Stats is the body of GET /api/v1/stats.
type Stats struct {
	Connections int    `json:"connections"`
	Purging     bool   `json:"purging"`
	Interval    string `json:"interval"`
	Totals      Totals `json:"totals"`
}

// Summarize computes the totals of a snapshot.
func Summarize(conns []model.Connection) Totals {
	t := Totals{ByState: make(map[string]int)}
	for _, c := range conns {
		t.Packets += c.Packets
		t.Bytes += c.Bytes
		t.Rate += c.Rate
		t.ByState[c.State.String()]++
	}
	return t
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	conns, err := s.tracker.Snapshot(false)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to snapshot connections: %v", err), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, Stats{
		Connections: len(conns),
		Purging:     s.tracker.Purging(),
		Interval:    s.tracker.Interval().String(),
		Totals:      Summarize(conns),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

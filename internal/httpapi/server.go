// Package httpapi serves the read side of a Simulation over HTTP: the
// running endpoint list for external indexers, topology snapshots, the event
// feed with a websocket push channel, persisted history and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/signalsfoundry/netsim/internal/eventlog"
	"github.com/signalsfoundry/netsim/internal/eventstore"
	"github.com/signalsfoundry/netsim/internal/logging"
	"github.com/signalsfoundry/netsim/internal/sim"
	"github.com/signalsfoundry/netsim/kb"
)

// History answers queries over persisted events.
type History interface {
	History(ctx context.Context, q eventstore.Query) ([]eventstore.Record, error)
	Runs(ctx context.Context) ([]eventstore.Run, error)
	GetRun(ctx context.Context, id int64) (eventstore.Run, error)
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHistory enables /history, /runs and /runs/{id}.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// Server is an http.Handler. Run must be active for websocket pushes.
type Server struct {
	sim     *sim.Simulation
	log     logging.Logger
	metrics http.Handler
	history History
	hub     *hub
	mux     *http.ServeMux
}

// New builds the handler tree.
func New(s *sim.Simulation, opts ...Option) *Server {
	srv := &Server{sim: s, log: logging.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	srv.hub = newHub(srv.log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /endpoints", srv.handleEndpoints)
	mux.HandleFunc("GET /topology", srv.handleTopology)
	mux.HandleFunc("GET /events", srv.handleEvents)
	mux.HandleFunc("GET /ws", srv.handleWebsocket)
	if srv.history != nil {
		mux.HandleFunc("GET /history", srv.handleHistory)
		mux.HandleFunc("GET /runs", srv.handleRuns)
		mux.HandleFunc("GET /runs/{id}", srv.handleRun)
	}
	if srv.metrics != nil {
		mux.Handle("GET /metrics", srv.metrics)
	}
	srv.mux = mux
	return srv
}

// ServeHTTP attaches a request id and dispatches.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, id := logging.EnsureRequestID(r.Context())
	w.Header().Set("X-Request-ID", id)
	s.mux.ServeHTTP(w, r.WithContext(ctx))
}

// Run pushes event log entries and topology changes to websocket clients
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	entries, cancelEntries := s.sim.Events().Subscribe()
	defer cancelEntries()

	changed := make(chan struct{}, 1)
	unsubscribe := s.sim.Registry().Store().Subscribe(func(kb.Event) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	go s.hub.run(ctx)
	for {
		select {
		case <-ctx.Done():
			<-s.hub.done
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			s.hub.publish(ctx, Message{Type: "event", Payload: e})
		case <-changed:
			s.hub.publish(ctx, Message{Type: "topology", Payload: sim.NewTopologyView(s.sim.Snapshot())})
		}
	}
}

func (s *Server) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	eps := s.sim.Endpoints()
	if eps == nil {
		eps = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": eps})
}

func (s *Server) handleTopology(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sim.NewTopologyView(s.sim.Snapshot()))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since, err := uintParam(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries := s.sim.Events().Since(since)
	if entries == nil {
		entries = []eventlog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	s.hub.serve(w, r, Message{Type: "topology", Payload: sim.NewTopologyView(s.sim.Snapshot())})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var q eventstore.Query
	run, err := uintParam(r, "run")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q.RunID = int64(run)
	limit, err := uintParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q.Limit = int(limit)
	if raw := r.URL.Query().Get("severity"); raw != "" {
		sev, err := eventlog.ParseSeverity(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		q.Severity = &sev
	}

	records, err := s.history.History(r.Context(), q)
	if err != nil {
		s.log.Error(r.Context(), "history query failed", logging.Err(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []eventstore.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.history.Runs(r.Context())
	if err != nil {
		s.log.Error(r.Context(), "runs query failed", logging.Err(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []eventstore.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("run id must be a positive integer"))
		return
	}
	run, err := s.history.GetRun(r.Context(), id)
	if errors.Is(err, eventstore.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.log.Error(r.Context(), "run query failed", logging.Any("run_id", id), logging.Err(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func uintParam(r *http.Request, key string) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

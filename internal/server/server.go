// Package server exposes a reduction over HTTP: run status and stored
// results as JSON, live records over a websocket.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"photrack/internal/pipeline"
	"photrack/internal/reduce"
	"photrack/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Engine is the run surface the server needs; *pipeline.Engine
// implements it.
type Engine interface {
	ID() string
	Status() pipeline.Status
	Subscribe() (<-chan reduce.Record, func())
}

// Server wraps the HTTP server around one engine and its store.
type Server struct {
	addr     string
	engine   Engine
	store    *storage.Store
	log      *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a server bound to addr. engine may be nil when only
// stored results are served; store may be nil on a storage-less run.
func New(addr string, engine Engine, store *storage.Store, log *slog.Logger) *Server {
	return &Server{
		addr:   addr,
		engine: engine,
		store:  store,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Start begins serving and blocks until ctx is canceled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.router(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/api/records", s.handleRecords).Methods("GET")
	r.HandleFunc("/ws/records", s.handleRecordStream).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "no run in progress", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.engine.Status())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no database configured", http.StatusNotFound)
		return
	}
	runs, err := s.store.RecentRuns(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no database configured", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	runID := q.Get("run")
	if runID == "" && s.engine != nil {
		runID = s.engine.ID()
	}
	if runID == "" {
		http.Error(w, "missing run parameter", http.StatusBadRequest)
		return
	}
	recs, err := s.store.RecordsForTarget(runID, q.Get("ccd"), q.Get("aperture"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

// handleRecordStream upgrades to a websocket and forwards live records
// until the run ends or the client goes away.
func (s *Server) handleRecordStream(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "no run in progress", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	recCh, unsub := s.engine.Subscribe()
	defer unsub()

	// Drain client messages so closes are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case rec, ok := <-recCh:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run ended")
				conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
	}
}

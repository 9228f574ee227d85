package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/itskum47/fleetgate/control_plane/execution"
)

// Server is the agent's HTTP server. It runs one dispatch at a time.
type Server struct {
	cfg      *Config
	executor *Executor
	ctx      context.Context

	mu   sync.Mutex
	busy bool
	wg   sync.WaitGroup
}

// NewServer creates a Server. Runs started by it are cancelled with ctx.
func NewServer(ctx context.Context, cfg *Config, executor *Executor) *Server {
	return &Server{cfg: cfg, executor: executor, ctx: ctx}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/execute", s.handleExecute)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// ListenAndServe blocks until ctx is cancelled, then waits for running tasks.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Agent HTTP server listening on %s", srv.Addr)
	err := srv.ListenAndServe()
	s.wg.Wait()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// handleExecute verifies a dispatch and runs it in the background.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req execution.DispatchPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.RunID == "" {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		http.Error(w, "Agent busy", http.StatusConflict)
		return
	}
	s.busy = true
	s.mu.Unlock()

	if err := s.executor.Verify(r.Context(), req.Tasks); err != nil {
		s.release()
		log.Printf("Rejected run %s: %v", req.RunID, err)
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		s.executor.Execute(s.ctx, req.RunID, req.Tasks)
	}()
}

func (s *Server) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

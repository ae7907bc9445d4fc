// Package transport — server.go
//
// HTTP server side of the discovery RPC.
//
// Routes (all under /eskka/v1):
//
//	POST /publish    — apply a published snapshot; response is the ack
//	POST /republish  — ask the master to resend state to the requester
//	POST /ping       — probe a target on the caller's behalf
//	GET  /health     — identity of the node behind this address
//
// The server never exposes internal errors to peers; handler failures
// surface as typed acknowledgement bodies, transport failures as HTTP
// status codes.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler is implemented by the discovery core.
type Handler interface {
	// HandlePublish applies a published snapshot and returns the ack.
	HandlePublish(ctx context.Context, req PublishRequest) PublishAck

	// HandleRepublish notes a republish request. Best-effort.
	HandleRepublish(ctx context.Context, req RepublishRequest)

	// HandlePing probes the target and answers affirmatively within the
	// request's timeout.
	HandlePing(ctx context.Context, req PingRequest) PingVote

	// Identity names the local node.
	Identity() Identity
}

// Server serves the discovery RPC on one address.
type Server struct {
	addr string
	h    Handler
	log  *zap.Logger
}

// NewServer creates a server bound to addr when Run is called.
func NewServer(addr string, h Handler, log *zap.Logger) *Server {
	return &Server{addr: addr, h: h, log: log}
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/eskka/v1").Subrouter()
	v1.HandleFunc("/publish", s.handlePublish).Methods(http.MethodPost)
	v1.HandleFunc("/republish", s.handleRepublish).Methods(http.MethodPost)
	v1.HandleFunc("/ping", s.handlePing).Methods(http.MethodPost)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second, // publish applies can take a while
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("discovery transport listening", zap.String("addr", s.addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("transport: serve %s: %w", s.addr, err)
	}
	return nil
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad publish body", http.StatusBadRequest)
		return
	}
	ack := s.h.HandlePublish(r.Context(), req)
	writeJSON(w, ack)
}

func (s *Server) handleRepublish(w http.ResponseWriter, r *http.Request) {
	var req RepublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad republish body", http.StatusBadRequest)
		return
	}
	s.h.HandleRepublish(r.Context(), req)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req PingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad ping body", http.StatusBadRequest)
		return
	}
	vote := s.h.HandlePing(r.Context(), req)
	writeJSON(w, vote)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.h.Identity())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

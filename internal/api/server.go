// Package api serves a ledger over HTTP: status, index proofs, state
// reads, contract calls, monitor attestations and prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pfrazee/vitra-sub000/internal/attest"
	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/ledger"
	"github.com/pfrazee/vitra-sub000/internal/logger"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
)

const (
	// maxParamsSize is the maximum call parameter size in bytes.
	maxParamsSize = 1 << 20

	// callTimeout bounds how long a call waits to be processed.
	callTimeout = 30 * time.Second
)

// Ledger is the ledger surface served over HTTP.
type Ledger interface {
	Status() ledger.Status
	IndexProof(seq uint64) (*proofs.InclusionProof, error)
	Get(path string) (*indexlog.Entry, error)
	Call(ctx context.Context, method string, params any) (*ledger.Transaction, error)
	Attest(k *attest.KeyPair) (*attest.Attestation, error)
}

// Server is the HTTP API server.
type Server struct {
	addr     string
	ledger   Ledger
	attester *attest.KeyPair     // attester is nil when the host does not attest
	gatherer prometheus.Gatherer // gatherer is nil when metrics are not exposed
	server   *http.Server
	listener net.Listener
}

// New creates an HTTP API server. attester and gatherer may be nil.
func New(addr string, l Ledger, attester *attest.KeyPair, gatherer prometheus.Gatherer) *Server {
	return &Server{
		addr:     addr,
		ledger:   l,
		attester: attester,
		gatherer: gatherer,
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /proof/{seq}", s.handleProof)
	mux.HandleFunc("GET /state/{path...}", s.handleState)
	mux.HandleFunc("POST /call/{method}", s.handleCall)
	mux.HandleFunc("GET /attestation", s.handleAttestation)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start listens and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: callTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}

	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Status())
}

// handleProof handles GET /proof/{seq} requests.
func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "seq must be an unsigned integer")
		return
	}

	proof, err := s.ledger.IndexProof(seq)

	var fork *proofs.LogForkProof

	switch {
	case errors.As(err, &fork):
		writeJSON(w, http.StatusConflict, fork)
	case errors.Is(err, hlog.ErrBlocksNotAvailable):
		writeError(w, http.StatusNotFound, fmt.Sprintf("index has no entry %d", seq))
	case errors.Is(err, hlog.ErrNoSignature):
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("no signed root covers entry %d yet", seq))
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, proof)
	}
}

// handleState handles GET /state/{path...} requests.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	path := "/" + r.PathValue("path")

	e, err := s.ledger.Get(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if e == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s not found", path))
		return
	}

	writeJSON(w, http.StatusOK, e)
}

// handleCall handles POST /call/{method} requests. The body holds the
// JSON params; the response is the processed transaction.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxParamsSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(body) > maxParamsSize {
		writeError(w, http.StatusRequestEntityTooLarge, "params too large")
		return
	}

	var params any
	if len(body) > 0 {
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "params must be JSON")
			return
		}
		params = json.RawMessage(body)
	}

	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()

	method := r.PathValue("method")

	tx, err := s.ledger.Call(ctx, method, params)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ledger.ErrClosed) || errors.Is(err, ledger.ErrNoLocalLog) {
			status = http.StatusServiceUnavailable
		}

		writeError(w, status, err.Error())
		return
	}

	if err := tx.WhenProcessed(ctx, callTimeout); err != nil {
		writeJSON(w, http.StatusAccepted, tx)
		return
	}

	if err := tx.FetchResults(); err != nil {
		logger.Warn("fetch call results", "method", method, "error", err)
	}

	writeJSON(w, http.StatusOK, tx)
}

// handleAttestation handles GET /attestation requests.
func (s *Server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	if s.attester == nil {
		writeError(w, http.StatusNotFound, "host does not attest")
		return
	}

	a, err := s.ledger.Attest(s.attester)

	switch {
	case errors.Is(err, attest.ErrFraud):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, attest.ErrNothingVerified):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, a)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

package transport

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dim/internal/telemetry"
	"github.com/3cpo-dev/dim/pkg/api"
)

// Node is the local side of the RPC surface.
type Node interface {
	ApplyBatch(ctx context.Context, cfgs []api.Configuration) (api.ApplyBatchResponse, error)
	Heartbeat() api.HeartbeatResponse
	Status(ctx context.Context) (api.StatusResponse, error)
}

type ServerOptions struct {
	// Token, when set, is required on apply-batch and status as
	// "Authorization: Bearer <token>" or "X-Auth-Token: <token>".
	Token   string
	Metrics bool
	TLS     TLSConfig
}

type Server struct {
	node Node
	opts ServerOptions
	mu   sync.Mutex
	srv  *http.Server
}

func NewServer(node Node, opts ServerOptions) *Server {
	return &Server{node: node, opts: opts}
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+opPath(OpHeartbeat), func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.node.Heartbeat())
	})
	mux.HandleFunc("POST "+opPath(OpApplyBatch), s.authorized(s.applyBatch))
	mux.HandleFunc("GET "+opPath(OpStatus), s.authorized(func(w http.ResponseWriter, r *http.Request) {
		st, err := s.node.Status(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, st)
	}))
	if s.opts.Metrics {
		mux.Handle("GET /metrics", telemetry.Handler())
	}
}

func (s *Server) applyBatch(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	cfgs, err := decodeApplyBatch(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	start := time.Now()
	resp, err := s.node.ApplyBatch(r.Context(), cfgs)
	if err != nil {
		log.Error().Err(err).Int("count", len(cfgs)).Msg("Apply batch failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	log.Debug().
		Int("count", len(cfgs)).
		Int("created", resp.Created).
		Int("removed", resp.Removed).
		Dur("took", time.Since(start)).
		Msg("Batch applied")
	writeJSON(w, http.StatusOK, resp)
}

// decodeApplyBatch requires "configurations" to be present and an array.
// An empty array is valid and means nothing should run on this node.
func decodeApplyBatch(r *http.Request) ([]api.Configuration, error) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	raw, ok := body["configurations"]
	if !ok {
		return nil, fmt.Errorf("configurations: required")
	}
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		return nil, fmt.Errorf("configurations: must be an array")
	}
	// numbers stay json.Number so large integers survive to the fingerprint
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var cfgs []api.Configuration
	if err := dec.Decode(&cfgs); err != nil {
		return nil, fmt.Errorf("configurations: %w", err)
	}
	for i, c := range cfgs {
		if c == nil {
			return nil, fmt.Errorf("configurations[%d]: must be an object", i)
		}
	}
	if cfgs == nil {
		cfgs = []api.Configuration{}
	}
	return cfgs, nil
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.Token == "" {
		return next
	}
	bearer := []byte("Bearer " + s.opts.Token)
	tok := []byte(s.opts.Token)
	return func(w http.ResponseWriter, r *http.Request) {
		auth := []byte(r.Header.Get("Authorization"))
		x := []byte(r.Header.Get("X-Auth-Token"))
		if subtle.ConstantTimeCompare(auth, bearer) != 1 && subtle.ConstantTimeCompare(x, tok) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

// Handler returns the routed handler, wrapped with client certificate
// checks when TLS client auth is configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	if s.opts.TLS.ClientCA != "" {
		return MTLSMiddleware(true)(mux)
	}
	return mux
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	if s.opts.TLS.Enabled() {
		tlsConfig, err := ServerTLS(s.opts.TLS)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConfig
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	if srv.TLSConfig != nil {
		log.Info().Str("addr", l.Addr().String()).Bool("mtls_required", s.opts.TLS.ClientCA != "").Msg("Starting node server with TLS")
		return srv.ServeTLS(l, "", "")
	}
	log.Info().Str("addr", l.Addr().String()).Msg("Starting node server")
	return srv.Serve(l)
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

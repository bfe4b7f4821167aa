// Package bridge exposes the broker to contexts living outside the process.
//
// A content context (the page relay) and a popup host each connect over a
// websocket and become router links. The popup host also receives control
// frames telling it which consent popup to open, and reports when the user
// closes one. A small HTTP API lets the popup UI change allowances, revoke
// origins and list what is waiting for consent.
//
// Every endpoint except /health requires a bearer token issued by the
// server's TokenAuth, and websocket handshakes are only accepted from
// extension pages.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/airyland/ArConnect/pkg/audit"
	"github.com/airyland/ArConnect/pkg/contracts"
	"github.com/airyland/ArConnect/pkg/router"
)

// ErrNoPopupHost is returned by Launch when no popup host is connected.
var ErrNoPopupHost = errors.New("bridge: no popup host connected")

// Broker is the subset of the broker the HTTP API drives.
type Broker interface {
	ResetOrRaise(ctx context.Context, origin contracts.Origin, newLimit *string) error
	SetAllowanceEnabled(ctx context.Context, origin contracts.Origin, enabled bool) error
	Disconnect(ctx context.Context, origin contracts.Origin) error
	Pending() []contracts.AuthRequest
}

// SurfaceCloser dismisses the open consent surface.
type SurfaceCloser interface {
	CloseCurrent() (string, bool)
}

// Exporter produces audit evidence packs.
type Exporter interface {
	Export(ctx context.Context, req audit.ExportRequest) ([]byte, string, error)
}

// frame is what travels on a bridge websocket: an envelope, or a control
// message for the popup host.
type frame struct {
	contracts.Envelope
	Open   string `json:"open,omitempty"`
	Closed bool   `json:"closed,omitempty"`
}

func (f frame) control() bool { return f.Ext == "" && (f.Open != "" || f.Closed) }

// Server is the websocket and HTTP front of the broker.
type Server struct {
	router   *router.Router
	broker   Broker
	closer   SurfaceCloser
	exporter Exporter
	limiter  *OriginLimiter
	auth     *TokenAuth
	logger   *slog.Logger
	upgrader websocket.Upgrader

	linkRate  rate.Limit
	linkBurst int

	mu      sync.Mutex
	conns   map[contracts.Target]*wsConn
	version string
}

// Option configures a Server.
type Option func(*Server)

// WithSurfaceCloser wires the consent gate so a closed popup cancels the
// request it was showing.
func WithSurfaceCloser(c SurfaceCloser) Option {
	return func(s *Server) { s.closer = c }
}

// WithExporter enables the audit export endpoint.
func WithExporter(e Exporter) Option {
	return func(s *Server) { s.exporter = e }
}

// WithLimiter sets the per-origin limiter.
func WithLimiter(l *OriginLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithAuth sets the token authenticator. Without it the server generates a
// key of its own, reachable through Auth.
func WithAuth(a *TokenAuth) Option {
	return func(s *Server) { s.auth = a }
}

// WithLinkLimit bounds the requests one websocket may send, whatever
// origins they claim.
func WithLinkLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.linkRate = rate.Limit(perSecond)
		s.linkBurst = burst
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a bridge over r and b.
func New(r *router.Router, b Broker, opts ...Option) *Server {
	s := &Server{
		router:    r,
		broker:    b,
		limiter:   NewOriginLimiter(0, 1),
		logger:    slog.Default(),
		conns:     make(map[contracts.Target]*wsConn),
		linkRate:  50,
		linkBurst: 100,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{BearerProtocol},
			CheckOrigin:     extensionOrigin,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = NewTokenAuth(r.Tag(), 0)
	}
	s.logger = s.logger.With("component", "bridge")
	return s
}

// Auth returns the authenticator checking bridge tokens.
func (s *Server) Auth() *TokenAuth { return s.auth }

// Handler returns the HTTP handler serving every bridge endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/content", s.auth.Require(ScopeContent, s.handleSocket(contracts.TargetContent)))
	mux.Handle("/popup", s.auth.Require(ScopePopup, s.handleSocket(contracts.TargetPopup)))

	api := http.NewServeMux()
	api.HandleFunc("/v1/allowance", s.handleAllowance)
	api.HandleFunc("/v1/allowance/enabled", s.handleAllowanceEnabled)
	api.HandleFunc("/v1/permissions", s.handlePermissions)
	api.HandleFunc("/v1/pending", s.handlePending)
	api.HandleFunc("/v1/consent/current", s.handleCloseCurrent)
	api.HandleFunc("/v1/audit/export", s.handleExport)
	mux.Handle("/v1/", s.limiter.Middleware(s.auth.Require(ScopeAdmin, api)))
	return mux
}

// ListenAndServe serves Handler on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	go s.limiter.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.closeAll()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Launch asks the connected popup host to open url. It implements
// consent.Launcher.
func (s *Server) Launch(ctx context.Context, url string) error {
	s.mu.Lock()
	c := s.conns[contracts.TargetPopup]
	ready := c != nil && c.conn != nil
	s.mu.Unlock()
	if !ready {
		return ErrNoPopupHost
	}
	return c.write(ctx, frame{Open: url})
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	links := make([]contracts.Target, 0, len(s.conns))
	for t := range s.conns {
		links = append(links, t)
	}
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"tag":         s.router.Tag(),
		"version":     s.version,
		"links":       links,
		"outstanding": s.router.Outstanding(),
	})
}

type allowanceRequest struct {
	Origin  contracts.Origin `json:"origin"`
	Limit   *string          `json:"limit,omitempty"`
	Enabled *bool            `json:"enabled,omitempty"`
}

func (s *Server) decodeAllowance(w http.ResponseWriter, r *http.Request) (allowanceRequest, bool) {
	var req allowanceRequest
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return req, false
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		WriteUnsupportedMediaType(w, r)
		return req, false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		WriteBadRequest(w, r, fmt.Sprintf("invalid body: %v", err))
		return req, false
	}
	if err := req.Origin.Validate(); err != nil {
		WriteBrokerError(w, r, err)
		return req, false
	}
	return req, true
}

// POST /v1/allowance {origin, limit?}: no limit resets the spent amount.
func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAllowance(w, r)
	if !ok {
		return
	}
	if err := s.broker.ResetOrRaise(r.Context(), req.Origin, req.Limit); err != nil {
		WriteBrokerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/allowance/enabled {origin, enabled}
func (s *Server) handleAllowanceEnabled(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAllowance(w, r)
	if !ok {
		return
	}
	if req.Enabled == nil {
		WriteBadRequest(w, r, "enabled is required")
		return
	}
	if err := s.broker.SetAllowanceEnabled(r.Context(), req.Origin, *req.Enabled); err != nil {
		WriteBrokerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /v1/permissions?origin=
func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		WriteMethodNotAllowed(w, r)
		return
	}
	if err := s.broker.Disconnect(r.Context(), contracts.Origin(r.URL.Query().Get("origin"))); err != nil {
		WriteBrokerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, s.broker.Pending())
}

// DELETE /v1/consent/current dismisses the open surface.
func (s *Server) handleCloseCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		WriteMethodNotAllowed(w, r)
		return
	}
	if s.closer == nil {
		WriteError(w, r, http.StatusNotFound, "Not Found", "no consent gate configured")
		return
	}
	id, ok := s.closer.CloseCurrent()
	if !ok {
		WriteConflict(w, r, "no consent surface is open")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"correlationId": id})
}

// GET /v1/audit/export?origin=&start=&end= (RFC 3339 times)
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	if s.exporter == nil {
		WriteError(w, r, http.StatusNotFound, "Not Found", "audit log disabled")
		return
	}
	q := r.URL.Query()
	req := audit.ExportRequest{Origin: contracts.Origin(q.Get("origin"))}
	for name, dst := range map[string]*time.Time{"start": &req.StartTime, "end": &req.EndTime} {
		if v := q.Get(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				WriteBadRequest(w, r, fmt.Sprintf("invalid %s: %v", name, err))
				return
			}
			*dst = ts
		}
	}
	data, sum, err := s.exporter.Export(r.Context(), req)
	if err != nil {
		WriteBrokerError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="weavemask-receipts.zip"`)
	w.Header().Set("X-Content-SHA256", sum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

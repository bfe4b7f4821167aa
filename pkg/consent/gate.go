// Package consent mediates the user-consent step.
//
// A Gate owns the single interaction surface: requests wait their turn in
// arrival order, at most one surface is open at a time, and a surface that
// goes away unanswered counts as the user cancelling. An optional idle
// timeout auto-denies a request nobody answers.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airyland/ArConnect/pkg/contracts"
	"github.com/airyland/ArConnect/pkg/turnstile"
)

// Surface presents one request to the user and reports the decision.
// Returning contracts.ErrSurfaceClosed means the user dismissed it.
type Surface interface {
	Open(ctx context.Context, req contracts.AuthRequest) (contracts.AuthResult, error)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(ctx context.Context, req contracts.AuthRequest) (contracts.AuthResult, error)

func (f SurfaceFunc) Open(ctx context.Context, req contracts.AuthRequest) (contracts.AuthResult, error) {
	return f(ctx, req)
}

const surfaceKey = "surface"

var errConsentTimeout = errors.New("consent timed out")

// Gate serializes consent requests onto one surface.
type Gate struct {
	surface Surface
	line    *turnstile.Turnstile
	timeout time.Duration
	clock   func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*contracts.AuthRequest
	current string
	close   context.CancelCauseFunc
}

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout auto-denies a request whose surface stays unanswered for d.
// Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// NewGate creates a gate in front of surface.
func NewGate(surface Surface, opts ...Option) *Gate {
	g := &Gate{
		surface: surface,
		line:    turnstile.New(),
		clock:   time.Now,
		logger:  slog.Default(),
		pending: make(map[string]*contracts.AuthRequest),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "consent")
	return g
}

// Request waits for the surface, shows req and returns the user's decision.
// Dismissal and timeout are results, not errors; an error means ctx ended
// or the surface failed.
func (g *Gate) Request(ctx context.Context, req contracts.AuthRequest) (contracts.AuthResult, error) {
	if !req.Kind.Valid() {
		return contracts.AuthResult{}, fmt.Errorf("%w: unknown kind %q", contracts.ErrInvalidAuthCall, req.Kind)
	}
	if err := req.Origin.Validate(); err != nil {
		return contracts.AuthResult{}, err
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = g.clock()
	}
	req.State = contracts.AuthStateCreated

	g.track(&req)
	defer g.untrack(req.CorrelationID)

	release, err := g.line.Acquire(ctx, surfaceKey)
	if err != nil {
		return contracts.AuthResult{}, err
	}
	defer release()

	var surfaceCtx context.Context
	var closeSurface context.CancelCauseFunc
	surfaceCtx, closeSurface = context.WithCancelCause(ctx)
	defer closeSurface(nil)
	if g.timeout > 0 {
		var stop context.CancelFunc
		surfaceCtx, stop = context.WithTimeoutCause(surfaceCtx, g.timeout, errConsentTimeout)
		defer stop()
	}

	g.setState(req.CorrelationID, contracts.AuthStateAwaitingConsent)
	req.State = contracts.AuthStateAwaitingConsent
	g.mu.Lock()
	g.current = req.CorrelationID
	g.close = closeSurface
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.current = ""
		g.close = nil
		g.mu.Unlock()
	}()

	g.logger.Info("consent surface opened", "correlation_id", req.CorrelationID, "kind", req.Kind, "origin", req.Origin)
	res, err := g.surface.Open(surfaceCtx, req)
	res, err = g.settle(ctx, surfaceCtx, req, res, err)
	if err == nil {
		g.logger.Info("consent decided", "correlation_id", req.CorrelationID, "granted", res.Granted, "reason", res.Reason)
	}
	return res, err
}

// settle maps how the surface ended onto a terminal result.
func (g *Gate) settle(ctx, surfaceCtx context.Context, req contracts.AuthRequest, res contracts.AuthResult, err error) (contracts.AuthResult, error) {
	id := req.CorrelationID
	if err == nil {
		res.CorrelationID = id
		if res.Reason == "" {
			if res.Granted {
				res.Reason = contracts.ReasonGranted
			} else {
				res.Reason = contracts.ReasonUserCancelled
			}
		}
		return res, nil
	}
	if ctx.Err() != nil {
		return contracts.AuthResult{}, ctx.Err()
	}
	cause := context.Cause(surfaceCtx)
	switch {
	case errors.Is(cause, errConsentTimeout):
		return contracts.Denied(id, contracts.ReasonConsentTimeout), nil
	case errors.Is(err, contracts.ErrSurfaceClosed), errors.Is(cause, contracts.ErrSurfaceClosed):
		return contracts.Denied(id, contracts.ReasonUserCancelled), nil
	default:
		return contracts.AuthResult{}, fmt.Errorf("consent surface failed: %w", err)
	}
}

// CloseCurrent dismisses the surface that is currently open, which cancels
// exactly the request it shows. It reports whether a surface was open.
func (g *Gate) CloseCurrent() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.close == nil {
		return "", false
	}
	g.close(contracts.ErrSurfaceClosed)
	return g.current, true
}

// Pending returns a snapshot of queued and open requests, oldest first.
func (g *Gate) Pending() []contracts.AuthRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]contracts.AuthRequest, 0, len(g.pending))
	for _, r := range g.pending {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CorrelationID < out[j].CorrelationID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Waiting returns how many requests are queued behind the open surface.
func (g *Gate) Waiting() int { return g.line.Waiting(surfaceKey) }

func (g *Gate) track(req *contracts.AuthRequest) {
	cp := *req
	g.mu.Lock()
	g.pending[req.CorrelationID] = &cp
	g.mu.Unlock()
}

func (g *Gate) untrack(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

func (g *Gate) setState(id string, s contracts.AuthState) {
	g.mu.Lock()
	if r, ok := g.pending[id]; ok {
		r.State = s
	}
	g.mu.Unlock()
}

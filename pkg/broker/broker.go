// Package broker decides whether an origin may invoke a privileged wallet
// operation.
//
// The broker is the single writer of the permission store and the allowance
// ledger. Authorize calls for one origin take turns in issue order for their
// whole duration, consent included; store mutations additionally take a
// short per-origin lock, so the consent surface can change an allowance while
// the spend-limit prompt for that origin is still open.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/airyland/ArConnect/pkg/allowance"
	"github.com/airyland/ArConnect/pkg/audit"
	"github.com/airyland/ArConnect/pkg/contracts"
	"github.com/airyland/ArConnect/pkg/observability"
	"github.com/airyland/ArConnect/pkg/permissions"
	"github.com/airyland/ArConnect/pkg/turnstile"
)

// Consent obtains a user decision for a request.
type Consent interface {
	Request(ctx context.Context, req contracts.AuthRequest) (contracts.AuthResult, error)
}

// Notifier is told whether an origin is connected after every terminal
// connect outcome and on disconnect.
type Notifier interface {
	NotifyConnectionState(ctx context.Context, origin contracts.Origin, connected bool)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, origin contracts.Origin, connected bool)

func (f NotifierFunc) NotifyConnectionState(ctx context.Context, origin contracts.Origin, connected bool) {
	f(ctx, origin, connected)
}

type nopNotifier struct{}

func (nopNotifier) NotifyConnectionState(context.Context, contracts.Origin, bool) {}

// Broker orchestrates permission checks, allowance checks and consent.
type Broker struct {
	perms    *permissions.Store
	ledger   *allowance.Ledger
	consent  Consent
	notifier Notifier
	audit    *audit.Log
	otel     *observability.Telemetry
	metrics  *observability.BrokerMetrics
	clock    func() time.Time
	logger   *slog.Logger

	turns *turnstile.Turnstile // per-origin Authorize ordering
	locks *turnstile.Turnstile // per-origin store critical sections

	mu       sync.Mutex
	inflight map[string]contracts.AuthRequest
}

// Option configures a Broker.
type Option func(*Broker)

// WithNotifier sets the connection-state observer.
func WithNotifier(n Notifier) Option {
	return func(b *Broker) { b.notifier = n }
}

// WithAudit records every terminal result in log.
func WithAudit(log *audit.Log) Option {
	return func(b *Broker) { b.audit = log }
}

// WithTelemetry wraps operations in spans and records decision metrics.
func WithTelemetry(t *observability.Telemetry) Option {
	return func(b *Broker) {
		b.otel = t
		b.metrics = t.Broker()
	}
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(b *Broker) { b.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// New creates a broker.
func New(perms *permissions.Store, ledger *allowance.Ledger, consent Consent, opts ...Option) *Broker {
	b := &Broker{
		perms:    perms,
		ledger:   ledger,
		consent:  consent,
		notifier: nopNotifier{},
		clock:    time.Now,
		logger:   slog.Default(),
		turns:    turnstile.New(),
		locks:    turnstile.New(),
		inflight: make(map[string]contracts.AuthRequest),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "broker")
	return b
}

func (b *Broker) track(ctx context.Context, name string, origin contracts.Origin, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	return b.otel.Track(ctx, name, string(origin), attrs...)
}

// locked runs fn inside origin's store critical section.
func (b *Broker) locked(ctx context.Context, origin contracts.Origin, fn func() error) error {
	release, err := b.locks.Acquire(ctx, string(origin))
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Authorize runs the connect or spend-limit algorithm for origin.
// Cancellation, denial and timeout are results; errors are returned for
// malformed requests, storage failures and an ended ctx.
func (b *Broker) Authorize(ctx context.Context, kind contracts.AuthKind, origin contracts.Origin, payload contracts.Payload) (res contracts.AuthResult, err error) {
	if !kind.Valid() {
		return contracts.AuthResult{}, fmt.Errorf("%w: unknown kind %q", contracts.ErrInvalidAuthCall, kind)
	}
	if err := origin.Validate(); err != nil {
		return contracts.AuthResult{}, err
	}

	ctx, finish := b.track(ctx, "broker.authorize", origin,
		attribute.String("kind", string(kind)),
	)
	defer func() { finish(err) }()

	release, err := b.turns.Acquire(ctx, string(origin))
	if err != nil {
		return contracts.AuthResult{}, err
	}
	defer release()

	return b.authorize(ctx, kind, origin, payload)
}

// authorize assumes the caller holds origin's turn.
func (b *Broker) authorize(ctx context.Context, kind contracts.AuthKind, origin contracts.Origin, payload contracts.Payload) (contracts.AuthResult, error) {
	start := b.clock()
	var (
		res      contracts.AuthResult
		attempts int
		err      error
	)
	switch kind {
	case contracts.AuthKindConnect:
		res, attempts, err = b.connect(ctx, origin, payload)
	case contracts.AuthKindSpendLimit:
		res, attempts, err = b.spendLimit(ctx, origin, payload)
	}

	if err != nil {
		b.metrics.RecordFailure(ctx, string(kind), contracts.Code(err))
		b.logger.Warn("authorization failed", "kind", kind, "origin", origin, "error", err)
		return contracts.AuthResult{}, err
	}

	b.metrics.RecordDecision(ctx, string(kind), res.Granted, res.Reason, b.clock().Sub(start))
	if b.audit != nil {
		if _, aerr := b.audit.Record(ctx, kind, origin, res, attempts); aerr != nil {
			b.logger.Error("failed to record decision receipt", "correlation_id", res.CorrelationID, "error", aerr)
		}
	}
	b.logger.Info("authorization decided",
		"kind", kind,
		"origin", origin,
		"granted", res.Granted,
		"reason", res.Reason,
		"correlation_id", res.CorrelationID,
	)
	return res, nil
}

// connect returns the result and the number of prompts shown.
func (b *Broker) connect(ctx context.Context, origin contracts.Origin, payload contracts.Payload) (res contracts.AuthResult, prompts int, err error) {
	// Exactly one connection-state notification per terminal outcome.
	defer func() {
		b.notifier.NotifyConnectionState(ctx, origin, err == nil && res.Granted)
	}()

	requested, err := permissions.ParseAll(payload.Permissions)
	if err != nil {
		return contracts.AuthResult{}, 0, err
	}
	if len(requested) == 0 {
		return contracts.AuthResult{}, 0, fmt.Errorf("%w: no permissions requested", contracts.ErrInvalidPermission)
	}

	var missing []permissions.Type
	err = b.locked(ctx, origin, func() error {
		held, err := b.perms.Get(ctx, origin)
		if err != nil {
			return err
		}
		missing = held.Missing(requested)
		return nil
	})
	if err != nil {
		return contracts.AuthResult{}, 0, err
	}
	if len(missing) == 0 {
		return contracts.Granted(uuid.New().String(), contracts.ReasonAlreadyConnected), 0, nil
	}

	p := contracts.Payload{
		Permissions: permissions.Strings(missing),
		Gateway:     payload.Gateway,
	}
	if payload.AppInfo != nil {
		info := payload.AppInfo.Normalize()
		p.AppInfo = &info
	}
	decision, err := b.prompt(ctx, contracts.AuthKindConnect, origin, p, 1)
	if err != nil {
		return contracts.AuthResult{}, 1, err
	}
	if !decision.Granted {
		return decision, 1, nil
	}

	err = b.locked(ctx, origin, func() error {
		return b.perms.Grant(ctx, origin, missing)
	})
	if err != nil {
		return contracts.AuthResult{}, 1, err
	}
	return decision, 1, nil
}

// spendLimit loops check, prompt, re-check until the allowance covers the
// price or the user declines. It returns the result and the number of
// prompts shown.
func (b *Broker) spendLimit(ctx context.Context, origin contracts.Origin, payload contracts.Payload) (contracts.AuthResult, int, error) {
	price := payload.Price
	if price < 0 {
		return contracts.AuthResult{}, 0, fmt.Errorf("%w: negative price %d", contracts.ErrInvalidAuthCall, price)
	}

	correlationID := uuid.New().String()
	for attempt := 0; ; attempt++ {
		var ok bool
		err := b.locked(ctx, origin, func() error {
			var err error
			ok, err = b.ledger.Check(ctx, origin, price)
			return err
		})
		if err != nil {
			return contracts.AuthResult{}, attempt, err
		}
		if ok {
			return contracts.Granted(correlationID, contracts.ReasonWithinAllowance), attempt, nil
		}

		b.logger.Debug("allowance insufficient, prompting", "origin", origin, "price", price, "attempt", attempt+1)
		decision, err := b.prompt(ctx, contracts.AuthKindSpendLimit, origin, contracts.Payload{
			SpendingLimitReached: true,
			Price:                price,
		}, attempt+1)
		if err != nil {
			return contracts.AuthResult{}, attempt + 1, err
		}
		if !decision.Granted {
			return decision, attempt + 1, nil
		}
		correlationID = decision.CorrelationID
	}
}

// prompt opens one consent round-trip.
func (b *Broker) prompt(ctx context.Context, kind contracts.AuthKind, origin contracts.Origin, payload contracts.Payload, attempt int) (contracts.AuthResult, error) {
	req := contracts.AuthRequest{
		CorrelationID: uuid.New().String(),
		Kind:          kind,
		Origin:        origin,
		Payload:       payload,
		State:         contracts.AuthStateAwaitingConsent,
		Attempt:       attempt,
		CreatedAt:     b.clock(),
	}

	b.mu.Lock()
	b.inflight[req.CorrelationID] = req
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.inflight, req.CorrelationID)
		b.mu.Unlock()
	}()

	b.metrics.RecordPrompt(ctx, string(kind))
	res, err := b.consent.Request(ctx, req)
	if err != nil {
		if errors.Is(err, contracts.ErrSurfaceClosed) {
			return contracts.Denied(req.CorrelationID, contracts.ReasonUserCancelled), nil
		}
		return contracts.AuthResult{}, err
	}
	res.CorrelationID = req.CorrelationID
	if !res.Granted && res.Reason == "" {
		res.Reason = contracts.ReasonUserCancelled
	}
	return res, nil
}

// AuthorizeSpend authorizes price against origin's allowance and, when
// granted, records the spend before the origin's turn ends, so no other
// request from the origin can slip between the check and the record.
func (b *Broker) AuthorizeSpend(ctx context.Context, origin contracts.Origin, price int64) (res contracts.AuthResult, err error) {
	if err := origin.Validate(); err != nil {
		return contracts.AuthResult{}, err
	}
	ctx, finish := b.track(ctx, "broker.authorize_spend", origin)
	defer func() { finish(err) }()

	release, err := b.turns.Acquire(ctx, string(origin))
	if err != nil {
		return contracts.AuthResult{}, err
	}
	defer release()

	res, err = b.authorize(ctx, contracts.AuthKindSpendLimit, origin, contracts.Payload{Price: price})
	if err != nil || !res.Granted {
		return res, err
	}
	if err := b.recordSpend(ctx, origin, price); err != nil {
		return contracts.AuthResult{}, err
	}
	return res, nil
}

// RecordSpend adds price to origin's spent amount once an operation went
// through.
func (b *Broker) RecordSpend(ctx context.Context, origin contracts.Origin, price int64) error {
	if err := origin.Validate(); err != nil {
		return err
	}
	release, err := b.turns.Acquire(ctx, string(origin))
	if err != nil {
		return err
	}
	defer release()
	return b.recordSpend(ctx, origin, price)
}

func (b *Broker) recordSpend(ctx context.Context, origin contracts.Origin, price int64) error {
	err := b.locked(ctx, origin, func() error {
		return b.ledger.RecordSpend(ctx, origin, price)
	})
	if err != nil {
		return err
	}
	b.metrics.RecordSpend(ctx, price)
	return nil
}

// ResetOrRaise resets origin's spent amount (newLimit nil) or sets a new
// limit in major units and enables the allowance. It does not wait for an
// open prompt for the origin.
func (b *Broker) ResetOrRaise(ctx context.Context, origin contracts.Origin, newLimit *string) error {
	err := b.locked(ctx, origin, func() error {
		return b.ledger.ResetOrRaise(ctx, origin, newLimit)
	})
	if err != nil {
		return err
	}
	if newLimit == nil {
		b.logger.Info("allowance reset", "origin", origin)
	} else {
		b.logger.Info("allowance limit set", "origin", origin, "limit", *newLimit)
	}
	return nil
}

// SetAllowanceEnabled turns enforcement on or off for origin.
func (b *Broker) SetAllowanceEnabled(ctx context.Context, origin contracts.Origin, enabled bool) error {
	return b.locked(ctx, origin, func() error {
		return b.ledger.SetEnabled(ctx, origin, enabled)
	})
}

// Disconnect revokes every capability origin holds.
func (b *Broker) Disconnect(ctx context.Context, origin contracts.Origin) error {
	if err := origin.Validate(); err != nil {
		return err
	}
	err := b.locked(ctx, origin, func() error {
		return b.perms.Revoke(ctx, origin)
	})
	if err != nil {
		return err
	}
	b.notifier.NotifyConnectionState(ctx, origin, false)
	b.logger.Info("origin disconnected", "origin", origin)
	return nil
}

// Require fails with ErrMissingPermission unless origin holds every
// required capability. Operations call it before doing anything privileged.
func (b *Broker) Require(ctx context.Context, origin contracts.Origin, required ...permissions.Type) error {
	held, err := b.perms.Get(ctx, origin)
	if err != nil {
		return err
	}
	if missing := held.Missing(required); len(missing) > 0 {
		return fmt.Errorf("%w: %s lacks %v", contracts.ErrMissingPermission, origin, permissions.Strings(missing))
	}
	return nil
}

// Pending returns the requests currently waiting on consent, oldest first.
func (b *Broker) Pending() []contracts.AuthRequest {
	b.mu.Lock()
	out := make([]contracts.AuthRequest, 0, len(b.inflight))
	for _, r := range b.inflight {
		out = append(out, r)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CorrelationID < out[j].CorrelationID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

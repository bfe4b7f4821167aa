package allowance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"

	"github.com/airyland/ArConnect/pkg/codec"
	"github.com/airyland/ArConnect/pkg/contracts"
	"github.com/airyland/ArConnect/pkg/kv"
)

// ErrInvalidAmount is returned for negative prices and unparsable limits.
var ErrInvalidAmount = errors.New("allowance: invalid amount")

// Ledger reads and writes allowances in the durable store. It fails closed:
// any read error or a missing collection is surfaced, never treated as
// "unlimited".
type Ledger struct {
	db     kv.Store
	codec  codec.Codec
	scale  int
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCodec selects the collection encoding.
func WithCodec(c codec.Codec) Option {
	return func(l *Ledger) { l.codec = c }
}

// WithScale sets the minor-unit exponent.
func WithScale(scale int) Option {
	return func(l *Ledger) { l.scale = scale }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a ledger over db.
func NewLedger(db kv.Store, opts ...Option) *Ledger {
	l := &Ledger{
		db:     db,
		codec:  codec.JSON{},
		scale:  DefaultScale,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "allowance")
	return l
}

// Scale returns the minor-unit exponent in use.
func (l *Ledger) Scale() int { return l.scale }

// Install seeds an empty collection if none exists yet.
func (l *Ledger) Install(ctx context.Context) error {
	return l.db.Update(ctx, CollectionKey, func(cur []byte, exists bool) ([]byte, error) {
		if exists {
			return cur, nil
		}
		return l.codec.Marshal([]entry{})
	})
}

func (l *Ledger) decode(raw []byte, exists bool) ([]entry, error) {
	if !exists {
		return nil, fmt.Errorf("%w: no %s collection", contracts.ErrStorageCorrupt, CollectionKey)
	}
	var entries []entry
	if len(raw) == 0 {
		return entries, nil
	}
	if err := l.codec.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", contracts.ErrStorageCorrupt, CollectionKey, err)
	}
	return entries, nil
}

func (l *Ledger) load(ctx context.Context) ([]entry, error) {
	raw, err := l.db.Get(ctx, CollectionKey)
	if errors.Is(err, kv.ErrNotFound) {
		return l.decode(nil, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", CollectionKey, err)
	}
	return l.decode(raw, true)
}

// mutate runs fn over the entry for origin inside one atomic update. fn
// receives nil when the origin has no entry and returns the entry to store
// (nil leaves the collection unchanged).
func (l *Ledger) mutate(ctx context.Context, origin contracts.Origin, fn func(*entry) (*entry, error)) error {
	return l.db.Update(ctx, CollectionKey, func(cur []byte, exists bool) ([]byte, error) {
		entries, err := l.decode(cur, exists)
		if err != nil {
			return nil, err
		}
		idx := find(entries, origin)
		var current *entry
		if idx >= 0 {
			e := entries[idx]
			current = &e
		}
		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return cur, nil
		}
		if idx >= 0 {
			entries[idx] = *next
		} else {
			entries = append(entries, *next)
		}
		return l.codec.Marshal(entries)
	})
}

func find(entries []entry, origin contracts.Origin) int {
	for i := range entries {
		if entries[i].URL == origin {
			return i
		}
	}
	return -1
}

func (l *Ledger) toRecord(e entry) (Record, error) {
	r := Record{
		Origin:          e.URL,
		Enabled:         e.Enabled,
		Limit:           e.Limit.String(),
		SpentMinorUnits: e.Spent,
	}
	if r.Limit == "" {
		r.Limit = "0"
	}
	minor, err := ToMinorUnits(r.Limit, l.scale)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s limit: %v", contracts.ErrStorageCorrupt, e.URL, err)
	}
	r.LimitMinorUnits = minor
	return r, nil
}

// Get returns origin's allowance, or a disabled zero record when there is
// none.
func (l *Ledger) Get(ctx context.Context, origin contracts.Origin) (Record, error) {
	if err := origin.Validate(); err != nil {
		return Record{}, err
	}
	entries, err := l.load(ctx)
	if err != nil {
		return Record{}, err
	}
	idx := find(entries, origin)
	if idx < 0 {
		return Record{Origin: origin, Limit: "0", LimitMinorUnits: new(big.Int)}, nil
	}
	return l.toRecord(entries[idx])
}

// Check reports whether origin may spend price minor units now.
func (l *Ledger) Check(ctx context.Context, origin contracts.Origin, price int64) (bool, error) {
	if price < 0 {
		return false, fmt.Errorf("%w: price %d", ErrInvalidAmount, price)
	}
	rec, err := l.Get(ctx, origin)
	if err != nil {
		return false, err
	}
	ok := rec.Permits(price)
	if !ok {
		l.logger.Debug("allowance exceeded",
			"origin", origin,
			"limit_minor", rec.LimitMinorUnits.String(),
			"spent_minor", rec.SpentMinorUnits,
			"price", price,
		)
	}
	return ok, nil
}

// RecordSpend adds price to origin's spent amount, creating a disabled
// record if the origin has none.
func (l *Ledger) RecordSpend(ctx context.Context, origin contracts.Origin, price int64) error {
	if err := origin.Validate(); err != nil {
		return err
	}
	if price < 0 {
		return fmt.Errorf("%w: price %d", ErrInvalidAmount, price)
	}
	return l.mutate(ctx, origin, func(e *entry) (*entry, error) {
		if e == nil {
			e = &entry{URL: origin, Limit: DefaultLimit}
		}
		if e.Spent > 0 && price > 0 && e.Spent > math.MaxInt64-price {
			return nil, fmt.Errorf("%w: spent overflow for %s", ErrInvalidAmount, origin)
		}
		e.Spent += price
		return e, nil
	})
}

// ResetOrRaise resets origin's spent amount to zero when newLimit is nil,
// and otherwise replaces the limit (in major units) and enables the
// allowance.
func (l *Ledger) ResetOrRaise(ctx context.Context, origin contracts.Origin, newLimit *string) error {
	if err := origin.Validate(); err != nil {
		return err
	}
	var limit json.Number
	if newLimit != nil {
		norm := normalizeDecimal(*newLimit)
		if _, err := ToMinorUnits(norm, l.scale); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		limit = json.Number(norm)
	}
	return l.mutate(ctx, origin, func(e *entry) (*entry, error) {
		if newLimit == nil {
			if e == nil {
				return nil, nil
			}
			e.Spent = 0
			return e, nil
		}
		if e == nil {
			e = &entry{URL: origin}
		}
		e.Limit = limit
		e.Enabled = true
		return e, nil
	})
}

// SetEnabled toggles enforcement for origin, creating a record with the
// default limit if needed.
func (l *Ledger) SetEnabled(ctx context.Context, origin contracts.Origin, enabled bool) error {
	if err := origin.Validate(); err != nil {
		return err
	}
	return l.mutate(ctx, origin, func(e *entry) (*entry, error) {
		if e == nil {
			e = &entry{URL: origin, Limit: DefaultLimit}
		}
		e.Enabled = enabled
		return e, nil
	})
}

// List returns every stored allowance.
func (l *Ledger) List(ctx context.Context) ([]Record, error) {
	entries, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		r, err := l.toRecord(e)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

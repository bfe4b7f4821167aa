// Package audit keeps a tamper-evident log of authorization decisions.
//
// Each terminal result becomes a Receipt whose ContentHash is the SHA-256
// of its RFC 8785 canonical JSON form. The log is a capped list stored under
// one durable-store key, newest last.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/airyland/ArConnect/pkg/codec"
	"github.com/airyland/ArConnect/pkg/contracts"
	"github.com/airyland/ArConnect/pkg/kv"
)

// Key is the durable-store key of the decision log.
const Key = "auth_log"

// DefaultCapacity is how many receipts are kept.
const DefaultCapacity = 500

// Receipt is the immutable record of one decision.
type Receipt struct {
	ID            string             `json:"id"`
	CorrelationID string             `json:"correlationId"`
	Kind          contracts.AuthKind `json:"kind"`
	Origin        contracts.Origin   `json:"url"`
	Granted       bool               `json:"granted"`
	Reason        string             `json:"reason"`
	Attempts      int                `json:"attempts,omitempty"`
	DecidedAt     time.Time          `json:"decidedAt"`
	ContentHash   string             `json:"contentHash,omitempty"`
}

// Hash computes the canonical content hash of r, ignoring r.ContentHash.
func Hash(r Receipt) (string, error) {
	r.ContentHash = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("audit: marshal receipt: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize receipt: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether r's stored hash matches its content.
func Verify(r Receipt) bool {
	h, err := Hash(r)
	return err == nil && h == r.ContentHash
}

// Log appends receipts to the durable store.
type Log struct {
	db       kv.Store
	codec    codec.Codec
	capacity int
	clock    func() time.Time
}

// NewLog creates a decision log over db. A nil codec selects JSON.
func NewLog(db kv.Store, c codec.Codec) *Log {
	if c == nil {
		c = codec.JSON{}
	}
	return &Log{db: db, codec: c, capacity: DefaultCapacity, clock: time.Now}
}

// WithCapacity overrides how many receipts are kept.
func (l *Log) WithCapacity(n int) *Log {
	l.capacity = n
	return l
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Record appends a receipt for res and returns it.
func (l *Log) Record(ctx context.Context, kind contracts.AuthKind, origin contracts.Origin, res contracts.AuthResult, attempts int) (Receipt, error) {
	r := Receipt{
		ID:            uuid.New().String(),
		CorrelationID: res.CorrelationID,
		Kind:          kind,
		Origin:        origin,
		Granted:       res.Granted,
		Reason:        res.Reason,
		Attempts:      attempts,
		DecidedAt:     l.clock().UTC(),
	}
	h, err := Hash(r)
	if err != nil {
		return Receipt{}, err
	}
	r.ContentHash = h

	err = l.db.Update(ctx, Key, func(cur []byte, exists bool) ([]byte, error) {
		var receipts []Receipt
		if exists && len(cur) > 0 {
			if err := l.codec.Unmarshal(cur, &receipts); err != nil {
				return nil, fmt.Errorf("%w: decode %s: %v", contracts.ErrStorageCorrupt, Key, err)
			}
		}
		receipts = append(receipts, r)
		if l.capacity > 0 && len(receipts) > l.capacity {
			receipts = receipts[len(receipts)-l.capacity:]
		}
		return l.codec.Marshal(receipts)
	})
	if err != nil {
		return Receipt{}, err
	}
	return r, nil
}

// List returns the stored receipts, oldest first. An empty origin returns
// every receipt.
func (l *Log) List(ctx context.Context, origin contracts.Origin) ([]Receipt, error) {
	raw, err := l.db.Get(ctx, Key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", Key, err)
	}
	var receipts []Receipt
	if err := l.codec.Unmarshal(raw, &receipts); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", contracts.ErrStorageCorrupt, Key, err)
	}
	if origin == "" {
		return receipts, nil
	}
	out := receipts[:0]
	for _, r := range receipts {
		if r.Origin == origin {
			out = append(out, r)
		}
	}
	return out, nil
}

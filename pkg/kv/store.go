// Package kv is the durable key/value layer under the permission store and
// the allowance ledger.
//
// Every backend provides atomic read-modify-write for a single key through
// Update. There is no locking across calls; callers that need ordering across
// several calls (the broker) serialize themselves.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been written or was
// deleted.
var ErrNotFound = errors.New("kv: key not found")

// UpdateFunc receives the current value (nil, false when absent) and returns
// the value to store. Returning an error aborts the update and nothing is
// written. It must not call back into the store.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Store is the durable store contract.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Close() error
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

package permissions

import (
	"context"
	"errors"
	"fmt"

	"github.com/airyland/ArConnect/pkg/codec"
	"github.com/airyland/ArConnect/pkg/contracts"
	"github.com/airyland/ArConnect/pkg/kv"
)

// CollectionKey is the durable-store key holding every grant.
const CollectionKey = "permissions"

// Grant is the persisted record for one origin.
type Grant struct {
	URL         contracts.Origin `json:"url"`
	Permissions []Type           `json:"permissions"`
}

// Store keeps per-origin grant sets. Grants only ever grow until the origin
// is revoked.
type Store struct {
	db    kv.Store
	codec codec.Codec
}

// NewStore creates a grant store over db. A nil codec selects JSON.
func NewStore(db kv.Store, c codec.Codec) *Store {
	if c == nil {
		c = codec.JSON{}
	}
	return &Store{db: db, codec: c}
}

// Install seeds an empty collection if none exists yet.
func (s *Store) Install(ctx context.Context) error {
	return s.db.Update(ctx, CollectionKey, func(cur []byte, exists bool) ([]byte, error) {
		if exists {
			return cur, nil
		}
		return s.codec.Marshal([]Grant{})
	})
}

func (s *Store) decode(raw []byte, exists bool) ([]Grant, error) {
	if !exists || len(raw) == 0 {
		return nil, nil
	}
	var grants []Grant
	if err := s.codec.Unmarshal(raw, &grants); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", contracts.ErrStorageCorrupt, CollectionKey, err)
	}
	return grants, nil
}

func (s *Store) load(ctx context.Context) ([]Grant, error) {
	raw, err := s.db.Get(ctx, CollectionKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", CollectionKey, err)
	}
	return s.decode(raw, true)
}

// Get returns the capabilities granted to origin. An origin with no record
// has the empty set.
func (s *Store) Get(ctx context.Context, origin contracts.Origin) (Set, error) {
	if err := origin.Validate(); err != nil {
		return nil, err
	}
	grants, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		if g.URL == origin {
			return NewSet(g.Permissions...), nil
		}
	}
	return Set{}, nil
}

// HasAll reports whether origin holds every required capability.
func (s *Store) HasAll(ctx context.Context, origin contracts.Origin, required []Type) (bool, error) {
	set, err := s.Get(ctx, origin)
	if err != nil {
		return false, err
	}
	return set.HasAll(required), nil
}

// Grant unions additional into origin's set, creating the record if needed.
// Granting an already-held capability changes nothing.
func (s *Store) Grant(ctx context.Context, origin contracts.Origin, additional []Type) error {
	if err := origin.Validate(); err != nil {
		return err
	}
	if err := Validate(additional); err != nil {
		return err
	}
	return s.db.Update(ctx, CollectionKey, func(cur []byte, exists bool) ([]byte, error) {
		grants, err := s.decode(cur, exists)
		if err != nil {
			return nil, err
		}

		idx := -1
		for i := range grants {
			if grants[i].URL == origin {
				idx = i
				break
			}
		}
		if idx < 0 {
			grants = append(grants, Grant{URL: origin})
			idx = len(grants) - 1
		}

		held := NewSet(grants[idx].Permissions...)
		for _, t := range held.Missing(additional) {
			grants[idx].Permissions = append(grants[idx].Permissions, t)
		}
		return s.codec.Marshal(grants)
	})
}

// Revoke removes origin's record entirely.
func (s *Store) Revoke(ctx context.Context, origin contracts.Origin) error {
	if err := origin.Validate(); err != nil {
		return err
	}
	return s.db.Update(ctx, CollectionKey, func(cur []byte, exists bool) ([]byte, error) {
		grants, err := s.decode(cur, exists)
		if err != nil {
			return nil, err
		}
		kept := make([]Grant, 0, len(grants))
		for _, g := range grants {
			if g.URL != origin {
				kept = append(kept, g)
			}
		}
		return s.codec.Marshal(kept)
	})
}

// List returns every stored grant.
func (s *Store) List(ctx context.Context) ([]Grant, error) {
	return s.load(ctx)
}

package router

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/airyland/ArConnect/pkg/contracts"
)

// DefaultChunkSize is the largest serialized envelope sent as one message.
const DefaultChunkSize = 64 * 1024

// Chunk splits env into ordered fragments of at most size bytes of
// serialized payload each. An envelope that fits is returned unchanged.
func Chunk(env contracts.Envelope, size int) ([]contracts.Envelope, error) {
	if size <= 0 {
		return nil, fmt.Errorf("router: chunk size must be positive, got %d", size)
	}
	if env.CallID == "" {
		return nil, contracts.ErrMissingCallID
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("router: encode envelope: %w", err)
	}
	if len(data) <= size {
		return []contracts.Envelope{env}, nil
	}

	total := (len(data) + size - 1) / size
	out := make([]contracts.Envelope, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, contracts.Envelope{
			Ext:    env.Ext,
			CallID: env.CallID,
			Type:   contracts.MessageChunk,
			Origin: env.Origin,
			Chunk: &contracts.Chunk{
				Index: i,
				Total: total,
				Data:  data[i*size : end],
			},
		})
	}
	return out, nil
}

type partial struct {
	total    int
	received int
	parts    [][]byte
}

// Reassembler collects chunk fragments per call id and yields the original
// envelope once every fragment has arrived.
type Reassembler struct {
	mu       sync.Mutex
	partials map[string]*partial
	max      int
}

// NewReassembler bounds the number of calls that may be partially received
// at once. max <= 0 means unbounded.
func NewReassembler(max int) *Reassembler {
	return &Reassembler{partials: make(map[string]*partial), max: max}
}

// Add records one fragment. It returns the reassembled envelope when the
// fragment completed its call, and nil otherwise.
func (r *Reassembler) Add(env contracts.Envelope) (*contracts.Envelope, error) {
	c := env.Chunk
	if env.CallID == "" {
		return nil, contracts.ErrMissingCallID
	}
	if c == nil || c.Total <= 0 || c.Index < 0 || c.Index >= c.Total {
		return nil, fmt.Errorf("%w: malformed chunk for call %s", contracts.ErrInvalidAuthCall, env.CallID)
	}

	r.mu.Lock()
	p, ok := r.partials[env.CallID]
	if !ok {
		if r.max > 0 && len(r.partials) >= r.max {
			r.mu.Unlock()
			return nil, fmt.Errorf("router: too many partial calls (%d)", r.max)
		}
		p = &partial{total: c.Total, parts: make([][]byte, c.Total)}
		r.partials[env.CallID] = p
	}
	if p.total != c.Total {
		delete(r.partials, env.CallID)
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: chunk total changed for call %s", contracts.ErrInvalidAuthCall, env.CallID)
	}
	if p.parts[c.Index] == nil {
		p.received++
	}
	p.parts[c.Index] = append([]byte{}, c.Data...)
	if p.received < p.total {
		r.mu.Unlock()
		return nil, nil
	}
	delete(r.partials, env.CallID)
	r.mu.Unlock()

	size := 0
	for _, part := range p.parts {
		size += len(part)
	}
	buf := make([]byte, 0, size)
	for _, part := range p.parts {
		buf = append(buf, part...)
	}

	var full contracts.Envelope
	if err := json.Unmarshal(buf, &full); err != nil {
		return nil, fmt.Errorf("%w: reassembled call %s: %v", contracts.ErrInvalidAuthCall, env.CallID, err)
	}
	if full.CallID != env.CallID {
		return nil, fmt.Errorf("%w: reassembled call id %q does not match %q", contracts.ErrInvalidAuthCall, full.CallID, env.CallID)
	}
	return &full, nil
}

// Drop forgets any partial state for callID.
func (r *Reassembler) Drop(callID string) {
	r.mu.Lock()
	delete(r.partials, callID)
	r.mu.Unlock()
}

// Pending returns the number of partially received calls.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partials)
}

// Package router carries envelopes between the page, background and popup
// contexts.
//
// Inbound traffic is filtered by the extension tag, must carry a call id and
// must use a known message type. Requests are dispatched to handlers by type;
// results are matched to the outstanding call with the same id, at most once,
// and only when they arrive from the context the call was sent to.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/airyland/ArConnect/pkg/contracts"
)

// ErrNoLink is returned when sending to a context that has no attached link.
var ErrNoLink = errors.New("router: no link attached for target")

// Per-link origin lanes.
const (
	DefaultMaxLanes  = 256
	DefaultLaneDepth = 64
	DefaultLaneIdle  = 30 * time.Second
)

// Handler serves one request envelope and returns its result envelope.
type Handler interface {
	ServeEnvelope(ctx context.Context, env contracts.Envelope) (contracts.Envelope, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env contracts.Envelope) (contracts.Envelope, error)

func (f HandlerFunc) ServeEnvelope(ctx context.Context, env contracts.Envelope) (contracts.Envelope, error) {
	return f(ctx, env)
}

type outcome struct {
	env contracts.Envelope
	err error
}

// Call is an outstanding request waiting for its result.
type Call struct {
	id     string
	from   contracts.Target
	router *Router
	done   chan outcome
}

// ID returns the call id.
func (c *Call) ID() string { return c.id }

// Wait blocks until the result arrives, the call is aborted or ctx ends.
func (c *Call) Wait(ctx context.Context) (contracts.Envelope, error) {
	select {
	case o := <-c.done:
		return o.env, o.err
	case <-ctx.Done():
		c.router.forget(c)
		return contracts.Envelope{}, ctx.Err()
	}
}

// Cancel forgets the call without waiting.
func (c *Call) Cancel() { c.router.forget(c) }

// Router routes envelopes for one extension tag.
type Router struct {
	tag       string
	chunkSize int
	logger    *slog.Logger

	mu       sync.Mutex
	handlers map[contracts.MessageType]Handler
	links    map[contracts.Target]chan<- contracts.Envelope
	pending  map[string]*Call
	lanes    int

	maxLanes  int
	laneDepth int
	laneIdle  time.Duration

	reassembler *Reassembler
}

// Option configures a Router.
type Option func(*Router)

// WithChunkSize sets the largest serialized envelope sent unchunked.
func WithChunkSize(n int) Option {
	return func(r *Router) { r.chunkSize = n }
}

// WithLanes bounds the per-origin request queues of each served link: at
// most max origins queued at once, depth envelopes each.
func WithLanes(max, depth int) Option {
	return func(r *Router) {
		r.maxLanes = max
		r.laneDepth = depth
	}
}

// WithLaneIdle sets how long an empty origin queue survives.
func WithLaneIdle(d time.Duration) Option {
	return func(r *Router) { r.laneIdle = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a router that only accepts envelopes tagged with tag.
func New(tag string, opts ...Option) *Router {
	r := &Router{
		tag:         tag,
		chunkSize:   DefaultChunkSize,
		logger:      slog.Default(),
		handlers:    make(map[contracts.MessageType]Handler),
		links:       make(map[contracts.Target]chan<- contracts.Envelope),
		pending:     make(map[string]*Call),
		maxLanes:    DefaultMaxLanes,
		laneDepth:   DefaultLaneDepth,
		laneIdle:    DefaultLaneIdle,
		reassembler: NewReassembler(1024),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// Tag returns the extension tag.
func (r *Router) Tag() string { return r.tag }

// Handle registers h for request type t. Result and chunk types cannot be
// handled.
func (r *Router) Handle(t contracts.MessageType, h Handler) {
	if !t.Known() || t.IsResult() || t == contracts.MessageChunk {
		panic(fmt.Sprintf("router: cannot register handler for %q", t))
	}
	r.mu.Lock()
	r.handlers[t] = h
	r.mu.Unlock()
}

// Attach makes out the destination for envelopes sent to target.
func (r *Router) Attach(target contracts.Target, out chan<- contracts.Envelope) {
	r.mu.Lock()
	r.links[target] = out
	r.mu.Unlock()
}

// Detach removes the link for target if it is still out.
func (r *Router) Detach(target contracts.Target, out chan<- contracts.Envelope) {
	r.mu.Lock()
	if r.links[target] == out {
		delete(r.links, target)
	}
	r.mu.Unlock()
}

// Expect registers interest in the result for callID coming from the
// context from. It must be called before the request can possibly be
// answered. Results for callID arriving from any other context are dropped.
func (r *Router) Expect(callID string, from contracts.Target) (*Call, error) {
	if callID == "" {
		return nil, contracts.ErrMissingCallID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.pending[callID]; dup {
		return nil, fmt.Errorf("router: call %s already outstanding", callID)
	}
	c := &Call{id: callID, from: from, router: r, done: make(chan outcome, 1)}
	r.pending[callID] = c
	return c, nil
}

func (r *Router) forget(c *Call) {
	r.mu.Lock()
	if r.pending[c.id] == c {
		delete(r.pending, c.id)
	}
	r.mu.Unlock()
}

// resolve delivers o to the call waiting on callID. Later deliveries for the
// same id find nothing and are dropped, as are deliveries from a context
// other than the one the call expects; those leave the call waiting.
func (r *Router) resolve(callID string, from contracts.Target, o outcome) bool {
	r.mu.Lock()
	c, ok := r.pending[callID]
	if ok && from != "" && c.from != from {
		r.mu.Unlock()
		r.logger.Warn("dropping result from unexpected context", "call_id", callID, "from", from, "want", c.from)
		return false
	}
	if ok {
		delete(r.pending, callID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	c.done <- o
	return true
}

// Abort fails the outstanding call with err.
func (r *Router) Abort(callID string, err error) bool {
	return r.resolve(callID, "", outcome{err: err})
}

// Outstanding returns how many calls are waiting for results.
func (r *Router) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Post delivers env to target without waiting for a result.
func (r *Router) Post(ctx context.Context, target contracts.Target, env contracts.Envelope) error {
	if env.CallID == "" {
		return contracts.ErrMissingCallID
	}
	if env.Ext == "" {
		env.Ext = r.tag
	}
	r.mu.Lock()
	out, ok := r.links[target]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoLink, target)
	}

	frames, err := Chunk(env, r.chunkSize)
	if err != nil {
		return err
	}
	for _, f := range frames {
		select {
		case out <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Send delivers env to target and waits for the result with the same call
// id.
func (r *Router) Send(ctx context.Context, target contracts.Target, env contracts.Envelope) (contracts.Envelope, error) {
	call, err := r.Expect(env.CallID, target)
	if err != nil {
		return contracts.Envelope{}, err
	}
	if err := r.Post(ctx, target, env); err != nil {
		call.Cancel()
		return contracts.Envelope{}, err
	}
	return call.Wait(ctx)
}

// admit applies the inbound filters and reassembles chunks. It returns the
// envelope to dispatch, or nil when there is nothing to dispatch yet.
func (r *Router) admit(env contracts.Envelope) (*contracts.Envelope, error) {
	if env.Ext != r.tag {
		r.logger.Debug("dropping envelope with foreign tag", "ext", env.Ext)
		return nil, nil
	}
	if env.CallID == "" {
		r.logger.Warn("dropping envelope without call id", "type", env.Type)
		return nil, contracts.ErrMissingCallID
	}
	if !env.Type.Known() {
		return nil, fmt.Errorf("%w: unknown message type %q", contracts.ErrInvalidAuthCall, env.Type)
	}
	if env.Type != contracts.MessageChunk {
		return &env, nil
	}

	full, err := r.reassembler.Add(env)
	if err != nil || full == nil {
		return nil, err
	}
	if full.Ext != r.tag || !full.Type.Known() || full.Type == contracts.MessageChunk {
		return nil, fmt.Errorf("%w: bad reassembled envelope for call %s", contracts.ErrInvalidAuthCall, env.CallID)
	}
	return full, nil
}

// dispatch resolves a result arriving from the context from, or runs the
// handler for a request.
func (r *Router) dispatch(ctx context.Context, from contracts.Target, env contracts.Envelope) (*contracts.Envelope, error) {
	if env.Type.IsResult() {
		if !from.Valid() {
			return nil, fmt.Errorf("%w: result from unknown context %q", contracts.ErrInvalidAuthCall, from)
		}
		if !r.resolve(env.CallID, from, outcome{env: env}) {
			r.logger.Debug("dropping result for unknown call", "call_id", env.CallID, "type", env.Type)
		}
		return nil, nil
	}

	r.mu.Lock()
	h, ok := r.handlers[env.Type]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %q", contracts.ErrInvalidAuthCall, env.Type)
	}

	reply, err := h.ServeEnvelope(ctx, env)
	if err != nil {
		reply = env.Reply(false, err.Error())
		reply.Code = contracts.Code(err)
	}
	reply.Ext = r.tag
	reply.CallID = env.CallID
	if reply.Type == "" {
		reply.Type = env.Type.Result()
	}
	return &reply, nil
}

// Receive processes one envelope arriving from the context from and returns
// the reply to send back, if any. Envelopes from other extensions yield
// (nil, nil).
func (r *Router) Receive(ctx context.Context, from contracts.Target, env contracts.Envelope) (*contracts.Envelope, error) {
	admitted, err := r.admit(env)
	if err != nil || admitted == nil {
		return nil, err
	}
	return r.dispatch(ctx, from, *admitted)
}

// Lanes returns how many origin queues are live across all served links.
func (r *Router) Lanes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lanes
}

func (r *Router) addLanes(n int) {
	r.mu.Lock()
	r.lanes += n
	r.mu.Unlock()
}

// reject answers a request that could not be queued. The reply is dropped
// when the link is not ready to take it.
func (r *Router) reject(target contracts.Target, out chan<- contracts.Envelope, env contracts.Envelope, msg string) {
	reply := env.Reply(false, msg)
	reply.Ext = r.tag
	reply.CallID = env.CallID
	reply.Type = env.Type.Result()
	reply.Code = contracts.Code(contracts.ErrRateLimited)
	select {
	case out <- reply:
	default:
		r.logger.Warn("dropping rejection, link busy", "target", target, "call_id", env.CallID)
	}
}

// Serve pumps one link until ctx ends or the link's In channel is closed.
// Requests from the same origin are handled one after another in arrival
// order; different origins are handled concurrently. Results are resolved
// inline so a waiting call is never stuck behind a slow request.
//
// Each origin gets a bounded queue. A request that finds its queue full, or
// no room for a new queue, is answered with a rate_limited result instead of
// stalling the link. Queues left empty for the idle period are reaped.
func (r *Router) Serve(ctx context.Context, target contracts.Target, link Link) error {
	r.Attach(target, link.Out)
	defer r.Detach(target, link.Out)

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lmu sync.Mutex
	lanes := make(map[contracts.Origin]chan contracts.Envelope)
	defer func() {
		lmu.Lock()
		for origin, q := range lanes {
			close(q)
			delete(lanes, origin)
			r.addLanes(-1)
		}
		lmu.Unlock()
	}()

	handle := func(env contracts.Envelope) {
		reply, err := r.dispatch(ctx, target, env)
		if err != nil {
			r.logger.Warn("inbound envelope rejected", "target", target, "call_id", env.CallID, "error", err)
		}
		if reply == nil {
			return
		}
		if err := r.Post(ctx, target, *reply); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("failed to deliver reply", "target", target, "call_id", reply.CallID, "error", err)
		}
	}

	work := func(origin contracts.Origin, q chan contracts.Envelope) {
		defer wg.Done()
		idle := time.NewTimer(r.laneIdle)
		defer idle.Stop()
		for {
			select {
			case e, ok := <-q:
				if !ok {
					return
				}
				handle(e)
				idle.Reset(r.laneIdle)
			case <-idle.C:
				lmu.Lock()
				if len(q) == 0 && lanes[origin] == q {
					delete(lanes, origin)
					r.addLanes(-1)
					lmu.Unlock()
					return
				}
				lmu.Unlock()
				idle.Reset(r.laneIdle)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-link.In:
			if !ok {
				return nil
			}
			env, err := r.admit(raw)
			if err != nil {
				r.logger.Warn("inbound envelope rejected", "target", target, "call_id", raw.CallID, "error", err)
				continue
			}
			if env == nil {
				continue
			}
			if env.Type.IsResult() {
				handle(*env)
				continue
			}

			lmu.Lock()
			q, ok := lanes[env.Origin]
			if !ok && len(lanes) >= r.maxLanes {
				lmu.Unlock()
				r.reject(target, link.Out, *env, "too many origins in flight")
				continue
			}
			if !ok {
				q = make(chan contracts.Envelope, r.laneDepth)
				lanes[env.Origin] = q
				r.addLanes(1)
				wg.Add(1)
				go work(env.Origin, q)
			}
			queued := true
			select {
			case q <- *env:
			default:
				queued = false
			}
			lmu.Unlock()
			if !queued {
				r.reject(target, link.Out, *env, "too many requests for origin")
			}
		}
	}
}

// Marshal is the wire encoding of an envelope.
func Marshal(env contracts.Envelope) ([]byte, error) { return json.Marshal(env) }

// Unmarshal decodes an envelope from the wire.
func Unmarshal(data []byte) (contracts.Envelope, error) {
	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", contracts.ErrInvalidAuthCall, err)
	}
	return env, nil
}

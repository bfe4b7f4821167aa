package bridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/airyland/ArConnect/pkg/contracts"
	"github.com/airyland/ArConnect/pkg/router"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 8 << 20
	linkBuffer   = 64
)

// wsConn serializes writes to one websocket.
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) write(ctx context.Context, f frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

// handleSocket attaches one remote context as the router link for target.
// Only one connection per target is accepted at a time.
func (s *Server) handleSocket(target contracts.Target) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := &wsConn{}
		s.mu.Lock()
		if s.conns[target] != nil {
			s.mu.Unlock()
			WriteConflict(w, r, string(target)+" context already connected")
			return
		}
		s.conns[target] = c
		s.mu.Unlock()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "target", target, "error", err)
			s.unregister(target, c)
			return
		}
		s.mu.Lock()
		c.conn = conn
		s.mu.Unlock()
		s.logger.Info("context connected", "target", target, "remote", r.RemoteAddr)

		s.serveConn(r.Context(), target, c)

		s.unregister(target, c)
		_ = conn.Close()
		if target == contracts.TargetPopup {
			s.closeSurface("popup host disconnected")
		}
		s.logger.Info("context disconnected", "target", target)
	}
}

func (s *Server) unregister(target contracts.Target, c *wsConn) {
	s.mu.Lock()
	if s.conns[target] == c {
		delete(s.conns, target)
	}
	s.mu.Unlock()
}

func (s *Server) closeSurface(why string) {
	if s.closer == nil {
		return
	}
	if id, ok := s.closer.CloseCurrent(); ok {
		s.logger.Info("consent surface closed", "correlation_id", id, "cause", why)
	}
}

// serveConn pumps frames between the socket and the router until either
// side ends.
func (s *Server) serveConn(ctx context.Context, target contracts.Target, c *wsConn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	routerSide, sockSide := router.Pipe(linkBuffer)
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := s.router.Serve(ctx, target, routerSide); err != nil && ctx.Err() == nil {
			s.logger.Warn("link stopped", "target", target, "error", err)
		}
	}()
	defer func() { <-served }()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-sockSide.In:
				if err := c.write(ctx, frame{Envelope: env}); err != nil {
					s.logger.Warn("write to context failed", "target", target, "call_id", env.CallID, "error", err)
					cancel()
					_ = c.conn.Close()
					return
				}
			}
		}
	}()

	// Claimed origins are chosen by the sender, so the link as a whole
	// also has a budget.
	linkLimit := rate.NewLimiter(s.linkRate, s.linkBurst)

	c.conn.SetReadLimit(maxFrameSize)
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("read from context failed", "target", target, "error", err)
			}
			return
		}
		if f.control() {
			if target == contracts.TargetPopup && f.Closed {
				s.closeSurface("popup closed by user")
			}
			continue
		}

		env := f.Envelope
		if env.Type.Known() && !env.Type.IsResult() && env.Type != contracts.MessageChunk &&
			(!linkLimit.Allow() || !s.limiter.Allow(string(env.Origin))) {
			reply := env.Reply(false, "rate limit exceeded")
			reply.Code = contracts.Code(contracts.ErrRateLimited)
			if err := c.write(ctx, frame{Envelope: reply}); err != nil {
				return
			}
			continue
		}

		select {
		case sockSide.Out <- env:
		case <-ctx.Done():
			return
		}
	}
}

package consent_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airyland/ArConnect/pkg/consent"
	"github.com/airyland/ArConnect/pkg/contracts"
)

// scriptedSurface hands each opened request to the test and waits for the
// test's answer.
type scriptedSurface struct {
	mu      sync.Mutex
	open    int
	maxOpen int
	opened  chan contracts.AuthRequest
	answers chan answer
}

type answer struct {
	res contracts.AuthResult
	err error
}

func newScriptedSurface() *scriptedSurface {
	return &scriptedSurface{
		opened:  make(chan contracts.AuthRequest, 16),
		answers: make(chan answer),
	}
}

func (s *scriptedSurface) Open(ctx context.Context, req contracts.AuthRequest) (contracts.AuthResult, error) {
	s.mu.Lock()
	s.open++
	if s.open > s.maxOpen {
		s.maxOpen = s.open
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.open--
		s.mu.Unlock()
	}()

	s.opened <- req
	select {
	case a := <-s.answers:
		return a.res, a.err
	case <-ctx.Done():
		return contracts.AuthResult{}, ctx.Err()
	}
}

func connectReq(origin contracts.Origin) contracts.AuthRequest {
	return contracts.AuthRequest{
		Kind:    contracts.AuthKindConnect,
		Origin:  origin,
		Payload: contracts.Payload{Permissions: []string{"ACCESS_ADDRESS"}},
	}
}

func TestGate_GrantAndDeny(t *testing.T) {
	s := newScriptedSurface()
	g := consent.NewGate(s)
	ctx := context.Background()

	go func() {
		req := <-s.opened
		assert.Equal(t, contracts.AuthStateAwaitingConsent, req.State)
		assert.NotEmpty(t, req.CorrelationID)
		s.answers <- answer{res: contracts.AuthResult{Granted: true}}
	}()
	res, err := g.Request(ctx, connectReq("https://a.example"))
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, contracts.ReasonGranted, res.Reason)
	assert.NotEmpty(t, res.CorrelationID)

	go func() {
		<-s.opened
		s.answers <- answer{err: contracts.ErrSurfaceClosed}
	}()
	res, err = g.Request(ctx, connectReq("https://a.example"))
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, contracts.ReasonUserCancelled, res.Reason)
}

func TestGate_OneSurfaceAtATimeInArrivalOrder(t *testing.T) {
	s := newScriptedSurface()
	g := consent.NewGate(s)
	ctx := context.Background()

	origins := []contracts.Origin{"https://1.example", "https://2.example", "https://3.example"}
	var wg sync.WaitGroup
	for i, o := range origins {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Request(ctx, connectReq(o))
			assert.NoError(t, err)
		}()
		if i == 0 {
			<-s.opened
		} else {
			require.Eventually(t, func() bool { return g.Waiting() == i }, time.Second, time.Millisecond)
		}
	}
	assert.Len(t, g.Pending(), 3)

	s.answers <- answer{res: contracts.AuthResult{Granted: true}}
	second := <-s.opened
	assert.Equal(t, origins[1], second.Origin)
	s.answers <- answer{res: contracts.AuthResult{Granted: true}}
	third := <-s.opened
	assert.Equal(t, origins[2], third.Origin)
	s.answers <- answer{res: contracts.AuthResult{Granted: true}}

	wg.Wait()
	assert.Equal(t, 1, s.maxOpen)
	assert.Empty(t, g.Pending())
}

func TestGate_CancelledWaiterLeavesQueue(t *testing.T) {
	s := newScriptedSurface()
	g := consent.NewGate(s)
	bg := context.Background()

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = g.Request(bg, connectReq("https://1.example"))
	}()
	<-s.opened

	ctx, cancel := context.WithCancel(bg)
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Request(ctx, connectReq("https://2.example"))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)

	thirdDone := make(chan contracts.AuthResult, 1)
	go func() {
		res, err := g.Request(bg, connectReq("https://3.example"))
		assert.NoError(t, err)
		thirdDone <- res
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	s.answers <- answer{res: contracts.AuthResult{Granted: true}}
	<-firstDone

	next := <-s.opened
	assert.Equal(t, contracts.Origin("https://3.example"), next.Origin)
	s.answers <- answer{res: contracts.AuthResult{Granted: false}}
	res := <-thirdDone
	assert.False(t, res.Granted)
	assert.Equal(t, contracts.ReasonUserCancelled, res.Reason)
}

func TestGate_Timeout(t *testing.T) {
	s := newScriptedSurface()
	g := consent.NewGate(s, consent.WithTimeout(30*time.Millisecond))

	go func() { <-s.opened }()
	res, err := g.Request(context.Background(), connectReq("https://a.example"))
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, contracts.ReasonConsentTimeout, res.Reason)
}

func TestGate_NoTimeoutByDefault(t *testing.T) {
	s := newScriptedSurface()
	g := consent.NewGate(s)

	go func() {
		<-s.opened
		time.Sleep(50 * time.Millisecond)
		s.answers <- answer{res: contracts.AuthResult{Granted: true}}
	}()
	res, err := g.Request(context.Background(), connectReq("https://a.example"))
	require.NoError(t, err)
	assert.True(t, res.Granted)
}

func TestGate_CloseCurrentCancelsOnlyOpenRequest(t *testing.T) {
	s := newScriptedSurface()
	g := consent.NewGate(s)
	ctx := context.Background()

	_, open := g.CloseCurrent()
	assert.False(t, open)

	results := make(chan contracts.AuthResult, 2)
	go func() {
		res, _ := g.Request(ctx, connectReq("https://1.example"))
		results <- res
	}()
	first := <-s.opened

	go func() {
		res, _ := g.Request(ctx, connectReq("https://2.example"))
		results <- res
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)

	id, open := g.CloseCurrent()
	assert.True(t, open)
	assert.Equal(t, first.CorrelationID, id)

	res := <-results
	assert.Equal(t, first.CorrelationID, res.CorrelationID)
	assert.Equal(t, contracts.ReasonUserCancelled, res.Reason)

	<-s.opened
	s.answers <- answer{res: contracts.AuthResult{Granted: true}}
	res = <-results
	assert.True(t, res.Granted)
}

func TestGate_CallerContextEnds(t *testing.T) {
	s := newScriptedSurface()
	g := consent.NewGate(s)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-s.opened
		cancel()
	}()
	_, err := g.Request(ctx, connectReq("https://a.example"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGate_SurfaceFailure(t *testing.T) {
	boom := errors.New("window manager gone")
	g := consent.NewGate(consent.SurfaceFunc(func(ctx context.Context, req contracts.AuthRequest) (contracts.AuthResult, error) {
		return contracts.AuthResult{}, boom
	}))
	_, err := g.Request(context.Background(), connectReq("https://a.example"))
	assert.ErrorIs(t, err, boom)
}

func TestGate_RejectsMalformedRequests(t *testing.T) {
	g := consent.NewGate(consent.SurfaceFunc(func(ctx context.Context, req contracts.AuthRequest) (contracts.AuthResult, error) {
		t.Fatal("surface must not open")
		return contracts.AuthResult{}, nil
	}))
	_, err := g.Request(context.Background(), contracts.AuthRequest{Kind: "teleport", Origin: "https://a.example"})
	assert.ErrorIs(t, err, contracts.ErrInvalidAuthCall)
	_, err = g.Request(context.Background(), contracts.AuthRequest{Kind: contracts.AuthKindConnect})
	assert.ErrorIs(t, err, contracts.ErrInvalidAuthCall)
}

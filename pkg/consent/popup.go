package consent

import (
	"context"
	"fmt"

	"github.com/airyland/ArConnect/pkg/contracts"
	"github.com/airyland/ArConnect/pkg/router"
)

// Launcher opens the popup at url.
type Launcher interface {
	Launch(ctx context.Context, url string) error
}

// LaunchFunc adapts a function to Launcher.
type LaunchFunc func(ctx context.Context, url string) error

func (f LaunchFunc) Launch(ctx context.Context, url string) error { return f(ctx, url) }

// PopupSurface shows requests in a popup window. The popup receives the
// request in its URL and answers with a "<type>_result" envelope whose call
// id is the request's correlation id. Only answers arriving on the popup
// link count.
type PopupSurface struct {
	router   *router.Router
	launcher Launcher
	baseURL  string
}

// NewPopupSurface creates a popup surface answering through r.
func NewPopupSurface(r *router.Router, launcher Launcher, baseURL string) *PopupSurface {
	return &PopupSurface{router: r, launcher: launcher, baseURL: baseURL}
}

func (p *PopupSurface) Open(ctx context.Context, req contracts.AuthRequest) (contracts.AuthResult, error) {
	call, err := p.router.Expect(req.CorrelationID, contracts.TargetPopup)
	if err != nil {
		return contracts.AuthResult{}, err
	}
	defer call.Cancel()

	target, err := PopupURL(p.baseURL, req)
	if err != nil {
		return contracts.AuthResult{}, err
	}
	if err := p.launcher.Launch(ctx, target); err != nil {
		return contracts.AuthResult{}, fmt.Errorf("launch popup: %w", err)
	}

	env, err := call.Wait(ctx)
	if err != nil {
		return contracts.AuthResult{}, err
	}
	if want := contracts.MessageTypeFor(req.Kind).Result(); env.Type != want {
		return contracts.AuthResult{}, fmt.Errorf("%w: popup answered %q, want %q", contracts.ErrInvalidAuthCall, env.Type, want)
	}
	if env.OK() {
		return contracts.Granted(req.CorrelationID, contracts.ReasonGranted), nil
	}
	reason := env.Code
	if reason == "" {
		reason = contracts.ReasonUserCancelled
	}
	return contracts.Denied(req.CorrelationID, reason), nil
}

package consent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/airyland/ArConnect/pkg/contracts"
	"github.com/airyland/ArConnect/pkg/permissions"
)

// AllowanceEditor applies the allowance change a user makes while a
// spend-limit prompt is open.
type AllowanceEditor interface {
	ResetOrRaise(ctx context.Context, origin contracts.Origin, newLimit *string) error
}

// TerminalSurface asks for consent on a terminal.
type TerminalSurface struct {
	out io.Writer

	mu     sync.Mutex
	editor AllowanceEditor
	lines  chan string

	startOnce sync.Once
	in        io.Reader
}

// NewTerminalSurface reads answers from in and writes prompts to out.
func NewTerminalSurface(in io.Reader, out io.Writer) *TerminalSurface {
	return &TerminalSurface{in: in, out: out, lines: make(chan string)}
}

// SetEditor wires the allowance editor used by spend-limit prompts.
func (t *TerminalSurface) SetEditor(e AllowanceEditor) {
	t.mu.Lock()
	t.editor = e
	t.mu.Unlock()
}

func (t *TerminalSurface) start() {
	t.startOnce.Do(func() {
		go func() {
			defer close(t.lines)
			sc := bufio.NewScanner(t.in)
			for sc.Scan() {
				t.lines <- strings.TrimSpace(sc.Text())
			}
		}()
	})
}

func (t *TerminalSurface) readLine(ctx context.Context) (string, error) {
	t.start()
	select {
	case line, ok := <-t.lines:
		if !ok {
			return "", contracts.ErrSurfaceClosed
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

var (
	title = color.New(color.FgCyan, color.Bold)
	warn  = color.New(color.FgYellow)
	dim   = color.New(color.Faint)
)

func (t *TerminalSurface) Open(ctx context.Context, req contracts.AuthRequest) (contracts.AuthResult, error) {
	switch req.Kind {
	case contracts.AuthKindConnect:
		return t.connect(ctx, req)
	case contracts.AuthKindSpendLimit:
		return t.spendLimit(ctx, req)
	default:
		return contracts.AuthResult{}, fmt.Errorf("%w: unknown kind %q", contracts.ErrInvalidAuthCall, req.Kind)
	}
}

func (t *TerminalSurface) connect(ctx context.Context, req contracts.AuthRequest) (contracts.AuthResult, error) {
	name := string(req.Origin)
	if info := req.Payload.AppInfo; info != nil && info.Normalize().Name != "" {
		name = info.Normalize().Name + " (" + string(req.Origin) + ")"
	}
	title.Fprintf(t.out, "\n%s wants to connect\n", name)
	for _, p := range req.Payload.Permissions {
		desc := permissions.Description(permissions.Type(p))
		fmt.Fprintf(t.out, "  - %s ", p)
		dim.Fprintf(t.out, "%s\n", desc)
	}
	if gw := req.Payload.Gateway; gw != nil {
		warn.Fprintf(t.out, "  gateway: %s://%s:%d\n", gw.Protocol, gw.Host, gw.Port)
	}
	fmt.Fprint(t.out, "Allow? [y/N] ")

	line, err := t.readLine(ctx)
	if err != nil {
		return contracts.AuthResult{}, err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return contracts.Granted(req.CorrelationID, contracts.ReasonGranted), nil
	default:
		return contracts.Denied(req.CorrelationID, contracts.ReasonUserCancelled), nil
	}
}

func (t *TerminalSurface) spendLimit(ctx context.Context, req contracts.AuthRequest) (contracts.AuthResult, error) {
	t.mu.Lock()
	editor := t.editor
	t.mu.Unlock()

	warn.Fprintf(t.out, "\nSpending limit reached for %s", req.Origin)
	if req.Payload.Price > 0 {
		warn.Fprintf(t.out, " (price %d)", req.Payload.Price)
	}
	fmt.Fprintln(t.out)
	fmt.Fprint(t.out, "[r]eset spent, enter a new limit, or [c]ancel: ")

	for {
		line, err := t.readLine(ctx)
		if err != nil {
			return contracts.AuthResult{}, err
		}
		var limit *string
		switch strings.ToLower(line) {
		case "", "c", "cancel", "n", "no":
			return contracts.Denied(req.CorrelationID, contracts.ReasonUserCancelled), nil
		case "r", "reset":
		default:
			v := line
			limit = &v
		}
		if editor == nil {
			return contracts.AuthResult{}, fmt.Errorf("terminal surface has no allowance editor")
		}
		if err := editor.ResetOrRaise(ctx, req.Origin, limit); err != nil {
			warn.Fprintf(t.out, "could not update allowance: %v\n", err)
			fmt.Fprint(t.out, "[r]eset spent, enter a new limit, or [c]ancel: ")
			continue
		}
		return contracts.Granted(req.CorrelationID, contracts.ReasonGranted), nil
	}
}

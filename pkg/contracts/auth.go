// Package contracts defines the types exchanged between the page context, the
// background broker and the consent surface.
//
// Nothing in here holds state: requests, results and envelopes are plain
// values that are serialized across context boundaries.
package contracts

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Origin is the canonical scheme+host of a requesting application.
// Canonicalization happens before a value reaches the broker.
type Origin string

// Validate rejects empty origins.
func (o Origin) Validate() error {
	if strings.TrimSpace(string(o)) == "" {
		return fmt.Errorf("%w: empty origin", ErrInvalidAuthCall)
	}
	return nil
}

func (o Origin) String() string { return string(o) }

// AuthKind selects the broker algorithm for a request.
type AuthKind string

const (
	AuthKindConnect    AuthKind = "connect"
	AuthKindSpendLimit AuthKind = "spend_limit"
)

// Valid reports whether k is a known kind.
func (k AuthKind) Valid() bool {
	switch k {
	case AuthKindConnect, AuthKindSpendLimit:
		return true
	default:
		return false
	}
}

// AuthState tracks the lifecycle of a single consent request.
type AuthState string

const (
	AuthStateCreated         AuthState = "CREATED"
	AuthStateAwaitingConsent AuthState = "AWAITING_CONSENT"
	AuthStateGranted         AuthState = "GRANTED"
	AuthStateDenied          AuthState = "DENIED"
)

// Result reasons.
const (
	ReasonGranted               = "granted"
	ReasonAlreadyConnected      = "already_connected"
	ReasonWithinAllowance       = "within_allowance"
	ReasonUserCancelled         = "user_cancelled"
	ReasonInsufficientAllowance = "insufficient_allowance"
	ReasonConsentTimeout        = "consent_timeout"
)

// AppInfo is the optional metadata an application sends with connect.
type AppInfo struct {
	Name string `json:"name,omitempty"`
	Logo string `json:"logo,omitempty"`
}

// Normalize returns a copy with the display name NFC-normalized and trimmed,
// so lookalike compositions render the same on the consent surface.
func (a AppInfo) Normalize() AppInfo {
	return AppInfo{
		Name: strings.TrimSpace(norm.NFC.String(a.Name)),
		Logo: strings.TrimSpace(a.Logo),
	}
}

// Gateway is the optional network gateway an application asks to use.
type Gateway struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// Payload carries the kind-specific fields of an authorization.
type Payload struct {
	// connect
	Permissions []string `json:"permissions,omitempty"`
	AppInfo     *AppInfo `json:"appInfo,omitempty"`
	Gateway     *Gateway `json:"gateway,omitempty"`

	// spend_limit
	SpendingLimitReached bool  `json:"spendingLimitReached,omitempty"`
	Price                int64 `json:"price,omitempty"` // minor units
}

// AuthRequest is created when the broker decides user consent is needed.
type AuthRequest struct {
	CorrelationID string    `json:"correlationId"`
	Kind          AuthKind  `json:"type"`
	Origin        Origin    `json:"url"`
	Payload       Payload   `json:"payload"`
	State         AuthState `json:"state"`
	Attempt       int       `json:"attempt,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AuthResult is the terminal outcome of an authorization. Never mutated.
type AuthResult struct {
	CorrelationID string `json:"correlationId"`
	Granted       bool   `json:"granted"`
	Reason        string `json:"reason,omitempty"`
}

// Granted builds a successful result.
func Granted(correlationID, reason string) AuthResult {
	return AuthResult{CorrelationID: correlationID, Granted: true, Reason: reason}
}

// Denied builds a denial.
func Denied(correlationID, reason string) AuthResult {
	return AuthResult{CorrelationID: correlationID, Granted: false, Reason: reason}
}

package contracts

import "strings"

// Target names one of the three isolated execution contexts.
type Target string

const (
	TargetBackground Target = "background"
	TargetPopup      Target = "popup"
	TargetContent    Target = "content"
)

// Valid reports whether t is a known context.
func (t Target) Valid() bool {
	switch t {
	case TargetBackground, TargetPopup, TargetContent:
		return true
	default:
		return false
	}
}

// MessageType is the tag of an envelope. Result types are the request type
// with a "_result" suffix.
type MessageType string

const (
	MessageConnect    MessageType = "connect"
	MessageSignAuth   MessageType = "sign_auth"
	MessageDisconnect MessageType = "disconnect"
	MessageChunk      MessageType = "chunk"

	resultSuffix = "_result"
)

// Result returns the response tag for a request tag.
func (t MessageType) Result() MessageType {
	if t.IsResult() {
		return t
	}
	return t + resultSuffix
}

// IsResult reports whether t is a response tag.
func (t MessageType) IsResult() bool {
	return strings.HasSuffix(string(t), resultSuffix)
}

// Base strips the result suffix.
func (t MessageType) Base() MessageType {
	return MessageType(strings.TrimSuffix(string(t), resultSuffix))
}

// Known reports whether the base tag belongs to the closed set.
func (t MessageType) Known() bool {
	switch t.Base() {
	case MessageConnect, MessageSignAuth, MessageDisconnect:
		return true
	case MessageChunk:
		return !t.IsResult()
	default:
		return false
	}
}

// MessageTypeFor maps an authorization kind to its request tag.
func MessageTypeFor(kind AuthKind) MessageType {
	if kind == AuthKindSpendLimit {
		return MessageSignAuth
	}
	return MessageConnect
}

// Envelope is the message exchanged between contexts.
type Envelope struct {
	Ext    string      `json:"ext"`
	CallID string      `json:"callID"`
	Type   MessageType `json:"type"`
	Origin Origin      `json:"origin,omitempty"`

	// connect
	Permissions []string `json:"permissions,omitempty"`
	AppInfo     *AppInfo `json:"appInfo,omitempty"`
	Gateway     *Gateway `json:"gateway,omitempty"`

	// sign_auth
	SpendingLimitReached bool  `json:"spendingLimitReached,omitempty"`
	Price                int64 `json:"price,omitempty"`

	// results
	Res           *bool  `json:"res,omitempty"`
	Message       string `json:"message,omitempty"`
	Code          string `json:"code,omitempty"`
	TransactionID string `json:"transactionID,omitempty"`

	// chunk
	Chunk *Chunk `json:"chunk,omitempty"`
}

// Chunk is one ordered fragment of an oversized envelope.
type Chunk struct {
	Index int    `json:"index"`
	Total int    `json:"total"`
	Data  []byte `json:"data"`
}

// OK reports whether a result envelope carries res=true.
func (e Envelope) OK() bool {
	return e.Res != nil && *e.Res
}

// Reply builds the result envelope for a request.
func (e Envelope) Reply(ok bool, message string) Envelope {
	return Envelope{
		Ext:     e.Ext,
		CallID:  e.CallID,
		Type:    e.Type.Result(),
		Origin:  e.Origin,
		Res:     &ok,
		Message: message,
	}
}

// Payload extracts the authorization payload of a request envelope.
func (e Envelope) Payload() Payload {
	return Payload{
		Permissions:          e.Permissions,
		AppInfo:              e.AppInfo,
		Gateway:              e.Gateway,
		SpendingLimitReached: e.SpendingLimitReached,
		Price:                e.Price,
	}
}

// Package platform defines the boundary to the external account-session
// collaborator. The transport protocol itself lives behind the Client
// interface; everything downstream works on the normalized types here.
package platform

import (
	"context"
	"encoding/json"
	"time"
)

// Message is the single normalized inbound/outbound message shape. Adapters
// at the session-client boundary produce it so downstream logic never
// branches on origin-specific field names.
type Message struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"`
	SenderID  string    `json:"sender_id"`
	Sender    string    `json:"sender,omitempty"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
	ReplyToID int64     `json:"reply_to_id,omitempty"`
}

// TargetRef is a resolved reference to a group, recipient, or contact.
type TargetRef struct {
	ID     string `json:"id"`
	Handle string `json:"handle,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Payload is the content of an outbound send.
type Payload struct {
	Text string `json:"text"`
	// ReplyToID makes the send a threaded response to an inbound message.
	ReplyToID int64 `json:"reply_to_id,omitempty"`
}

// FetchOptions narrows a FetchMessages call.
type FetchOptions struct {
	Limit   int   `json:"limit"`
	SinceID int64 `json:"since_id"`
}

// RawCall carries a platform-specific operation through RawInvoke, e.g.
// setting a per-contact retention timer.
type RawCall struct {
	Method string                 `json:"method"`
	Args   map[string]interface{} `json:"args,omitempty"`
}

// Client is the capability every engine borrows from the session registry
// for the duration of one operation. Implementations are provided by the
// account-session collaborator.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// SendMessage delivers payload to target. A RateLimitedError carries
	// the platform's mandated wait; callers retry the current operation
	// only after honoring it.
	SendMessage(ctx context.Context, target TargetRef, payload Payload) (*Message, error)

	// FetchMessages returns messages from source, newest last, honoring
	// opts.Limit and opts.SinceID.
	FetchMessages(ctx context.Context, source string, opts FetchOptions) ([]Message, error)

	// ResolveTarget resolves a handle, phone number, numeric id, or
	// display name to a concrete target. Returns ErrTargetNotFound when
	// nothing matches.
	ResolveTarget(ctx context.Context, query string) (TargetRef, error)

	// RawInvoke executes a platform-specific call outside the normalized
	// surface.
	RawInvoke(ctx context.Context, call RawCall) (json.RawMessage, error)

	// Self identifies the authenticated account, used to discard the
	// tenant's own messages during monitoring.
	Self() TargetRef
}

// ClientFactory builds a Client from an opaque credential blob. The
// registry owns credentials; engines never see them.
type ClientFactory func(credentials []byte) (Client, error)

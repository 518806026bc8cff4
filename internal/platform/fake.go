package platform

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// FakeClient is an in-memory Client used by tests and by the sniper's
// dry-run prompt check. It records every send and raw call and can be
// scripted with inbound messages and failure injections.
type FakeClient struct {
	mu sync.Mutex

	self      TargetRef
	connected bool

	// Targets resolvable by id, handle, phone or display name.
	Targets []TargetRef

	// Inbox holds scripted messages per source, ascending by ID.
	Inbox map[string][]Message

	// Sent records every successful SendMessage call in order.
	Sent []SentRecord

	// RawCalls records every RawInvoke call.
	RawCalls []RawCall

	// RawResponses overrides the RawInvoke reply per method name.
	RawResponses map[string]json.RawMessage

	// FailTargets maps a target id to the error SendMessage returns for it.
	FailTargets map[string]error

	// RateLimitOnce, when non-zero, makes the next send fail with a
	// RateLimitedError carrying this wait, then clears itself.
	RateLimitOnce time.Duration

	// Expired simulates a revoked session: every call fails.
	Expired bool
}

// SentRecord is one captured outbound send.
type SentRecord struct {
	Target  TargetRef
	Payload Payload
	At      time.Time
}

// NewFakeClient returns a connected fake acting as the given account.
func NewFakeClient(self TargetRef) *FakeClient {
	return &FakeClient{
		self:        self,
		Inbox:       make(map[string][]Message),
		FailTargets: make(map[string]error),
	}
}

func (f *FakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Expired {
		return ErrSessionExpired
	}
	f.connected = true
	return nil
}

func (f *FakeClient) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *FakeClient) SendMessage(ctx context.Context, target TargetRef, payload Payload) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Expired {
		return nil, ErrSessionExpired
	}
	if f.RateLimitOnce > 0 {
		wait := f.RateLimitOnce
		f.RateLimitOnce = 0
		return nil, &RateLimitedError{RetryAfter: wait}
	}
	if err, ok := f.FailTargets[target.ID]; ok {
		return nil, err
	}
	now := time.Now()
	f.Sent = append(f.Sent, SentRecord{Target: target, Payload: payload, At: now})
	return &Message{
		ID:        int64(len(f.Sent)),
		Source:    target.ID,
		SenderID:  f.self.ID,
		Text:      payload.Text,
		SentAt:    now,
		ReplyToID: payload.ReplyToID,
	}, nil
}

func (f *FakeClient) FetchMessages(ctx context.Context, source string, opts FetchOptions) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Expired {
		return nil, ErrSessionExpired
	}
	msgs := f.Inbox[source]
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if opts.SinceID > 0 && m.ID <= opts.SinceID {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

func (f *FakeClient) ResolveTarget(ctx context.Context, query string) (TargetRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Expired {
		return TargetRef{}, ErrSessionExpired
	}
	for _, t := range f.Targets {
		if t.ID == query || t.Handle == query || strings.EqualFold(t.Name, query) {
			return t, nil
		}
	}
	return TargetRef{}, ErrTargetNotFound
}

func (f *FakeClient) RawInvoke(ctx context.Context, call RawCall) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Expired {
		return nil, ErrSessionExpired
	}
	f.RawCalls = append(f.RawCalls, call)
	if resp, ok := f.RawResponses[call.Method]; ok {
		return resp, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *FakeClient) Self() TargetRef {
	return f.self
}

// AddInbound appends a scripted inbound message to a source.
func (f *FakeClient) AddInbound(m Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Inbox[m.Source] = append(f.Inbox[m.Source], m)
}

// SentTo returns the captured sends addressed to the given target id.
func (f *FakeClient) SentTo(targetID string) []SentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SentRecord
	for _, s := range f.Sent {
		if s.Target.ID == targetID {
			out = append(out, s)
		}
	}
	return out
}

// SentCount returns the total number of captured sends.
func (f *FakeClient) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}

package platform

import (
	"context"
	"encoding/json"

	"golang.org/x/time/rate"
)

// PacedClient wraps a Client with a send-side rate limiter so that no
// burst of engine activity can exceed the platform's global request
// budget, independent of the per-target throttle policy.
type PacedClient struct {
	Client
	limiter *rate.Limiter
}

// NewPacedClient wraps c with a limiter allowing one send per interval
// with the given burst. Fetches and resolves are paced at the same rate;
// they count against the same platform budget.
func NewPacedClient(c Client, limiter *rate.Limiter) *PacedClient {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(1), 1)
	}
	return &PacedClient{Client: c, limiter: limiter}
}

func (p *PacedClient) SendMessage(ctx context.Context, target TargetRef, payload Payload) (*Message, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.Client.SendMessage(ctx, target, payload)
}

func (p *PacedClient) FetchMessages(ctx context.Context, source string, opts FetchOptions) ([]Message, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.Client.FetchMessages(ctx, source, opts)
}

func (p *PacedClient) ResolveTarget(ctx context.Context, query string) (TargetRef, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return TargetRef{}, err
	}
	return p.Client.ResolveTarget(ctx, query)
}

func (p *PacedClient) RawInvoke(ctx context.Context, call RawCall) (json.RawMessage, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.Client.RawInvoke(ctx, call)
}

package platform

import (
	"context"
	"encoding/json"
	"fmt"
)

// Recorder receives one line per outbound platform action, for audit.
type Recorder interface {
	Record(tenant, action, target, detail string)
}

// AuditedClient decorates a Client so every successful send and raw call
// lands in the tenant's activity log.
type AuditedClient struct {
	Client
	tenant string
	rec    Recorder
}

// NewAuditedClient wraps client with audit recording for tenant.
func NewAuditedClient(client Client, tenant string, rec Recorder) *AuditedClient {
	return &AuditedClient{Client: client, tenant: tenant, rec: rec}
}

func (a *AuditedClient) SendMessage(ctx context.Context, target TargetRef, payload Payload) (*Message, error) {
	msg, err := a.Client.SendMessage(ctx, target, payload)
	if err == nil && a.rec != nil {
		detail := fmt.Sprintf("chars=%d", len(payload.Text))
		if payload.ReplyToID != 0 {
			detail += fmt.Sprintf(" reply_to=%d", payload.ReplyToID)
		}
		a.rec.Record(a.tenant, "send", target.ID, detail)
	}
	return msg, err
}

func (a *AuditedClient) RawInvoke(ctx context.Context, call RawCall) (json.RawMessage, error) {
	out, err := a.Client.RawInvoke(ctx, call)
	if err == nil && a.rec != nil {
		a.rec.Record(a.tenant, "raw:"+call.Method, "", "")
	}
	return out, err
}

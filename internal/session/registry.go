// Package session owns the per-tenant pool of platform sessions and the
// single active connection per tenant. Engines borrow the active client as
// a capability per operation; they never own it.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/herald/internal/platform"
	"github.com/herald/internal/store"
	"github.com/herald/pkg/models"
)

// record is the durable per-session form: metadata plus the sealed
// credential blob. Connection state is deliberately not persisted.
type record struct {
	Session     models.Session `json:"session"`
	Credentials []byte         `json:"credentials"`
}

type tenantState struct {
	active   string
	sessions map[string]*models.Session
	clients  map[string]platform.Client
}

// Registry implements the session contract: connect, switch, borrow,
// disconnect, delete. One Registry serves all tenants.
type Registry struct {
	mu      sync.Mutex
	tenants map[string]*tenantState

	kv      store.KV
	sealer  *store.Sealer
	factory platform.ClientFactory

	// decorate optionally wraps every built client, e.g. with audit
	// recording. Set before any Connect call.
	decorate func(tenant string, client platform.Client) platform.Client
}

// NewRegistry builds a registry persisting through kv, sealing credential
// blobs with sealer, and building clients with factory.
func NewRegistry(kv store.KV, sealer *store.Sealer, factory platform.ClientFactory) *Registry {
	return &Registry{
		tenants: make(map[string]*tenantState),
		kv:      kv,
		sealer:  sealer,
		factory: factory,
	}
}

// SetDecorator installs a wrapper applied to every client the registry
// builds.
func (r *Registry) SetDecorator(fn func(tenant string, client platform.Client) platform.Client) {
	r.decorate = fn
}

func (r *Registry) build(tenant string, credentials []byte) (platform.Client, error) {
	client, err := r.factory(credentials)
	if err != nil {
		return nil, fmt.Errorf("building platform client: %w", err)
	}
	if r.decorate != nil {
		client = r.decorate(tenant, client)
	}
	return client, nil
}

func (r *Registry) tenant(tenant string) *tenantState {
	ts, ok := r.tenants[tenant]
	if !ok {
		ts = &tenantState{
			sessions: make(map[string]*models.Session),
			clients:  make(map[string]platform.Client),
		}
		r.tenants[tenant] = ts
	}
	return ts
}

// Connect registers a new session for tenant from a credential blob,
// connects it, and makes it the active session. Any previously active
// session is disconnected before the new one connects; the platform
// tolerates at most one live connection per account pool. A failure after
// that point leaves the tenant with no active session, same as a failed
// switch.
func (r *Registry) Connect(ctx context.Context, tenant, label string, credentials []byte) (*models.Session, error) {
	client, err := r.build(tenant, credentials)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	ts := r.tenant(tenant)
	prev := ts.active
	prevClient := ts.clients[prev]
	ts.active = ""
	if prev != "" {
		if s, ok := ts.sessions[prev]; ok {
			s.State = models.StateDisconnected
		}
		delete(ts.clients, prev)
	}
	r.mu.Unlock()

	if prevClient != nil {
		if err := prevClient.Disconnect(ctx); err != nil {
			log.Warn().Err(err).Str("tenant", tenant).Str("session", prev).
				Msg("disconnecting previous active session failed")
		}
	}

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting session: %w", err)
	}

	now := time.Now()
	sess := &models.Session{
		ID:           uuid.NewString(),
		OwnerTenant:  tenant,
		Label:        label,
		State:        models.StateConnected,
		CreatedAt:    now,
		LastActiveAt: &now,
	}

	sealed, err := r.sealer.Seal(credentials)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("sealing credentials: %w", err)
	}
	if err := r.persist(ctx, &record{Session: *sess, Credentials: sealed}); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	r.mu.Lock()
	ts = r.tenant(tenant)
	ts.sessions[sess.ID] = sess
	ts.clients[sess.ID] = client
	ts.active = sess.ID
	r.mu.Unlock()

	_ = r.kv.Put(ctx, store.ActiveSessionKey(tenant), []byte(sess.ID))

	log.Info().Str("tenant", tenant).Str("session", sess.ID).Msg("session connected")
	return sess, nil
}

// SwitchActive makes sessionID the tenant's active session, disconnecting
// the currently active one first so no two sessions are connected at once.
func (r *Registry) SwitchActive(ctx context.Context, tenant, sessionID string) error {
	rec, err := r.load(ctx, tenant, sessionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	ts := r.tenant(tenant)
	if ts.active == sessionID && ts.clients[sessionID] != nil {
		r.mu.Unlock()
		return nil
	}
	prev := ts.active
	prevClient := ts.clients[prev]
	ts.active = ""
	if prev != "" {
		if s, ok := ts.sessions[prev]; ok {
			s.State = models.StateDisconnected
		}
		delete(ts.clients, prev)
	}
	r.mu.Unlock()

	// Disconnect before connect: the platform tolerates at most one live
	// connection per account pool.
	if prevClient != nil {
		if err := prevClient.Disconnect(ctx); err != nil {
			log.Warn().Err(err).Str("tenant", tenant).Str("session", prev).
				Msg("disconnect before switch failed")
		}
	}

	credentials, err := r.sealer.Open(rec.Credentials)
	if err != nil {
		return fmt.Errorf("unsealing credentials: %w", err)
	}
	client, err := r.build(tenant, credentials)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting session %s: %w", sessionID, err)
	}

	now := time.Now()
	r.mu.Lock()
	ts = r.tenant(tenant)
	sess := rec.Session
	sess.State = models.StateConnected
	sess.LastActiveAt = &now
	ts.sessions[sessionID] = &sess
	ts.clients[sessionID] = client
	ts.active = sessionID
	r.mu.Unlock()

	_ = r.kv.Put(ctx, store.ActiveSessionKey(tenant), []byte(sessionID))
	log.Info().Str("tenant", tenant).Str("session", sessionID).Msg("active session switched")
	return nil
}

// ActiveClient returns the tenant's active client capability. The second
// return is false when no session is connected; callers treat that as a
// recoverable precondition failure, not a crash.
func (r *Registry) ActiveClient(tenant string) (platform.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.tenants[tenant]
	if !ok || ts.active == "" {
		return nil, false
	}
	client, ok := ts.clients[ts.active]
	return client, ok && client != nil
}

// ActiveSession returns a copy of the tenant's active session metadata.
func (r *Registry) ActiveSession(tenant string) (*models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.tenants[tenant]
	if !ok || ts.active == "" {
		return nil, false
	}
	sess, ok := ts.sessions[ts.active]
	if !ok {
		return nil, false
	}
	out := *sess
	return &out, true
}

// Disconnect closes the given session's connection. If it was the active
// session, the tenant is left with no active session.
func (r *Registry) Disconnect(ctx context.Context, tenant, sessionID string) error {
	r.mu.Lock()
	ts := r.tenant(tenant)
	client := ts.clients[sessionID]
	delete(ts.clients, sessionID)
	if s, ok := ts.sessions[sessionID]; ok {
		s.State = models.StateDisconnected
	}
	if ts.active == sessionID {
		ts.active = ""
	}
	r.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnecting session %s: %w", sessionID, err)
	}
	log.Info().Str("tenant", tenant).Str("session", sessionID).Msg("session disconnected")
	return nil
}

// Delete removes a session permanently, disconnecting it first.
func (r *Registry) Delete(ctx context.Context, tenant, sessionID string) error {
	if err := r.Disconnect(ctx, tenant, sessionID); err != nil {
		log.Warn().Err(err).Str("tenant", tenant).Str("session", sessionID).
			Msg("disconnect during delete failed")
	}

	r.mu.Lock()
	ts := r.tenant(tenant)
	delete(ts.sessions, sessionID)
	r.mu.Unlock()

	if err := r.kv.Delete(ctx, store.SessionKey(tenant, sessionID)); err != nil {
		return fmt.Errorf("deleting session record: %w", err)
	}
	if active, err := r.kv.Get(ctx, store.ActiveSessionKey(tenant)); err == nil && string(active) == sessionID {
		_ = r.kv.Delete(ctx, store.ActiveSessionKey(tenant))
	}
	return nil
}

// Sessions lists the tenant's sessions, durable ones included, with live
// connection state overlaid.
func (r *Registry) Sessions(ctx context.Context, tenant string) ([]models.Session, error) {
	stored, err := r.kv.List(ctx, store.SessionPrefix(tenant))
	if err != nil {
		return nil, fmt.Errorf("listing session records: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.tenant(tenant)

	out := make([]models.Session, 0, len(stored))
	for _, raw := range stored {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Warn().Err(err).Str("tenant", tenant).Msg("skipping corrupt session record")
			continue
		}
		sess := rec.Session
		if live, ok := ts.sessions[sess.ID]; ok {
			sess.State = live.State
			sess.LastActiveAt = live.LastActiveAt
		} else {
			sess.State = models.StateDisconnected
		}
		out = append(out, sess)
	}
	return out, nil
}

// RestoreActive attempts a best-effort reconnect of the tenant's last
// active session after a restart. Failure leaves the tenant with no
// active session; callers handle the absence.
func (r *Registry) RestoreActive(ctx context.Context, tenant string) error {
	raw, err := r.kv.Get(ctx, store.ActiveSessionKey(tenant))
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	sessionID := string(raw)
	if err := r.SwitchActive(ctx, tenant, sessionID); err != nil {
		log.Warn().Err(err).Str("tenant", tenant).Str("session", sessionID).
			Msg("best-effort session restore failed")
		return err
	}
	return nil
}

func (r *Registry) persist(ctx context.Context, rec *record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session record: %w", err)
	}
	if err := r.kv.Put(ctx, store.SessionKey(rec.Session.OwnerTenant, rec.Session.ID), raw); err != nil {
		return fmt.Errorf("persisting session record: %w", err)
	}
	return nil
}

func (r *Registry) load(ctx context.Context, tenant, sessionID string) (*record, error) {
	raw, err := r.kv.Get(ctx, store.SessionKey(tenant, sessionID))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fmt.Errorf("session %s: %w", sessionID, platform.ErrSessionUnavailable)
		}
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding session record: %w", err)
	}
	return &rec, nil
}

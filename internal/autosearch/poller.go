// Package autosearch implements the keyword watch poller: per-source
// high-water-mark ids, keyword containment filtering, and a capped
// append-only result buffer. One poller runs per tenant; starting a new
// one implicitly stops the previous.
package autosearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/herald/internal/platform"
	"github.com/herald/internal/schedule"
	"github.com/herald/internal/session"
	"github.com/herald/internal/store"
)

// Config describes one tenant's keyword watch.
type Config struct {
	Tenant   string        `json:"tenant"`
	Sources  []string      `json:"sources"`
	Keywords []string      `json:"keywords"`
	Interval time.Duration `json:"interval"`

	// FetchLimit bounds how many messages one poll reads per source.
	FetchLimit int `json:"fetch_limit"`

	// BufferCap bounds the result buffer; oldest entries are evicted
	// past it.
	BufferCap int `json:"buffer_cap"`
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 50
	}
	if c.BufferCap <= 0 {
		c.BufferCap = 500
	}
}

func (c *Config) validate() error {
	if c.Tenant == "" {
		return fmt.Errorf("autosearch: tenant is required")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("autosearch: sources must not be empty")
	}
	if len(c.Keywords) == 0 {
		return fmt.Errorf("autosearch: keywords must not be empty")
	}
	return nil
}

// Status is the observable state of one tenant's poller.
type Status struct {
	Running    bool             `json:"running"`
	StartedAt  time.Time        `json:"started_at,omitempty"`
	Interval   time.Duration    `json:"interval,omitempty"`
	Watermarks map[string]int64 `json:"watermarks,omitempty"`
	BufferLen  int              `json:"buffer_len"`
	BufferCap  int              `json:"buffer_cap,omitempty"`
	Matched    int              `json:"matched"`
	Polls      int              `json:"polls"`
}

type poller struct {
	cfg        Config
	handle     schedule.Handle
	startedAt  time.Time
	watermarks map[string]int64
	results    []platform.Message
	matched    int
	polls      int
}

// Manager owns every tenant's poller. Lifecycle is get-or-create on Start
// and remove on Stop; no ambient global state.
type Manager struct {
	mu      sync.Mutex
	pollers map[string]*poller

	sched    *schedule.Scheduler
	sessions *session.Registry
	kv       store.KV
}

// NewManager wires the poller registry to its collaborators.
func NewManager(sched *schedule.Scheduler, sessions *session.Registry, kv store.KV) *Manager {
	return &Manager{
		pollers:  make(map[string]*poller),
		sched:    sched,
		sessions: sessions,
		kv:       kv,
	}
}

// Start begins polling for the tenant, implicitly replacing any previous
// poller. The initial watermark per source is the newest message id at
// start time, so only messages arriving afterwards are reported.
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg.applyDefaults()

	client, ok := m.sessions.ActiveClient(cfg.Tenant)
	if !ok {
		return platform.ErrSessionUnavailable
	}

	p := &poller{
		cfg:        cfg,
		startedAt:  time.Now(),
		watermarks: make(map[string]int64, len(cfg.Sources)),
	}
	for _, source := range cfg.Sources {
		msgs, err := client.FetchMessages(ctx, source, platform.FetchOptions{Limit: 1})
		if err != nil {
			return fmt.Errorf("reading initial watermark for %s: %w", source, err)
		}
		if len(msgs) > 0 {
			p.watermarks[source] = msgs[len(msgs)-1].ID
		}
	}

	m.Stop(cfg.Tenant)

	m.mu.Lock()
	p.handle = m.sched.Every(cfg.Interval, func() {
		m.poll(cfg.Tenant)
	})
	m.pollers[cfg.Tenant] = p
	m.mu.Unlock()

	log.Info().Str("tenant", cfg.Tenant).Int("sources", len(cfg.Sources)).
		Dur("interval", cfg.Interval).Msg("auto-search started")
	return nil
}

// Stop cancels the tenant's polling interval and drops its state. Stopping
// an idle tenant is a no-op.
func (m *Manager) Stop(tenant string) {
	m.mu.Lock()
	p, ok := m.pollers[tenant]
	if ok {
		delete(m.pollers, tenant)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.sched.Cancel(p.handle)
	log.Info().Str("tenant", tenant).Msg("auto-search stopped")
}

// Results returns a copy of the tenant's matched-message buffer, oldest
// first.
func (m *Manager) Results(tenant string) []platform.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pollers[tenant]
	if !ok {
		return nil
	}
	out := make([]platform.Message, len(p.results))
	copy(out, p.results)
	return out
}

// StatusFor reports the tenant's poller state. A tenant with no poller
// gets Running=false and zero metrics.
func (m *Manager) StatusFor(tenant string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pollers[tenant]
	if !ok {
		return Status{}
	}
	watermarks := make(map[string]int64, len(p.watermarks))
	for source, id := range p.watermarks {
		watermarks[source] = id
	}
	return Status{
		Running:    true,
		StartedAt:  p.startedAt,
		Interval:   p.cfg.Interval,
		Watermarks: watermarks,
		BufferLen:  len(p.results),
		BufferCap:  p.cfg.BufferCap,
		Matched:    p.matched,
		Polls:      p.polls,
	}
}

// poll runs one tick: fetch past each source's watermark, filter by
// keyword containment, append matches, advance watermarks.
func (m *Manager) poll(tenant string) {
	m.mu.Lock()
	p, ok := m.pollers[tenant]
	if !ok {
		m.mu.Unlock()
		return
	}
	cfg := p.cfg
	watermarks := make(map[string]int64, len(p.watermarks))
	for source, id := range p.watermarks {
		watermarks[source] = id
	}
	m.mu.Unlock()

	client, ok := m.sessions.ActiveClient(tenant)
	if !ok {
		// No session right now; the watch survives and retries next tick.
		log.Warn().Str("tenant", tenant).Msg("auto-search tick skipped, no active session")
		return
	}

	ctx := context.Background()
	var matches []platform.Message
	for _, source := range cfg.Sources {
		msgs, err := client.FetchMessages(ctx, source, platform.FetchOptions{
			Limit:   cfg.FetchLimit,
			SinceID: watermarks[source],
		})
		if err != nil {
			log.Warn().Err(err).Str("tenant", tenant).Str("source", source).
				Msg("auto-search fetch failed")
			continue
		}
		for _, msg := range msgs {
			if msg.ID > watermarks[source] {
				watermarks[source] = msg.ID
			}
			if containsKeyword(msg.Text, cfg.Keywords) {
				matches = append(matches, msg)
			}
		}
	}

	m.mu.Lock()
	p, ok = m.pollers[tenant]
	if !ok {
		// Stopped while the fetch was in flight; discard.
		m.mu.Unlock()
		return
	}
	p.polls++
	p.matched += len(matches)
	for source, id := range watermarks {
		if id > p.watermarks[source] {
			p.watermarks[source] = id
		}
	}
	p.results = append(p.results, matches...)
	if over := len(p.results) - cfg.BufferCap; over > 0 {
		p.results = p.results[over:]
	}
	snapshot := make([]platform.Message, len(p.results))
	copy(snapshot, p.results)
	m.mu.Unlock()

	if len(matches) > 0 {
		m.persist(ctx, tenant, snapshot)
	}
}

func (m *Manager) persist(ctx context.Context, tenant string, results []platform.Message) {
	raw, err := json.Marshal(results)
	if err != nil {
		log.Error().Err(err).Str("tenant", tenant).Msg("encoding search results failed")
		return
	}
	if err := m.kv.Put(ctx, store.SearchResultsKey(tenant), raw); err != nil {
		log.Warn().Err(err).Str("tenant", tenant).Msg("persisting search results failed")
	}
}

func containsKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Package sniper implements the autonomous contextual-reply pipeline: it
// monitors a fixed set of sources, filters inbound messages for freshness
// and relevance, and sends paced threaded replies, at most one per inbound
// message. One sniper runs per tenant while active.
package sniper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/herald/internal/ai"
	"github.com/herald/internal/platform"
	"github.com/herald/internal/retry"
	"github.com/herald/internal/schedule"
	"github.com/herald/internal/session"
	"github.com/herald/internal/throttle"
)

// Schedule is the working-hours gate: a weekday set plus a time-of-day
// window. Start after End means the window crosses midnight.
type Schedule struct {
	Weekdays    []time.Weekday `json:"weekdays"`
	StartHour   int            `json:"start_hour"`
	StartMinute int            `json:"start_minute"`
	EndHour     int            `json:"end_hour"`
	EndMinute   int            `json:"end_minute"`
}

// ActiveAt reports whether automated replies are allowed at t.
func (s Schedule) ActiveAt(t time.Time) bool {
	if len(s.Weekdays) > 0 {
		ok := false
		for _, d := range s.Weekdays {
			if t.Weekday() == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	start := s.StartHour*60 + s.StartMinute
	end := s.EndHour*60 + s.EndMinute
	if start == end {
		return true
	}
	minute := t.Hour()*60 + t.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	// Crosses midnight.
	return minute >= start || minute < end
}

// Safety bounds how aggressively the sniper responds.
type Safety struct {
	// ResponseDelayMin/Max bound the randomized human pause before each
	// reply.
	ResponseDelayMin time.Duration `json:"response_delay_min"`
	ResponseDelayMax time.Duration `json:"response_delay_max"`

	// MinResponseGap is the minimum spacing between replies into the
	// same source.
	MinResponseGap time.Duration `json:"min_response_gap"`

	// DailyLimitPerSource caps replies per source per calendar day.
	DailyLimitPerSource int `json:"daily_limit_per_source"`

	// ResponseChance in (0,1] randomly skips otherwise-eligible
	// messages so the account does not answer everything. Zero means
	// always respond.
	ResponseChance float64 `json:"response_chance"`
}

// Config describes one tenant's sniper.
type Config struct {
	Tenant  string   `json:"tenant"`
	Prompt  string   `json:"prompt"`
	Style   string   `json:"style"`
	Sources []string `json:"sources"`

	Interval   time.Duration `json:"interval"`
	FetchLimit int           `json:"fetch_limit"`

	// Freshness discards inbound messages older than this window, so a
	// freshly started sniper does not answer stale history.
	Freshness time.Duration `json:"freshness"`

	Schedule Schedule `json:"schedule"`
	Safety   Safety   `json:"safety"`
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 45 * time.Second
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 20
	}
	if c.Freshness <= 0 {
		c.Freshness = 15 * time.Minute
	}
	if c.Safety.ResponseDelayMin <= 0 {
		c.Safety.ResponseDelayMin = 15 * time.Second
	}
	if c.Safety.ResponseDelayMax <= c.Safety.ResponseDelayMin {
		c.Safety.ResponseDelayMax = c.Safety.ResponseDelayMin + 45*time.Second
	}
	if c.Safety.MinResponseGap <= 0 {
		c.Safety.MinResponseGap = 5 * time.Minute
	}
	if c.Safety.DailyLimitPerSource <= 0 {
		c.Safety.DailyLimitPerSource = 10
	}
}

func (c *Config) validate() error {
	if c.Tenant == "" {
		return fmt.Errorf("sniper: tenant is required")
	}
	if c.Prompt == "" {
		return fmt.Errorf("sniper: prompt is required")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("sniper: sources must not be empty")
	}
	if c.Safety.ResponseChance < 0 || c.Safety.ResponseChance > 1 {
		return fmt.Errorf("sniper: response chance must be within [0,1]")
	}
	return nil
}

// Stats is the observable state of one tenant's sniper.
type Stats struct {
	Running        bool           `json:"running"`
	StartedAt      time.Time      `json:"started_at,omitempty"`
	TotalResponses int            `json:"total_responses"`
	TodayResponses int            `json:"today_responses"`
	PerSource      map[string]int `json:"per_source,omitempty"`
	DayBuckets     map[string]int `json:"day_buckets,omitempty"`
	LastTick       time.Time      `json:"last_tick,omitempty"`
}

// dedupTTL is how long a (source, messageId) key blocks re-replying.
const dedupTTL = 24 * time.Hour

type sniper struct {
	cfg       Config
	handle    schedule.Handle
	pending   []schedule.Handle
	startedAt time.Time

	dedup     map[string]time.Time
	lastPurge time.Time

	total      int
	perSource  map[string]int
	dayBuckets map[string]int
	lastTick   time.Time
}

// Manager owns every tenant's sniper instance.
type Manager struct {
	mu      sync.Mutex
	snipers map[string]*sniper

	sched    *schedule.Scheduler
	sessions *session.Registry
	policy   *throttle.Policy
	intel    ai.Intelligence
	retry    retry.Config

	// now and chance are swappable for tests.
	now    func() time.Time
	chance func() float64
}

// NewManager wires the sniper registry to its collaborators.
func NewManager(sched *schedule.Scheduler, sessions *session.Registry, policy *throttle.Policy, intel ai.Intelligence, retryCfg retry.Config) *Manager {
	return &Manager{
		snipers:  make(map[string]*sniper),
		sched:    sched,
		sessions: sessions,
		policy:   policy,
		intel:    intel,
		retry:    retryCfg,
		now:      time.Now,
		chance:   rand.Float64,
	}
}

// Start activates the sniper for a tenant, replacing any previous one.
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg.applyDefaults()

	if _, ok := m.sessions.ActiveClient(cfg.Tenant); !ok {
		return platform.ErrSessionUnavailable
	}

	m.Stop(cfg.Tenant)

	s := &sniper{
		cfg:        cfg,
		startedAt:  m.now(),
		dedup:      make(map[string]time.Time),
		lastPurge:  m.now(),
		perSource:  make(map[string]int),
		dayBuckets: make(map[string]int),
	}
	m.mu.Lock()
	s.handle = m.sched.Every(cfg.Interval, func() {
		m.tick(cfg.Tenant)
	})
	m.snipers[cfg.Tenant] = s
	m.mu.Unlock()

	log.Info().Str("tenant", cfg.Tenant).Int("sources", len(cfg.Sources)).
		Dur("interval", cfg.Interval).Msg("sniper started")
	return nil
}

// Stop cancels the monitoring interval and every pending reply timer and
// releases all dedup and stat state for the tenant.
func (m *Manager) Stop(tenant string) {
	m.mu.Lock()
	s, ok := m.snipers[tenant]
	if ok {
		delete(m.snipers, tenant)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.sched.Cancel(s.handle)
	for _, h := range s.pending {
		m.sched.Cancel(h)
	}
	log.Info().Str("tenant", tenant).Msg("sniper stopped")
}

// StatsFor reports the tenant's sniper stats. Today's count is the current
// local calendar day's bucket.
func (m *Manager) StatsFor(tenant string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snipers[tenant]
	if !ok {
		return Stats{}
	}
	perSource := make(map[string]int, len(s.perSource))
	for k, v := range s.perSource {
		perSource[k] = v
	}
	dayBuckets := make(map[string]int, len(s.dayBuckets))
	for k, v := range s.dayBuckets {
		dayBuckets[k] = v
	}
	return Stats{
		Running:        true,
		StartedAt:      s.startedAt,
		TotalResponses: s.total,
		TodayResponses: s.dayBuckets[m.now().Format("2006-01-02")],
		PerSource:      perSource,
		DayBuckets:     dayBuckets,
		LastTick:       s.lastTick,
	}
}

// TestPrompt dry-runs the classification and generation stages against a
// sample message without sending anything.
func (m *Manager) TestPrompt(ctx context.Context, prompt, style, sample string) (ai.Score, string, error) {
	if prompt == "" {
		return ai.Score{}, "", fmt.Errorf("sniper: prompt is required")
	}
	score := m.classify(ctx, sample, prompt)
	reply := m.generate(ctx, sample, prompt, style)
	return score, reply, nil
}

// tick runs one monitoring pass over every configured source.
func (m *Manager) tick(tenant string) {
	m.mu.Lock()
	s, ok := m.snipers[tenant]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now()
	s.lastTick = now
	m.purgeLocked(s, now)
	cfg := s.cfg
	m.mu.Unlock()

	client, ok := m.sessions.ActiveClient(tenant)
	if !ok {
		log.Warn().Str("tenant", tenant).Msg("sniper tick skipped, no active session")
		return
	}
	self := client.Self()

	ctx := context.Background()
	for _, source := range cfg.Sources {
		msgs, err := client.FetchMessages(ctx, source, platform.FetchOptions{Limit: cfg.FetchLimit})
		if err != nil {
			if platform.IsSessionExpired(err) {
				log.Error().Str("tenant", tenant).Msg("sniper halted, session expired")
				return
			}
			log.Warn().Err(err).Str("tenant", tenant).Str("source", source).
				Msg("sniper fetch failed")
			continue
		}

		candidates := m.filter(tenant, source, msgs, self, now)
		if len(candidates) == 0 {
			continue
		}

		// Outside working hours nothing is processed; the messages stay
		// unmarked and can be answered next tick if still fresh.
		if !cfg.Schedule.ActiveAt(now) {
			continue
		}

		for _, msg := range candidates {
			// Cheap pre-check; the binding reservation happens in respond
			// once the message is actually going to be answered.
			if !m.policy.CanActOn(source, cfg.Safety.MinResponseGap, cfg.Safety.DailyLimitPerSource) {
				break
			}
			m.respond(ctx, tenant, source, msg, cfg)
		}
	}
}

// filter applies the step-2 discards: stale messages, the tenant's own
// messages, and already-seen dedup keys. Nothing is marked here.
func (m *Manager) filter(tenant, source string, msgs []platform.Message, self platform.TargetRef, now time.Time) []platform.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snipers[tenant]
	if !ok {
		return nil
	}
	var out []platform.Message
	for _, msg := range msgs {
		if now.Sub(msg.SentAt) > s.cfg.Freshness {
			continue
		}
		if msg.SenderID == self.ID {
			continue
		}
		if _, seen := s.dedup[dedupKey(source, msg.ID)]; seen {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// respond runs steps 5-9 for one candidate message.
func (m *Manager) respond(ctx context.Context, tenant, source string, msg platform.Message, cfg Config) {
	score := m.classify(ctx, msg.Text, cfg.Prompt)
	if !score.Relevant() {
		return
	}
	if cfg.Safety.ResponseChance > 0 && m.chance() > cfg.Safety.ResponseChance {
		return
	}

	// Reserve the throttle slot atomically here, not when the reply is
	// delivered: with several eligible messages in one tick, a late
	// RecordAction would let all of them pass the per-source limit. An
	// unreserved message stays unmarked and can be answered next tick.
	if !m.policy.TryAct(source, cfg.Safety.MinResponseGap, cfg.Safety.DailyLimitPerSource) {
		return
	}

	// Mark before generating: a slow or retried generation must never
	// produce a second reply to the same message.
	if !m.markDedup(tenant, source, msg.ID) {
		return
	}

	reply := m.generate(ctx, msg.Text, cfg.Prompt, cfg.Style)
	delay := throttle.HumanDelay(cfg.Safety.ResponseDelayMin, cfg.Safety.ResponseDelayMax)

	m.mu.Lock()
	s, ok := m.snipers[tenant]
	if !ok {
		m.mu.Unlock()
		return
	}
	h := m.sched.After(delay, func() {
		m.deliver(ctx, tenant, source, msg, reply)
	})
	s.pending = append(s.pending, h)
	m.mu.Unlock()
}

// deliver sends the paced threaded reply and updates stats. The throttle
// slot was reserved when the reply was scheduled; a discarded or failed
// send leaves it consumed, which only ever under-sends. A sniper stopped
// in the meantime discards the send.
func (m *Manager) deliver(ctx context.Context, tenant, source string, msg platform.Message, reply string) {
	m.mu.Lock()
	_, live := m.snipers[tenant]
	m.mu.Unlock()
	if !live {
		return
	}
	client, ok := m.sessions.ActiveClient(tenant)
	if !ok {
		return
	}

	err := retry.Do(ctx, m.retry, func() error {
		_, sendErr := client.SendMessage(ctx, platform.TargetRef{ID: source}, platform.Payload{
			Text:      reply,
			ReplyToID: msg.ID,
		})
		return sendErr
	})
	if err != nil {
		log.Warn().Err(err).Str("tenant", tenant).Str("source", source).
			Int64("message", msg.ID).Msg("sniper reply failed")
		return
	}

	m.mu.Lock()
	if s, ok := m.snipers[tenant]; ok {
		s.total++
		s.perSource[source]++
		s.dayBuckets[m.now().Format("2006-01-02")]++
	}
	m.mu.Unlock()

	log.Info().Str("tenant", tenant).Str("source", source).
		Int64("message", msg.ID).Msg("sniper reply sent")
}

// classify scores a message, falling back to keyword overlap when the
// model call fails.
func (m *Manager) classify(ctx context.Context, message, prompt string) ai.Score {
	score, err := m.intel.ClassifyRelevance(ctx, message, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("classification failed, using keyword heuristic")
		return ai.KeywordOverlap(message, prompt)
	}
	return score
}

// generate drafts a reply, rejecting boilerplate once and degrading to the
// templated fallback if the model ultimately fails.
func (m *Manager) generate(ctx context.Context, message, prompt, style string) string {
	for attempt := 0; attempt < 2; attempt++ {
		reply, err := m.intel.GenerateReply(ctx, message, prompt, style)
		if err != nil {
			log.Warn().Err(err).Msg("generation failed, using templated fallback")
			break
		}
		if ai.IsBoilerplate(reply) {
			continue
		}
		return reply
	}
	return ai.TemplateReply(message)
}

// markDedup records the key; false means another pass got there first.
func (m *Manager) markDedup(tenant, source string, msgID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snipers[tenant]
	if !ok {
		return false
	}
	key := dedupKey(source, msgID)
	if _, seen := s.dedup[key]; seen {
		return false
	}
	s.dedup[key] = m.now()
	return true
}

// purgeLocked lazily drops dedup entries past their TTL. Caller holds m.mu.
func (m *Manager) purgeLocked(s *sniper, now time.Time) {
	if now.Sub(s.lastPurge) < time.Hour {
		return
	}
	s.lastPurge = now
	for key, at := range s.dedup {
		if now.Sub(at) > dedupTTL {
			delete(s.dedup, key)
		}
	}
}

func dedupKey(source string, msgID int64) string {
	return fmt.Sprintf("%s|%d", source, msgID)
}

package task

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/herald/internal/platform"
	"github.com/herald/internal/retry"
	"github.com/herald/internal/throttle"
	"github.com/herald/pkg/models"
)

// TimerTaskConfig describes a timer-configuration campaign: set a
// self-destruct (retention) timer on each contact's conversation.
type TimerTaskConfig struct {
	Tenant   string    `json:"tenant"`
	Contacts []string  `json:"contacts"`
	TTL      time.Duration `json:"ttl"`
	StartAt  time.Time `json:"start_at"`

	// CheckExisting skips contacts whose conversation already has an
	// equivalent timer.
	CheckExisting bool `json:"check_existing"`

	// AvoidNight pushes per-contact fire times out of the quiet window.
	AvoidNight bool `json:"avoid_night"`

	// SpreadWindow scatters per-contact work the same way broadcast
	// spread mode does.
	SpreadWindow time.Duration `json:"spread_window"`

	TargetMinDelay   time.Duration `json:"target_min_delay"`
	TargetDailyLimit int           `json:"target_daily_limit"`
}

func (c *TimerTaskConfig) applyDefaults() {
	if c.SpreadWindow <= 0 {
		c.SpreadWindow = 24 * time.Hour
	}
}

func (c *TimerTaskConfig) validate() error {
	if c.Tenant == "" {
		return invalid("tenant", "is required")
	}
	if len(c.Contacts) == 0 {
		return invalid("contacts", "must not be empty")
	}
	if c.TTL <= 0 {
		return invalid("ttl", "must be positive")
	}
	return nil
}

// TimerEngine is the per-contact retention-timer specialization.
type TimerEngine struct {
	*Engine
	mu      sync.Mutex
	configs map[string]TimerTaskConfig
}

// NewTimerEngine builds the timer-configuration specialization.
func NewTimerEngine(deps Deps) *TimerEngine {
	te := &TimerEngine{configs: make(map[string]TimerTaskConfig)}
	te.Engine = newEngine(models.KindTimerConfig, deps, te)
	return te
}

// Create validates, registers, and schedules a timer-configuration task.
func (te *TimerEngine) Create(ctx context.Context, cfg TimerTaskConfig) (*models.Task, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	t := te.newTask(cfg.Tenant, cfg.Contacts, cfg.StartAt)
	te.mu.Lock()
	te.configs[t.ID] = cfg
	te.mu.Unlock()
	te.register(ctx, t)
	if err := te.Schedule(t.ID); err != nil {
		return nil, err
	}
	out, _ := te.Get(t.ID)
	return out, nil
}

// Delete removes the task and its config.
func (te *TimerEngine) Delete(ctx context.Context, taskID string) error {
	err := te.Engine.Delete(ctx, taskID)
	te.mu.Lock()
	delete(te.configs, taskID)
	te.mu.Unlock()
	return err
}

func (te *TimerEngine) config(taskID string) (TimerTaskConfig, bool) {
	te.mu.Lock()
	defer te.mu.Unlock()
	cfg, ok := te.configs[taskID]
	return cfg, ok
}

// run arms one timer per contact at a random offset inside the spread
// window, optionally shifted out of quiet hours.
func (te *TimerEngine) run(ctx context.Context, e *Engine, taskID string, client platform.Client) {
	cfg, ok := te.config(taskID)
	if !ok {
		return
	}
	now := time.Now()
	for _, item := range e.pendingItems(taskID) {
		item := item
		fireAt := now.Add(throttle.SpreadOffset(cfg.SpreadWindow))
		if cfg.AvoidNight {
			fireAt = e.deps.Policy.AvoidQuietHours(fireAt)
		}
		e.armForTask(taskID, time.Until(fireAt), func() {
			te.configureOne(context.Background(), e, taskID, item, cfg)
		})
	}
}

// configureOne resolves one contact and applies the retention timer.
func (te *TimerEngine) configureOne(ctx context.Context, e *Engine, taskID string, item models.TaskItem, cfg TimerTaskConfig) {
	client, ok := e.deps.Sessions.ActiveClient(cfg.Tenant)
	if !ok {
		e.resolveItem(ctx, taskID, item.ID, models.ItemError, platform.ErrSessionUnavailable.Error())
		return
	}
	if !e.deps.Policy.CanActOn(item.Target, cfg.TargetMinDelay, cfg.TargetDailyLimit) {
		e.resolveItem(ctx, taskID, item.ID, models.ItemSkipped, "throttled: daily limit or minimum delay")
		return
	}

	target, err := resolveContact(ctx, client, item.Target)
	if err != nil {
		if platform.IsTargetNotFound(err) {
			e.resolveItem(ctx, taskID, item.ID, models.ItemSkipped, "not found")
		} else {
			e.resolveItem(ctx, taskID, item.ID, models.ItemError, err.Error())
		}
		return
	}

	if cfg.CheckExisting {
		if ttl, err := currentTTL(ctx, client, target); err == nil && ttl == cfg.TTL {
			e.resolveItem(ctx, taskID, item.ID, models.ItemSkipped, "timer already set")
			return
		}
	}

	err = retry.Do(ctx, e.deps.Retry, func() error {
		_, invokeErr := client.RawInvoke(ctx, platform.RawCall{
			Method: "messages.setHistoryTTL",
			Args: map[string]interface{}{
				"peer":        target.ID,
				"ttl_seconds": int(cfg.TTL.Seconds()),
			},
		})
		return invokeErr
	})
	if err != nil {
		log.Warn().Err(err).Str("task", taskID).Str("contact", item.Target).
			Msg("setting retention timer failed")
		e.resolveItem(ctx, taskID, item.ID, models.ItemError, err.Error())
		return
	}

	e.deps.Policy.RecordAction(item.Target)
	e.resolveItem(ctx, taskID, item.ID, models.ItemSent, "")
}

var (
	phoneRe   = regexp.MustCompile(`^\+?[0-9][0-9 \-]{5,}$`)
	numericRe = regexp.MustCompile(`^[0-9]+$`)
)

// resolveContact tries the contact reference in priority order: handle,
// phone, numeric id, then display-name search. The raw value is tried
// first in whichever form it matches; a bare word falls through to a
// handle attempt before the name search.
func resolveContact(ctx context.Context, client platform.Client, raw string) (platform.TargetRef, error) {
	raw = strings.TrimSpace(raw)
	candidates := []string{raw}
	switch {
	case strings.HasPrefix(raw, "@"), phoneRe.MatchString(raw), numericRe.MatchString(raw):
		// Unambiguous form, single attempt.
	case !strings.Contains(raw, " "):
		candidates = append(candidates, "@"+raw)
	}

	var lastErr error = platform.ErrTargetNotFound
	for _, q := range candidates {
		target, err := client.ResolveTarget(ctx, q)
		if err == nil {
			return target, nil
		}
		if !platform.IsTargetNotFound(err) {
			return platform.TargetRef{}, err
		}
		lastErr = err
	}
	return platform.TargetRef{}, lastErr
}

// currentTTL reads the conversation's existing retention timer.
func currentTTL(ctx context.Context, client platform.Client, target platform.TargetRef) (time.Duration, error) {
	raw, err := client.RawInvoke(ctx, platform.RawCall{
		Method: "messages.getHistoryTTL",
		Args:   map[string]interface{}{"peer": target.ID},
	})
	if err != nil {
		return 0, err
	}
	var out struct {
		TTLSeconds int `json:"ttl_seconds"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, err
	}
	return time.Duration(out.TTLSeconds) * time.Second, nil
}

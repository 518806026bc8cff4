package task

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/herald/internal/platform"
	"github.com/herald/internal/retry"
	"github.com/herald/internal/throttle"
	"github.com/herald/pkg/models"
)

// CampaignConfig describes a staged direct campaign: individual
// recipients partitioned into day buckets of at most DailyLimit, each
// send placed at a random offset inside its day.
type CampaignConfig struct {
	Tenant     string    `json:"tenant"`
	Recipients []string  `json:"recipients"`
	Variants   []string  `json:"variants"`
	StartAt    time.Time `json:"start_at"`
	DailyLimit int       `json:"daily_limit"`

	// DayWindow is the span after each day's start into which that
	// day's sends are scattered.
	DayWindow time.Duration `json:"day_window"`

	// TargetMinDelay feeds the per-recipient throttle gate.
	TargetMinDelay   time.Duration `json:"target_min_delay"`
	TargetDailyLimit int           `json:"target_daily_limit"`
}

func (c *CampaignConfig) applyDefaults() {
	if c.DayWindow <= 0 {
		c.DayWindow = 10 * time.Hour
	}
	if c.TargetDailyLimit <= 0 {
		c.TargetDailyLimit = 1
	}
}

func (c *CampaignConfig) validate() error {
	if c.Tenant == "" {
		return invalid("tenant", "is required")
	}
	if len(c.Recipients) == 0 {
		return invalid("recipients", "must not be empty")
	}
	if len(c.Variants) == 0 {
		return invalid("variants", "must not be empty")
	}
	for _, v := range c.Variants {
		if v == "" {
			return invalid("variants", "must not contain empty messages")
		}
	}
	if c.DailyLimit <= 0 {
		return invalid("daily_limit", "must be positive")
	}
	if c.DailyLimit > 200 {
		return invalid("daily_limit", "is out of range (max 200)")
	}
	return nil
}

// CampaignEngine is the multi-day direct-campaign specialization.
type CampaignEngine struct {
	*Engine
	mu      sync.Mutex
	configs map[string]CampaignConfig
}

// NewCampaignEngine builds the campaign specialization over shared deps.
func NewCampaignEngine(deps Deps) *CampaignEngine {
	ce := &CampaignEngine{configs: make(map[string]CampaignConfig)}
	ce.Engine = newEngine(models.KindDirectCampaign, deps, ce)
	return ce
}

// Create validates the config, precomputes the whole multi-day schedule,
// registers the task, and schedules it.
//
// The schedule is fixed at creation time: recipients are partitioned in
// order into day buckets of at most DailyLimit, and inside each bucket
// every send gets a random intra-day offset, sorted ascending so
// same-day sends have a deterministic relative dispatch order.
func (ce *CampaignEngine) Create(ctx context.Context, cfg CampaignConfig) (*models.Task, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	t := ce.newTask(cfg.Tenant, cfg.Recipients, cfg.StartAt)
	ce.planSchedule(t, cfg)

	ce.mu.Lock()
	ce.configs[t.ID] = cfg
	ce.mu.Unlock()
	ce.register(ctx, t)
	if err := ce.Schedule(t.ID); err != nil {
		return nil, err
	}
	out, _ := ce.Get(t.ID)
	return out, nil
}

func (ce *CampaignEngine) planSchedule(t *models.Task, cfg CampaignConfig) {
	for start := 0; start < len(t.Items); start += cfg.DailyLimit {
		end := start + cfg.DailyLimit
		if end > len(t.Items) {
			end = len(t.Items)
		}
		day := start / cfg.DailyLimit
		dayStart := cfg.StartAt.AddDate(0, 0, day)
		offsets := throttle.DayOffsets(end-start, cfg.DayWindow)
		for i := start; i < end; i++ {
			at := dayStart.Add(offsets[i-start])
			t.Items[i].ScheduledAt = &at
		}
	}
}

// Delete removes the task and its config.
func (ce *CampaignEngine) Delete(ctx context.Context, taskID string) error {
	err := ce.Engine.Delete(ctx, taskID)
	ce.mu.Lock()
	delete(ce.configs, taskID)
	ce.mu.Unlock()
	return err
}

func (ce *CampaignEngine) config(taskID string) (CampaignConfig, bool) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	cfg, ok := ce.configs[taskID]
	return cfg, ok
}

// run walks the precomputed schedule: every due item is dispatched in
// ascending offset order, then a timer re-arms for the next future item
// (the next send of the day, or the first send of the next day).
func (ce *CampaignEngine) run(ctx context.Context, e *Engine, taskID string, client platform.Client) {
	ce.processDue(ctx, e, taskID)
}

func (ce *CampaignEngine) processDue(ctx context.Context, e *Engine, taskID string) {
	cfg, ok := ce.config(taskID)
	if !ok {
		return
	}

	for {
		item, ok := ce.nextScheduled(e, taskID)
		if !ok {
			return
		}
		wait := time.Until(*item.ScheduledAt)
		if wait > 0 {
			// Not due yet: re-arm and yield. Day exhaustion is just a
			// long wait until the next bucket's first offset.
			e.armForTask(taskID, wait, func() {
				ce.processDue(context.Background(), e, taskID)
			})
			return
		}
		if !ce.dispatch(ctx, e, taskID, item, cfg) {
			return
		}
	}
}

// nextScheduled returns the pending item with the earliest offset.
func (ce *CampaignEngine) nextScheduled(e *Engine, taskID string) (models.TaskItem, bool) {
	var best models.TaskItem
	found := false
	for _, item := range e.pendingItems(taskID) {
		if item.ScheduledAt == nil {
			continue
		}
		if !found || item.ScheduledAt.Before(*best.ScheduledAt) {
			best = item
			found = true
		}
	}
	return best, found
}

// dispatch sends to one recipient. The false return means the task hit a
// setup-level failure (no session) and processing must stop.
func (ce *CampaignEngine) dispatch(ctx context.Context, e *Engine, taskID string, item models.TaskItem, cfg CampaignConfig) bool {
	client, ok := e.deps.Sessions.ActiveClient(cfg.Tenant)
	if !ok {
		e.fail(ctx, taskID, platform.ErrSessionUnavailable.Error())
		return false
	}

	if !e.deps.Policy.CanActOn(item.Target, cfg.TargetMinDelay, cfg.TargetDailyLimit) {
		e.resolveItem(ctx, taskID, item.ID, models.ItemSkipped, "throttled: daily limit or minimum delay")
		return true
	}

	target, err := client.ResolveTarget(ctx, item.Target)
	if err != nil {
		if platform.IsTargetNotFound(err) {
			e.resolveItem(ctx, taskID, item.ID, models.ItemSkipped, "not found")
		} else {
			e.resolveItem(ctx, taskID, item.ID, models.ItemError, err.Error())
		}
		return true
	}

	payload := platform.Payload{Text: cfg.Variants[rand.Intn(len(cfg.Variants))]}
	err = retry.Do(ctx, e.deps.Retry, func() error {
		_, sendErr := client.SendMessage(ctx, target, payload)
		return sendErr
	})
	if err != nil {
		log.Warn().Err(err).Str("task", taskID).Str("recipient", item.Target).
			Msg("campaign send failed")
		e.resolveItem(ctx, taskID, item.ID, models.ItemError, err.Error())
		return true
	}

	e.deps.Policy.RecordAction(item.Target)
	e.resolveItem(ctx, taskID, item.ID, models.ItemSent, "")
	return true
}

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

// BroadcastConfig describes one bulk fan-out task: the same content
// family sent to many groups, either back to back with human gaps or
// scattered across a spread window.
type BroadcastConfig struct {
	Tenant   string    `json:"tenant"`
	Groups   []string  `json:"groups"`
	Variants []string  `json:"variants"`
	StartAt  time.Time `json:"start_at"`

	// Spread scatters each send uniformly at random across SpreadWindow
	// instead of firing the whole batch at once.
	Spread       bool          `json:"spread"`
	SpreadWindow time.Duration `json:"spread_window"`

	// MinGap/MaxGap bound the randomized pause between back-to-back
	// sends in non-spread mode.
	MinGap time.Duration `json:"min_gap"`
	MaxGap time.Duration `json:"max_gap"`

	// TargetMinDelay and TargetDailyLimit feed the per-target throttle
	// gate consulted before every send.
	TargetMinDelay   time.Duration `json:"target_min_delay"`
	TargetDailyLimit int           `json:"target_daily_limit"`
}

func (c *BroadcastConfig) applyDefaults() {
	if c.SpreadWindow <= 0 {
		c.SpreadWindow = 24 * time.Hour
	}
	if c.MinGap <= 0 {
		c.MinGap = 30 * time.Second
	}
	if c.MaxGap <= c.MinGap {
		c.MaxGap = c.MinGap + 90*time.Second
	}
}

func (c *BroadcastConfig) validate() error {
	if c.Tenant == "" {
		return invalid("tenant", "is required")
	}
	if len(c.Groups) == 0 {
		return invalid("groups", "must not be empty")
	}
	if len(c.Variants) == 0 {
		return invalid("variants", "must not be empty")
	}
	for _, v := range c.Variants {
		if v == "" {
			return invalid("variants", "must not contain empty messages")
		}
	}
	return nil
}

// BroadcastEngine is the bulk fan-out specialization.
type BroadcastEngine struct {
	*Engine
	mu      sync.Mutex
	configs map[string]BroadcastConfig
}

// NewBroadcastEngine builds the broadcast specialization over shared deps.
func NewBroadcastEngine(deps Deps) *BroadcastEngine {
	be := &BroadcastEngine{configs: make(map[string]BroadcastConfig)}
	be.Engine = newEngine(models.KindBroadcast, deps, be)
	return be
}

// Create validates the config, registers the task, and schedules it. A
// start time in the past executes immediately.
func (be *BroadcastEngine) Create(ctx context.Context, cfg BroadcastConfig) (*models.Task, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	t := be.newTask(cfg.Tenant, cfg.Groups, cfg.StartAt)
	be.mu.Lock()
	be.configs[t.ID] = cfg
	be.mu.Unlock()
	be.register(ctx, t)
	if err := be.Schedule(t.ID); err != nil {
		return nil, err
	}
	out, _ := be.Get(t.ID)
	return out, nil
}

// Delete removes the task and its config.
func (be *BroadcastEngine) Delete(ctx context.Context, taskID string) error {
	err := be.Engine.Delete(ctx, taskID)
	be.mu.Lock()
	delete(be.configs, taskID)
	be.mu.Unlock()
	return err
}

func (be *BroadcastEngine) config(taskID string) (BroadcastConfig, bool) {
	be.mu.Lock()
	defer be.mu.Unlock()
	cfg, ok := be.configs[taskID]
	return cfg, ok
}

// run dispatches the batch. In spread mode every item gets its own timer
// at a random offset; otherwise items go out back to back separated by
// human gaps, chained through the scheduler so deletion cancels the rest.
func (be *BroadcastEngine) run(ctx context.Context, e *Engine, taskID string, client platform.Client) {
	cfg, ok := be.config(taskID)
	if !ok {
		return
	}
	items := e.pendingItems(taskID)
	if len(items) == 0 {
		return
	}

	if cfg.Spread {
		for _, item := range items {
			item := item
			e.armForTask(taskID, throttle.SpreadOffset(cfg.SpreadWindow), func() {
				be.sendOne(context.Background(), e, taskID, item, cfg)
			})
		}
		return
	}

	be.sendChain(ctx, e, taskID, items, 0, cfg)
}

// sendChain processes items[idx] now and arms a timer for the next item.
func (be *BroadcastEngine) sendChain(ctx context.Context, e *Engine, taskID string, items []models.TaskItem, idx int, cfg BroadcastConfig) {
	if idx >= len(items) {
		return
	}
	be.sendOne(ctx, e, taskID, items[idx], cfg)
	if idx+1 >= len(items) {
		return
	}
	gap := throttle.HumanDelay(cfg.MinGap, cfg.MaxGap)
	e.armForTask(taskID, gap, func() {
		be.sendChain(context.Background(), e, taskID, items, idx+1, cfg)
	})
}

// sendOne resolves and sends to a single group. Item failures stay on the
// item; they never abort the batch.
func (be *BroadcastEngine) sendOne(ctx context.Context, e *Engine, taskID string, item models.TaskItem, cfg BroadcastConfig) {
	// Borrow the capability per operation; the client captured at start
	// may have been switched out since.
	client, ok := e.deps.Sessions.ActiveClient(cfg.Tenant)
	if !ok {
		e.resolveItem(ctx, taskID, item.ID, models.ItemError, platform.ErrSessionUnavailable.Error())
		return
	}
	if !e.deps.Policy.CanActOn(item.Target, cfg.TargetMinDelay, cfg.TargetDailyLimit) {
		e.resolveItem(ctx, taskID, item.ID, models.ItemSkipped, "throttled: daily limit or minimum delay")
		return
	}

	target, err := client.ResolveTarget(ctx, item.Target)
	if err != nil {
		if platform.IsTargetNotFound(err) {
			e.resolveItem(ctx, taskID, item.ID, models.ItemSkipped, "not found")
		} else {
			e.resolveItem(ctx, taskID, item.ID, models.ItemError, err.Error())
		}
		return
	}

	payload := platform.Payload{Text: cfg.Variants[rand.Intn(len(cfg.Variants))]}
	err = retry.Do(ctx, e.deps.Retry, func() error {
		_, sendErr := client.SendMessage(ctx, target, payload)
		return sendErr
	})
	if err != nil {
		log.Warn().Err(err).Str("task", taskID).Str("target", item.Target).
			Msg("broadcast send failed")
		e.resolveItem(ctx, taskID, item.ID, models.ItemError, err.Error())
		return
	}

	e.deps.Policy.RecordAction(item.Target)
	e.resolveItem(ctx, taskID, item.ID, models.ItemSent, "")
}

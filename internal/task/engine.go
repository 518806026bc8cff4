// Package task implements the shared task lifecycle (create, schedule,
// execute, track) and its three specializations: bulk broadcast, staged
// direct campaign, and per-contact timer configuration.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/herald/internal/platform"
	"github.com/herald/internal/retry"
	"github.com/herald/internal/schedule"
	"github.com/herald/internal/session"
	"github.com/herald/internal/store"
	"github.com/herald/internal/throttle"
	"github.com/herald/pkg/models"
)

// Deps are the collaborators every engine instance borrows. Engines never
// own the session client; they fetch the active capability per execution.
type Deps struct {
	Sched    *schedule.Scheduler
	Sessions *session.Registry
	Policy   *throttle.Policy
	KV       store.KV
	Retry    retry.Config
}

// runner is the specialization hook: it processes the unresolved items of
// one task. Implementations resolve every item through Engine.resolveItem
// and must never fail the parent task for a single item.
type runner interface {
	run(ctx context.Context, e *Engine, taskID string, client platform.Client)
}

// Engine is the generic lifecycle shared by all three task kinds. One
// Engine instance serves one kind across all tenants; each task is owned
// exclusively by the engine that created it.
type Engine struct {
	kind models.TaskKind
	deps Deps
	run  runner

	mu      sync.Mutex
	tasks   map[string]*models.Task
	handles map[string][]schedule.Handle

	// now is swappable for tests.
	now func() time.Time
}

func newEngine(kind models.TaskKind, deps Deps, run runner) *Engine {
	return &Engine{
		kind:    kind,
		deps:    deps,
		run:     run,
		tasks:   make(map[string]*models.Task),
		handles: make(map[string][]schedule.Handle),
		now:     time.Now,
	}
}

// Kind returns the task kind this engine owns.
func (e *Engine) Kind() models.TaskKind {
	return e.kind
}

// register stores a freshly validated task and persists its record.
func (e *Engine) register(ctx context.Context, t *models.Task) {
	e.mu.Lock()
	e.tasks[t.ID] = t
	e.mu.Unlock()
	e.persist(ctx, t)
}

// newTask builds the common task envelope from a target list.
func (e *Engine) newTask(tenant string, targets []string, startAt time.Time) *models.Task {
	now := e.now()
	items := make([]models.TaskItem, len(targets))
	for i, target := range targets {
		items[i] = models.TaskItem{
			ID:     uuid.NewString(),
			Target: target,
			Status: models.ItemPending,
		}
	}
	return &models.Task{
		ID:          uuid.NewString(),
		OwnerTenant: tenant,
		Kind:        e.kind,
		Items:       items,
		StartAt:     startAt,
		Status:      models.TaskPending,
		Stats:       models.TaskStats{Total: len(items)},
		CreatedAt:   now,
	}
}

// Schedule arms the task's start timer. A start time in the past fires
// immediately. Only Pending tasks can be scheduled.
func (e *Engine) Schedule(taskID string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("task %s not found", taskID)
	}
	if t.Status != models.TaskPending {
		e.mu.Unlock()
		return fmt.Errorf("task %s is %s, not pending", taskID, t.Status)
	}
	t.Status = models.TaskScheduled
	delay := t.StartAt.Sub(e.now())
	if delay < 0 {
		delay = 0
	}
	h := e.deps.Sched.After(delay, func() {
		e.Execute(context.Background(), taskID)
	})
	e.handles[taskID] = append(e.handles[taskID], h)
	snapshot := *t
	e.mu.Unlock()

	e.persist(context.Background(), &snapshot)
	log.Info().Str("task", taskID).Str("kind", string(e.kind)).
		Dur("delay", delay).Msg("task scheduled")
	return nil
}

// Execute is the idempotent execution entry point. Re-running a completed
// task is a no-op; a task whose tenant has no connected session fails
// without touching any item.
func (e *Engine) Execute(ctx context.Context, taskID string) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok || t.Terminal() || t.Status == models.TaskExecuting {
		e.mu.Unlock()
		return
	}
	tenant := t.OwnerTenant
	e.mu.Unlock()

	client, ok := e.deps.Sessions.ActiveClient(tenant)
	if !ok {
		e.fail(ctx, taskID, platform.ErrSessionUnavailable.Error())
		return
	}

	e.mu.Lock()
	t, ok = e.tasks[taskID]
	if !ok || t.Terminal() || t.Status == models.TaskExecuting {
		e.mu.Unlock()
		return
	}
	t.Status = models.TaskExecuting
	snapshot := *t
	e.mu.Unlock()
	e.persist(ctx, &snapshot)

	e.run.run(ctx, e, taskID, client)
}

// Delete cancels every armed timer for the task before removing its
// state, so no further firing can touch it. In-flight operations discard
// their results against the removed task.
func (e *Engine) Delete(ctx context.Context, taskID string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("task %s not found", taskID)
	}
	for _, h := range e.handles[taskID] {
		e.deps.Sched.Cancel(h)
	}
	delete(e.handles, taskID)
	delete(e.tasks, taskID)
	tenant := t.OwnerTenant
	e.mu.Unlock()

	if err := e.deps.KV.Delete(ctx, store.TaskKey(tenant, taskID)); err != nil {
		log.Warn().Err(err).Str("task", taskID).Msg("deleting task record failed")
	}
	log.Info().Str("task", taskID).Str("kind", string(e.kind)).Msg("task deleted")
	return nil
}

// Get returns a copy of one task.
func (e *Engine) Get(taskID string) (*models.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return nil, false
	}
	out := copyTask(t)
	return &out, true
}

// List returns the tenant's tasks of this kind, newest first.
func (e *Engine) List(tenant string) []models.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Task, 0)
	for _, t := range e.tasks {
		if t.OwnerTenant == tenant {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// armForTask registers a timer owned by taskID so Delete can cancel it.
func (e *Engine) armForTask(taskID string, d time.Duration, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tasks[taskID]; !ok {
		return
	}
	h := e.deps.Sched.After(d, fn)
	e.handles[taskID] = append(e.handles[taskID], h)
}

// resolveItem records the terminal status of one item, exactly once, and
// completes the task when every item is resolved. Calls against a deleted
// task are silently discarded.
func (e *Engine) resolveItem(ctx context.Context, taskID, itemID string, status models.ItemStatus, errMsg string) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	var item *models.TaskItem
	for i := range t.Items {
		if t.Items[i].ID == itemID {
			item = &t.Items[i]
			break
		}
	}
	if item == nil || item.Status != models.ItemPending {
		e.mu.Unlock()
		return
	}
	now := e.now()
	item.Status = status
	item.ProcessedAt = &now
	item.Error = errMsg
	switch status {
	case models.ItemSent:
		t.Stats.Completed++
	case models.ItemError:
		t.Stats.Errors++
	case models.ItemSkipped:
		t.Stats.Skipped++
	}

	completed := false
	if t.Resolved() && t.Status == models.TaskExecuting {
		t.Status = models.TaskCompleted
		t.CompletedAt = &now
		completed = true
	}
	snapshot := *t
	e.mu.Unlock()

	e.persist(ctx, &snapshot)
	if completed {
		log.Info().Str("task", taskID).Str("kind", string(e.kind)).
			Int("completed", snapshot.Stats.Completed).
			Int("errors", snapshot.Stats.Errors).
			Int("skipped", snapshot.Stats.Skipped).
			Msg("task completed")
	}
}

// fail moves a task to the terminal Failed state. Used only for setup
// errors; per-item failures never reach here.
func (e *Engine) fail(ctx context.Context, taskID, reason string) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok || t.Terminal() {
		e.mu.Unlock()
		return
	}
	t.Status = models.TaskFailed
	t.FailReason = reason
	for _, h := range e.handles[taskID] {
		e.deps.Sched.Cancel(h)
	}
	delete(e.handles, taskID)
	snapshot := *t
	e.mu.Unlock()

	e.persist(ctx, &snapshot)
	log.Warn().Str("task", taskID).Str("kind", string(e.kind)).
		Str("reason", reason).Msg("task failed")
}

// pendingItems returns copies of the task's unresolved items, in order.
func (e *Engine) pendingItems(taskID string) []models.TaskItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return nil
	}
	var out []models.TaskItem
	for _, item := range t.Items {
		if item.Status == models.ItemPending {
			out = append(out, item)
		}
	}
	return out
}

func (e *Engine) persist(ctx context.Context, t *models.Task) {
	raw, err := json.Marshal(t)
	if err != nil {
		log.Error().Err(err).Str("task", t.ID).Msg("encoding task record failed")
		return
	}
	if err := e.deps.KV.Put(ctx, store.TaskKey(t.OwnerTenant, t.ID), raw); err != nil {
		log.Warn().Err(err).Str("task", t.ID).Msg("persisting task record failed")
	}
}

// LoadPersisted restores task records after a restart. Armed timers are
// not durable: non-terminal tasks are marked Failed so their state is
// honest rather than silently stuck.
func (e *Engine) LoadPersisted(ctx context.Context, tenant string) error {
	records, err := e.deps.KV.List(ctx, store.TaskPrefix(tenant))
	if err != nil {
		return fmt.Errorf("listing task records: %w", err)
	}
	for _, raw := range records {
		var t models.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			log.Warn().Err(err).Str("tenant", tenant).Msg("skipping corrupt task record")
			continue
		}
		if t.Kind != e.kind {
			continue
		}
		if !t.Terminal() {
			t.Status = models.TaskFailed
			t.FailReason = "interrupted by restart"
		}
		e.mu.Lock()
		if _, exists := e.tasks[t.ID]; !exists {
			stored := t
			e.tasks[t.ID] = &stored
		}
		e.mu.Unlock()
	}
	return nil
}

func copyTask(t *models.Task) models.Task {
	out := *t
	out.Items = make([]models.TaskItem, len(t.Items))
	copy(out.Items, t.Items)
	return out
}

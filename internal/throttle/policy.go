// Package throttle implements the pacing rules that keep automated
// activity under the platform's abuse-detection thresholds: randomized
// human-like delays, per-target calendar-day quotas, and quiet-hours
// avoidance.
package throttle

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// QuietWindow is a daily window, in local hours, during which no sends
// should happen. Start > End means the window crosses midnight.
type QuietWindow struct {
	StartHour int
	EndHour   int
}

// DefaultQuietWindow is 22:00-08:00 local.
var DefaultQuietWindow = QuietWindow{StartHour: 22, EndHour: 8}

// Contains reports whether t falls inside the window.
func (w QuietWindow) Contains(t time.Time) bool {
	h := t.Hour()
	if w.StartHour == w.EndHour {
		return false
	}
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// end returns the end of the quiet window containing or preceding t.
func (w QuietWindow) end(t time.Time) time.Time {
	end := time.Date(t.Year(), t.Month(), t.Day(), w.EndHour, 0, 0, 0, t.Location())
	if !end.After(t) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// HumanDelay draws a uniform random duration in [min, max] to avoid
// fixed-cadence fingerprints. min >= max degenerates to min.
func HumanDelay(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

// SpreadOffset draws a single uniform random offset within window, used
// to scatter independent sends across it.
func SpreadOffset(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(window)))
}

// DayOffsets draws n random offsets within window and returns them sorted
// ascending, so same-day sends fire in a deterministic relative order.
func DayOffsets(n int, window time.Duration) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = SpreadOffset(window)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// record is the ephemeral per-target counter state. It is derived, not a
// source of truth: rebuildable from task history.
type record struct {
	lastAction time.Time
	dailyCount int
	dayKey     string
}

// Policy gates actions per target. All counter updates happen under one
// lock so interleaved timers cannot lose increments.
type Policy struct {
	mu      sync.Mutex
	records map[string]*record
	quiet   QuietWindow

	// now is swappable for tests.
	now func() time.Time
}

// NewPolicy returns a Policy with the given quiet window.
func NewPolicy(quiet QuietWindow) *Policy {
	return &Policy{
		records: make(map[string]*record),
		quiet:   quiet,
		now:     time.Now,
	}
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// rolled returns the target's record with the daily counter reset if the
// local calendar date changed. Caller holds p.mu.
func (p *Policy) rolled(target string) *record {
	rec, ok := p.records[target]
	if !ok {
		rec = &record{}
		p.records[target] = rec
	}
	today := dayKey(p.now())
	if rec.dayKey != today {
		rec.dayKey = today
		rec.dailyCount = 0
	}
	return rec
}

// UnderDailyQuota reports whether the target's count for the current
// local calendar day is below limit. The day boundary is the calendar
// date, not a rolling 24h window. limit <= 0 means unlimited.
func (p *Policy) UnderDailyQuota(target string, limit int) bool {
	if limit <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rolled(target).dailyCount < limit
}

// CanActOn is the composite gate every engine consults before an external
// send: the last action on target must be at least minDelay ago and the
// daily quota must not be exhausted.
func (p *Policy) CanActOn(target string, minDelay time.Duration, dailyLimit int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.rolled(target)
	if dailyLimit > 0 && rec.dailyCount >= dailyLimit {
		return false
	}
	if minDelay > 0 && !rec.lastAction.IsZero() && p.now().Sub(rec.lastAction) < minDelay {
		return false
	}
	return true
}

// TryAct is the reserving form of CanActOn: when the gate passes, the
// action is recorded in the same critical section. Concurrent callers can
// therefore never both pass a limit with one slot left.
func (p *Policy) TryAct(target string, minDelay time.Duration, dailyLimit int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.rolled(target)
	if dailyLimit > 0 && rec.dailyCount >= dailyLimit {
		return false
	}
	if minDelay > 0 && !rec.lastAction.IsZero() && p.now().Sub(rec.lastAction) < minDelay {
		return false
	}
	rec.lastAction = p.now()
	rec.dailyCount++
	return true
}

// RecordAction counts a successful action against target. Read-increment-
// write happens atomically under the policy lock.
func (p *Policy) RecordAction(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.rolled(target)
	rec.lastAction = p.now()
	rec.dailyCount++
}

// LastAction returns the time of the most recent recorded action on
// target, if any.
func (p *Policy) LastAction(target string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[target]
	if !ok || rec.lastAction.IsZero() {
		return time.Time{}, false
	}
	return rec.lastAction, true
}

// DailyCount returns the target's count for the current calendar day.
func (p *Policy) DailyCount(target string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rolled(target).dailyCount
}

// Reset drops the target's counters.
func (p *Policy) Reset(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, target)
}

// quietSpread compresses the quiet window into this span after its end,
// so adjusted times keep their relative order without landing hours late.
const quietSpread = time.Hour

// AvoidQuietHours pushes a candidate time that falls inside the quiet
// window forward past the window's end. The candidate's position within
// the window maps monotonically into a short span after the end, so items
// scheduled in the same batch keep their relative order.
func (p *Policy) AvoidQuietHours(candidate time.Time) time.Time {
	if !p.quiet.Contains(candidate) {
		return candidate
	}
	end := p.quiet.end(candidate)
	windowLen := p.windowLength()
	if windowLen <= 0 {
		return end
	}
	intoWindow := windowLen - end.Sub(candidate)
	if intoWindow < 0 {
		intoWindow = 0
	}
	offset := time.Duration(float64(quietSpread) * float64(intoWindow) / float64(windowLen))
	return end.Add(offset)
}

// InQuietHours reports whether t falls inside the configured window.
func (p *Policy) InQuietHours(t time.Time) bool {
	return p.quiet.Contains(t)
}

func (p *Policy) windowLength() time.Duration {
	start, end := p.quiet.StartHour, p.quiet.EndHour
	hours := end - start
	if hours <= 0 {
		hours += 24
	}
	return time.Duration(hours) * time.Hour
}

package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCanActOnEnforcesMinimumDelay(t *testing.T) {
	p := NewPolicy(DefaultQuietWindow)
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.Local)
	p.now = fixedClock(base)

	require.True(t, p.CanActOn("alice", 10*time.Minute, 0))
	p.RecordAction("alice")

	// A second call inside the minimum delay must refuse.
	p.now = fixedClock(base.Add(5 * time.Minute))
	require.False(t, p.CanActOn("alice", 10*time.Minute, 0))

	p.now = fixedClock(base.Add(11 * time.Minute))
	require.True(t, p.CanActOn("alice", 10*time.Minute, 0))
}

func TestDailyQuotaIsCalendarDayBased(t *testing.T) {
	p := NewPolicy(DefaultQuietWindow)
	base := time.Date(2026, 8, 26, 23, 50, 0, 0, time.Local)
	p.now = fixedClock(base)

	for i := 0; i < 3; i++ {
		require.True(t, p.CanActOn("bob", 0, 3))
		p.RecordAction("bob")
	}
	require.False(t, p.CanActOn("bob", 0, 3))
	require.Equal(t, 3, p.DailyCount("bob"))

	// Twenty minutes later it is the next calendar day; the counter
	// resets even though fewer than 24 hours passed.
	p.now = fixedClock(base.Add(20 * time.Minute))
	require.True(t, p.UnderDailyQuota("bob", 3))
	require.Equal(t, 0, p.DailyCount("bob"))
}

func TestQuotaInvariantUnderInterleavedRecording(t *testing.T) {
	p := NewPolicy(DefaultQuietWindow)
	limit := 5
	granted := 0
	for i := 0; i < 20; i++ {
		if p.CanActOn("carol", 0, limit) {
			p.RecordAction("carol")
			granted++
		}
	}
	assert.Equal(t, limit, granted)
}

func TestTryActReservesAtomically(t *testing.T) {
	p := NewPolicy(DefaultQuietWindow)
	limit := 5
	granted := 0
	for i := 0; i < 20; i++ {
		if p.TryAct("frank", 0, limit) {
			granted++
		}
	}
	assert.Equal(t, limit, granted)
	assert.Equal(t, limit, p.DailyCount("frank"))
}

func TestTryActEnforcesMinimumDelay(t *testing.T) {
	p := NewPolicy(DefaultQuietWindow)
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.Local)
	p.now = fixedClock(base)

	require.True(t, p.TryAct("grace", 10*time.Minute, 0))
	require.False(t, p.TryAct("grace", 10*time.Minute, 0))

	// A refused reservation must not count or move the last-action mark.
	require.Equal(t, 1, p.DailyCount("grace"))
	last, ok := p.LastAction("grace")
	require.True(t, ok)
	require.Equal(t, base, last)

	p.now = fixedClock(base.Add(11 * time.Minute))
	require.True(t, p.TryAct("grace", 10*time.Minute, 0))
}

func TestZeroLimitMeansUnlimited(t *testing.T) {
	p := NewPolicy(DefaultQuietWindow)
	for i := 0; i < 50; i++ {
		require.True(t, p.CanActOn("dave", 0, 0))
		p.RecordAction("dave")
	}
}

func TestLastActionAndReset(t *testing.T) {
	p := NewPolicy(DefaultQuietWindow)
	_, ok := p.LastAction("erin")
	require.False(t, ok)

	p.RecordAction("erin")
	_, ok = p.LastAction("erin")
	require.True(t, ok)

	p.Reset("erin")
	_, ok = p.LastAction("erin")
	require.False(t, ok)
	require.Equal(t, 0, p.DailyCount("erin"))
}

func TestHumanDelayBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := HumanDelay(time.Second, 3*time.Second)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
	assert.Equal(t, time.Minute, HumanDelay(time.Minute, time.Minute))
	assert.Equal(t, time.Minute, HumanDelay(time.Minute, time.Second))
}

func TestSpreadOffsetStaysInWindow(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := SpreadOffset(24 * time.Hour)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 24*time.Hour)
	}
	assert.Equal(t, time.Duration(0), SpreadOffset(0))
}

func TestDayOffsetsSortedAscending(t *testing.T) {
	offsets := DayOffsets(50, 10*time.Hour)
	require.Len(t, offsets, 50)
	for i := 1; i < len(offsets); i++ {
		assert.GreaterOrEqual(t, offsets[i], offsets[i-1])
	}
}

func TestQuietWindowContains(t *testing.T) {
	w := QuietWindow{StartHour: 22, EndHour: 8}
	cases := []struct {
		hour int
		want bool
	}{
		{21, false}, {22, true}, {23, true}, {0, true}, {7, true}, {8, false}, {12, false},
	}
	for _, tc := range cases {
		at := time.Date(2026, 8, 26, tc.hour, 30, 0, 0, time.Local)
		assert.Equal(t, tc.want, w.Contains(at), "hour %d", tc.hour)
	}

	// A degenerate window never matches.
	assert.False(t, QuietWindow{}.Contains(time.Now()))
}

func TestAvoidQuietHoursPushesPastWindowEnd(t *testing.T) {
	p := NewPolicy(QuietWindow{StartHour: 22, EndHour: 8})

	day := time.Date(2026, 8, 26, 14, 0, 0, 0, time.Local)
	assert.Equal(t, day, p.AvoidQuietHours(day), "daytime candidates pass through")

	night := time.Date(2026, 8, 26, 23, 0, 0, 0, time.Local)
	adjusted := p.AvoidQuietHours(night)
	end := time.Date(2026, 8, 27, 8, 0, 0, 0, time.Local)
	assert.False(t, adjusted.Before(end))
	assert.True(t, adjusted.Before(end.Add(time.Hour)))
}

func TestAvoidQuietHoursPreservesOrder(t *testing.T) {
	p := NewPolicy(QuietWindow{StartHour: 22, EndHour: 8})

	earlier := time.Date(2026, 8, 26, 23, 0, 0, 0, time.Local)
	later := time.Date(2026, 8, 27, 2, 0, 0, 0, time.Local)
	a := p.AvoidQuietHours(earlier)
	b := p.AvoidQuietHours(later)
	assert.True(t, a.Before(b), "adjustment must keep relative order")
}

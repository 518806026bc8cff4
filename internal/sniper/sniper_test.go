package sniper

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/herald/internal/ai"
	"github.com/herald/internal/platform"
	"github.com/herald/internal/retry"
	"github.com/herald/internal/schedule"
	"github.com/herald/internal/session"
	"github.com/herald/internal/store"
	"github.com/herald/internal/throttle"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testTenant = "tenant-1"

// fakeIntel scripts the text-intelligence collaborator.
type fakeIntel struct {
	score    ai.Score
	scoreErr error
	replies  []string
	genErr   error
	genCalls int
}

func (f *fakeIntel) ClassifyRelevance(ctx context.Context, message, intent string) (ai.Score, error) {
	if f.scoreErr != nil {
		return ai.Score{}, f.scoreErr
	}
	return f.score, nil
}

func (f *fakeIntel) GenerateReply(ctx context.Context, message, intent, style string) (string, error) {
	f.genCalls++
	if f.genErr != nil {
		return "", f.genErr
	}
	if len(f.replies) == 0 {
		return "sounds interesting, what stack are you on?", nil
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply, nil
}

type testRig struct {
	m     *Manager
	fake  *platform.FakeClient
	intel *fakeIntel
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	kv := store.NewMemory()
	sealer, err := store.NewSealer(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)

	fake := platform.NewFakeClient(platform.TargetRef{ID: "self", Handle: "@me"})
	registry := session.NewRegistry(kv, sealer, func([]byte) (platform.Client, error) {
		return fake, nil
	})
	_, err = registry.Connect(context.Background(), testTenant, "primary", []byte("creds"))
	require.NoError(t, err)

	sched := schedule.New()
	t.Cleanup(sched.Stop)

	intel := &fakeIntel{score: ai.Score{Value: 9, Origin: ai.OriginModel}}
	m := NewManager(sched, registry, throttle.NewPolicy(throttle.QuietWindow{}), intel, retry.Config{
		MaxRetries:    1,
		BaseDelay:     time.Millisecond,
		MaxDelay:      time.Millisecond,
		Multiplier:    1,
		MaxRetryAfter: time.Second,
	})
	return &testRig{m: m, fake: fake, intel: intel}
}

func fastConfig() Config {
	return Config{
		Tenant:  testTenant,
		Prompt:  "looking for golang backend work",
		Style:   "casual",
		Sources: []string{"chat-a"},
		// The interval never fires in tests; ticks run directly.
		Interval: time.Hour,
		Safety: Safety{
			ResponseDelayMin: time.Millisecond,
			ResponseDelayMax: 2 * time.Millisecond,
			MinResponseGap:   time.Millisecond,
		},
	}
}

func inbound(id int64, source, sender, text string, at time.Time) platform.Message {
	return platform.Message{ID: id, Source: source, SenderID: sender, Text: text, SentAt: at}
}

func waitForReplies(t *testing.T, fake *platform.FakeClient, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return fake.SentCount() == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDuplicateFetchGetsOneReply(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.m.Start(context.Background(), fastConfig()))
	defer rig.m.Stop(testTenant)

	// The same message appears twice in a single fetch.
	msg := inbound(1, "chat-a", "alice", "anyone around for a chat?", time.Now())
	rig.fake.AddInbound(msg)
	rig.fake.AddInbound(msg)

	rig.m.tick(testTenant)
	waitForReplies(t, rig.fake, 1)

	// Further ticks must not answer it again.
	rig.m.tick(testTenant)
	rig.m.tick(testTenant)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, rig.fake.SentCount())

	sent := rig.fake.Sent[0]
	require.Equal(t, "chat-a", sent.Target.ID)
	require.Equal(t, int64(1), sent.Payload.ReplyToID)
}

func TestStaleAndOwnMessagesIgnored(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.m.Start(context.Background(), fastConfig()))
	defer rig.m.Stop(testTenant)

	rig.fake.AddInbound(inbound(1, "chat-a", "alice", "old news", time.Now().Add(-time.Hour)))
	rig.fake.AddInbound(inbound(2, "chat-a", "self", "my own message", time.Now()))

	rig.m.tick(testTenant)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, rig.fake.SentCount())
}

func TestScheduleGateBlocksOutsideWindow(t *testing.T) {
	rig := newTestRig(t)
	cfg := fastConfig()
	cfg.Schedule = Schedule{
		Weekdays:  []time.Weekday{time.Monday},
		StartHour: 9, EndHour: 18,
	}
	require.NoError(t, rig.m.Start(context.Background(), cfg))
	defer rig.m.Stop(testTenant)

	// Fixed clock: a Wednesday noon, outside the Monday-only schedule.
	wednesday := time.Date(2026, 8, 26, 12, 0, 0, 0, time.Local)
	rig.m.now = func() time.Time { return wednesday }

	rig.fake.AddInbound(inbound(1, "chat-a", "alice", "hello there", wednesday))
	rig.m.tick(testTenant)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, rig.fake.SentCount())

	// Same clock moved to Monday noon: the message is now answered.
	monday := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	rig.m.now = func() time.Time { return monday }
	rig.fake.AddInbound(inbound(2, "chat-a", "alice", "hello again", monday))
	rig.m.tick(testTenant)
	waitForReplies(t, rig.fake, 2)
}

func TestScheduleWindowCrossingMidnight(t *testing.T) {
	s := Schedule{StartHour: 22, EndHour: 2}
	require.True(t, s.ActiveAt(time.Date(2026, 8, 26, 23, 30, 0, 0, time.Local)))
	require.True(t, s.ActiveAt(time.Date(2026, 8, 26, 1, 15, 0, 0, time.Local)))
	require.False(t, s.ActiveAt(time.Date(2026, 8, 26, 12, 0, 0, 0, time.Local)))
}

func TestPerSourceDailyLimit(t *testing.T) {
	rig := newTestRig(t)
	cfg := fastConfig()
	cfg.Safety.DailyLimitPerSource = 1
	require.NoError(t, rig.m.Start(context.Background(), cfg))
	defer rig.m.Stop(testTenant)

	rig.fake.AddInbound(inbound(1, "chat-a", "alice", "first question", time.Now()))
	rig.m.tick(testTenant)
	waitForReplies(t, rig.fake, 1)

	rig.fake.AddInbound(inbound(2, "chat-a", "bob", "second question", time.Now()))
	rig.m.tick(testTenant)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, rig.fake.SentCount())

	stats := rig.m.StatsFor(testTenant)
	require.Equal(t, 1, stats.TotalResponses)
	require.Equal(t, 1, stats.PerSource["chat-a"])
}

func TestDailyLimitHoldsWithinOneTick(t *testing.T) {
	rig := newTestRig(t)
	cfg := fastConfig()
	cfg.Safety.DailyLimitPerSource = 1
	require.NoError(t, rig.m.Start(context.Background(), cfg))
	defer rig.m.Stop(testTenant)

	// Several eligible messages arrive between two polls; the limit must
	// hold even though none of the replies has been delivered yet when the
	// later candidates are gated.
	rig.fake.AddInbound(inbound(1, "chat-a", "alice", "first question", time.Now()))
	rig.fake.AddInbound(inbound(2, "chat-a", "bob", "second question", time.Now()))
	rig.fake.AddInbound(inbound(3, "chat-a", "carol", "third question", time.Now()))
	rig.m.tick(testTenant)

	waitForReplies(t, rig.fake, 1)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, rig.fake.SentCount())
	require.Equal(t, 1, rig.m.StatsFor(testTenant).PerSource["chat-a"])
}

func TestResponseGapHoldsWithinOneTick(t *testing.T) {
	rig := newTestRig(t)
	cfg := fastConfig()
	cfg.Safety.DailyLimitPerSource = 10
	cfg.Safety.MinResponseGap = time.Hour
	require.NoError(t, rig.m.Start(context.Background(), cfg))
	defer rig.m.Stop(testTenant)

	rig.fake.AddInbound(inbound(1, "chat-a", "alice", "first question", time.Now()))
	rig.fake.AddInbound(inbound(2, "chat-a", "bob", "second question", time.Now()))
	rig.m.tick(testTenant)

	waitForReplies(t, rig.fake, 1)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, rig.fake.SentCount())
}

func TestIrrelevantMessageNotAnswered(t *testing.T) {
	rig := newTestRig(t)
	rig.intel.score = ai.Score{Value: 3, Origin: ai.OriginModel}
	require.NoError(t, rig.m.Start(context.Background(), fastConfig()))
	defer rig.m.Stop(testTenant)

	rig.fake.AddInbound(inbound(1, "chat-a", "alice", "cat pictures", time.Now()))
	rig.m.tick(testTenant)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, rig.fake.SentCount())
}

func TestClassifierFailureFallsBackToHeuristic(t *testing.T) {
	rig := newTestRig(t)
	rig.intel.scoreErr = errors.New("model down")
	require.NoError(t, rig.m.Start(context.Background(), fastConfig()))
	defer rig.m.Stop(testTenant)

	// Heavy token overlap with the intent prompt clears the heuristic
	// threshold even with the model unavailable.
	rig.fake.AddInbound(inbound(1, "chat-a", "alice",
		"we are looking for a golang backend developer for remote work", time.Now()))
	rig.m.tick(testTenant)
	waitForReplies(t, rig.fake, 1)
}

func TestBoilerplateRejectedThenRegenerated(t *testing.T) {
	rig := newTestRig(t)
	rig.intel.replies = []string{
		"As an AI, I would love to help with that!",
		"that sounds like a fun project, is it open source?",
	}
	require.NoError(t, rig.m.Start(context.Background(), fastConfig()))
	defer rig.m.Stop(testTenant)

	rig.fake.AddInbound(inbound(1, "chat-a", "alice", "building a compiler", time.Now()))
	rig.m.tick(testTenant)
	waitForReplies(t, rig.fake, 1)
	require.Equal(t, "that sounds like a fun project, is it open source?",
		rig.fake.Sent[0].Payload.Text)
	require.Equal(t, 2, rig.intel.genCalls)
}

func TestGenerationFailureUsesTemplatedFallback(t *testing.T) {
	rig := newTestRig(t)
	rig.intel.genErr = errors.New("model down")
	require.NoError(t, rig.m.Start(context.Background(), fastConfig()))
	defer rig.m.Stop(testTenant)

	rig.fake.AddInbound(inbound(1, "chat-a", "alice", "thoughts on kubernetes?", time.Now()))
	rig.m.tick(testTenant)
	waitForReplies(t, rig.fake, 1)
	require.Contains(t, rig.fake.Sent[0].Payload.Text, "kubernetes")
}

func TestResponseChanceSkips(t *testing.T) {
	rig := newTestRig(t)
	cfg := fastConfig()
	cfg.Safety.ResponseChance = 0.5
	rig.m.chance = func() float64 { return 0.9 }
	require.NoError(t, rig.m.Start(context.Background(), cfg))
	defer rig.m.Stop(testTenant)

	rig.fake.AddInbound(inbound(1, "chat-a", "alice", "hello", time.Now()))
	rig.m.tick(testTenant)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, rig.fake.SentCount())

	// The draw landing under the chance lets the reply through; the
	// message was not dedup-marked by the skip.
	rig.m.chance = func() float64 { return 0.1 }
	rig.m.tick(testTenant)
	waitForReplies(t, rig.fake, 1)
}

func TestStopCancelsPendingReply(t *testing.T) {
	rig := newTestRig(t)
	cfg := fastConfig()
	cfg.Safety.ResponseDelayMin = 50 * time.Millisecond
	cfg.Safety.ResponseDelayMax = 60 * time.Millisecond
	require.NoError(t, rig.m.Start(context.Background(), cfg))

	rig.fake.AddInbound(inbound(1, "chat-a", "alice", "hello", time.Now()))
	rig.m.tick(testTenant)

	// Stop while the paced reply timer is still armed.
	rig.m.Stop(testTenant)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, rig.fake.SentCount())
	require.False(t, rig.m.StatsFor(testTenant).Running)
}

func TestRestartReplacesPreviousSniper(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.m.Start(context.Background(), fastConfig()))
	require.NoError(t, rig.m.Start(context.Background(), fastConfig()))
	require.Equal(t, 1, rig.m.sched.Pending())
	rig.m.Stop(testTenant)
	require.Equal(t, 0, rig.m.sched.Pending())
}

func TestTestPromptDryRun(t *testing.T) {
	rig := newTestRig(t)
	score, reply, err := rig.m.TestPrompt(context.Background(),
		"looking for golang work", "casual", "we need a go developer")
	require.NoError(t, err)
	require.True(t, score.Relevant())
	require.NotEmpty(t, reply)
	require.Equal(t, 0, rig.fake.SentCount())

	_, _, err = rig.m.TestPrompt(context.Background(), "", "casual", "sample")
	require.Error(t, err)
}

func TestStartValidation(t *testing.T) {
	rig := newTestRig(t)
	cases := []Config{
		{Prompt: "p", Sources: []string{"s"}},
		{Tenant: testTenant, Sources: []string{"s"}},
		{Tenant: testTenant, Prompt: "p"},
		{Tenant: testTenant, Prompt: "p", Sources: []string{"s"},
			Safety: Safety{ResponseChance: 1.5}},
	}
	for _, cfg := range cases {
		require.Error(t, rig.m.Start(context.Background(), cfg))
	}
}

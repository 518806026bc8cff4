package autosearch

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/herald/internal/platform"
	"github.com/herald/internal/schedule"
	"github.com/herald/internal/session"
	"github.com/herald/internal/store"
)

const testTenant = "tenant-1"

func newTestManager(t *testing.T) (*Manager, *platform.FakeClient) {
	t.Helper()

	kv := store.NewMemory()
	sealer, err := store.NewSealer(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)

	fake := platform.NewFakeClient(platform.TargetRef{ID: "self"})
	registry := session.NewRegistry(kv, sealer, func([]byte) (platform.Client, error) {
		return fake, nil
	})
	_, err = registry.Connect(context.Background(), testTenant, "primary", []byte("creds"))
	require.NoError(t, err)

	sched := schedule.New()
	t.Cleanup(sched.Stop)

	return NewManager(sched, registry, kv), fake
}

func msg(id int64, source, text string) platform.Message {
	return platform.Message{ID: id, Source: source, SenderID: "someone", Text: text, SentAt: time.Now()}
}

func TestStartRequiresActiveSession(t *testing.T) {
	m, _ := newTestManager(t)
	sess, ok := m.sessions.ActiveSession(testTenant)
	require.True(t, ok)
	require.NoError(t, m.sessions.Disconnect(context.Background(), testTenant, sess.ID))

	err := m.Start(context.Background(), Config{
		Tenant:   testTenant,
		Sources:  []string{"chat-a"},
		Keywords: []string{"offer"},
	})
	require.ErrorIs(t, err, platform.ErrSessionUnavailable)
}

func TestStartAnchorsWatermarkAtNewestMessage(t *testing.T) {
	m, fake := newTestManager(t)
	fake.AddInbound(msg(10, "chat-a", "old offer, should never be reported"))

	require.NoError(t, m.Start(context.Background(), Config{
		Tenant:   testTenant,
		Sources:  []string{"chat-a"},
		Keywords: []string{"offer"},
		Interval: time.Hour,
	}))

	m.poll(testTenant)
	require.Empty(t, m.Results(testTenant))
	require.Equal(t, int64(10), m.StatusFor(testTenant).Watermarks["chat-a"])

	// Messages past the watermark are reported once and never again.
	fake.AddInbound(msg(11, "chat-a", "new offer today"))
	fake.AddInbound(msg(12, "chat-a", "unrelated chatter"))
	m.poll(testTenant)
	m.poll(testTenant)

	results := m.Results(testTenant)
	require.Len(t, results, 1)
	require.Equal(t, int64(11), results[0].ID)

	status := m.StatusFor(testTenant)
	require.True(t, status.Running)
	require.Equal(t, int64(12), status.Watermarks["chat-a"])
	require.Equal(t, 1, status.Matched)
	require.Equal(t, 3, status.Polls)
}

func TestKeywordFilterIsCaseInsensitive(t *testing.T) {
	m, fake := newTestManager(t)
	require.NoError(t, m.Start(context.Background(), Config{
		Tenant:   testTenant,
		Sources:  []string{"chat-a"},
		Keywords: []string{"GoLang"},
		Interval: time.Hour,
	}))

	fake.AddInbound(msg(1, "chat-a", "anyone hiring golang developers?"))
	fake.AddInbound(msg(2, "chat-a", "cat pictures"))
	m.poll(testTenant)

	results := m.Results(testTenant)
	require.Len(t, results, 1)
	require.Equal(t, int64(1), results[0].ID)
}

func TestBufferEvictsOldestPastCap(t *testing.T) {
	m, fake := newTestManager(t)
	require.NoError(t, m.Start(context.Background(), Config{
		Tenant:    testTenant,
		Sources:   []string{"chat-a"},
		Keywords:  []string{"offer"},
		Interval:  time.Hour,
		BufferCap: 3,
	}))

	for i := int64(1); i <= 5; i++ {
		fake.AddInbound(msg(i, "chat-a", "offer"))
	}
	m.poll(testTenant)

	results := m.Results(testTenant)
	require.Len(t, results, 3)
	require.Equal(t, int64(3), results[0].ID)
	require.Equal(t, int64(5), results[2].ID)
}

func TestRestartReplacesPreviousPoller(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := Config{
		Tenant:   testTenant,
		Sources:  []string{"chat-a"},
		Keywords: []string{"offer"},
		Interval: time.Hour,
	}
	require.NoError(t, m.Start(context.Background(), cfg))
	require.NoError(t, m.Start(context.Background(), cfg))

	// Only the replacement's interval may remain armed.
	require.Equal(t, 1, m.sched.Pending())

	m.Stop(testTenant)
	require.False(t, m.StatusFor(testTenant).Running)
	require.Equal(t, 0, m.sched.Pending())
	require.Empty(t, m.Results(testTenant))
}

func TestPollSurvivesMissingSession(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Start(context.Background(), Config{
		Tenant:   testTenant,
		Sources:  []string{"chat-a"},
		Keywords: []string{"offer"},
		Interval: time.Hour,
	}))

	sess, ok := m.sessions.ActiveSession(testTenant)
	require.True(t, ok)
	require.NoError(t, m.sessions.Disconnect(context.Background(), testTenant, sess.ID))

	m.poll(testTenant)
	require.True(t, m.StatusFor(testTenant).Running)
}

func TestTickerDrivesPolling(t *testing.T) {
	m, fake := newTestManager(t)
	require.NoError(t, m.Start(context.Background(), Config{
		Tenant:   testTenant,
		Sources:  []string{"chat-a"},
		Keywords: []string{"offer"},
		Interval: 5 * time.Millisecond,
	}))
	fake.AddInbound(msg(1, "chat-a", "fresh offer"))

	require.Eventually(t, func() bool {
		return len(m.Results(testTenant)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConfigValidation(t *testing.T) {
	m, _ := newTestManager(t)
	cases := []Config{
		{Sources: []string{"s"}, Keywords: []string{"k"}},
		{Tenant: testTenant, Keywords: []string{"k"}},
		{Tenant: testTenant, Sources: []string{"s"}},
	}
	for _, cfg := range cases {
		require.Error(t, m.Start(context.Background(), cfg))
	}
}

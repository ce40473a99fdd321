package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
)

// testClock is a manually advanced clock shared with the registry.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func startRegistry(t *testing.T, cfg Config) (*Registry, *testClock) {
	t.Helper()
	log := logger.Default()
	r := New(cfg, nil, log)
	clock := newTestClock()
	r.now = clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, clock
}

func meta(id string) RegisterMeta {
	return RegisterMeta{
		ID:          id,
		Source:      session.SourceClaudeCode,
		ProjectPath: "/home/dev/project",
		ProjectName: "project",
		TerminalKey: "TTY:/dev/ttys004",
		Model:       session.ModelInfo{DisplayName: "Sonnet"},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r, _ := startRegistry(t, Config{})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, meta("s1")))

	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, session.StatusActive, got.Status)
	assert.Equal(t, session.SourceClaudeCode, got.Source)
	assert.Equal(t, "project", got.ProjectName)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestUnregisterUnknownSession(t *testing.T) {
	r, _ := startRegistry(t, Config{})
	err := r.Unregister(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestContextUpdateAutoRegisters(t *testing.T) {
	r, _ := startRegistry(t, Config{})
	ctx := context.Background()

	// A context update for an id the registry has never seen creates a
	// placeholder session rather than failing.
	require.NoError(t, r.UpdateContext(ctx, "s1", session.ContextMetrics{
		UsedPercentage: 42,
		IsEstimate:     true,
	}))

	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, session.SourceUnknown, got.Source)
	assert.Equal(t, session.TerminalKeyUnknown, got.TerminalKey)
	require.NotNil(t, got.Metrics)
	assert.InDelta(t, 42, got.Metrics.UsedPercentage, 0.001)
	assert.InDelta(t, 58, got.Metrics.RemainingPercentage, 0.001)

	// The late session_start fills in the metadata without touching the
	// metrics the placeholder already carries.
	require.NoError(t, r.Register(ctx, meta("s1")))

	got, ok = r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, session.SourceClaudeCode, got.Source)
	assert.Equal(t, "TTY:/dev/ttys004", got.TerminalKey)
	require.NotNil(t, got.Metrics)
	assert.InDelta(t, 42, got.Metrics.UsedPercentage, 0.001)
}

func TestRegistrationOrderIsCommutative(t *testing.T) {
	ctx := context.Background()
	metrics := session.ContextMetrics{UsedPercentage: 30, IsEstimate: true}

	r1, _ := startRegistry(t, Config{})
	require.NoError(t, r1.Register(ctx, meta("s1")))
	require.NoError(t, r1.UpdateContext(ctx, "s1", metrics))

	r2, _ := startRegistry(t, Config{})
	require.NoError(t, r2.UpdateContext(ctx, "s1", metrics))
	require.NoError(t, r2.Register(ctx, meta("s1")))

	a, ok := r1.Get("s1")
	require.True(t, ok)
	b, ok := r2.Get("s1")
	require.True(t, ok)

	assert.Equal(t, a.Source, b.Source)
	assert.Equal(t, a.TerminalKey, b.TerminalKey)
	assert.Equal(t, a.ProjectName, b.ProjectName)
	assert.Equal(t, a.Metrics, b.Metrics)
}

func TestEstimateNeverOverwritesAuthoritative(t *testing.T) {
	r, _ := startRegistry(t, Config{})
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, meta("s1")))

	require.NoError(t, r.UpdateContext(ctx, "s1", session.ContextMetrics{
		UsedPercentage: 50, IsEstimate: true,
	}))
	require.NoError(t, r.UpdateContext(ctx, "s1", session.ContextMetrics{
		UsedPercentage: 61, IsEstimate: false,
	}))
	// A later estimate must not displace the authoritative report.
	require.NoError(t, r.UpdateContext(ctx, "s1", session.ContextMetrics{
		UsedPercentage: 70, IsEstimate: true,
	}))

	got, ok := r.Get("s1")
	require.True(t, ok)
	require.NotNil(t, got.Metrics)
	assert.False(t, got.Metrics.IsEstimate)
	assert.InDelta(t, 61, got.Metrics.UsedPercentage, 0.001)

	// A fresh authoritative report still applies.
	require.NoError(t, r.UpdateContext(ctx, "s1", session.ContextMetrics{
		UsedPercentage: 65, IsEstimate: false,
	}))
	got, _ = r.Get("s1")
	assert.InDelta(t, 65, got.Metrics.UsedPercentage, 0.001)
}

func TestFocusFollowsActivity(t *testing.T) {
	r, clock := startRegistry(t, Config{})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, meta("s1")))
	require.NoError(t, r.Register(ctx, meta("s2")))

	clock.Advance(time.Second)
	require.NoError(t, r.UpdateActivity(ctx, "s1"))
	focused, ok := r.Focused()
	require.True(t, ok)
	assert.Equal(t, "s1", focused.ID)
	assert.Equal(t, session.StatusWorking, focused.Status)

	clock.Advance(time.Second)
	require.NoError(t, r.UpdateContext(ctx, "s2", session.ContextMetrics{UsedPercentage: 10, IsEstimate: true}))
	focused, ok = r.Focused()
	require.True(t, ok)
	assert.Equal(t, "s2", focused.ID)

	// Going idle does not steal focus.
	require.NoError(t, r.SetIdle(ctx, "s1"))
	focused, _ = r.Focused()
	assert.Equal(t, "s2", focused.ID)
}

func TestUnregisterFocusedPicksMostRecentlyActive(t *testing.T) {
	r, clock := startRegistry(t, Config{})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, meta("s1")))
	clock.Advance(time.Second)
	require.NoError(t, r.Register(ctx, meta("s2")))
	clock.Advance(time.Second)
	require.NoError(t, r.Register(ctx, meta("s3")))

	clock.Advance(time.Second)
	require.NoError(t, r.UpdateActivity(ctx, "s2"))
	clock.Advance(time.Second)
	require.NoError(t, r.UpdateActivity(ctx, "s3"))

	require.NoError(t, r.Unregister(ctx, "s3"))
	focused, ok := r.Focused()
	require.True(t, ok)
	assert.Equal(t, "s2", focused.ID)

	require.NoError(t, r.Unregister(ctx, "s2"))
	focused, ok = r.Focused()
	require.True(t, ok)
	assert.Equal(t, "s1", focused.ID)

	require.NoError(t, r.Unregister(ctx, "s1"))
	_, ok = r.Focused()
	assert.False(t, ok)
	assert.Empty(t, r.Snapshot().FocusedID)
}

func TestManualFocus(t *testing.T) {
	r, _ := startRegistry(t, Config{})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, meta("s1")))
	require.NoError(t, r.Register(ctx, meta("s2")))

	require.NoError(t, r.SetFocused(ctx, "s1"))
	focused, _ := r.Focused()
	assert.Equal(t, "s1", focused.ID)

	assert.ErrorIs(t, r.SetFocused(ctx, "ghost"), ErrSessionNotFound)

	require.NoError(t, r.SetFocused(ctx, ""))
	_, ok := r.Focused()
	assert.False(t, ok)
}

func TestSnapshotOrdering(t *testing.T) {
	r, clock := startRegistry(t, Config{})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, meta("old")))
	clock.Advance(time.Minute)
	require.NoError(t, r.Register(ctx, meta("mid")))
	clock.Advance(time.Minute)
	require.NoError(t, r.Register(ctx, meta("new")))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "mid", list[1].ID)
	assert.Equal(t, "old", list[2].ID)
}

func TestSubscribeDeliversDeltasInOrder(t *testing.T) {
	r, _ := startRegistry(t, Config{})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, meta("s1")))

	snap, deltas, cancel, err := r.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "s1", snap.FocusedID)

	require.NoError(t, r.Register(ctx, meta("s2")))

	// Registering s2 moves focus (a register acts as activity), so the
	// subscriber sees the upsert and then the focus change.
	first := recvDelta(t, deltas)
	assert.Equal(t, session.DeltaUpserted, first.Type)
	assert.Equal(t, "s2", first.SessionID)

	second := recvDelta(t, deltas)
	assert.Equal(t, session.DeltaFocusChanged, second.Type)
	assert.Equal(t, "s2", second.SessionID)

	require.NoError(t, r.Unregister(ctx, "s2"))
	third := recvDelta(t, deltas)
	assert.Equal(t, session.DeltaRemoved, third.Type)
	assert.Equal(t, "s2", third.SessionID)

	fourth := recvDelta(t, deltas)
	assert.Equal(t, session.DeltaFocusChanged, fourth.Type)
	assert.Equal(t, "s1", fourth.SessionID)
}

func TestStaleSessionsAreSwept(t *testing.T) {
	r, clock := startRegistry(t, Config{
		StaleCutoff:   10 * time.Minute,
		SweepInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, meta("stale")))
	clock.Advance(5 * time.Minute)
	require.NoError(t, r.Register(ctx, meta("fresh")))

	clock.Advance(6 * time.Minute)

	require.Eventually(t, func() bool {
		_, ok := r.Get("stale")
		return !ok
	}, time.Second, 10*time.Millisecond, "stale session should be removed by the sweep")

	_, ok := r.Get("fresh")
	assert.True(t, ok)

	// The sweep removed the focused session, so focus moved to the survivor.
	focused, ok := r.Focused()
	require.True(t, ok)
	assert.Equal(t, "fresh", focused.ID)
}

func recvDelta(t *testing.T, ch <-chan session.Delta) session.Delta {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delta channel closed unexpectedly")
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delta")
		return session.Delta{}
	}
}

func TestEnrichFillsDiscoveryMetadata(t *testing.T) {
	r, _ := startRegistry(t, Config{})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, meta("s1")))
	require.NoError(t, r.SetFocused(ctx, ""))

	require.NoError(t, r.Enrich(ctx, "s1", DiscoveryMeta{
		TranscriptPath: "/home/dev/.claude/projects/-home-dev-project/s1.jsonl",
		GitBranch:      "main",
		Title:          "Fix the login flow",
	}))

	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "/home/dev/.claude/projects/-home-dev-project/s1.jsonl", got.TranscriptPath)
	assert.Equal(t, "main", got.GitBranch)
	assert.Equal(t, "Fix the login flow", got.Title)
	assert.Equal(t, session.StatusActive, got.Status)

	// Enrichment is not activity: focus stays where it was.
	_, focused := r.Focused()
	assert.False(t, focused)

	// A later pass cannot clobber the title, but the branch follows the
	// checkout.
	require.NoError(t, r.Enrich(ctx, "s1", DiscoveryMeta{
		Title:     "different",
		GitBranch: "feature/retry",
	}))
	got, _ = r.Get("s1")
	assert.Equal(t, "Fix the login flow", got.Title)
	assert.Equal(t, "feature/retry", got.GitBranch)

	assert.ErrorIs(t, r.Enrich(ctx, "ghost", DiscoveryMeta{}), ErrSessionNotFound)
}

package ingest

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session/registry"
)

// recordingStore captures registry calls for assertions.
type recordingStore struct {
	mu      sync.Mutex
	calls   []string
	metas   map[string]registry.RegisterMeta
	metrics map[string]session.ContextMetrics
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		metas:   make(map[string]registry.RegisterMeta),
		metrics: make(map[string]session.ContextMetrics),
	}
}

func (s *recordingStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *recordingStore) Register(_ context.Context, meta registry.RegisterMeta) error {
	s.mu.Lock()
	s.metas[meta.ID] = meta
	s.mu.Unlock()
	s.record("register:" + meta.ID)
	return nil
}

func (s *recordingStore) Unregister(_ context.Context, id string) error {
	s.record("unregister:" + id)
	return nil
}

func (s *recordingStore) UpdateActivity(_ context.Context, id string) error {
	s.record("activity:" + id)
	return nil
}

func (s *recordingStore) UpdateContext(_ context.Context, id string, m session.ContextMetrics) error {
	s.mu.Lock()
	s.metrics[id] = m
	s.mu.Unlock()
	s.record("context:" + id)
	return nil
}

func (s *recordingStore) SetIdle(_ context.Context, id string) error {
	s.record("idle:" + id)
	return nil
}

func (s *recordingStore) snapshotCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func startServer(t *testing.T) (*recordingStore, string) {
	t.Helper()

	// t.TempDir can exceed the unix socket path limit on some hosts.
	dir, err := os.MkdirTemp("", "ingest")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "j.sock")

	store := newRecordingStore()
	srv := NewServer(socketPath, store, session.AutoCompactSettings{
		Enabled:      true,
		Threshold:    80,
		BugThreshold: 78,
	}, logger.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 10*time.Millisecond, "socket should come up")

	return store, socketPath
}

func writeLines(t *testing.T, socketPath string, lines ...string) {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()
	for _, line := range lines {
		_, err := conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
}

func waitForCalls(t *testing.T, store *recordingStore, n int) []string {
	t.Helper()
	var calls []string
	require.Eventually(t, func() bool {
		calls = store.snapshotCalls()
		return len(calls) >= n
	}, time.Second, 10*time.Millisecond)
	return calls
}

func TestServerDispatchesEventsInArrivalOrder(t *testing.T) {
	store, socketPath := startServer(t)

	writeLines(t, socketPath,
		`{"event":"session_start","session_id":"s1","source":"startup","cwd":"/home/dev/proj","model":{"display_name":"Opus"},"terminal_env":{"ITERM_SESSION_ID":"w0t1p2"}}`,
		`{"event":"activity","session_id":"s1"}`,
		`{"event":"context_update","session_id":"s1","is_estimate":true,"context_window":{"used_percentage":18,"context_window_size":200000,"total_input_tokens":36000}}`,
		`{"event":"session_idle","session_id":"s1"}`,
		`{"event":"session_end","session_id":"s1"}`,
	)

	calls := waitForCalls(t, store, 5)
	assert.Equal(t, []string{
		"register:s1", "activity:s1", "context:s1", "idle:s1", "unregister:s1",
	}, calls)

	store.mu.Lock()
	defer store.mu.Unlock()
	meta := store.metas["s1"]
	assert.Equal(t, session.SourceClaudeCode, meta.Source)
	assert.Equal(t, "proj", meta.ProjectName)
	assert.Equal(t, "ITERM:w0t1p2", meta.TerminalKey)
	assert.Equal(t, "Opus", meta.Model.DisplayName)
	assert.Equal(t, session.AutoCompactSettings{
		Enabled:      true,
		Threshold:    80,
		BugThreshold: 78,
	}, meta.AutoCompact, "configured compact settings ride on registration")

	m := store.metrics["s1"]
	assert.True(t, m.IsEstimate)
	assert.InDelta(t, 18, m.UsedPercentage, 0.001)
	assert.Equal(t, 200000, m.ContextWindowSize)
}

func TestServerSkipsInvalidEvents(t *testing.T) {
	store, socketPath := startServer(t)

	writeLines(t, socketPath,
		`{"event":"teleport","session_id":"s1"}`,
		`{"event":"activity"}`,
		`{"event":"activity","session_id":"s1"}`,
	)

	calls := waitForCalls(t, store, 1)
	assert.Equal(t, []string{"activity:s1"}, calls)
}

func TestServerMalformedJSONClosesOnlyThatConnection(t *testing.T) {
	store, socketPath := startServer(t)

	// Valid line, then garbage: the valid one applies, the connection dies.
	writeLines(t, socketPath,
		`{"event":"activity","session_id":"s1"}`,
		`{not json`,
		`{"event":"activity","session_id":"never-applied"}`,
	)

	waitForCalls(t, store, 1)

	// A fresh connection still works.
	writeLines(t, socketPath, `{"event":"activity","session_id":"s2"}`)
	calls := waitForCalls(t, store, 2)
	assert.Equal(t, []string{"activity:s1", "activity:s2"}, calls)
	assert.NotContains(t, calls, "activity:never-applied")
}

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
)

func upsert(id, title string) session.Delta {
	return session.Delta{
		Type:      session.DeltaUpserted,
		SessionID: id,
		Session:   &session.Session{ID: id, Title: title},
	}
}

func removal(id string) session.Delta {
	return session.Delta{Type: session.DeltaRemoved, SessionID: id}
}

// drain reads deltas until the channel closes or goes quiet.
func drain(t *testing.T, ch <-chan session.Delta) []session.Delta {
	t.Helper()
	var out []session.Delta
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-time.After(200 * time.Millisecond):
			return out
		}
	}
}

func TestSubscriberCoalescesUpsertsWhileConsumerStalls(t *testing.T) {
	s := newSubscriber(8, logger.Default())
	defer s.close()

	// Nothing reads from out yet, so everything past the first delta
	// queues in pending where upserts for the same id collapse in place.
	require.True(t, s.enqueue(session.Delta{Type: session.DeltaFocusChanged, SessionID: "s1"}))
	require.True(t, s.enqueue(upsert("s1", "v1")))
	require.True(t, s.enqueue(upsert("s1", "v2")))
	require.True(t, s.enqueue(upsert("s2", "other")))
	require.True(t, s.enqueue(removal("s1")))
	require.True(t, s.enqueue(upsert("s1", "v3")))

	got := drain(t, s.out)

	// Six enqueues, five deliveries: v1 and v2 collapsed into one upsert.
	require.Len(t, got, 5)
	assert.Equal(t, session.DeltaFocusChanged, got[0].Type)

	assert.Equal(t, session.DeltaUpserted, got[1].Type)
	assert.Equal(t, "s1", got[1].SessionID)
	require.NotNil(t, got[1].Session)
	assert.Equal(t, "v2", got[1].Session.Title)

	assert.Equal(t, session.DeltaUpserted, got[2].Type)
	assert.Equal(t, "s2", got[2].SessionID)

	// The removal keeps its place, and the upsert that followed it stays
	// behind it instead of coalescing backwards across it.
	assert.Equal(t, session.DeltaRemoved, got[3].Type)
	assert.Equal(t, "s1", got[3].SessionID)
	assert.Equal(t, session.DeltaUpserted, got[4].Type)
	require.NotNil(t, got[4].Session)
	assert.Equal(t, "v3", got[4].Session.Title)
}

func TestSubscriberOverflowDisconnects(t *testing.T) {
	const limit = 2
	s := newSubscriber(limit, logger.Default())

	// Removals never coalesce, so with nobody reading the queue fills.
	// The pump can hold at most one delta in flight, so the overflow
	// lands within limit+2 enqueues.
	overflowed := false
	for i := 0; i < limit+2; i++ {
		if !s.enqueue(removal("s" + string(rune('a'+i)))) {
			overflowed = true
			break
		}
	}
	require.True(t, overflowed, "queue should overflow with a stalled consumer")

	// A dropped subscriber accepts nothing further and its channel closes.
	assert.False(t, s.enqueue(upsert("late", "ignored")))

	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("done channel not closed after overflow")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-s.out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("out channel not closed after overflow")
		}
	}
}

func TestSubscriberCloseIsIdempotent(t *testing.T) {
	s := newSubscriber(4, logger.Default())
	require.True(t, s.enqueue(upsert("s1", "v1")))

	s.close()
	s.close()

	assert.False(t, s.enqueue(upsert("s1", "v2")))
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-s.out:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "out should close after close()")
}

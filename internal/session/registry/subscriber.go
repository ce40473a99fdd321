package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
)

// subscriber is one delta consumer. Deltas queue in pending and a pump
// goroutine drains them to out, so a slow consumer never blocks the
// registry's command loop. Upserts for the same session id are coalesced
// in place (last wins); removals and focus changes are never coalesced.
// When pending fills up anyway the subscriber is dropped.
type subscriber struct {
	mu      sync.Mutex
	pending []session.Delta
	// upsertIdx maps session id to the pending index of its queued upsert.
	upsertIdx map[string]int
	limit     int
	closed    bool

	notify chan struct{}
	done   chan struct{}
	out    chan session.Delta
	logger *logger.Logger
}

func newSubscriber(limit int, log *logger.Logger) *subscriber {
	s := &subscriber{
		upsertIdx: make(map[string]int),
		limit:     limit,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		out:       make(chan session.Delta),
		logger:    log,
	}
	go s.pump()
	return s
}

// enqueue queues a delta, reporting false when the subscriber overflowed
// and must be detached.
func (s *subscriber) enqueue(delta session.Delta) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	if delta.Type == session.DeltaUpserted {
		if idx, ok := s.upsertIdx[delta.SessionID]; ok {
			s.pending[idx] = delta
			s.mu.Unlock()
			s.wake()
			return true
		}
	}

	if len(s.pending) >= s.limit {
		s.closed = true
		close(s.done)
		s.mu.Unlock()
		s.logger.Warn("Dropping slow subscriber", zap.Int("queue_limit", s.limit))
		return false
	}

	s.pending = append(s.pending, delta)
	if delta.Type == session.DeltaUpserted {
		s.upsertIdx[delta.SessionID] = len(s.pending) - 1
	} else if delta.Type == session.DeltaRemoved {
		// A later upsert for the same id must not land before this removal;
		// forget the coalescing slot so it queues as a fresh delta.
		delete(s.upsertIdx, delta.SessionID)
	}
	s.mu.Unlock()
	s.wake()
	return true
}

func (s *subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			delta := s.pending[0]
			s.pending = s.pending[1:]
			if delta.Type == session.DeltaUpserted {
				delete(s.upsertIdx, delta.SessionID)
			}
			// Remaining coalescing indexes shift down by one.
			for id, idx := range s.upsertIdx {
				s.upsertIdx[id] = idx - 1
			}
			s.mu.Unlock()

			select {
			case s.out <- delta:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.upsertIdx = make(map[string]int)
	close(s.done)
	s.mu.Unlock()
}

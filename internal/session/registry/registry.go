// Package registry implements the in-memory session table with a
// single-writer command loop, focus tracking and subscriber fan-out.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/events"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/events/bus"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
)

// ErrSessionNotFound is returned for mutations on unknown session ids.
// It is non-fatal and never surfaces to subscribers.
var ErrSessionNotFound = errors.New("session not found")

const (
	commandQueueSize = 256

	// DefaultSubscriberQueue bounds each subscriber's pending deltas.
	DefaultSubscriberQueue = 256
)

// Config holds registry policy knobs.
type Config struct {
	// StaleCutoff is the last-activity age beyond which the sweep removes
	// a session.
	StaleCutoff time.Duration
	// SweepInterval is the period of the stale-session sweep.
	SweepInterval time.Duration
	// SubscriberQueue bounds each subscriber's pending delta queue.
	SubscriberQueue int
}

func (c *Config) applyDefaults() {
	if c.StaleCutoff <= 0 {
		c.StaleCutoff = 60 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.SubscriberQueue <= 0 {
		c.SubscriberQueue = DefaultSubscriberQueue
	}
}

// state is the registry's mutable core. Only the command loop touches it.
type state struct {
	sessions  map[string]*session.Session
	focusedID string
}

type command struct {
	run  func(*state) error
	done chan error
}

// Registry is the single-writer session store. All mutating operations are
// serialized through a command queue drained by one goroutine; reads are
// served from an immutable snapshot published after every commit.
type Registry struct {
	cfg      Config
	cmds     chan command
	stopped  chan struct{}
	snapshot atomic.Pointer[session.Snapshot]
	bus      bus.EventBus
	logger   *logger.Logger

	// subscribers is owned by the command loop.
	subscribers map[*subscriber]struct{}

	// pending holds focus deltas raised mid-mutation so they commit
	// together with the upsert that caused them. Command-loop owned.
	pending []session.Delta

	now func() time.Time
}

// New creates a Registry. Deltas are mirrored onto the event bus subjects
// session.upserted / session.removed / session.focus_changed.
func New(cfg Config, eventBus bus.EventBus, log *logger.Logger) *Registry {
	cfg.applyDefaults()
	r := &Registry{
		cfg:         cfg,
		cmds:        make(chan command, commandQueueSize),
		stopped:     make(chan struct{}),
		bus:         eventBus,
		logger:      log.WithFields(zap.String("component", "session_registry")),
		subscribers: make(map[*subscriber]struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
	r.snapshot.Store(&session.Snapshot{})
	return r
}

// Run drains the command queue until ctx is cancelled, then closes every
// subscriber. The sweep ticker runs on the same loop so sweeps serialize
// with ordinary mutations.
func (r *Registry) Run(ctx context.Context) {
	r.logger.Info("Session registry started",
		zap.Duration("stale_cutoff", r.cfg.StaleCutoff),
		zap.Duration("sweep_interval", r.cfg.SweepInterval))
	defer func() {
		close(r.stopped)
		r.logger.Info("Session registry stopped")
	}()

	st := &state{sessions: make(map[string]*session.Session)}
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Drain commands already queued before shutting down.
			for {
				select {
				case cmd := <-r.cmds:
					cmd.done <- cmd.run(st)
				default:
					r.closeSubscribers()
					return
				}
			}
		case cmd := <-r.cmds:
			cmd.done <- cmd.run(st)
		case <-ticker.C:
			r.sweep(st)
		}
	}
}

func (r *Registry) exec(ctx context.Context, run func(*state) error) error {
	cmd := command{run: run, done: make(chan error, 1)}
	select {
	case r.cmds <- cmd:
	case <-r.stopped:
		return errors.New("registry stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-r.stopped:
		return errors.New("registry stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterMeta is the metadata carried by a session_start event.
type RegisterMeta struct {
	ID             string
	Source         session.Source
	ProjectPath    string
	WorkingDir     string
	ProjectName    string
	TerminalKey    string
	Model          session.ModelInfo
	TranscriptPath string
	GitBranch      string
	Title          string
	AutoCompact    session.AutoCompactSettings
}

// Register creates a session, or merges metadata into a session that was
// auto-created by an earlier context_update. Merging never regresses a
// field already set to a non-default value.
func (r *Registry) Register(ctx context.Context, meta RegisterMeta) error {
	if meta.ID == "" {
		return fmt.Errorf("register: session id is required")
	}
	return r.exec(ctx, func(st *state) error {
		now := r.now()
		existing, ok := st.sessions[meta.ID]
		if !ok {
			sess := r.newSession(meta, now)
			st.sessions[meta.ID] = sess
			r.focusLocked(st, sess.ID)
			r.commit(st, upsertDelta(sess))
			return nil
		}
		mergeMeta(existing, meta)
		existing.Status = session.StatusActive
		existing.LastActivity = laterOf(existing.LastActivity, now)
		r.focusLocked(st, existing.ID)
		r.commit(st, upsertDelta(existing))
		return nil
	})
}

// Unregister removes a session. Removing the focused session shifts focus
// to the survivor with the greatest last activity, or to none.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	return r.exec(ctx, func(st *state) error {
		if _, ok := st.sessions[id]; !ok {
			return fmt.Errorf("unregister %q: %w", id, ErrSessionNotFound)
		}
		r.removeLocked(st, id)
		return nil
	})
}

// UpdateActivity bumps last-activity, marks the session working, and moves
// focus to it.
func (r *Registry) UpdateActivity(ctx context.Context, id string) error {
	return r.exec(ctx, func(st *state) error {
		sess, ok := st.sessions[id]
		if !ok {
			return fmt.Errorf("update activity %q: %w", id, ErrSessionNotFound)
		}
		sess.Status = session.StatusWorking
		sess.LastActivity = laterOf(sess.LastActivity, r.now())
		r.focusLocked(st, id)
		r.commit(st, upsertDelta(sess))
		return nil
	})
}

// UpdateContext attaches context metrics. An unknown id is auto-registered
// with minimal defaults so early status-line events are never lost to
// hook-ordering races. A first-party (non-estimate) metric is never
// overwritten by an estimate.
func (r *Registry) UpdateContext(ctx context.Context, id string, metrics session.ContextMetrics) error {
	if id == "" {
		return fmt.Errorf("update context: session id is required")
	}
	return r.exec(ctx, func(st *state) error {
		now := r.now()
		sess, ok := st.sessions[id]
		if !ok {
			sess = r.newSession(RegisterMeta{ID: id, Source: session.SourceUnknown}, now)
			sess.TerminalKey = session.TerminalKeyUnknown
			st.sessions[id] = sess
			r.logger.Debug("Auto-registered session from context update", zap.String("session_id", id))
		}
		metrics.Normalize()
		if sess.Metrics == nil || metrics.IsEstimate == sess.Metrics.IsEstimate || !metrics.IsEstimate {
			m := metrics
			sess.Metrics = &m
		}
		sess.LastActivity = laterOf(sess.LastActivity, now)
		r.focusLocked(st, id)
		r.commit(st, upsertDelta(sess))
		return nil
	})
}

// DiscoveryMeta is scanner-derived metadata: the transcript file backing
// a session and what its head reveals.
type DiscoveryMeta struct {
	TranscriptPath string
	WorkingDir     string
	GitBranch      string
	Title          string
}

// Enrich merges discovery metadata into a session without touching its
// status, activity, or focus. Empty-field fill for everything except the
// git branch, which tracks the checkout.
func (r *Registry) Enrich(ctx context.Context, id string, meta DiscoveryMeta) error {
	return r.exec(ctx, func(st *state) error {
		sess, ok := st.sessions[id]
		if !ok {
			return fmt.Errorf("enrich %q: %w", id, ErrSessionNotFound)
		}
		changed := false
		if sess.TranscriptPath == "" && meta.TranscriptPath != "" {
			sess.TranscriptPath = meta.TranscriptPath
			changed = true
		}
		if sess.WorkingDir == "" && meta.WorkingDir != "" {
			sess.WorkingDir = meta.WorkingDir
			changed = true
		}
		if sess.Title == "" && meta.Title != "" {
			sess.Title = meta.Title
			changed = true
		}
		if meta.GitBranch != "" && sess.GitBranch != meta.GitBranch {
			sess.GitBranch = meta.GitBranch
			changed = true
		}
		if changed {
			r.commit(st, upsertDelta(sess))
		}
		return nil
	})
}

// SetIdle marks a session idle without moving focus.
func (r *Registry) SetIdle(ctx context.Context, id string) error {
	return r.exec(ctx, func(st *state) error {
		sess, ok := st.sessions[id]
		if !ok {
			return fmt.Errorf("set idle %q: %w", id, ErrSessionNotFound)
		}
		sess.Status = session.StatusIdle
		sess.LastActivity = laterOf(sess.LastActivity, r.now())
		r.commit(st, upsertDelta(sess))
		return nil
	})
}

// SetFocused manually focuses a session, or clears focus with "".
func (r *Registry) SetFocused(ctx context.Context, id string) error {
	return r.exec(ctx, func(st *state) error {
		if id != "" {
			if _, ok := st.sessions[id]; !ok {
				return fmt.Errorf("set focus %q: %w", id, ErrSessionNotFound)
			}
		}
		if st.focusedID == id {
			return nil
		}
		st.focusedID = id
		r.commit(st, focusDelta(st))
		return nil
	})
}

// SetAutoCompact toggles the auto-compact setting on a session.
func (r *Registry) SetAutoCompact(ctx context.Context, id string, enabled bool) error {
	return r.exec(ctx, func(st *state) error {
		sess, ok := st.sessions[id]
		if !ok {
			return fmt.Errorf("set autocompact %q: %w", id, ErrSessionNotFound)
		}
		sess.AutoCompact.Enabled = enabled
		r.commit(st, upsertDelta(sess))
		return nil
	})
}

// Get returns a copy of one session from the current snapshot.
func (r *Registry) Get(id string) (*session.Session, bool) {
	for _, sess := range r.snapshot.Load().Sessions {
		if sess.ID == id {
			return sess.Clone(), true
		}
	}
	return nil, false
}

// List returns the sessions of the current snapshot, most recently active first.
func (r *Registry) List() []*session.Session {
	snap := r.snapshot.Load()
	out := make([]*session.Session, 0, len(snap.Sessions))
	for _, sess := range snap.Sessions {
		out = append(out, sess.Clone())
	}
	return out
}

// Focused returns the focused session, if any.
func (r *Registry) Focused() (*session.Session, bool) {
	snap := r.snapshot.Load()
	if snap.FocusedID == "" {
		return nil, false
	}
	for _, sess := range snap.Sessions {
		if sess.ID == snap.FocusedID {
			return sess.Clone(), true
		}
	}
	return nil, false
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *session.Snapshot {
	return r.snapshot.Load()
}

// Subscribe registers a delta consumer. The returned snapshot reflects the
// commit point of subscription; every delta committed after that point is
// delivered in order, subject to last-wins coalescing of upserts per
// session id. Cancel detaches the subscriber and closes its channel.
func (r *Registry) Subscribe(ctx context.Context) (*session.Snapshot, <-chan session.Delta, func(), error) {
	sub := newSubscriber(r.cfg.SubscriberQueue, r.logger)
	var snap *session.Snapshot
	err := r.exec(ctx, func(st *state) error {
		snap = r.snapshot.Load()
		r.subscribers[sub] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	cancel := func() {
		_ = r.exec(context.Background(), func(st *state) error {
			delete(r.subscribers, sub)
			return nil
		})
		sub.close()
	}
	return snap, sub.out, cancel, nil
}

// --- command-loop internals ---

func (r *Registry) newSession(meta RegisterMeta, now time.Time) *session.Session {
	source := meta.Source
	if source == "" {
		source = session.SourceUnknown
	}
	terminalKey := meta.TerminalKey
	if terminalKey == "" {
		terminalKey = session.TerminalKeyUnknown
	}
	return &session.Session{
		ID:             meta.ID,
		Source:         source,
		ProjectPath:    meta.ProjectPath,
		WorkingDir:     meta.WorkingDir,
		ProjectName:    meta.ProjectName,
		TerminalKey:    terminalKey,
		Model:          meta.Model,
		Status:         session.StatusActive,
		CreatedAt:      now,
		LastActivity:   now,
		AutoCompact:    meta.AutoCompact,
		TranscriptPath: meta.TranscriptPath,
		GitBranch:      meta.GitBranch,
		Title:          meta.Title,
	}
}

// mergeMeta fills fields the auto-registered session was missing.
func mergeMeta(sess *session.Session, meta RegisterMeta) {
	if sess.Source == session.SourceUnknown && meta.Source != "" {
		sess.Source = meta.Source
	}
	if sess.ProjectPath == "" {
		sess.ProjectPath = meta.ProjectPath
	}
	if sess.WorkingDir == "" {
		sess.WorkingDir = meta.WorkingDir
	}
	if sess.ProjectName == "" {
		sess.ProjectName = meta.ProjectName
	}
	if (sess.TerminalKey == "" || sess.TerminalKey == session.TerminalKeyUnknown) && meta.TerminalKey != "" {
		sess.TerminalKey = meta.TerminalKey
	}
	if sess.Model.DisplayName == "" {
		sess.Model = meta.Model
	}
	if sess.TranscriptPath == "" {
		sess.TranscriptPath = meta.TranscriptPath
	}
	if sess.GitBranch == "" {
		sess.GitBranch = meta.GitBranch
	}
	if sess.Title == "" {
		sess.Title = meta.Title
	}
	if sess.AutoCompact == (session.AutoCompactSettings{}) {
		sess.AutoCompact = meta.AutoCompact
	}
}

func (r *Registry) removeLocked(st *state, id string) {
	removed := st.sessions[id].Clone()
	delete(st.sessions, id)
	// The removal delta carries the final session state so downstream
	// consumers (auto-archive) still know its transcript path.
	deltas := []session.Delta{{Type: session.DeltaRemoved, SessionID: id, Session: removed}}
	if st.focusedID == id {
		st.focusedID = ""
		var latest *session.Session
		for _, sess := range st.sessions {
			if latest == nil || sess.LastActivity.After(latest.LastActivity) {
				latest = sess
			}
		}
		if latest != nil {
			st.focusedID = latest.ID
		}
		deltas = append(deltas, focusDelta(st))
	}
	r.commit(st, deltas...)
}

// focusLocked moves focus to id, queueing a focus delta on change.
func (r *Registry) focusLocked(st *state, id string) {
	if st.focusedID == id {
		return
	}
	st.focusedID = id
	r.pending = append(r.pending, focusDelta(st))
}

func upsertDelta(sess *session.Session) session.Delta {
	return session.Delta{Type: session.DeltaUpserted, SessionID: sess.ID, Session: sess.Clone()}
}

func focusDelta(st *state) session.Delta {
	d := session.Delta{Type: session.DeltaFocusChanged, SessionID: st.focusedID}
	if st.focusedID != "" {
		if sess, ok := st.sessions[st.focusedID]; ok {
			d.Session = sess.Clone()
		}
	}
	return d
}

// commit publishes a new snapshot and delivers deltas to every subscriber
// in commit order, followed by the event bus mirror.
func (r *Registry) commit(st *state, deltas ...session.Delta) {
	// Focus deltas raised by the mutation follow the upsert that caused them.
	if len(r.pending) > 0 {
		deltas = append(deltas, r.pending...)
		r.pending = nil
	}

	sessions := make([]*session.Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		sessions = append(sessions, sess.Clone())
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].LastActivity.Equal(sessions[j].LastActivity) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})
	r.snapshot.Store(&session.Snapshot{Sessions: sessions, FocusedID: st.focusedID})

	for _, delta := range deltas {
		for sub := range r.subscribers {
			if !sub.enqueue(delta) {
				delete(r.subscribers, sub)
			}
		}
		r.mirror(delta)
	}
}

func (r *Registry) mirror(delta session.Delta) {
	if r.bus == nil {
		return
	}
	var subject string
	switch delta.Type {
	case session.DeltaUpserted:
		subject = events.SessionUpserted
	case session.DeltaRemoved:
		subject = events.SessionRemoved
	case session.DeltaFocusChanged:
		subject = events.SessionFocus
	default:
		return
	}
	data := map[string]interface{}{"session_id": delta.SessionID}
	if delta.Session != nil {
		data["session"] = delta.Session
	}
	if err := r.bus.Publish(context.Background(), subject, bus.NewEvent(string(delta.Type), "registry", data)); err != nil {
		r.logger.Warn("Failed to mirror delta onto event bus", zap.Error(err))
	}
}

func (r *Registry) sweep(st *state) {
	cutoff := r.now().Add(-r.cfg.StaleCutoff)
	var stale []string
	for id, sess := range st.sessions {
		if sess.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r.logger.Info("Removing stale session", zap.String("session_id", id))
		r.removeLocked(st, id)
	}
}

func (r *Registry) closeSubscribers() {
	for sub := range r.subscribers {
		sub.close()
	}
	r.subscribers = make(map[*subscriber]struct{})
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

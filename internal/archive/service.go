package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/events"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/events/bus"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session/registry"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/transcript"
)

// ErrNoTranscript is returned when a session carries no transcript path
// to archive from.
var ErrNoTranscript = errors.New("session has no transcript path")

// ErrUnknownAction is returned for trigger_action names the service
// does not implement.
var ErrUnknownAction = errors.New("unknown action")

// SessionSource resolves live sessions for manual archive requests.
// Satisfied by the registry.
type SessionSource interface {
	Get(id string) (*session.Session, bool)
}

// HandoffWriter produces a handoff document for a parsed conversation.
type HandoffWriter interface {
	Write(entries []transcript.ParsedEntry, projectPath, sessionID string) (string, error)
}

// Service glues the parser and the store to the rest of the system: it
// serves the dashboard's trigger_action commands and, when enabled,
// auto-archives sessions as they end.
type Service struct {
	store    *Store
	parser   *transcript.Parser
	sessions SessionSource
	handoff  HandoffWriter
	logger   *logger.Logger
}

// NewService wires the archive service. handoff may be nil; the handoff
// action then reports an error instead of writing a document.
func NewService(store *Store, parser *transcript.Parser, sessions SessionSource, handoff HandoffWriter, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		parser:   parser,
		sessions: sessions,
		handoff:  handoff,
		logger:   log,
	}
}

// Run executes a named action against a live session. Implements the
// gateway's action runner contract.
func (s *Service) Run(ctx context.Context, sessionID, action string) error {
	switch action {
	case "archive":
		_, err := s.ArchiveSession(ctx, sessionID, false)
		return err
	case "handoff":
		_, err := s.GenerateHandoff(ctx, sessionID)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}

// ArchiveSession parses a live session's transcript and archives it.
func (s *Service) ArchiveSession(ctx context.Context, sessionID string, auto bool) (*ConversationManifest, error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("archive %q: %w", sessionID, registry.ErrSessionNotFound)
	}
	return s.archiveFromSession(ctx, sess, auto)
}

// GenerateHandoff parses a live session's transcript and writes the
// handoff document into the project's .jacques tree.
func (s *Service) GenerateHandoff(ctx context.Context, sessionID string) (string, error) {
	if s.handoff == nil {
		return "", errors.New("handoff generation is not configured")
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("handoff %q: %w", sessionID, registry.ErrSessionNotFound)
	}
	if sess.TranscriptPath == "" {
		return "", ErrNoTranscript
	}
	entries, _, err := s.parser.ParseFile(sess.TranscriptPath)
	if err != nil {
		return "", fmt.Errorf("parse transcript: %w", err)
	}
	path, err := s.handoff.Write(entries, s.projectPath(sess), sessionID)
	if err != nil {
		return "", err
	}
	s.logger.Info("Wrote handoff document",
		zap.String("session_id", sessionID), zap.String("path", path))
	return path, nil
}

// AutoArchive subscribes the service to session removal events. Each
// removed session with a known transcript is archived in the background.
// Returns the bus subscription for teardown.
func (s *Service) AutoArchive(ctx context.Context, eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe(events.SessionRemoved, func(ctx context.Context, event *bus.Event) error {
		sess, err := sessionFromEvent(event)
		if err != nil {
			s.logger.Debug("Skipping auto-archive for removal event", zap.Error(err))
			return nil
		}
		if _, err := s.archiveFromSession(ctx, sess, true); err != nil {
			// Auto-archive is best effort; a failed parse or write must
			// not bubble into the registry's delta pipeline.
			s.logger.Warn("Auto-archive failed",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
		return nil
	})
}

func (s *Service) archiveFromSession(ctx context.Context, sess *session.Session, auto bool) (*ConversationManifest, error) {
	if sess.TranscriptPath == "" {
		return nil, ErrNoTranscript
	}
	entries, stats, err := s.parser.ParseFile(sess.TranscriptPath)
	if err != nil {
		return nil, fmt.Errorf("parse transcript: %w", err)
	}
	return s.store.Archive(ctx, ArchiveRequest{
		SessionID:    sess.ID,
		ProjectPath:  s.projectPath(sess),
		Title:        sess.Title,
		Entries:      entries,
		Stats:        stats,
		AutoArchived: auto,
	})
}

func (s *Service) projectPath(sess *session.Session) string {
	if sess.ProjectPath != "" {
		return sess.ProjectPath
	}
	return sess.WorkingDir
}

// sessionFromEvent recovers the removed session from a bus event. The
// registry mirrors deltas with the session under the "session" key.
func sessionFromEvent(event *bus.Event) (*session.Session, error) {
	raw, ok := event.Data["session"]
	if !ok || raw == nil {
		return nil, errors.New("removal event carries no session")
	}
	// The in-memory bus delivers the *session.Session as-is; NATS
	// round-trips it through JSON into a generic map.
	if sess, ok := raw.(*session.Session); ok {
		return sess, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, errors.New("removal event session has no id")
	}
	return &sess, nil
}

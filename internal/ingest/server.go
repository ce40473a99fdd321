package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session/registry"
)

// maxLineBytes bounds a single NDJSON line. Hook events are small; a line
// this large means a runaway producer.
const maxLineBytes = 1 << 20

// SessionStore is the slice of the registry the ingestion plane drives.
type SessionStore interface {
	Register(ctx context.Context, meta registry.RegisterMeta) error
	Unregister(ctx context.Context, id string) error
	UpdateActivity(ctx context.Context, id string) error
	UpdateContext(ctx context.Context, id string, metrics session.ContextMetrics) error
	SetIdle(ctx context.Context, id string) error
}

// Server accepts hook connections on a unix socket and streams their
// newline-delimited events into the registry.
type Server struct {
	socketPath string
	store      SessionStore
	// autoCompact is the configured default applied to new sessions; the
	// hook payload does not carry the CLI's compact settings.
	autoCompact session.AutoCompactSettings
	logger      *logger.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates an ingestion server for the given socket path.
func NewServer(socketPath string, store SessionStore, autoCompact session.AutoCompactSettings, log *logger.Logger) *Server {
	return &Server{
		socketPath:  socketPath,
		store:       store,
		autoCompact: autoCompact,
		logger:      log.WithFields(zap.String("component", "ingest")),
	}
}

// Run binds the socket and serves connections until ctx is cancelled.
// The socket file is removed on exit.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("bind ingestion socket %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Ingestion socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		listener.Close()
		os.Remove(s.socketPath)
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info("Ingestion socket closed")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn applies one connection's events in arrival order. A JSON
// decode failure terminates this connection only; schema failures and
// unknown events are logged and skipped.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event HookEvent
		if err := json.Unmarshal(line, &event); err != nil {
			s.logger.Warn("Malformed event line, closing connection", zap.Error(err))
			return
		}
		if err := event.Validate(); err != nil {
			s.logger.Warn("Discarding invalid event", zap.Error(err))
			continue
		}
		if err := s.Dispatch(ctx, &event); err != nil {
			if errors.Is(err, registry.ErrSessionNotFound) {
				s.logger.Debug("Event for unknown session",
					zap.String("event", event.Event),
					zap.String("session_id", event.SessionID))
				continue
			}
			s.logger.Error("Failed to apply event",
				zap.String("event", event.Event),
				zap.String("session_id", event.SessionID),
				zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("Connection read error", zap.Error(err))
	}
}

// Dispatch applies a single validated event to the registry.
func (s *Server) Dispatch(ctx context.Context, event *HookEvent) error {
	switch event.Event {
	case EventSessionStart:
		return s.store.Register(ctx, s.buildRegisterMeta(event))
	case EventSessionEnd:
		return s.store.Unregister(ctx, event.SessionID)
	case EventActivity:
		return s.store.UpdateActivity(ctx, event.SessionID)
	case EventContextUpdate:
		return s.store.UpdateContext(ctx, event.SessionID, event.Metrics())
	case EventSessionIdle:
		return s.store.SetIdle(ctx, event.SessionID)
	default:
		return fmt.Errorf("unknown event %q", event.Event)
	}
}

func (s *Server) buildRegisterMeta(event *HookEvent) registry.RegisterMeta {
	meta := registry.RegisterMeta{
		ID:             event.SessionID,
		Source:         NormalizeSource(event.Source),
		WorkingDir:     event.CWD,
		ProjectPath:    event.CWD,
		TerminalKey:    DeriveTerminalKey(event.TerminalEnv),
		TranscriptPath: event.TranscriptPath,
		GitBranch:      event.GitBranch,
		AutoCompact:    s.autoCompact,
	}
	if event.Workspace != nil && event.Workspace.ProjectDir != "" {
		meta.ProjectPath = event.Workspace.ProjectDir
	}
	if meta.ProjectPath != "" {
		meta.ProjectName = filepath.Base(meta.ProjectPath)
	}
	if event.Model != nil {
		meta.Model = session.ModelInfo{
			DisplayName: event.Model.DisplayName,
			ID:          event.Model.ID,
		}
	}
	return meta
}

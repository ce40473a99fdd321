package scanner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session/registry"
)

// DefaultEnrichInterval is how often discovery output is merged into the
// live registry.
const DefaultEnrichInterval = 15 * time.Second

// SessionDirectory is the registry surface the enricher needs: the live
// sessions and a metadata merge that does not count as activity.
type SessionDirectory interface {
	List() []*session.Session
	Enrich(ctx context.Context, id string, meta registry.DiscoveryMeta) error
}

// Enricher periodically pairs the registry's sessions with their
// transcript files. Hook events carry no transcript path, title, or git
// branch; discovery fills those in after the fact.
type Enricher struct {
	scanner  *Scanner
	sessions SessionDirectory
	interval time.Duration
	logger   *logger.Logger
}

// NewEnricher creates an enricher. interval <= 0 selects the default.
func NewEnricher(s *Scanner, sessions SessionDirectory, interval time.Duration, log *logger.Logger) *Enricher {
	if interval <= 0 {
		interval = DefaultEnrichInterval
	}
	return &Enricher{scanner: s, sessions: sessions, interval: interval, logger: log}
}

// Run scans on a ticker until the context ends. The first pass happens
// immediately.
func (e *Enricher) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.Pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Pass(ctx)
		}
	}
}

// Pass runs one discovery round: the process-paired scan, plus a direct
// scan of every working directory the registry knows about.
func (e *Enricher) Pass(ctx context.Context) {
	detected, err := e.scanner.Scan(ctx)
	if err != nil {
		e.logger.Warn("Process discovery scan failed", zap.Error(err))
	}

	if dirs := e.knownWorkingDirs(); len(dirs) > 0 {
		fromDirs, err := e.scanner.ScanDirs(ctx, dirs)
		if err != nil {
			e.logger.Warn("Directory discovery scan failed", zap.Error(err))
		}
		detected = append(detected, fromDirs...)
	}

	applied := make(map[string]struct{}, len(detected))
	for _, d := range detected {
		if _, done := applied[d.SessionID]; done {
			continue
		}
		applied[d.SessionID] = struct{}{}

		err := e.sessions.Enrich(ctx, d.SessionID, registry.DiscoveryMeta{
			TranscriptPath: d.TranscriptPath,
			WorkingDir:     d.WorkingDir,
			GitBranch:      d.GitBranch,
			Title:          d.Title,
		})
		// Discovery routinely sees transcripts whose hooks never
		// reported in; those are not registry sessions.
		if err != nil && !errors.Is(err, registry.ErrSessionNotFound) {
			e.logger.Warn("Failed to enrich session",
				zap.String("session_id", d.SessionID), zap.Error(err))
		}
	}
}

func (e *Enricher) knownWorkingDirs() []string {
	seen := make(map[string]struct{})
	var dirs []string
	for _, sess := range e.sessions.List() {
		dir := sess.WorkingDir
		if dir == "" {
			dir = sess.ProjectPath
		}
		if dir == "" {
			continue
		}
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	return dirs
}

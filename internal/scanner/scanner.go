package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/constants"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/project"
)

// DefaultProcessName is the vendor CLI binary name.
const DefaultProcessName = "claude"

// Scanner pairs live vendor processes with recently written transcripts.
type Scanner struct {
	transcriptRoot string
	processName    string
	catalog        *Catalog
	logger         *logger.Logger

	now func() time.Time
}

// New creates a scanner rooted at the vendor's transcript directory
// (typically ~/.claude/projects). catalog may be nil; discovery then
// always reads transcript heads directly.
func New(transcriptRoot, processName string, catalog *Catalog, log *logger.Logger) *Scanner {
	if processName == "" {
		processName = DefaultProcessName
	}
	return &Scanner{
		transcriptRoot: transcriptRoot,
		processName:    processName,
		catalog:        catalog,
		logger:         log.WithFields(zap.String("component", "scanner")),
		now:            time.Now,
	}
}

// Scan enumerates live vendor processes and returns the active sessions
// paired to them. For a directory with N processes and M active session
// files the top min(N,M) by recency pair up; extra session files get
// synthetic process info; extra processes are ignored.
func (s *Scanner) Scan(ctx context.Context) ([]DetectedSession, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.ProcessEnumTimeout)
	defer cancel()

	procs, err := enumerateProcesses(ctx, s.processName)
	if err != nil {
		return nil, err
	}

	byDir := make(map[string][]vendorProcess)
	for _, p := range procs {
		byDir[p.WorkingDir] = append(byDir[p.WorkingDir], p)
	}

	var detected []DetectedSession
	for dir, dirProcs := range byDir {
		sessions, err := s.scanProjectDir(ctx, dir, dirProcs)
		if err != nil {
			s.logger.Warn("Failed to scan project directory",
				zap.String("working_dir", dir),
				zap.Error(err))
			continue
		}
		detected = append(detected, sessions...)
	}

	sort.Slice(detected, func(i, j int) bool {
		return detected[i].LastModified.After(detected[j].LastModified)
	})
	return detected, nil
}

// ScanDirs discovers active sessions for known working directories
// without consulting the process table. Used to enrich sessions the
// registry already tracks through hook events.
func (s *Scanner) ScanDirs(ctx context.Context, workingDirs []string) ([]DetectedSession, error) {
	var detected []DetectedSession
	for _, dir := range workingDirs {
		sessions, err := s.scanProjectDir(ctx, dir, nil)
		if err != nil {
			s.logger.Warn("Failed to scan project directory",
				zap.String("working_dir", dir),
				zap.Error(err))
			continue
		}
		detected = append(detected, sessions...)
	}
	sort.Slice(detected, func(i, j int) bool {
		return detected[i].LastModified.After(detected[j].LastModified)
	})
	return detected, nil
}

func (s *Scanner) scanProjectDir(ctx context.Context, workingDir string, procs []vendorProcess) ([]DetectedSession, error) {
	projectDir := project.TranscriptDir(s.transcriptRoot, workingDir)
	files, err := s.activeTranscripts(projectDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	projectID := project.EncodeID(workingDir)
	sessions := make([]DetectedSession, 0, len(files))
	for i, file := range files {
		meta := s.metadataFor(ctx, file.path, file.mtime, projectDir)
		sess := DetectedSession{
			SessionID:      meta.SessionID,
			TranscriptPath: file.path,
			WorkingDir:     workingDir,
			ProjectID:      projectID,
			GitBranch:      meta.GitBranch,
			Title:          meta.Title,
			LastModified:   file.mtime,
			PID:            0,
			TTY:            "?",
		}
		if sess.SessionID == "" {
			sess.SessionID = strings.TrimSuffix(filepath.Base(file.path), ".jsonl")
		}
		// Pair the most recent files with the live processes; the rest
		// keep synthetic process info.
		if i < len(procs) {
			sess.PID = procs[i].PID
			sess.TTY = procs[i].TTY
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

type transcriptFile struct {
	path  string
	mtime time.Time
}

// activeTranscripts lists JSONL files written within the activity window,
// most recent first.
func (s *Scanner) activeTranscripts(projectDir string) ([]transcriptFile, error) {
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-constants.ActiveTranscriptWindow)
	var files []transcriptFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			continue
		}
		files = append(files, transcriptFile{
			path:  filepath.Join(projectDir, entry.Name()),
			mtime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].mtime.After(files[j].mtime)
	})
	return files, nil
}

// metadataFor resolves transcript metadata, preferring the catalog cache,
// then a bounded head read. The vendor's own closed-session index wins
// for the title when it knows the session.
func (s *Scanner) metadataFor(ctx context.Context, path string, mtime time.Time, projectDir string) transcriptMeta {
	var meta transcriptMeta
	cached := false

	if s.catalog != nil {
		m, ok, err := s.catalog.Get(ctx, path, mtime)
		if err != nil {
			s.logger.Warn("Catalog read failed", zap.Error(err))
		} else if ok {
			meta = m
			cached = true
		}
	}

	if !cached {
		m, err := readTranscriptMeta(path)
		if err != nil {
			s.logger.Warn("Failed to read transcript head",
				zap.String("path", path),
				zap.Error(err))
			return meta
		}
		meta = m
		if s.catalog != nil {
			if err := s.catalog.Put(ctx, path, mtime, meta); err != nil {
				s.logger.Warn("Catalog write failed", zap.Error(err))
			}
		}
	}

	if title := vendorIndexTitle(projectDir, meta.SessionID); title != "" {
		meta.Title = title
	}
	return meta
}

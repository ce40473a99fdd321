package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/config"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/events"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/events/bus"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/project"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/transcript"
)

// ErrNothingToArchive is returned when a conversation has no surviving
// entries after filtering.
var ErrNothingToArchive = errors.New("conversation has no archivable entries")

const (
	archiveDirName  = "archive"
	projectDirName  = ".jacques"
	indexFileName   = "index.json"
	currentVersion  = 2
	conflictBackoff = 50 * time.Millisecond
)

// Store owns the global archive tree and the per-project .jacques
// mirrors. The global search index has a single writer per process;
// per-project writes are serialized with a per-project mutex so
// concurrent archives against the same project cannot corrupt the
// unified index.
type Store struct {
	root        string
	filter      Filter
	skipProject bool
	bus         bus.EventBus
	logger      *logger.Logger
	now         func() time.Time

	indexMu sync.Mutex

	projectMu sync.Mutex
	projects  map[string]*sync.Mutex
}

// NewStore builds a Store from the archive configuration section. The
// event bus is optional; without one archive notifications are skipped.
func NewStore(cfg config.ArchiveConfig, eventBus bus.EventBus, log *logger.Logger) *Store {
	filter := Filter(cfg.Filter)
	switch filter {
	case FilterEverything, FilterWithoutTools, FilterMessagesOnly:
	default:
		filter = FilterEverything
	}
	return &Store{
		root:        cfg.Root,
		filter:      filter,
		skipProject: cfg.SkipProject,
		bus:         eventBus,
		logger:      log,
		now:         time.Now,
		projects:    make(map[string]*sync.Mutex),
	}
}

// ArchiveRequest describes one conversation to archive.
type ArchiveRequest struct {
	SessionID    string
	ProjectPath  string
	Title        string
	Label        string
	Entries      []transcript.ParsedEntry
	Stats        *transcript.Stats
	AutoArchived bool
}

// Archive persists a conversation: manifest, filtered conversation
// document, plan link-or-copy, search index update. Re-archiving the
// same session id overwrites the manifest and conversation and replaces
// its index entries, so the whole flow is idempotent.
func (s *Store) Archive(ctx context.Context, req ArchiveRequest) (*ConversationManifest, error) {
	if req.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if req.ProjectPath == "" {
		return nil, errors.New("project path is required")
	}

	entries := s.filter.Apply(req.Entries)
	if len(entries) == 0 {
		return nil, ErrNothingToArchive
	}

	projectID := project.EncodeID(req.ProjectPath)
	unlock := s.lockProject(projectID)
	defer unlock()

	archivedAt := s.now().UTC()
	title := req.Title
	if title == "" {
		title = "Untitled conversation"
	}

	manifest := BuildManifest(req.SessionID, projectID, req.ProjectPath, title, req.Entries, req.Stats, archivedAt)
	manifest.AutoArchived = req.AutoArchived
	manifest.Label = req.Label

	idx, err := s.loadProjectIndex(req.ProjectPath)
	if err != nil {
		return nil, fmt.Errorf("load project index: %w", err)
	}

	planIDs, err := s.linkPlans(ctx, idx, &manifest, req.Entries)
	if err != nil {
		return nil, fmt.Errorf("link plans: %w", err)
	}
	manifest.PlanIDs = planIDs
	manifest.ClampSize()

	// Step 1: global manifest, one file per session id.
	manifestPath := filepath.Join(s.root, archiveDirName, "manifests", req.SessionID+".json")
	if err := writeJSONAtomic(manifestPath, &manifest); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	// Step 2: full conversation, global and (unless opted out) mirrored
	// into the project's .jacques tree under the same filename.
	doc := ArchivedConversation{Manifest: manifest, Entries: entries}
	globalConv := filepath.Join(s.root, archiveDirName, "conversations", projectID, manifest.Filename)
	if err := writeJSONAtomic(globalConv, &doc); err != nil {
		return nil, fmt.Errorf("write conversation: %w", err)
	}
	if !s.skipProject {
		projectConv := filepath.Join(req.ProjectPath, projectDirName, "sessions", manifest.Filename)
		if err := writeJSONAtomic(projectConv, &doc); err != nil {
			return nil, fmt.Errorf("write project conversation: %w", err)
		}
	}

	// Step 3 already staged the plan entries on idx; persist the unified
	// project index with this conversation and its subagent artefacts
	// upserted.
	upsertManifest(idx, manifest)
	appendSubagents(idx, req.SessionID, SubagentRecords(req.Entries))
	if err := s.saveProjectIndex(req.ProjectPath, idx); err != nil {
		return nil, fmt.Errorf("save project index: %w", err)
	}
	if !s.skipProject {
		if err := s.updateLocalSearchIndex(req.ProjectPath, idx); err != nil {
			return nil, fmt.Errorf("update local search index: %w", err)
		}
	}

	// Step 4: global search index. The index add stages new buckets and
	// swaps them in whole, so a failed save never leaves partial entries
	// in memory.
	if err := s.updateGlobalSearchIndex(&manifest); err != nil {
		return nil, fmt.Errorf("update search index: %w", err)
	}

	s.publish(ctx, events.ConversationArchived, map[string]interface{}{
		"session_id": manifest.SessionID,
		"project_id": manifest.ProjectID,
		"title":      manifest.Title,
		"plan_ids":   manifest.PlanIDs,
	})
	s.logger.Info("Archived conversation",
		zap.String("session_id", manifest.SessionID),
		zap.String("project_id", manifest.ProjectID),
		zap.Int("entries", len(entries)),
		zap.Int("plans", len(planIDs)))
	return &manifest, nil
}

// linkPlans extracts embedded plans, deduplicates them against the
// project's known plans, and applies the link-or-copy step. New plans
// are written to both stores; duplicates only gain the session id in
// their sessions set.
func (s *Store) linkPlans(ctx context.Context, idx *ProjectIndex, manifest *ConversationManifest, entries []transcript.ParsedEntry) ([]string, error) {
	candidates := ExtractPlans(entries)
	if len(candidates) == 0 {
		return nil, nil
	}

	known := make(map[string]string, len(idx.Plans))
	for _, p := range idx.Plans {
		body, err := s.readPlanBody(manifest.ProjectID, p.Filename)
		if err != nil {
			s.logger.Warn("Skipping unreadable plan during dedup",
				zap.String("plan_id", p.ID), zap.Error(err))
			continue
		}
		known[p.ID] = body
	}

	var planIDs []string
	seen := make(map[string]struct{})
	for _, candidate := range candidates {
		var id string
		if dupID, dup := IsDuplicate(candidate.Content, known); dup {
			id = dupID
			appendSession(idx, id, manifest.SessionID)
		} else {
			entry, err := s.createPlan(idx, manifest, candidate)
			if err != nil {
				return nil, err
			}
			id = entry.ID
			known[id] = candidate.Content
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		planIDs = append(planIDs, id)
		s.publish(ctx, events.PlanLinked, map[string]interface{}{
			"plan_id":    id,
			"session_id": manifest.SessionID,
			"project_id": manifest.ProjectID,
		})
	}
	return planIDs, nil
}

// createPlan writes a new plan file to the global and per-project plan
// stores and stages its entry on the project index.
func (s *Store) createPlan(idx *ProjectIndex, manifest *ConversationManifest, candidate CandidatePlan) (*PlanEntry, error) {
	createdAt := s.now().UTC()
	filename := PlanFilename(createdAt, candidate.Title)
	// Embedded plans have no file of their own; their identity derives
	// from the deterministic per-project path the copy lands on.
	originalPath := filepath.Join(manifest.ProjectPath, projectDirName, "plans", slugify(candidate.Title)+".md")

	entry := PlanEntry{
		ID:           PlanID(originalPath),
		Title:        candidate.Title,
		OriginalPath: originalPath,
		Filename:     filename,
		ProjectID:    manifest.ProjectID,
		CreatedAt:    createdAt,
		Sessions:     []string{manifest.SessionID},
	}

	globalPath := filepath.Join(s.root, archiveDirName, "plans", manifest.ProjectID, filename)
	if err := writeFileAtomic(globalPath, []byte(candidate.Content)); err != nil {
		return nil, fmt.Errorf("write plan: %w", err)
	}
	if !s.skipProject {
		projectPath := filepath.Join(manifest.ProjectPath, projectDirName, "plans", filename)
		if err := writeFileAtomic(projectPath, []byte(candidate.Content)); err != nil {
			return nil, fmt.Errorf("write project plan: %w", err)
		}
	}

	idx.Plans = append(idx.Plans, entry)
	return &idx.Plans[len(idx.Plans)-1], nil
}

func (s *Store) readPlanBody(projectID, filename string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, archiveDirName, "plans", projectID, filename))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// appendSession adds a session id to a plan's sessions set.
func appendSession(idx *ProjectIndex, planID, sessionID string) {
	for i := range idx.Plans {
		if idx.Plans[i].ID != planID {
			continue
		}
		for _, existing := range idx.Plans[i].Sessions {
			if existing == sessionID {
				return
			}
		}
		idx.Plans[i].Sessions = append(idx.Plans[i].Sessions, sessionID)
		return
	}
}

// appendSubagents upserts subagent artefact records, adding the session
// to each record's back-reference set.
func appendSubagents(idx *ProjectIndex, sessionID string, records []SubagentRecord) {
	for _, rec := range records {
		found := false
		for i := range idx.Subagents {
			if idx.Subagents[i].ID != rec.ID {
				continue
			}
			found = true
			linked := false
			for _, existing := range idx.Subagents[i].Sessions {
				if existing == sessionID {
					linked = true
					break
				}
			}
			if !linked {
				idx.Subagents[i].Sessions = append(idx.Subagents[i].Sessions, sessionID)
			}
			break
		}
		if !found {
			idx.Subagents = append(idx.Subagents, SubagentEntry{
				ID:          rec.ID,
				Type:        rec.Type,
				Description: rec.Description,
				Sessions:    []string{sessionID},
			})
		}
	}
}

// upsertManifest replaces the index entry with the same session id, or
// appends.
func upsertManifest(idx *ProjectIndex, manifest ConversationManifest) {
	for i := range idx.Conversations {
		if idx.Conversations[i].SessionID == manifest.SessionID {
			idx.Conversations[i] = manifest
			return
		}
	}
	idx.Conversations = append(idx.Conversations, manifest)
}

// loadProjectIndex reads <project>/.jacques/index.json, migrating the
// legacy files[] layout into the unified shape.
func (s *Store) loadProjectIndex(projectPath string) (*ProjectIndex, error) {
	path := filepath.Join(projectPath, projectDirName, indexFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		idx := &ProjectIndex{Version: currentVersion, OriginalPath: projectPath}
		idx.ensureSections()
		return idx, nil
	}
	if err != nil {
		return nil, err
	}

	var idx ProjectIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if idx.OriginalPath == "" {
		idx.OriginalPath = projectPath
	}

	if len(idx.Files) > 0 {
		projectID := project.EncodeID(projectPath)
		for _, f := range idx.Files {
			upsertManifest(&idx, ConversationManifest{
				SessionID:   f.SessionID,
				ProjectID:   projectID,
				ProjectSlug: filepath.Base(projectPath),
				ProjectPath: projectPath,
				Title:       f.Title,
				ArchivedAt:  f.Date,
				Filename:    f.Filename,
			})
		}
		idx.Files = nil
		s.logger.Info("Migrated legacy project index",
			zap.String("project", projectPath),
			zap.Int("conversations", len(idx.Conversations)))
	}
	idx.Version = currentVersion
	idx.ensureSections()
	return &idx, nil
}

func (s *Store) saveProjectIndex(projectPath string, idx *ProjectIndex) error {
	return writeJSONAtomic(filepath.Join(projectPath, projectDirName, indexFileName), idx)
}

// updateLocalSearchIndex rebuilds the project-local search index from
// the project's own conversations. It is a subset of the global index.
func (s *Store) updateLocalSearchIndex(projectPath string, idx *ProjectIndex) error {
	local := NewSearchIndex()
	for i := range idx.Conversations {
		local.Add(&idx.Conversations[i])
	}
	return writeJSONAtomic(filepath.Join(projectPath, projectDirName, "sessions", indexFileName), local)
}

// updateGlobalSearchIndex loads, mutates, and atomically rewrites the
// global index.json under the single-writer mutex.
func (s *Store) updateGlobalSearchIndex(manifest *ConversationManifest) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx, err := s.loadGlobalIndex()
	if err != nil {
		return err
	}
	idx.Add(manifest)
	return writeJSONAtomic(s.globalIndexPath(), idx)
}

// RemoveFromIndex drops a session's entries from the global search
// index. The archived files stay on disk.
func (s *Store) RemoveFromIndex(sessionID string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx, err := s.loadGlobalIndex()
	if err != nil {
		return err
	}
	idx.Remove(sessionID)
	return writeJSONAtomic(s.globalIndexPath(), idx)
}

func (s *Store) globalIndexPath() string {
	return filepath.Join(s.root, archiveDirName, indexFileName)
}

func (s *Store) loadGlobalIndex() (*SearchIndex, error) {
	data, err := os.ReadFile(s.globalIndexPath())
	if errors.Is(err, os.ErrNotExist) {
		return NewSearchIndex(), nil
	}
	if err != nil {
		return nil, err
	}
	var idx SearchIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse search index: %w", err)
	}
	if idx.Buckets == nil {
		idx.Buckets = make(map[string][]BucketEntry)
	}
	if idx.Projects == nil {
		idx.Projects = make(map[string]ProjectAggregate)
	}
	if idx.SessionRefs == nil {
		idx.SessionRefs = make(map[string]SessionRef)
	}
	return &idx, nil
}

// SearchOptions narrow search results after ranking.
type SearchOptions struct {
	ProjectID    string
	Technologies []string
	Since        time.Time
	Limit        int
}

// SearchHit pairs a ranked result with its loaded manifest.
type SearchHit struct {
	Manifest ConversationManifest `json:"manifest"`
	Score    float64              `json:"score"`
}

// Search ranks archived conversations for a query, then applies the
// option filters against the loaded manifests.
func (s *Store) Search(query string, opts SearchOptions) ([]SearchHit, error) {
	s.indexMu.Lock()
	idx, err := s.loadGlobalIndex()
	s.indexMu.Unlock()
	if err != nil {
		return nil, err
	}

	var hits []SearchHit
	for _, result := range idx.Search(query) {
		manifest, err := s.Manifest(result.SessionID)
		if err != nil {
			s.logger.Warn("Indexed manifest missing on disk",
				zap.String("session_id", result.SessionID), zap.Error(err))
			continue
		}
		if !matchesOptions(manifest, opts) {
			continue
		}
		hits = append(hits, SearchHit{Manifest: *manifest, Score: result.Score})
		if opts.Limit > 0 && len(hits) >= opts.Limit {
			break
		}
	}
	return hits, nil
}

func matchesOptions(m *ConversationManifest, opts SearchOptions) bool {
	if opts.ProjectID != "" && m.ProjectID != opts.ProjectID {
		return false
	}
	if !opts.Since.IsZero() && m.ArchivedAt.Before(opts.Since) {
		return false
	}
	if len(opts.Technologies) > 0 {
		have := make(map[string]struct{}, len(m.Technologies))
		for _, tech := range m.Technologies {
			have[tech] = struct{}{}
		}
		for _, want := range opts.Technologies {
			if _, ok := have[want]; !ok {
				return false
			}
		}
	}
	return true
}

// Manifest loads one archived session's manifest.
func (s *Store) Manifest(sessionID string) (*ConversationManifest, error) {
	data, err := os.ReadFile(filepath.Join(s.root, archiveDirName, "manifests", sessionID+".json"))
	if err != nil {
		return nil, err
	}
	var m ConversationManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", sessionID, err)
	}
	return &m, nil
}

// ProjectPlans lists the plan entries of one project.
func (s *Store) ProjectPlans(projectPath string) ([]PlanEntry, error) {
	idx, err := s.loadProjectIndex(projectPath)
	if err != nil {
		return nil, err
	}
	return idx.Plans, nil
}

func (s *Store) lockProject(projectID string) func() {
	s.projectMu.Lock()
	mu, ok := s.projects[projectID]
	if !ok {
		mu = &sync.Mutex{}
		s.projects[projectID] = mu
	}
	s.projectMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (s *Store) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "archive", data)); err != nil {
		s.logger.Warn("Failed to publish archive event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes through a temp file in the target directory
// and renames it into place. A rename collision is retried once after a
// short backoff before surfacing.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		time.Sleep(conflictBackoff)
		if err := os.Rename(tmpName, path); err != nil {
			os.Remove(tmpName)
			return err
		}
	}
	return nil
}

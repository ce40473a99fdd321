package scanner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Catalog is a sqlite cache of transcript-head metadata. Discovery reads
// it before touching a transcript file; entries older than maxAge or with
// a stale mtime are ignored.
type Catalog struct {
	db     *sqlx.DB
	maxAge time.Duration
}

// catalogRow is one cached transcript head.
type catalogRow struct {
	TranscriptPath string    `db:"transcript_path"`
	SessionID      string    `db:"session_id"`
	GitBranch      string    `db:"git_branch"`
	Title          string    `db:"title"`
	FileMtime      time.Time `db:"file_mtime"`
	CachedAt       time.Time `db:"cached_at"`
}

// OpenCatalog opens (and if needed creates) the catalog database.
func OpenCatalog(path string, maxAge time.Duration) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	c := &Catalog{db: db, maxAge: maxAge}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize catalog schema: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_catalog (
		transcript_path TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		git_branch TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		file_mtime TIMESTAMP NOT NULL,
		cached_at TIMESTAMP NOT NULL
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Get returns cached metadata for a transcript, or ok=false when the
// entry is absent, expired, or the file changed since caching.
func (c *Catalog) Get(ctx context.Context, transcriptPath string, mtime time.Time) (transcriptMeta, bool, error) {
	var row catalogRow
	err := c.db.GetContext(ctx, &row,
		`SELECT transcript_path, session_id, git_branch, title, file_mtime, cached_at
		 FROM session_catalog WHERE transcript_path = ?`, transcriptPath)
	if errors.Is(err, sql.ErrNoRows) {
		return transcriptMeta{}, false, nil
	}
	if err != nil {
		return transcriptMeta{}, false, err
	}
	if time.Since(row.CachedAt) > c.maxAge || !row.FileMtime.Equal(mtime) {
		return transcriptMeta{}, false, nil
	}
	return transcriptMeta{
		SessionID: row.SessionID,
		GitBranch: row.GitBranch,
		Title:     row.Title,
	}, true, nil
}

// Put upserts metadata for a transcript.
func (c *Catalog) Put(ctx context.Context, transcriptPath string, mtime time.Time, meta transcriptMeta) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO session_catalog (transcript_path, session_id, git_branch, title, file_mtime, cached_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(transcript_path) DO UPDATE SET
			session_id = excluded.session_id,
			git_branch = excluded.git_branch,
			title = excluded.title,
			file_mtime = excluded.file_mtime,
			cached_at = excluded.cached_at`,
		transcriptPath, meta.SessionID, meta.GitBranch, meta.Title, mtime, time.Now().UTC())
	return err
}

// Prune drops entries whose transcript no longer exists on disk.
func (c *Catalog) Prune(ctx context.Context) error {
	var paths []string
	if err := c.db.SelectContext(ctx, &paths,
		`SELECT transcript_path FROM session_catalog`); err != nil {
		return err
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			if _, err := c.db.ExecContext(ctx,
				`DELETE FROM session_catalog WHERE transcript_path = ?`, p); err != nil {
				return err
			}
		}
	}
	return nil
}

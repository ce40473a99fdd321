// Package api exposes the read-side HTTP query API: live sessions,
// archive search, and on-demand archive/handoff triggers.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/archive"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session/registry"
)

// SessionLister reads the live session snapshot. Satisfied by the
// registry.
type SessionLister interface {
	List() []*session.Session
	Get(id string) (*session.Session, bool)
	Focused() (*session.Session, bool)
}

// Archiver runs the on-demand archive and handoff flows. Satisfied by
// the archive service.
type Archiver interface {
	ArchiveSession(ctx context.Context, sessionID string, auto bool) (*archive.ConversationManifest, error)
	GenerateHandoff(ctx context.Context, sessionID string) (string, error)
}

// Searcher queries the archived-conversation index. Satisfied by the
// archive store.
type Searcher interface {
	Search(query string, opts archive.SearchOptions) ([]archive.SearchHit, error)
}

// Handler contains the HTTP handlers for the query API.
type Handler struct {
	sessions SessionLister
	archiver Archiver
	searcher Searcher
	logger   *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(sessions SessionLister, archiver Archiver, searcher Searcher, log *logger.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		archiver: archiver,
		searcher: searcher,
		logger:   log,
	}
}

// ListSessions returns every live session, most recently active first.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.sessions.List()
	focusedID := ""
	if focused, ok := h.sessions.Focused(); ok {
		focusedID = focused.ID
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":           sessions,
		"focused_session_id": focusedID,
		"count":              len(sessions),
	})
}

// GetSession returns one live session.
// GET /api/v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	sess, ok := h.sessions.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "session_id": id})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// SearchArchive ranks archived conversations for a keyword query.
// GET /api/v1/search?q=&project=&tech=&limit=
func (h *Handler) SearchArchive(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}

	opts := archive.SearchOptions{
		ProjectID: c.Query("project"),
		Limit:     50,
	}
	if tech := c.Query("tech"); tech != "" {
		opts.Technologies = strings.Split(tech, ",")
	}
	if since := c.Query("since"); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		opts.Since = parsed
	}

	hits, err := h.searcher.Search(query, opts)
	if err != nil {
		h.logger.Error("archive search failed", zap.String("query", query), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": hits, "count": len(hits)})
}

// ArchiveSession archives a live session's transcript.
// POST /api/v1/sessions/:id/archive
func (h *Handler) ArchiveSession(c *gin.Context) {
	id := c.Param("id")
	manifest, err := h.archiver.ArchiveSession(c.Request.Context(), id, false)
	if err != nil {
		h.respondArchiveError(c, id, err, "archive failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"manifest": manifest})
}

// GenerateHandoff writes a handoff document for a live session.
// POST /api/v1/sessions/:id/handoff
func (h *Handler) GenerateHandoff(c *gin.Context) {
	id := c.Param("id")
	path, err := h.archiver.GenerateHandoff(c.Request.Context(), id)
	if err != nil {
		h.respondArchiveError(c, id, err, "handoff generation failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"path": path})
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(h.sessions.List())})
}

func (h *Handler) respondArchiveError(c *gin.Context, sessionID string, err error, msg string) {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "session_id": sessionID})
	case errors.Is(err, archive.ErrNoTranscript), errors.Is(err, archive.ErrNothingToArchive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "session_id": sessionID})
	default:
		h.logger.Error(msg, zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

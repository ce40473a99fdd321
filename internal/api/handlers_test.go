package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/archive"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockSessions struct {
	ListFn    func() []*session.Session
	GetFn     func(id string) (*session.Session, bool)
	FocusedFn func() (*session.Session, bool)
}

func (m *mockSessions) List() []*session.Session {
	if m.ListFn != nil {
		return m.ListFn()
	}
	return nil
}

func (m *mockSessions) Get(id string) (*session.Session, bool) {
	if m.GetFn != nil {
		return m.GetFn(id)
	}
	return nil, false
}

func (m *mockSessions) Focused() (*session.Session, bool) {
	if m.FocusedFn != nil {
		return m.FocusedFn()
	}
	return nil, false
}

type mockArchiver struct {
	ArchiveFn func(ctx context.Context, sessionID string, auto bool) (*archive.ConversationManifest, error)
	HandoffFn func(ctx context.Context, sessionID string) (string, error)
}

func (m *mockArchiver) ArchiveSession(ctx context.Context, sessionID string, auto bool) (*archive.ConversationManifest, error) {
	if m.ArchiveFn != nil {
		return m.ArchiveFn(ctx, sessionID, auto)
	}
	return &archive.ConversationManifest{SessionID: sessionID}, nil
}

func (m *mockArchiver) GenerateHandoff(ctx context.Context, sessionID string) (string, error) {
	if m.HandoffFn != nil {
		return m.HandoffFn(ctx, sessionID)
	}
	return "/tmp/handoff.md", nil
}

type mockSearcher struct {
	SearchFn func(query string, opts archive.SearchOptions) ([]archive.SearchHit, error)
}

func (m *mockSearcher) Search(query string, opts archive.SearchOptions) ([]archive.SearchHit, error) {
	if m.SearchFn != nil {
		return m.SearchFn(query, opts)
	}
	return nil, nil
}

func newTestRouter(sessions *mockSessions, archiver *mockArchiver, searcher *mockSearcher) *gin.Engine {
	if sessions == nil {
		sessions = &mockSessions{}
	}
	if archiver == nil {
		archiver = &mockArchiver{}
	}
	if searcher == nil {
		searcher = &mockSearcher{}
	}
	h := NewHandler(sessions, archiver, searcher, logger.Default())
	return NewRouter(h, logger.Default())
}

func doRequest(t *testing.T, router *gin.Engine, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestListSessions(t *testing.T) {
	now := time.Now()
	sessions := &mockSessions{
		ListFn: func() []*session.Session {
			return []*session.Session{
				{ID: "s1", LastActivity: now},
				{ID: "s2", LastActivity: now.Add(-time.Minute)},
			}
		},
		FocusedFn: func() (*session.Session, bool) {
			return &session.Session{ID: "s1"}, true
		},
	}
	router := newTestRouter(sessions, nil, nil)

	rec, body := doRequest(t, router, http.MethodGet, "/api/v1/sessions")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, "s1", body["focused_session_id"])
}

func TestGetSession(t *testing.T) {
	sessions := &mockSessions{
		GetFn: func(id string) (*session.Session, bool) {
			if id == "s1" {
				return &session.Session{ID: "s1", ProjectName: "proj"}, true
			}
			return nil, false
		},
	}
	router := newTestRouter(sessions, nil, nil)

	t.Run("found", func(t *testing.T) {
		rec, body := doRequest(t, router, http.MethodGet, "/api/v1/sessions/s1")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "s1", body["id"])
	})

	t.Run("missing", func(t *testing.T) {
		rec, body := doRequest(t, router, http.MethodGet, "/api/v1/sessions/ghost")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "session not found", body["error"])
	})
}

func TestSearchArchive(t *testing.T) {
	searcher := &mockSearcher{
		SearchFn: func(query string, opts archive.SearchOptions) ([]archive.SearchHit, error) {
			if query == "auth" && opts.ProjectID == "-home-dev-proj" {
				return []archive.SearchHit{
					{Manifest: archive.ConversationManifest{SessionID: "m1"}, Score: 2.0},
				}, nil
			}
			return nil, nil
		},
	}
	router := newTestRouter(nil, nil, searcher)

	t.Run("with project filter", func(t *testing.T) {
		rec, body := doRequest(t, router, http.MethodGet, "/api/v1/search?q=auth&project=-home-dev-proj")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), body["count"])
	})

	t.Run("missing query", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodGet, "/api/v1/search")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad since timestamp", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodGet, "/api/v1/search?q=auth&since=yesterday")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestArchiveSessionEndpoint(t *testing.T) {
	archiver := &mockArchiver{
		ArchiveFn: func(ctx context.Context, sessionID string, auto bool) (*archive.ConversationManifest, error) {
			switch sessionID {
			case "ghost":
				return nil, registry.ErrSessionNotFound
			case "empty":
				return nil, archive.ErrNothingToArchive
			}
			if auto {
				t.Error("manual archive must not set the auto flag")
			}
			return &archive.ConversationManifest{SessionID: sessionID}, nil
		},
	}
	router := newTestRouter(nil, archiver, nil)

	t.Run("success", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodPost, "/api/v1/sessions/s1/archive")
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodPost, "/api/v1/sessions/ghost/archive")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("nothing to archive", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodPost, "/api/v1/sessions/empty/archive")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestGenerateHandoffEndpoint(t *testing.T) {
	archiver := &mockArchiver{
		HandoffFn: func(ctx context.Context, sessionID string) (string, error) {
			return "/proj/.jacques/handoffs/x-handoff.md", nil
		},
	}
	router := newTestRouter(nil, archiver, nil)

	rec, body := doRequest(t, router, http.MethodPost, "/api/v1/sessions/s1/handoff")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/proj/.jacques/handoffs/x-handoff.md", body["path"])
}

func TestHealth(t *testing.T) {
	router := newTestRouter(nil, nil, nil)
	rec, body := doRequest(t, router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

package archive

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Field score weights for keyword extraction.
const (
	scoreTitle      = 2.0
	scoreQuestion   = 1.5
	scorePath       = 1.0
	scoreTechnology = 0.8
)

// Bucket entry fields.
const (
	FieldTitle      = "title"
	FieldQuestion   = "question"
	FieldPath       = "path"
	FieldTechnology = "technology"
)

var tokenSplitRe = regexp.MustCompile(`[^\p{L}\p{N}]+`)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"from": {}, "are": {}, "was": {}, "you": {}, "can": {}, "how": {},
	"what": {}, "when": {}, "where": {}, "why": {}, "not": {}, "all": {},
	"but": {}, "has": {}, "have": {}, "does": {}, "did": {}, "use": {},
	"using": {}, "into": {}, "its": {}, "it": {}, "is": {}, "in": {},
	"on": {}, "of": {}, "to": {}, "an": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "or": {}, "my": {}, "we": {}, "do": {}, "if": {},
}

// BucketEntry is one manifest's presence in a keyword bucket. A keyword
// appearing under several fields for one manifest keeps a single entry
// with the maximum score; Field records the source of that maximum.
type BucketEntry struct {
	SessionID string  `json:"session_id"`
	Score     float64 `json:"score"`
	Field     string  `json:"field"`
}

// IndexMetadata carries the statistics invariants of the index.
type IndexMetadata struct {
	TotalConversations int `json:"total_conversations"`
	TotalKeywords      int `json:"total_keywords"`
}

// ProjectAggregate summarizes one project's indexed conversations. The
// counts always sum to Metadata.TotalConversations.
type ProjectAggregate struct {
	Path              string    `json:"path"`
	ConversationCount int       `json:"conversationCount"`
	LastActivity      time.Time `json:"lastActivity"`
}

// SessionRef records an indexed session's project and archive time so
// removals can maintain the per-project aggregates.
type SessionRef struct {
	ProjectID   string    `json:"project_id"`
	ProjectPath string    `json:"project_path"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// SearchIndex is the inverted keyword index persisted as index.json.
type SearchIndex struct {
	Version     int                         `json:"version"`
	Buckets     map[string][]BucketEntry    `json:"buckets"`
	Projects    map[string]ProjectAggregate `json:"projects"`
	SessionRefs map[string]SessionRef       `json:"session_refs"`
	Metadata    IndexMetadata               `json:"metadata"`
}

// NewSearchIndex creates an empty index.
func NewSearchIndex() *SearchIndex {
	return &SearchIndex{
		Version:     1,
		Buckets:     make(map[string][]BucketEntry),
		Projects:    make(map[string]ProjectAggregate),
		SessionRefs: make(map[string]SessionRef),
	}
}

// Tokenize applies the index's shared pipeline: lowercase, split on
// non-word runs, drop short, numeric and stop-word tokens.
func Tokenize(text string) []string {
	var out []string
	for _, token := range tokenSplitRe.Split(strings.ToLower(text), -1) {
		if len(token) < 2 {
			continue
		}
		if isNumeric(token) {
			continue
		}
		if _, stop := stopWords[token]; stop {
			continue
		}
		out = append(out, token)
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// keywordScores extracts the manifest's keywords with per-field max
// scores.
func keywordScores(m *ConversationManifest) map[string]BucketEntry {
	scores := make(map[string]BucketEntry)
	apply := func(tokens []string, score float64, field string) {
		for _, token := range tokens {
			if existing, ok := scores[token]; !ok || score > existing.Score {
				scores[token] = BucketEntry{SessionID: m.SessionID, Score: score, Field: field}
			}
		}
	}

	apply(Tokenize(m.Title), scoreTitle, FieldTitle)
	for _, q := range m.UserQuestions {
		apply(Tokenize(q), scoreQuestion, FieldQuestion)
	}
	for _, p := range m.FilePaths {
		apply(Tokenize(p), scorePath, FieldPath)
	}
	for _, tech := range m.Technologies {
		apply(Tokenize(tech), scoreTechnology, FieldTechnology)
	}
	for _, tool := range m.ToolsUsed {
		apply(Tokenize(tool), scoreTechnology, FieldTechnology)
	}
	return scores
}

// Add indexes a manifest. Prior entries for the same session id are
// removed first, so re-archiving is idempotent. The new bucket set is
// staged and swapped in whole; a panic or error cannot leave the index
// half-updated.
func (idx *SearchIndex) Add(m *ConversationManifest) {
	staged := idx.cloneBucketsWithout(m.SessionID)
	for keyword, entry := range keywordScores(m) {
		staged[keyword] = append(staged[keyword], entry)
	}
	idx.Buckets = staged
	if idx.SessionRefs == nil {
		idx.SessionRefs = make(map[string]SessionRef)
	}
	idx.SessionRefs[m.SessionID] = SessionRef{
		ProjectID:   m.ProjectID,
		ProjectPath: m.ProjectPath,
		ArchivedAt:  m.ArchivedAt,
	}
	idx.refreshMetadata()
}

// Remove drops every bucket entry for a session id.
func (idx *SearchIndex) Remove(sessionID string) {
	idx.Buckets = idx.cloneBucketsWithout(sessionID)
	delete(idx.SessionRefs, sessionID)
	idx.refreshMetadata()
}

func (idx *SearchIndex) cloneBucketsWithout(sessionID string) map[string][]BucketEntry {
	staged := make(map[string][]BucketEntry, len(idx.Buckets))
	for keyword, entries := range idx.Buckets {
		kept := make([]BucketEntry, 0, len(entries))
		for _, e := range entries {
			if e.SessionID != sessionID {
				kept = append(kept, e)
			}
		}
		if len(kept) > 0 {
			staged[keyword] = kept
		}
	}
	return staged
}

// refreshMetadata recomputes the statistics invariants and the
// per-project aggregates. Aggregating over the ids actually present in
// buckets keeps the counts summing to TotalConversations.
func (idx *SearchIndex) refreshMetadata() {
	ids := make(map[string]struct{})
	for _, entries := range idx.Buckets {
		for _, e := range entries {
			ids[e.SessionID] = struct{}{}
		}
	}

	projects := make(map[string]ProjectAggregate)
	for id := range ids {
		ref, ok := idx.SessionRefs[id]
		if !ok {
			continue
		}
		agg := projects[ref.ProjectID]
		agg.Path = ref.ProjectPath
		agg.ConversationCount++
		if ref.ArchivedAt.After(agg.LastActivity) {
			agg.LastActivity = ref.ArchivedAt
		}
		projects[ref.ProjectID] = agg
	}
	idx.Projects = projects

	idx.Metadata = IndexMetadata{
		TotalConversations: len(ids),
		TotalKeywords:      len(idx.Buckets),
	}
}

// SearchResult is one ranked hit.
type SearchResult struct {
	SessionID string  `json:"session_id"`
	Score     float64 `json:"score"`
}

// Search tokenizes the query with the shared pipeline and ranks manifest
// ids by summed bucket scores, descending.
func (idx *SearchIndex) Search(query string) []SearchResult {
	scores := make(map[string]float64)
	for _, token := range Tokenize(query) {
		for _, entry := range idx.Buckets[token] {
			scores[entry.SessionID] += entry.Score
		}
	}

	results := make([]SearchResult, 0, len(scores))
	for id, score := range scores {
		results = append(results, SearchResult{SessionID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].SessionID < results[j].SessionID
		}
		return results[i].Score > results[j].Score
	})
	return results
}

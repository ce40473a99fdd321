package archive

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/transcript"
)

// Trigger phrases that introduce an embedded plan in a user message.
// Matching is case-insensitive.
var planTriggers = []string{
	"implement the following plan",
	"here's the plan",
	"here is the plan",
	"execute this plan",
	"follow this plan",
	"implement this plan",
}

const (
	minPlanLength    = 100
	jaccardDuplicate = 0.90
)

var (
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}\s`)
	topHeadingRe = regexp.MustCompile(`(?m)^#\s`)
	listItemRe   = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s`)
	nonWordRe    = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	planWordRe   = regexp.MustCompile(`[a-z0-9]{4,}`)
	slugStripRe  = regexp.MustCompile(`[^a-z0-9]+`)
)

// CandidatePlan is a plan body lifted out of a user message before
// deduplication.
type CandidatePlan struct {
	Title   string
	Content string
}

// ExtractPlans scans user messages for trigger phrases and returns the
// structurally valid plan candidates. A body with several top-level '#'
// headings splits into one candidate per heading.
func ExtractPlans(entries []transcript.ParsedEntry) []CandidatePlan {
	var out []CandidatePlan
	for _, e := range entries {
		if e.Kind != transcript.KindUserMessage || e.IsInternalCommand {
			continue
		}
		body, ok := bodyAfterTrigger(e.Text)
		if !ok {
			continue
		}
		for _, candidate := range splitTopLevel(body) {
			if validPlanBody(candidate) {
				out = append(out, CandidatePlan{
					Title:   planTitle(candidate),
					Content: candidate,
				})
			}
		}
	}
	return out
}

// bodyAfterTrigger returns the message remainder following the first
// trigger phrase.
func bodyAfterTrigger(text string) (string, bool) {
	lower := strings.ToLower(text)
	best := -1
	bestLen := 0
	for _, trigger := range planTriggers {
		if idx := strings.Index(lower, trigger); idx >= 0 && (best == -1 || idx < best) {
			best = idx
			bestLen = len(trigger)
		}
	}
	if best < 0 {
		return "", false
	}
	return strings.TrimSpace(text[best+bestLen:]), true
}

// validPlanBody applies the acceptance tests in order: length, heading,
// list structure.
func validPlanBody(body string) bool {
	if len(body) < minPlanLength {
		return false
	}
	if !headingRe.MatchString(body) {
		return false
	}
	return listItemRe.MatchString(body)
}

// splitTopLevel splits a body containing multiple top-level '#' headings
// into one chunk per heading. A body with at most one stays whole.
func splitTopLevel(body string) []string {
	locs := topHeadingRe.FindAllStringIndex(body, -1)
	if len(locs) < 2 {
		return []string{body}
	}
	var chunks []string
	if head := strings.TrimSpace(body[:locs[0][0]]); head != "" {
		chunks = append(chunks, head)
	}
	for i, loc := range locs {
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if chunk := strings.TrimSpace(body[loc[0]:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// planTitle takes the first heading line, or the first line.
func planTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.TrimSpace(strings.TrimLeft(line, "# "))
	}
	return "Untitled plan"
}

// NormalizeContent lowercases, strips punctuation and collapses
// whitespace for hashing and similarity.
func NormalizeContent(content string) string {
	s := strings.ToLower(content)
	s = nonWordRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ContentHash is the SHA-256 hex digest of the normalized content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}

// wordSet builds the >=4-char word set used for Jaccard similarity.
func wordSet(content string) map[string]struct{} {
	words := planWordRe.FindAllString(NormalizeContent(content), -1)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Jaccard computes set similarity between two plan bodies.
func Jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// IsDuplicate tests a candidate against the known plans of one project:
// an exact normalized-hash match, then Jaccard similarity >= 0.90 against
// each known body. Returns the matching plan id when duplicate.
func IsDuplicate(content string, known map[string]string) (string, bool) {
	hash := ContentHash(content)
	for id, body := range known {
		if ContentHash(body) == hash {
			return id, true
		}
	}
	for id, body := range known {
		if Jaccard(content, body) >= jaccardDuplicate {
			return id, true
		}
	}
	return "", false
}

// PlanID derives the stable plan identity from the plan's original file
// path: slug(basename without extension) + "-" + base64(path)[0:7].
func PlanID(originalPath string) string {
	base := originalPath
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.LastIndexByte(base, '.'); idx > 0 {
		base = base[:idx]
	}
	slug := slugify(base)

	tag := base64.StdEncoding.EncodeToString([]byte(originalPath))
	if len(tag) > 7 {
		tag = tag[:7]
	}
	return slug + "-" + tag
}

func slugify(s string) string {
	s = strings.ToLower(s)
	s = slugStripRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

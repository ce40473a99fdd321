package archive

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/transcript"
)

const samplePlan = `# Auth Migration Plan

Move sessions to JWT tokens across the API surface.

- Replace the cookie middleware with bearer token parsing
- Add refresh token rotation with a 7 day expiry window
- Backfill existing sessions in a one-shot migration job
`

func userEntry(text string) transcript.ParsedEntry {
	return transcript.ParsedEntry{Kind: transcript.KindUserMessage, Text: text}
}

func TestExtractPlansTriggerDetection(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"trigger with valid body", "Please implement the following plan:\n\n" + samplePlan, 1},
		{"trigger is case-insensitive", "HERE'S THE PLAN\n\n" + samplePlan, 1},
		{"no trigger phrase", "Can you look at this?\n\n" + samplePlan, 0},
		{"body too short", "implement the following plan\n\n# Tiny\n- a", 0},
		{"no heading", "implement the following plan\n\n" + strings.Repeat("do the thing ", 20) + "\n- item one\n- item two", 0},
		{"no list structure", "implement the following plan\n\n# A Heading\n\n" + strings.Repeat("prose only here ", 20), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plans := ExtractPlans([]transcript.ParsedEntry{userEntry(tt.text)})
			assert.Len(t, plans, tt.want)
		})
	}
}

func TestExtractPlansIgnoresNonUserEntries(t *testing.T) {
	entries := []transcript.ParsedEntry{
		{Kind: transcript.KindAssistantMessage, Text: "implement the following plan\n\n" + samplePlan},
		{Kind: transcript.KindUserMessage, Text: "implement the following plan\n\n" + samplePlan, IsInternalCommand: true},
	}
	assert.Empty(t, ExtractPlans(entries))
}

func TestExtractPlansSplitsTopLevelHeadings(t *testing.T) {
	body := "here is the plan\n\n" +
		"# Phase One\n\nFirst stretch of the work, broken down.\n\n- step one of the rollout\n- step two of the rollout\n\n" +
		"# Phase Two\n\nSecond stretch with its own checklist below.\n\n- cleanup task for later\n- final verification pass\n"
	plans := ExtractPlans([]transcript.ParsedEntry{userEntry(body)})
	require.Len(t, plans, 2)
	assert.Equal(t, "Phase One", plans[0].Title)
	assert.Equal(t, "Phase Two", plans[1].Title)
}

func TestNormalizeContent(t *testing.T) {
	a := NormalizeContent("# Auth   Plan!\n\n- Step ONE.")
	b := NormalizeContent("auth plan step one")
	assert.Equal(t, b, a)
}

func TestContentHashIgnoresFormatting(t *testing.T) {
	assert.Equal(t,
		ContentHash("# Plan\n- Do the thing"),
		ContentHash("plan    do the THING!!"))
	assert.NotEqual(t,
		ContentHash("plan do the thing"),
		ContentHash("plan do another thing"))
}

func TestJaccardSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Jaccard(samplePlan, samplePlan))

	typo := strings.Replace(samplePlan, "rotation", "rotatoin", 1)
	assert.GreaterOrEqual(t, Jaccard(samplePlan, typo), 0.90)

	assert.Less(t, Jaccard(samplePlan, "# Database Plan\n- normalize tables\n- add indexes"), 0.5)
}

func TestIsDuplicateOrdering(t *testing.T) {
	known := map[string]string{"plan-a": samplePlan}

	t.Run("exact hash match", func(t *testing.T) {
		id, dup := IsDuplicate("  "+samplePlan+"  ", known)
		require.True(t, dup)
		assert.Equal(t, "plan-a", id)
	})

	t.Run("near-identical via similarity", func(t *testing.T) {
		typo := strings.Replace(samplePlan, "migration", "migratoin", 1)
		id, dup := IsDuplicate(typo, known)
		require.True(t, dup)
		assert.Equal(t, "plan-a", id)
	})

	t.Run("distinct plan", func(t *testing.T) {
		_, dup := IsDuplicate("# Other Plan\n\nCompletely different content about caching layers.\n\n- warm the cache\n- add eviction", known)
		assert.False(t, dup)
	})
}

func TestPlanIDDeterministic(t *testing.T) {
	id1 := PlanID("/home/dev/proj/.jacques/plans/auth-migration.md")
	id2 := PlanID("/home/dev/proj/.jacques/plans/auth-migration.md")
	assert.Equal(t, id1, id2)
	assert.True(t, strings.HasPrefix(id1, "auth-migration-"), id1)

	// Same basename under a different path is a different plan.
	other := PlanID("/home/dev/other/.jacques/plans/auth-migration.md")
	assert.NotEqual(t, id1, other)
}

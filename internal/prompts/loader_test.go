package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/domain"
)

func TestPlanningSystemPerRigor(t *testing.T) {
	t.Parallel()

	l1 := PlanningSystem(domain.RigorFast)
	l2 := PlanningSystem(domain.RigorBalanced)
	l3 := PlanningSystem(domain.RigorThorough)

	assert.Contains(t, l1, `"tasks"`)
	assert.NotContains(t, l1, `"phases"`)

	assert.Contains(t, l2, `"phases"`)
	assert.Contains(t, l2, `"open_questions"`)
	assert.NotContains(t, l2, `"risks"`)

	assert.Contains(t, l3, `"phases"`)
	assert.Contains(t, l3, `"risks"`)
	assert.Contains(t, l3, `"test_strategy"`)
	assert.Contains(t, l3, `"verification_criteria"`)

	for _, prompt := range []string{l1, l2, l3} {
		assert.Contains(t, prompt, "Respond with ONLY the JSON plan")
		assert.Contains(t, prompt, "requirement_ids")
	}

	// Unknown rigor falls back to balanced.
	assert.Equal(t, l2, PlanningSystem(domain.PlanningRigor("L9")))
}

func TestVerificationPrompts(t *testing.T) {
	t.Parallel()

	system := VerificationSystem()
	assert.Contains(t, system, `"verdict"`)
	assert.Contains(t, system, "gaps_found")

	user := VerificationUser("Build parser", "Write the tokenizer", "done")
	assert.Equal(t, "## Task: Build parser\n\n### Description\nWrite the tokenizer\n\n### Output\ndone", user)

	empty := VerificationUser("T", "D", "")
	assert.True(t, strings.HasSuffix(empty, "### Output\n(empty)"))
}

func TestRenderLeavesUnknownPlaceholders(t *testing.T) {
	t.Parallel()

	out := Render("verifier_user", map[string]string{"title": "X"})
	assert.Contains(t, out, "## Task: X")
	assert.Contains(t, out, "{{description}}")
}

func TestNamesListsAllTemplates(t *testing.T) {
	t.Parallel()

	names := Names()
	require.NotEmpty(t, names)
	assert.Contains(t, names, "planner_l1")
	assert.Contains(t, names, "planner_l2")
	assert.Contains(t, names, "planner_l3")
	assert.Contains(t, names, "verifier")
	assert.Contains(t, names, "verifier_user")
}

package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-labs/aide-go/pkg/memory"
)

func TestExtractor_ExplicitPreference(t *testing.T) {
	policy := memory.DefaultPolicy()
	extractor := memory.NewExtractor(policy)

	facts := extractor.Extract("I hate 9 AM meetings")
	require.Len(t, facts, 1)

	assert.Equal(t, memory.CategoryPreference, facts[0].Category)
	assert.Equal(t, memory.SourceChat, facts[0].Source)
	assert.Equal(t, policy.ExplicitConfidence, facts[0].Confidence)
	assert.Contains(t, facts[0].Content, "9 AM meetings")
}

func TestExtractor_InferredProjectUpdate(t *testing.T) {
	policy := memory.DefaultPolicy()
	extractor := memory.NewExtractor(policy)

	facts := extractor.Extract("By the way, project Apollo is delayed again")
	require.Len(t, facts, 1)

	assert.Equal(t, memory.CategoryProject, facts[0].Category)
	assert.Equal(t, policy.InferredConfidence, facts[0].Confidence)
	assert.Less(t, facts[0].Confidence, policy.ExplicitConfidence,
		"inferred statements must score below explicit ones")
}

func TestExtractor_SchedulingConstraint(t *testing.T) {
	extractor := memory.NewExtractor(memory.DefaultPolicy())

	facts := extractor.Extract("Please don't schedule anything before 10")
	require.Len(t, facts, 1)
	assert.Equal(t, memory.CategorySchedule, facts[0].Category)
}

func TestExtractor_StylePreference(t *testing.T) {
	extractor := memory.NewExtractor(memory.DefaultPolicy())

	facts := extractor.Extract("Call me Sam, please")
	require.NotEmpty(t, facts)
	assert.Equal(t, memory.CategoryStyle, facts[0].Category)
	assert.Contains(t, facts[0].Content, "Sam")
}

func TestExtractor_TaskReminder(t *testing.T) {
	policy := memory.DefaultPolicy()
	extractor := memory.NewExtractor(policy)

	facts := extractor.Extract("Remind me to send the board deck")
	require.Len(t, facts, 1)
	assert.Equal(t, memory.CategoryTask, facts[0].Category)
	assert.Equal(t, policy.ExplicitConfidence, facts[0].Confidence)
	assert.Contains(t, facts[0].Content, "board deck")

	facts = extractor.Extract("I need to file the expense report by Friday")
	require.Len(t, facts, 1)
	assert.Equal(t, memory.CategoryTask, facts[0].Category)
}

func TestExtractor_NoFacts(t *testing.T) {
	extractor := memory.NewExtractor(memory.DefaultPolicy())

	assert.Empty(t, extractor.Extract("What's the weather like?"))
	assert.Empty(t, extractor.Extract(""))
	assert.Empty(t, extractor.Extract("   "))
}

func TestExtractor_ConfidenceBounds(t *testing.T) {
	extractor := memory.NewExtractor(memory.DefaultPolicy())

	messages := []string{
		"I hate 9 AM meetings",
		"I love short standups",
		"I never take calls on Fridays",
		"My name is Alex",
		"Project Orion is cancelled",
		"don't schedule over lunch",
	}
	for _, msg := range messages {
		for _, fact := range extractor.Extract(msg) {
			assert.GreaterOrEqual(t, fact.Confidence, 0.0, "message %q", msg)
			assert.LessOrEqual(t, fact.Confidence, 1.0, "message %q", msg)
		}
	}
}

func TestExtractor_ExtractFromEmail(t *testing.T) {
	extractor := memory.NewExtractor(memory.DefaultPolicy())

	facts := extractor.ExtractFromEmail(memory.EmailFact{
		From:    "pm@example.com",
		Subject: "Orion launch delayed",
		Snippet: "The deadline moved to next quarter.",
	})
	require.NotEmpty(t, facts)

	assert.Equal(t, memory.CategoryProject, facts[0].Category)
	assert.Equal(t, memory.SourceEmail, facts[0].Source)
	assert.LessOrEqual(t, facts[0].Confidence, 1.0)
}

func TestPolicy_Clamp(t *testing.T) {
	policy := memory.DefaultPolicy()

	assert.Equal(t, 0.0, policy.Clamp(-0.5))
	assert.Equal(t, 0.5, policy.Clamp(0.5))
	assert.Equal(t, policy.MaxConfidence, policy.Clamp(1.5))
}

func TestPolicy_Reinforce(t *testing.T) {
	policy := memory.DefaultPolicy()

	reinforced := policy.Reinforce(0.9)
	assert.Greater(t, reinforced, 0.9)
	assert.LessOrEqual(t, reinforced, policy.MaxConfidence)

	// Repeated reinforcement saturates at the cap.
	v := 0.9
	for i := 0; i < 10; i++ {
		v = policy.Reinforce(v)
	}
	assert.Equal(t, policy.MaxConfidence, v)
}

package agent

import (
	"fmt"
	"strings"

	"github.com/aide-labs/aide-go/pkg/storage"
	"github.com/aide-labs/aide-go/pkg/tools"
)

// basePrompt is the assistant's standing instruction set.
const basePrompt = `You are an intelligent AI assistant acting as a personal "Chief of Staff".
You help users manage their day by reading their email and calendar when needed.

Your capabilities:
- Read and summarize emails from the user's inbox
- Check calendar events and schedules
- Remember user preferences and context

Be concise, professional, and proactive. Provide actionable insights.`

// promptContext holds the per-turn material folded into the system
// prompt.
type promptContext struct {
	// memories are the retrieved entries, ranked most relevant first.
	memories []*storage.MemoryEntry

	// toolResult is the capability payload from a successful dispatch.
	toolResult *tools.Result

	// toolNotice is the user-facing unavailability notice when a
	// dispatch failed.
	toolNotice string
}

// buildSystemPrompt assembles the system prompt for one generation
// pass: the standing instructions, the remembered context, and any
// capability data retrieved this turn.
func buildSystemPrompt(pc promptContext) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if len(pc.memories) > 0 {
		b.WriteString("\n\nWhat I remember about you:\n")
		for _, entry := range pc.memories {
			fmt.Fprintf(&b, "- %s (confidence: %.0f%%)\n", entry.Content, entry.Confidence*100)
		}
	}

	if pc.toolResult != nil {
		b.WriteString("\n\nData retrieved:\n")
		b.WriteString(pc.toolResult.Format())
	}
	if pc.toolNotice != "" {
		b.WriteString("\n\nNote: ")
		b.WriteString(pc.toolNotice)
	}

	return strings.TrimRight(b.String(), "\n")
}

// unavailabilityNotice returns the capability-specific message shown
// when a tool dispatch fails or is not configured.
func unavailabilityNotice(capability tools.Capability) string {
	switch capability {
	case tools.CapabilityEmail:
		return "Email access is temporarily unavailable. Let the user know you could not check their inbox right now."
	case tools.CapabilityCalendar:
		return "Calendar access is temporarily unavailable. Let the user know you could not check their schedule right now."
	default:
		return "The requested capability is temporarily unavailable."
	}
}

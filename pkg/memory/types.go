// Package memory implements the assistant's long-term memory: extracting
// facts and preferences from conversations, reconciling them against what is
// already known, and ranking stored entries by relevance to the current
// message.
package memory

// Memory categories.
const (
	CategoryPreference = "preference" // user preferences ("I hate 9 AM meetings")
	CategoryFact       = "fact"       // general facts about the user
	CategoryStyle      = "style"      // communication style
	CategoryContact    = "contact"    // important people
	CategoryProject    = "project"    // project status updates
	CategorySchedule   = "schedule"   // scheduling preferences
	CategoryTask       = "task"       // tasks and todos
)

// Memory sources.
const (
	SourceChat     = "chat"     // extracted from chat
	SourceEmail    = "email"    // extracted from emails
	SourceCalendar = "calendar" // extracted from calendar
	SourceExplicit = "explicit" // user explicitly stated
)

// Fact is a single piece of information extracted from an exchange, before
// it is reconciled with the stored entries.
type Fact struct {
	// Content is the fact text.
	Content string

	// Category classifies the fact (see Category constants).
	Category string

	// Source records where the fact came from (see Source constants).
	Source string

	// Confidence is the extraction certainty in [0,1]. Explicit statements
	// score higher than inferred ones.
	Confidence float64

	// Metadata carries extraction details (matched pattern, extracted value).
	Metadata map[string]interface{}
}

// Policy contains the tunable extraction and reconciliation parameters.
//
// The exact numeric values are policy, not behavior: callers may tune them
// without affecting the reconciliation rules themselves.
type Policy struct {
	// ExplicitConfidence is assigned to facts stated outright
	// ("I hate 9 AM meetings").
	ExplicitConfidence float64

	// InferredConfidence is assigned to facts inferred from phrasing
	// (project status updates and the like).
	InferredConfidence float64

	// ReinforcementDelta is added to an entry's confidence when new
	// information corroborates or corrects it.
	ReinforcementDelta float64

	// MaxConfidence caps confidence growth below 1.0 so no entry ever
	// becomes unrevisable.
	MaxConfidence float64

	// DuplicateThreshold is the lexical similarity above which a fact is
	// treated as restating an existing entry.
	DuplicateThreshold float64

	// ConflictThreshold is the lexical similarity above which a
	// same-category fact is treated as revising an existing entry.
	ConflictThreshold float64
}

// DefaultPolicy returns the default extraction and reconciliation parameters.
func DefaultPolicy() Policy {
	return Policy{
		ExplicitConfidence: 0.9,
		InferredConfidence: 0.85,
		ReinforcementDelta: 0.05,
		MaxConfidence:      0.99,
		DuplicateThreshold: 0.9,
		ConflictThreshold:  0.35,
	}
}

// Clamp bounds a confidence value to [0, MaxConfidence].
func (p Policy) Clamp(confidence float64) float64 {
	if confidence < 0 {
		return 0
	}
	max := p.MaxConfidence
	if max <= 0 || max > 1 {
		max = 1
	}
	if confidence > max {
		return max
	}
	return confidence
}

// Reinforce raises a confidence value by the reinforcement delta, clamped.
func (p Policy) Reinforce(confidence float64) float64 {
	return p.Clamp(confidence + p.ReinforcementDelta)
}

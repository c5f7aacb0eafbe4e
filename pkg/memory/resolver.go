package memory

import (
	"strings"

	"github.com/aide-labs/aide-go/pkg/storage"
)

// Events a resolver decision can carry.
const (
	// EventAdd inserts a new entry for novel information.
	EventAdd = "ADD"

	// EventUpdate revises an existing entry that the fact corrects or
	// corroborates.
	EventUpdate = "UPDATE"

	// EventNone skips a fact already captured verbatim.
	EventNone = "NONE"
)

// Decision is the reconciliation outcome for one extracted fact.
type Decision struct {
	// Event is EventAdd, EventUpdate, or EventNone.
	Event string

	// Fact is the extracted fact being reconciled.
	Fact Fact

	// Existing is the stored entry affected by an UPDATE or NONE
	// decision (nil for ADD).
	Existing *storage.MemoryEntry

	// Content is the entry content after the decision is applied.
	Content string

	// Confidence is the entry confidence after the decision is applied.
	Confidence float64
}

// Resolver reconciles newly extracted facts against a user's stored entries.
//
// For each fact it decides one of:
//   - ADD: the fact is novel, insert a new entry
//   - UPDATE: the fact restates or contradicts a same-category entry;
//     revise that entry instead of duplicating it
//   - NONE: the fact duplicates an entry word for word, only reinforce
//
// The rules are deterministic; the thresholds and confidence deltas come
// from the Policy.
type Resolver struct {
	policy Policy
}

// NewResolver creates a resolver with the given policy.
func NewResolver(policy Policy) *Resolver {
	return &Resolver{policy: policy}
}

// Resolve decides what to do with each fact given the user's existing
// same-category entries.
func (r *Resolver) Resolve(facts []Fact, existing []*storage.MemoryEntry) []Decision {
	decisions := make([]Decision, 0, len(facts))

	for _, fact := range facts {
		decisions = append(decisions, r.resolveOne(fact, existing))
	}

	return decisions
}

// resolveOne reconciles a single fact.
func (r *Resolver) resolveOne(fact Fact, existing []*storage.MemoryEntry) Decision {
	var best *storage.MemoryEntry
	bestSim := 0.0

	for _, entry := range existing {
		if entry.Category != fact.Category {
			continue
		}
		sim := lexicalSimilarity(fact.Content, entry.Content)
		if sim > bestSim {
			bestSim = sim
			best = entry
		}
	}

	switch {
	case best != nil && bestSim >= r.policy.DuplicateThreshold:
		// Same statement again: reinforce, keep the stored wording.
		return Decision{
			Event:      EventNone,
			Fact:       fact,
			Existing:   best,
			Content:    best.Content,
			Confidence: r.policy.Reinforce(maxFloat(best.Confidence, fact.Confidence)),
		}

	case best != nil && bestSim >= r.policy.ConflictThreshold:
		// Same topic, different statement: the new information corrects
		// the old entry. Replace content and raise confidence.
		return Decision{
			Event:      EventUpdate,
			Fact:       fact,
			Existing:   best,
			Content:    fact.Content,
			Confidence: r.policy.Reinforce(maxFloat(best.Confidence, fact.Confidence)),
		}

	default:
		return Decision{
			Event:      EventAdd,
			Fact:       fact,
			Content:    fact.Content,
			Confidence: r.policy.Clamp(fact.Confidence),
		}
	}
}

// lexicalSimilarity is the Jaccard similarity of the two texts' significant
// tokens.
func lexicalSimilarity(a, b string) float64 {
	tokensA := tokenize(a)
	tokensB := tokenize(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	intersection := 0
	for token := range tokensA {
		if tokensB[token] {
			intersection++
		}
	}

	union := len(tokensA) + len(tokensB) - intersection
	if union == 0 {
		return 0
	}

	return float64(intersection) / float64(union)
}

// stopwords excluded from lexical comparison.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "at": true, "be": true,
	"but": true, "for": true, "i": true, "in": true, "is": true, "it": true,
	"my": true, "of": true, "on": true, "or": true, "the": true, "to": true,
	"was": true, "with": true,
}

// tokenize lowercases, splits on non-letters, and drops stopwords.
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(field) < 2 || stopwords[field] {
			continue
		}
		tokens[field] = true
	}
	return tokens
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

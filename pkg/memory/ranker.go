package memory

import (
	"sort"

	"github.com/aide-labs/aide-go/pkg/storage"
)

// Ranker orders a user's stored entries by relevance to the current message.
//
// When entries carry a vector similarity score from the store, that score is
// the relevance signal. Otherwise relevance is lexical: keyword overlap plus
// a small boost when the message topic matches the entry category. Either
// way, ties are broken by confidence then recency, and only the top K
// entries are returned.
type Ranker struct {
	// TopK is the maximum number of entries to return.
	TopK int
}

// NewRanker creates a ranker returning at most topK entries.
func NewRanker(topK int) *Ranker {
	if topK <= 0 {
		topK = 5
	}
	return &Ranker{TopK: topK}
}

// Rank scores and orders entries against the message.
func (r *Ranker) Rank(message string, entries []*storage.MemoryEntry) []*storage.MemoryEntry {
	queryTokens := tokenize(message)

	type ranked struct {
		entry     *storage.MemoryEntry
		relevance float64
	}

	var candidates []ranked
	for _, entry := range entries {
		relevance := entry.Score
		if relevance == 0 {
			relevance = lexicalRelevance(queryTokens, entry)
		}

		// Keep anything relevant, plus high-confidence entries that act
		// as standing context.
		if relevance > 0 || entry.Confidence > 0.7 {
			candidates = append(candidates, ranked{entry: entry, relevance: relevance})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si := candidates[i].entry.Confidence + candidates[i].relevance
		sj := candidates[j].entry.Confidence + candidates[j].relevance
		if si != sj {
			return si > sj
		}
		return candidates[i].entry.UpdatedAt.After(candidates[j].entry.UpdatedAt)
	})

	limit := r.TopK
	if len(candidates) < limit {
		limit = len(candidates)
	}

	out := make([]*storage.MemoryEntry, 0, limit)
	for _, c := range candidates[:limit] {
		out = append(out, c.entry)
	}
	return out
}

// lexicalRelevance scores an entry against the message without embeddings.
func lexicalRelevance(queryTokens map[string]bool, entry *storage.MemoryEntry) float64 {
	entryTokens := tokenize(entry.Content)

	overlap := 0
	for token := range queryTokens {
		if entryTokens[token] {
			overlap++
		}
	}
	relevance := float64(overlap) * 0.1

	// Topic boosts mirror the capability domains: scheduling questions
	// surface schedule/preference entries, mail questions surface
	// project/contact entries.
	if queryTokens["meeting"] || queryTokens["meetings"] || queryTokens["schedule"] {
		if entry.Category == CategorySchedule || entry.Category == CategoryPreference {
			relevance += 0.3
		}
	}
	if queryTokens["email"] || queryTokens["emails"] || queryTokens["mail"] || queryTokens["inbox"] {
		if entry.Category == CategoryProject || entry.Category == CategoryContact {
			relevance += 0.3
		}
	}

	return relevance
}

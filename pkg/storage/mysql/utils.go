package mysql

import (
	"math"
	"sort"
	"strings"

	"github.com/aide-labs/aide-go/pkg/storage"
)

// buildWhereClause builds a WHERE clause scoping memory queries by user and
// optional categories.
func buildWhereClause(userID string, categories []string) (string, []interface{}) {
	conditions := []string{"user_id = ?"}
	args := []interface{}{userID}

	if len(categories) > 0 {
		placeholders := make([]string, len(categories))
		for i, cat := range categories {
			placeholders[i] = "?"
			args = append(args, cat)
		}
		conditions = append(conditions, "category IN ("+strings.Join(placeholders, ", ")+")")
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sortByScore sorts entries by score descending and applies the limit.
func sortByScore(entries []*storage.MemoryEntry, limit int) []*storage.MemoryEntry {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	return entries
}

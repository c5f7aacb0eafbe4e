package postgres

import (
	"fmt"
	"strings"
)

// buildWhereClause builds a WHERE clause starting from the given parameter
// index, scoping memory queries by user and optional categories.
func buildWhereClause(userID string, categories []string, startIndex int) (string, []interface{}) {
	conditions := []string{fmt.Sprintf("user_id = $%d", startIndex)}
	args := []interface{}{userID}
	argIndex := startIndex + 1

	if len(categories) > 0 {
		placeholders := make([]string, len(categories))
		for i, cat := range categories {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, cat)
			argIndex++
		}
		conditions = append(conditions, "category IN ("+strings.Join(placeholders, ", ")+")")
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

// vectorToString converts a vector to pgvector's text format: "[0.1,0.2,...]".
func vectorToString(vector []float64) string {
	parts := make([]string, len(vector))
	for i, v := range vector {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// vectorParam returns the value to bind for an embedding column, passing
// NULL for entries without an embedding.
func vectorParam(vector []float64) interface{} {
	if vector == nil {
		return nil
	}
	return vectorToString(vector)
}

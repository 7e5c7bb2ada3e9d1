// Package strings holds small string-slice helpers shared by config parsing.
package strings

import (
	"strings"
)

// DedupeAndTrim trims each element and drops empties and repeats, keeping
// first-seen order.
//
//	DedupeAndTrim([]string{" k1:9092", "k2:9092", "k1:9092", ""})
//	// []string{"k1:9092", "k2:9092"}
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; !ok {
			seen[trimmed] = struct{}{}
			result = append(result, trimmed)
		}
	}
	return result
}

// SplitList splits a comma-separated value and cleans it with DedupeAndTrim.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return DedupeAndTrim(strings.Split(s, ","))
}

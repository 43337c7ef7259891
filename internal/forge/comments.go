package forge

import (
	"sort"
	"strings"
)

// sortComments orders comments by creation time ascending, breaking ties by ID
// so the order is deterministic.
func sortComments(comments []Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		if comments[i].CreatedAt.Equal(comments[j].CreatedAt) {
			return comments[i].ID < comments[j].ID
		}
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
}

// StripURLFields recursively removes URL-valued fields from a decoded JSON
// payload. Forge responses are dense with hypermedia links that only inflate
// the LLM context; dropping them keeps payloads small.
func StripURLFields(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for key, inner := range val {
			if isURLKey(key) {
				delete(val, key)
				continue
			}
			val[key] = StripURLFields(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = StripURLFields(inner)
		}
		return val
	default:
		return v
	}
}

func isURLKey(key string) bool {
	lower := strings.ToLower(key)
	return lower == "url" || strings.HasSuffix(lower, "_url")
}

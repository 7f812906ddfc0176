package database

import (
	"database/sql"
	"sort"
	"strings"

	"github.com/egor/ecochatserver/models"
)

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func sortMessages(msgs []models.Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}

// normalizeKeywords lower-cases, trims and de-duplicates template keywords.
func normalizeKeywords(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

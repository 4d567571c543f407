package discovery

import (
	"context"
	"strings"

	"github.com/communitylink/service-discovery/internal/model"
	"github.com/communitylink/service-discovery/internal/query"
)

// suggestions proposes alternative queries from the names and services of
// the best text matches. It never fails: any error yields an empty list.
func (e *Engine) suggestions(ctx context.Context, text string) []string {
	plan, ok := query.ForSuggestions(text)
	if !ok {
		return []string{}
	}
	found, err := e.store.Find(ctx, plan)
	if err != nil {
		e.log.Debug("suggestion search failed", "error", err)
		return []string{}
	}
	return collectSuggestions(text, found.Hits)
}

// collectSuggestions takes names first, then services, skipping the query
// itself and case-insensitive duplicates, up to query.SuggestionLimit.
func collectSuggestions(text string, hits []model.ServiceHit) []string {
	out := make([]string, 0, query.SuggestionLimit)
	seen := map[string]struct{}{strings.ToLower(strings.TrimSpace(text)): {}}
	add := func(s string) bool {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" {
			return false
		}
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			out = append(out, s)
		}
		return len(out) == query.SuggestionLimit
	}

	for _, h := range hits {
		if add(h.Name) {
			return out
		}
	}
	for _, h := range hits {
		for _, svc := range h.Services {
			if add(svc) {
				return out
			}
		}
	}
	return out
}

package query

import (
	"github.com/communitylink/service-discovery/internal/keywords"
	"github.com/communitylink/service-discovery/internal/model"
)

// Field weights of the catalogue text index. Every store backend uses the same weights.
const (
	WeightName        = 10
	WeightServices    = 5
	WeightTags        = 5
	WeightKeywords    = 3
	WeightDescription = 1
)

// TextScore scores rec against the plan's query terms using the text-index
// weights. Zero means the record does not match. Plans without text score 0.
func (p *Plan) TextScore(rec *model.ServiceRecord) float64 {
	if len(p.Terms) == 0 {
		return 0
	}
	name := tokenSet(rec.Name)
	desc := tokenSet(rec.Description)
	services := tokenSet(rec.Services...)
	tags := tokenSet(rec.Tags...)
	kw := make(map[string]struct{}, len(rec.SearchKeywords))
	for _, k := range rec.SearchKeywords {
		kw[k] = struct{}{}
	}

	score := 0
	for _, term := range p.Terms {
		if _, ok := name[term]; ok {
			score += WeightName
		}
		if _, ok := services[term]; ok {
			score += WeightServices
		}
		if _, ok := tags[term]; ok {
			score += WeightTags
		}
		if _, ok := kw[term]; ok {
			score += WeightKeywords
		}
		if _, ok := desc[term]; ok {
			score += WeightDescription
		}
	}
	return float64(score)
}

func tokenSet(texts ...string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range texts {
		for _, tok := range keywords.Tokenize(t) {
			set[tok] = struct{}{}
		}
	}
	return set
}

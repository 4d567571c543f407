// Package keywords derives the normalized search-keyword set stored on every
// catalogue record and normalizes free-form tags.
package keywords

import (
	"sort"
	"strings"
	"unicode"

	"github.com/gosimple/slug"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// minTokenLength drops single-letter noise such as initials.
const minTokenLength = 2

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {},
	"our": {}, "the": {}, "to": {}, "we": {}, "with": {}, "you": {}, "your": {},
}

var folder = cases.Fold()

// fold strips diacritics and case-folds s so "Clínica" and "clinica" index identically.
func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return folder.String(out)
}

// Tokenize splits text into folded word tokens, dropping stop words and
// tokens shorter than two runes. Order of first occurrence is preserved and
// duplicates are removed.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	fields := strings.FieldsFunc(fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < minTokenLength {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}

// Build returns the sorted keyword set for a record. Tags contribute both
// their slug form ("bulk-billing") and their individual words.
func Build(name, description string, services, tags []string, category string) []string {
	set := make(map[string]struct{})
	add := func(tokens []string) {
		for _, t := range tokens {
			set[t] = struct{}{}
		}
	}

	add(Tokenize(name))
	add(Tokenize(description))
	for _, s := range services {
		add(Tokenize(s))
	}
	for _, t := range NormalizeTags(tags) {
		set[t] = struct{}{}
		add(Tokenize(t))
	}
	add(Tokenize(category))

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NormalizeTags lower-cases and slugs each tag, dropping empties and
// duplicates while keeping first-occurrence order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		n := NormalizeTag(t)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// NormalizeTag returns the canonical form of a single tag.
func NormalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}
	return slug.Make(fold(tag))
}

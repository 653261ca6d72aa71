package minion

import (
	"sort"
	"strings"
	"unicode"
)

// Suggest scores each minion against query by keyword overlap with its
// name and description and returns up to topN names, best first.
func (r *Registry) Suggest(query string, topN int) []string {
	if topN <= 0 {
		return nil
	}
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	type scored struct {
		name  string
		score float64
	}
	var results []scored
	lowerQuery := strings.ToLower(query)
	for _, info := range r.Catalogue() {
		docSet := make(map[string]bool)
		for _, t := range tokenize(strings.ReplaceAll(info.Name, "_", " ") + " " + info.Description) {
			docSet[t] = true
			docSet[stem(t)] = true
		}
		hits := 0
		for _, qt := range queryTokens {
			if docSet[qt] || docSet[stem(qt)] {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := float64(hits) / float64(len(queryTokens))
		if strings.Contains(lowerQuery, strings.ReplaceAll(info.Name, "_", " ")) {
			score *= 2
		}
		results = append(results, scored{name: info.Name, score: score})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
	if len(results) > topN {
		results = results[:topN]
	}
	names := make([]string, len(results))
	for i, s := range results {
		names[i] = s.name
	}
	return names
}

// tokenize splits text into lowercase words longer than two letters,
// dropping stop words.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) > 2 && !stopWords[w] {
			out = append(out, w)
		}
	}
	return out
}

// stem strips a few common English suffixes so "images" meets "image".
func stem(w string) string {
	for _, suf := range []string{"ing", "es", "s", "ed"} {
		if len(w) > len(suf)+2 && strings.HasSuffix(w, suf) {
			return w[:len(w)-len(suf)]
		}
	}
	return w
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "has": true,
	"was": true, "one": true, "our": true, "out": true, "with": true,
	"that": true, "this": true, "from": true, "have": true, "been": true,
	"will": true, "they": true, "when": true, "what": true, "your": true,
	"which": true, "their": true, "about": true, "would": true,
	"there": true, "should": true, "each": true, "make": true,
	"please": true, "could": true, "me": true,
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

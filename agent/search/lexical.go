package search

import "strings"

// lexicalRank is the fallback ranking used when the embedding subsystem is
// unavailable: keyword overlap count over title and description tokens.
// Items with zero overlap are excluded.
func lexicalRank(query string, products []productRecord) []Result {
	queryTokens := uniqueTokens(query)
	if len(queryTokens) == 0 {
		return nil
	}

	results := make([]Result, 0, len(products))
	for _, p := range products {
		titleTokens := tokenSet(p.Title)
		descTokens := tokenSet(p.Description)

		overlap := 0
		var fields []string
		titleHit, descHit := false, false
		for _, tok := range queryTokens {
			hit := false
			if titleTokens[tok] {
				titleHit = true
				hit = true
			}
			if descTokens[tok] {
				descHit = true
				hit = true
			}
			if hit {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		if titleHit {
			fields = append(fields, "title")
		}
		if descHit {
			fields = append(fields, "description")
		}
		results = append(results, Result{
			ItemID:        p.ID,
			Score:         float64(overlap),
			MatchedFields: fields,
		})
	}
	return results
}

func uniqueTokens(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range uniqueTokens(text) {
		set[tok] = true
	}
	return set
}

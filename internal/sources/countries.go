package sources

import (
	"sort"
	"strings"
)

// Country maps a country name, as it appears in source names, to its code.
type Country struct {
	Name string
	Code string
}

// Countries is the static lookup table. Declaration order breaks ties.
var Countries = []Country{
	{"Albania", "al"},
	{"Argentina", "ar"},
	{"Australia", "au"},
	{"Austria", "at"},
	{"Belgium", "be"},
	{"Bulgaria", "bg"},
	{"Croatia", "hr"},
	{"Czech", "cz"},
	{"Denmark", "dk"},
	{"Estonia", "ee"},
	{"Finland", "fi"},
	{"France", "fr"},
	{"Germany", "de"},
	{"Greece", "gr"},
	{"Hungary", "hu"},
	{"Iceland", "is"},
	{"Ireland", "ie"},
	{"Italy", "it"},
	{"Latvia", "lv"},
	{"Lithuania", "lt"},
	{"Luxembourg", "lu"},
	{"Moldova", "md"},
	{"Netherlands", "nl"},
	{"Norway", "no"},
	{"Poland", "pl"},
	{"Portugal", "pt"},
	{"Romania", "ro"},
	{"Russia", "ru"},
	{"Serbia", "rs"},
	{"Slovakia", "sk"},
	{"Slovenia", "si"},
	{"Spain", "es"},
	{"Sweden", "se"},
	{"Switzerland", "ch"},
	{"Ukraine", "ua"},
	{"UK", "uk"},
	{"USA", "us"},
}

// CountryCode derives a country code from a source name. The longest country
// name contained in name wins; equal lengths resolve by table order.
// Matching is case-sensitive.
func CountryCode(name string) (string, bool) {
	best := -1

	for i, c := range Countries {
		if !strings.Contains(name, c.Name) {
			continue
		}

		if best == -1 || len(c.Name) > len(Countries[best].Name) {
			best = i
		}
	}

	if best == -1 {
		return "", false
	}

	return Countries[best].Code, true
}

// countryTokens lists every code and lowercased name, longest first, ties in
// table order with names before codes.
var countryTokens = buildCountryTokens()

func buildCountryTokens() []string {
	seen := make(map[string]bool, len(Countries)*2)
	tokens := make([]string, 0, len(Countries)*2)

	for _, c := range Countries {
		for _, tok := range []string{strings.ToLower(c.Name), c.Code} {
			if !seen[tok] {
				seen[tok] = true
				tokens = append(tokens, tok)
			}
		}
	}

	sort.SliceStable(tokens, func(i, j int) bool {
		return len(tokens[i]) > len(tokens[j])
	})

	return tokens
}

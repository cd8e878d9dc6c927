package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var rankMarkers = map[string]string{
	"subsp.": "subsp.",
	"ssp.":   "subsp.",
	"var.":   "var.",
	"f.":     "f.",
	"cv.":    "cv.",
}

// NormalizeMatchKey reduces a scientific name to the key used to pair
// provider items with local records. It lowercases, collapses whitespace,
// drops hybrid signs and author citations, and keeps infraspecific ranks and
// quoted cultivar names.
//
//	"Acer palmatum Thunb. 'Bloodgood'" -> "acer palmatum 'bloodgood'"
//	"× Chitalpa tashkentensis"         -> "chitalpa tashkentensis"
func NormalizeMatchKey(scientificName string) string {
	tokens := strings.Fields(scientificName)
	if len(tokens) == 0 {
		return ""
	}

	out := make([]string, 0, len(tokens))
	inQuote := false
	for _, token := range tokens {
		if inQuote {
			out = append(out, strings.ToLower(token))
			if endsQuote(token) {
				inQuote = false
			}
			continue
		}

		token = strings.TrimLeft(token, "×")
		if token == "" || token == "x" || token == "X" {
			continue
		}

		if startsQuote(token) {
			out = append(out, strings.ToLower(normalizeQuotes(token)))
			if !endsQuote(token) || utf8.RuneCountInString(token) == 1 {
				inQuote = true
			}
			continue
		}

		lower := strings.ToLower(token)
		if marker, ok := rankMarkers[lower]; ok {
			out = append(out, marker)
			continue
		}

		if len(out) > 0 && isAuthorToken(token) {
			continue
		}

		out = append(out, lower)
	}

	for i, token := range out {
		out[i] = normalizeQuotes(token)
	}
	return strings.Join(out, " ")
}

func isAuthorToken(token string) bool {
	r, _ := utf8.DecodeRuneInString(token)
	switch {
	case r == '(' || r == '&':
		return true
	case unicode.IsUpper(r):
		return true
	case token == "ex" || token == "et":
		return true
	default:
		return false
	}
}

func startsQuote(token string) bool {
	r, _ := utf8.DecodeRuneInString(token)
	return r == '\'' || r == '"' || r == '‘' || r == '“'
}

func endsQuote(token string) bool {
	r, _ := utf8.DecodeLastRuneInString(token)
	return r == '\'' || r == '"' || r == '’' || r == '”'
}

func normalizeQuotes(token string) string {
	return strings.NewReplacer("‘", "'", "’", "'", "“", "'", "”", "'", `"`, "'").Replace(token)
}

package sources

import (
	"errors"
	"fmt"
	"strings"
)

// Rule names a URL correction rule.
type Rule string

// Correction rules, in the order they are tried. Their preconditions do not
// overlap, so at most one applies to a given URL.
const (
	RuleSingleLetter  Rule = "single-letter"
	RuleLetterNumeral Rule = "letter-numeral"
	RuleDoubled       Rule = "doubled"
)

var (
	// ErrValidationNoOp marks a malformed source that no correction rule repaired.
	ErrValidationNoOp = errors.New("no correction rule matched")
	// ErrUnrepairableSuffix is reported for a country suffix that mixes
	// look-alike letters in a way no rule covers.
	ErrUnrepairableSuffix = errors.New("ambiguous look-alike suffix")
)

// lookalikes maps letters commonly mistaken for digits.
var lookalikes = map[byte]byte{
	'l': '1',
	'I': '1',
	'O': '0',
	'S': '5',
	'Z': '2',
	'B': '8',
}

// doubled lists two-character suffixes produced by chained misreads of "11".
var doubled = map[string]bool{
	"ll": true, "lI": true, "Il": true, "II": true,
	"l1": true, "1l": true, "I1": true, "1I": true,
}

// Correction records one rewritten URL.
type Correction struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Old   string `json:"old"`
	New   string `json:"new"`
	Rule  Rule   `json:"rule"`
}

// Finding records a source left untouched because it is malformed and no
// rule could repair it. Err wraps ErrValidationNoOp.
type Finding struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	URL   string `json:"url"`
	Err   error  `json:"-"`
}

// Report is the audit trail of one Correct run.
type Report struct {
	Corrections  []Correction `json:"corrections"`
	Unmatched    []Finding    `json:"unmatched"`
	CountryCodes int          `json:"country_codes_changed"`
}

// Count returns the number of rewritten URLs.
func (r Report) Count() int {
	return len(r.Corrections)
}

// Correct repairs look-alike misreads in source URLs and re-derives country
// codes from source names. It returns a new slice; the input is not modified.
// Running it on its own output changes nothing.
func Correct(srcs []Source) ([]Source, Report) {
	out := make([]Source, len(srcs))
	copy(out, srcs)

	report := Report{
		Corrections: make([]Correction, 0),
		Unmatched:   make([]Finding, 0),
	}

	for i := range out {
		src := &out[i]

		fixed, rule, err := CorrectURL(src.URL)

		switch {
		case err != nil:
			report.Unmatched = append(report.Unmatched, Finding{
				Index: i, ID: src.ID, URL: src.URL,
				Err: fmt.Errorf("%w: %w", ErrValidationNoOp, err),
			})
		case rule != "":
			report.Corrections = append(report.Corrections, Correction{
				Index: i, ID: src.ID, Old: src.URL, New: fixed, Rule: rule,
			})
			src.URL = fixed
		}

		if err == nil {
			if verr := Validate(*src); verr != nil {
				report.Unmatched = append(report.Unmatched, Finding{
					Index: i, ID: src.ID, URL: src.URL,
					Err: fmt.Errorf("%w: %w", ErrValidationNoOp, verr),
				})
			}
		}

		if code, ok := CountryCode(src.Name); ok {
			if src.CountryCode != code {
				report.CountryCodes++
			}

			src.CountryCode = code
		}
	}

	return out, report
}

// CorrectURL applies the first matching rule to raw. It returns the input
// and an empty rule when nothing needs repair, and ErrUnrepairableSuffix
// when a look-alike suffix follows a country token but no rule covers it.
func CorrectURL(raw string) (string, Rule, error) {
	parts, ok := splitURL(raw)
	if !ok {
		return raw, "", nil
	}

	cut, ok := countrySplit(parts.stem)
	if !ok {
		return raw, "", nil
	}

	tail := parts.stem[cut:]

	// A run of lowercase l after a country token reads as a word ("all",
	// "dell") unless the file name carries a numeral elsewhere.
	if onlyLowerL(tail) && !hasDigit(parts.stem[:cut]) {
		return raw, "", nil
	}

	digits, rule := rewriteTail(tail)
	if rule == "" {
		return raw, "", fmt.Errorf("%w: %q", ErrUnrepairableSuffix, tail)
	}

	parts.stem = parts.stem[:cut] + digits

	return parts.String(), rule, nil
}

// rewriteTail maps a look-alike suffix to digits. The three cases are
// disjoint: a lone letter, a letter then digits that is not a doubled
// pattern, or a doubled pattern.
func rewriteTail(tail string) (string, Rule) {
	switch {
	case len(tail) == 1:
		return string(lookalikes[tail[0]]), RuleSingleLetter
	case doubled[tail]:
		return "11", RuleDoubled
	case isLookalike(tail[0]) && allDigits(tail[1:]):
		d := lookalikes[tail[0]]
		if tail[1] == d {
			return tail[1:], RuleLetterNumeral
		}

		return string(d) + tail[1:], RuleLetterNumeral
	}

	return "", ""
}

// countrySplit finds the longest country token in stem that starts at the
// beginning or after a separator and is followed only by digits and
// look-alike letters, at least one of them a look-alike. It returns the
// index where that suffix begins.
func countrySplit(stem string) (int, bool) {
	lower := strings.ToLower(stem)

	for _, tok := range countryTokens {
		for from := 0; from < len(lower); {
			i := strings.Index(lower[from:], tok)
			if i < 0 {
				break
			}

			i += from
			from = i + 1

			if i > 0 && !isSeparator(lower[i-1]) {
				continue
			}

			end := i + len(tok)
			if isSuffix(stem[end:]) {
				return end, true
			}
		}
	}

	return 0, false
}

func isSuffix(s string) bool {
	if s == "" {
		return false
	}

	found := false

	for i := 0; i < len(s); i++ {
		switch {
		case isLookalike(s[i]):
			found = true
		case s[i] >= '0' && s[i] <= '9':
		default:
			return false
		}
	}

	return found
}

func isLookalike(c byte) bool {
	_, ok := lookalikes[c]

	return ok
}

func isSeparator(c byte) bool {
	return c == '_' || c == '-' || c == '.'
}

func onlyLowerL(s string) bool {
	return s != "" && strings.Trim(s, "l") == ""
}

func hasDigit(s string) bool {
	return strings.ContainsAny(s, "0123456789")
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}

	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}

	return true
}

// urlParts is a URL split around its file name: prefix + stem + ext + rest,
// where rest is the untouched query and fragment.
type urlParts struct {
	prefix string
	stem   string
	ext    string
	rest   string
}

func (p urlParts) String() string {
	return p.prefix + p.stem + p.ext + p.rest
}

func splitURL(raw string) (urlParts, bool) {
	body, rest := raw, ""
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		body, rest = raw[:i], raw[i:]
	}

	slash := strings.LastIndex(body, "/")
	if slash < 0 {
		return urlParts{}, false
	}

	file := body[slash+1:]

	ext := extensionOf(file)
	if ext == "" {
		return urlParts{}, false
	}

	return urlParts{
		prefix: body[:slash+1],
		stem:   file[:len(file)-len(ext)],
		ext:    ext,
		rest:   rest,
	}, true
}

package similarity

import (
	"strings"
	"unicode"

	"github.com/kljensen/snowball/english"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stopWords = map[string]struct{}{
	"a": {}, "about": {}, "after": {}, "all": {}, "also": {}, "an": {}, "and": {}, "any": {},
	"are": {}, "as": {}, "at": {}, "be": {}, "been": {}, "but": {}, "by": {}, "can": {},
	"from": {}, "has": {}, "have": {}, "he": {}, "her": {}, "his": {}, "how": {}, "if": {},
	"in": {}, "into": {}, "is": {}, "it": {}, "its": {}, "made": {}, "may": {}, "more": {},
	"most": {}, "not": {}, "of": {}, "often": {}, "on": {}, "one": {}, "or": {}, "other": {},
	"she": {}, "so": {}, "some": {}, "such": {}, "than": {}, "that": {}, "the": {}, "their": {},
	"them": {}, "then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "to": {}, "typically": {},
	"usually": {}, "was": {}, "were": {}, "what": {}, "when": {}, "which": {}, "while": {}, "who": {},
	"with": {}, "would": {}, "you": {}, "your": {}, "for": {}, "do": {}, "does": {}, "we": {},
	"our": {}, "very": {}, "up": {}, "out": {}, "no": {}, "only": {}, "over": {}, "each": {},
}

// Tokenize folds s to accent-free lower case, splits it on anything that is
// not a letter or digit, and drops stop words and single characters.
func Tokenize(s string) []string {
	folded := fold(s)
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// Terms returns the stemmed unigrams and adjacent-token bigrams of s, so
// "noodles" and "noodle" count as the same term.
func Terms(s string) []string {
	tokens := Tokenize(s)
	if len(tokens) == 0 {
		return nil
	}
	for i, tok := range tokens {
		tokens[i] = english.Stem(tok, false)
	}
	terms := make([]string, 0, 2*len(tokens)-1)
	terms = append(terms, tokens...)
	for i := 1; i < len(tokens); i++ {
		terms = append(terms, tokens[i-1]+" "+tokens[i])
	}
	return terms
}

func fold(s string) string {
	// A transformer chain is stateful, so build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), cases.Fold(), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

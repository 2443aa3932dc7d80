package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// translitMap maps Cyrillic runes to their Latin equivalents
var translitMap = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "e", 'ё': "yo",
	'ж': "zh", 'з': "z", 'и': "i", 'й': "j", 'к': "k", 'л': "l", 'м': "m",
	'н': "n", 'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u",
	'ф': "f", 'х': "h", 'ц': "ts", 'ч': "ch", 'ш': "sh", 'щ': "sch", 'ъ': "",
	'ы': "y", 'ь': "", 'э': "e", 'ю': "yu", 'я': "ya",
}

// Normalizer canonicalizes vendor text into comparable keys using an
// immutable synonym table loaded once at startup.
type Normalizer struct {
	table *SynonymTable
}

// New creates a Normalizer backed by the given synonym table.
// A nil table disables synonym substitution.
func New(table *SynonymTable) *Normalizer {
	return &Normalizer{table: table}
}

// Normalize lowercases, transliterates, strips diacritics and punctuation,
// collapses whitespace and substitutes synonyms longest-match-first.
// Normalizing an already normalized string is a no-op.
func (n *Normalizer) Normalize(text string) string {
	tokens := baseTokens(text)
	if n.table != nil {
		tokens = n.table.Apply(tokens)
	}
	return strings.Join(tokens, " ")
}

// ProductKey builds the matching key from a record's name and brand.
// The brand is prepended when its tokens are not already part of the name.
// An empty name yields an empty key regardless of brand.
func (n *Normalizer) ProductKey(name, brand string) string {
	key := n.Normalize(name)
	if key == "" {
		return ""
	}
	brandKey := n.Normalize(brand)
	if brandKey == "" {
		return key
	}
	if containsTokens(strings.Fields(key), strings.Fields(brandKey)) {
		return key
	}
	return brandKey + " " + key
}

// Similarity returns the token-set Jaccard ratio of two normalized keys,
// in [0, 1]. Either side being empty yields 0.
func Similarity(a, b string) float64 {
	at := strings.Fields(a)
	bt := strings.Fields(b)
	if len(at) == 0 || len(bt) == 0 {
		return 0
	}

	aset := make(map[string]struct{}, len(at))
	for _, tok := range at {
		aset[tok] = struct{}{}
	}

	inter := 0
	bset := make(map[string]struct{}, len(bt))
	for _, tok := range bt {
		if _, seen := bset[tok]; seen {
			continue
		}
		bset[tok] = struct{}{}
		if _, ok := aset[tok]; ok {
			inter++
		}
	}

	union := len(aset) + len(bset) - inter
	return float64(inter) / float64(union)
}

// Clean collapses runs of whitespace into single spaces and trims the ends
func Clean(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Transliterate replaces Cyrillic characters with their Latin equivalents
func Transliterate(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if lat, ok := translitMap[r]; ok {
			b.WriteString(lat)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// baseTokens runs the synonym-free part of the pipeline: lowercase,
// transliterate, fold diacritics, replace punctuation with spaces, split.
func baseTokens(text string) []string {
	s := strings.ToLower(text)
	s = Transliterate(s)
	s = foldDiacritics(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}

// foldDiacritics decomposes the string and drops combining marks
func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// containsTokens reports whether every token of sub occurs in tokens
func containsTokens(tokens, sub []string) bool {
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	for _, tok := range sub {
		if _, ok := set[tok]; !ok {
			return false
		}
	}
	return true
}

package normalize

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// SynonymTable holds the phrase → canonical phrase mapping used during
// normalization. It is built once and never mutated afterwards.
type SynonymTable struct {
	mapping map[string]string
	ordered []synonymEntry
}

// synonymEntry is one matchable phrase with its replacement tokens.
// Canonical phrases are registered as self-entries so that an already
// substituted text matches them first and stays unchanged.
type synonymEntry struct {
	tokens      []string
	replacement []string
}

// NewSynonymTable normalizes both sides of the mapping and prepares the
// longest-match-first ordering. Entries whose phrase normalizes to nothing
// are dropped; an empty canonical removes the phrase from keys.
func NewSynonymTable(mapping map[string]string) *SynonymTable {
	table := &SynonymTable{mapping: make(map[string]string, len(mapping))}

	canonicals := make(map[string]struct{})
	for phrase, canonical := range mapping {
		key := strings.Join(baseTokens(phrase), " ")
		if key == "" {
			continue
		}
		value := strings.Join(baseTokens(canonical), " ")
		table.mapping[key] = value
		if value != "" {
			canonicals[value] = struct{}{}
		}
	}

	for key, value := range table.mapping {
		table.ordered = append(table.ordered, synonymEntry{
			tokens:      strings.Fields(key),
			replacement: strings.Fields(value),
		})
	}
	for canonical := range canonicals {
		if _, isKey := table.mapping[canonical]; isKey {
			continue
		}
		tokens := strings.Fields(canonical)
		table.ordered = append(table.ordered, synonymEntry{tokens: tokens, replacement: tokens})
	}

	sort.Slice(table.ordered, func(i, j int) bool {
		if len(table.ordered[i].tokens) != len(table.ordered[j].tokens) {
			return len(table.ordered[i].tokens) > len(table.ordered[j].tokens)
		}
		return strings.Join(table.ordered[i].tokens, " ") < strings.Join(table.ordered[j].tokens, " ")
	})

	return table
}

// LoadSynonyms reads a JSON object of phrase → canonical pairs from path.
// An empty path yields the built-in defaults.
func LoadSynonyms(path string) (*SynonymTable, error) {
	if path == "" {
		return DefaultSynonyms(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading synonyms file: %w", err)
	}

	var mapping map[string]string
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("parsing synonyms file %s: %w", path, err)
	}

	return NewSynonymTable(mapping), nil
}

// DefaultSynonyms returns the built-in table: generic door words that carry
// no identity are dropped from keys, and brand spellings whose
// transliteration differs from the catalog form are aliased.
func DefaultSynonyms() *SynonymTable {
	return NewSynonymTable(map[string]string{
		"дверь":              "",
		"двери":              "",
		"входная дверь":      "",
		"межкомнатная дверь": "",
		"интекрон":           "intecron",
		"ас двери":           "asdoors",
	})
}

// Apply substitutes synonyms in a token sequence, longest phrase first.
// Replacements are not re-scanned, so a single pass is stable.
func (t *SynonymTable) Apply(tokens []string) []string {
	if t == nil || len(t.ordered) == 0 {
		return tokens
	}

	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); {
		matched := false
		for _, e := range t.ordered {
			n := len(e.tokens)
			if n == 0 || i+n > len(tokens) {
				continue
			}
			if equalTokens(tokens[i:i+n], e.tokens) {
				out = append(out, e.replacement...)
				i += n
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}
	return out
}

// Size returns the number of phrase mappings in the table
func (t *SynonymTable) Size() int {
	if t == nil {
		return 0
	}
	return len(t.mapping)
}

func equalTokens(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

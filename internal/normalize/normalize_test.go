package normalize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeBasics(t *testing.T) {
	n := New(nil)

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "lowercase and whitespace collapse",
			input:    "  Intecron   Mira  Lux ",
			expected: "intecron mira lux",
		},
		{
			name:     "punctuation stripped",
			input:    "Mira-Lux, (Premium)!",
			expected: "mira lux premium",
		},
		{
			name:     "cyrillic transliteration",
			input:    "Дверь Лабиринт",
			expected: "dver labirint",
		},
		{
			name:     "diacritics folded",
			input:    "Türen Café",
			expected: "turen cafe",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
		{
			name:     "punctuation only",
			input:    "--- !!! ---",
			expected: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, n.Normalize(tc.input))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	table := NewSynonymTable(map[string]string{
		"mira":  "mira lux",
		"дверь": "",
	})
	n := New(table)

	inputs := []string{
		"Дверь Intecron Mira",
		"Intecron Mira Lux",
		"La Porte Café-Noir",
		"Бункер ХИТ B-43",
		"",
		"mira",
	}

	for _, input := range inputs {
		once := n.Normalize(input)
		twice := n.Normalize(once)
		assert.Equal(t, once, twice, "normalize must be idempotent for %q", input)
	}
}

func TestSynonymSubstitution(t *testing.T) {
	table := NewSynonymTable(map[string]string{
		"mira":     "mira lux",
		"хит":      "hit",
		"ас двери": "asdoors",
	})
	n := New(table)

	assert.Equal(t, "dver intecron mira lux", n.Normalize("Дверь Intecron Mira"))
	assert.Equal(t, "bunker hit", n.Normalize("Бункер ХИТ"))
	assert.Equal(t, "asdoors premium", n.Normalize("АС Двери Premium"))
}

func TestSynonymLongestMatchFirst(t *testing.T) {
	table := NewSynonymTable(map[string]string{
		"mira":         "old",
		"mira lux":     "premium",
		"mira lux pro": "flagship",
	})
	n := New(table)

	assert.Equal(t, "flagship", n.Normalize("Mira Lux Pro"))
	assert.Equal(t, "premium", n.Normalize("Mira Lux"))
	assert.Equal(t, "old", n.Normalize("Mira"))
}

func TestSynonymCanonicalStaysPut(t *testing.T) {
	table := NewSynonymTable(map[string]string{"mira": "mira lux"})
	n := New(table)

	// An already substituted phrase must not grow on re-application.
	assert.Equal(t, "mira lux", n.Normalize("mira"))
	assert.Equal(t, "mira lux", n.Normalize("mira lux"))
}

func TestSynonymRemoval(t *testing.T) {
	n := New(DefaultSynonyms())

	assert.Equal(t, "intecron mira", n.Normalize("Дверь Intecron Mira"))
	assert.Equal(t, "labirint leolab", n.Normalize("Входная дверь Лабиринт LEOLAB"))

	// Cyrillic brand spellings land on the catalog form.
	assert.Equal(t, "intecron sparta", n.Normalize("Двери Интекрон Спарта"))
	assert.Equal(t, "asdoors premium", n.Normalize("АС Двери Premium"))
}

func TestProductKey(t *testing.T) {
	n := New(nil)

	// Brand already present in the name is not duplicated.
	assert.Equal(t, "intecron mira lux", n.ProductKey("Intecron Mira Lux", "Intecron"))

	// Missing brand tokens are prepended.
	assert.Equal(t, "labirint leolab 07", n.ProductKey("LEOLAB 07", "Лабиринт"))

	// Empty name yields an empty key even with a brand.
	assert.Equal(t, "", n.ProductKey("", "Intecron"))

	// Empty brand leaves the name key untouched.
	assert.Equal(t, "mira lux", n.ProductKey("Mira Lux", ""))
}

func TestSimilarity(t *testing.T) {
	testCases := []struct {
		name     string
		a        string
		b        string
		expected float64
	}{
		{
			name:     "identical keys",
			a:        "intecron mira lux",
			b:        "intecron mira lux",
			expected: 1,
		},
		{
			name:     "subset with one extra token",
			a:        "dver intecron mira lux",
			b:        "intecron mira lux",
			expected: 0.75,
		},
		{
			name:     "disjoint keys",
			a:        "bunker hit",
			b:        "intecron mira",
			expected: 0,
		},
		{
			name:     "empty side",
			a:        "",
			b:        "intecron mira",
			expected: 0,
		},
		{
			name:     "duplicate tokens counted once",
			a:        "mira mira lux",
			b:        "mira lux",
			expected: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.expected, Similarity(tc.a, tc.b), 1e-9)
			assert.InDelta(t, tc.expected, Similarity(tc.b, tc.a), 1e-9)
		})
	}
}

func TestClean(t *testing.T) {
	assert.Equal(t, "a b c", Clean("  a\n\tb   c "))
	assert.Equal(t, "", Clean("   "))
}

func TestTransliterate(t *testing.T) {
	assert.Equal(t, "dver", Transliterate("дверь"))
	assert.Equal(t, "schuka", Transliterate("щука"))
	assert.Equal(t, "yozh", Transliterate("ёж"))
	assert.Equal(t, "plain latin", Transliterate("plain latin"))
}

func TestLoadSynonyms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synonyms.json")
	err := os.WriteFile(path, []byte(`{"mira": "mira lux", "Дверь": ""}`), 0o644)
	assert.NoError(t, err)

	table, err := LoadSynonyms(path)
	assert.NoError(t, err)
	assert.Equal(t, 2, table.Size())

	n := New(table)
	assert.Equal(t, "intecron mira lux", n.Normalize("Дверь Intecron Mira"))
}

func TestLoadSynonymsDefaults(t *testing.T) {
	table, err := LoadSynonyms("")
	assert.NoError(t, err)
	assert.NotZero(t, table.Size())
}

func TestLoadSynonymsErrors(t *testing.T) {
	_, err := LoadSynonyms("/nonexistent/synonyms.json")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	assert.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, err = LoadSynonyms(path)
	assert.Error(t, err)
}

package analyzer

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/target/review-pulse/internal/domain/model"
)

//go:embed lexicon.yaml
var defaultLexicon []byte

// Lexicon maps categories to polarity keyword lists.
type Lexicon struct {
	Negations    []string                   `yaml:"negations"`
	Intensifiers []string                   `yaml:"intensifiers"`
	Categories   map[model.Category]Polarity `yaml:"categories"`
}

// Polarity holds the keywords signalling each sentiment for one category.
type Polarity struct {
	Positive []string `yaml:"positive"`
	Negative []string `yaml:"negative"`
}

// DefaultLexicon returns the embedded lexicon.
func DefaultLexicon() (*Lexicon, error) {
	return ParseLexicon(defaultLexicon)
}

// LoadLexicon reads a YAML lexicon from path, or the embedded one when path is empty.
func LoadLexicon(path string) (*Lexicon, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultLexicon()
	}
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	return ParseLexicon(data)
}

// ParseLexicon decodes and validates a YAML lexicon. Terms are lower-cased.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}
	if len(lex.Categories) == 0 {
		return nil, fmt.Errorf("parse lexicon: no categories")
	}
	for cat, pol := range lex.Categories {
		if !cat.Valid() {
			return nil, fmt.Errorf("parse lexicon: unknown category %q", cat)
		}
		lex.Categories[cat] = Polarity{Positive: lowerAll(pol.Positive), Negative: lowerAll(pol.Negative)}
	}
	lex.Negations = lowerAll(lex.Negations)
	lex.Intensifiers = lowerAll(lex.Intensifiers)
	return &lex, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

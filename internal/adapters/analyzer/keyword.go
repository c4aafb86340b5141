// Package analyzer provides review analyzers: a lexicon-based one that runs
// in-process and an HTTP client for a remote inference endpoint.
package analyzer

import (
	"context"
	"strings"
	"unicode"

	"github.com/abadojack/whatlanggo"

	"github.com/target/review-pulse/internal/domain/model"
)

// negationWindow is how many tokens before a term a negation may appear.
const negationWindow = 3

// KeywordAnalyzer judges reviews against a keyword lexicon.
type KeywordAnalyzer struct {
	lex *Lexicon
}

// NewKeywordAnalyzer builds an analyzer from lex (the embedded lexicon when nil).
func NewKeywordAnalyzer(lex *Lexicon) (*KeywordAnalyzer, error) {
	if lex == nil {
		var err error
		if lex, err = DefaultLexicon(); err != nil {
			return nil, err
		}
	}
	return &KeywordAnalyzer{lex: lex}, nil
}

// Analyze scores every category for one review.
func (a *KeywordAnalyzer) Analyze(ctx context.Context, item model.ReviewItem) (model.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return model.AnalysisResult{}, err
	}

	res := model.AnalysisResult{
		Index:      item.Index,
		Location:   item.Location(),
		Score:      item.Score,
		Language:   detectLanguage(item.Text),
		Categories: make(map[model.Category]model.CategoryJudgment, len(model.Categories())),
	}

	tallies := make(map[model.Category]*tally)
	for _, clause := range splitClauses(item.Text) {
		tokens := tokenize(clause)
		if len(tokens) == 0 {
			continue
		}
		boost := a.countIntensifiers(tokens)
		for cat, pol := range a.lex.Categories {
			pos, neg := a.hits(tokens, pol)
			if pos == 0 && neg == 0 {
				continue
			}
			t := tallies[cat]
			if t == nil {
				t = &tally{}
				tallies[cat] = t
			}
			t.score += pos - neg
			t.boost += boost
			t.fragments = append(t.fragments, clause)
		}
	}

	for _, cat := range model.Categories() {
		t := tallies[cat]
		if t == nil {
			res.Categories[cat] = model.CategoryJudgment{Fragments: []string{}, Sentiment: model.SentimentNeutral}
			continue
		}
		res.Categories[cat] = t.judgment()
	}
	return res, nil
}

type tally struct {
	score     int
	boost     int
	fragments []string
}

func (t *tally) judgment() model.CategoryJudgment {
	j := model.CategoryJudgment{Fragments: t.fragments, Sentiment: model.SentimentNeutral}
	switch {
	case t.score > 0:
		j.Sentiment = model.SentimentPositive
	case t.score < 0:
		j.Sentiment = model.SentimentNegative
	}
	magnitude := t.score
	if magnitude < 0 {
		magnitude = -magnitude
	}
	j.Intensity = magnitude + t.boost
	return j.Normalize()
}

// hits counts positive and negative term matches, flipping negated ones.
func (a *KeywordAnalyzer) hits(tokens []string, pol Polarity) (pos, neg int) {
	for _, term := range pol.Positive {
		for _, at := range matchPositions(tokens, term) {
			if a.negated(tokens, at) {
				neg++
			} else {
				pos++
			}
		}
	}
	for _, term := range pol.Negative {
		for _, at := range matchPositions(tokens, term) {
			if a.negated(tokens, at) {
				pos++
			} else {
				neg++
			}
		}
	}
	return pos, neg
}

func (a *KeywordAnalyzer) negated(tokens []string, at int) bool {
	for i := max(0, at-negationWindow); i < at; i++ {
		if contains(a.lex.Negations, tokens[i]) {
			return true
		}
	}
	return false
}

func (a *KeywordAnalyzer) countIntensifiers(tokens []string) int {
	n := 0
	for _, tok := range tokens {
		if contains(a.lex.Intensifiers, tok) {
			n++
		}
	}
	return n
}

// matchPositions returns the token offsets where the (possibly multi-word) term starts.
func matchPositions(tokens []string, term string) []int {
	words := strings.Fields(term)
	if len(words) == 0 {
		return nil
	}
	var out []int
	for i := 0; i+len(words) <= len(tokens); i++ {
		match := true
		for j, w := range words {
			if tokens[i+j] != w {
				match = false
				break
			}
		}
		if match {
			out = append(out, i)
		}
	}
	return out
}

func splitClauses(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == ';' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		for _, sub := range strings.Split(p, " but ") {
			if s := strings.TrimSpace(sub); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func tokenize(clause string) []string {
	return strings.FieldsFunc(strings.ToLower(clause), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// detectLanguage returns the ISO 639-1 code when detection is reliable.
func detectLanguage(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}

package charts

import (
	"slices"
	"strings"

	"github.com/target/review-pulse/internal/domain/model"
)

// Insights is the textual summary of the bundle.
type Insights struct {
	TotalReviews   int               `json:"total_reviews"`
	FailedReviews  int               `json:"failed_reviews"`
	LocationCount  int               `json:"location_count"`
	AverageRating  *float64          `json:"average_rating,omitempty"`
	TopIssues      []IssueCount      `json:"top_issues"`
	NeedsAttention []LocationSummary `json:"needs_attention"`
	Categories     []CategoryInsight `json:"categories"`
}

// IssueCount ranks a category by negative mentions across all locations.
type IssueCount struct {
	Category model.Category `json:"category"`
	Label    string         `json:"label"`
	Negative int            `json:"negative"`
}

// LocationSummary ranks a location by total negative mentions.
type LocationSummary struct {
	Location      string   `json:"location"`
	Negative      int      `json:"negative"`
	AverageRating *float64 `json:"average_rating,omitempty"`
	Reviews       int      `json:"reviews"`
}

// CategoryInsight lists sample negative comments for a category.
type CategoryInsight struct {
	Category model.Category `json:"category"`
	Label    string         `json:"label"`
	Negative int            `json:"negative"`
	Samples  []string       `json:"samples"`
}

func (g *Generator) insights(ds *dataset) Insights {
	in := Insights{
		TotalReviews:  len(ds.items),
		FailedReviews: ds.failed,
		LocationCount: len(ds.locations),
		AverageRating: averageRating(ds.items),
	}

	for _, c := range model.Categories() {
		s := count(ds.items, c)
		in.TopIssues = append(in.TopIssues, IssueCount{Category: c, Label: g.label(c), Negative: s.negative})
		if s.negative == 0 {
			continue
		}
		in.Categories = append(in.Categories, CategoryInsight{
			Category: c,
			Label:    g.label(c),
			Negative: s.negative,
			Samples:  g.samplesFor(ds.items, c),
		})
	}
	slices.SortStableFunc(in.TopIssues, func(a, b IssueCount) int { return b.Negative - a.Negative })

	for _, loc := range ds.locations {
		items := ds.byLocation[loc]
		neg := 0
		for _, c := range model.Categories() {
			neg += count(items, c).negative
		}
		in.NeedsAttention = append(in.NeedsAttention, LocationSummary{
			Location:      loc,
			Negative:      neg,
			AverageRating: averageRating(items),
			Reviews:       len(items),
		})
	}
	slices.SortStableFunc(in.NeedsAttention, func(a, b LocationSummary) int { return b.Negative - a.Negative })
	return in
}

func (g *Generator) samplesFor(items []model.AnalysisResult, c model.Category) []string {
	out := []string{}
	for _, it := range items {
		j := it.Categories[c]
		if j.Sentiment != model.SentimentNegative {
			continue
		}
		for _, f := range j.Fragments {
			if f = strings.TrimSpace(f); f == "" {
				continue
			}
			out = append(out, f)
			if len(out) == g.samples {
				return out
			}
		}
	}
	return out
}

func averageRating(items []model.AnalysisResult) *float64 {
	var sum float64
	n := 0
	for _, it := range items {
		if it.Score != nil {
			sum += *it.Score
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := round2(sum / float64(n))
	return &avg
}

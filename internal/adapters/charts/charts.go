// Package charts builds the chart/report bundle for a finished analysis.
package charts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/target/review-pulse/internal/domain/model"
)

const (
	defaultSampleFragments = 3
	contentType            = "application/json"
)

// ContentType is the media type of a generated bundle.
func ContentType() string { return contentType }

// Bundle is the serialized chart/report payload stored alongside a completed job.
type Bundle struct {
	Categories       []CategoryLabel     `json:"categories"`
	Locations        []string            `json:"locations"`
	NegativePct      Heatmap             `json:"negative_pct"`
	MentionFrequency Heatmap             `json:"mention_frequency"`
	WeightedSeverity Heatmap             `json:"weighted_severity"`
	PriorityMatrix   PriorityMatrix      `json:"priority_matrix"`
	Breakdowns       []CategoryBreakdown `json:"breakdowns"`
	Insights         Insights            `json:"insights"`
}

// CategoryLabel pairs a category key with its display label.
type CategoryLabel struct {
	Key   model.Category `json:"key"`
	Label string         `json:"label"`
}

// Heatmap is a location × category matrix. Values[i][j] belongs to Rows[i] and Columns[j].
type Heatmap struct {
	Title   string      `json:"title"`
	Rows    []string    `json:"rows"`
	Columns []string    `json:"columns"`
	Values  [][]float64 `json:"values"`
}

// PriorityPoint places one category on the frequency/negativity plane.
type PriorityPoint struct {
	Category      model.Category `json:"category"`
	Label         string         `json:"label"`
	FrequencyPct  float64        `json:"frequency_pct"`
	NegativePct   float64        `json:"negative_pct"`
	Mentions      int            `json:"mentions"`
	NegativeCount int            `json:"negative_count"`
	Quadrant      string         `json:"quadrant"`
}

// PriorityMatrix holds the category points and the median split lines.
type PriorityMatrix struct {
	MedianFrequency float64         `json:"median_frequency"`
	MedianNegative  float64         `json:"median_negative"`
	Points          []PriorityPoint `json:"points"`
}

// Quadrants of the priority matrix.
const (
	QuadrantHighPriority = "high_priority"
	QuadrantWatch        = "watch"
	QuadrantNiche        = "niche"
	QuadrantLowPriority  = "low_priority"
)

// LocationCounts is one bar group of a category breakdown.
type LocationCounts struct {
	Location string `json:"location"`
	Positive int    `json:"positive"`
	Negative int    `json:"negative"`
	Neutral  int    `json:"neutral"`
	Mentions int    `json:"mentions"`
}

// CategoryBreakdown is the per-location sentiment split for one category,
// most negative location first.
type CategoryBreakdown struct {
	Category  model.Category   `json:"category"`
	Label     string           `json:"label"`
	Locations []LocationCounts `json:"locations"`
}

// Options tunes the generator.
type Options struct {
	// BreakdownCategories selects the categories that get a per-location
	// breakdown. Empty means all categories.
	BreakdownCategories []model.Category
	// SampleFragments caps the sample negative comments per category in insights.
	SampleFragments int
}

// Generator renders bundles. It is stateless and safe for concurrent use.
type Generator struct {
	breakdown []model.Category
	samples   int
	title     cases.Caser
}

// NewGenerator builds a Generator.
func NewGenerator(opts Options) *Generator {
	breakdown := opts.BreakdownCategories
	if len(breakdown) == 0 {
		breakdown = model.Categories()
	}
	samples := opts.SampleFragments
	if samples <= 0 {
		samples = defaultSampleFragments
	}
	return &Generator{
		breakdown: slices.Clone(breakdown),
		samples:   samples,
		title:     cases.Title(language.English),
	}
}

// Generate renders the bundle for result as JSON. Output depends only on the
// result, so a re-run over the same aggregate yields identical bytes.
func (g *Generator) Generate(ctx context.Context, result *model.JobResult) ([]byte, error) {
	if result == nil {
		return nil, errors.New("chart generation requires a result")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := g.Build(result)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode chart bundle: %w", err)
	}
	return out, nil
}

// Build computes the bundle without encoding it.
func (g *Generator) Build(result *model.JobResult) (*Bundle, error) {
	ds := newDataset(result.Items)
	if len(ds.items) == 0 {
		return nil, errors.New("chart generation requires at least one analyzed item")
	}

	cats := model.Categories()
	labels := make([]string, len(cats))
	catLabels := make([]CategoryLabel, len(cats))
	for i, c := range cats {
		labels[i] = g.label(c)
		catLabels[i] = CategoryLabel{Key: c, Label: labels[i]}
	}

	b := &Bundle{
		Categories: catLabels,
		Locations:  slices.Clone(ds.locations),
	}
	b.NegativePct = ds.heatmap("% Negative Mentions by Location and Category", labels, negativePct)
	b.MentionFrequency = ds.heatmap("Mention Frequency by Location and Category (%)", labels, mentionFrequency)
	b.WeightedSeverity = ds.heatmap("Weighted Severity (% Negative × Avg Intensity)", labels, weightedSeverity)
	b.PriorityMatrix = g.priorityMatrix(ds)
	for _, c := range g.breakdown {
		b.Breakdowns = append(b.Breakdowns, g.categoryBreakdown(ds, c))
	}
	b.Insights = g.insights(ds)
	return b, nil
}

func (g *Generator) label(c model.Category) string {
	return g.title.String(strings.ReplaceAll(string(c), "_", " "))
}

// dataset groups the successfully analyzed items by location, keeping the
// order in which locations first appear.
type dataset struct {
	items      []model.AnalysisResult
	failed     int
	locations  []string
	byLocation map[string][]model.AnalysisResult
}

func newDataset(items []model.AnalysisResult) *dataset {
	ds := &dataset{byLocation: make(map[string][]model.AnalysisResult)}
	for _, it := range items {
		if it.Failed() || len(it.Categories) == 0 {
			ds.failed++
			continue
		}
		loc := it.Location
		if loc == "" {
			loc = "Unknown"
		}
		if _, ok := ds.byLocation[loc]; !ok {
			ds.locations = append(ds.locations, loc)
		}
		ds.byLocation[loc] = append(ds.byLocation[loc], it)
		ds.items = append(ds.items, it)
	}
	return ds
}

type cellFunc func(items []model.AnalysisResult, c model.Category) float64

func (ds *dataset) heatmap(title string, columns []string, fn cellFunc) Heatmap {
	h := Heatmap{
		Title:   title,
		Rows:    slices.Clone(ds.locations),
		Columns: slices.Clone(columns),
		Values:  make([][]float64, len(ds.locations)),
	}
	for i, loc := range ds.locations {
		row := make([]float64, 0, len(model.Categories()))
		for _, c := range model.Categories() {
			row = append(row, round2(fn(ds.byLocation[loc], c)))
		}
		h.Values[i] = row
	}
	return h
}

type sentimentCounts struct {
	positive, negative, neutral int
	negIntensity                int
}

func (s sentimentCounts) mentions() int { return s.positive + s.negative }

func count(items []model.AnalysisResult, c model.Category) sentimentCounts {
	var s sentimentCounts
	for _, it := range items {
		j := it.Categories[c]
		switch j.Sentiment {
		case model.SentimentPositive:
			s.positive++
		case model.SentimentNegative:
			s.negative++
			s.negIntensity += j.Intensity
		default:
			s.neutral++
		}
	}
	return s
}

// negativePct is the share of non-neutral mentions that are negative.
func negativePct(items []model.AnalysisResult, c model.Category) float64 {
	s := count(items, c)
	return pct(s.negative, s.mentions())
}

// mentionFrequency is the share of reviews that mention the category at all.
func mentionFrequency(items []model.AnalysisResult, c model.Category) float64 {
	return pct(count(items, c).mentions(), len(items))
}

// weightedSeverity scales the share of negative reviews by their average intensity.
func weightedSeverity(items []model.AnalysisResult, c model.Category) float64 {
	s := count(items, c)
	if s.negative == 0 || len(items) == 0 {
		return 0
	}
	avg := float64(s.negIntensity) / float64(s.negative)
	return pct(s.negative, len(items)) * avg / model.MaxIntensity
}

func (g *Generator) priorityMatrix(ds *dataset) PriorityMatrix {
	var m PriorityMatrix
	freqs := make([]float64, 0, len(model.Categories()))
	negs := make([]float64, 0, len(model.Categories()))
	for _, c := range model.Categories() {
		s := count(ds.items, c)
		p := PriorityPoint{
			Category:      c,
			Label:         g.label(c),
			FrequencyPct:  round2(pct(s.mentions(), len(ds.items))),
			NegativePct:   round2(pct(s.negative, s.mentions())),
			Mentions:      s.mentions(),
			NegativeCount: s.negative,
		}
		freqs = append(freqs, p.FrequencyPct)
		negs = append(negs, p.NegativePct)
		m.Points = append(m.Points, p)
	}
	m.MedianFrequency = round2(median(freqs))
	m.MedianNegative = round2(median(negs))
	for i := range m.Points {
		m.Points[i].Quadrant = quadrant(m.Points[i], m.MedianFrequency, m.MedianNegative)
	}
	return m
}

func quadrant(p PriorityPoint, medFreq, medNeg float64) string {
	frequent := p.FrequencyPct > medFreq
	negative := p.NegativePct > medNeg
	switch {
	case frequent && negative:
		return QuadrantHighPriority
	case frequent:
		return QuadrantWatch
	case negative:
		return QuadrantNiche
	default:
		return QuadrantLowPriority
	}
}

func (g *Generator) categoryBreakdown(ds *dataset, c model.Category) CategoryBreakdown {
	out := CategoryBreakdown{Category: c, Label: g.label(c)}
	for _, loc := range ds.locations {
		s := count(ds.byLocation[loc], c)
		out.Locations = append(out.Locations, LocationCounts{
			Location: loc,
			Positive: s.positive,
			Negative: s.negative,
			Neutral:  s.neutral,
			Mentions: s.mentions(),
		})
	}
	slices.SortStableFunc(out.Locations, func(a, b LocationCounts) int {
		return b.Negative - a.Negative
	})
	return out
}

func pct(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := slices.Clone(vals)
	slices.Sort(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

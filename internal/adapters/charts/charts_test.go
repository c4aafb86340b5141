package charts

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/review-pulse/internal/domain/model"
)

func judged(loc string, score float64, verdicts map[model.Category]model.CategoryJudgment) model.AnalysisResult {
	cats := make(map[model.Category]model.CategoryJudgment, len(model.Categories()))
	for _, c := range model.Categories() {
		j, ok := verdicts[c]
		if !ok {
			j = model.CategoryJudgment{Fragments: []string{}, Sentiment: model.SentimentNeutral}
		}
		cats[c] = j
	}
	return model.AnalysisResult{Location: loc, Score: &score, Categories: cats}
}

func neg(intensity int, fragments ...string) model.CategoryJudgment {
	return model.CategoryJudgment{Fragments: fragments, Sentiment: model.SentimentNegative, Intensity: intensity}
}

func pos(intensity int) model.CategoryJudgment {
	return model.CategoryJudgment{Fragments: []string{}, Sentiment: model.SentimentPositive, Intensity: intensity}
}

func sampleResult() *model.JobResult {
	items := []model.AnalysisResult{
		judged("Leeds", 1, map[model.Category]model.CategoryJudgment{
			model.CategoryCleanliness: neg(4, "filthy showers"),
			model.CategoryPrice:       pos(2),
		}),
		judged("Leeds", 3, map[model.Category]model.CategoryJudgment{
			model.CategoryCleanliness: neg(2, "dusty floor"),
		}),
		judged("York", 5, map[model.Category]model.CategoryJudgment{
			model.CategoryCleanliness:   pos(3),
			model.CategoryStaffAttitude: neg(5, "rude manager"),
		}),
		{Index: 3, Location: "York", Error: model.NewJobError(model.ErrorCodeAnalysisError, "boom")},
	}
	return model.NewJobResult(items, false)
}

func TestGenerator_Build(t *testing.T) {
	g := NewGenerator(Options{})
	b, err := g.Build(sampleResult())
	require.NoError(t, err)

	assert.Equal(t, []string{"Leeds", "York"}, b.Locations)
	require.Len(t, b.Categories, len(model.Categories()))
	assert.Equal(t, "Staff Attitude", b.Categories[len(b.Categories)-1].Label)

	// cleanliness is column 0
	assert.InDelta(t, 100.0, b.NegativePct.Values[0][0], 0.001)
	assert.InDelta(t, 0.0, b.NegativePct.Values[1][0], 0.001)
	assert.InDelta(t, 100.0, b.MentionFrequency.Values[0][0], 0.001)
	// Leeds: 2 of 2 negative, avg intensity 3 → 100 * 3/5
	assert.InDelta(t, 60.0, b.WeightedSeverity.Values[0][0], 0.001)
	// York staff attitude: 1 of 1 negative at intensity 5
	assert.InDelta(t, 100.0, b.WeightedSeverity.Values[1][6], 0.001)

	assert.Equal(t, 3, b.Insights.TotalReviews)
	assert.Equal(t, 1, b.Insights.FailedReviews)
	assert.Equal(t, 2, b.Insights.LocationCount)
	require.NotNil(t, b.Insights.AverageRating)
	assert.InDelta(t, 3.0, *b.Insights.AverageRating, 0.001)
	assert.Equal(t, model.CategoryCleanliness, b.Insights.TopIssues[0].Category)
	assert.Equal(t, 2, b.Insights.TopIssues[0].Negative)
	assert.Equal(t, "Leeds", b.Insights.NeedsAttention[0].Location)

	var clean CategoryInsight
	for _, ci := range b.Insights.Categories {
		if ci.Category == model.CategoryCleanliness {
			clean = ci
		}
	}
	assert.Equal(t, []string{"filthy showers", "dusty floor"}, clean.Samples)
}

func TestGenerator_PriorityMatrix(t *testing.T) {
	b, err := NewGenerator(Options{}).Build(sampleResult())
	require.NoError(t, err)

	points := map[model.Category]PriorityPoint{}
	for _, p := range b.PriorityMatrix.Points {
		points[p.Category] = p
	}
	clean := points[model.CategoryCleanliness]
	assert.InDelta(t, 100.0, clean.FrequencyPct, 0.001)
	assert.InDelta(t, 66.67, clean.NegativePct, 0.001)
	assert.Equal(t, 2, clean.NegativeCount)
	assert.Equal(t, QuadrantHighPriority, clean.Quadrant)

	assert.Equal(t, QuadrantLowPriority, points[model.CategoryCrowding].Quadrant)
	assert.Equal(t, QuadrantHighPriority, points[model.CategoryStaffAttitude].Quadrant)
	assert.Equal(t, QuadrantWatch, points[model.CategoryPrice].Quadrant)
}

func TestQuadrant(t *testing.T) {
	tests := []struct {
		freq, neg float64
		want      string
	}{
		{60, 60, QuadrantHighPriority},
		{60, 10, QuadrantWatch},
		{10, 60, QuadrantNiche},
		{10, 10, QuadrantLowPriority},
		{50, 50, QuadrantLowPriority},
	}
	for _, tt := range tests {
		got := quadrant(PriorityPoint{FrequencyPct: tt.freq, NegativePct: tt.neg}, 50, 50)
		assert.Equal(t, tt.want, got)
	}
}

func TestGenerator_BreakdownOrder(t *testing.T) {
	g := NewGenerator(Options{BreakdownCategories: []model.Category{model.CategoryStaffAttitude}})
	b, err := g.Build(sampleResult())
	require.NoError(t, err)

	require.Len(t, b.Breakdowns, 1)
	locs := b.Breakdowns[0].Locations
	require.Len(t, locs, 2)
	assert.Equal(t, "York", locs[0].Location)
	assert.Equal(t, 1, locs[0].Negative)
	assert.Equal(t, 2, locs[1].Neutral)
}

func TestGenerator_GenerateIsDeterministic(t *testing.T) {
	g := NewGenerator(Options{})
	first, err := g.Generate(context.Background(), sampleResult())
	require.NoError(t, err)
	second, err := g.Generate(context.Background(), sampleResult())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var decoded Bundle
	require.NoError(t, json.Unmarshal(first, &decoded))
	assert.Equal(t, []string{"Leeds", "York"}, decoded.Locations)
}

func TestGenerator_Errors(t *testing.T) {
	g := NewGenerator(Options{})

	_, err := g.Generate(context.Background(), nil)
	require.Error(t, err)

	allFailed := model.NewJobResult([]model.AnalysisResult{
		{Error: model.NewJobError(model.ErrorCodeAnalysisError, "x")},
	}, false)
	_, err = g.Generate(context.Background(), allFailed)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Generate(ctx, sampleResult())
	require.ErrorIs(t, err, context.Canceled)
}

func TestMedian(t *testing.T) {
	assert.Zero(t, median(nil))
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, median([]float64{4, 1, 2, 3}))
}

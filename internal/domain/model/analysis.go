package model

import "errors"

// Category is one of the fixed review dimensions the analyzer judges.
type Category string

const (
	CategoryCleanliness       Category = "cleanliness"
	CategoryCrowding          Category = "crowding"
	CategoryCustomerService   Category = "customer_service"
	CategoryEquipmentQuality  Category = "equipment_quality"
	CategoryMembershipBilling Category = "membership_billing"
	CategoryPrice             Category = "price"
	CategoryStaffAttitude     Category = "staff_attitude"
)

// Categories returns the analyzed categories in display order.
func Categories() []Category {
	return []Category{
		CategoryCleanliness,
		CategoryCrowding,
		CategoryCustomerService,
		CategoryEquipmentQuality,
		CategoryMembershipBilling,
		CategoryPrice,
		CategoryStaffAttitude,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// Sentiment is the polarity of a category judgment.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Valid reports whether s is a known sentiment.
func (s Sentiment) Valid() bool {
	return s == SentimentPositive || s == SentimentNegative || s == SentimentNeutral
}

// MaxIntensity is the top of the 0..5 intensity scale; neutral judgments use 0.
const MaxIntensity = 5

// CategoryJudgment is the analyzer's verdict for one category of one review.
type CategoryJudgment struct {
	Fragments []string  `json:"fragments"`
	Sentiment Sentiment `json:"sentiment"`
	Intensity int       `json:"intensity"`
}

// Normalize clamps the judgment into the valid range.
func (j CategoryJudgment) Normalize() CategoryJudgment {
	if j.Fragments == nil {
		j.Fragments = []string{}
	}
	if !j.Sentiment.Valid() {
		j.Sentiment = SentimentNeutral
	}
	if j.Sentiment == SentimentNeutral {
		j.Intensity = 0
		return j
	}
	if j.Intensity < 1 {
		j.Intensity = 1
	}
	if j.Intensity > MaxIntensity {
		j.Intensity = MaxIntensity
	}
	return j
}

// ReviewItem is a single review row read from the submitted document.
type ReviewItem struct {
	Index        int      `json:"index"`
	Text         string   `json:"text"`
	PlaceName    string   `json:"place_name,omitempty"`
	PlaceAddress string   `json:"place_address,omitempty"`
	Score        *float64 `json:"score,omitempty"`
}

// Location returns the grouping label for charts: the city segment of the
// address when present, otherwise the place name.
func (r ReviewItem) Location() string {
	if r.PlaceAddress != "" {
		if city := cityFromAddress(r.PlaceAddress); city != "" {
			return city
		}
	}
	if r.PlaceName != "" {
		return r.PlaceName
	}
	return "Unknown"
}

// AnalysisResult is the per-item outcome. Exactly one of Categories or Error is set.
type AnalysisResult struct {
	Index      int                           `json:"index"`
	Location   string                        `json:"location"`
	Score      *float64                      `json:"score,omitempty"`
	Language   string                        `json:"language,omitempty"`
	Categories map[Category]CategoryJudgment `json:"categories,omitempty"`
	Error      *JobError                     `json:"error,omitempty"`
}

// Failed reports whether the item carries an error marker.
func (r AnalysisResult) Failed() bool {
	return r.Error != nil
}

// JobResult is the aggregate persisted on a Completed job. It is a pure
// function of the analyzed items; the job's completed_at carries the time.
type JobResult struct {
	Items     []AnalysisResult `json:"items"`
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Partial   bool             `json:"partial"`
}

// NewJobResult summarizes items into an aggregate.
func NewJobResult(items []AnalysisResult, partial bool) *JobResult {
	res := &JobResult{Items: items, Total: len(items), Partial: partial}
	for _, it := range items {
		if it.Failed() {
			res.Failed++
		} else {
			res.Succeeded++
		}
	}
	return res
}

var (
	// ErrTransientAnalysis marks an analyzer failure worth retrying (timeouts, 5xx).
	ErrTransientAnalysis = errors.New("transient analysis failure")
	// ErrAnalyzerUnavailable marks an analyzer that cannot be reached at all.
	ErrAnalyzerUnavailable = errors.New("analyzer unavailable")
	// ErrInvalidDocument marks a source document that cannot be parsed into review items.
	ErrInvalidDocument = errors.New("invalid review document")
)

package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/target/review-pulse/internal/domain/model"
)

const maxResponseBytes = 1 << 20

// HTTPOptions configures the remote analyzer.
type HTTPOptions struct {
	Endpoint string
	APIKey   string
	Model    string
	// ResultPath is a JMESPath expression selecting the category map from the
	// response body, e.g. "categories" or "choices[0].message.content".
	ResultPath string
	Timeout    time.Duration
	Client     *http.Client
}

// HTTPAnalyzer posts each review to an inference endpoint.
type HTTPAnalyzer struct {
	endpoint string
	apiKey   string
	model    string
	path     jmespath.JMESPath
	client   *http.Client
}

// NewHTTPAnalyzer validates opts and compiles the result path.
func NewHTTPAnalyzer(opts HTTPOptions) (*HTTPAnalyzer, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("analyzer endpoint is required")
	}
	expr := strings.TrimSpace(opts.ResultPath)
	if expr == "" {
		expr = "categories"
	}
	compiled, err := jmespath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile result path %q: %w", expr, err)
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPAnalyzer{
		endpoint: endpoint,
		apiKey:   opts.APIKey,
		model:    opts.Model,
		path:     compiled,
		client:   client,
	}, nil
}

type analyzeRequest struct {
	Model      string           `json:"model,omitempty"`
	Text       string           `json:"text"`
	PlaceName  string           `json:"place_name,omitempty"`
	Categories []model.Category `json:"categories"`
}

// Analyze sends one review. Connection failures wrap model.ErrAnalyzerUnavailable,
// 429 and 5xx responses wrap model.ErrTransientAnalysis, and anything else is final.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, item model.ReviewItem) (model.AnalysisResult, error) {
	body, err := json.Marshal(analyzeRequest{
		Model:      a.model,
		Text:       item.Text,
		PlaceName:  item.PlaceName,
		Categories: model.Categories(),
	})
	if err != nil {
		return model.AnalysisResult{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.AnalysisResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return model.AnalysisResult{}, fmt.Errorf("%w: %w", model.ErrTransientAnalysis, ctx.Err())
		}
		return model.AnalysisResult{}, fmt.Errorf("%w: %w", model.ErrAnalyzerUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return model.AnalysisResult{}, fmt.Errorf("%w: read response: %w", model.ErrTransientAnalysis, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return model.AnalysisResult{}, fmt.Errorf("%w: status %d", model.ErrTransientAnalysis, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return model.AnalysisResult{}, fmt.Errorf("analyzer rejected review: status %d", resp.StatusCode)
	}

	cats, err := a.extract(raw)
	if err != nil {
		return model.AnalysisResult{}, err
	}
	return model.AnalysisResult{
		Index:      item.Index,
		Location:   item.Location(),
		Score:      item.Score,
		Language:   detectLanguage(item.Text),
		Categories: cats,
	}, nil
}

// extract applies the result path. A string result is decoded again, which
// covers chat-style APIs that return the JSON object as message content.
func (a *HTTPAnalyzer) extract(raw []byte) (map[model.Category]model.CategoryJudgment, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	selected, err := a.path.Search(doc)
	if err != nil {
		return nil, fmt.Errorf("apply result path: %w", err)
	}
	if s, ok := selected.(string); ok {
		if err := json.Unmarshal([]byte(s), &selected); err != nil {
			return nil, fmt.Errorf("decode category content: %w", err)
		}
	}
	if selected == nil {
		return nil, errors.New("result path matched nothing")
	}

	encoded, err := json.Marshal(selected)
	if err != nil {
		return nil, fmt.Errorf("re-encode categories: %w", err)
	}
	var judged map[model.Category]model.CategoryJudgment
	if err := json.Unmarshal(encoded, &judged); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}

	out := make(map[model.Category]model.CategoryJudgment, len(model.Categories()))
	for _, cat := range model.Categories() {
		out[cat] = judged[cat].Normalize()
	}
	return out, nil
}

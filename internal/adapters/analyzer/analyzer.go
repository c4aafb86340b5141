package analyzer

import (
	"github.com/target/review-pulse/config"
	"github.com/target/review-pulse/internal/core"
)

// New builds the analyzer selected by cfg.
func New(cfg config.AnalyzerConfig) (core.Analyzer, error) {
	if cfg.Backend == config.AnalyzerBackendHTTP {
		return NewHTTPAnalyzer(HTTPOptions{
			Endpoint:   cfg.Endpoint,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			ResultPath: cfg.ResultPath,
			Timeout:    cfg.Timeout,
		})
	}
	lex, err := LoadLexicon(cfg.LexiconPath)
	if err != nil {
		return nil, err
	}
	return NewKeywordAnalyzer(lex)
}

package config

import (
	"strings"
	"time"
)

// StorageBackend selects where uploaded documents and chart bundles live.
type StorageBackend string

const (
	StorageBackendFS StorageBackend = "fs"
	StorageBackendS3 StorageBackend = "s3"
)

// StorageConfig contains artifact storage configuration.
type StorageConfig struct {
	Backend StorageBackend `env:"STORAGE_BACKEND" envDefault:"fs"`

	// Root is the base directory for the fs backend.
	Root string `env:"STORAGE_ROOT" envDefault:"./media"`

	// S3 settings; credentials come from the default AWS chain.
	Bucket   string `env:"STORAGE_S3_BUCKET"`
	Prefix   string `env:"STORAGE_S3_PREFIX"   envDefault:""`
	Region   string `env:"STORAGE_S3_REGION"   envDefault:"us-east-1"`
	Endpoint string `env:"STORAGE_S3_ENDPOINT" envDefault:""`
	// PathStyle is needed for MinIO and other S3-compatible endpoints.
	PathStyle bool `env:"STORAGE_S3_PATH_STYLE" envDefault:"false"`
}

// Sanitize applies guardrails to storage configuration values.
func (s *StorageConfig) Sanitize() {
	s.Backend = StorageBackend(strings.ToLower(strings.TrimSpace(string(s.Backend))))
	if s.Backend != StorageBackendS3 {
		s.Backend = StorageBackendFS
	}
	if s.Backend == StorageBackendS3 && strings.TrimSpace(s.Bucket) == "" {
		s.Backend = StorageBackendFS
	}
	if strings.TrimSpace(s.Root) == "" {
		s.Root = "./media"
	}
	s.Prefix = strings.Trim(s.Prefix, "/")
}

// AnalyzerBackend selects the review analyzer implementation.
type AnalyzerBackend string

const (
	// AnalyzerBackendKeyword uses the embedded keyword lexicon.
	AnalyzerBackendKeyword AnalyzerBackend = "keyword"
	// AnalyzerBackendHTTP calls a remote inference endpoint.
	AnalyzerBackendHTTP AnalyzerBackend = "http"
)

// AnalyzerConfig contains review analyzer configuration.
type AnalyzerConfig struct {
	Backend AnalyzerBackend `env:"ANALYZER_BACKEND" envDefault:"keyword"`

	// LexiconPath overrides the embedded keyword lexicon with a YAML file.
	LexiconPath string `env:"ANALYZER_LEXICON_PATH" envDefault:""`

	// Endpoint, APIKey and Model configure the HTTP analyzer.
	Endpoint string `env:"ANALYZER_ENDPOINT" envDefault:""`
	APIKey   string `env:"ANALYZER_API_KEY"  envDefault:""`
	Model    string `env:"ANALYZER_MODEL"    envDefault:""`

	// ResultPath is a JMESPath expression selecting the category map from the response body.
	ResultPath string `env:"ANALYZER_RESULT_PATH" envDefault:"categories"`

	Timeout time.Duration `env:"ANALYZER_TIMEOUT" envDefault:"30s"`
}

// Sanitize applies guardrails to analyzer configuration values.
func (a *AnalyzerConfig) Sanitize() {
	a.Backend = AnalyzerBackend(strings.ToLower(strings.TrimSpace(string(a.Backend))))
	a.Endpoint = strings.TrimSpace(a.Endpoint)
	if a.Backend != AnalyzerBackendHTTP || a.Endpoint == "" {
		a.Backend = AnalyzerBackendKeyword
	}
	if strings.TrimSpace(a.ResultPath) == "" {
		a.ResultPath = "categories"
	}
	if a.Timeout <= 0 {
		a.Timeout = 30 * time.Second
	}
}

// Package storage holds the artifact stores (local filesystem and S3) and the
// reader that turns stored review documents into review items.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/target/review-pulse/config"
	"github.com/target/review-pulse/internal/core"
)

// ErrArtifactNotFound is returned when a ref has no stored object.
var ErrArtifactNotFound = errors.New("artifact not found")

// ErrInvalidRef is returned for refs that escape the store or are empty.
var ErrInvalidRef = errors.New("invalid artifact ref")

// cleanRef normalizes a slash-separated ref and rejects absolute or escaping paths.
func cleanRef(ref string) (string, error) {
	r := strings.TrimSpace(ref)
	if r == "" {
		return "", ErrInvalidRef
	}
	r = path.Clean(strings.ReplaceAll(r, "\\", "/"))
	if strings.HasPrefix(r, "/") || r == "." || r == ".." || strings.HasPrefix(r, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return r, nil
}

// UploadRef is where an uploaded document is stored.
func UploadRef(id, fileName string) string {
	return "uploads/" + id + strings.ToLower(path.Ext(fileName))
}

// ChartsRef is the deterministic location of a job's chart bundle.
func ChartsRef(jobID string) string {
	return "results/" + jobID + "/charts.json"
}

// New builds the store selected by cfg.
func New(ctx context.Context, cfg config.StorageConfig) (core.ArtifactStore, error) {
	switch cfg.Backend {
	case config.StorageBackendS3:
		return NewS3Store(ctx, S3Options{
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
	default:
		return NewFSStore(cfg.Root)
	}
}

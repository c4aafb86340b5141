package data

import "github.com/target/review-pulse/internal/domain/model"

// Shared sentinel errors for the job repository. They alias the model
// sentinels so callers can match either.
var (
	ErrJobNotFound     = model.ErrJobNotFound
	ErrAlreadyAssigned = model.ErrAlreadyAssigned
)

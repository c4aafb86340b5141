// Package mocks provides gomock implementations of the core ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockJobRepository(ctrl)
//	repo.EXPECT().GetByID(gomock.Any(), id).Return(job, nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/target/review-pulse/internal/core JobRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=task_queue_mock.go github.com/target/review-pulse/internal/core TaskQueue
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=task_broker_mock.go github.com/target/review-pulse/internal/core TaskBroker
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=event_publisher_mock.go github.com/target/review-pulse/internal/core EventPublisher
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=analyzer_mock.go github.com/target/review-pulse/internal/core Analyzer
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=cache_repository_mock.go github.com/target/review-pulse/internal/core CacheRepository

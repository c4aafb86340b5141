package data

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/target/review-pulse/internal/domain/model"
)

type jobRowScanner interface {
	Scan(dest ...any) error
}

// jobRowData holds the nullable and JSON columns before they are applied to a model.Job.
type jobRowData struct {
	externalTaskID, artifactRef sql.NullString
	result, jobErr              []byte
	startedAt, completedAt      sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.SourceRef,
		&job.SourceName,
		&job.Status,
		&d.externalTaskID,
		&d.result,
		&d.artifactRef,
		&d.jobErr,
		&job.SubmittedAt,
		&d.startedAt,
		&d.completedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) error {
	job.ExternalTaskID = cloneNullableString(d.externalTaskID)
	job.ResultArtifactRef = cloneNullableString(d.artifactRef)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
	job.SubmittedAt = job.SubmittedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()

	if len(d.result) > 0 {
		job.Result = &model.JobResult{}
		if err := json.Unmarshal(d.result, job.Result); err != nil {
			return fmt.Errorf("decode job result: %w", err)
		}
	}
	if len(d.jobErr) > 0 {
		job.Error = &model.JobError{}
		if err := json.Unmarshal(d.jobErr, job.Error); err != nil {
			return fmt.Errorf("decode job error: %w", err)
		}
	}
	return nil
}

func scanJob(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	if err := data.apply(job); err != nil {
		return nil, err
	}
	return job, nil
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// jsonOrNil encodes v for a JSONB parameter, keeping SQL NULL for nil pointers.
func jsonOrNil[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

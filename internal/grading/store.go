package grading

import (
	"context"
	"time"

	"homework-grader/internal/models"
)

// Store persists submissions and their grading state. Implementations return
// an apperr NotFound error for unknown submissions.
type Store interface {
	GetSubmission(ctx context.Context, id string) (models.Submission, error)
	// UpdateGrading overwrites the grading fields (last write wins).
	UpdateGrading(ctx context.Context, job models.GradingJob) error
	// UpdateGradingIfRun writes only while runID still owns the job and reports
	// whether the write happened.
	UpdateGradingIfRun(ctx context.Context, job models.GradingJob, runID string) (bool, error)
	// RecordGrade copies an accepted result into the official grade fields.
	RecordGrade(ctx context.Context, id string, score float64, comment string, at time.Time) error
	AppendAudit(ctx context.Context, id, event, detail string) error
}

// ImageResolver turns an attachment reference into a URL the provider can fetch.
type ImageResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

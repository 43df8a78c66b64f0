package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"homework-grader/internal/apperr"
	"homework-grader/internal/models"
)

// Postgres wraps pgxpool for submission persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateSubmissionParams collects inputs required to insert a submission.
type CreateSubmissionParams struct {
	ID          string   `json:"id"`
	GraderID    string   `json:"grader_id"`
	TotalScore  float64  `json:"total_score"`
	Attachments []string `json:"attachments"`
}

// CreateSubmission inserts a submission with grading status none.
func (s *Postgres) CreateSubmission(ctx context.Context, p CreateSubmissionParams) (models.Submission, error) {
	attachments, err := json.Marshal(nonNil(p.Attachments))
	if err != nil {
		return models.Submission{}, fmt.Errorf("encode attachments: %w", err)
	}
	sub := newSubmission(p, time.Now().UTC())
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO submissions (id, grader_id, total_score, attachments, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.GraderID, p.TotalScore, attachments, sub.UpdatedAt)
	if err != nil {
		return models.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Submission{}, apperr.Newf(apperr.KindConflict, "submission %s already exists", p.ID)
	}
	return sub, nil
}

// GetSubmission fetches a submission with its grading state.
func (s *Postgres) GetSubmission(ctx context.Context, id string) (models.Submission, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, grader_id, total_score, attachments, score, official_comment, grade_status, graded_at,
		       ai_status, ai_result, ai_error, ai_completed_at, ai_run_id, updated_at
		FROM submissions WHERE id = $1
	`, id)

	var (
		sub         models.Submission
		attachments []byte
		score       pgtype.Float8
		comment     pgtype.Text
		gradedAt    pgtype.Timestamptz
		status      string
		result      pgtype.Text
		lastErr     pgtype.Text
		completedAt pgtype.Timestamptz
		runID       pgtype.Text
	)
	if err := row.Scan(&sub.ID, &sub.GraderID, &sub.TotalScore, &attachments, &score, &comment, &sub.GradeStatus, &gradedAt,
		&status, &result, &lastErr, &completedAt, &runID, &sub.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Submission{}, apperr.Newf(apperr.KindNotFound, "submission %s not found", id)
		}
		return models.Submission{}, fmt.Errorf("scan submission: %w", err)
	}
	if err := json.Unmarshal(attachments, &sub.Attachments); err != nil {
		return models.Submission{}, fmt.Errorf("unmarshal attachments: %w", err)
	}
	if score.Valid {
		sub.Score = &score.Float64
	}
	sub.OfficialComment = textPtr(comment)
	sub.GradedAt = timePtr(gradedAt)
	sub.Grading = models.GradingJob{
		SubmissionID: sub.ID,
		Status:       models.Status(status),
		ResultText:   textPtr(result),
		ErrorMessage: textPtr(lastErr),
		CompletedAt:  timePtr(completedAt),
	}
	if runID.Valid {
		sub.Grading.RunID = runID.String
	}
	return sub, nil
}

// UpdateGrading overwrites the grading columns.
func (s *Postgres) UpdateGrading(ctx context.Context, job models.GradingJob) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE submissions
		SET ai_status = $2, ai_result = $3, ai_error = $4, ai_completed_at = $5, ai_run_id = $6, updated_at = NOW()
		WHERE id = $1
	`, job.SubmissionID, string(job.Status), job.ResultText, job.ErrorMessage, job.CompletedAt, emptyToNil(job.RunID))
	if err != nil {
		return fmt.Errorf("update grading: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindNotFound, "submission %s not found", job.SubmissionID)
	}
	return nil
}

// UpdateGradingIfRun writes the grading columns only while runID owns the row.
func (s *Postgres) UpdateGradingIfRun(ctx context.Context, job models.GradingJob, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE submissions
		SET ai_status = $2, ai_result = $3, ai_error = $4, ai_completed_at = $5, updated_at = NOW()
		WHERE id = $1 AND ai_run_id = $6
	`, job.SubmissionID, string(job.Status), job.ResultText, job.ErrorMessage, job.CompletedAt, runID)
	if err != nil {
		return false, fmt.Errorf("update grading for run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordGrade sets the official score and comment.
func (s *Postgres) RecordGrade(ctx context.Context, id string, score float64, comment string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE submissions
		SET score = $2, official_comment = $3, grade_status = $4, graded_at = $5, updated_at = NOW()
		WHERE id = $1
	`, id, score, comment, models.GradeGraded, at.UTC())
	if err != nil {
		return fmt.Errorf("record grade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindNotFound, "submission %s not found", id)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, id, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (submission_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, id, event, detail)
	return err
}

// AuditTrail returns the audit rows of a submission, oldest first.
func (s *Postgres) AuditTrail(ctx context.Context, id string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT submission_id, event, detail, ts FROM audit_logs WHERE submission_id = $1 ORDER BY ts, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLog, error) {
		var a models.AuditLog
		err := row.Scan(&a.SubmissionID, &a.Event, &a.Detail, &a.Recorded)
		return a, err
	})
}

func newSubmission(p CreateSubmissionParams, now time.Time) models.Submission {
	return models.Submission{
		ID:          p.ID,
		GraderID:    p.GraderID,
		TotalScore:  p.TotalScore,
		Attachments: append([]string(nil), p.Attachments...),
		GradeStatus: models.GradeSubmitted,
		Grading:     models.GradingJob{SubmissionID: p.ID, Status: models.StatusNone},
		UpdatedAt:   now,
	}
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

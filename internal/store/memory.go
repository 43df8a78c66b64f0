package store

import (
	"context"
	"sync"
	"time"

	"homework-grader/internal/apperr"
	"homework-grader/internal/models"
)

// Memory is an in-process store for tests and local development.
type Memory struct {
	mu    sync.RWMutex
	table map[string]*models.Submission
	audit map[string][]models.AuditLog
}

func NewMemory() *Memory {
	return &Memory{
		table: make(map[string]*models.Submission),
		audit: make(map[string][]models.AuditLog),
	}
}

// CreateSubmission inserts a submission with grading status none.
func (m *Memory) CreateSubmission(_ context.Context, p CreateSubmissionParams) (models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.table[p.ID]; exists {
		return models.Submission{}, apperr.Newf(apperr.KindConflict, "submission %s already exists", p.ID)
	}
	sub := newSubmission(p, time.Now().UTC())
	m.table[p.ID] = &sub
	return clone(sub), nil
}

// Put stores a submission as given, replacing any existing one.
func (m *Memory) Put(sub models.Submission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.Grading.SubmissionID = sub.ID
	if sub.Grading.Status == "" {
		sub.Grading.Status = models.StatusNone
	}
	c := clone(sub)
	m.table[sub.ID] = &c
}

func (m *Memory) GetSubmission(_ context.Context, id string) (models.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.table[id]; ok {
		return clone(*sub), nil
	}
	return models.Submission{}, apperr.Newf(apperr.KindNotFound, "submission %s not found", id)
}

func (m *Memory) UpdateGrading(_ context.Context, job models.GradingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.table[job.SubmissionID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "submission %s not found", job.SubmissionID)
	}
	sub.Grading = cloneJob(job)
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateGradingIfRun(_ context.Context, job models.GradingJob, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.table[job.SubmissionID]
	if !ok {
		return false, apperr.Newf(apperr.KindNotFound, "submission %s not found", job.SubmissionID)
	}
	if runID == "" || sub.Grading.RunID != runID {
		return false, nil
	}
	job.RunID = runID
	sub.Grading = cloneJob(job)
	sub.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) RecordGrade(_ context.Context, id string, score float64, comment string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.table[id]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "submission %s not found", id)
	}
	at = at.UTC()
	sub.Score = &score
	sub.OfficialComment = &comment
	sub.GradeStatus = models.GradeGraded
	sub.GradedAt = &at
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, id, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit[id] = append(m.audit[id], models.AuditLog{
		SubmissionID: id,
		Event:        event,
		Detail:       detail,
		Recorded:     time.Now().UTC(),
	})
	return nil
}

func (m *Memory) AuditTrail(_ context.Context, id string) ([]models.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AuditLog(nil), m.audit[id]...), nil
}

func clone(sub models.Submission) models.Submission {
	sub.Attachments = append([]string(nil), sub.Attachments...)
	sub.Score = copyPtr(sub.Score)
	sub.OfficialComment = copyPtr(sub.OfficialComment)
	sub.GradedAt = copyPtr(sub.GradedAt)
	sub.Grading = cloneJob(sub.Grading)
	return sub
}

func cloneJob(j models.GradingJob) models.GradingJob {
	j.ResultText = copyPtr(j.ResultText)
	j.ErrorMessage = copyPtr(j.ErrorMessage)
	j.CompletedAt = copyPtr(j.CompletedAt)
	return j
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

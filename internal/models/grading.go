package models

import (
	"time"
)

// Status enumerates grading lifecycle states persisted on a submission.
type Status string

const (
	StatusNone       Status = "none"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// CancelledMessage is the error marker written when a caller cancels a job.
const CancelledMessage = "cancelled by user"

// Grade statuses of the official submission grade.
const (
	GradeSubmitted = "submitted"
	GradeGraded    = "graded"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Active reports whether a background unit is expected to own the job.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// GradingJob is the AI grading state stored alongside a submission.
type GradingJob struct {
	SubmissionID string     `json:"job_id"`
	Status       Status     `json:"status"`
	ResultText   *string    `json:"result_text,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	// RunID names the background unit allowed to write terminal state.
	RunID string `json:"-"`
}

// Submission is the subset of a homework submission this service reads and writes.
type Submission struct {
	ID              string     `json:"id"`
	GraderID        string     `json:"grader_id,omitempty"`
	TotalScore      float64    `json:"total_score"`
	Attachments     []string   `json:"attachments"`
	Score           *float64   `json:"score,omitempty"`
	OfficialComment *string    `json:"official_comment,omitempty"`
	GradeStatus     string     `json:"grade_status"`
	GradedAt        *time.Time `json:"graded_at,omitempty"`
	Grading         GradingJob `json:"grading"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SourceImageRef returns the first attachment, which is what gets graded.
func (s Submission) SourceImageRef() (string, bool) {
	for _, a := range s.Attachments {
		if a != "" {
			return a, true
		}
	}
	return "", false
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	SubmissionID string    `json:"submission_id"`
	Event        string    `json:"event"`
	Detail       string    `json:"detail"`
	Recorded     time.Time `json:"recorded_at"`
}

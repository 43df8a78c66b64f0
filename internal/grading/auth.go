package grading

import (
	"homework-grader/internal/apperr"
	"homework-grader/internal/models"
)

// Role of the caller as supplied by the calling layer.
type Role string

const (
	RoleGrader Role = "grader"
	RoleAdmin  Role = "admin"
)

// Caller identifies who is invoking a lifecycle operation.
type Caller struct {
	UserID string
	Role   Role
}

func authorize(c Caller, sub models.Submission) error {
	switch c.Role {
	case RoleAdmin:
		return nil
	case RoleGrader:
		if sub.GraderID != "" && sub.GraderID != c.UserID {
			return apperr.New(apperr.KindAuthorization, "submission is assigned to another grader")
		}
		return nil
	}
	return apperr.Newf(apperr.KindAuthorization, "role %q may not manage grading", c.Role)
}

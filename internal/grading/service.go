package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"homework-grader/internal/apperr"
	"homework-grader/internal/models"
	"homework-grader/internal/sanitize"
	"homework-grader/internal/telemetry"
)

// finalWriteTimeout bounds persistence of a unit's outcome after its own
// context has expired.
const finalWriteTimeout = 10 * time.Second

// Deps collects the collaborators of a Service.
type Deps struct {
	Store      Store
	Chat       ChatAPI
	Images     ImageResolver
	Poller     *Poller
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Now        func() time.Time
	NewRunID   func() string
}

// Service owns the grading state machine and the background unit.
type Service struct {
	store      Store
	chat       ChatAPI
	images     ImageResolver
	poller     *Poller
	dispatcher Dispatcher
	log        *slog.Logger
	now        func() time.Time
	newRunID   func() string
}

func NewService(d Deps) *Service {
	s := &Service{
		store:      d.Store,
		chat:       d.Chat,
		images:     d.Images,
		poller:     d.Poller,
		dispatcher: d.Dispatcher,
		log:        d.Logger,
		now:        d.Now,
		newRunID:   d.NewRunID,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newRunID == nil {
		s.newRunID = func() string { return uuid.New().String() }
	}
	if s.images == nil {
		s.images = passthrough{}
	}
	if s.poller == nil {
		s.poller = NewPoller(s.chat, PollConfig{}, s.log)
	}
	return s
}

// AcceptResult is returned when a result becomes the official grade.
type AcceptResult struct {
	JobID  string  `json:"job_id"`
	Status string  `json:"status"`
	Score  float64 `json:"score"`
}

// Start launches grading for a submission that is not already being graded.
func (s *Service) Start(ctx context.Context, caller Caller, id string) (models.GradingJob, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return models.GradingJob{}, err
	}
	if err := authorize(caller, sub); err != nil {
		return models.GradingJob{}, err
	}
	startable, ok := sub.Grading.AsStartable()
	if !ok {
		return models.GradingJob{}, apperr.Newf(apperr.KindConflict, "grading already %s", sub.Grading.Status)
	}
	if _, ok := sub.SourceImageRef(); !ok {
		return models.GradingJob{}, apperr.New(apperr.KindValidation, "submission has no attachment to grade")
	}
	return s.launch(ctx, startable.Start(s.newRunID()), "started", caller)
}

// Retry relaunches grading from any state.
func (s *Service) Retry(ctx context.Context, caller Caller, id string) (models.GradingJob, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return models.GradingJob{}, err
	}
	if err := authorize(caller, sub); err != nil {
		return models.GradingJob{}, err
	}
	return s.launch(ctx, sub.Grading.Retry(s.newRunID()), "retried", caller)
}

func (s *Service) launch(ctx context.Context, pending models.Pending, event string, caller Caller) (models.GradingJob, error) {
	job := pending.Job()
	if err := s.store.UpdateGrading(ctx, job); err != nil {
		return models.GradingJob{}, fmt.Errorf("save pending grading: %w", err)
	}
	s.audit(ctx, job.SubmissionID, event, fmt.Sprintf("by=%s run=%s", caller.UserID, job.RunID))
	telemetry.GradingStarted.WithLabelValues(event).Inc()

	task := Task{SubmissionID: job.SubmissionID, RunID: job.RunID}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		s.log.Error("grading.dispatch_failed", "submission_id", job.SubmissionID, "run_id", job.RunID, "error", err)
		s.finish(ctx, task, pending.Fail("could not schedule grading: "+err.Error()), apperr.KindInternal)
		return models.GradingJob{}, apperr.Wrap(apperr.KindInternal, "dispatch grading", err)
	}
	s.log.Info("grading."+event, "submission_id", job.SubmissionID, "run_id", job.RunID, "by", caller.UserID)
	return job, nil
}

// Status reads the current grading state.
func (s *Service) Status(ctx context.Context, id string) (models.GradingJob, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return models.GradingJob{}, err
	}
	return sub.Grading, nil
}

// Cancel resets an active job. A unit already running keeps going but can no
// longer write, because the cancelled job has no run id.
func (s *Service) Cancel(ctx context.Context, caller Caller, id string) (models.GradingJob, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return models.GradingJob{}, err
	}
	if err := authorize(caller, sub); err != nil {
		return models.GradingJob{}, err
	}
	active, ok := sub.Grading.AsActive()
	if !ok {
		return models.GradingJob{}, apperr.Newf(apperr.KindConflict, "no grading in progress (status %s)", sub.Grading.Status)
	}
	job := active.Cancel()
	if err := s.store.UpdateGrading(ctx, job); err != nil {
		return models.GradingJob{}, fmt.Errorf("save cancelled grading: %w", err)
	}
	s.audit(ctx, id, "cancelled", "by="+caller.UserID)
	telemetry.GradingCancelled.Inc()
	s.log.Info("grading.cancelled", "submission_id", id, "run_id", sub.Grading.RunID, "by", caller.UserID)
	return job, nil
}

// Accept makes a completed result the submission's official grade.
func (s *Service) Accept(ctx context.Context, caller Caller, id string, score float64) (AcceptResult, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := authorize(caller, sub); err != nil {
		return AcceptResult{}, err
	}
	completed, ok := sub.Grading.AsCompleted()
	if !ok {
		return AcceptResult{}, apperr.Newf(apperr.KindValidation, "grading is %s, not completed", sub.Grading.Status)
	}
	if math.IsNaN(score) || score < 0 || score > sub.TotalScore {
		return AcceptResult{}, apperr.Newf(apperr.KindValidation, "score %g outside [0, %g]", score, sub.TotalScore)
	}
	if err := s.store.RecordGrade(ctx, id, score, completed.ResultText(), s.now()); err != nil {
		return AcceptResult{}, fmt.Errorf("record grade: %w", err)
	}
	s.audit(ctx, id, "accepted", fmt.Sprintf("by=%s score=%g", caller.UserID, score))
	telemetry.GradingAccepted.Inc()
	return AcceptResult{JobID: id, Status: models.GradeGraded, Score: score}, nil
}

// Run is the background unit. Every outcome, panics included, ends up as
// persisted state; nothing is returned because no caller waits for it.
func (s *Service) Run(ctx context.Context, task Task) {
	log := s.log.With("submission_id", task.SubmissionID, "run_id", task.RunID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	var fail func(string) models.GradingJob
	defer func() {
		if r := recover(); r != nil {
			log.Error("grading.run.panic", "panic", r)
			if fail != nil {
				s.finish(ctx, task, fail(fmt.Sprintf("internal error: %v", r)), apperr.KindInternal)
			}
		}
	}()

	sub, err := s.store.GetSubmission(ctx, task.SubmissionID)
	if err != nil {
		log.Error("grading.run.load_failed", "error", err)
		return
	}
	if sub.Grading.RunID != task.RunID {
		s.superseded(ctx, task, log)
		return
	}

	var proc models.Processing
	if p, ok := sub.Grading.AsPending(); ok {
		fail = p.Fail
		proc = p.Process()
		owned, err := s.store.UpdateGradingIfRun(ctx, proc.Job(), task.RunID)
		if err != nil {
			log.Error("grading.run.mark_processing_failed", "error", err)
			s.finish(ctx, task, p.Fail("could not record processing state: "+err.Error()), apperr.KindInternal)
			return
		}
		if !owned {
			s.superseded(ctx, task, log)
			return
		}
		s.audit(ctx, task.SubmissionID, "processing", "run="+task.RunID)
	} else if p, ok := sub.Grading.AsProcessing(); ok {
		// redelivered by the queue after a lost lease
		proc = p
	} else {
		log.Info("grading.run.already_finished", "status", sub.Grading.Status)
		return
	}
	fail = proc.Fail

	text, err := s.grade(ctx, sub)
	if err != nil {
		kind := apperr.KindOf(err)
		log.Warn("grading.run.failed", "kind", kind, "error", err)
		s.finish(ctx, task, proc.Fail(failureMessage(err)), kind)
		return
	}
	s.finish(ctx, task, proc.Complete(text, s.now()), "")
}

// Abandon records a failure for a run that no worker will finish, such as a
// queued task whose leases kept expiring.
func (s *Service) Abandon(ctx context.Context, task Task, reason string) {
	log := s.log.With("submission_id", task.SubmissionID, "run_id", task.RunID)
	sub, err := s.store.GetSubmission(ctx, task.SubmissionID)
	if err != nil {
		log.Error("grading.abandon.load_failed", "error", err)
		return
	}
	if sub.Grading.RunID != task.RunID {
		s.superseded(ctx, task, log)
		return
	}
	var job models.GradingJob
	if p, ok := sub.Grading.AsPending(); ok {
		job = p.Fail(reason)
	} else if p, ok := sub.Grading.AsProcessing(); ok {
		job = p.Fail(reason)
	} else {
		return
	}
	log.Warn("grading.abandoned", "reason", reason)
	s.finish(ctx, task, job, apperr.KindTimeout)
}

func (s *Service) grade(ctx context.Context, sub models.Submission) (string, error) {
	ref, ok := sub.SourceImageRef()
	if !ok {
		return "", apperr.New(apperr.KindValidation, "submission has no attachment to grade")
	}
	imageURL, err := s.images.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	res, err := s.chat.CreateChat(ctx, sub.ID, imageURL)
	if err != nil {
		return "", err
	}
	raw := res.Answer
	if !res.Immediate() {
		if raw, err = s.poller.Poll(ctx, res.Ref); err != nil {
			return "", err
		}
	}
	text := sanitize.Text(raw)
	if text == "" {
		return "", apperr.New(apperr.KindEmptyResult, "answer was empty after cleanup")
	}
	return text, nil
}

// finish persists a terminal state if the run still owns the job. kind labels
// failures for metrics.
func (s *Service) finish(ctx context.Context, task Task, job models.GradingJob, kind apperr.Kind) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()

	log := s.log.With("submission_id", task.SubmissionID, "run_id", task.RunID)
	ok, err := s.store.UpdateGradingIfRun(ctx, job, task.RunID)
	if err != nil {
		log.Error("grading.run.persist_failed", "status", job.Status, "error", err)
		return
	}
	if !ok {
		s.superseded(ctx, task, log)
		return
	}
	switch job.Status {
	case models.StatusCompleted:
		telemetry.GradingCompleted.Inc()
		s.audit(ctx, task.SubmissionID, "completed", "run="+task.RunID)
		log.Info("grading.run.completed", "chars", len(*job.ResultText))
	case models.StatusFailed:
		telemetry.GradingFailed.WithLabelValues(string(kind)).Inc()
		s.audit(ctx, task.SubmissionID, "failed", *job.ErrorMessage)
		log.Warn("grading.run.recorded_failure", "error_message", *job.ErrorMessage)
	}
}

func (s *Service) superseded(ctx context.Context, task Task, log *slog.Logger) {
	telemetry.GradingSuperseded.Inc()
	s.audit(ctx, task.SubmissionID, "superseded", "run="+task.RunID)
	log.Info("grading.run.superseded")
}

func (s *Service) audit(ctx context.Context, id, event, detail string) {
	if err := s.store.AppendAudit(ctx, id, event, detail); err != nil {
		s.log.Warn("grading.audit_failed", "submission_id", id, "event", event, "error", err)
	}
}

// failureMessage renders a background error as the persisted diagnostic.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "grading aborted: " + err.Error()
	}
	switch apperr.KindOf(err) {
	case apperr.KindNetworkTransient:
		return "network failure contacting grading service: " + err.Error()
	case apperr.KindTimeout:
		return "grading timed out: " + err.Error()
	case apperr.KindRemoteService:
		return "grading service error: " + err.Error()
	case apperr.KindEmptyResult:
		return "grading returned no result: " + err.Error()
	case apperr.KindValidation:
		return "cannot grade submission: " + err.Error()
	}
	return "grading failed: " + err.Error()
}

type passthrough struct{}

func (passthrough) Resolve(_ context.Context, ref string) (string, error) {
	return ref, nil
}

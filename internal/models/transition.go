package models

import "time"

// The state views below are the only way to build the next GradingJob value.
// Each exposes just the transitions legal from its state.

// Startable is a job in none, completed or failed.
type Startable struct{ job GradingJob }

// Pending is a job waiting for its background unit.
type Pending struct{ job GradingJob }

// Processing is a job whose background unit is talking to the provider.
type Processing struct{ job GradingJob }

// Active is a job in pending or processing.
type Active struct{ job GradingJob }

// Completed is a job holding a grading result.
type Completed struct{ job GradingJob }

func (j GradingJob) AsStartable() (Startable, bool) {
	if j.Status.Active() {
		return Startable{}, false
	}
	return Startable{job: j}, true
}

func (j GradingJob) AsPending() (Pending, bool) {
	if j.Status != StatusPending {
		return Pending{}, false
	}
	return Pending{job: j}, true
}

func (j GradingJob) AsProcessing() (Processing, bool) {
	if j.Status != StatusProcessing {
		return Processing{}, false
	}
	return Processing{job: j}, true
}

func (j GradingJob) AsActive() (Active, bool) {
	if !j.Status.Active() {
		return Active{}, false
	}
	return Active{job: j}, true
}

func (j GradingJob) AsCompleted() (Completed, bool) {
	if j.Status != StatusCompleted || j.ResultText == nil {
		return Completed{}, false
	}
	return Completed{job: j}, true
}

// Start moves to pending under a new run.
func (s Startable) Start(runID string) Pending {
	return queued(s.job.SubmissionID, runID)
}

// Retry moves any job back to pending under a new run.
func (j GradingJob) Retry(runID string) Pending {
	return queued(j.SubmissionID, runID)
}

func queued(id, runID string) Pending {
	return Pending{job: GradingJob{
		SubmissionID: id,
		Status:       StatusPending,
		RunID:        runID,
	}}
}

func (p Pending) Job() GradingJob { return p.job }

func (p Pending) Process() Processing {
	j := p.job
	j.Status = StatusProcessing
	return Processing{job: j}
}

// Fail records a failure that happened before processing began.
func (p Pending) Fail(message string) GradingJob {
	return failed(p.job, message)
}

func (p Processing) Job() GradingJob { return p.job }

func (p Processing) Complete(text string, at time.Time) GradingJob {
	j := p.job
	j.Status = StatusCompleted
	j.ResultText = &text
	j.ErrorMessage = nil
	at = at.UTC()
	j.CompletedAt = &at
	return j
}

func (p Processing) Fail(message string) GradingJob {
	return failed(p.job, message)
}

func failed(j GradingJob, message string) GradingJob {
	j.Status = StatusFailed
	j.ResultText = nil
	j.ErrorMessage = &message
	j.CompletedAt = nil
	return j
}

// Cancel resets to none. The run id is dropped so a late unit cannot write.
func (a Active) Cancel() GradingJob {
	msg := CancelledMessage
	return GradingJob{
		SubmissionID: a.job.SubmissionID,
		Status:       StatusNone,
		ErrorMessage: &msg,
	}
}

func (c Completed) Job() GradingJob { return c.job }

func (c Completed) ResultText() string { return *c.job.ResultText }

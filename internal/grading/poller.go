package grading

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"homework-grader/internal/apperr"
	"homework-grader/internal/chat"
	"homework-grader/internal/telemetry"
)

// ChatAPI is the provider surface the orchestrator needs.
type ChatAPI interface {
	CreateChat(ctx context.Context, userID, imageURL string) (chat.CreateResult, error)
	RetrieveChat(ctx context.Context, ref chat.Ref) (chat.State, error)
	ListMessages(ctx context.Context, ref chat.Ref) ([]chat.Message, error)
}

// PollConfig bounds the status loop. Zero fields take the defaults of 40
// attempts, 3s apart, escalating in the last 3.
type PollConfig struct {
	MaxAttempts int
	Interval    time.Duration
	// EscalateLast is how many final attempts return transport errors instead
	// of skipping them.
	EscalateLast int
}

// Poller drives an asynchronous chat to a usable answer.
type Poller struct {
	client ChatAPI
	cfg    PollConfig
	sleep  func(ctx context.Context, d time.Duration) error
	log    *slog.Logger
}

func NewPoller(client ChatAPI, cfg PollConfig, logger *slog.Logger) *Poller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 40
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.EscalateLast <= 0 {
		cfg.EscalateLast = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{client: client, cfg: cfg, sleep: sleepCtx, log: logger}
}

// Poll returns the raw answer text once the chat completes with content.
func (p *Poller) Poll(ctx context.Context, ref chat.Ref) (string, error) {
	log := p.log.With("conversation_id", ref.ConversationID, "chat_id", ref.ChatID)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, p.cfg.Interval); err != nil {
				return "", err
			}
		}
		telemetry.PollAttempts.Inc()
		escalate := attempt > p.cfg.MaxAttempts-p.cfg.EscalateLast

		state, err := p.client.RetrieveChat(ctx, ref)
		if err != nil {
			if skip := p.skippable(ctx, err, escalate); !skip {
				return "", err
			}
			log.Warn("grading.poll.retrieve_error", "attempt", attempt, "error", err)
			continue
		}

		switch state.Status {
		case chat.StatusFailed:
			return "", apperr.Newf(apperr.KindRemoteService, "grading service reported failure: %s", state.FailureReason)
		case chat.StatusCompleted:
			msgs, err := p.client.ListMessages(ctx, ref)
			if err != nil {
				if skip := p.skippable(ctx, err, escalate); !skip {
					return "", err
				}
				log.Warn("grading.poll.list_error", "attempt", attempt, "error", err)
				continue
			}
			if text := chat.ExtractAnswer(msgs); text != "" {
				log.Info("grading.poll.completed", "attempt", attempt, "messages", len(msgs))
				return text, nil
			}
			log.Info("grading.poll.answer_not_ready", "attempt", attempt, "messages", len(msgs))
		default:
			log.Debug("grading.poll.waiting", "attempt", attempt, "status", state.Status)
		}
	}
	return "", apperr.Newf(apperr.KindTimeout, "no grading result after %d poll attempts", p.cfg.MaxAttempts)
}

// skippable reports whether a failed call should just consume the attempt.
// Only transport failures qualify; a provider rejection will not heal by waiting.
func (p *Poller) skippable(ctx context.Context, err error, escalate bool) bool {
	if ctx.Err() != nil || escalate {
		return false
	}
	return errors.Is(err, apperr.ErrNetworkTransient)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

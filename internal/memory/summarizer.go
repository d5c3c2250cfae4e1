package memory

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Task names the kind of work requested from a Summarizer.
type Task string

const (
	TaskSummarizeMessages  Task = "summarize-messages"
	TaskSummarizeShortTerm Task = "summarize-short-term"
	TaskUpdateNarrative    Task = "update-narrative"
	TaskExtractFacts       Task = "extract-facts"
	TaskExtractCore        Task = "extract-core"
)

// Request is the input to every Summarizer call. Prior carries state the
// task builds on, such as the current long-term narrative.
type Request struct {
	Task   Task
	Inputs []string
	Prior  string
}

// FactCandidate is one fact proposed by extraction. Subject may be empty.
type FactCandidate struct {
	Category   string  `json:"category"`
	Subject    string  `json:"subject,omitempty"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// CoreCandidate is one identity-level statement proposed from a narrative.
type CoreCandidate struct {
	Description string  `json:"description"`
	Importance  float64 `json:"importance"`
}

// Summarizer is the language-model capability used for condensation and
// extraction. Errors wrapping ErrMalformedOutput are final; any other error
// is treated as transient and retried.
type Summarizer interface {
	Condense(ctx context.Context, req Request) (string, error)
	ExtractFacts(ctx context.Context, req Request) ([]FactCandidate, error)
	ExtractCore(ctx context.Context, req Request) ([]CoreCandidate, error)
}

// RetryPolicy bounds retries of transient Summarizer failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retrier runs Summarizer calls with exponential backoff.
type retrier struct {
	policy RetryPolicy
	log    zerolog.Logger
}

func retryCall[T any](ctx context.Context, r retrier, task Task, op func() (T, error)) (T, error) {
	attempts := r.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrMalformedOutput) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.log.Warn().Err(err).Str("task", string(task)).Dur("retry_in", wait).Msg("summarizer call failed, retrying")
		}),
	)
}

package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// StatusError is returned when a model provider answers with a non-success
// HTTP status
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed when repeated
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= http.StatusInternalServerError
}

// RetryConfig bounds the retries performed by Retrying
type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// AttemptTimeout limits each individual model call; zero means no limit
	AttemptTimeout time.Duration
	Logger         *slog.Logger
}

// Retrying wraps an Extractor and retries transient failures with
// exponential backoff. Non-invoice documents, unparseable responses and
// client errors are returned immediately.
type Retrying struct {
	next   Extractor
	config RetryConfig
	logger *slog.Logger
}

// NewRetrying wraps next with bounded retries
func NewRetrying(next Extractor, config RetryConfig) *Retrying {
	if config.MaxTries == 0 {
		config.MaxTries = 3
	}
	if config.InitialInterval == 0 {
		config.InitialInterval = 500 * time.Millisecond
	}
	if config.MaxInterval == 0 {
		config.MaxInterval = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, config: config, logger: logger}
}

// Extract calls the wrapped extractor until it succeeds, fails permanently or
// runs out of attempts
func (r *Retrying) Extract(ctx context.Context, data []byte, contentType string) (*RawExtraction, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialInterval
	b.MaxInterval = r.config.MaxInterval

	attempt := 0
	op := func() (*RawExtraction, error) {
		attempt++
		callCtx := ctx
		if r.config.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.config.AttemptTimeout)
			defer cancel()
		}

		raw, err := r.next.Extract(callCtx, data, contentType)
		if err != nil && !retryable(ctx, err) {
			return nil, backoff.Permanent(err)
		}
		return raw, err
	}

	raw, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.config.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("Extraction attempt failed, retrying",
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		}),
	)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Close closes the wrapped extractor
func (r *Retrying) Close() error {
	return r.next.Close()
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrNotInvoice) || errors.Is(err, ErrExtractionParse) || errors.Is(err, ErrUnreadableDocument) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return true
}

package collab

import (
	"context"
	"errors"
	"net"
	"runtime"
	"time"

	"github.com/golang/glog"

	mathrand "math/rand"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrServerBusy       = errors.New("server busy")
	ErrNotConnected     = errors.New("not connected")
	ErrNotJoined        = errors.New("not joined to a project")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrJoinTimeout      = errors.New("join timed out")
)

type ErrorClass int

const (
	// never retried, always surfaced
	ErrorClassCritical ErrorClass = iota
	// transient, governed by backoff and attempt caps
	ErrorClassRetryable
)

func ClassifyError(err error) ErrorClass {
	if errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound) {
		return ErrorClassCritical
	}
	// programming errors are never retried
	var runtimeErr runtime.Error
	if errors.As(err, &runtimeErr) {
		return ErrorClassCritical
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassRetryable
	}
	if errors.Is(err, ErrServerBusy) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrNotJoined) ||
		errors.Is(err, ErrSendBufferFull) ||
		errors.Is(err, ErrJoinTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	// unknown errors are treated as transient so a flaky dependency never
	// hard fails an edit
	return ErrorClassRetryable
}

type BoundarySettings struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	JitterFraction float64
}

func DefaultBoundarySettings() *BoundarySettings {
	return &BoundarySettings{
		MaxAttempts:    5,
		BackoffBase:    200 * time.Millisecond,
		BackoffMax:     10 * time.Second,
		JitterFraction: 0.5,
	}
}

// wraps pipeline and sync calls with retry, backoff and fallback
type ErrorBoundary struct {
	settings *BoundarySettings
}

func NewErrorBoundaryWithDefaults() *ErrorBoundary {
	return NewErrorBoundary(DefaultBoundarySettings())
}

func NewErrorBoundary(settings *BoundarySettings) *ErrorBoundary {
	return &ErrorBoundary{
		settings: settings,
	}
}

// base * 2^attempt plus random jitter, capped
func (self *ErrorBoundary) backoff(attempt int) time.Duration {
	d := self.settings.BackoffBase << attempt
	if self.settings.BackoffMax < d || d <= 0 {
		d = self.settings.BackoffMax
	}
	jitter := time.Duration(self.settings.JitterFraction * mathrand.Float64() * float64(d))
	return d + jitter
}

// runs op with retry. Critical errors are never retried; they go straight
// to the fallback. When the attempt cap is exceeded the fallback runs, if
// any; the original error propagates if the fallback is missing or fails.
func (self *ErrorBoundary) Run(ctx context.Context, op func() error, fallback func(err error) error) error {
	var err error
	for attempt := 0; attempt < self.settings.MaxAttempts; attempt += 1 {
		err = op()
		if err == nil {
			return nil
		}
		if ClassifyError(err) == ErrorClassCritical {
			break
		}
		if attempt == self.settings.MaxAttempts-1 {
			break
		}
		glog.V(2).Infof("[boundary]retry %d = %s\n", attempt, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(self.backoff(attempt)):
		}
	}
	if fallback != nil {
		if fallbackErr := fallback(err); fallbackErr == nil {
			return nil
		}
	}
	return err
}

// value returning variant. The fallback typically serves a cached value.
func RunWithFallback[R any](
	ctx context.Context,
	boundary *ErrorBoundary,
	op func() (R, error),
	fallback func(err error) (R, error),
) (R, error) {
	var result R
	err := boundary.Run(
		ctx,
		func() error {
			var opErr error
			result, opErr = op()
			return opErr
		},
		func(err error) error {
			if fallback == nil {
				return err
			}
			var fallbackErr error
			result, fallbackErr = fallback(err)
			return fallbackErr
		},
	)
	return result, err
}

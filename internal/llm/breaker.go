package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/continuum-canvas/continuum/pkg/apperrors"
	"github.com/continuum-canvas/continuum/pkg/logger"
)

// BreakerConfig holds configuration for the completion circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// BreakerClient fails fast once the wrapped provider keeps failing. It never
// retries.
type BreakerClient struct {
	next     Client
	provider Provider
	cb       *gobreaker.CircuitBreaker
}

// NewBreakerClient wraps next with a circuit breaker. Only upstream server
// failures count against the provider. Auth, rate limit, rejected requests
// and cancellation do not.
func NewBreakerClient(next Client, cfg BreakerConfig, log *logger.Logger) *BreakerClient {
	provider := Provider(next.Name())
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "completion-" + next.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return !apperrors.Is(err, apperrors.KindUpstreamServer)
		},
	})

	return &BreakerClient{next: next, provider: provider, cb: cb}
}

// Name returns the wrapped provider name.
func (b *BreakerClient) Name() string {
	return b.next.Name()
}

// State returns the breaker state.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

// Complete forwards to the wrapped client unless the breaker is open.
func (b *BreakerClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Complete(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperrors.Wrap(apperrors.KindUpstreamServer,
			b.provider.DisplayName()+" API is temporarily unavailable. Please try again later.", err)
	}
	if err != nil {
		return nil, err
	}
	return res.(*CompletionResponse), nil
}

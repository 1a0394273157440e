package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/apperr"
)

// BreakerConfig tunes the circuit breaker around an embedding provider.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig trips after most of at least five calls fail and
// retries after thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// GuardedEmbedder fails fast while its provider is down instead of making
// every ingest wait out the provider timeout.
type GuardedEmbedder struct {
	next Embedder
	cb   *gobreaker.CircuitBreaker
}

// NewGuardedEmbedder wraps next in a circuit breaker.
func NewGuardedEmbedder(next Embedder, cfg BreakerConfig, log *zap.Logger) *GuardedEmbedder {
	if log == nil {
		log = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Model(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("embedder breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// the caller giving up says nothing about the provider
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &GuardedEmbedder{next: next, cb: cb}
}

func (g *GuardedEmbedder) Model() string   { return g.next.Model() }
func (g *GuardedEmbedder) Dimensions() int { return g.next.Dimensions() }

// State reports the breaker state.
func (g *GuardedEmbedder) State() gobreaker.State { return g.cb.State() }

func (g *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	out, err := g.cb.Execute(func() (any, error) {
		return g.next.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return out.([]float64), nil
}

// asProviderFailure classifies an embedding error as a transient provider
// failure unless it already carries a kind.
func asProviderFailure(err error) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != "" {
		return err
	}
	var op string
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		op = "embed: breaker open"
	case errors.Is(err, context.DeadlineExceeded):
		op = "embed: timeout"
	default:
		op = "embed"
	}
	return apperr.Wrap(apperr.KindTransientProviderFailure, op, err)
}

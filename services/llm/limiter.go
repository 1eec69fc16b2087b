package llm

import (
	"context"
	"time"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"golang.org/x/time/rate"
)

// RateLimited spaces out requests to a wrapped backend.
type RateLimited struct {
	inner   Backend
	limiter *rate.Limiter
}

// NewRateLimited allows perMinute requests per minute with a burst of one.
func NewRateLimited(inner Backend, perMinute int) *RateLimited {
	if perMinute <= 0 {
		return &RateLimited{inner: inner, limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

// Name implements Backend.
func (r *RateLimited) Name() string { return r.inner.Name() }

// Submit waits for a token, then forwards to the wrapped backend.
func (r *RateLimited) Submit(ctx context.Context, conv datatypes.Conversation) ([]datatypes.Message, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, backendError(r.inner.Name(), err)
	}
	return r.inner.Submit(ctx, conv)
}

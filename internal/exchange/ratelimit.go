package exchange

import (
	"context"

	"golang.org/x/time/rate"
)

// EndpointClass categorizes outbound requests so each class gets its own token bucket, per
// spec §5: "a token-bucket rate limiter (categorized by endpoint class) gates requests. The
// limiter is the single point of serialization for outbound requests."
type EndpointClass string

const (
	ClassMarketData EndpointClass = "market_data"
	ClassOrder      EndpointClass = "order"
	ClassAccount    EndpointClass = "account"
)

// RateLimiter gates outbound exchange requests by endpoint class.
type RateLimiter struct {
	limiters map[EndpointClass]*rate.Limiter
}

// NewRateLimiter builds a limiter with fixed per-class rates: market data 20 req/s (burst 40),
// orders 10 req/s (burst 10), account 5 req/s (burst 5).
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limiters: map[EndpointClass]*rate.Limiter{
			ClassMarketData: rate.NewLimiter(rate.Limit(20), 40),
			ClassOrder:      rate.NewLimiter(rate.Limit(10), 10),
			ClassAccount:    rate.NewLimiter(rate.Limit(5), 5),
		},
	}
}

// Wait blocks until a token for class is available or ctx is canceled.
func (r *RateLimiter) Wait(ctx context.Context, class EndpointClass) error {
	l, ok := r.limiters[class]
	if !ok {
		l = r.limiters[ClassMarketData]
	}
	return l.Wait(ctx)
}

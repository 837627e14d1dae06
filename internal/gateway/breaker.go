package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/util"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSettings configures the circuit breaker around a provider
type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Breaker bounds every outbound call by the caller's context and fails fast
// while the provider keeps failing. It never retries.
type Breaker struct {
	next   Gateway
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// WithBreaker wraps next in a circuit breaker
func WithBreaker(next Gateway, s BreakerSettings) *Breaker {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 30 * time.Second
	}

	logger := util.GetLogger()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(next.Method()),
		Timeout: s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Payment gateway circuit state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Breaker{next: next, cb: cb, logger: logger}
}

// Method returns the wrapped gateway's method
func (b *Breaker) Method() models.PaymentMethod {
	return b.next.Method()
}

// CreateTransaction opens a checkout through the breaker
func (b *Breaker) CreateTransaction(ctx context.Context, req TransactionRequest) (*Transaction, error) {
	provider := string(b.next.Method())
	start := time.Now()
	defer func() {
		util.GatewayLatency.WithLabelValues(provider, "create_transaction").Observe(time.Since(start).Seconds())
	}()

	res, err := b.cb.Execute(func() (interface{}, error) {
		return callWithContext(ctx, func() (*Transaction, error) {
			return b.next.CreateTransaction(ctx, req)
		})
	})
	if err != nil {
		util.GatewayErrorsTotal.WithLabelValues(provider, "create_transaction").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, gatewayErr(provider, "create transaction", "circuit open")
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, gatewayErr(provider, "create transaction", "timed out")
		}
		if !errors.Is(err, ErrGateway) {
			return nil, gatewayErr(provider, "create transaction", "")
		}
		return nil, err
	}

	return res.(*Transaction), nil
}

// VerifyNotification is bounded by ctx but bypasses the breaker, so forged
// notifications cannot trip it.
func (b *Breaker) VerifyNotification(ctx context.Context, body []byte, headers http.Header) (*Event, error) {
	provider := string(b.next.Method())
	start := time.Now()
	defer func() {
		util.GatewayLatency.WithLabelValues(provider, "verify_notification").Observe(time.Since(start).Seconds())
	}()

	ev, err := callWithContext(ctx, func() (*Event, error) {
		return b.next.VerifyNotification(ctx, body, headers)
	})
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil, gatewayErr(provider, "verify notification", "timed out")
	}
	return ev, err
}

// callWithContext returns as soon as ctx is done even if fn is still blocked
// on a provider SDK that ignores contexts.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

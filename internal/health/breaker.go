package health

import (
	"context"
	"fmt"
)

// BreakerReporter exposes a circuit breaker's state name.
type BreakerReporter interface {
	BreakerState() string
}

// BreakerChecker reports unhealthy while a circuit breaker is open. It makes
// no outbound call of its own.
type BreakerChecker struct {
	name    string
	breaker BreakerReporter
}

// NewBreakerChecker creates a checker for the named upstream.
func NewBreakerChecker(name string, breaker BreakerReporter) *BreakerChecker {
	return &BreakerChecker{name: name, breaker: breaker}
}

// HealthCheck implements api.HealthChecker.
func (b *BreakerChecker) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state := b.breaker.BreakerState(); state == "open" {
		return fmt.Errorf("%s circuit breaker is open", b.name)
	}
	return nil
}

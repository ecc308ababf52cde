package observability

import (
	"context"
	"errors"
	"time"

	"github.com/heptiolabs/healthcheck"
)

// NewHealth returns a liveness/readiness handler with the goroutine-count liveness check installed.
func NewHealth(maxGoroutines int) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	return h
}

// PingCheck adapts a context-aware ping to a healthcheck.Check bounded by timeout.
func PingCheck(ping func(ctx context.Context) error, timeout time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return ping(ctx)
	}
}

func ConnectedCheck(isConnected func() bool) healthcheck.Check {
	return func() error {
		if isConnected() {
			return nil
		}
		return errors.New("not connected")
	}
}

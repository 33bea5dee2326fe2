package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// retry runs fn with bounded exponential backoff. When every attempt fails
// the last error is returned as an ExternalDependencyError.
func (b *Bridge) retry(ctx context.Context, op string, fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.cfg.RetryInitial
	exp.MaxInterval = b.cfg.RetryMax
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(b.cfg.RetryAttempts-1)), ctx)
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return fn()
	}, policy, func(err error, wait time.Duration) {
		b.logger.WarnContext(ctx, "external call failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
	if err != nil {
		return domain.Reject(domain.ErrExternal, "%s failed after %d attempts: %v", op, attempt, err)
	}
	return nil
}

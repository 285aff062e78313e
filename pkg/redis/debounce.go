package redis

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
)

// SetNXer sets a key only when it is absent
type SetNXer interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) (bool, error)
}

// Debouncer lets a key through once per window. Windows are shared by every process using
// the same Redis, so a burst of identical warnings from many workers is sent once.
type Debouncer struct {
	client    SetNXer
	keyPrefix string
	window    time.Duration
	logger    ectologger.Logger
}

// NewDebouncer creates a new Debouncer
func NewDebouncer(client SetNXer, keyPrefix string, window time.Duration, logger ectologger.Logger) *Debouncer {
	if keyPrefix == "" {
		keyPrefix = "debounce:"
	}
	return &Debouncer{
		client:    client,
		keyPrefix: keyPrefix,
		window:    window,
		logger:    logger,
	}
}

// Allow reports whether key has not been seen in the current window. Redis errors let the
// key through.
func (d *Debouncer) Allow(ctx context.Context, key string) bool {
	if d.window <= 0 {
		return true
	}

	ok, err := d.client.SetNX(ctx, d.keyPrefix+key, 1, d.window)
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("Debounce check failed, allowing")
		return true
	}
	return ok
}

package db2pgtunnel

import (
	"context"
	"time"

	common "github.com/Ants24/data-tunnel-common"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 5 * time.Second
)

// ConnectWithRetry calls connect up to attempts times with a fixed delay in
// between. There is no backoff.
func ConnectWithRetry(ctx context.Context, logger common.Logger, target string, attempts int, delay time.Duration, clk clock.Clock, connect func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	if clk == nil {
		clk = clock.WallClock
	}
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return connect(ctx)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Logger.Sugar().Errorf("Connection attempt %d/%d to %s failed: %v", attempt, attempts, target, err)
			if attempt < attempts {
				logger.Logger.Sugar().Infof("Retrying in %s", delay)
			}
		},
		Attempts: attempts,
		Delay:    delay,
		Clock:    clk,
		Stop:     ctx.Done(),
	})
	if err != nil {
		last := retry.LastError(err)
		if last == nil {
			last = err
		}
		return &ConnectionError{Target: target, Attempts: attempts, Err: last}
	}
	logger.Logger.Sugar().Infof("Successfully connected to %s", target)
	return nil
}

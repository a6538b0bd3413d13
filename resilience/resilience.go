// Package resilience provides the supervision and retry primitives shared by
// every long-running component: a supervise-and-restart loop with a flat
// one-second backoff, and a fixed-delay retry wrapper for publishers.
//
// Restart backoff is deliberately flat and unbounded: failure recovery is
// reactive and coarse, and transport-level flapping is already absorbed by
// the bus adapter's reconnect handling.
package resilience

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

const restartDelay = time.Second

// Supervise runs fn until ctx is cancelled. If fn returns (with or without
// an error) it is restarted after a one-second pause. Cancellation of ctx
// propagates into fn and ends the loop.
func Supervise(ctx context.Context, name string, fn func(context.Context) error) {
	for {
		var err = fn(ctx)

		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithFields(log.Fields{"task": name, "err": err}).
				Warn("background task failed, restarting")
		} else {
			log.WithField("task", name).
				Warn("background task terminated, restarting")
		}

		select {
		case <-time.After(restartDelay):
		case <-ctx.Done():
			return
		}
	}
}

// Retry invokes fn up to attempts times, pausing delay between attempts and
// logging each failure at WARN. The last error is returned. Cancellation of
// ctx aborts the wait and returns immediately.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return err
		}
		if i == attempts-1 {
			break
		}
		log.WithFields(log.Fields{"err": err, "attempt": i + 1}).
			Warn("operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

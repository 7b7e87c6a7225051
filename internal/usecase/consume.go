package usecase

import (
	"context"
	"errors"
	"sync"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"taskrelay/pkg/backoff"
	"time"

	"github.com/rs/zerolog"
)

type Handler func(ctx context.Context, taskID string) error

// Consumer claims dispatch messages and runs one pipeline per message on its
// own goroutine. A claim stays pending until its pipeline returns, so a
// crashed worker leaves it for the reaper.
type Consumer struct {
	Q                 ports.Queue
	ConsumerName      string
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	HeartbeatInterval time.Duration
	Log               zerolog.Logger
}

func (c Consumer) Run(ctx context.Context, handle Handler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		d, err := c.Q.Claim(ctx, c.ConsumerName, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			delay := backoff.ExponentialJitter(c.BaseBackoff, c.MaxBackoff, failures)
			c.Log.Warn().Err(err).Dur("retry_in", delay).Msg("claim failed")
			sleep(ctx, delay)
			continue
		}
		failures = 0
		if d == nil {
			continue
		}

		if d.TaskID == "" {
			c.Log.Error().Str("stream_id", d.StreamID).Msg("undecodable dispatch message")
			if err := c.Q.DeadLetter(ctx, *d, "undecodable message"); err != nil {
				c.Log.Error().Err(err).Str("stream_id", d.StreamID).Msg("dead-letter failed")
			}
			continue
		}

		wg.Add(1)
		go func(d ports.Delivery) {
			defer wg.Done()
			c.process(ctx, d, handle)
		}(*d)
	}
}

func (c Consumer) process(ctx context.Context, d ports.Delivery, handle Handler) {
	log := c.Log.With().Str("task_id", d.TaskID).Str("stream_id", d.StreamID).Logger()

	stop := c.heartbeat(ctx, d, log)
	err := handle(ctx, d.TaskID)
	stop()

	ackCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if err := c.Q.Ack(ackCtx, d.StreamID); err != nil {
			log.Error().Err(err).Msg("ack failed")
		}
	case errors.Is(err, domain.ErrNotFound):
		log.Error().Err(err).Msg("dispatched task does not exist")
		if err := c.Q.DeadLetter(ackCtx, d, err.Error()); err != nil {
			log.Error().Err(err).Msg("dead-letter failed")
		}
	default:
		// left pending; the reaper settles it once the claim goes idle
		log.Error().Err(err).Msg("pipeline outcome not recorded")
	}
}

// heartbeat keeps the claim fresh while the pipeline runs.
func (c Consumer) heartbeat(ctx context.Context, d ports.Delivery, log zerolog.Logger) func() {
	if c.HeartbeatInterval <= 0 {
		return func() {}
	}
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				if err := c.Q.Touch(hctx, c.ConsumerName, d.StreamID); err != nil && hctx.Err() == nil {
					log.Warn().Err(err).Msg("heartbeat failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

package redisq

import (
	"context"
	"taskrelay/internal/ports"
	"time"

	"github.com/rs/zerolog"
)

var _ ports.Reaper = (*Reaper)(nil)

// LostFunc records that the pipeline for taskID stopped without finishing.
type LostFunc func(ctx context.Context, taskID string) error

// Reaper fails tasks whose claimed dispatch message went idle: a live
// consumer touches its claim on every heartbeat, so an idle claim means the
// worker process died mid-pipeline.
type Reaper struct {
	Q         ports.Queue
	Interval  time.Duration
	LostAfter time.Duration
	OnLost    LostFunc
	Log       zerolog.Logger
}

func NewReaper(q ports.Queue, interval, lostAfter time.Duration, onLost LostFunc, log zerolog.Logger) *Reaper {
	return &Reaper{
		Q:         q,
		Interval:  interval,
		LostAfter: lostAfter,
		OnLost:    onLost,
		Log:       log.With().Str("component", "reaper").Logger(),
	}
}

func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		if n, err := r.reap(ctx); err != nil {
			r.Log.Error().Err(err).Msg("reap pass failed")
		} else if n > 0 {
			r.Log.Warn().Int("count", n).Msg("reaped lost pipelines")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reaper) reap(ctx context.Context) (int, error) {
	stale, err := r.Q.Stale(ctx, r.LostAfter, 128)
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	reaped := 0
	for _, d := range stale {
		if d.TaskID != "" {
			if err := r.OnLost(ctx, d.TaskID); err != nil {
				r.Log.Error().Err(err).Str("task_id", d.TaskID).Msg("failed to mark task lost")
				continue
			}
		}
		if err := r.Q.Ack(ctx, d.StreamID); err != nil {
			r.Log.Error().Err(err).Str("stream_id", d.StreamID).Msg("failed to ack lost message")
			continue
		}
		reaped++
	}
	return reaped, nil
}

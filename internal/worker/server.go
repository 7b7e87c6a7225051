package worker

import (
	"context"
	"errors"
	"sync"
	"taskrelay/internal/broadcast"
	"taskrelay/internal/config"
	"taskrelay/internal/infra/redisq"
	"taskrelay/internal/ports"
	"taskrelay/internal/usecase"

	"github.com/rs/zerolog"
)

type Deps struct {
	Queue    ports.Queue
	Pipeline *usecase.Pipeline
	Bus      *broadcast.Bus
	Cfg      config.Worker
	Log      zerolog.Logger
}

// Run consumes dispatched tasks until ctx is done. Alongside the consumer it
// runs the lost-worker reaper and the bus, whose relay carries this worker's
// progress events to the API instances holding the viewers. In-flight
// pipelines see the cancelled context at their next step boundary and record
// the interruption; the bus is stopped only after that, so the terminal
// events are flushed to the relay before Run returns.
func Run(ctx context.Context, d Deps) error {
	log := d.Log.With().Str("component", "worker").Str("consumer", d.Cfg.ConsumerName).Logger()

	// the bus outlives the consumer so the last events of interrupted runs
	// still go out over the relay
	busCtx, stopBus := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBus()

	var busDone sync.WaitGroup
	busDone.Add(1)
	go func() {
		defer busDone.Done()
		if err := d.Bus.Run(busCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("bus stopped with error")
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)

	reaper := redisq.NewReaper(d.Queue, d.Cfg.ReapInterval, d.Cfg.LostAfter, d.Pipeline.FailLost, d.Log)
	go func() {
		defer wg.Done()
		if err := reaper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("reaper stopped with error")
		}
	}()

	consumer := usecase.Consumer{
		Q:                 d.Queue,
		ConsumerName:      d.Cfg.ConsumerName,
		BaseBackoff:       d.Cfg.BaseBackoff,
		MaxBackoff:        d.Cfg.MaxBackoff,
		HeartbeatInterval: d.Cfg.HeartbeatInterval,
		Log:               log,
	}

	log.Info().Msg("worker started")
	err := consumer.Run(ctx, d.Pipeline.Run)
	wg.Wait()
	stopBus()
	busDone.Wait()
	log.Info().Msg("worker stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

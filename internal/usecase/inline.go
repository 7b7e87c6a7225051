package usecase

import (
	"context"
	"sync"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"

	"github.com/rs/zerolog"
)

var _ ports.Dispatcher = (*InlineDispatcher)(nil)

// InlineDispatcher runs pipelines inside the API process. Pipelines run on
// base, not the request context, so they outlive the submitting request.
type InlineDispatcher struct {
	Pipeline *Pipeline
	Log      zerolog.Logger

	base context.Context
	wg   sync.WaitGroup
}

func NewInlineDispatcher(base context.Context, p *Pipeline, log zerolog.Logger) *InlineDispatcher {
	return &InlineDispatcher{Pipeline: p, Log: log, base: base}
}

func (d *InlineDispatcher) Dispatch(_ context.Context, t domain.Task) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Pipeline.Run(d.base, t.ID); err != nil {
			d.Log.Error().Err(err).Str("task_id", t.ID).Msg("inline pipeline failed")
		}
	}()
	return nil
}

// Wait blocks until every dispatched pipeline has returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

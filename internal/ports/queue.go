package ports

import (
	"context"
	"taskrelay/internal/domain"
	"time"
)

// Dispatcher hands a freshly created task to whatever executes pipelines.
type Dispatcher interface {
	Dispatch(ctx context.Context, t domain.Task) error
}

// Delivery is one claimed dispatch message. TaskID is empty when the
// message could not be decoded; Raw then holds the original payload.
type Delivery struct {
	StreamID string
	TaskID   string
	Raw      string
}

type Queue interface {
	Dispatcher
	Claim(ctx context.Context, consumer string, block time.Duration) (*Delivery, error)
	Ack(ctx context.Context, streamID string) error
	// Touch resets the idle time of a claimed message so the reaper leaves it alone.
	Touch(ctx context.Context, consumer, streamID string) error
	DeadLetter(ctx context.Context, d Delivery, reason string) error
	// Stale lists claimed messages whose idle time exceeds minIdle.
	Stale(ctx context.Context, minIdle time.Duration, count int64) ([]Delivery, error)
}

type Reaper interface {
	// fails tasks whose worker stopped heartbeating
	Run(ctx context.Context) error
}

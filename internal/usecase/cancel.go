package usecase

import (
	"context"
	"errors"
	"fmt"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"time"

	"github.com/rs/zerolog"
)

const cancelMessage = "cancelled by caller"

type Canceller struct {
	Tasks  ports.TaskStore
	Events Publisher
	Log    zerolog.Logger
}

// Cancel moves a non-terminal task to ERROR. The running pipeline notices at
// its next step boundary. Cancelling a finished task is a conflict, including
// when natural completion wins the race.
func (c Canceller) Cancel(ctx context.Context, taskID, callerID string) (domain.Snapshot, error) {
	task, err := c.Tasks.Get(ctx, taskID)
	if err != nil {
		return domain.Snapshot{}, readErr(err)
	}
	if task.OwnerID != callerID {
		return domain.Snapshot{}, domain.ErrForbidden
	}
	if task.State.IsTerminal() {
		return task.Snapshot(), fmt.Errorf("%w: task is already %s", domain.ErrConflict, task.State)
	}

	detail := domain.ErrorDetail{Kind: domain.ErrorCancelled, Message: cancelMessage, At: time.Now().UTC()}
	cancelled, err := c.Tasks.Fail(ctx, taskID, detail, "Cancelled")
	if errors.Is(err, domain.ErrTransition) {
		return cancelled.Snapshot(), fmt.Errorf("%w: task is already %s", domain.ErrConflict, cancelled.State)
	}
	if err != nil {
		return domain.Snapshot{}, unavailable("cancel task", err)
	}

	c.Log.Info().Str("task_id", taskID).Str("owner_id", callerID).Msg("task cancelled")
	if c.Events != nil {
		c.Events.Publish(ctx, cancelled.Event())
	}
	return cancelled.Snapshot(), nil
}

func readErr(err error) error {
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrArtifactNotFound) {
		return err
	}
	return unavailable("read", err)
}

package ports

import (
	"context"
	"taskrelay/internal/domain"
)

// Relay carries progress events between server instances.
type Relay interface {
	Publish(ctx context.Context, ev domain.ProgressEvent) error
	// Listen blocks until ctx is done, handing every relayed event for a
	// watched task that originated on another instance to deliver.
	Listen(ctx context.Context, deliver func(domain.ProgressEvent)) error
	Watch(taskID string)
	Unwatch(taskID string)
}

type CourseGenerator interface {
	GenerateCourse(ctx context.Context, brief domain.CourseBrief) (domain.Course, error)
}

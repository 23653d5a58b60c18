package linker

import (
	"context"

	"github.com/hibiken/asynq"
)

// TaskEnqueuer is the slice of asynq.Client the linker needs.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Compile-time interface satisfaction check
var _ TaskEnqueuer = (*asynq.Client)(nil)

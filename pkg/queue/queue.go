package queue

import (
	"github.com/hibiken/asynq"
	"github.com/hugh/calbridge/pkg/config"
)

func NewClient(cfg *config.RedisConfig) *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
	})
}

// NewServer builds the worker-side consumer. Onboarding tasks go to the
// default queue; low is reserved for future backfill jobs.
func NewServer(cfg *config.RedisConfig, concurrency int) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 10
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 5,
				"low":     1,
			},
		},
	)
}

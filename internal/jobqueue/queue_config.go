package jobqueue

import (
	"os"
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds the tunable parameters for the job queue.
type QueueConfig struct {
	MaxWorkers int           // concurrent workers (default: 4)
	MaxRetries int           // retry attempts per job
	JobTimeout time.Duration // maximum time a single indexing run can take
}

// DefaultQueueConfig returns the default configuration. Indexing is
// CPU- and embedding-API-bound, so the worker count stays small.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers: 4,
		MaxRetries: 10,
		JobTimeout: 5 * time.Minute,
	}
}

// DevelopmentQueueConfig fails faster with fewer workers.
func DevelopmentQueueConfig() *QueueConfig {
	config := DefaultQueueConfig()
	config.MaxWorkers = 2
	config.MaxRetries = 3
	config.JobTimeout = 2 * time.Minute
	return config
}

// GetQueueConfig returns the configuration for the current environment.
func GetQueueConfig() *QueueConfig {
	if os.Getenv("ZHIWEI_ENV") == "development" {
		return DevelopmentQueueConfig()
	}
	return DefaultQueueConfig()
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}

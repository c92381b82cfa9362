package cmdbus

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the library-level options a Worker and Bus are
// parameterized by, loaded from environment variables. Configuration
// loading itself (as opposed to the shape of the options) is an external
// collaborator's concern — an embedding application is free to build a
// Config by hand instead of calling LoadConfig.
type Config struct {
	DatabaseURL string `env:"COMMANDBUS_DATABASE_URL,required"`

	DefaultMaxAttempts uint32 `env:"COMMANDBUS_DEFAULT_MAX_ATTEMPTS" envDefault:"5"`
	BackoffSchedule    []int  `env:"COMMANDBUS_BACKOFF_SCHEDULE" envSeparator:"," envDefault:"1,5,30"`

	WorkerVisibilityTimeout time.Duration `env:"COMMANDBUS_WORKER_VISIBILITY_TIMEOUT" envDefault:"30s"`
	WorkerConcurrency       int           `env:"COMMANDBUS_WORKER_CONCURRENCY" envDefault:"8"`
	WorkerPollInterval      time.Duration `env:"COMMANDBUS_WORKER_POLL_INTERVAL" envDefault:"2s"`
	WorkerBatchSize         int           `env:"COMMANDBUS_WORKER_BATCH_SIZE" envDefault:"16"`
	WorkerUseNotify         bool          `env:"COMMANDBUS_WORKER_USE_NOTIFY" envDefault:"true"`
	WorkerGracePeriod       time.Duration `env:"COMMANDBUS_WORKER_GRACE_PERIOD" envDefault:"10s"`

	BatchDefaultChunkSize int `env:"COMMANDBUS_BATCH_DEFAULT_CHUNK_SIZE" envDefault:"1000"`

	QueueSuffix string `env:"COMMANDBUS_QUEUE_SUFFIX" envDefault:"__commands"`
	ReplySuffix string `env:"COMMANDBUS_REPLY_SUFFIX" envDefault:"__replies"`

	// InfraRetryMaxElapsedTime bounds the local-recovery retry applied
	// around transient database/queue infrastructure errors inside
	// worker dispatch, distinct from the per-command BackoffSchedule.
	InfraRetryMaxElapsedTime time.Duration `env:"COMMANDBUS_INFRA_RETRY_MAX_ELAPSED_TIME" envDefault:"5s"`
	InfraRetryInitialInterval time.Duration `env:"COMMANDBUS_INFRA_RETRY_INITIAL_INTERVAL" envDefault:"100ms"`
}

// Backoff returns the Config's backoff schedule as a BackoffSchedule.
func (c Config) Backoff() BackoffSchedule {
	if len(c.BackoffSchedule) == 0 {
		return DefaultBackoffSchedule
	}
	return BackoffSchedule(c.BackoffSchedule)
}

// LoadConfig parses a Config from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("cmdbus: load config: %w", err)
	}
	return cfg, nil
}

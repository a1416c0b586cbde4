package cycle

import (
	"fmt"
	"math/bits"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// maxLocalQueueCapacity is bounded by the 16 bit head and tail indices
	// packed into the local queue's control word.
	maxLocalQueueCapacity = 1 << 15

	defaultLocalQueueCapacity = 256
	defaultGlobalBatch        = 64
	defaultMaxIdlePasses      = 3
	defaultBlockingThreads    = 4
	defaultPollEvents         = 256
	defaultMaxPollTimeout     = 10 * time.Second
	defaultShutdownGrace      = 5 * time.Second
	defaultWorkerName         = `cycle-worker`
)

// Config is the static configuration consumed by New. There is no dynamic
// reconfiguration; a Config is copied at construction.
//
// Config may be loaded from a TOML document, see LoadConfig. Durations are
// TOML strings in the time.ParseDuration format, e.g. "10s".
type Config struct {
	// WorkerName prefixes the per-worker name used in log fields.
	WorkerName string `toml:"worker_name"`

	// Workers is the number of worker threads. Defaults to
	// runtime.GOMAXPROCS(0).
	Workers int `toml:"workers"`

	// LocalQueueCapacity is the bound of each worker's local deque. Must be
	// a power of two, no greater than 32768.
	LocalQueueCapacity int `toml:"local_queue_capacity"`

	// GlobalBatch caps the number of tasks a worker takes from the global
	// queue in one pass.
	GlobalBatch int `toml:"global_batch"`

	// MaxIdlePasses is the number of empty passes over every queue a worker
	// makes before parking.
	MaxIdlePasses int `toml:"max_idle_passes"`

	// BlockingThreads is the number of goroutines serving Blocking calls.
	BlockingThreads int `toml:"blocking_threads"`

	// PollEvents is the size of the reactor's readiness batch.
	PollEvents int `toml:"poll_events"`

	// MaxPollTimeout bounds a single reactor poll when no timer is pending.
	MaxPollTimeout time.Duration `toml:"max_poll_timeout"`

	// ShutdownGrace bounds how long an immediate shutdown waits for
	// cancelled tasks to unwind before abandoning them.
	ShutdownGrace time.Duration `toml:"shutdown_grace"`

	// EnableIO starts the reactor. Requires a Poller, which is built in on
	// linux and darwin.
	EnableIO bool `toml:"enable_io"`

	// EnableTimers starts the timer wheel.
	EnableTimers bool `toml:"enable_timers"`

	// EnableMetrics records resume latency and queue depth metrics.
	EnableMetrics bool `toml:"enable_metrics"`

	// LockOSThread pins each worker goroutine to its own OS thread.
	LockOSThread bool `toml:"lock_os_thread"`
}

// DefaultConfig returns the configuration used when New is called without
// WithConfig.
func DefaultConfig() Config {
	return Config{
		WorkerName:         defaultWorkerName,
		Workers:            runtime.GOMAXPROCS(0),
		LocalQueueCapacity: defaultLocalQueueCapacity,
		GlobalBatch:        defaultGlobalBatch,
		MaxIdlePasses:      defaultMaxIdlePasses,
		BlockingThreads:    defaultBlockingThreads,
		PollEvents:         defaultPollEvents,
		MaxPollTimeout:     defaultMaxPollTimeout,
		ShutdownGrace:      defaultShutdownGrace,
		EnableIO:           true,
		EnableTimers:       true,
		LockOSThread:       true,
	}
}

// LoadConfig reads a TOML file over DefaultConfig, so only the keys present
// in the file are changed. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("cycle: load config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys in %q: %s", ErrInvalidConfig, path, strings.Join(keys, `, `))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field, wrapping ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be >= 1, got %d", ErrInvalidConfig, c.Workers)
	case c.LocalQueueCapacity < 2 || c.LocalQueueCapacity > maxLocalQueueCapacity || bits.OnesCount(uint(c.LocalQueueCapacity)) != 1:
		return fmt.Errorf("%w: local_queue_capacity must be a power of two in [2, %d], got %d", ErrInvalidConfig, maxLocalQueueCapacity, c.LocalQueueCapacity)
	case c.GlobalBatch < 1:
		return fmt.Errorf("%w: global_batch must be >= 1, got %d", ErrInvalidConfig, c.GlobalBatch)
	case c.MaxIdlePasses < 1:
		return fmt.Errorf("%w: max_idle_passes must be >= 1, got %d", ErrInvalidConfig, c.MaxIdlePasses)
	case c.BlockingThreads < 0:
		return fmt.Errorf("%w: blocking_threads must be >= 0, got %d", ErrInvalidConfig, c.BlockingThreads)
	case c.PollEvents < 1:
		return fmt.Errorf("%w: poll_events must be >= 1, got %d", ErrInvalidConfig, c.PollEvents)
	case c.MaxPollTimeout <= 0:
		return fmt.Errorf("%w: max_poll_timeout must be positive, got %s", ErrInvalidConfig, c.MaxPollTimeout)
	case c.ShutdownGrace <= 0:
		return fmt.Errorf("%w: shutdown_grace must be positive, got %s", ErrInvalidConfig, c.ShutdownGrace)
	}
	return nil
}

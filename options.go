package cycle

import (
	"github.com/joeycumines/logiface"
)

// schedulerOptions holds configuration resolved from Option values.
type schedulerOptions struct {
	logger *logiface.Logger[logiface.Event]
	poller Poller
	cfg    Config
}

// Option configures a Scheduler.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// schedulerOptionImpl implements Option.
type schedulerOptionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *schedulerOptionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithConfig replaces the whole configuration. Options applied after it
// override individual fields.
func WithConfig(cfg Config) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.cfg = cfg
		return nil
	}}
}

// WithWorkers sets Config.Workers.
func WithWorkers(n int) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.cfg.Workers = n
		return nil
	}}
}

// WithLocalQueueCapacity sets Config.LocalQueueCapacity.
func WithLocalQueueCapacity(n int) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.cfg.LocalQueueCapacity = n
		return nil
	}}
}

// WithIO enables or disables the reactor.
func WithIO(enabled bool) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.cfg.EnableIO = enabled
		return nil
	}}
}

// WithTimers enables or disables the timer wheel.
func WithTimers(enabled bool) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.cfg.EnableTimers = enabled
		return nil
	}}
}

// WithMetrics enables runtime metrics collection, accessed via
// Scheduler.Metrics. Recording adds a clock read per resume.
func WithMetrics(enabled bool) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.cfg.EnableMetrics = enabled
		return nil
	}}
}

// WithLogger sets the logger used for scheduler diagnostics. A nil logger
// (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPoller sets the reactor's readiness backend, replacing the platform
// default. The scheduler takes ownership, and closes it on shutdown.
// Implies EnableIO.
func WithPoller(poller Poller) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.poller = poller
		if poller != nil {
			opts.cfg.EnableIO = true
		}
		return nil
	}}
}

// resolveOptions applies Option instances over DefaultConfig, then validates.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		cfg: DefaultConfig(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.cfg.WorkerName == `` {
		cfg.cfg.WorkerName = defaultWorkerName
	}
	if err := cfg.cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

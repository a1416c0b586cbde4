package main

import (
	"fmt"
	"time"

	memlimit "github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/joeycumines/go-cycle"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

type flags struct {
	configPath string
	logFormat  string
	logLevel   string
	workers    int
	tasks      int
	yields     int
	ioPairs    int
	ioRounds   int
	sleep      time.Duration
	timeout    time.Duration
	metrics    bool
}

func newRootCmd() *cobra.Command {
	var f flags
	return newCommand(&f)
}

func newCommand(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cyclestress",
		Short:         "run a synthetic workload on a cycle scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "path to a TOML scheduler config")
	fl.StringVar(&f.logFormat, "log-format", "json", "log format: json or console")
	fl.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warning, err")
	fl.IntVarP(&f.workers, "workers", "w", 0, "worker count, overriding the config if > 0")
	fl.IntVarP(&f.tasks, "tasks", "n", 10000, "number of compute tasks")
	fl.IntVar(&f.yields, "yields", 10, "yields per compute task")
	fl.DurationVar(&f.sleep, "sleep", time.Millisecond, "sleep per compute task, after yielding")
	fl.IntVar(&f.ioPairs, "io-pairs", 8, "number of pipe ping-pong pairs")
	fl.IntVar(&f.ioRounds, "io-rounds", 100, "bytes exchanged per pipe pair")
	fl.DurationVar(&f.timeout, "timeout", time.Minute, "overall deadline, after which shutdown escalates")
	fl.BoolVar(&f.metrics, "metrics", true, "collect resume latency metrics")
	return cmd
}

// loadConfig reads the config file, if any, then applies flag overrides.
// Without a config file the metrics flag's default applies, otherwise only
// an explicit --metrics overrides the file.
func loadConfig(cmd *cobra.Command, f *flags) (cycle.Config, error) {
	cfg := cycle.DefaultConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = cycle.LoadConfig(f.configPath); err != nil {
			return cycle.Config{}, err
		}
	}
	if f.workers > 0 {
		cfg.Workers = f.workers
	}
	if f.configPath == "" || cmd.Flags().Changed("metrics") {
		cfg.EnableMetrics = f.metrics
	}
	return cfg, nil
}

func run(cmd *cobra.Command, f *flags) error {
	logger, err := newLogger(cmd.ErrOrStderr(), f.logFormat, f.logLevel)
	if err != nil {
		return err
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug().Logf(format, args...)
	})); err != nil {
		logger.Warning().Err(err).Log(`failed to set GOMAXPROCS`)
	}
	if limit, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9)); err != nil {
		logger.Debug().Err(err).Log(`memory limit not set`)
	} else {
		logger.Debug().Int64(`limit`, limit).Log(`memory limit set`)
	}

	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}

	s, err := cycle.New(cycle.WithConfig(cfg), cycle.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, cancel := contextWithTimeout(cmd.Context(), f.timeout)
	defer cancel()

	start := time.Now()
	w := &workload{sched: s, logger: logger, flags: f}
	runErr := w.run(ctx)
	elapsed := time.Since(start)

	shutdownErr := s.Shutdown(ctx, cycle.ShutdownGraceful)

	report(cmd.OutOrStdout(), s, elapsed)

	switch {
	case runErr != nil:
		return runErr
	case shutdownErr != nil:
		return fmt.Errorf("shutdown: %w", shutdownErr)
	default:
		return s.Err()
	}
}

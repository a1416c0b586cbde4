package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseConfig(t *testing.T, args ...string) (bool, int) {
	t.Helper()
	var f flags
	cmd := newCommand(&f)
	require.NoError(t, cmd.ParseFlags(args))
	cfg, err := loadConfig(cmd, &f)
	require.NoError(t, err)
	return cfg.EnableMetrics, cfg.Workers
}

func TestLoadConfig_MetricsFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), `cycle.toml`)
	require.NoError(t, os.WriteFile(path, []byte("enable_metrics = true\nworkers = 3\n"), 0o600))

	for _, tc := range [...]struct {
		name    string
		args    []string
		metrics bool
		workers int
	}{
		{name: `default`, args: nil, metrics: true},
		{name: `disabled`, args: []string{`--metrics=false`}, metrics: false},
		{name: `file`, args: []string{`-c`, path}, metrics: true, workers: 3},
		{name: `file disabled by flag`, args: []string{`-c`, path, `--metrics=false`}, metrics: false, workers: 3},
		{name: `workers flag`, args: []string{`-c`, path, `-w`, `5`}, metrics: true, workers: 5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			metrics, workers := parseConfig(t, tc.args...)
			assert.Equal(t, tc.metrics, metrics)
			if tc.workers != 0 {
				assert.Equal(t, tc.workers, workers)
			}
		})
	}
}

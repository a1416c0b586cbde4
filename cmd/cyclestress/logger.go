package main

import (
	"fmt"
	"io"
	"strings"

	izerolog "github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/rs/zerolog"
)

var logLevels = map[string]logiface.Level{
	`trace`:   logiface.LevelTrace,
	`debug`:   logiface.LevelDebug,
	`info`:    logiface.LevelInformational,
	`notice`:  logiface.LevelNotice,
	`warning`: logiface.LevelWarning,
	`err`:     logiface.LevelError,
	`crit`:    logiface.LevelCritical,
}

// newLogger builds the generic logger handed to the scheduler. The json
// format writes stumpy's compact JSON, console writes zerolog's
// human-readable output.
func newLogger(w io.Writer, format, level string) (*logiface.Logger[logiface.Event], error) {
	lvl, ok := logLevels[strings.ToLower(level)]
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	switch format {
	case `json`:
		return stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(w)),
			stumpy.L.WithLevel(lvl),
		).Logger(), nil
	case `console`:
		zl := zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
		return izerolog.L.New(
			izerolog.L.WithZerolog(zl),
			izerolog.L.WithLevel(lvl),
		).Logger(), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

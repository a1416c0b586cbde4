//go:build !linux && !darwin

package main

import (
	"context"
	"errors"

	"github.com/joeycumines/go-cycle"
)

var errPipesUnsupported = errors.New("pipes are unsupported on this platform")

type pipePair struct{}

func newPipePair(*cycle.Scheduler, int) (*pipePair, error) {
	return nil, errPipesUnsupported
}

func (*pipePair) join(context.Context) error { return nil }

//go:build linux || darwin

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeycumines/go-cycle"
	"golang.org/x/sys/unix"
)

var errPipesUnsupported = errors.New("pipes are unsupported on this platform")

// pipePair is a writer task and a reader task, passing bytes one at a time
// over a non-blocking pipe, each waiting on readiness.
type pipePair struct {
	reader, writer *cycle.Handle[int]
	fds            [2]int
}

func newPipePair(s *cycle.Scheduler, rounds int) (*pipePair, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, fmt.Errorf("set nonblock: %w", err)
		}
	}
	p := &pipePair{fds: fds}
	var err error
	if p.reader, err = cycle.Spawn[int](s, &pipeTask{fd: fds[0], rounds: rounds, read: true}); err != nil {
		p.close()
		return nil, err
	}
	if p.writer, err = cycle.Spawn[int](s, &pipeTask{fd: fds[1], rounds: rounds}); err != nil {
		p.reader.Cancel()
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *pipePair) join(ctx context.Context) error {
	defer p.close()
	wn, err := p.writer.Join(ctx)
	if err != nil {
		return fmt.Errorf("pipe writer: %w", err)
	}
	rn, err := p.reader.Join(ctx)
	if err != nil {
		return fmt.Errorf("pipe reader: %w", err)
	}
	if rn != wn {
		return fmt.Errorf("pipe: wrote %d bytes, read %d", wn, rn)
	}
	return nil
}

func (p *pipePair) close() {
	_ = unix.Close(p.fds[0])
	_ = unix.Close(p.fds[1])
}

type pipeTask struct {
	ready  *cycle.Readiness
	buf    [1]byte
	fd     int
	rounds int
	done   int
	read   bool
}

func (t *pipeTask) Resume(cx *cycle.Context) cycle.Outcome[int] {
	for t.done < t.rounds {
		if cx.Cancelled() {
			return cycle.Abort[int]()
		}
		if t.ready != nil {
			o := t.ready.Resume(cx)
			if o.Kind() != cycle.OutcomeCompleted {
				return cycle.Forward[int](o)
			}
			t.ready = nil
		}
		var err error
		if t.read {
			_, err = unix.Read(t.fd, t.buf[:])
		} else {
			t.buf[0] = byte(t.done)
			_, err = unix.Write(t.fd, t.buf[:])
		}
		switch {
		case err == nil:
			t.done++
		case errors.Is(err, unix.EAGAIN):
			if t.read {
				t.ready = cycle.ReadReady(t.fd)
			} else {
				t.ready = cycle.WriteReady(t.fd)
			}
		default:
			return cycle.Fail[int](err)
		}
	}
	return cycle.Complete(t.done)
}

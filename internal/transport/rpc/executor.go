package rpc

import (
	"context"
	"runtime"
	"sync"

	"github.com/koustreak/tsgate/internal/errs"
)

// executor runs every blocking socket call of one connection on a single
// goroutine pinned to its own OS thread. Calls are serialised, which also
// keeps the non-thread-safe thrift transport consistent.
type executor struct {
	jobs chan func()
	done chan struct{}
	once sync.Once
}

func newExecutor() *executor {
	e := &executor{
		jobs: make(chan func()),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *executor) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		select {
		case job := <-e.jobs:
			job()
		case <-e.done:
			return
		}
	}
}

// run hands fn to the executor and waits for it to finish. Waiting for a
// slot honours ctx; once fn has started, run waits for it to return, since
// the caller's interrupt (a socket deadline) is what makes fn return early.
func (e *executor) run(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	job := func() { result <- fn() }

	select {
	case e.jobs <- job:
	case <-e.done:
		return errs.New(errs.ErrKindConnection, "connection closed")
	case <-ctx.Done():
		return errs.Wrap(errs.ErrKindTimeout, "waiting for connection", ctx.Err())
	}
	return <-result
}

func (e *executor) stop() {
	e.once.Do(func() { close(e.done) })
}

package sync

import (
	"context"
	"sync"
)

// Completion is the asynchronous outcome of an engine command.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// resolved returns a Completion that is already done with err.
func resolved(err error) *Completion {
	c := newCompletion()
	c.resolve(err)
	return c
}

// Completed returns a Completion that is already done with err. It lets
// callers outside the engine stand in for commands in tests.
func Completed(err error) *Completion {
	return resolved(err)
}

func (c *Completion) resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed once the command has finished.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the command's error. It is nil until Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the command finishes or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

package precache

import (
	"context"

	"github.com/sourcegraph/conc/panics"
)

// Task is the completion value of asynchronous work started by a lifecycle
// handler. The registration treats the handler as running until the task
// settles.
type Task struct {
	done chan struct{}
	err  error
}

// Go runs fn on its own goroutine and returns its task. A panic in fn
// settles the task with an error instead of crashing the process.
func Go(ctx context.Context, fn func(ctx context.Context) error) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		var pc panics.Catcher
		pc.Try(func() { t.err = fn(ctx) })
		if r := pc.Recovered(); r != nil {
			t.err = r.AsError()
		}
	}()
	return t
}

// Settled returns a task that has already finished with err.
func Settled(err error) *Task {
	t := &Task{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

// Done is closed when the task settles.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's error. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task settles or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// All settles when every task has settled, with the first error among them.
func All(tasks ...*Task) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		for _, sub := range tasks {
			<-sub.done
			if sub.err != nil && t.err == nil {
				t.err = sub.err
			}
		}
	}()
	return t
}

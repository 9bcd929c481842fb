package poll

import (
	"context"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var yield = runtime.Gosched

// Runner owns one goroutine per task.
type Runner struct {
	l     *logrus.Logger
	tasks []*Task
	eg    *errgroup.Group
	stop  context.CancelFunc
}

// NewRunner returns a runner for tasks. Nothing runs until Start.
func NewRunner(l *logrus.Logger, tasks ...*Task) *Runner {
	return &Runner{l: l, tasks: tasks}
}

// Tasks returns the tasks the runner serves.
func (r *Runner) Tasks() []*Task {
	return r.tasks
}

// Start launches the task goroutines. They exit when ctx is done or Stop is
// called.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.stop = context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	r.eg = eg

	for _, t := range r.tasks {
		t := t
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.kick:
					t.run()
				}
			}
		})
	}

	r.l.WithField("tasks", len(r.tasks)).Debug("Poll runner started")
}

// Stop disables every task and waits for the goroutines to exit.
func (r *Runner) Stop() error {
	if r.stop == nil {
		return nil
	}
	for _, t := range r.tasks {
		t := t
		t.Disable()
	}
	r.stop()
	err := r.eg.Wait()
	r.stop = nil
	r.l.Debug("Poll runner stopped")
	return err
}

// Package sched runs the plane's periodic jobs: fixed-interval loops with
// a shared ready barrier, and cron-expression schedules for announcements.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one periodic task body. Errors are logged at the task boundary
// and never stop the schedule; a single failed server must not stop the
// scheduler.
type Job func(ctx context.Context) error

// Runner owns every periodic job in the process.
type Runner struct {
	ready chan struct{} // closed once the system is wired and warm
	cron  *cron.Cron
	wg    sync.WaitGroup
	log   *zap.Logger
}

func NewRunner(log *zap.Logger) *Runner {
	return &Runner{
		ready: make(chan struct{}),
		cron:  cron.New(),
		log:   log,
	}
}

// Ready releases every job waiting on the pre-start barrier and starts
// the cron schedules.
func (r *Runner) Ready() {
	close(r.ready)
	r.cron.Start()
}

// Every schedules fn at a fixed interval. The first run happens one
// interval after Ready, not immediately.
func (r *Runner) Every(ctx context.Context, name string, interval time.Duration, fn Job) {
	log := r.log.With(zap.String("job", name))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-r.ready:
		case <-ctx.Done():
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					log.Error("periodic job failed", zap.Error(err))
				}
			}
		}
	}()
}

// Cron schedules fn on a cron expression. Returns an error for a bad
// expression so config problems surface at boot.
func (r *Runner) Cron(ctx context.Context, name, expr string, fn Job) error {
	log := r.log.With(zap.String("job", name))
	_, err := r.cron.AddFunc(expr, func() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := fn(ctx); err != nil {
			log.Error("scheduled job failed", zap.Error(err))
		}
	})
	return err
}

// Stop halts cron and waits for interval loops to observe cancellation.
func (r *Runner) Stop() {
	cronCtx := r.cron.Stop()
	<-cronCtx.Done()
	r.wg.Wait()
}

// Package queue drains the durable jobs table. Jobs survive restarts;
// a weighted semaphore bounds how many run at once so a burst of
// payments cannot open unbounded SSH sessions.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/simpleclaw/fleet/internal/model"
	"github.com/simpleclaw/fleet/internal/scanloop"
	"github.com/simpleclaw/fleet/internal/state"
)

// jobTimeout bounds one job execution; a full cold provision fits well
// inside it.
const jobTimeout = 30 * time.Minute

// Handler executes one job kind.
type Handler func(ctx context.Context, job *model.Job) error

// Dispatcher polls for pending jobs and fans them out to handlers.
type Dispatcher struct {
	Store *state.Store

	handlers map[string]Handler
	sem      *semaphore.Weighted
	parallel int

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher builds a dispatcher running at most parallel jobs.
func NewDispatcher(store *state.Store, parallel int) *Dispatcher {
	if parallel <= 0 {
		parallel = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		Store:    store,
		handlers: map[string]Handler{},
		sem:      semaphore.NewWeighted(int64(parallel)),
		parallel: parallel,
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to a job kind. Must be called before Start.
func (d *Dispatcher) Register(kind string, h Handler) {
	d.handlers[kind] = h
}

// Start requeues work orphaned by a previous process and begins polling.
func (d *Dispatcher) Start() error {
	n, err := d.Store.RequeueRunningJobs()
	if err != nil {
		return fmt.Errorf("requeue orphaned jobs: %w", err)
	}
	if n > 0 {
		log.Printf("[queue] requeued %d orphaned jobs", n)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		scanloop.Run(d.stopCh, scanloop.DefaultMinInterval, scanloop.DefaultJitterRange, d.tick)
	}()
	log.Printf("[queue] dispatcher started, parallelism %d", d.parallel)
	return nil
}

// Stop halts polling and waits for in-flight jobs. A tick blocked on a
// saturated semaphore is interrupted; its job stays marked running and
// the next Start requeues it.
func (d *Dispatcher) Stop() {
	d.cancel()
	close(d.stopCh)
	d.wg.Wait()
}

// tick takes one batch of pending jobs and launches them. Batch size
// matches the parallelism; anything beyond it waits for the next tick.
func (d *Dispatcher) tick() {
	jobs, err := d.Store.TakePendingJobs(d.parallel)
	if err != nil {
		log.Printf("[queue] take pending: %v", err)
		return
	}
	for _, job := range jobs {
		d.launch(job)
	}
}

func (d *Dispatcher) launch(job *model.Job) {
	h, ok := d.handlers[job.Kind]
	if !ok {
		log.Printf("[queue] job %s: no handler for kind %q", job.ID, job.Kind)
		if err := d.Store.MarkJobError(job.ID, "no handler for kind "+job.Kind); err != nil {
			log.Printf("[queue] job %s: %v", job.ID, err)
		}
		return
	}
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		d.runJob(job, h)
	}()
}

func (d *Dispatcher) runJob(job *model.Job, h Handler) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	err := h(ctx, job)
	if err != nil {
		log.Printf("[queue] job %s (%s) failed after %s: %v", job.ID, job.Kind, time.Since(start).Round(time.Millisecond), err)
		if merr := d.Store.MarkJobError(job.ID, err.Error()); merr != nil {
			log.Printf("[queue] job %s: %v", job.ID, merr)
		}
		return
	}
	log.Printf("[queue] job %s (%s) done in %s", job.ID, job.Kind, time.Since(start).Round(time.Millisecond))
	if err := d.Store.MarkJobDone(job.ID); err != nil {
		log.Printf("[queue] job %s: %v", job.ID, err)
	}
}

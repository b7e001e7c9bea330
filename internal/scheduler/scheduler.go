// Package scheduler is the in-process FIFO build queue. One worker
// goroutine drains the queue sequentially; enqueueing is idempotent per
// build and never blocks on a running build.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/thesara-space/appbuild/internal/buildstore"
	"github.com/thesara-space/appbuild/internal/events"
	"github.com/thesara-space/appbuild/internal/pipeline"
	"github.com/thesara-space/appbuild/pkg/schema"
)

// ErrClosed is returned by Enqueue after Shutdown.
var ErrClosed = errors.New("scheduler closed")

// Runner executes one build. Satisfied by pipeline.Runner.
type Runner interface {
	Run(ctx context.Context, job schema.BuildJob, opts pipeline.Options) schema.FinalStatus
}

type job struct {
	bj     schema.BuildJob
	ctx    context.Context
	cancel context.CancelFunc
}

// Scheduler owns the queue and the active-job table.
type Scheduler struct {
	runner   Runner
	store    *buildstore.Store
	notifier *events.Notifier
	opts     pipeline.Options
	log      *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	queue   []*job
	running bool
	closed  bool
	wg      sync.WaitGroup
}

func New(runner Runner, store *buildstore.Store, notifier *events.Notifier, opts pipeline.Options, log *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		store:    store,
		notifier: notifier,
		opts:     opts,
		log:      log,
		jobs:     make(map[string]*job),
	}
}

// Enqueue ensures a record exists for the build and appends it to the
// queue. A build that is already queued or running is left alone.
func (s *Scheduler) Enqueue(ctx context.Context, bj schema.BuildJob) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.jobs[bj.BuildID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if _, err := s.store.Init(ctx, bj.BuildID, bj.ListingID, bj.ContentID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.jobs[bj.BuildID]; ok {
		s.mu.Unlock()
		return nil
	}
	jctx, cancel := context.WithCancel(context.Background())
	j := &job{bj: bj, ctx: jctx, cancel: cancel}
	s.jobs[bj.BuildID] = j
	s.queue = append(s.queue, j)
	kick := !s.running
	if kick {
		s.running = true
		s.wg.Add(1)
	}
	s.mu.Unlock()

	s.log.Info("build enqueued", "id", bj.BuildID)
	if kick {
		go s.process()
	}
	return nil
}

func (s *Scheduler) process() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.closed {
			s.running = false
			s.mu.Unlock()
			return
		}
		j := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		status := s.runner.Run(j.ctx, j.bj, s.opts)
		j.cancel()
		s.log.Info("build drained", "id", j.bj.BuildID, "status", status)

		s.mu.Lock()
		delete(s.jobs, j.bj.BuildID)
		s.mu.Unlock()
	}
}

// Cancel requests cooperative cancellation of a queued or running
// build. Unknown builds are ignored.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	j := s.jobs[id]
	s.mu.Unlock()
	if j != nil {
		j.cancel()
	}
}

// IsActive reports whether the build is queued or running.
func (s *Scheduler) IsActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// Subscribe registers for the build's state events while it is active.
// For finished or unknown builds it returns a closed channel and a
// no-op unsubscribe, so callers can always range and defer; the record
// holds the terminal answer.
func (s *Scheduler) Subscribe(id string, bufSize int) (<-chan events.Event, func()) {
	if !s.IsActive(id) {
		ch := make(chan events.Event)
		close(ch)
		return ch, func() {}
	}
	return s.notifier.Subscribe(id, bufSize)
}

// ResumePending re-enqueues every non-terminal build in the store. Run
// at startup so builds interrupted by a crash pick up from their
// persisted stage.
func (s *Scheduler) ResumePending(ctx context.Context) error {
	cursor := ""
	for {
		recs, next, err := s.store.List(ctx, cursor, 100)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if schema.IsTerminal(rec.State) {
				continue
			}
			err := s.Enqueue(ctx, schema.BuildJob{
				BuildID:    rec.ID,
				ListingID:  rec.ListingID,
				ContentID:  rec.ContentID,
				HappenedAt: time.Now().UnixMilli(),
			})
			if err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

// Shutdown stops accepting work, cancels everything in flight and waits
// for the worker loop to drain, bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, j := range s.jobs {
		j.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

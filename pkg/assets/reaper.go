package assets

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultWorkers       = 2
	DefaultQueueSize     = 256
	DefaultDeleteTimeout = 30 * time.Second
)

type ReaperOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Reaper deletes assets in the background. Cleanup is best effort: a full queue drops jobs and failed deletions are
// logged but never retried.
type Reaper struct {
	gateway Gateway
	jobs    chan job
	timeout time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type job struct {
	url  string
	room string
}

func NewReaper(gateway Gateway, opts ReaperOptions) *Reaper {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDeleteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reaper{
		gateway: gateway,
		jobs:    make(chan job, opts.QueueSize),
		timeout: opts.Timeout,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	return r
}

// Enqueue schedules the deletion of url and never blocks.
func (r *Reaper) Enqueue(roomID, url string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.jobs <- job{url: url, room: roomID}:
		return true
	default:
		deletionsDropped.Inc()
		r.logger.Warn("asset cleanup queue full, dropping deletion", "room", roomID, "url", url)
		return false
	}
}

func (r *Reaper) work() {
	defer r.wg.Done()
	for j := range r.jobs {
		r.delete(j)
	}
}

func (r *Reaper) delete(j job) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	start := time.Now()
	err := r.gateway.Delete(ctx, j.url)
	deletionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		deletionsTotal.WithLabelValues("error").Inc()
		r.logger.Error("failed to delete asset", "room", j.room, "url", j.url, "err", err)
		return
	}
	deletionsTotal.WithLabelValues("ok").Inc()
	r.logger.Info("deleted asset", "room", j.room, "url", j.url)
}

// Close stops accepting jobs and waits for the queued ones until ctx is done, after which in-flight deletions are
// cancelled.
func (r *Reaper) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

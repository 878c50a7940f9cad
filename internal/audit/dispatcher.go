package audit

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pkglogger "github.com/BradenHooton/perimeter/pkg/logger"
)

// Handler processes one dispatched item.
type Handler[T any] func(ctx context.Context, item T) error

// DispatcherConfig sizes a Dispatcher.
type DispatcherConfig struct {
	Name       string
	Shards     int
	QueueSize  int // per shard
	RetryDelay time.Duration
}

// Dispatcher fans items out to a fixed set of workers. Items with the same
// key always land on the same shard and are handled in enqueue order. When a
// shard is full the oldest queued item is dropped to make room.
type Dispatcher[T any] struct {
	name       string
	shards     []chan T
	handle     Handler[T]
	retryDelay time.Duration
	logger     *slog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher[T any](cfg DispatcherConfig, handle Handler[T], logger *slog.Logger) *Dispatcher[T] {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}

	shards := make([]chan T, cfg.Shards)
	for i := range shards {
		shards[i] = make(chan T, cfg.QueueSize)
	}

	return &Dispatcher[T]{
		name:       cfg.Name,
		shards:     shards,
		handle:     handle,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

// Start launches one worker per shard. Workers exit after Stop once their
// queue is drained.
func (d *Dispatcher[T]) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	for _, ch := range d.shards {
		d.wg.Add(1)
		go d.work(ctx, ch)
	}
	d.logger.Info("dispatcher started", slog.String("dispatcher", d.name), slog.Int("shards", len(d.shards)))
}

// Enqueue queues item on the shard owning key. It never blocks and returns
// false only once the dispatcher is stopped.
func (d *Dispatcher[T]) Enqueue(key string, item T) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	ch := d.shards[d.shardFor(key)]
	for attempt := 0; attempt < 3; attempt++ {
		select {
		case ch <- item:
			return true
		default:
		}
		select {
		case <-ch:
			d.dropped.Add(1)
			d.logger.Warn("dispatcher queue full, dropped oldest item", slog.String("dispatcher", d.name))
		default:
		}
	}

	d.dropped.Add(1)
	d.logger.Warn("dispatcher queue contended, dropped item", slog.String("dispatcher", d.name))
	return true
}

func (d *Dispatcher[T]) shardFor(key string) int {
	if len(d.shards) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher[T]) work(ctx context.Context, ch <-chan T) {
	defer d.wg.Done()
	for item := range ch {
		d.process(ctx, item)
	}
}

func (d *Dispatcher[T]) process(ctx context.Context, item T) {
	err := d.handle(ctx, item)
	if err == nil {
		return
	}

	timer := time.NewTimer(d.retryDelay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	if err = d.handle(ctx, item); err == nil {
		return
	}

	d.failed.Add(1)
	pkglogger.Critical(ctx, d.logger, "dispatched item dropped after retry",
		slog.String("dispatcher", d.name),
		slog.Any("error", err),
	)
}

// Stop rejects further items and waits for queued ones to be handled.
func (d *Dispatcher[T]) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("dispatcher stopped",
		slog.String("dispatcher", d.name),
		slog.Int64("dropped", d.dropped.Load()),
		slog.Int64("failed", d.failed.Load()),
	)
}

// Dropped returns how many items were discarded because a queue was full.
func (d *Dispatcher[T]) Dropped() int64 { return d.dropped.Load() }

// Failed returns how many items were discarded after the retry failed.
func (d *Dispatcher[T]) Failed() int64 { return d.failed.Load() }

package batch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Writer accumulates items and flushes them when the batch is full or
// when the interval elapses. Items are dropped with a warning when the
// queue is saturated so producers on the feed path never block.
type Writer[T any] struct {
	name     string
	size     int
	interval time.Duration
	flush    func(ctx context.Context, batch []T) error
	logger   *logrus.Logger

	queue  chan T
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	dropped int64
	written int64
}

// NewWriter creates a writer calling flush with at most size items
func NewWriter[T any](name string, size int, interval time.Duration, flush func(ctx context.Context, batch []T) error, logger *logrus.Logger) *Writer[T] {
	if size <= 0 {
		size = 500
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Writer[T]{
		name:     name,
		size:     size,
		interval: interval,
		flush:    flush,
		logger:   logger,
		queue:    make(chan T, size*20),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the writer loop until Stop
func (w *Writer[T]) Start() {
	w.wg.Add(1)
	go w.run()
}

// Add queues an item, it returns false when the item was dropped
func (w *Writer[T]) Add(item T) bool {
	select {
	case w.queue <- item:
		return true
	default:
		w.mu.Lock()
		w.dropped++
		dropped := w.dropped
		w.mu.Unlock()
		if dropped%1000 == 1 {
			w.logger.Warnf("⚠️  %s batch queue full, %d items dropped so far", w.name, dropped)
		}
		return false
	}
}

func (w *Writer[T]) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]T, 0, w.size)
	for {
		select {
		case <-w.stopCh:
			// drain what was queued before Stop
			for {
				select {
				case item := <-w.queue:
					batch = append(batch, item)
					if len(batch) >= w.size {
						batch = w.write(batch)
					}
				default:
					w.write(batch)
					return
				}
			}

		case item := <-w.queue:
			batch = append(batch, item)
			if len(batch) >= w.size {
				batch = w.write(batch)
			}

		case <-ticker.C:
			batch = w.write(batch)
		}
	}
}

// write flushes batch and returns an empty slice to reuse
func (w *Writer[T]) write(batch []T) []T {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.flush(ctx, batch); err != nil {
		w.logger.WithError(err).WithField("writer", w.name).Errorf("Failed to batch write %d items", len(batch))
	} else {
		w.mu.Lock()
		w.written += int64(len(batch))
		w.mu.Unlock()
		w.logger.Debugf("Flushed batch of %d %s", len(batch), w.name)
	}
	return make([]T, 0, w.size)
}

// Stop flushes the pending items and waits for the loop to exit
func (w *Writer[T]) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

// Stats returns the number of written and dropped items
func (w *Writer[T]) Stats() (written, dropped int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written, w.dropped
}

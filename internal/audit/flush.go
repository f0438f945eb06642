package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	handlerTimeout = 5 * time.Second
	drainTimeout   = 5 * time.Second
)

// Handler receives batches of new entries from the flush loop. A returned
// error keeps the batch queued for the next cycle.
type Handler interface {
	Name() string
	Handle(ctx context.Context, entries []*Entry) error
}

type handlerQueue struct {
	h       Handler
	pending []*Entry
	dropped int

	// inflight serializes deliveries so a batch is never handed out twice.
	inflight sync.Mutex
}

type flusher struct {
	interval time.Duration
	limit    int
	logger   *zap.Logger

	mu     sync.Mutex
	queues []*handlerQueue

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// AddHandler registers h. Only entries logged after registration are
// delivered to it.
func (s *Store) AddHandler(h Handler) {
	s.flush.mu.Lock()
	defer s.flush.mu.Unlock()
	s.flush.queues = append(s.flush.queues, &handlerQueue{h: h})
}

// Start launches the background flush loop.
func (s *Store) Start() {
	f := &s.flush
	f.startOnce.Do(func() {
		f.done = make(chan struct{})
		f.stopped = make(chan struct{})
		go f.loop()
	})
}

// Flush delivers every queued entry once, synchronously.
func (s *Store) Flush(ctx context.Context) {
	s.flush.flushAll(ctx)
}

// Close stops the flush loop and makes a final delivery attempt.
func (s *Store) Close() {
	f := &s.flush
	f.closeOnce.Do(func() {
		if f.done == nil {
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			f.flushAll(ctx)
			return
		}
		close(f.done)
		<-f.stopped
	})
}

// Pending returns how many entries are waiting for each handler.
func (s *Store) Pending() map[string]int {
	s.flush.mu.Lock()
	defer s.flush.mu.Unlock()
	out := make(map[string]int, len(s.flush.queues))
	for _, q := range s.flush.queues {
		out[q.h.Name()] = len(q.pending)
	}
	return out
}

func (f *flusher) enqueue(e *Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.queues {
		q.pending = append(q.pending, e)
		if over := len(q.pending) - f.limit; over > 0 {
			q.pending = q.pending[over:]
			q.dropped += over
			f.logger.Warn("audit handler queue full, dropping oldest entries",
				zap.String("handler", q.h.Name()),
				zap.Int("dropped", over),
			)
		}
	}
}

func (f *flusher) loop() {
	defer close(f.stopped)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.flushAll(context.Background())
		case <-f.done:
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			f.flushAll(ctx)
			cancel()
			return
		}
	}
}

func (f *flusher) flushAll(ctx context.Context) {
	f.mu.Lock()
	queues := append([]*handlerQueue(nil), f.queues...)
	f.mu.Unlock()

	for _, q := range queues {
		f.flushOne(ctx, q)
	}
}

func (f *flusher) flushOne(ctx context.Context, q *handlerQueue) {
	q.inflight.Lock()
	defer q.inflight.Unlock()

	f.mu.Lock()
	batch := append([]*Entry(nil), q.pending...)
	f.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	err := q.h.Handle(hctx, batch)
	cancel()
	if err != nil {
		level := f.logger.Warn
		if errors.Is(err, context.Canceled) {
			level = f.logger.Debug
		}
		level("audit handler failed, will retry next cycle",
			zap.String("handler", q.h.Name()),
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
		return
	}

	// Entries may have been appended or dropped while the handler ran, so
	// remove by sequence rather than by position.
	last := batch[len(batch)-1].Sequence
	f.mu.Lock()
	i := 0
	for i < len(q.pending) && q.pending[i].Sequence <= last {
		i++
	}
	q.pending = q.pending[i:]
	f.mu.Unlock()
}

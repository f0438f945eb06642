package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	name string

	mu    sync.Mutex
	got   []*Entry
	fails int
	calls int
	block chan struct{}
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Handle(ctx context.Context, entries []*Entry) error {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.fails > 0 {
		h.fails--
		return errors.New("sink unavailable")
	}
	h.got = append(h.got, entries...)
	return nil
}

func (h *recordingHandler) received() []*Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Entry(nil), h.got...)
}

func TestFlush_DeliversToEveryHandler(t *testing.T) {
	s := newStore(t, Config{})
	a := &recordingHandler{name: "a"}
	b := &recordingHandler{name: "b"}
	s.AddHandler(a)
	s.AddHandler(b)

	logN(t, s, 3)
	s.Flush(context.Background())

	if len(a.received()) != 3 || len(b.received()) != 3 {
		t.Fatalf("expected 3 entries each, got %d and %d", len(a.received()), len(b.received()))
	}
	if p := s.Pending(); p["a"] != 0 || p["b"] != 0 {
		t.Fatalf("queues should be empty, got %v", p)
	}
}

func TestFlush_RetriesFailedBatch(t *testing.T) {
	s := newStore(t, Config{})
	h := &recordingHandler{name: "flaky", fails: 1}
	s.AddHandler(h)

	logN(t, s, 2)
	s.Flush(context.Background())
	if len(h.received()) != 0 || s.Pending()["flaky"] != 2 {
		t.Fatalf("failed batch should stay queued, pending=%v", s.Pending())
	}

	logN(t, s, 1)
	s.Flush(context.Background())
	got := h.received()
	if len(got) != 3 || got[0].Sequence != 1 || got[2].Sequence != 3 {
		t.Fatalf("expected all 3 entries in order after retry, got %d", len(got))
	}
}

func TestFlush_QueueIsBounded(t *testing.T) {
	s := newStore(t, Config{QueueLimit: 2})
	h := &recordingHandler{name: "slow"}
	s.AddHandler(h)

	logN(t, s, 5)
	if p := s.Pending()["slow"]; p != 2 {
		t.Fatalf("expected queue capped at 2, got %d", p)
	}
	s.Flush(context.Background())
	got := h.received()
	if len(got) != 2 || got[0].Sequence != 4 {
		t.Fatalf("expected the newest 2 entries, got %d", len(got))
	}
}

func TestLog_DoesNotBlockOnHandler(t *testing.T) {
	s := newStore(t, Config{FlushInterval: time.Millisecond})
	h := &recordingHandler{name: "stuck", block: make(chan struct{})}
	s.AddHandler(h)
	s.Start()

	logN(t, s, 1)
	time.Sleep(10 * time.Millisecond) // let the loop pick up the first batch and block

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			_, _ = s.Log(EventToolExecuted, "a", OutcomeSuccess, nil, Options{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked behind a stuck handler")
	}

	close(h.block)
	s.Close()
	if got := len(h.received()); got != 21 {
		t.Fatalf("expected all 21 entries delivered after drain, got %d", got)
	}
}

func TestClose_WithoutStartDrains(t *testing.T) {
	s := newStore(t, Config{})
	h := &recordingHandler{name: "h"}
	s.AddHandler(h)
	logN(t, s, 2)
	s.Close()
	if len(h.received()) != 2 {
		t.Fatalf("expected drain on close, got %d", len(h.received()))
	}
}

type slowHandler struct {
	recordingHandler
	delay time.Duration
}

func (h *slowHandler) Handle(ctx context.Context, entries []*Entry) error {
	time.Sleep(h.delay)
	return h.recordingHandler.Handle(ctx, entries)
}

func TestFlush_ManualAndLoopNeverDeliverTwice(t *testing.T) {
	s := newStore(t, Config{FlushInterval: time.Millisecond})
	h := &slowHandler{recordingHandler: recordingHandler{name: "slow"}, delay: 2 * time.Millisecond}
	s.AddHandler(h)
	s.Start()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if _, err := s.Log(EventToolExecuted, "a", OutcomeSuccess, nil, Options{}); err != nil {
					t.Errorf("Log: %v", err)
				}
				s.Flush(context.Background())
			}
		}()
	}
	wg.Wait()
	s.Close()

	seen := map[uint64]bool{}
	for _, e := range h.received() {
		if seen[e.Sequence] {
			t.Fatalf("sequence %d delivered twice", e.Sequence)
		}
		seen[e.Sequence] = true
	}
	if len(seen) != 40 {
		t.Fatalf("expected 40 distinct entries, got %d", len(seen))
	}
}

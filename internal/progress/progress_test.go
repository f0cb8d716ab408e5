package progress

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeWriter struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (w *fakeWriter) Write(_ context.Context, snap Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snaps = append(w.snaps, snap)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.snaps)
}

func (w *fakeWriter) last() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snaps[len(w.snaps)-1]
}

func newTestPublisher(writer *fakeWriter, interval time.Duration, ring int) *Publisher {
	return &Publisher{store: writer, interval: interval, ringSize: ring, log: slog.Default()}
}

func TestRingBufferDropsOldest(t *testing.T) {
	p := newTestPublisher(&fakeWriter{}, time.Hour, 3)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		p.Emit(Event{DocID: id, StageID: "E", TS: time.Unix(int64(i), 0)})
	}

	p.mu.Lock()
	logs := append([]Event(nil), p.snap.Logs...)
	p.mu.Unlock()

	if len(logs) != 3 {
		t.Fatalf("ring holds %d events, want 3", len(logs))
	}
	for i, want := range []string{"c", "d", "e"} {
		if logs[i].DocID != want {
			t.Fatalf("ring[%d] = %s, want %s (oldest must drop first)", i, logs[i].DocID, want)
		}
	}
}

func TestFlushCoalesces(t *testing.T) {
	writer := &fakeWriter{}
	p := newTestPublisher(writer, 10*time.Millisecond, 8)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	// A burst of events far denser than the write interval.
	for i := 0; i < 500; i++ {
		p.Emit(Event{DocID: "d1", StageID: "E", TS: time.Now()})
	}
	time.Sleep(60 * time.Millisecond)
	cancel()
	time.Sleep(30 * time.Millisecond)

	writes := writer.count()
	if writes == 0 {
		t.Fatal("no snapshot written")
	}
	// 500 events over ~60ms at a 10ms interval coalesce to a handful of
	// writes, never one per event.
	if writes > 10 {
		t.Fatalf("%d writes for 500 events; coalescing is not working", writes)
	}
}

func TestFlushSkipsWhenClean(t *testing.T) {
	writer := &fakeWriter{}
	p := newTestPublisher(writer, 5*time.Millisecond, 8)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	p.Update(func(s *Snapshot) { s.SuccessCount = 1 })
	time.Sleep(40 * time.Millisecond)
	afterDirty := writer.count()
	time.Sleep(40 * time.Millisecond)
	afterIdle := writer.count()
	cancel()

	if afterDirty == 0 {
		t.Fatal("dirty snapshot never flushed")
	}
	if afterIdle != afterDirty {
		t.Fatalf("publisher wrote %d more snapshots while idle", afterIdle-afterDirty)
	}
}

func TestFinalFlushOnCancel(t *testing.T) {
	writer := &fakeWriter{}
	p := newTestPublisher(writer, time.Hour, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Update(func(s *Snapshot) { s.SuccessCount = 7; s.IsProcessing = false })
	cancel()
	<-done

	if writer.count() == 0 {
		t.Fatal("terminal snapshot not flushed on shutdown")
	}
	if got := writer.last().SuccessCount; got != 7 {
		t.Fatalf("terminal snapshot SuccessCount = %d, want 7", got)
	}
}

func TestUpdateCounters(t *testing.T) {
	p := newTestPublisher(&fakeWriter{}, time.Hour, 8)
	p.Update(func(s *Snapshot) {
		s.TotalCount = 10
		s.CurrentIndex = 3
		s.ErrorCount = 1
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap.TotalCount != 10 || p.snap.CurrentIndex != 3 || p.snap.ErrorCount != 1 {
		t.Fatalf("snapshot = %+v", p.snap)
	}
}

package lease

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pixell07/multi-tenant-ai/internal/document"
)

type fakeSweeper struct {
	expired  []*Lease
	released []string
}

func (f *fakeSweeper) Expired(context.Context, time.Time) ([]*Lease, error) {
	return f.expired, nil
}

func (f *fakeSweeper) ForceRelease(_ context.Context, docID string) error {
	f.released = append(f.released, docID)
	return nil
}

type fakeDocs struct {
	docs     map[string]*document.Document
	statuses map[string]document.Status
}

func (f *fakeDocs) Get(_ context.Context, id string) (*document.Document, error) {
	return f.docs[id], nil
}

func (f *fakeDocs) ForceSetStatus(_ context.Context, docID string, next document.Status) error {
	f.statuses[docID] = next
	return nil
}

type fakeFailer struct {
	failed []string
}

func (f *fakeFailer) FailStaleRunning(_ context.Context, docID string) error {
	f.failed = append(f.failed, docID)
	return nil
}

func TestJanitorSweepsExpiredLeases(t *testing.T) {
	// Scenario 5: a dead worker leaves D3 processing with an expired
	// lease; the sweep force-releases, resets the document, and fails
	// the stale running execution.
	sweeper := &fakeSweeper{expired: []*Lease{
		{DocID: "d3", WorkerID: "w-dead", ExpiresAt: time.Now().Add(-time.Minute)},
	}}
	docs := &fakeDocs{
		docs: map[string]*document.Document{
			"d3": {ID: "d3", ProcessingStatus: document.StatusProcessing},
		},
		statuses: map[string]document.Status{},
	}
	failer := &fakeFailer{}
	j := &Janitor{leases: sweeper, docs: docs, execs: failer, ttl: time.Minute, log: slog.Default()}

	j.sweepOnce(context.Background())

	if len(sweeper.released) != 1 || sweeper.released[0] != "d3" {
		t.Fatalf("released = %v", sweeper.released)
	}
	if docs.statuses["d3"] != document.StatusPending {
		t.Fatalf("document status = %v, want pending", docs.statuses["d3"])
	}
	if len(failer.failed) != 1 || failer.failed[0] != "d3" {
		t.Fatalf("stale executions failed = %v", failer.failed)
	}
}

func TestJanitorLeavesNonProcessingDocsAlone(t *testing.T) {
	sweeper := &fakeSweeper{expired: []*Lease{
		{DocID: "d1", WorkerID: "w1", ExpiresAt: time.Now().Add(-time.Minute)},
	}}
	docs := &fakeDocs{
		docs: map[string]*document.Document{
			"d1": {ID: "d1", ProcessingStatus: document.StatusCompleted},
		},
		statuses: map[string]document.Status{},
	}
	j := &Janitor{leases: sweeper, docs: docs, execs: &fakeFailer{}, ttl: time.Minute, log: slog.Default()}

	j.sweepOnce(context.Background())

	if len(sweeper.released) != 1 {
		t.Fatalf("expired lease not released, released = %v", sweeper.released)
	}
	if _, touched := docs.statuses["d1"]; touched {
		t.Fatal("completed document must not be reset by the janitor")
	}
}

func TestJanitorNoExpiredLeases(t *testing.T) {
	sweeper := &fakeSweeper{}
	docs := &fakeDocs{docs: map[string]*document.Document{}, statuses: map[string]document.Status{}}
	j := &Janitor{leases: sweeper, docs: docs, execs: &fakeFailer{}, ttl: time.Minute, log: slog.Default()}

	j.sweepOnce(context.Background())

	if len(sweeper.released) != 0 {
		t.Fatalf("released = %v, want none", sweeper.released)
	}
}

type fakeRenewer struct {
	mu      sync.Mutex
	renewed int
}

func (f *fakeRenewer) Renew(context.Context, string, string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewed++
	return nil
}

func (f *fakeRenewer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewed
}

func TestHeartbeatRenewsUntilCanceled(t *testing.T) {
	renewer := &fakeRenewer{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Heartbeat(ctx, renewer, "d1", "w1", 30*time.Millisecond, 1.0/3.0, slog.Default())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for renewer.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if renewer.count() < 3 {
		t.Fatalf("renewals = %d, want at least 3 over several intervals", renewer.count())
	}
}

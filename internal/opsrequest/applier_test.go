package opsrequest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pixell07/multi-tenant-ai/internal/document"
)

// In-memory fakes for the Applier's narrow dependencies.

type fakeRequests struct {
	queued  []*OpsRequest
	applied []string
	failed  map[string]string
}

func newFakeRequests(reqs ...*OpsRequest) *fakeRequests {
	return &fakeRequests{queued: reqs, failed: map[string]string{}}
}

func (f *fakeRequests) FetchQueued(context.Context) ([]*OpsRequest, error) {
	var out []*OpsRequest
	for _, r := range f.queued {
		if r.Status == StatusQueued {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRequests) MarkApplied(_ context.Context, id string) error {
	for _, r := range f.queued {
		if r.ID == id && r.Status == StatusQueued {
			r.Status = StatusApplied
			now := time.Now()
			r.AppliedAt = &now
			f.applied = append(f.applied, id)
		}
	}
	return nil
}

func (f *fakeRequests) MarkFailed(_ context.Context, id, reason string) error {
	for _, r := range f.queued {
		if r.ID == id && r.Status == StatusQueued {
			r.Status = StatusFailed
			f.failed[id] = reason
		}
	}
	return nil
}

type fakeState struct {
	ws WorkerState
}

func (f *fakeState) Read(context.Context) (*WorkerState, error) {
	ws := f.ws
	return &ws, nil
}

func (f *fakeState) Write(_ context.Context, ws *WorkerState) error {
	f.ws = *ws
	return nil
}

type fakeDocs struct {
	docs     map[string]*document.Document
	statuses map[string]document.Status
	cleared  []string
}

func newFakeDocs(docs ...*document.Document) *fakeDocs {
	f := &fakeDocs{docs: map[string]*document.Document{}, statuses: map[string]document.Status{}}
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return f
}

func (f *fakeDocs) Get(_ context.Context, id string) (*document.Document, error) {
	return f.docs[id], nil
}

func (f *fakeDocs) ForceSetStatus(_ context.Context, docID string, next document.Status) error {
	f.statuses[docID] = next
	if d, ok := f.docs[docID]; ok {
		d.ProcessingStatus = next
	}
	return nil
}

func (f *fakeDocs) ClearStageOutputs(_ context.Context, docID string) error {
	f.cleared = append(f.cleared, docID)
	return nil
}

func (f *fakeDocs) ListProcessingInWorkspace(_ context.Context, ws string) ([]*document.Document, error) {
	var out []*document.Document
	for _, d := range f.docs {
		if d.Workspace == ws && d.ProcessingStatus == document.StatusProcessing {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDocs) ListNonProcessingInWorkspace(_ context.Context, ws string) ([]*document.Document, error) {
	var out []*document.Document
	for _, d := range f.docs {
		if d.Workspace == ws && d.ProcessingStatus != document.StatusProcessing {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeLeases struct {
	released []string
}

func (f *fakeLeases) ForceRelease(_ context.Context, docID string) error {
	f.released = append(f.released, docID)
	return nil
}

type fakeRuns struct {
	recorded []*RunEvidence
}

func (f *fakeRuns) Record(_ context.Context, ev *RunEvidence) error {
	f.recorded = append(f.recorded, ev)
	return nil
}

func newTestApplier(reqs *fakeRequests, state *fakeState, docs *fakeDocs, leases *fakeLeases, runs *fakeRuns) *Applier {
	return &Applier{reqs: reqs, state: state, docs: docs, leases: leases, runs: runs, log: slog.Default()}
}

func req(id string, rt RequestType, st ScopeType, scopeID string) *OpsRequest {
	r := &OpsRequest{ID: id, RequestType: rt, ScopeType: st, Status: StatusQueued, CreatedAt: time.Now()}
	if scopeID != "" {
		r.ScopeID = &scopeID
	}
	return r
}

func TestStopIdempotent(t *testing.T) {
	// Scenario 6: two identical STOPs both apply, with one net effect.
	reqs := newFakeRequests(
		req("r1", Stop, ScopeGlobal, ""),
		req("r2", Stop, ScopeGlobal, ""),
	)
	state := &fakeState{}
	a := newTestApplier(reqs, state, newFakeDocs(), &fakeLeases{}, &fakeRuns{})

	if err := a.ApplyOnce(context.Background()); err != nil {
		t.Fatalf("ApplyOnce() error: %v", err)
	}
	if !state.ws.StopRequested {
		t.Fatal("stop_requested not set")
	}
	if len(reqs.applied) != 2 {
		t.Fatalf("applied %d requests, want 2", len(reqs.applied))
	}
	if len(reqs.failed) != 0 {
		t.Fatalf("unexpected failures: %v", reqs.failed)
	}
}

func TestPauseAndResumeWorkspace(t *testing.T) {
	reqs := newFakeRequests(req("r1", Pause, ScopeWorkspace, "classroom"))
	state := &fakeState{}
	a := newTestApplier(reqs, state, newFakeDocs(), &fakeLeases{}, &fakeRuns{})

	if err := a.ApplyOnce(context.Background()); err != nil {
		t.Fatalf("ApplyOnce() error: %v", err)
	}
	if len(state.ws.PausedWorkspaces) != 1 || state.ws.PausedWorkspaces[0] != "classroom" {
		t.Fatalf("paused workspaces = %v", state.ws.PausedWorkspaces)
	}
	if state.ws.StopRequested {
		t.Fatal("workspace pause must not set the global stop flag")
	}

	reqs.queued = append(reqs.queued, req("r2", Resume, ScopeWorkspace, "classroom"))
	if err := a.ApplyOnce(context.Background()); err != nil {
		t.Fatalf("ApplyOnce() error: %v", err)
	}
	if len(state.ws.PausedWorkspaces) != 0 {
		t.Fatalf("paused workspaces after resume = %v", state.ws.PausedWorkspaces)
	}
}

func TestResumeClearsGlobalStop(t *testing.T) {
	reqs := newFakeRequests(req("r1", Stop, ScopeGlobal, ""), req("r2", Resume, ScopeGlobal, ""))
	state := &fakeState{}
	a := newTestApplier(reqs, state, newFakeDocs(), &fakeLeases{}, &fakeRuns{})

	if err := a.ApplyOnce(context.Background()); err != nil {
		t.Fatalf("ApplyOnce() error: %v", err)
	}
	if state.ws.StopRequested {
		t.Fatal("resume did not clear stop_requested")
	}
}

func TestReleaseLeaseDocumentScope(t *testing.T) {
	docs := newFakeDocs(&document.Document{ID: "d1", Workspace: "w", ProcessingStatus: document.StatusProcessing})
	leases := &fakeLeases{}
	reqs := newFakeRequests(req("r1", ReleaseLease, ScopeDocument, "d1"))
	a := newTestApplier(reqs, &fakeState{}, docs, leases, &fakeRuns{})

	if err := a.ApplyOnce(context.Background()); err != nil {
		t.Fatalf("ApplyOnce() error: %v", err)
	}
	if len(leases.released) != 1 || leases.released[0] != "d1" {
		t.Fatalf("released = %v", leases.released)
	}
	if docs.statuses["d1"] != document.StatusPending {
		t.Fatalf("processing document not reset to pending, status = %v", docs.statuses["d1"])
	}
}

func TestReleaseLeaseWorkspaceScope(t *testing.T) {
	docs := newFakeDocs(
		&document.Document{ID: "d1", Workspace: "w", ProcessingStatus: document.StatusProcessing},
		&document.Document{ID: "d2", Workspace: "w", ProcessingStatus: document.StatusCompleted},
		&document.Document{ID: "d3", Workspace: "other", ProcessingStatus: document.StatusProcessing},
	)
	leases := &fakeLeases{}
	reqs := newFakeRequests(req("r1", ReleaseLease, ScopeWorkspace, "w"))
	a := newTestApplier(reqs, &fakeState{}, docs, leases, &fakeRuns{})

	if err := a.ApplyOnce(context.Background()); err != nil {
		t.Fatalf("ApplyOnce() error: %v", err)
	}
	if len(leases.released) != 1 || leases.released[0] != "d1" {
		t.Fatalf("released = %v, want only the processing doc in workspace w", leases.released)
	}
}

func TestResetWorkspaceBusy(t *testing.T) {
	docs := newFakeDocs(
		&document.Document{ID: "d1", Workspace: "w", ProcessingStatus: document.StatusProcessing},
		&document.Document{ID: "d2", Workspace: "w", ProcessingStatus: document.StatusFailed},
	)
	reqs := newFakeRequests(req("r1", ResetWorkspace, ScopeWorkspace, "w"))
	a := newTestApplier(reqs, &fakeState{}, docs, &fakeLeases{}, &fakeRuns{})

	if err := a.ApplyOnce(context.Background()); err != nil {
		t.Fatalf("ApplyOnce() error: %v", err)
	}
	reason, failed := reqs.failed["r1"]
	if !failed {
		t.Fatal("RESET_WORKSPACE on a busy workspace must fail")
	}
	if !strings.Contains(reason, codeWorkspaceBusy) {
		t.Fatalf("failure reason = %q, want %s", reason, codeWorkspaceBusy)
	}
	if docs.statuses["d2"] != "" {
		t.Fatal("no document may be reset when the workspace is busy")
	}
}

func TestResetWorkspaceResetsNonProcessing(t *testing.T) {
	docs := newFakeDocs(
		&document.Document{ID: "d1", Workspace: "w", ProcessingStatus: document.StatusFailed},
		&document.Document{ID: "d2", Workspace: "w", ProcessingStatus: document.StatusCompleted},
	)
	reqs := newFakeRequests(req("r1", ResetWorkspace, ScopeWorkspace, "w"))
	a := newTestApplier(reqs, &fakeState{}, docs, &fakeLeases{}, &fakeRuns{})

	if err := a.ApplyOnce(context.Background()); err != nil {
		t.Fatalf("ApplyOnce() error: %v", err)
	}
	if docs.statuses["d1"] != document.StatusPending || docs.statuses["d2"] != document.StatusPending {
		t.Fatalf("statuses = %v, want both pending", docs.statuses)
	}
}

func TestResetDocRequiresScope(t *testing.T) {
	reqs := newFakeRequests(req("r1", ResetDoc, ScopeDocument, ""))
	a := newTestApplier(reqs, &fakeState{}, newFakeDocs(), &fakeLeases{}, &fakeRuns{})

	if err := a.ApplyOnce(context.Background()); err != nil {
		t.Fatalf("ApplyOnce() error: %v", err)
	}
	if _, failed := reqs.failed["r1"]; !failed {
		t.Fatal("RESET_DOC without scope_id must fail the request")
	}
}

func TestClearStages(t *testing.T) {
	docs := newFakeDocs(&document.Document{ID: "d1"})
	reqs := newFakeRequests(req("r1", ClearStages, ScopeDocument, "d1"))
	a := newTestApplier(reqs, &fakeState{}, docs, &fakeLeases{}, &fakeRuns{})

	if err := a.ApplyOnce(context.Background()); err != nil {
		t.Fatalf("ApplyOnce() error: %v", err)
	}
	if len(docs.cleared) != 1 || docs.cleared[0] != "d1" {
		t.Fatalf("cleared = %v", docs.cleared)
	}
}

func TestRunRecordsEvidenceOnly(t *testing.T) {
	payload := json.RawMessage(`{"max_items": 5}`)
	r := req("r1", Run, ScopeGlobal, "")
	r.Payload = payload
	reqs := newFakeRequests(r)
	state := &fakeState{}
	runs := &fakeRuns{}
	a := newTestApplier(reqs, state, newFakeDocs(), &fakeLeases{}, runs)

	if err := a.ApplyOnce(context.Background()); err != nil {
		t.Fatalf("ApplyOnce() error: %v", err)
	}
	if len(runs.recorded) != 1 {
		t.Fatalf("evidence rows = %d, want 1", len(runs.recorded))
	}
	if runs.recorded[0].RequestID == nil || *runs.recorded[0].RequestID != "r1" {
		t.Fatal("evidence not linked to the RUN request")
	}
	if state.ws.StopRequested || len(state.ws.PausedWorkspaces) != 0 {
		t.Fatal("RUN must not change worker state")
	}
	if len(reqs.applied) != 1 {
		t.Fatal("RUN request not marked applied")
	}
}

func TestUnknownRequestTypeFails(t *testing.T) {
	reqs := newFakeRequests(req("r1", RequestType("DESTROY"), ScopeGlobal, ""))
	a := newTestApplier(reqs, &fakeState{}, newFakeDocs(), &fakeLeases{}, &fakeRuns{})

	if err := a.ApplyOnce(context.Background()); err != nil {
		t.Fatalf("ApplyOnce() error: %v", err)
	}
	if _, failed := reqs.failed["r1"]; !failed {
		t.Fatal("unknown request type must fail, not apply")
	}
}

func TestRequestsAppliedInOrder(t *testing.T) {
	// STOP then RESUME, applied oldest-first, must leave the gate open.
	reqs := newFakeRequests(
		req("r1", Stop, ScopeGlobal, ""),
		req("r2", Resume, ScopeGlobal, ""),
	)
	state := &fakeState{}
	a := newTestApplier(reqs, state, newFakeDocs(), &fakeLeases{}, &fakeRuns{})

	if err := a.ApplyOnce(context.Background()); err != nil {
		t.Fatalf("ApplyOnce() error: %v", err)
	}
	if state.ws.StopRequested {
		t.Fatal("out-of-order application: RESUME must win as the newer request")
	}
	if len(reqs.applied) != 2 {
		t.Fatalf("applied = %v", reqs.applied)
	}
}

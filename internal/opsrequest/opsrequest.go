// Package opsrequest is the operator control plane (spec.md §3, §4.7
// C7): OpsRequest is the SSOT for operator intent (STOP/PAUSE/RESUME/
// RELEASE_LEASE/RESET_DOC/RESET_WORKSPACE/CLEAR_STAGES/RUN); WorkerState
// is the derived, Applier-only-writable cache workers read for gating.
// Workers never write either table — "distributed-guard-free" per §4.7.
//
// Grounded on document.Repository's dbtx-backed shape for the entity
// repositories, and on other_examples' outbox worker for the Applier's
// ticker-driven single-threaded projector loop.
package opsrequest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixell07/multi-tenant-ai/internal/apperror"
	"github.com/pixell07/multi-tenant-ai/internal/document"
	"github.com/pixell07/multi-tenant-ai/internal/lease"
)

type RequestType string

const (
	Stop           RequestType = "STOP"
	Pause          RequestType = "PAUSE"
	Resume         RequestType = "RESUME"
	ReleaseLease   RequestType = "RELEASE_LEASE"
	ResetDoc       RequestType = "RESET_DOC"
	ResetWorkspace RequestType = "RESET_WORKSPACE"
	ClearStages    RequestType = "CLEAR_STAGES"
	Run            RequestType = "RUN"
)

type ScopeType string

const (
	ScopeGlobal    ScopeType = "global"
	ScopeWorkspace ScopeType = "workspace"
	ScopeDocument  ScopeType = "document"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusApplied Status = "applied"
	StatusFailed  Status = "failed"
)

// OpsRequest is one operator intent (spec.md §3).
type OpsRequest struct {
	ID          string          `json:"request_id"`
	RequestType RequestType     `json:"request_type"`
	ScopeType   ScopeType       `json:"scope_type"`
	ScopeID     *string         `json:"scope_id,omitempty"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RequestedBy string          `json:"requested_by"`
	CreatedAt   time.Time       `json:"created_at"`
	AppliedAt   *time.Time      `json:"applied_at,omitempty"`
}

const codeWorkspaceBusy = "WorkspaceBusy"

// Repository persists ops requests. Status transitions are
// queued->applied or queued->failed only, enforced here in addition to
// the database trigger described in spec.md §6.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Enqueue inserts a new request in status=queued.
func (r *Repository) Enqueue(ctx context.Context, req *OpsRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.CreatedAt = time.Now()
	req.Status = StatusQueued
	_, err := r.db.Exec(ctx,
		`INSERT INTO ops_requests (request_id, request_type, scope_type, scope_id, status, payload, requested_by, created_at, applied_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		req.ID, req.RequestType, req.ScopeType, req.ScopeID, req.Status, req.Payload, req.RequestedBy, req.CreatedAt, req.AppliedAt,
	)
	return err
}

// FetchQueued returns queued requests oldest-first — the Applier's
// required processing order (§4.7, §5: "applied in created_at order").
func (r *Repository) FetchQueued(ctx context.Context) ([]*OpsRequest, error) {
	rows, err := r.db.Query(ctx,
		`SELECT request_id, request_type, scope_type, scope_id, status, payload, requested_by, created_at, applied_at
		 FROM ops_requests WHERE status='queued' ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*OpsRequest
	for rows.Next() {
		o := &OpsRequest{}
		if err := rows.Scan(&o.ID, &o.RequestType, &o.ScopeType, &o.ScopeID, &o.Status, &o.Payload, &o.RequestedBy, &o.CreatedAt, &o.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkApplied sets status=applied and applied_at=now (queued->applied
// only; never applied->queued per spec.md §8 "Ops-request monotonicity").
func (r *Repository) MarkApplied(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE ops_requests SET status='applied', applied_at=$1 WHERE request_id=$2 AND status='queued'`,
		time.Now(), id,
	)
	return err
}

// MarkFailed sets status=failed, recording reason in payload under "error".
func (r *Repository) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE ops_requests SET status='failed', applied_at=$1,
			payload = coalesce(payload, '{}'::jsonb) || jsonb_build_object('error', $2::text)
		 WHERE request_id=$3 AND status='queued'`,
		time.Now(), reason, id,
	)
	return err
}

// WorkerState is the derived cache the Applier writes and workers read
// (spec.md §3; never authoritative, rebuildable at any moment).
type WorkerState struct {
	StopRequested    bool
	PausedWorkspaces []string
	MaxParallel      int
	UpdatedAt        time.Time
}

type WorkerStateStore struct {
	db *pgxpool.Pool
}

func NewWorkerStateStore(db *pgxpool.Pool) *WorkerStateStore {
	return &WorkerStateStore{db: db}
}

// Read fetches the singleton worker_state row, returning zero-value
// defaults if it has never been written.
func (s *WorkerStateStore) Read(ctx context.Context) (*WorkerState, error) {
	var ws WorkerState
	var paused []string
	err := s.db.QueryRow(ctx,
		`SELECT stop_requested, paused_workspaces, max_parallel, updated_at FROM worker_state WHERE id=1`,
	).Scan(&ws.StopRequested, &paused, &ws.MaxParallel, &ws.UpdatedAt)
	if err == pgx.ErrNoRows {
		return &WorkerState{MaxParallel: 8}, nil
	}
	if err != nil {
		return nil, err
	}
	ws.PausedWorkspaces = paused
	return &ws, nil
}

// Write upserts the singleton worker_state row. Only the Applier is
// permitted to call this.
func (s *WorkerStateStore) Write(ctx context.Context, ws *WorkerState) error {
	ws.UpdatedAt = time.Now()
	_, err := s.db.Exec(ctx,
		`INSERT INTO worker_state (id, stop_requested, paused_workspaces, max_parallel, updated_at)
		 VALUES (1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET stop_requested=$1, paused_workspaces=$2, max_parallel=$3, updated_at=$4`,
		ws.StopRequested, ws.PausedWorkspaces, ws.MaxParallel, ws.UpdatedAt,
	)
	return err
}

// RunEvidence is one row of the run_executions evidence table: proof
// that a RUN request (or a direct CLI invocation) triggered exactly one
// bounded batch, since RUN never sets a continuous-processing flag
// (spec.md §4.7).
type RunEvidence struct {
	ID         string
	RequestID  *string
	Payload    json.RawMessage
	Dispatched int
	Succeeded  int
	Failed     int
	StartedAt  time.Time
	FinishedAt *time.Time
}

type RunEvidenceStore struct {
	db *pgxpool.Pool
}

func NewRunEvidenceStore(db *pgxpool.Pool) *RunEvidenceStore {
	return &RunEvidenceStore{db: db}
}

// Record inserts one evidence row. The Applier records RUN requests at
// apply time with zero counters; cmd/process records its own batches
// with the final dispatch/success/failure tallies.
func (s *RunEvidenceStore) Record(ctx context.Context, ev *RunEvidence) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.StartedAt.IsZero() {
		ev.StartedAt = time.Now()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO run_executions (id, request_id, payload, dispatched, succeeded, failed, started_at, finished_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ev.ID, ev.RequestID, ev.Payload, ev.Dispatched, ev.Succeeded, ev.Failed, ev.StartedAt, ev.FinishedAt,
	)
	return err
}

// Narrow interfaces the Applier depends on instead of the concrete
// repository/manager types, so tests can substitute fakes without a
// live database (*Repository, *WorkerStateStore, *document.Repository,
// and *lease.Manager all already satisfy these).
type requestStore interface {
	FetchQueued(ctx context.Context) ([]*OpsRequest, error)
	MarkApplied(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

type stateStore interface {
	Read(ctx context.Context) (*WorkerState, error)
	Write(ctx context.Context, ws *WorkerState) error
}

type docStore interface {
	Get(ctx context.Context, id string) (*document.Document, error)
	ForceSetStatus(ctx context.Context, docID string, next document.Status) error
	ClearStageOutputs(ctx context.Context, docID string) error
	ListProcessingInWorkspace(ctx context.Context, workspace string) ([]*document.Document, error)
	ListNonProcessingInWorkspace(ctx context.Context, workspace string) ([]*document.Document, error)
}

type leaseReleaser interface {
	ForceRelease(ctx context.Context, docID string) error
}

type runRecorder interface {
	Record(ctx context.Context, ev *RunEvidence) error
}

// Applier is the single-threaded projector turning ops_requests into
// worker_state; the only writer of either outcome, per §4.7.
type Applier struct {
	reqs   requestStore
	state  stateStore
	docs   docStore
	leases leaseReleaser
	runs   runRecorder
	log    *slog.Logger
}

func NewApplier(reqs *Repository, state *WorkerStateStore, docs *document.Repository, leases *lease.Manager, runs *RunEvidenceStore, log *slog.Logger) *Applier {
	return &Applier{reqs: reqs, state: state, docs: docs, leases: leases, runs: runs, log: log}
}

// ApplyOnce runs one pass over the queued requests in order.
func (a *Applier) ApplyOnce(ctx context.Context) error {
	queued, err := a.reqs.FetchQueued(ctx)
	if err != nil {
		return err
	}
	for _, req := range queued {
		if err := a.apply(ctx, req); err != nil {
			a.log.Error("applier: apply failed", "request_id", req.ID, "type", req.RequestType, "error", err)
			if ferr := a.reqs.MarkFailed(ctx, req.ID, err.Error()); ferr != nil {
				a.log.Error("applier: mark failed failed", "request_id", req.ID, "error", ferr)
			}
			continue
		}
	}
	return nil
}

func (a *Applier) apply(ctx context.Context, req *OpsRequest) error {
	state, err := a.state.Read(ctx)
	if err != nil {
		return err
	}

	switch req.RequestType {
	case Stop, Pause:
		// PAUSE is STOP under another name — workers treat them
		// identically (§4.7); the distinction is operator intent only.
		if req.ScopeType == ScopeWorkspace && req.ScopeID != nil {
			state.PausedWorkspaces = appendUnique(state.PausedWorkspaces, *req.ScopeID)
		} else {
			state.StopRequested = true
		}
		if err := a.state.Write(ctx, state); err != nil {
			return err
		}

	case Resume:
		if req.ScopeType == ScopeWorkspace && req.ScopeID != nil {
			state.PausedWorkspaces = removeString(state.PausedWorkspaces, *req.ScopeID)
		} else {
			state.StopRequested = false
		}
		if err := a.state.Write(ctx, state); err != nil {
			return err
		}

	case ReleaseLease:
		if err := a.applyReleaseLease(ctx, req); err != nil {
			return err
		}

	case ResetDoc:
		if req.ScopeID == nil {
			return apperror.New(apperror.Validation, "RESET_DOC requires a document scope_id")
		}
		if err := a.docs.ForceSetStatus(ctx, *req.ScopeID, document.StatusPending); err != nil {
			return err
		}

	case ResetWorkspace:
		if err := a.applyResetWorkspace(ctx, req); err != nil {
			return err
		}

	case ClearStages:
		if req.ScopeID == nil {
			return apperror.New(apperror.Validation, "CLEAR_STAGES requires a document scope_id")
		}
		if err := a.docs.ClearStageOutputs(ctx, *req.ScopeID); err != nil {
			return err
		}

	case Run:
		// RUN only signals the orchestrator to process one bounded batch;
		// it never sets a continuous-processing flag (spec.md §4.7). The
		// evidence row is the record that the signal was received; the
		// batch itself is run by cmd/process, which appends its own
		// evidence with the final counters.
		if a.runs != nil {
			if err := a.runs.Record(ctx, &RunEvidence{RequestID: &req.ID, Payload: req.Payload}); err != nil {
				return err
			}
		}

	default:
		return apperror.New(apperror.Validation, "unknown request_type "+string(req.RequestType))
	}

	return a.reqs.MarkApplied(ctx, req.ID)
}

func (a *Applier) applyReleaseLease(ctx context.Context, req *OpsRequest) error {
	if req.ScopeType == ScopeDocument {
		if req.ScopeID == nil {
			return apperror.New(apperror.Validation, "RELEASE_LEASE document scope requires scope_id")
		}
		if err := a.leases.ForceRelease(ctx, *req.ScopeID); err != nil {
			return err
		}
		doc, err := a.docs.Get(ctx, *req.ScopeID)
		if err != nil {
			return err
		}
		if doc.ProcessingStatus == document.StatusProcessing {
			return a.docs.ForceSetStatus(ctx, *req.ScopeID, document.StatusPending)
		}
		return nil
	}
	if req.ScopeType == ScopeWorkspace {
		if req.ScopeID == nil {
			return apperror.New(apperror.Validation, "RELEASE_LEASE workspace scope requires scope_id")
		}
		docs, err := a.docs.ListProcessingInWorkspace(ctx, *req.ScopeID)
		if err != nil {
			return err
		}
		for _, d := range docs {
			if err := a.leases.ForceRelease(ctx, d.ID); err != nil {
				return err
			}
			if err := a.docs.ForceSetStatus(ctx, d.ID, document.StatusPending); err != nil {
				return err
			}
		}
		return nil
	}
	return apperror.New(apperror.Validation, "RELEASE_LEASE requires document or workspace scope")
}

// applyResetWorkspace implements the spec's Open Question decision:
// RESET_WORKSPACE fails with WorkspaceBusy if any document in the
// workspace is currently processing (§4.7, §9).
func (a *Applier) applyResetWorkspace(ctx context.Context, req *OpsRequest) error {
	if req.ScopeID == nil {
		return apperror.New(apperror.Validation, "RESET_WORKSPACE requires a workspace scope_id")
	}
	processing, err := a.docs.ListProcessingInWorkspace(ctx, *req.ScopeID)
	if err != nil {
		return err
	}
	if len(processing) > 0 {
		return apperror.New(apperror.Validation, codeWorkspaceBusy)
	}
	docs, err := a.docs.ListNonProcessingInWorkspace(ctx, *req.ScopeID)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := a.docs.ForceSetStatus(ctx, d.ID, document.StatusPending); err != nil {
			return err
		}
	}
	return nil
}

// Run drives ApplyOnce on a fixed interval until ctx is canceled — the
// Applier is one of the small fixed set of background tasks (§5).
func (a *Applier) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.ApplyOnce(ctx); err != nil {
				a.log.Error("applier: pass failed", "error", err)
			}
		}
	}
}

func appendUnique(ss []string, v string) []string {
	for _, s := range ss {
		if s == v {
			return ss
		}
	}
	return append(ss, v)
}

func removeString(ss []string, v string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

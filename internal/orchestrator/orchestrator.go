// Package orchestrator is the top-level loop (spec.md §4.8 C8): fetch a
// batch of pending documents, respect the stop/pause gate, dispatch
// each to the Worker Pool, drive the Stage Engine under a Lease, and
// finalize the Execution Store record. It is invoked in one of two
// modes — bounded (--limit N) or single (--doc-id) — by cmd/process;
// there is no continuous-loop mode in the core (spec.md §4.8).
//
// Grounded on other_examples' hazyhaar sas_ingester.Ingester's
// boot-time RecoverStalePieces + batch-driven Ingest loop, adapted from
// a single fixed worker count to the reactive pool in internal/pool.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/pixell07/multi-tenant-ai/internal/apperror"
	"github.com/pixell07/multi-tenant-ai/internal/chunkstore"
	"github.com/pixell07/multi-tenant-ai/internal/connector"
	"github.com/pixell07/multi-tenant-ai/internal/document"
	"github.com/pixell07/multi-tenant-ai/internal/execution"
	"github.com/pixell07/multi-tenant-ai/internal/lease"
	"github.com/pixell07/multi-tenant-ai/internal/opsrequest"
	"github.com/pixell07/multi-tenant-ai/internal/pool"
	"github.com/pixell07/multi-tenant-ai/internal/progress"
	"github.com/pixell07/multi-tenant-ai/internal/stage"
)

// Narrow slices of the stores and managers the orchestrator drives.
// The concrete types (document.Repository, execution.Store,
// chunkstore.Repository, lease.Manager, opsrequest.WorkerStateStore,
// pool.Pool, stage.Engine) all satisfy these; tests substitute
// in-memory fakes.
type docStore interface {
	FetchPendingBatch(ctx context.Context, filter document.Filter, limit int) ([]*document.Document, error)
	CompareAndSwapStatus(ctx context.Context, docID string, expected, next document.Status) error
}

type execStore interface {
	CreateRun(ctx context.Context, docID, ownerID, modelVersion, promptHash string, input []byte, workspace, docType string, retryOf *string) (*execution.Execution, error)
	StartRun(ctx context.Context, execID string) error
	FinishRun(ctx context.Context, execID, docID string, status execution.Status, errCode, errMsg string, result json.RawMessage, durationMs int64) error
	FindPriorSuccess(ctx context.Context, docID, inputHash string) (*execution.Execution, error)
}

type chunkStore interface {
	ReplaceChunks(ctx context.Context, docID, execID, ownerID string, chunks []*chunkstore.Chunk) error
	ListByDocument(ctx context.Context, docID string) ([]*chunkstore.Chunk, error)
}

type leaseManager interface {
	Acquire(ctx context.Context, docID, workerID string, ttl time.Duration) (*lease.Lease, error)
	Renew(ctx context.Context, docID, workerID string, ttl time.Duration) error
	Release(ctx context.Context, docID, workerID string) error
}

type stateReader interface {
	Read(ctx context.Context) (*opsrequest.WorkerState, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, task pool.Task) error
}

type pipeline interface {
	Run(ctx context.Context, doc stage.DocView) (stage.Outcome, error)
}

// Options parameterizes one RunBatch call (spec.md §4.8, §6's
// `process --limit N [--workspace W] [--doc-id D]`).
type Options struct {
	Limit     int
	Workspace string
	DocID     string
	Reuse     bool // enable FindPriorSuccess short-circuiting (§4.4 "Re-entry")
}

// Stats is what one RunBatch call returns for the CLI's exit-code logic
// (spec.md §6: "exit code 0 on clean drain, 1 on unrecoverable error").
type Stats struct {
	Dispatched int
	Succeeded  int
	Failed     int
	Skipped    int
}

// Orchestrator wires the components a batch run touches. ModelVersion
// and PromptHash are recorded on every execution for audit purposes;
// the per-stage model/prompt actually used comes from the resolver.
type Orchestrator struct {
	Docs      docStore
	Execs     execStore
	Chunks    chunkStore
	Leases    leaseManager
	State     stateReader
	Pool      dispatcher
	Engine    pipeline
	Progress  *progress.Publisher
	Connector connector.SourceConnector

	LeaseTTL          time.Duration
	HeartbeatFraction float64
	ModelVersion      string
	PromptHash        string

	Log *slog.Logger
}

// RunBatch fetches pending documents (gated by WorkerState), dispatches
// each into the pool, and blocks until every dispatched task reaches a
// terminal state (spec.md §4.8 steps 1-6).
func (o *Orchestrator) RunBatch(ctx context.Context, opts Options) (Stats, error) {
	state, err := o.State.Read(ctx)
	if err != nil {
		return Stats{}, err
	}
	if state.StopRequested {
		o.Log.Info("orchestrator: stop_requested, gate closed, not dispatching")
		return Stats{}, nil
	}

	filter := document.Filter{Workspace: opts.Workspace}
	if opts.DocID != "" {
		filter.DocIDs = []string{opts.DocID}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}

	docs, err := o.Docs.FetchPendingBatch(ctx, filter, limit)
	if err != nil {
		return Stats{}, err
	}

	o.Progress.Update(func(s *progress.Snapshot) {
		s.IsProcessing = true
		s.TotalCount = len(docs)
		s.CurrentIndex = 0
	})

	var success, failed, skipped atomic.Int64
	var wg sync.WaitGroup
	dispatched := 0

	for _, doc := range docs {
		state, err := o.State.Read(ctx)
		if err != nil {
			o.Log.Error("orchestrator: read worker state failed", "error", err)
			break
		}
		if state.StopRequested {
			o.Log.Info("orchestrator: stop requested mid-batch, halting dispatch")
			break
		}
		if containsString(state.PausedWorkspaces, doc.Workspace) {
			skipped.Add(1)
			continue
		}

		doc := doc
		wg.Add(1)
		dispatched++
		err = o.Pool.Dispatch(ctx, func(taskCtx context.Context) error {
			defer wg.Done()
			switch perr := o.processOne(taskCtx, doc, opts.Reuse); {
			case perr == nil:
				success.Add(1)
			case errors.Is(perr, lease.ErrHeld):
				// Another worker holds this document; first-writer-wins
				// means we move on without counting it as an error (§4.3).
				skipped.Add(1)
			default:
				failed.Add(1)
				o.Log.Error("orchestrator: document failed", "doc_id", doc.ID, "error", perr)
			}
			o.Progress.Update(func(s *progress.Snapshot) {
				s.CurrentIndex++
				s.CurrentFile = doc.FileName
				s.SuccessCount = int(success.Load())
				s.ErrorCount = int(failed.Load())
			})
			return nil
		})
		if err != nil {
			wg.Done()
			dispatched--
			if ctx.Err() != nil {
				break
			}
		}
	}

	wg.Wait()
	o.Progress.Update(func(s *progress.Snapshot) { s.IsProcessing = false })

	return Stats{
		Dispatched: dispatched,
		Succeeded:  int(success.Load()),
		Failed:     int(failed.Load()),
		Skipped:    int(skipped.Load()),
	}, nil
}

// processOne drives a single document end to end: acquire lease, CAS to
// processing, run the pipeline (or short-circuit via FindPriorSuccess),
// finalize the execution, release the lease. Errors returned here are
// already classified by the stage engine or the repository layer.
func (o *Orchestrator) processOne(ctx context.Context, doc *document.Document, reuse bool) error {
	workerID := uuid.NewString()
	if _, err := o.Leases.Acquire(ctx, doc.ID, workerID, o.LeaseTTL); err != nil {
		return err
	}
	defer func() {
		if err := o.Leases.Release(context.Background(), doc.ID, workerID); err != nil {
			o.Log.Warn("orchestrator: release lease failed", "doc_id", doc.ID, "error", err)
		}
	}()

	if err := o.Docs.CompareAndSwapStatus(ctx, doc.ID, document.StatusPending, document.StatusProcessing); err != nil {
		return err
	}

	hbCtx, cancelHB := context.WithCancel(context.Background())
	defer cancelHB()
	go lease.Heartbeat(hbCtx, o.Leases, doc.ID, workerID, o.LeaseTTL, o.HeartbeatFraction, o.Log)

	raw, err := o.Connector.Fetch(ctx, doc.SourceRef)
	if err != nil {
		o.finishDocStatus(ctx, doc.ID, document.StatusFailed)
		return apperror.Wrap(apperror.TransientInfra, "fetch source bytes", err)
	}

	if reuse {
		if reused, err := o.tryReuse(ctx, doc, raw); reused {
			return err
		}
	}

	exec, err := o.Execs.CreateRun(ctx, doc.ID, doc.OwnerID, o.ModelVersion, o.PromptHash, raw, doc.Workspace, doc.DocType, nil)
	if err != nil {
		o.finishDocStatus(ctx, doc.ID, document.StatusFailed)
		return err
	}
	if err := o.Execs.StartRun(ctx, exec.ID); err != nil {
		o.finishDocStatus(ctx, doc.ID, document.StatusFailed)
		return err
	}

	docView := stage.DocView{
		DocID: doc.ID, OwnerID: doc.OwnerID, Workspace: doc.Workspace,
		DocType: doc.DocType, FileName: doc.FileName, MimeType: doc.MimeType, Bytes: raw,
	}

	start := time.Now()
	outcome, runErr := o.runEngine(ctx, docView)
	duration := time.Since(start).Milliseconds()

	if runErr != nil {
		kind := apperror.KindOf(runErr)
		status := execution.StatusFailed
		docStatus := document.StatusFailed
		if kind == apperror.Canceled {
			status = execution.StatusCanceled
			docStatus = document.StatusCanceled
		}
		if ferr := o.Execs.FinishRun(ctx, exec.ID, doc.ID, status, apperror.CodeOf(runErr), runErr.Error(), nil, duration); ferr != nil {
			o.Log.Error("orchestrator: finish failed run failed", "doc_id", doc.ID, "error", ferr)
		}
		o.finishDocStatus(ctx, doc.ID, docStatus)
		return runErr
	}

	result, _ := json.Marshal(map[string]any{
		"final_text":  outcome.FinalText,
		"chunk_count": len(outcome.Chunks),
	})
	if err := o.Execs.FinishRun(ctx, exec.ID, doc.ID, execution.StatusSucceeded, "", "", result, duration); err != nil {
		return err
	}

	return o.replaceChunks(ctx, doc, exec.ID, outcome.Chunks)
}

// runEngine isolates a panicking stage so one crashing task never takes
// down sibling workers (§4.5): the panic surfaces as a classified
// INTERNAL_PANIC error and flows down the normal failed-execution path.
func (o *Orchestrator) runEngine(ctx context.Context, docView stage.DocView) (out stage.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperror.New(apperror.InternalPanic, fmt.Sprintf("stage engine panicked: %v", r))
		}
	}()
	return o.Engine.Run(ctx, docView)
}

// finishDocStatus moves a document out of "processing" once its lease
// is about to drop, keeping the §3 invariant that processing implies a
// held lease. Logged, not propagated: the caller is already on an
// error path with a more useful error to return.
func (o *Orchestrator) finishDocStatus(ctx context.Context, docID string, next document.Status) {
	if err := o.Docs.CompareAndSwapStatus(ctx, docID, document.StatusProcessing, next); err != nil {
		o.Log.Warn("orchestrator: finalize document status failed", "doc_id", docID, "status", next, "error", err)
	}
}

// tryReuse implements §4.4's re-entry short-circuit: if the input_hash
// of the current bytes matches a succeeded execution of the document
// (FindPriorSuccess returns the most recent one with that hash, not
// necessarily the latest success), a new execution row is still created (preserving history)
// but the pipeline itself is skipped and the prior result is copied
// forward. Returns reused=true if this path was taken (whether or not
// it errored), so the caller returns immediately either way.
func (o *Orchestrator) tryReuse(ctx context.Context, doc *document.Document, raw []byte) (bool, error) {
	inputHash := execution.HashInput(raw, doc.Workspace, doc.DocType)
	prior, err := o.Execs.FindPriorSuccess(ctx, doc.ID, inputHash)
	if err != nil || prior == nil {
		return false, nil
	}

	exec, err := o.Execs.CreateRun(ctx, doc.ID, doc.OwnerID, prior.ModelVersion, prior.PromptHash, raw, doc.Workspace, doc.DocType, &prior.ID)
	if err != nil {
		return true, err
	}
	if err := o.Execs.StartRun(ctx, exec.ID); err != nil {
		return true, err
	}
	if err := o.Execs.FinishRun(ctx, exec.ID, doc.ID, execution.StatusSucceeded, "", "", prior.Result, 0); err != nil {
		return true, err
	}

	chunks, err := o.Chunks.ListByDocument(ctx, doc.ID)
	if err != nil {
		return true, err
	}
	out := make([]*chunkstore.Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = &chunkstore.Chunk{ChunkIndex: c.ChunkIndex, ChunkText: c.ChunkText, ChunkType: c.ChunkType, Embedding: c.Embedding}
	}
	return true, o.Chunks.ReplaceChunks(ctx, doc.ID, exec.ID, doc.OwnerID, out)
}

func (o *Orchestrator) replaceChunks(ctx context.Context, doc *document.Document, execID string, outChunks []stage.ChunkOut) error {
	if len(outChunks) == 0 {
		return nil
	}
	chunks := make([]*chunkstore.Chunk, len(outChunks))
	for i, c := range outChunks {
		var vec *pgvector.Vector
		if len(c.Embedding) > 0 {
			v := pgvector.NewVector(c.Embedding)
			vec = &v
		}
		chunks[i] = &chunkstore.Chunk{ChunkIndex: c.Index, ChunkText: c.Text, ChunkType: c.Type, Embedding: vec}
	}
	return o.Chunks.ReplaceChunks(ctx, doc.ID, execID, doc.OwnerID, chunks)
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

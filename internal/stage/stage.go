// Package stage is the Stage Engine (spec.md §4.4 C4): drives one
// document through the ordered, closed set of stage ids {E,F,G,H,I,J,K}
// sequentially, with per-stage retry/backoff and cancellation at stage
// boundaries. Re-entry via a prior successful execution is handled by
// the caller (internal/orchestrator), not here.
//
// Grounded on other_examples' hazyhaar sas_ingester pipeline
// (numbered-step pipeline with a uniform step contract, functional
// options, boot-time stale-state recovery) for the engine's fixed
// topology, and on PIXELL07-multi-tenant-ai/internal/document for the
// per-stage output persistence it drives.
package stage

import (
	"context"
	"math/rand"
	"time"

	"github.com/pixell07/multi-tenant-ai/internal/apperror"
)

// ID is one of the seven stage identifiers (spec.md §9: "closed set of
// stage ids {E,F,G,H,I,J,K}; new stages require adding an id and a
// routing entry, not runtime polymorphism").
type ID string

const (
	StageE ID = "E"
	StageF ID = "F"
	StageG ID = "G"
	StageH ID = "H"
	StageI ID = "I"
	StageJ ID = "J"
	StageK ID = "K"
)

// Order is the strict sequential pipeline (spec.md §4.4). F is optional
// per doc_type; Stages skip themselves via Run returning an empty
// Result and a nil error when not applicable, rather than being omitted from Order — keeping
// the topology fixed and letting doc_type drive routing, not control flow.
var Order = []ID{StageE, StageF, StageG, StageH, StageI, StageJ, StageK}

// DocView exposes what a stage may read about the document it's
// processing (spec.md §4.4: "file bytes, metadata, and workspace").
type DocView struct {
	DocID     string
	OwnerID   string
	Workspace string
	DocType   string
	FileName  string
	MimeType  string
	Bytes     []byte
}

// Outputs is the keyed map of prior stage outputs a stage may read.
type Outputs map[ID][]byte

// Route is what the resolver returns for one stage invocation (spec.md
// §6: "ModelClient: Generate(model_id, prompt, inputs)").
type Route struct {
	ModelID        string
	PromptTemplate string
}

// Resolver resolves (stage_id, doc_type|workspace) -> (model_id,
// prompt_template) with workspace, then doc_type, then default
// precedence (spec.md §4.4).
type Resolver interface {
	Resolve(stageID ID, workspace, docType string) Route
}

// ProgressSink receives {doc_id, stage_id, sub_step?, ts} events
// (spec.md §4.4).
type ProgressSink interface {
	Emit(docID string, stageID ID, subStep string)
}

// Result is what a stage produces on success.
type Result struct {
	Output []byte
	Chunks []ChunkOut // only Stage J populates this
	Usage  int        // token/cost accounting, opaque to the engine
}

// ChunkOut is a chunk produced by Stage J, embedded by Stage K.
type ChunkOut struct {
	Index     int
	Text      string
	Type      string
	Embedding []float32
}

// Stage is a pure function with the contract spec.md §4.4 defines:
// Stage.Run(ctx, doc_view, prior_outputs, resolver) -> stage_output |
// StageError. Stages never retry internally — the Engine owns backoff.
type Stage interface {
	ID() ID
	Run(ctx context.Context, doc DocView, prior Outputs, resolver Resolver, sink ProgressSink) (Result, error)
}

// RetryPolicy is the per-stage attempt/backoff configuration (spec.md
// §4.4: default 3 attempts, base 1s, factor 2, jitter +-20%).
type RetryPolicy struct {
	MaxAttempts int
	BaseWait    time.Duration
	Factor      float64
	Jitter      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseWait: time.Second, Factor: 2, Jitter: 0.20}
}

// backoff returns the wait after failed attempt n (1-indexed), i.e.
// before attempt n+1, jittered by +-Jitter fraction.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.BaseWait)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
	}
	jitter := 1 + (rand.Float64()*2-1)*p.Jitter
	return time.Duration(d * jitter)
}

// RunStage executes one stage with retry-on-transient semantics,
// honoring ctx cancellation between attempts (spec.md §4.4 failure
// semantics table).
func RunStage(ctx context.Context, s Stage, doc DocView, prior Outputs, resolver Resolver, sink ProgressSink, policy RetryPolicy, timeout time.Duration) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return Result{}, apperror.Wrap(apperror.Canceled, "stage canceled before attempt", ctx.Err())
		}

		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := s.Run(stageCtx, doc, prior, resolver, sink)
		cancel()

		if err == nil {
			return res, nil
		}
		lastErr = err

		if !apperror.Transient(err) {
			return Result{}, err
		}
		if attempt == policy.MaxAttempts {
			return Result{}, apperror.Wrap(apperror.TransientInfra, "retries exhausted", err)
		}

		select {
		case <-time.After(policy.backoff(attempt)):
		case <-ctx.Done():
			return Result{}, apperror.Wrap(apperror.Canceled, "stage canceled during backoff", ctx.Err())
		}
	}
	return Result{}, lastErr
}

// Engine drives one document through the fixed Order of stages, writing
// each stage's output back onto the document and handing the final
// chunk set (with embeddings, if Stage K ran) back to the caller. The
// caller (internal/orchestrator) owns the execution lifecycle — lease,
// CreateRun/StartRun/FinishRun, chunk replacement — so the engine itself
// never touches the execution or chunk tables (spec.md §4.4: the Stage
// Engine's contract ends at "stage_output | StageError").
package stage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pixell07/multi-tenant-ai/internal/apperror"
)

// DocumentWriter is the narrow slice of document.Repository the engine
// needs to persist per-stage outputs (spec.md §4.4: "after each stage
// the engine emits ... into the progress sink" and writes stage_outputs).
type DocumentWriter interface {
	WriteStageOutput(ctx context.Context, docID, stageID string, payload json.RawMessage) error
}

// Engine holds one Stage implementation per id plus the shared
// resolver/sink/policy every stage invocation uses.
type Engine struct {
	Stages   map[ID]Stage
	Docs     DocumentWriter
	Resolver Resolver
	Sink     ProgressSink
	Policy   RetryPolicy
	Timeouts map[ID]time.Duration
}

// NewEngine wires one Engine from the fixed stage set. Stages absent
// from impls are simply skipped (F is commonly absent for doc_types
// with no visual enrichment route).
func NewEngine(impls map[ID]Stage, docs DocumentWriter, resolver Resolver, sink ProgressSink, policy RetryPolicy, timeouts map[ID]time.Duration) *Engine {
	return &Engine{Stages: impls, Docs: docs, Resolver: resolver, Sink: sink, Policy: policy, Timeouts: timeouts}
}

// Outcome is what a full pipeline run produced.
type Outcome struct {
	FinalText string
	Chunks    []ChunkOut
}

// persistedStages are the stages whose output lands in the document's
// stage_outputs columns. J and K produce the chunk set, which lives in
// the chunks table, not on the document.
var persistedStages = map[ID]bool{
	StageE: true, StageF: true, StageG: true, StageH: true, StageI: true,
}

// Run drives doc through Order strictly sequentially (spec.md §4.4:
// "Stage engine does not parallelize stages within a document"),
// persisting each stage's output before moving to the next so a crash
// mid-pipeline leaves a partially-populated but consistent document.
func (e *Engine) Run(ctx context.Context, doc DocView) (Outcome, error) {
	prior := Outputs{}
	var chunks []ChunkOut
	var lastNonEmpty []byte

	for _, id := range Order {
		if ctx.Err() != nil {
			return Outcome{}, apperror.Wrap(apperror.Canceled, "pipeline canceled at stage boundary", ctx.Err())
		}

		s, ok := e.Stages[id]
		if !ok {
			continue
		}

		timeout := e.Timeouts[id]
		if timeout <= 0 {
			timeout = 30 * time.Second
		}

		res, err := RunStage(ctx, s, doc, prior, e.Resolver, e.Sink, e.Policy, timeout)
		if err != nil {
			return Outcome{}, err
		}

		if len(res.Output) > 0 {
			prior[id] = res.Output
			if persistedStages[id] {
				lastNonEmpty = res.Output
				if err := e.Docs.WriteStageOutput(ctx, doc.DocID, string(id), res.Output); err != nil {
					return Outcome{}, apperror.Wrap(apperror.TransientInfra, "persist stage output", err)
				}
			}
		}

		if len(res.Chunks) > 0 {
			chunks = res.Chunks
		}
	}

	return Outcome{FinalText: string(lastNonEmpty), Chunks: chunks}, nil
}

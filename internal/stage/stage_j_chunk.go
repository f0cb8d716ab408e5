// Stage J: deterministic chunking of Stage H/I output, ported from
// PIXELL07-multi-tenant-ai/internal/document.splitDocument's
// langchaingo textsplitter call — the same RecursiveCharacter splitter,
// now driven by config.ChunkSize/ChunkOverlap instead of hardcoded
// 512/64, and returning ChunkOut values instead of schema.Document
// (Stage K builds the schema.Document/metadata values that
// langchaingo's AddDocuments in internal/retrieval needs).
package stage

import (
	"context"
	"encoding/json"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/pixell07/multi-tenant-ai/internal/apperror"
)

type ChunkStage struct {
	ChunkSize    int
	ChunkOverlap int
}

func NewChunkStage(chunkSize, chunkOverlap int) *ChunkStage {
	return &ChunkStage{ChunkSize: chunkSize, ChunkOverlap: chunkOverlap}
}

func (s *ChunkStage) ID() ID { return StageJ }

func (s *ChunkStage) Run(ctx context.Context, doc DocView, prior Outputs, _ Resolver, sink ProgressSink) (Result, error) {
	sink.Emit(doc.DocID, StageJ, "split")

	text := priorText(prior, StageI, StageH, StageG, StageE)
	if text == "" {
		return Result{}, apperror.New(apperror.Validation, "no prior text available to chunk")
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(s.ChunkSize),
		textsplitter.WithChunkOverlap(s.ChunkOverlap),
	)
	pieces, err := splitter.SplitText(text)
	if err != nil {
		return Result{}, apperror.Wrap(apperror.InternalPanic, "split text", err)
	}

	chunks := make([]ChunkOut, len(pieces))
	for i, p := range pieces {
		chunks[i] = ChunkOut{Index: i, Text: p, Type: "text"}
	}

	// Stage K reads the chunk set back out of prior[StageJ] rather than
	// through a side channel, keeping every stage on the same Outputs
	// contract (spec.md §4.4: "a stage may read only outputs of prior
	// stages").
	encoded, err := json.Marshal(chunks)
	if err != nil {
		return Result{}, apperror.Wrap(apperror.InternalPanic, "encode chunks", err)
	}
	return Result{Output: encoded, Chunks: chunks}, nil
}

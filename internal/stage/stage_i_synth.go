package stage

import (
	"context"
	"strings"

	"github.com/pixell07/multi-tenant-ai/internal/llm"
)

// RelatedLookup supplies already-indexed chunks from the same workspace
// that resemble the current document, so the synthesis prompt can place
// it in context. Optional; chunkstore.SimilarityHelper implements it.
type RelatedLookup interface {
	Related(ctx context.Context, text, workspace string, topK int) ([]string, error)
}

// SynthStage is Stage I: synthesis — summary and tags derived from
// Stage H's structured output (spec.md §4.4).
type SynthStage struct {
	LLM     llm.ModelClient
	Related RelatedLookup
}

func NewSynthStage(client llm.ModelClient, related RelatedLookup) *SynthStage {
	return &SynthStage{LLM: client, Related: related}
}

func (s *SynthStage) ID() ID { return StageI }

func (s *SynthStage) Run(ctx context.Context, doc DocView, prior Outputs, resolver Resolver, sink ProgressSink) (Result, error) {
	sink.Emit(doc.DocID, StageI, "synthesize")

	input := priorText(prior, StageH, StageG, StageE)
	route := resolver.Resolve(StageI, doc.Workspace, doc.DocType)

	if s.Related != nil {
		// Best effort: a cold or empty index must never fail synthesis.
		if related, err := s.Related.Related(ctx, input, doc.Workspace, 4); err == nil && len(related) > 0 {
			sink.Emit(doc.DocID, StageI, "related-context")
			input = input + "\n\nRelated workspace context:\n" + strings.Join(related, "\n---\n")
		}
	}

	out, _, err := s.LLM.Generate(ctx, route.ModelID, route.PromptTemplate, input)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: []byte(out)}, nil
}

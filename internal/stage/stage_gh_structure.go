package stage

import (
	"context"

	"github.com/pixell07/multi-tenant-ai/internal/apperror"
	"github.com/pixell07/multi-tenant-ai/internal/llm"
)

// FormatStage is Stage G: formatting — normalizes Stage E/F text into a
// clean plain-text view ahead of structuring.
type FormatStage struct {
	LLM llm.ModelClient
}

func NewFormatStage(client llm.ModelClient) *FormatStage {
	return &FormatStage{LLM: client}
}

func (s *FormatStage) ID() ID { return StageG }

func (s *FormatStage) Run(ctx context.Context, doc DocView, prior Outputs, resolver Resolver, sink ProgressSink) (Result, error) {
	sink.Emit(doc.DocID, StageG, "format")

	input := priorText(prior, StageF, StageE)
	route := resolver.Resolve(StageG, doc.Workspace, doc.DocType)

	text, _, err := s.LLM.Generate(ctx, route.ModelID, route.PromptTemplate, input)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: []byte(text)}, nil
}

// StructureStage is Stage H: produces normalized text + structured JSON
// from Stage G's output (spec.md §4.4: "H produces normalized text +
// structured JSON").
type StructureStage struct {
	LLM llm.ModelClient
}

func NewStructureStage(client llm.ModelClient) *StructureStage {
	return &StructureStage{LLM: client}
}

func (s *StructureStage) ID() ID { return StageH }

func (s *StructureStage) Run(ctx context.Context, doc DocView, prior Outputs, resolver Resolver, sink ProgressSink) (Result, error) {
	sink.Emit(doc.DocID, StageH, "structure")

	input := priorText(prior, StageG, StageE)
	route := resolver.Resolve(StageH, doc.Workspace, doc.DocType)

	out, _, err := s.LLM.Generate(ctx, route.ModelID, route.PromptTemplate, input)
	if err != nil {
		return Result{}, err
	}
	if len(out) == 0 {
		return Result{}, apperror.New(apperror.ModelOutput, "stage H produced no output")
	}
	return Result{Output: []byte(out)}, nil
}

func priorText(prior Outputs, ids ...ID) string {
	for _, id := range ids {
		if v, ok := prior[id]; ok && len(v) > 0 {
			return string(v)
		}
	}
	return ""
}

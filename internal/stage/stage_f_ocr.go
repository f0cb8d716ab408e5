package stage

import "context"

// OCRStage is Stage F: visual/OCR enrichment, optional per doc_type
// (spec.md §4.4). When the resolver has no route for this (stage,
// workspace, doc_type) combination, the stage is skipped by returning
// an empty Result with no error — the pipeline topology stays fixed
// and doc_type drives whether the stage does real work.
type OCRStage struct {
	Enricher VisualEnricher
}

// VisualEnricher extracts layout and visual elements from page images.
type VisualEnricher interface {
	Enrich(ctx context.Context, bytes []byte) (text string, err error)
}

func NewOCRStage(enricher VisualEnricher) *OCRStage {
	return &OCRStage{Enricher: enricher}
}

func (s *OCRStage) ID() ID { return StageF }

func (s *OCRStage) Run(ctx context.Context, doc DocView, prior Outputs, resolver Resolver, sink ProgressSink) (Result, error) {
	if s.Enricher == nil {
		return Result{}, nil
	}
	route := resolver.Resolve(StageF, doc.Workspace, doc.DocType)
	if route.ModelID == "" {
		// No visual route for this (workspace, doc_type): stage F does
		// not apply.
		return Result{}, nil
	}

	sink.Emit(doc.DocID, StageF, "ocr")
	text, err := s.Enricher.Enrich(ctx, doc.Bytes)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: []byte(text)}, nil
}

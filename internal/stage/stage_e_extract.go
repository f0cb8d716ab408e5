package stage

import (
	"context"

	"github.com/pixell07/multi-tenant-ai/internal/apperror"
)

// ExtractStage is Stage E: preprocessing/text extraction. The source
// pipeline emits up to five engine-specific variants E1-E4 plus a
// consolidated E5; per DESIGN.md's Open Question decision only the
// consolidated artifact is persisted, so Extractor returns one text
// view rather than a variant slice.
type ExtractStage struct {
	Extractor Extractor
}

// Extractor performs format-specific text extraction (PDF, Office,
// image OCR-free path, HTML). Domain-specific parsers are injected
// per spec.md §1 ("Domain-specific parsers ... injected as stage
// implementations").
type Extractor interface {
	Extract(ctx context.Context, mimeType string, bytes []byte) (text string, err error)
}

func NewExtractStage(extractor Extractor) *ExtractStage {
	return &ExtractStage{Extractor: extractor}
}

func (s *ExtractStage) ID() ID { return StageE }

func (s *ExtractStage) Run(ctx context.Context, doc DocView, _ Outputs, _ Resolver, sink ProgressSink) (Result, error) {
	sink.Emit(doc.DocID, StageE, "extract")

	text, err := s.Extractor.Extract(ctx, doc.MimeType, doc.Bytes)
	if err != nil {
		return Result{}, classifyExtractError(err)
	}
	if text == "" {
		return Result{}, apperror.New(apperror.Validation, "extraction produced empty text")
	}
	return Result{Output: []byte(text)}, nil
}

// PlainTextExtractor is the default Extractor: it treats the payload as
// UTF-8 text, which covers the text/HTML/JSON ingestion paths. Binary
// formats (PDF, Office) need a real parser injected in its place.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Extract(_ context.Context, _ string, data []byte) (string, error) {
	return string(data), nil
}

func classifyExtractError(err error) error {
	if apperror.KindOf(err) != "" {
		return err
	}
	return apperror.Wrap(apperror.TransientInfra, "extraction failed", err)
}

// Stage K: one embedding vector per chunk, the final step of the
// pipeline (spec.md §4.4). Grounded on
// PIXELL07-multi-tenant-ai/internal/document.splitDocument's sibling
// call into its vector store's AddDocuments — here split into its own
// stage so embedding failures classify and retry independently of
// chunking, per §4.4's per-stage failure semantics.
package stage

import (
	"context"
	"encoding/json"

	"github.com/tmc/langchaingo/schema"

	"github.com/pixell07/multi-tenant-ai/internal/apperror"
	"github.com/pixell07/multi-tenant-ai/internal/embedding"
)

// ChunkMirror keeps the langchaingo pgvector collection in sync with
// the chunks table so the SimilarityHelper's ANN lookups see every
// indexed chunk. retrieval.LangChainVectorStore implements it.
// Optional: with no mirror wired, Stage I's related-context enrichment
// simply finds nothing.
type ChunkMirror interface {
	DeleteByDocument(ctx context.Context, documentID string) error
	AddDocuments(ctx context.Context, docs []schema.Document) error
}

// EmbedStage is Stage K.
type EmbedStage struct {
	Embedder embedding.Embedder
	Mirror   ChunkMirror
}

func NewEmbedStage(embedder embedding.Embedder, mirror ChunkMirror) *EmbedStage {
	return &EmbedStage{Embedder: embedder, Mirror: mirror}
}

func (s *EmbedStage) ID() ID { return StageK }

func (s *EmbedStage) Run(ctx context.Context, doc DocView, prior Outputs, _ Resolver, sink ProgressSink) (Result, error) {
	sink.Emit(doc.DocID, StageK, "embed")

	raw, ok := prior[StageJ]
	if !ok || len(raw) == 0 {
		return Result{}, apperror.New(apperror.Validation, "no chunks from stage J to embed")
	}
	var chunks []ChunkOut
	if err := json.Unmarshal(raw, &chunks); err != nil {
		return Result{}, apperror.Wrap(apperror.InternalPanic, "decode stage J chunks", err)
	}
	if len(chunks) == 0 {
		return Result{}, apperror.New(apperror.Validation, "stage J produced zero chunks")
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := s.Embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, apperror.Wrap(apperror.Canceled, "embed canceled", ctx.Err())
		}
		return Result{}, apperror.Wrap(apperror.TransientInfra, "embed chunks", err)
	}
	if len(vectors) != len(chunks) {
		return Result{}, apperror.New(apperror.ModelOutput, "embedding count does not match chunk count")
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}

	if s.Mirror != nil {
		sink.Emit(doc.DocID, StageK, "mirror")
		if err := s.Mirror.DeleteByDocument(ctx, doc.DocID); err != nil {
			return Result{}, apperror.Wrap(apperror.TransientInfra, "clear prior ann entries", err)
		}
		mirror := make([]schema.Document, len(chunks))
		for i, c := range chunks {
			mirror[i] = schema.Document{
				PageContent: c.Text,
				Metadata: map[string]any{
					"document_id": doc.DocID,
					"workspace":   doc.Workspace,
					"chunk_index": c.Index,
				},
			}
		}
		if err := s.Mirror.AddDocuments(ctx, mirror); err != nil {
			return Result{}, apperror.Wrap(apperror.TransientInfra, "mirror chunks to ann index", err)
		}
	}

	encoded, err := json.Marshal(chunks)
	if err != nil {
		return Result{}, apperror.Wrap(apperror.InternalPanic, "encode embedded chunks", err)
	}
	return Result{Output: encoded, Chunks: chunks}, nil
}

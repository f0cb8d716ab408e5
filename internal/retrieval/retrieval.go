// Package retrieval wraps langchaingo's pgvector VectorStore as an
// internal ANN-search helper consumed by internal/chunkstore (spec.md
// Non-goal: "no search/query serving" cuts the query-facing RAG
// endpoint, not the dependency — chunkstore uses this for the optional
// similarity lookups some Stage I synthesis prompts request).
//
// Grounded on PIXELL07-multi-tenant-ai/internal/retrieval/retrieval.go's
// LangChainVectorStore; the streaming RAGService that used to sit on
// top of it is gone along with its HTTP/SSE caller.
package retrieval

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pixell07/multi-tenant-ai/internal/embedding"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores"
	lcpgvector "github.com/tmc/langchaingo/vectorstores/pgvector"
)

// LangChainVectorStore wraps langchaingo's pgvector.Store, which manages
// its own connection, creates the langchain_pg_embedding /
// langchain_pg_collection tables, and provides AddDocuments (embed +
// upsert) and SimilaritySearch in one call, with an HNSW index for
// sub-linear ANN search.
type LangChainVectorStore struct {
	store lcpgvector.Store
	db    *pgxpool.Pool
}

// NewLangChainVectorStore initializes a langchaingo pgvector Store. It
// auto-creates the embedding/collection tables on first use.
func NewLangChainVectorStore(
	ctx context.Context,
	db *pgxpool.Pool,
	embedder embedding.Embedder,
	connURL string,
	dimensions int,
) (*LangChainVectorStore, error) {
	lcEmbedder := &langchainEmbedderAdapter{inner: embedder}

	store, err := lcpgvector.New(
		ctx,
		lcpgvector.WithConnectionURL(connURL),
		lcpgvector.WithEmbedder(lcEmbedder),
		lcpgvector.WithCollectionName("document_chunks"),
		lcpgvector.WithVectorDimensions(dimensions),
		lcpgvector.WithHNSWIndex(16, 64, "cosine"),
	)
	if err != nil {
		return nil, fmt.Errorf("init langchaingo pgvector store: %w", err)
	}

	return &LangChainVectorStore{store: store, db: db}, nil
}

// AddDocuments embeds and stores a batch of langchaingo schema.Documents.
// Called by Stage K after Stage J has split a document into chunks.
func (vs *LangChainVectorStore) AddDocuments(ctx context.Context, docs []schema.Document) error {
	_, err := vs.store.AddDocuments(ctx, docs)
	return err
}

// SimilaritySearch returns the top-k most similar chunks to query,
// scoped to a single workspace via langchaingo's metadata filter.
func (vs *LangChainVectorStore) SimilaritySearch(
	ctx context.Context,
	query string,
	workspace string,
	topK int,
) ([]schema.Document, error) {
	return vs.store.SimilaritySearch(
		ctx,
		query,
		topK,
		vectorstores.WithFilters(map[string]any{
			"workspace": workspace,
		}),
	)
}

// DeleteByDocument removes every chunk belonging to documentID from the
// langchaingo collection tables, ahead of chunkstore's own authoritative
// delete-then-insert against the chunks table (§9's atomic replacement).
func (vs *LangChainVectorStore) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := vs.db.Exec(ctx,
		`DELETE FROM langchain_pg_embedding WHERE cmetadata->>'document_id' = $1`,
		documentID,
	)
	return err
}

// Close releases the pgvector store connection.
func (vs *LangChainVectorStore) Close() {
	vs.store.Close()
}

// langchainEmbedderAdapter bridges our internal embedding.Embedder to
// langchaingo's embeddings.Embedder interface expected by WithEmbedder.
type langchainEmbedderAdapter struct {
	inner embedding.Embedder
}

func (a *langchainEmbedderAdapter) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return a.inner.EmbedDocuments(ctx, texts)
}

func (a *langchainEmbedderAdapter) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return a.inner.EmbedQuery(ctx, text)
}

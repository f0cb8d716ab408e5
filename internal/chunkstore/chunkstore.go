// Package chunkstore is the Chunk entity and repository (spec.md §3):
// the search-ready pieces a successful execution produces at Stage J/K.
// Grounded on document.Repository's dbtx-backed shape, storing the
// embedding column with pgvector-go's pgvector.Vector (promoted to a
// direct dependency for this — the same library
// PIXELL07-multi-tenant-ai/internal/retrieval already pulls in via
// langchaingo's pgvector vectorstore, here used directly against our
// own chunks table instead of langchaingo's shadow tables).
package chunkstore

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/tmc/langchaingo/schema"

	"github.com/pixell07/multi-tenant-ai/internal/apperror"
	"github.com/pixell07/multi-tenant-ai/internal/dbtx"
)

// Chunk is one search-indexed fragment of a document (spec.md §3).
type Chunk struct {
	ID          string
	DocumentID  string
	ExecutionID string
	OwnerID     string
	ChunkIndex  int
	ChunkText   string
	ChunkType   string
	Embedding   *pgvector.Vector
}

var (
	ErrOwnerMismatch = apperror.New(apperror.DataIntegrity, "chunk owner_id must match parent document")
	ErrBadOrdinals   = apperror.New(apperror.DataIntegrity, "chunk_index must be contiguous from 0")
)

// Repository persists chunks. ReplaceChunks needs a transaction-capable
// connection; everything else works against the pool directly.
type Repository struct {
	db       dbtx.DBTX
	beginner dbtx.Beginner
}

func NewRepository(pool interface {
	dbtx.DBTX
	dbtx.Beginner
}) *Repository {
	return &Repository{db: pool, beginner: pool}
}

// ReplaceChunks deletes every existing chunk for docID and inserts the
// new set produced by execID, all inside one transaction, enforcing
// contiguous 0..N-1 chunk_index and owner_id propagation (§3's chunk
// invariant, §9's atomic replacement on the succeeded path only).
func (r *Repository) ReplaceChunks(ctx context.Context, docID, execID, ownerID string, chunks []*Chunk) error {
	for i, c := range chunks {
		if c.ChunkIndex != i {
			return ErrBadOrdinals
		}
		if c.OwnerID != "" && c.OwnerID != ownerID {
			return ErrOwnerMismatch
		}
	}

	tx, err := r.beginner.Begin(ctx)
	if err != nil {
		return apperror.Wrap(apperror.TransientInfra, "begin replace-chunks transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id=$1`, docID); err != nil {
		return err
	}

	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.DocumentID = docID
		c.ExecutionID = execID
		c.OwnerID = ownerID
		if _, err := tx.Exec(ctx,
			`INSERT INTO chunks (chunk_id, document_id, execution_id, owner_id, chunk_index, chunk_text, chunk_type, embedding)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			c.ID, c.DocumentID, c.ExecutionID, c.OwnerID, c.ChunkIndex, c.ChunkText, c.ChunkType, c.Embedding,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ListByDocument returns a document's current chunk set, ordered by
// chunk_index.
func (r *Repository) ListByDocument(ctx context.Context, docID string) ([]*Chunk, error) {
	rows, err := r.db.Query(ctx,
		`SELECT chunk_id, document_id, execution_id, owner_id, chunk_index, chunk_text, chunk_type, embedding
		 FROM chunks WHERE document_id=$1 ORDER BY chunk_index ASC`, docID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// annSearcher is the slice of retrieval.LangChainVectorStore the
// similarity helper needs.
type annSearcher interface {
	SimilaritySearch(ctx context.Context, query, workspace string, topK int) ([]schema.Document, error)
}

// SimilarityHelper answers "what already-indexed chunks look like this
// text" for processing-time enrichment (Stage I pulls related context
// from the same workspace). It is not a query-serving surface; nothing
// outside the pipeline calls it.
type SimilarityHelper struct {
	Store annSearcher
}

func NewSimilarityHelper(store annSearcher) *SimilarityHelper {
	return &SimilarityHelper{Store: store}
}

func (h *SimilarityHelper) Related(ctx context.Context, text, workspace string, topK int) ([]string, error) {
	if topK <= 0 {
		topK = 4
	}
	docs, err := h.Store.SimilaritySearch(ctx, text, workspace, topK)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.PageContent)
	}
	return out, nil
}

func scanChunks(rows pgx.Rows) ([]*Chunk, error) {
	var out []*Chunk
	for rows.Next() {
		c := &Chunk{}
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ExecutionID, &c.OwnerID,
			&c.ChunkIndex, &c.ChunkText, &c.ChunkType, &c.Embedding); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Package document holds the Document entity: the logical unit of
// ingestion that the Stage Engine drives through Stage E->F->G/H->I->J->K.
//
// Grounded on PIXELL07-multi-tenant-ai/internal/document/document.go's
// Repository shape (Create/ListByOrg/Delete/UpdateStatus), extended with
// the full column set spec.md §3 requires and a compare-and-swap status
// transition. The inline ingest-worker-pool that used to live on
// Service is gone: the Stage Engine (internal/stage) and Worker Pool
// (internal/pool) now own that job so there is exactly one pipeline
// driving a document, never two racing ones. splitDocument's
// langchaingo textsplitter call moved to internal/stage/stage_j_chunk.go.
package document

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixell07/multi-tenant-ai/internal/apperror"
	"github.com/pixell07/multi-tenant-ai/internal/dbtx"
)

// Status is the document's processing_status per spec.md §3.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// StageOutputs holds the opaque per-stage TEXT/JSON blobs a stage
// writes back onto the document (§3: "Per-stage output columns are
// opaque TEXT/JSON blobs written by stages"). Only the consolidated E5
// artifact is kept for stage E (see DESIGN.md Open Question decision);
// there is no E1-E4 field.
type StageOutputs struct {
	E json.RawMessage `json:"e,omitempty"`
	F json.RawMessage `json:"f,omitempty"`
	G json.RawMessage `json:"g,omitempty"`
	H json.RawMessage `json:"h,omitempty"`
	I json.RawMessage `json:"i,omitempty"`
}

// Document is a logical unit of ingestion (spec.md §3).
type Document struct {
	ID                string       `json:"id"`
	OwnerID           string       `json:"owner_id"`
	Workspace         string       `json:"workspace"`
	DocType           string       `json:"doc_type"`
	SourceRef         string       `json:"source_ref"`
	FileName          string       `json:"file_name"`
	MimeType          string       `json:"mime_type"`
	ContentHash       string       `json:"content_hash"`
	ProcessingStatus  Status       `json:"processing_status"`
	ActiveExecutionID *string      `json:"active_execution_id,omitempty"`
	StageOutputs      StageOutputs `json:"stage_outputs,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Errors returned by Repository methods, classified per §7.
var (
	ErrOwnerRequired        = apperror.New(apperror.Validation, "owner_id is required")
	ErrDuplicateContentHash = apperror.New(apperror.DataIntegrity, "duplicate content_hash")
	ErrStatusMismatch       = apperror.New(apperror.DataIntegrity, "processing_status mismatch")
)

// Filter narrows FetchPendingBatch.
type Filter struct {
	Workspace string
	DocIDs    []string
}

// Repository persists documents. It is constructed against either the
// pool (normal path) or a transaction (when composed into
// execution.Store's atomic active-pointer update).
type Repository struct {
	db dbtx.DBTX
}

func NewRepository(db dbtx.DBTX) *Repository {
	return &Repository{db: db}
}

// Insert creates a new pending document. owner_id is mandatory;
// content_hash collisions are reported as ErrDuplicateContentHash.
func (r *Repository) Insert(ctx context.Context, doc *Document) error {
	if doc.OwnerID == "" {
		return ErrOwnerRequired
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := time.Now()
	doc.CreatedAt, doc.UpdatedAt = now, now
	if doc.ProcessingStatus == "" {
		doc.ProcessingStatus = StatusPending
	}

	outputs, err := json.Marshal(doc.StageOutputs)
	if err != nil {
		return apperror.Wrap(apperror.InternalPanic, "marshal stage outputs", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO documents
			(id, owner_id, workspace, doc_type, source_ref, file_name, mime_type,
			 content_hash, processing_status, active_execution_id, stage_outputs,
			 created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		doc.ID, doc.OwnerID, doc.Workspace, doc.DocType, doc.SourceRef, doc.FileName,
		doc.MimeType, doc.ContentHash, doc.ProcessingStatus, doc.ActiveExecutionID,
		outputs, doc.CreatedAt, doc.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateContentHash
	}
	return err
}

// FetchPendingBatch returns pending documents oldest-first, optionally
// filtered by workspace/doc_ids. Gating (stop/pause) happens one layer
// up in the orchestrator; this call is gate-agnostic.
func (r *Repository) FetchPendingBatch(ctx context.Context, filter Filter, limit int) ([]*Document, error) {
	query := `SELECT id, owner_id, workspace, doc_type, source_ref, file_name, mime_type,
			content_hash, processing_status, active_execution_id, stage_outputs,
			created_at, updated_at
		FROM documents WHERE processing_status = 'pending'`
	var args []any
	next := 1
	if filter.Workspace != "" {
		next++
		query += " AND workspace = $" + strconv.Itoa(next-1)
		args = append(args, filter.Workspace)
	}
	if len(filter.DocIDs) > 0 {
		next++
		query += " AND id = ANY($" + strconv.Itoa(next-1) + ")"
		args = append(args, filter.DocIDs)
	}
	query += " ORDER BY created_at ASC LIMIT $" + strconv.Itoa(next)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// CompareAndSwapStatus transitions processing_status only if the
// current value matches expected (§4.1: "used only by lease transitions").
func (r *Repository) CompareAndSwapStatus(ctx context.Context, docID string, expected, next Status) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE documents SET processing_status=$1, updated_at=$2 WHERE id=$3 AND processing_status=$4`,
		next, time.Now(), docID, expected,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusMismatch
	}
	return nil
}

// ForceSetStatus sets processing_status unconditionally; used by the
// ops Applier (RESET_DOC, RELEASE_LEASE) and the lease janitor.
func (r *Repository) ForceSetStatus(ctx context.Context, docID string, next Status) error {
	_, err := r.db.Exec(ctx,
		`UPDATE documents SET processing_status=$1, updated_at=$2 WHERE id=$3`,
		next, time.Now(), docID,
	)
	return err
}

// SetActiveExecution atomically points a document at a succeeded
// execution, verifying the execution belongs to the document and has
// actually succeeded. Callers (execution.Store.FinishRun) run this
// inside the same transaction as the execution's terminal update.
func (r *Repository) SetActiveExecution(ctx context.Context, docID, execID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE documents SET active_execution_id=$1, processing_status='completed', updated_at=$2
		 WHERE id=$3 AND EXISTS (
			SELECT 1 FROM executions
			WHERE execution_id=$1 AND document_id=$3 AND status='succeeded')`,
		execID, time.Now(), docID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.DataIntegrity, "active execution must be a succeeded run of the same document")
	}
	return nil
}

// ClearStageOutputs wipes the opaque per-stage columns (ops
// CLEAR_STAGES); executions and chunks are untouched.
func (r *Repository) ClearStageOutputs(ctx context.Context, docID string) error {
	empty, _ := json.Marshal(StageOutputs{})
	_, err := r.db.Exec(ctx,
		`UPDATE documents SET stage_outputs=$1, updated_at=$2 WHERE id=$3`,
		empty, time.Now(), docID,
	)
	return err
}

// WriteStageOutput merges a single stage's output into the document's
// stage_outputs column. Called by the Stage Engine after each stage run.
func (r *Repository) WriteStageOutput(ctx context.Context, docID, stageID string, payload json.RawMessage) error {
	doc, err := r.Get(ctx, docID)
	if err != nil {
		return err
	}
	switch stageID {
	case "E":
		doc.StageOutputs.E = payload
	case "F":
		doc.StageOutputs.F = payload
	case "G":
		doc.StageOutputs.G = payload
	case "H":
		doc.StageOutputs.H = payload
	case "I":
		doc.StageOutputs.I = payload
	default:
		return apperror.New(apperror.Validation, "unknown stage id "+stageID)
	}
	outputs, err := json.Marshal(doc.StageOutputs)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx,
		`UPDATE documents SET stage_outputs=$1, updated_at=$2 WHERE id=$3`,
		outputs, time.Now(), docID,
	)
	return err
}

// Get fetches a single document by id.
func (r *Repository) Get(ctx context.Context, id string) (*Document, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, owner_id, workspace, doc_type, source_ref, file_name, mime_type,
			content_hash, processing_status, active_execution_id, stage_outputs,
			created_at, updated_at
		 FROM documents WHERE id=$1`, id,
	)
	return scanDocument(row)
}

// ListByOwner lists documents for an owner, most-recent-first (kept
// from the teacher's ListByOrg, renamed to match owner_id terminology).
func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]*Document, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, owner_id, workspace, doc_type, source_ref, file_name, mime_type,
			content_hash, processing_status, active_execution_id, stage_outputs,
			created_at, updated_at
		 FROM documents WHERE owner_id=$1 ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// Delete removes a document scoped to its owner.
func (r *Repository) Delete(ctx context.Context, id, ownerID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM documents WHERE id=$1 AND owner_id=$2`, id, ownerID)
	return err
}

// ListProcessingInWorkspace returns documents currently "processing" in
// a workspace (used by RESET_WORKSPACE's WorkspaceBusy check and
// RELEASE_LEASE's workspace-scoped release).
func (r *Repository) ListProcessingInWorkspace(ctx context.Context, workspace string) ([]*Document, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, owner_id, workspace, doc_type, source_ref, file_name, mime_type,
			content_hash, processing_status, active_execution_id, stage_outputs,
			created_at, updated_at
		 FROM documents WHERE workspace=$1 AND processing_status='processing'`,
		workspace,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// ListNonProcessingInWorkspace returns every document in a workspace not
// currently "processing" (used by RESET_WORKSPACE).
func (r *Repository) ListNonProcessingInWorkspace(ctx context.Context, workspace string) ([]*Document, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, owner_id, workspace, doc_type, source_ref, file_name, mime_type,
			content_hash, processing_status, active_execution_id, stage_outputs,
			created_at, updated_at
		 FROM documents WHERE workspace=$1 AND processing_status<>'processing'`,
		workspace,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func scanDocument(row pgx.Row) (*Document, error) {
	d := &Document{}
	var outputs []byte
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Workspace, &d.DocType, &d.SourceRef, &d.FileName,
		&d.MimeType, &d.ContentHash, &d.ProcessingStatus, &d.ActiveExecutionID, &outputs,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if len(outputs) > 0 {
		_ = json.Unmarshal(outputs, &d.StageOutputs)
	}
	return d, nil
}

func scanDocuments(rows pgx.Rows) ([]*Document, error) {
	var docs []*Document
	for rows.Next() {
		d := &Document{}
		var outputs []byte
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Workspace, &d.DocType, &d.SourceRef, &d.FileName,
			&d.MimeType, &d.ContentHash, &d.ProcessingStatus, &d.ActiveExecutionID, &outputs,
			&d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if len(outputs) > 0 {
			_ = json.Unmarshal(outputs, &d.StageOutputs)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "content_hash")
}

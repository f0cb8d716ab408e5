// Package execution is the Execution Store (spec.md §3 C2): an
// immutable-once-terminal audit record of one run of the Stage Engine
// against one document. Grounded on
// PIXELL07-multi-tenant-ai/internal/document/document.go's repository
// shape (same dbtx-backed Insert/Get pattern, same pgx.Row scan style),
// extended with the queued->running->{succeeded,failed,canceled}
// lifecycle and the FinishRun transaction that also moves the parent
// document's active_execution_id (§3, §9).
package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixell07/multi-tenant-ai/internal/apperror"
	"github.com/pixell07/multi-tenant-ai/internal/dbtx"
	"github.com/pixell07/multi-tenant-ai/internal/document"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Execution is one attempt at driving a document through the stage
// pipeline (spec.md §3).
type Execution struct {
	ID               string          `json:"execution_id"`
	DocumentID       string          `json:"document_id"`
	OwnerID          string          `json:"owner_id"`
	Status           Status          `json:"status"`
	ModelVersion     string          `json:"model_version"`
	PromptHash       string          `json:"prompt_hash"`
	InputHash        string          `json:"input_hash"`
	NormalizedHash   string          `json:"normalized_hash"`
	RetryOfExecution *string         `json:"retry_of_execution_id,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	DurationMs       int64           `json:"duration_ms"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

var (
	ErrOwnerMismatch  = apperror.New(apperror.DataIntegrity, "execution owner_id must match parent document")
	ErrStatusMismatch = apperror.New(apperror.DataIntegrity, "execution status transition mismatch")
)

// Store persists executions and, on success, composes the active
// execution pointer update on the parent document into the same
// transaction (§9: "execution insert -> terminal update -> document
// pointer update"). db and beginner are the same concrete *pgxpool.Pool
// under two narrow interfaces.
type Store struct {
	db       dbtx.DBTX
	beginner dbtx.Beginner
}

func NewStore(pool interface {
	dbtx.DBTX
	dbtx.Beginner
}) *Store {
	return &Store{db: pool, beginner: pool}
}

// HashInput computes the execution's input_hash: SHA-256 over the raw
// bytes plus the routing metadata that changes what a run would produce
// (§4.2 CreateRun: "input_hash = SHA-256(canonical(input, meta))").
func HashInput(input []byte, workspace, docType string) string {
	h := sha256.New()
	h.Write(input)
	h.Write([]byte{0})
	h.Write([]byte(workspace))
	h.Write([]byte{0})
	h.Write([]byte(docType))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizedHash computes the SHA-256 of a lowercased, whitespace-
// collapsed view of the input, used to detect near-duplicate content
// across runs whose raw bytes differ cosmetically (§4.2).
func NormalizedHash(input []byte) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range string(input) {
		r = unicode.ToLower(r)
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteByte(' ')
			}
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	h := sha256.Sum256([]byte(strings.TrimSpace(b.String())))
	return hex.EncodeToString(h[:])
}

// CreateRun inserts a new execution in status=queued, computing
// input_hash/normalized_hash from the canonicalized input (spec.md
// §4.2). retryOf links this attempt into the lineage tree rooted at the
// first attempt on the document.
func (s *Store) CreateRun(ctx context.Context, docID, ownerID, modelVersion, promptHash string, input []byte, workspace, docType string, retryOf *string) (*Execution, error) {
	if ownerID == "" {
		return nil, document.ErrOwnerRequired
	}
	e := &Execution{
		ID:               uuid.NewString(),
		DocumentID:       docID,
		OwnerID:          ownerID,
		Status:           StatusQueued,
		ModelVersion:     modelVersion,
		PromptHash:       promptHash,
		InputHash:        HashInput(input, workspace, docType),
		NormalizedHash:   NormalizedHash(input),
		RetryOfExecution: retryOf,
		CreatedAt:        time.Now(),
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO executions
			(execution_id, document_id, owner_id, status, model_version, prompt_hash,
			 input_hash, normalized_hash, retry_of_execution_id, error_code,
			 error_message, result, duration_ms, created_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		e.ID, e.DocumentID, e.OwnerID, e.Status, e.ModelVersion, e.PromptHash,
		e.InputHash, e.NormalizedHash, e.RetryOfExecution, e.ErrorCode,
		e.ErrorMessage, e.Result, e.DurationMs, e.CreatedAt, e.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// StartRun transitions queued->running (CAS; §3 "queued -> running ->
// {succeeded|failed|canceled}").
func (s *Store) StartRun(ctx context.Context, execID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE executions SET status=$1 WHERE execution_id=$2 AND status=$3`,
		StatusRunning, execID, StatusQueued,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusMismatch
	}
	return nil
}

// FinishRun marks a running execution terminal and, only on success,
// atomically sets the document's active_execution_id within the same
// transaction (§3, §9: "Failed executions never mutate
// active_execution_id"). The running->terminal transition is itself a
// CAS so a sweep racing a live worker can't double-finish a run.
func (s *Store) FinishRun(ctx context.Context, execID, docID string, status Status, errCode, errMsg string, result json.RawMessage, durationMs int64) error {
	tx, err := s.beginner.Begin(ctx)
	if err != nil {
		return apperror.Wrap(apperror.TransientInfra, "begin finish-run transaction", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	tag, err := tx.Exec(ctx,
		`UPDATE executions SET status=$1, error_code=$2, error_message=$3, result=$4,
			duration_ms=$5, completed_at=$6 WHERE execution_id=$7 AND status=$8`,
		status, errCode, errMsg, result, durationMs, now, execID, StatusRunning,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusMismatch
	}

	if status == StatusSucceeded {
		txDocs := document.NewRepository(tx)
		if err := txDocs.SetActiveExecution(ctx, docID, execID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// FailStaleRunning marks every execution still "running" for docID as
// failed with TRANSIENT_EXHAUSTED, without touching active_execution_id
// (spec.md §9's stale-execution sweep invariant, scenario 5). It never
// transitions a row that has already reached a terminal status.
func (s *Store) FailStaleRunning(ctx context.Context, docID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE executions SET status=$1, error_code=$2, error_message=$3, completed_at=$4
		 WHERE document_id=$5 AND status=$6`,
		StatusFailed, string(apperror.TransientInfra), "lease expired while execution was running", time.Now(), docID, StatusRunning,
	)
	return err
}

// Get fetches a single execution.
func (s *Store) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRow(ctx,
		`SELECT execution_id, document_id, owner_id, status, model_version, prompt_hash,
			input_hash, normalized_hash, retry_of_execution_id, error_code, error_message,
			result, duration_ms, created_at, completed_at
		 FROM executions WHERE execution_id=$1`, id,
	)
	return scanExecution(row)
}

// FindPriorSuccess returns the most recent succeeded execution with
// the given input_hash, used by the orchestrator's re-entry logic to
// short-circuit a re-run of content it has already processed (§4.2,
// §4.4 "Re-entry"). Matching by hash rather than recency means a
// document that alternated between two contents still finds the right
// prior run for either of them.
func (s *Store) FindPriorSuccess(ctx context.Context, docID, inputHash string) (*Execution, error) {
	row := s.db.QueryRow(ctx,
		`SELECT execution_id, document_id, owner_id, status, model_version, prompt_hash,
			input_hash, normalized_hash, retry_of_execution_id, error_code, error_message,
			result, duration_ms, created_at, completed_at
		 FROM executions WHERE document_id=$1 AND input_hash=$2 AND status='succeeded'
		 ORDER BY created_at DESC LIMIT 1`, docID, inputHash,
	)
	e, err := scanExecution(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// History returns a document's executions most-recent-first, the
// non-destructive record spec.md §3 requires. limit <= 0 means all.
func (s *Store) History(ctx context.Context, docID string, limit int) ([]*Execution, error) {
	query := `SELECT execution_id, document_id, owner_id, status, model_version, prompt_hash,
			input_hash, normalized_hash, retry_of_execution_id, error_code, error_message,
			result, duration_ms, created_at, completed_at
		 FROM executions WHERE document_id=$1 ORDER BY created_at DESC`
	args := []any{docID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		e, err := scanExecutionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(row pgx.Row) (*Execution, error) {
	e := &Execution{}
	if err := row.Scan(&e.ID, &e.DocumentID, &e.OwnerID, &e.Status, &e.ModelVersion,
		&e.PromptHash, &e.InputHash, &e.NormalizedHash, &e.RetryOfExecution,
		&e.ErrorCode, &e.ErrorMessage, &e.Result, &e.DurationMs, &e.CreatedAt, &e.CompletedAt); err != nil {
		return nil, err
	}
	return e, nil
}

func scanExecutionRows(rows pgx.Rows) (*Execution, error) {
	e := &Execution{}
	if err := rows.Scan(&e.ID, &e.DocumentID, &e.OwnerID, &e.Status, &e.ModelVersion,
		&e.PromptHash, &e.InputHash, &e.NormalizedHash, &e.RetryOfExecution,
		&e.ErrorCode, &e.ErrorMessage, &e.Result, &e.DurationMs, &e.CreatedAt, &e.CompletedAt); err != nil {
		return nil, err
	}
	return e, nil
}

// Package lease is the Lease Manager (spec.md §3, §4.3 C3): a
// repository-backed single-writer claim on a document, acquired by
// CAS-insert and renewed by a heartbeat goroutine, with a janitor that
// sweeps expired leases and stale "running" executions at least once
// per lease_ttl.
//
// Grounded on other_examples' mycelian-memory outbox worker: the same
// "SELECT ... FOR UPDATE SKIP LOCKED"-style claim, heartbeat-renew,
// release-on-completion shape, adapted from a queue-claim to a
// per-document exclusive lock.
package lease

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixell07/multi-tenant-ai/internal/apperror"
	"github.com/pixell07/multi-tenant-ai/internal/document"
)

// Lease is a single-writer claim on a document (spec.md §3).
type Lease struct {
	DocID       string
	WorkerID    string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	HeartbeatAt time.Time
}

var ErrHeld = apperror.New(apperror.TransientInfra, "lease already held")

// Manager wraps the processing_lock table.
type Manager struct {
	db *pgxpool.Pool
}

func NewManager(db *pgxpool.Pool) *Manager {
	return &Manager{db: db}
}

// Acquire performs the CAS-insert: it succeeds only if no unexpired
// lease exists for docID (first-writer-wins; losers treat the document
// as taken and move on, per §4.3).
func (m *Manager) Acquire(ctx context.Context, docID, workerID string, ttl time.Duration) (*Lease, error) {
	now := time.Now()
	l := &Lease{DocID: docID, WorkerID: workerID, AcquiredAt: now, ExpiresAt: now.Add(ttl), HeartbeatAt: now}

	tag, err := m.db.Exec(ctx,
		`INSERT INTO processing_lock (doc_id, worker_id, acquired_at, expires_at, heartbeat_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (doc_id) DO UPDATE
		   SET worker_id=$2, acquired_at=$3, expires_at=$4, heartbeat_at=$5
		   WHERE processing_lock.expires_at < $3`,
		l.DocID, l.WorkerID, l.AcquiredAt, l.ExpiresAt, l.HeartbeatAt,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.TransientInfra, "acquire lease", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrHeld
	}
	return l, nil
}

// Renew extends an owned lease by ttl from now; a no-op if workerID no
// longer owns it (another worker's janitor-forced release won the race).
func (m *Manager) Renew(ctx context.Context, docID, workerID string, ttl time.Duration) error {
	now := time.Now()
	_, err := m.db.Exec(ctx,
		`UPDATE processing_lock SET expires_at=$1, heartbeat_at=$2 WHERE doc_id=$3 AND worker_id=$4`,
		now.Add(ttl), now, docID, workerID,
	)
	return err
}

// Release drops an owned lease; a no-op if workerID mismatches.
func (m *Manager) Release(ctx context.Context, docID, workerID string) error {
	_, err := m.db.Exec(ctx, `DELETE FROM processing_lock WHERE doc_id=$1 AND worker_id=$2`, docID, workerID)
	return err
}

// ForceRelease drops a lease regardless of owner; used by the janitor
// and the ops RELEASE_LEASE applier effect.
func (m *Manager) ForceRelease(ctx context.Context, docID string) error {
	_, err := m.db.Exec(ctx, `DELETE FROM processing_lock WHERE doc_id=$1`, docID)
	return err
}

// Expired returns leases whose expires_at has already passed.
func (m *Manager) Expired(ctx context.Context, now time.Time) ([]*Lease, error) {
	rows, err := m.db.Query(ctx,
		`SELECT doc_id, worker_id, acquired_at, expires_at, heartbeat_at
		 FROM processing_lock WHERE expires_at < $1`, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Lease
	for rows.Next() {
		l := &Lease{}
		if err := rows.Scan(&l.DocID, &l.WorkerID, &l.AcquiredAt, &l.ExpiresAt, &l.HeartbeatAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Renewer is the single call Heartbeat needs; *Manager satisfies it.
type Renewer interface {
	Renew(ctx context.Context, docID, workerID string, ttl time.Duration) error
}

// Heartbeat runs a ticker that renews an acquired lease at ttl*fraction
// until ctx is canceled. A failed renewal is logged and the loop keeps
// ticking; it never ends the heartbeat. A lease that expires anyway is
// reclaimed by the janitor.
func Heartbeat(ctx context.Context, mgr Renewer, docID, workerID string, ttl time.Duration, fraction float64, log *slog.Logger) {
	interval := time.Duration(float64(ttl) * fraction)
	if interval <= 0 {
		interval = ttl / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mgr.Renew(ctx, docID, workerID, ttl); err != nil {
				log.Warn("lease renew failed", "doc_id", docID, "worker_id", workerID, "error", err)
			}
		}
	}
}

// Narrow slices of the manager, document repository, and execution
// store the janitor sweeps through. Declared locally (rather than
// importing internal/execution) to keep lease free of a dependency on
// the execution package and to let tests substitute fakes.
type leaseSweeper interface {
	Expired(ctx context.Context, now time.Time) ([]*Lease, error)
	ForceRelease(ctx context.Context, docID string) error
}

type docResetter interface {
	Get(ctx context.Context, id string) (*document.Document, error)
	ForceSetStatus(ctx context.Context, docID string, next document.Status) error
}

type executionFailer interface {
	FailStaleRunning(ctx context.Context, docID string) error
}

// Janitor periodically sweeps expired leases (forcing release and
// resetting the document to pending if it was processing) and stale
// running executions, at least once per lease_ttl (§9 Open Question:
// "at least once per lease_ttl").
type Janitor struct {
	leases leaseSweeper
	docs   docResetter
	execs  executionFailer
	ttl    time.Duration
	log    *slog.Logger
}

func NewJanitor(leases *Manager, docs *document.Repository, execs executionFailer, ttl time.Duration, log *slog.Logger) *Janitor {
	return &Janitor{leases: leases, docs: docs, execs: execs, ttl: ttl, log: log}
}

// Run blocks sweeping every ttl until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

func (j *Janitor) sweepOnce(ctx context.Context) {
	expired, err := j.leases.Expired(ctx, time.Now())
	if err != nil {
		j.log.Error("janitor: list expired leases failed", "error", err)
		return
	}
	for _, l := range expired {
		j.log.Warn("janitor: releasing expired lease", "doc_id", l.DocID, "worker_id", l.WorkerID)
		if err := j.leases.ForceRelease(ctx, l.DocID); err != nil {
			j.log.Error("janitor: force release failed", "doc_id", l.DocID, "error", err)
			continue
		}
		doc, err := j.docs.Get(ctx, l.DocID)
		if err != nil {
			if err == pgx.ErrNoRows {
				continue
			}
			j.log.Error("janitor: get document failed", "doc_id", l.DocID, "error", err)
			continue
		}
		if doc.ProcessingStatus == document.StatusProcessing {
			if err := j.docs.ForceSetStatus(ctx, l.DocID, document.StatusPending); err != nil {
				j.log.Error("janitor: reset document failed", "doc_id", l.DocID, "error", err)
			}
		}
		if j.execs != nil {
			if err := j.execs.FailStaleRunning(ctx, l.DocID); err != nil {
				j.log.Error("janitor: fail stale running execution failed", "doc_id", l.DocID, "error", err)
			}
		}
	}
}

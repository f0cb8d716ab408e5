// Package progress is the Progress Publisher (spec.md §4.6 C6): it
// collects stage/pool events and coalesces them into a single-row
// repository snapshot, writing at most once per interval regardless of
// event rate, with a ring buffer of the last K events.
//
// Grounded on document.Repository's dbtx style for the singleton-row
// upsert, and on the outbox worker's ticker-driven background-loop
// shape for the coalescing writer.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is one stage/pool occurrence appended to the ring buffer.
type Event struct {
	DocID   string    `json:"doc_id"`
	StageID string    `json:"stage_id"`
	SubStep string    `json:"sub_step,omitempty"`
	TS      time.Time `json:"ts"`
}

// Snapshot is the single source of truth any UI reads (spec.md §4.6);
// it is never read back by workers for control decisions.
type Snapshot struct {
	IsProcessing    bool    `json:"is_processing"`
	CurrentIndex    int     `json:"current_index"`
	TotalCount      int     `json:"total_count"`
	CurrentFile     string  `json:"current_file"`
	SuccessCount    int     `json:"success_count"`
	ErrorCount      int     `json:"error_count"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	MemoryUsedGB    float64 `json:"memory_used_gb"`
	MemoryTotalGB   float64 `json:"memory_total_gb"`
	ThrottleDelayMs int64   `json:"throttle_delay_ms"`
	AdjustmentCount int     `json:"adjustment_count"`
	MaxParallel     int     `json:"max_parallel"`
	CurrentWorkers  int     `json:"current_workers"`
	Logs            []Event `json:"logs"`
}

// Store persists the singleton progress row.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Write(ctx context.Context, snap Snapshot) error {
	logs, err := json.Marshal(snap.Logs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO progress (id, is_processing, current_index, total_count, current_file,
			success_count, error_count, cpu_percent, memory_percent, memory_used_gb, memory_total_gb,
			throttle_delay_ms, adjustment_count, max_parallel, current_workers, logs, updated_at)
		 VALUES (1,$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		 ON CONFLICT (id) DO UPDATE SET
			is_processing=$1, current_index=$2, total_count=$3, current_file=$4,
			success_count=$5, error_count=$6, cpu_percent=$7, memory_percent=$8,
			memory_used_gb=$9, memory_total_gb=$10, throttle_delay_ms=$11,
			adjustment_count=$12, max_parallel=$13, current_workers=$14, logs=$15, updated_at=$16`,
		snap.IsProcessing, snap.CurrentIndex, snap.TotalCount, snap.CurrentFile,
		snap.SuccessCount, snap.ErrorCount, snap.CPUPercent, snap.MemoryPercent,
		snap.MemoryUsedGB, snap.MemoryTotalGB, snap.ThrottleDelayMs, snap.AdjustmentCount,
		snap.MaxParallel, snap.CurrentWorkers, logs, time.Now(),
	)
	return err
}

func (s *Store) Read(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var logs []byte
	err := s.db.QueryRow(ctx,
		`SELECT is_processing, current_index, total_count, current_file, success_count,
			error_count, cpu_percent, memory_percent, memory_used_gb, memory_total_gb,
			throttle_delay_ms, adjustment_count, max_parallel, current_workers, logs
		 FROM progress WHERE id=1`,
	).Scan(&snap.IsProcessing, &snap.CurrentIndex, &snap.TotalCount, &snap.CurrentFile,
		&snap.SuccessCount, &snap.ErrorCount, &snap.CPUPercent, &snap.MemoryPercent,
		&snap.MemoryUsedGB, &snap.MemoryTotalGB, &snap.ThrottleDelayMs, &snap.AdjustmentCount,
		&snap.MaxParallel, &snap.CurrentWorkers, &logs)
	if err == pgx.ErrNoRows {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	_ = json.Unmarshal(logs, &snap.Logs)
	return snap, nil
}

// snapshotWriter is the narrow slice of Store the Publisher depends on,
// letting tests substitute a fake instead of a live database.
type snapshotWriter interface {
	Write(ctx context.Context, snap Snapshot) error
}

// Publisher coalesces events into Snapshot and flushes to Store on a
// fixed interval — "at most one repository write per 500ms regardless
// of event rate" (spec.md §4.6).
type Publisher struct {
	store    snapshotWriter
	interval time.Duration
	ringSize int
	log      *slog.Logger

	mu    sync.Mutex
	snap  Snapshot
	dirty bool
}

func NewPublisher(store *Store, interval time.Duration, ringSize int, log *slog.Logger) *Publisher {
	return &Publisher{store: store, interval: interval, ringSize: ringSize, log: log}
}

// Emit records a stage/pool event, appending to the ring buffer and
// dropping the oldest entry once ringSize is exceeded.
func (p *Publisher) Emit(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Logs = append(p.snap.Logs, ev)
	if over := len(p.snap.Logs) - p.ringSize; over > 0 {
		p.snap.Logs = p.snap.Logs[over:]
	}
	p.dirty = true
}

// Update mutates counters (success/error/current_index/etc.) under the
// same lock the ring buffer uses, then marks the snapshot dirty.
func (p *Publisher) Update(fn func(*Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.snap)
	p.dirty = true
}

// Run flushes the coalesced snapshot to the store every interval until
// ctx is canceled, then performs one final flush.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.flush(context.Background())
			return
		case <-ticker.C:
			p.flush(ctx)
		}
	}
}

func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return
	}
	snap := p.snap
	p.dirty = false
	p.mu.Unlock()

	if err := p.store.Write(ctx, snap); err != nil {
		p.log.Error("progress: write snapshot failed", "error", err)
	}
}

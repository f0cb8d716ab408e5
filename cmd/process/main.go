// The processing binary: runs one bounded batch (--limit N) or a single
// document (--doc-id D) through the pipeline and exits. There is no
// continuous-loop mode; long-lived operation comes from external
// scheduling (cron, systemd timers) re-invoking this command.
//
// Exit codes: 0 clean drain, 1 documents failed, 2 bad usage, 3 config
// error, 4 transient infra error (retryable), 5 fatal.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/pixell07/multi-tenant-ai/internal/chunkstore"
	"github.com/pixell07/multi-tenant-ai/internal/config"
	"github.com/pixell07/multi-tenant-ai/internal/connector"
	"github.com/pixell07/multi-tenant-ai/internal/document"
	"github.com/pixell07/multi-tenant-ai/internal/embedding"
	"github.com/pixell07/multi-tenant-ai/internal/execution"
	"github.com/pixell07/multi-tenant-ai/internal/lease"
	"github.com/pixell07/multi-tenant-ai/internal/llm"
	"github.com/pixell07/multi-tenant-ai/internal/migrate"
	"github.com/pixell07/multi-tenant-ai/internal/opsrequest"
	"github.com/pixell07/multi-tenant-ai/internal/orchestrator"
	"github.com/pixell07/multi-tenant-ai/internal/pool"
	"github.com/pixell07/multi-tenant-ai/internal/progress"
	"github.com/pixell07/multi-tenant-ai/internal/retrieval"
	"github.com/pixell07/multi-tenant-ai/internal/stage"
)

const (
	exitFailedDocs = 1
	exitBadUsage   = 2
	exitConfig     = 3
	exitTransient  = 4
	exitFatal      = 5
)

// exitError carries a process exit code up through cobra's RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

var (
	flagLimit     int
	flagWorkspace string
	flagDocID     string
	flagReuse     bool
)

var rootCmd = &cobra.Command{
	Use:          "process",
	Short:        "Run one bounded processing batch over pending documents",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagDocID == "" && flagLimit <= 0 {
			return &exitError{code: exitBadUsage, err: errors.New("either --limit N or --doc-id D is required")}
		}
		return runBatch()
	},
}

func init() {
	rootCmd.Flags().IntVar(&flagLimit, "limit", 0, "maximum number of documents to process")
	rootCmd.Flags().StringVar(&flagWorkspace, "workspace", "", "only process documents in this workspace")
	rootCmd.Flags().StringVar(&flagDocID, "doc-id", "", "process exactly this document")
	rootCmd.Flags().BoolVar(&flagReuse, "reuse", true, "short-circuit unchanged documents from their prior successful run")
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			slog.Error("process failed", "error", ee.err)
			os.Exit(ee.code)
		}
		os.Exit(exitBadUsage)
	}
}

func runBatch() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(cfg.DatabaseURL); err != nil {
		return &exitError{code: exitTransient, err: err}
	}

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return &exitError{code: exitTransient, err: err}
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return &exitError{code: exitTransient, err: err}
	}

	spool, err := connector.NewDir(cfg.SpoolDir)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	embedder, err := embedding.NewOpenAIEmbedder(cfg.OpenAIKey)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	vectorStore, err := retrieval.NewLangChainVectorStore(ctx, db, embedder, cfg.DatabaseURL, cfg.EmbeddingDimension)
	if err != nil {
		return &exitError{code: exitTransient, err: err}
	}
	defer vectorStore.Close()

	resolver, promptHash, err := loadResolver(cfg.RoutingTablePath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	// Repositories and stores.
	docRepo := document.NewRepository(db)
	execStore := execution.NewStore(db)
	chunkRepo := chunkstore.NewRepository(db)
	leaseMgr := lease.NewManager(db)
	opsRepo := opsrequest.NewRepository(db)
	stateStore := opsrequest.NewWorkerStateStore(db)
	runEvidence := opsrequest.NewRunEvidenceStore(db)
	progressStore := progress.NewStore(db)

	log := slog.Default()
	publisher := progress.NewPublisher(progressStore, cfg.ProgressWriteInterval, cfg.ProgressRingSize, log)

	llmClient := llm.NewOpenAIClient(cfg.OpenAIKey, cfg.LLMModel)
	similar := chunkstore.NewSimilarityHelper(vectorStore)

	stages := map[stage.ID]stage.Stage{
		stage.StageE: stage.NewExtractStage(stage.PlainTextExtractor{}),
		stage.StageG: stage.NewFormatStage(llmClient),
		stage.StageH: stage.NewStructureStage(llmClient),
		stage.StageI: stage.NewSynthStage(llmClient, similar),
		stage.StageJ: stage.NewChunkStage(cfg.ChunkSize, cfg.ChunkOverlap),
		stage.StageK: stage.NewEmbedStage(embedder, vectorStore),
	}
	timeouts := map[stage.ID]time.Duration{}
	for id, d := range cfg.StageTimeouts {
		timeouts[stage.ID(id)] = d
	}
	policy := stage.RetryPolicy{
		MaxAttempts: cfg.RetryMaxCap,
		BaseWait:    cfg.RetryBaseWait,
		Factor:      cfg.RetryFactor,
		Jitter:      cfg.RetryJitter,
	}
	engine := stage.NewEngine(stages, docRepo, resolver, &progressSink{publisher}, policy, timeouts)

	workerPool := pool.New(pool.Config{
		InitialMaxParallel: cfg.MaxParallel,
		HardCap:            cfg.MaxParallelCap,
		Floor:              1,
		HighPercent:        cfg.MemHighPercent,
		LowPercent:         cfg.MemLowPercent,
		SampleInterval:     cfg.SamplerInterval,
	}, pool.GopsutilSampler{}, log)

	applier := opsrequest.NewApplier(opsRepo, stateStore, docRepo, leaseMgr, runEvidence, log)
	janitor := lease.NewJanitor(leaseMgr, docRepo, execStore, cfg.LeaseTTL, log)

	// The fixed background task set (§5): sampler/governor, applier,
	// janitor, publisher. All stop when the batch is done.
	bgCtx, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	go workerPool.RunGovernor(bgCtx)
	go applier.Run(bgCtx, 2*time.Second)
	go janitor.Run(bgCtx)
	go publisher.Run(bgCtx)
	go bridgePoolStats(bgCtx, workerPool, publisher)

	// Apply anything already queued so a STOP enqueued before this run
	// closes the gate before the first dispatch.
	if err := applier.ApplyOnce(ctx); err != nil {
		log.Warn("initial ops apply failed", "error", err)
	}

	orch := &orchestrator.Orchestrator{
		Docs:              docRepo,
		Execs:             execStore,
		Chunks:            chunkRepo,
		Leases:            leaseMgr,
		State:             stateStore,
		Pool:              workerPool,
		Engine:            engine,
		Progress:          publisher,
		Connector:         spool,
		LeaseTTL:          cfg.LeaseTTL,
		HeartbeatFraction: cfg.HeartbeatFraction,
		ModelVersion:      cfg.LLMModel,
		PromptHash:        promptHash,
		Log:               log,
	}

	started := time.Now()
	stats, err := orch.RunBatch(ctx, orchestrator.Options{
		Limit:     flagLimit,
		Workspace: flagWorkspace,
		DocID:     flagDocID,
		Reuse:     flagReuse,
	})
	finished := time.Now()

	payload, _ := json.Marshal(map[string]any{"limit": flagLimit, "workspace": flagWorkspace, "doc_id": flagDocID})
	if rerr := runEvidence.Record(ctx, &opsrequest.RunEvidence{
		Payload:    payload,
		Dispatched: stats.Dispatched,
		Succeeded:  stats.Succeeded,
		Failed:     stats.Failed,
		StartedAt:  started,
		FinishedAt: &finished,
	}); rerr != nil {
		log.Warn("record run evidence failed", "error", rerr)
	}

	// Stop background tasks, then let the publisher's final flush write
	// the terminal snapshot.
	cancelBG()
	time.Sleep(50 * time.Millisecond)

	if err != nil {
		return &exitError{code: exitTransient, err: err}
	}
	log.Info("batch complete",
		"dispatched", stats.Dispatched,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"duration", finished.Sub(started).String(),
	)
	if stats.Failed > 0 {
		return &exitError{code: exitFailedDocs, err: fmt.Errorf("%d of %d documents failed", stats.Failed, stats.Dispatched)}
	}
	return nil
}

// loadResolver reads the routing table, falling back to an empty
// resolver (default model everywhere) when no table file exists. The
// returned hash identifies the routing configuration on every
// execution row.
func loadResolver(path string) (stage.Resolver, string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Warn("no routing table found, using default model for every stage", "path", path)
		return stage.NewEmptyResolver(), "", nil
	}
	if err != nil {
		return nil, "", err
	}
	resolver, err := stage.LoadResolver(path)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(data)
	return resolver, hex.EncodeToString(sum[:]), nil
}

// progressSink adapts the Publisher to the stage engine's sink contract.
type progressSink struct {
	pub *progress.Publisher
}

func (s *progressSink) Emit(docID string, stageID stage.ID, subStep string) {
	s.pub.Emit(progress.Event{DocID: docID, StageID: string(stageID), SubStep: subStep, TS: time.Now()})
}

// bridgePoolStats copies the pool's resource counters into the progress
// snapshot once a second; the publisher coalesces the actual writes.
func bridgePoolStats(ctx context.Context, p *pool.Pool, pub *progress.Publisher) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			pub.Update(func(snap *progress.Snapshot) {
				snap.CPUPercent = s.CPUPercent
				snap.MemoryPercent = s.MemoryPercent
				snap.MemoryUsedGB = s.MemoryUsedGB
				snap.MemoryTotalGB = s.MemoryTotalGB
				snap.ThrottleDelayMs = s.ThrottleDelay.Milliseconds()
				snap.AdjustmentCount = s.AdjustmentCount
				snap.MaxParallel = s.MaxParallel
				snap.CurrentWorkers = s.CurrentWorkers
			})
		}
	}
}

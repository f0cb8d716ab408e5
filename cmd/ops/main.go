// The operator control binary: every subcommand enqueues an
// ops_request (the SSOT for intent); nothing here touches worker_state
// directly. With --apply, the Applier runs one in-process pass so the
// request takes effect immediately instead of on cmd/process's next
// applier tick.
//
// Exit codes: 0 success, 2 bad usage, 3 config error, 4 transient infra
// error (retryable), 5 fatal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/pixell07/multi-tenant-ai/internal/config"
	"github.com/pixell07/multi-tenant-ai/internal/document"
	"github.com/pixell07/multi-tenant-ai/internal/lease"
	"github.com/pixell07/multi-tenant-ai/internal/migrate"
	"github.com/pixell07/multi-tenant-ai/internal/opsrequest"
)

const (
	exitBadUsage  = 2
	exitConfig    = 3
	exitTransient = 4
	exitFatal     = 5
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

var (
	flagWorkspace string
	flagDocID     string
	flagApply     bool
	flagMaxItems  int
)

var rootCmd = &cobra.Command{
	Use:          "ops",
	Short:        "Enqueue operator requests against the processing pipeline",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagWorkspace, "workspace", "", "scope the request to a workspace")
	rootCmd.PersistentFlags().StringVar(&flagDocID, "doc-id", "", "scope the request to a document")
	rootCmd.PersistentFlags().BoolVar(&flagApply, "apply", false, "run one applier pass after enqueueing")

	rootCmd.AddCommand(
		enqueueCmd("stop", "Stop dispatching new documents", opsrequest.Stop),
		enqueueCmd("pause", "Pause processing (planned maintenance)", opsrequest.Pause),
		enqueueCmd("resume", "Resume processing after a stop or pause", opsrequest.Resume),
		releaseLeaseCmd(),
		resetStatusCmd(),
		resetStagesCmd(),
		runCmd(),
		requestsCmd(),
	)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			slog.Error("ops command failed", "error", ee.err)
			os.Exit(ee.code)
		}
		os.Exit(exitBadUsage)
	}
}

// enqueueCmd builds a subcommand for the request types whose scope is
// derived purely from the --workspace/--doc-id flags.
func enqueueCmd(use, short string, reqType opsrequest.RequestType) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(func(ctx context.Context, d deps) error {
				req := &opsrequest.OpsRequest{
					RequestType: reqType,
					RequestedBy: currentUser(),
				}
				req.ScopeType, req.ScopeID = scopeFromFlags()
				return enqueue(ctx, d, req)
			})
		},
	}
}

func releaseLeaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release-lease",
		Short: "Force-release a document's (or a workspace's) processing lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagDocID == "" && flagWorkspace == "" {
				return &exitError{code: exitBadUsage, err: errors.New("release-lease requires --doc-id or --workspace")}
			}
			return withDeps(func(ctx context.Context, d deps) error {
				req := &opsrequest.OpsRequest{
					RequestType: opsrequest.ReleaseLease,
					RequestedBy: currentUser(),
				}
				req.ScopeType, req.ScopeID = scopeFromFlags()
				return enqueue(ctx, d, req)
			})
		},
	}
}

func resetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-status",
		Short: "Reset a document (or every non-processing document in a workspace) to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagDocID == "" && flagWorkspace == "" {
				return &exitError{code: exitBadUsage, err: errors.New("reset-status requires --doc-id or --workspace")}
			}
			return withDeps(func(ctx context.Context, d deps) error {
				req := &opsrequest.OpsRequest{RequestedBy: currentUser()}
				if flagDocID != "" {
					req.RequestType = opsrequest.ResetDoc
					req.ScopeType = opsrequest.ScopeDocument
					req.ScopeID = &flagDocID
				} else {
					req.RequestType = opsrequest.ResetWorkspace
					req.ScopeType = opsrequest.ScopeWorkspace
					req.ScopeID = &flagWorkspace
				}
				return enqueue(ctx, d, req)
			})
		},
	}
}

func resetStagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-stages",
		Short: "Clear a document's per-stage output columns (executions and chunks untouched)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagDocID == "" {
				return &exitError{code: exitBadUsage, err: errors.New("reset-stages requires --doc-id")}
			}
			return withDeps(func(ctx context.Context, d deps) error {
				req := &opsrequest.OpsRequest{
					RequestType: opsrequest.ClearStages,
					ScopeType:   opsrequest.ScopeDocument,
					ScopeID:     &flagDocID,
					RequestedBy: currentUser(),
				}
				return enqueue(ctx, d, req)
			})
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Signal the orchestrator to process one bounded batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(func(ctx context.Context, d deps) error {
				payload, _ := json.Marshal(map[string]any{
					"max_items": flagMaxItems,
					"workspace": flagWorkspace,
					"doc_id":    flagDocID,
				})
				req := &opsrequest.OpsRequest{
					RequestType: opsrequest.Run,
					Payload:     payload,
					RequestedBy: currentUser(),
				}
				req.ScopeType, req.ScopeID = scopeFromFlags()
				return enqueue(ctx, d, req)
			})
		},
	}
	cmd.Flags().IntVar(&flagMaxItems, "max-items", 0, "batch size hint recorded in the request payload")
	return cmd
}

func requestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requests",
		Short: "List queued requests; with --apply, run one applier pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(func(ctx context.Context, d deps) error {
				queued, err := d.opsRepo.FetchQueued(ctx)
				if err != nil {
					return &exitError{code: exitTransient, err: err}
				}
				for _, q := range queued {
					scope := ""
					if q.ScopeID != nil {
						scope = *q.ScopeID
					}
					fmt.Printf("%s  %-16s %-10s %-36s %s\n",
						q.CreatedAt.Format("2006-01-02 15:04:05"), q.RequestType, q.ScopeType, scope, q.ID)
				}
				if len(queued) == 0 {
					fmt.Println("no queued requests")
				}
				if flagApply {
					return applyOnce(ctx, d)
				}
				return nil
			})
		},
	}
}

// deps is the wiring every subcommand shares.
type deps struct {
	db      *pgxpool.Pool
	opsRepo *opsrequest.Repository
	applier *opsrequest.Applier
}

func withDeps(fn func(ctx context.Context, d deps) error) error {
	cfg := config.Load()
	ctx := context.Background()

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

	log := slog.Default()
	opsRepo := opsrequest.NewRepository(db)
	stateStore := opsrequest.NewWorkerStateStore(db)
	docRepo := document.NewRepository(db)
	leaseMgr := lease.NewManager(db)
	runEvidence := opsrequest.NewRunEvidenceStore(db)
	applier := opsrequest.NewApplier(opsRepo, stateStore, docRepo, leaseMgr, runEvidence, log)

	return fn(ctx, deps{db: db, opsRepo: opsRepo, applier: applier})
}

func enqueue(ctx context.Context, d deps, req *opsrequest.OpsRequest) error {
	if err := d.opsRepo.Enqueue(ctx, req); err != nil {
		return &exitError{code: exitTransient, err: err}
	}
	slog.Info("request enqueued", "request_id", req.ID, "type", req.RequestType, "scope", req.ScopeType)
	if flagApply {
		return applyOnce(ctx, d)
	}
	return nil
}

func applyOnce(ctx context.Context, d deps) error {
	if err := d.applier.ApplyOnce(ctx); err != nil {
		return &exitError{code: exitTransient, err: err}
	}
	slog.Info("applier pass complete")
	return nil
}

func scopeFromFlags() (opsrequest.ScopeType, *string) {
	switch {
	case flagDocID != "":
		return opsrequest.ScopeDocument, &flagDocID
	case flagWorkspace != "":
		return opsrequest.ScopeWorkspace, &flagWorkspace
	default:
		return opsrequest.ScopeGlobal, nil
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "cli"
}

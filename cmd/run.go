package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"pipegate/config"
	"pipegate/runner"
	"pipegate/runner/storage"
)

// RunOptions configures the 'run' command
type RunOptions struct {
	ConfigPath   string // pipegate.yaml
	PipelinePath string // pipeline.yml to execute
	AutoApprove  bool   // approve waiting stages as "cli"
}

// Run executes one pipeline file in the foreground and streams its events
// to the terminal. It returns an error unless the execution succeeds.
func Run(opts RunOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := cfg.Log.NewLogger()

	pipeline, err := runner.LoadConfig(opts.PipelinePath)
	if err != nil {
		return err
	}

	broker := runner.NewBroker(cfg.Executor.EventBuffer)
	orch := runner.New(runner.Options{
		Commands:     runner.NewShellRunner(cfg.Executor.Shell),
		Broker:       broker,
		RetryDelay:   cfg.Executor.RetryDelay,
		ApprovalMode: runner.ApprovalMode(cfg.Executor.ApprovalMode),
		Logger:       logger,
	})

	if cfg.Storage.Enabled {
		store, err := openStorage(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		recorder := runner.NewHistoryRecorder(broker, store, logger)
		recorder.Start()
		defer recorder.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub := orch.Subscribe("")
	defer sub.Close()

	id, err := orch.Execute(pipeline.ID, pipeline.Stages, pipeline.WorkingDirectory)
	if err != nil {
		return err
	}
	done, err := orch.Done(id)
	if err != nil {
		return err
	}

	interrupted := ctx.Done()
	for finished := false; !finished; {
		select {
		case event := <-sub.C:
			handleEvent(orch, event, opts.AutoApprove, logger)
		case <-interrupted:
			fmt.Println("\n🛑 Interrupted, cancelling execution")
			if err := orch.CancelExecution(id); err != nil {
				logger.Warn("cancel failed", slog.Any("error", err))
			}
			interrupted = nil
		case <-done:
			finished = true
		}
	}
	// Print whatever is still buffered
	for drained := false; !drained; {
		select {
		case event := <-sub.C:
			handleEvent(orch, event, false, logger)
		default:
			drained = true
		}
	}

	exec, err := orch.GetExecution(id)
	if err != nil {
		return err
	}

	duration := time.Duration(0)
	if exec.CompletedAt != nil {
		duration = exec.CompletedAt.Sub(exec.StartedAt).Round(time.Millisecond)
	}
	fmt.Printf("\n📊 Execution ID: %s | Status: %s | Duration: %s\n", exec.ID, exec.Status, duration)

	if exec.Status != runner.ExecutionStatusSuccess {
		return fmt.Errorf("pipeline %s finished with status %s", exec.PipelineID, exec.Status)
	}
	return nil
}

func handleEvent(orch *runner.Orchestrator, event runner.Event, autoApprove bool, logger *slog.Logger) {
	stageID := ""
	if event.Stage != nil {
		stageID = event.Stage.StageID
	}

	switch event.Type {
	case runner.EventStageStarted:
		fmt.Println("→", stageID)
	case runner.EventStageCompleted:
		printOutput(event.Stage.Output)
		fmt.Println("✅ Done:", stageID)
	case runner.EventStageFailed:
		printOutput(event.Stage.Output)
		fmt.Println("❌ Stage failed:", stageID, "-", event.Stage.Error)
	case runner.EventStageWaiting:
		fmt.Printf("⏸  Waiting for approval: %s (stage execution %s)\n", stageID, event.Stage.ID)
		if autoApprove {
			if err := orch.ApproveStage(event.Stage.ID, "cli"); err != nil {
				logger.Warn("auto-approve failed", slog.String("stage_id", stageID), slog.Any("error", err))
			}
		}
	case runner.EventStageApproved:
		fmt.Println("👍 Approved:", stageID, "by", event.Actor)
	case runner.EventStageRejected:
		fmt.Println("👎 Rejected:", stageID, "by", event.Actor)
	case runner.EventExecutionCompleted:
		if event.Execution.Status == runner.ExecutionStatusSuccess {
			fmt.Println("\n🏁 All stages finished successfully.")
		}
	case runner.EventExecutionCancelled:
		fmt.Println("🚫 Execution cancelled")
	}
}

func printOutput(output string) {
	if output = strings.TrimRight(output, "\n"); output != "" {
		fmt.Println(output)
	}
}

// openStorage creates the database directory and opens the history store
func openStorage(dbPath string) (*storage.Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewStorage(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/optiq/internal/executor"
	"github.com/ternarybob/optiq/internal/models"
	"github.com/ternarybob/optiq/internal/worker"
)

// runJob is the child process entrypoint. It reads the payload from
// stdin, runs the optimization and streams NDJSON events on stdout.
// The supervising worker owns all job store writes.
func runJob(args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: optiq run-job <job-id> <job-type>")
		return 2
	}
	jobID := args[0]
	jobType := models.JobType(args[1])

	events := worker.NewEventWriter(os.Stdout)

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		events.Failure("Failed to read payload from stdin: "+err.Error(), "")
		return 1
	}

	// SIGTERM from the parent cancels the run
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	engine := executor.NewEngine(executor.DefaultRegistry())
	progress := func(event string, metrics map[string]interface{}) {
		events.Progress(event, metrics)
	}

	switch jobType {
	case models.JobTypeGridSearch:
		var p models.GridSearchPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			events.Failure("Malformed grid search payload: "+err.Error(), "")
			return 1
		}
		events.Log(models.LogLevelInfo, "engine",
			fmt.Sprintf("Starting grid search %s over %d model pairs", jobID, p.TotalPairs()))

		result, err := engine.RunGrid(ctx, &p, jobID, progress)
		if result != nil {
			// The per-pair table is reported even when the sweep fails
			// so it lands in the job's result column.
			if werr := events.Result(result); werr != nil {
				events.Failure("Failed to serialize result: "+werr.Error(), "")
				return 1
			}
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return 1
			}
			events.Failure(err.Error(), "")
			return 1
		}

	default:
		var p models.RunPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			events.Failure("Malformed run payload: "+err.Error(), "")
			return 1
		}
		events.Log(models.LogLevelInfo, "engine",
			fmt.Sprintf("Starting optimization %s module=%s optimizer=%s", jobID, p.ModuleName, p.OptimizerName))

		result, err := engine.Run(ctx, &p, jobID, progress)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return 1
			}
			events.Failure(err.Error(), "")
			return 1
		}
		if err := events.Result(result); err != nil {
			events.Failure("Failed to serialize result: "+err.Error(), "")
			return 1
		}
	}

	return 0
}

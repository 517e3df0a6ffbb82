package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optiq/internal/common"
	"github.com/ternarybob/optiq/internal/executor"
	"github.com/ternarybob/optiq/internal/interfaces"
	"github.com/ternarybob/optiq/internal/models"
	"github.com/ternarybob/optiq/internal/storage/sqlite"
)

const validRunPayload = `{
	"username": "alice",
	"module_name": "predict",
	"optimizer_name": "mipro",
	"dataset": [{"question": "q1", "answer": "a1"}],
	"column_mapping": {"inputs": {"question": "question"}, "outputs": {"answer": "answer"}},
	"model_config": {"name": "gpt-4o-mini"}
}`

const validGridPayload = `{
	"username": "alice",
	"module_name": "predict",
	"optimizer_name": "mipro",
	"dataset": [{"question": "q1", "answer": "a1"}],
	"column_mapping": {"inputs": {"question": "question"}, "outputs": {"answer": "answer"}},
	"generation_models": [{"name": "gpt-4o-mini"}, {"name": "gpt-4o"}],
	"reflection_models": [{"name": "gpt-4o"}]
}`

// scriptedProcess replays a fixed event sequence and exits
type scriptedProcess struct {
	events  chan ChildEvent
	waitErr error

	mu         sync.Mutex
	terminated bool
}

func newScriptedProcess(waitErr error, events ...ChildEvent) *scriptedProcess {
	ch := make(chan ChildEvent, len(events)+1)
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return &scriptedProcess{events: ch, waitErr: waitErr}
}

func (p *scriptedProcess) Events() <-chan ChildEvent { return p.events }
func (p *scriptedProcess) Wait() error               { return p.waitErr }
func (p *scriptedProcess) Terminate() {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
}

// blockingProcess hangs until Terminate, like a real child that only
// stops on signal.
type blockingProcess struct {
	events chan ChildEvent
	done   chan struct{}
	once   sync.Once
}

func newBlockingProcess() *blockingProcess {
	return &blockingProcess{
		events: make(chan ChildEvent),
		done:   make(chan struct{}),
	}
}

func (p *blockingProcess) Events() <-chan ChildEvent { return p.events }
func (p *blockingProcess) Wait() error {
	<-p.done
	return errors.New("signal: terminated")
}
func (p *blockingProcess) Terminate() {
	p.once.Do(func() {
		close(p.events)
		close(p.done)
	})
}

// fakeRunner hands out a prepared process per job id
type fakeRunner struct {
	mu        sync.Mutex
	processes map[string]JobProcess
	started   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{processes: map[string]JobProcess{}}
}

func (r *fakeRunner) add(jobID string, proc JobProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[jobID] = proc
}

func (r *fakeRunner) Start(ctx context.Context, jobID string, jobType models.JobType, payload []byte) (JobProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, jobID)
	proc, ok := r.processes[jobID]
	if !ok {
		return nil, errors.New("no scripted process for job " + jobID)
	}
	return proc, nil
}

func (r *fakeRunner) startedJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.started...)
}

func setupPoolTest(t *testing.T, runner Runner) (*Pool, interfaces.JobStore) {
	return setupPoolTestWithConfig(t, runner, &common.WorkerConfig{
		Concurrency:        1,
		PollInterval:       0.01,
		CancelPollInterval: 0.05,
		StaleThreshold:     600,
		StartMethod:        "spawn",
	})
}

func setupPoolTestWithConfig(t *testing.T, runner Runner, config *common.WorkerConfig) (*Pool, interfaces.JobStore) {
	logger := arbor.NewLogger()

	db, err := sqlite.NewSQLiteDB(logger, &common.LocalConfig{
		Path:          t.TempDir() + "/test.db",
		CacheSizeMB:   10,
		BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := sqlite.NewJobStore(db, logger, &common.LimitsConfig{
		MaxProgressEvents: 100,
		MaxLogEntries:     100,
	})

	engine := executor.NewEngine(executor.DefaultRegistry())
	return NewPool(logger, store, engine, runner, config), store
}

func createJobWithPayload(t *testing.T, store interfaces.JobStore, jobID, payload string) {
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, jobID, models.JobTypeRun))
	require.NoError(t, store.UpdateJob(ctx, jobID, &models.JobUpdate{
		Payload: json.RawMessage(payload),
	}))
}

func waitForStatus(t *testing.T, store interfaces.JobStore, jobID string, status models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached status %s", jobID, status)
	return job
}

func TestPool_SuccessfulJob(t *testing.T) {
	runner := newFakeRunner()
	result := json.RawMessage(`{"module_name":"predict","optimizer_name":"mipro","metric_name":"metric"}`)
	runner.add("job-1", newScriptedProcess(nil,
		ChildEvent{Type: EventTypeProgress, Event: models.EventBaselineEvaluated, Metrics: map[string]interface{}{"baseline_test_metric": 0.4}},
		ChildEvent{Type: EventTypeLog, Level: models.LogLevelInfo, Logger: "engine", Message: "optimizing"},
		ChildEvent{Type: EventTypeResult, Result: result},
	))

	pool, store := setupPoolTest(t, runner)
	createJobWithPayload(t, store, "job-1", validRunPayload)

	pool.Start()
	defer pool.Stop(context.Background())

	assert.True(t, pool.Enqueue("job-1"))

	job := waitForStatus(t, store, "job-1", models.JobStatusSuccess)
	assert.Equal(t, "Optimization completed successfully", job.Message)
	assert.JSONEq(t, string(result), string(job.Result))
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, 0.4, job.LatestMetrics["baseline_test_metric"])

	events, err := store.GetProgressEvents(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventBaselineEvaluated, events[0].Event)

	logs, err := store.GetLogs(context.Background(), "job-1", nil)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "optimizing", logs[0].Message)

	assert.Equal(t, []string{"job-1"}, runner.startedJobs())
}

func TestPool_ChildErrorFailsJob(t *testing.T) {
	runner := newFakeRunner()
	runner.add("job-1", newScriptedProcess(errors.New("exit status 1"),
		ChildEvent{Type: EventTypeError, Error: "ValueError: bad metric", Traceback: "trace line"},
	))

	pool, store := setupPoolTest(t, runner)
	createJobWithPayload(t, store, "job-1", validRunPayload)

	pool.Start()
	defer pool.Stop(context.Background())
	pool.Enqueue("job-1")

	job := waitForStatus(t, store, "job-1", models.JobStatusFailed)
	assert.Equal(t, "ValueError: bad metric", job.Message)

	logs, err := store.GetLogs(context.Background(), "job-1", &interfaces.LogQuery{Level: models.LogLevelError})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "trace line", logs[0].Message)
}

func TestPool_ChildErrorKeepsReportedResult(t *testing.T) {
	gridResult := json.RawMessage(`{
		"module_name": "predict",
		"optimizer_name": "mipro",
		"total_pairs": 2,
		"completed_pairs": 0,
		"failed_pairs": 2,
		"pair_results": [
			{"pair_index": 0, "generation_model": "gpt-4o-mini", "reflection_model": "gpt-4o", "error": "APIError: model unavailable"},
			{"pair_index": 1, "generation_model": "gpt-4o", "reflection_model": "gpt-4o", "error": "APIError: model unavailable"}
		]
	}`)
	runner := newFakeRunner()
	runner.add("job-1", newScriptedProcess(errors.New("exit status 1"),
		ChildEvent{Type: EventTypeResult, Result: gridResult},
		ChildEvent{Type: EventTypeError, Error: "all 2 grid pairs failed"},
	))

	pool, store := setupPoolTest(t, runner)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, "job-1", models.JobTypeGridSearch))
	require.NoError(t, store.UpdateJob(ctx, "job-1", &models.JobUpdate{
		Payload: json.RawMessage(validGridPayload),
	}))

	pool.Start()
	defer pool.Stop(context.Background())
	pool.Enqueue("job-1")

	// The sweep fails, but the per-pair table reported by the child is
	// still persisted in the result column.
	job := waitForStatus(t, store, "job-1", models.JobStatusFailed)
	assert.Equal(t, "all 2 grid pairs failed", job.Message)
	assert.JSONEq(t, string(gridResult), string(job.Result))
}

func TestPool_SilentExitFailsJob(t *testing.T) {
	runner := newFakeRunner()
	runner.add("job-1", newScriptedProcess(errors.New("exit status 137")))

	pool, store := setupPoolTest(t, runner)
	createJobWithPayload(t, store, "job-1", validRunPayload)

	pool.Start()
	defer pool.Stop(context.Background())
	pool.Enqueue("job-1")

	job := waitForStatus(t, store, "job-1", models.JobStatusFailed)
	assert.Equal(t, "RuntimeError: job process exited without reporting a result (exit status 137)", job.Message)
}

func TestPool_ValidationFailureSkipsRunner(t *testing.T) {
	runner := newFakeRunner()
	pool, store := setupPoolTest(t, runner)

	payload := `{
		"username": "alice",
		"module_name": "predict",
		"optimizer_name": "no_such_optimizer",
		"dataset": [{"question": "q1", "answer": "a1"}],
		"column_mapping": {"inputs": {"question": "question"}},
		"model_config": {"name": "gpt-4o-mini"}
	}`
	createJobWithPayload(t, store, "job-1", payload)

	pool.Start()
	defer pool.Stop(context.Background())
	pool.Enqueue("job-1")

	job := waitForStatus(t, store, "job-1", models.JobStatusFailed)
	assert.Contains(t, job.Message, "Validation failed:")
	assert.Contains(t, job.Message, "unknown optimizer name")
	assert.Empty(t, runner.startedJobs())
}

func TestPool_MissingPayloadFailsJob(t *testing.T) {
	runner := newFakeRunner()
	pool, store := setupPoolTest(t, runner)

	require.NoError(t, store.CreateJob(context.Background(), "job-1", models.JobTypeRun))

	pool.Start()
	defer pool.Stop(context.Background())
	pool.Enqueue("job-1")

	job := waitForStatus(t, store, "job-1", models.JobStatusFailed)
	assert.Equal(t, "Job has no stored payload", job.Message)
	assert.Empty(t, runner.startedJobs())
}

func TestPool_EnqueueDeduplicates(t *testing.T) {
	pool, store := setupPoolTest(t, newFakeRunner())
	createJobWithPayload(t, store, "job-1", validRunPayload)

	// Not started; jobs stay queued
	assert.True(t, pool.Enqueue("job-1"))
	assert.False(t, pool.Enqueue("job-1"))

	stats := pool.Stats()
	assert.Equal(t, 1, stats.PendingJobs)
}

func TestPool_CancelDequeuesPendingJob(t *testing.T) {
	pool, store := setupPoolTest(t, newFakeRunner())
	createJobWithPayload(t, store, "job-1", validRunPayload)

	pool.Enqueue("job-1")
	assert.Equal(t, CancelDequeued, pool.Cancel("job-1"))
	assert.Equal(t, 0, pool.Stats().PendingJobs)

	assert.Equal(t, CancelUnknown, pool.Cancel("job-1"))
}

func TestPool_CancelTerminatesRunningJob(t *testing.T) {
	runner := newFakeRunner()
	proc := newBlockingProcess()
	runner.add("job-1", proc)

	pool, store := setupPoolTest(t, runner)
	createJobWithPayload(t, store, "job-1", validRunPayload)

	pool.Start()
	defer pool.Stop(context.Background())
	pool.Enqueue("job-1")

	waitForStatus(t, store, "job-1", models.JobStatusRunning)

	assert.Equal(t, CancelSignalled, pool.Cancel("job-1"))

	job := waitForStatus(t, store, "job-1", models.JobStatusCancelled)
	assert.Equal(t, "Cancelled by user", job.Message)
	require.NotNil(t, job.CompletedAt)
}

func TestPool_StopFailsProcessingJobs(t *testing.T) {
	runner := newFakeRunner()
	proc := newBlockingProcess()
	runner.add("job-1", proc)

	pool, store := setupPoolTest(t, runner)
	createJobWithPayload(t, store, "job-1", validRunPayload)
	createJobWithPayload(t, store, "job-2", validRunPayload)

	pool.Start()
	pool.Enqueue("job-1")

	waitForStatus(t, store, "job-1", models.JobStatusRunning)

	// Queued behind the blocked worker; must survive the shutdown
	pool.Enqueue("job-2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "Job interrupted by service shutdown", job.Message)

	job, err = store.GetJob(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
}

func TestPool_HealthyWhileSupervisingQuietChild(t *testing.T) {
	runner := newFakeRunner()
	proc := newBlockingProcess()
	runner.add("job-1", proc)

	pool, store := setupPoolTestWithConfig(t, runner, &common.WorkerConfig{
		Concurrency:        1,
		PollInterval:       0.01,
		CancelPollInterval: 0.05,
		StaleThreshold:     0.4,
		StartMethod:        "spawn",
	})
	createJobWithPayload(t, store, "job-1", validRunPayload)

	pool.Start()
	defer pool.Stop(context.Background())
	pool.Enqueue("job-1")

	waitForStatus(t, store, "job-1", models.JobStatusRunning)

	// Well past the stale threshold with no child events; supervision
	// itself must keep the worker's heartbeat fresh.
	time.Sleep(700 * time.Millisecond)
	assert.True(t, pool.Healthy())

	pool.Cancel("job-1")
	waitForStatus(t, store, "job-1", models.JobStatusCancelled)
}

func TestPool_StatsAndHealth(t *testing.T) {
	pool, _ := setupPoolTest(t, newFakeRunner())

	// Not started yet: no workers alive
	assert.False(t, pool.Healthy())

	pool.Start()
	defer pool.Stop(context.Background())

	stats := pool.Stats()
	assert.Equal(t, 1, stats.WorkerThreads)
	assert.Equal(t, 1, stats.WorkersAlive)
	assert.Equal(t, 0, stats.ActiveJobs)
	assert.False(t, stats.LastActivity.IsZero())
	assert.True(t, pool.Healthy())
}

package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optiq/internal/models"
)

const (
	// sigtermGrace is how long a child gets to exit cleanly after
	// SIGTERM before it is killed.
	sigtermGrace = 3 * time.Second
	// sigkillGrace is how long to wait for the process to disappear
	// after SIGKILL.
	sigkillGrace = 2 * time.Second

	// maxEventLine bounds a single stdout event line. Result events
	// carry serialized artifacts, so the limit is generous.
	maxEventLine = 16 * 1024 * 1024
)

// JobProcess is one running job child under supervision
type JobProcess interface {
	// Events streams decoded stdout events plus stderr lines wrapped as
	// WARNING logs. The channel closes when both pipes are drained.
	Events() <-chan ChildEvent

	// Wait blocks until the process exits and returns its exit error
	Wait() error

	// Terminate asks the process to stop with SIGTERM, escalating to
	// SIGKILL after a grace period.
	Terminate()
}

// Runner launches job child processes
type Runner interface {
	Start(ctx context.Context, jobID string, jobType models.JobType, payload []byte) (JobProcess, error)
}

// ProcessRunner executes each job in a child process of this binary.
// The payload travels on stdin; events come back as NDJSON on stdout.
type ProcessRunner struct {
	logger arbor.ILogger

	// Command overrides the child argv. Empty means re-exec the current
	// binary with the run-job entrypoint.
	Command []string
}

// NewProcessRunner creates a runner that re-executes the current binary
func NewProcessRunner(logger arbor.ILogger) *ProcessRunner {
	return &ProcessRunner{logger: logger}
}

// Start spawns the child, feeds it the payload and begins draining its
// output pipes.
func (r *ProcessRunner) Start(ctx context.Context, jobID string, jobType models.JobType, payload []byte) (JobProcess, error) {
	argv := r.Command
	if len(argv) == 0 {
		executable, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("cannot locate own binary: %w", err)
		}
		argv = []string{executable, "run-job"}
	}

	args := append(append([]string{}, argv[1:]...), jobID, string(jobType))
	cmd := exec.CommandContext(ctx, argv[0], args...)
	cmd.Stdin = bytes.NewReader(payload)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start job process: %w", err)
	}

	r.logger.Debug().
		Str("job_id", jobID).
		Int("pid", cmd.Process.Pid).
		Msg("Job process started")

	proc := &childProcess{
		jobID:  jobID,
		cmd:    cmd,
		logger: r.logger,
		events: make(chan ChildEvent, 64),
		done:   make(chan struct{}),
	}

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxEventLine)
		for scanner.Scan() {
			event := ParseEvent(scanner.Bytes())
			if event.Type == "" {
				continue
			}
			proc.events <- event
		}
	}()
	go func() {
		defer pipes.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), maxEventLine)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			proc.events <- ChildEvent{
				Type:    EventTypeLog,
				Level:   models.LogLevelWarning,
				Logger:  "stderr",
				Message: line,
			}
		}
	}()
	go func() {
		// Wait closes the pipe read ends, so both scanners must finish
		// draining before the process is reaped. A fast-exiting child's
		// trailing result line would otherwise be lost.
		pipes.Wait()
		close(proc.events)
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()

	return proc, nil
}

type childProcess struct {
	jobID   string
	cmd     *exec.Cmd
	logger  arbor.ILogger
	events  chan ChildEvent
	done    chan struct{}
	waitErr error

	terminateOnce sync.Once
}

func (p *childProcess) Events() <-chan ChildEvent {
	return p.events
}

func (p *childProcess) Wait() error {
	<-p.done
	return p.waitErr
}

func (p *childProcess) Terminate() {
	p.terminateOnce.Do(func() {
		p.logger.Info().Str("job_id", p.jobID).Msg("Terminating job process")

		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// Already gone
			return
		}
		select {
		case <-p.done:
			return
		case <-time.After(sigtermGrace):
		}

		p.logger.Warn().Str("job_id", p.jobID).Msg("Job process ignored SIGTERM, killing")
		if err := p.cmd.Process.Kill(); err != nil {
			return
		}
		select {
		case <-p.done:
		case <-time.After(sigkillGrace):
			p.logger.Error().Str("job_id", p.jobID).Msg("Job process survived SIGKILL")
		}
	})
}

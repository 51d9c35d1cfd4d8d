// Package training runs the external training job on exported feedback and
// records the outcome.
package training

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/Veraticus/derma-loop/internal/common"
)

// Job describes one training invocation.
type Job struct {
	Name      string
	DataYAML  string
	OutputDir string
}

// JobResult is what the training process reported.
type JobResult struct {
	// Output holds the last lines the process printed.
	Output   string
	ExitCode int
}

// Runner executes a training job.
type Runner interface {
	Run(ctx context.Context, job Job) (*JobResult, error)
}

// outputTail is how many lines of process output are kept.
const outputTail = 40

// CommandRunner runs an external command. Arguments may contain the
// placeholders {data}, {output} and {name}.
type CommandRunner struct {
	logger  *slog.Logger
	Command string
	Args    []string
	Dir     string
}

// NewCommandRunner creates a runner for command.
func NewCommandRunner(command string, args []string, logger *slog.Logger) (*CommandRunner, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%w: training command is empty", common.ErrInvalidConfig)
	}
	return &CommandRunner{Command: command, Args: args, logger: common.OrDefault(logger)}, nil
}

// ExpandArgs substitutes job values into the argument templates.
func ExpandArgs(args []string, job Job) []string {
	replacer := strings.NewReplacer(
		"{data}", job.DataYAML,
		"{output}", job.OutputDir,
		"{name}", job.Name,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = replacer.Replace(a)
	}
	return out
}

// Run starts the command and waits for it. A non-zero exit is reported in
// the result, not as an error; errors mean the process could not run.
func (r *CommandRunner) Run(ctx context.Context, job Job) (*JobResult, error) {
	args := ExpandArgs(r.Args, job)
	r.logger.Info("starting training process", "command", r.Command, "args", args)

	cmd := exec.CommandContext(ctx, r.Command, args...) // #nosec G204 - command comes from user configuration
	cmd.Dir = r.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to capture stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to capture stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", r.Command, err)
	}

	tail := newTail(outputTail)
	var wg sync.WaitGroup
	wg.Add(2)
	go r.stream(&wg, stdout, "stdout", tail)
	go r.stream(&wg, stderr, "stderr", tail)
	wg.Wait()

	err = cmd.Wait()
	result := &JobResult{Output: tail.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, fmt.Errorf("training canceled: %w", ctx.Err())
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("training process failed: %w", err)
	}

	r.logger.Info("training process exited", "exit_code", result.ExitCode)
	return result, nil
}

func (r *CommandRunner) stream(wg *sync.WaitGroup, rd io.Reader, name string, tail *lineTail) {
	defer wg.Done()
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		r.logger.Debug("training output", "stream", name, "line", line)
		tail.Add(line)
	}
}

// lineTail keeps the most recent lines written by either stream.
type lineTail struct {
	lines []string
	mu    sync.Mutex
	limit int
}

func newTail(limit int) *lineTail {
	return &lineTail{limit: limit}
}

func (t *lineTail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

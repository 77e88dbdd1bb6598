// Package worker implements the local worker supervisor: it launches a
// container task carrier for every locally-assigned ASSIGN_TASK decision
// and delivers each completion on a channel, from which the node records
// it in the replicated store.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/orbitmesh/node/pkg/logging"
)

// Runtime is the opaque container-runtime capability consumed by the
// supervisor, matching spec.md §6's run(image, argv, stdout_sink, options)
// contract. No container-SDK dependency exists anywhere in the retrieved
// corpus, so the reference implementation below shells out to a
// configurable runtime binary; Runtime itself stays an interface so a
// different implementation can be substituted without touching the
// supervisor.
type Runtime interface {
	Run(ctx context.Context, image string, argv []string, stdout func(line string)) (exitCode int, err error)
}

// CommandRuntime runs `<bin> run --rm <image> <argv...>` via os/exec,
// streaming combined stdout/stderr line-by-line to the stdout callback.
type CommandRuntime struct {
	Bin string // e.g. "docker", "podman"
}

func (r *CommandRuntime) Run(ctx context.Context, image string, argv []string, stdout func(line string)) (int, error) {
	args := append([]string{"run", "--rm", image}, argv...)
	cmd := exec.CommandContext(ctx, r.Bin, args...)

	out, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("worker: start %s: %w", r.Bin, err)
	}

	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		if stdout != nil {
			stdout(scanner.Text())
		}
	}

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("worker: wait %s: %w", r.Bin, err)
}

// Assignment is the work order handed to the supervisor when a locally
// targeted ASSIGN_TASK is decided.
type Assignment struct {
	TaskID string
	Image  string
	Cmd    []string
}

// Completion is the outcome of one assignment's run, delivered back to the
// node's main loop on CompletionCh.
type Completion struct {
	TaskID   string
	ExitCode int
	Err      error
}

// Supervisor launches one goroutine per Assignment and funnels results onto
// a single channel, so consensus/store code on the main loop never blocks
// on a child process.
type Supervisor struct {
	log     *logging.Logger
	runtime Runtime

	CompletionCh chan Completion
}

// New constructs a Supervisor using runtime to execute assignments.
func New(log *logging.Logger, runtime Runtime) *Supervisor {
	return &Supervisor{
		log:          log.Component("worker"),
		runtime:      runtime,
		CompletionCh: make(chan Completion, 32),
	}
}

// Launch runs a assignment's container task in its own goroutine and
// delivers the outcome on CompletionCh. It never blocks the caller.
func (s *Supervisor) Launch(ctx context.Context, a Assignment) {
	go func() {
		s.log.Info("launching task", zap.String("task_id", a.TaskID), zap.String("image", a.Image))

		exitCode, err := s.runtime.Run(ctx, a.Image, a.Cmd, func(line string) {
			s.log.Info("task output", zap.String("task_id", a.TaskID), zap.String("line", line))
		})

		s.CompletionCh <- Completion{TaskID: a.TaskID, ExitCode: exitCode, Err: err}
	}()
}

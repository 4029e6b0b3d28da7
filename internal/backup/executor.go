package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"backup-orchestrator/internal/logging"
)

// Command is one invocation of an external dump or restore tool.
type Command struct {
	Name   string
	Args   []string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
}

// CommandExecutor runs external tools. Only the exit status and stderr are
// interpreted; structured output is never parsed.
type CommandExecutor interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

const maxStderr = 64 * 1024

// ExecExecutor executes commands using os/exec.
type ExecExecutor struct {
	logger *logging.Logger
}

// NewExecExecutor creates an executor that logs every invocation
func NewExecExecutor(logger *logging.Logger) *ExecExecutor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ExecExecutor{logger: logger}
}

// Run starts the command and waits for it. The returned bytes are the tail of stderr.
func (e *ExecExecutor) Run(ctx context.Context, c Command) ([]byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = c.Stdin
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = io.Discard
	}
	stderr := &tailBuffer{max: maxStderr}
	cmd.Stderr = stderr

	err := cmd.Run()
	output := stderr.Bytes()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		err = fmt.Errorf("%s failed: %w: %s", c.Name, err, strings.TrimSpace(string(output)))
	}
	e.logger.LogExternalCommand(c.Name, c.Args, time.Since(start), err)
	return output, err
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.max {
		p = p[len(p)-t.max:]
	}
	if over := t.buf.Len() + len(p) - t.max; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) Bytes() []byte {
	return t.buf.Bytes()
}

package inspect

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds one contract invocation. A managed binary that
// cannot answer --info in five seconds is not going to.
const DefaultTimeout = 5 * time.Second

// Runner invokes a binary and captures its stdout. Tests inject fakes.
type Runner interface {
	Run(ctx context.Context, path string, args ...string) ([]byte, error)
}

// ExecRunner runs the binary as a subprocess with a per-invocation timeout.
type ExecRunner struct {
	Timeout time.Duration
}

func (r *ExecRunner) Run(ctx context.Context, path string, args ...string) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(runCtx, path, args...).Output()
	if err != nil {
		return out, fmt.Errorf("running %s %s: %w", filepath.Base(path), strings.Join(args, " "), err)
	}
	return out, nil
}

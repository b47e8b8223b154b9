// Package cmdexec runs located privileged tools and captures their full
// output. It assumes an already-elevated process; it never prompts for
// credentials.
package cmdexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result carries everything a tool reported. Several partitioning tools
// signal recoverable warnings only via stderr text on exit 0, so both
// streams are always captured in full.
type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

var ErrTimeout = errors.New("command timed out")

// ExitError reports a non-zero exit or spawn failure with the captured
// stderr attached; stderr is the only medium these tools use to explain
// why a destructive operation did not take effect.
type ExitError struct {
	Path   string
	Args   []string
	Code   int
	Stderr string

	// PermissionDenied is set when the failure looks like a privilege
	// problem rather than a tool problem.
	PermissionDenied bool
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Path, e.Code)
	if e.PermissionDenied {
		msg = fmt.Sprintf("%s: permission denied (is the helper running as root?)", e.Path)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + truncate(s, 512)
	}
	return msg
}

// Runner executes absolute-path commands with a per-call timeout.
type Runner struct {
	// Timeout bounds each Run call. Zero means DefaultTimeout.
	Timeout time.Duration

	// start is a test seam around exec.
	start func(ctx context.Context, path string, args ...string) *exec.Cmd
}

const DefaultTimeout = 2 * time.Minute

func NewRunner() *Runner {
	return &Runner{start: command}
}

func command(ctx context.Context, path string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, path, args...)
	// Fixed, minimal environment: tool output is parsed, so force the C
	// locale, and never inherit a caller-controlled PATH.
	cmd.Env = []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin", "LANG=C", "LC_ALL=C"}
	return cmd
}

// Run executes path with args and returns the captured result. A non-zero
// exit returns both the Result and an *ExitError; callers that need the
// streams on failure (parted warnings, dd progress) still get them.
func (r *Runner) Run(ctx context.Context, path string, args ...string) (Result, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.start
	if start == nil {
		start = command
	}
	cmd := start(cctx, path, args...)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}

	if cctx.Err() == context.DeadlineExceeded {
		return res, ErrTimeout
	}
	if err != nil {
		return res, classify(path, args, err, res)
	}
	return res, nil
}

func classify(path string, args []string, err error, res Result) error {
	ee := &ExitError{
		Path:   path,
		Args:   args,
		Code:   res.Code,
		Stderr: string(res.Stderr),
	}
	if errors.Is(err, os.ErrPermission) {
		ee.PermissionDenied = true
		return ee
	}
	low := strings.ToLower(string(res.Stderr))
	if strings.Contains(low, "permission denied") || strings.Contains(low, "operation not permitted") {
		ee.PermissionDenied = true
	}
	return ee
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

package cmdexec

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunCapturesBothStreams(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), "/bin/sh", "-c", "echo out; echo warn >&2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(res.Stdout) != "out\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if string(res.Stderr) != "warn\n" {
		t.Fatalf("stderr = %q", res.Stderr)
	}
	if res.Code != 0 {
		t.Fatalf("code = %d", res.Code)
	}
}

func TestRunNonZeroExitIsExitError(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), "/bin/sh", "-c", "echo broken >&2; exit 3")
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if ee.Code != 3 || res.Code != 3 {
		t.Fatalf("exit code = %d / %d", ee.Code, res.Code)
	}
	if ee.Stderr != "broken\n" {
		t.Fatalf("stderr not attached: %q", ee.Stderr)
	}
}

func TestRunClassifiesPermissionDenied(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), "/bin/sh", "-c", "echo 'dd: /dev/sdb: Permission denied' >&2; exit 1")
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if !ee.PermissionDenied {
		t.Fatal("permission failure not classified")
	}
}

func TestRunSpawnFailure(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), "/nonexistent/tool")
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	if res.Code != -1 {
		t.Fatalf("spawn failure code = %d", res.Code)
	}
}

func TestRunTimeout(t *testing.T) {
	r := NewRunner()
	r.Timeout = 50 * time.Millisecond
	_, err := r.Run(context.Background(), "/bin/sh", "-c", "sleep 5")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

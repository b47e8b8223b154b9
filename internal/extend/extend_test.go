package extend

import (
	"context"
	"path"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"diskforge/internal/cmdexec"
	"diskforge/internal/toolpath"
)

// scriptRunner dispatches on tool basename and records every invocation.
type scriptRunner struct {
	handle func(tool string, args []string) (cmdexec.Result, error)
	calls  []string
}

func (s *scriptRunner) Run(_ context.Context, p string, args ...string) (cmdexec.Result, error) {
	tool := path.Base(p)
	s.calls = append(s.calls, tool+" "+strings.Join(args, " "))
	return s.handle(tool, args)
}

func allTools(t *testing.T) *toolpath.Cache {
	t.Helper()
	l := toolpath.NewLocator(toolpath.WithProbeFunc(func(string) bool { return true }))
	cache, missing := l.Locate(toolpath.AllTools())
	if len(missing) != 0 {
		t.Fatalf("missing: %v", missing)
	}
	return cache
}

func exitErr(code int, stderr string) error {
	return &cmdexec.ExitError{Code: code, Stderr: stderr}
}

func TestExtendHappyPath(t *testing.T) {
	sr := &scriptRunner{handle: func(tool string, args []string) (cmdexec.Result, error) {
		return cmdexec.Result{}, nil
	}}
	e := &Extender{tools: allTools(t), run: sr, log: zerolog.Nop()}

	res := e.Extend(context.Background(), "/dev/sdb", 3)
	if !res.Succeeded || !res.PartitionResized {
		t.Fatalf("expected full success: %+v", res)
	}
	if res.PartitionPath != "/dev/sdb3" {
		t.Fatalf("partition path: %s", res.PartitionPath)
	}

	joined := strings.Join(sr.calls, "\n")
	for _, want := range []string{
		"udisksctl unmount -b /dev/sdb3",
		"parted --script /dev/sdb print",
		"parted --script /dev/sdb resizepart 3 100%",
		"e2fsck -f -y /dev/sdb3",
		"resize2fs /dev/sdb3",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing call %q in:\n%s", want, joined)
		}
	}
	// no mismatch diagnostics, so no repair tooling
	if strings.Contains(joined, "sgdisk") || strings.Contains(joined, "partprobe") {
		t.Fatalf("unexpected repair call:\n%s", joined)
	}
}

func TestExtendGPTRepair(t *testing.T) {
	sr := &scriptRunner{handle: func(tool string, args []string) (cmdexec.Result, error) {
		if tool == "parted" && args[len(args)-1] == "print" {
			return cmdexec.Result{Stderr: []byte("Warning: Not all of the space available to /dev/sdb appears to be used, you can fix the GPT to use all of the space")}, nil
		}
		return cmdexec.Result{}, nil
	}}
	e := &Extender{tools: allTools(t), run: sr, log: zerolog.Nop()}

	res := e.Extend(context.Background(), "/dev/sdb", 3)
	if !res.Succeeded {
		t.Fatalf("expected success: %+v", res)
	}
	joined := strings.Join(sr.calls, "\n")
	if !strings.Contains(joined, "sgdisk -e /dev/sdb") {
		t.Fatalf("expected sgdisk repair:\n%s", joined)
	}
	if !strings.Contains(joined, "partprobe /dev/sdb") {
		t.Fatalf("expected table re-read after repair:\n%s", joined)
	}
}

func TestExtendGPTRepairFallbackWhenSgdiskFails(t *testing.T) {
	sr := &scriptRunner{handle: func(tool string, args []string) (cmdexec.Result, error) {
		switch tool {
		case "parted":
			if args[len(args)-1] == "print" {
				return cmdexec.Result{Stderr: []byte("Error: the backup GPT table is not at the end of the disk")}, exitErr(1, "backup GPT table is not at the end of the disk")
			}
		case "sgdisk":
			return cmdexec.Result{}, exitErr(2, "sgdisk failed")
		}
		return cmdexec.Result{}, nil
	}}
	e := &Extender{tools: allTools(t), run: sr, log: zerolog.Nop()}

	res := e.Extend(context.Background(), "/dev/sdb", 3)
	if !res.Succeeded {
		t.Fatalf("best-effort repair must not block extension: %+v", res)
	}
	joined := strings.Join(sr.calls, "\n")
	if !strings.Contains(joined, "partprobe /dev/sdb") {
		t.Fatalf("expected partprobe fallback:\n%s", joined)
	}
}

func TestExtendPartitionResizeFailureIsFatal(t *testing.T) {
	sr := &scriptRunner{handle: func(tool string, args []string) (cmdexec.Result, error) {
		if tool == "parted" && len(args) > 2 && args[2] == "resizepart" {
			return cmdexec.Result{}, exitErr(1, "unable to satisfy all constraints on the partition")
		}
		return cmdexec.Result{}, nil
	}}
	e := &Extender{tools: allTools(t), run: sr, log: zerolog.Nop()}

	res := e.Extend(context.Background(), "/dev/sdb", 3)
	if res.Succeeded || res.PartitionResized {
		t.Fatalf("expected plain failure: %+v", res)
	}
	if !strings.Contains(res.Message, "unable to satisfy all constraints") {
		t.Fatalf("stderr not surfaced: %s", res.Message)
	}
	// filesystem steps must never run after a failed partition resize
	joined := strings.Join(sr.calls, "\n")
	if strings.Contains(joined, "e2fsck") || strings.Contains(joined, "resize2fs") {
		t.Fatalf("filesystem steps ran after fatal resize failure:\n%s", joined)
	}
}

func TestExtendFilesystemResizeFailureIsPartial(t *testing.T) {
	sr := &scriptRunner{handle: func(tool string, args []string) (cmdexec.Result, error) {
		if tool == "resize2fs" {
			return cmdexec.Result{}, exitErr(1, "resize2fs: bad magic number in super-block")
		}
		return cmdexec.Result{}, nil
	}}
	e := &Extender{tools: allTools(t), run: sr, log: zerolog.Nop()}

	res := e.Extend(context.Background(), "/dev/nvme0n1", 3)
	if res.Succeeded {
		t.Fatalf("must not report full success: %+v", res)
	}
	if !res.PartitionResized {
		t.Fatalf("irreversible table change must stay visible: %+v", res)
	}
	if !strings.Contains(res.Message, "bad magic number") {
		t.Fatalf("diagnostic lost: %s", res.Message)
	}
}

func TestExtendFilesystemCheckFailureIsPartial(t *testing.T) {
	sr := &scriptRunner{handle: func(tool string, args []string) (cmdexec.Result, error) {
		if tool == "e2fsck" {
			return cmdexec.Result{Code: 8}, exitErr(8, "e2fsck: operational error")
		}
		return cmdexec.Result{}, nil
	}}
	e := &Extender{tools: allTools(t), run: sr, log: zerolog.Nop()}

	res := e.Extend(context.Background(), "/dev/sdb", 2)
	if res.Succeeded || !res.PartitionResized {
		t.Fatalf("expected partial success: %+v", res)
	}
}

func TestExtendE2fsckFixedErrorsCountsAsClean(t *testing.T) {
	sr := &scriptRunner{handle: func(tool string, args []string) (cmdexec.Result, error) {
		if tool == "e2fsck" {
			return cmdexec.Result{Code: 1}, exitErr(1, "")
		}
		return cmdexec.Result{}, nil
	}}
	e := &Extender{tools: allTools(t), run: sr, log: zerolog.Nop()}

	res := e.Extend(context.Background(), "/dev/sdb", 2)
	if !res.Succeeded {
		t.Fatalf("e2fsck exit 1 means errors were fixed: %+v", res)
	}
}

func TestExtendBadPathNeverTouchesDevice(t *testing.T) {
	sr := &scriptRunner{handle: func(tool string, args []string) (cmdexec.Result, error) {
		return cmdexec.Result{}, nil
	}}
	e := &Extender{tools: allTools(t), run: sr, log: zerolog.Nop()}

	res := e.Extend(context.Background(), "/dev/sdb2", 3)
	if res.Succeeded || res.PartitionResized {
		t.Fatalf("mismatched path must fail: %+v", res)
	}
	if len(sr.calls) != 0 {
		t.Fatalf("no tool may run on a mismatched path: %v", sr.calls)
	}
}

func TestExtendMissingToolFailsBeforeAnyStep(t *testing.T) {
	l := toolpath.NewLocator(toolpath.WithProbeFunc(func(p string) bool {
		return !strings.Contains(p, "resize2fs")
	}))
	cache, _ := l.Locate(toolpath.AllTools())
	sr := &scriptRunner{handle: func(tool string, args []string) (cmdexec.Result, error) {
		return cmdexec.Result{}, nil
	}}
	e := &Extender{tools: cache, run: sr, log: zerolog.Nop()}

	res := e.Extend(context.Background(), "/dev/sdb", 3)
	if res.Succeeded || res.PartitionResized {
		t.Fatalf("missing resize2fs must fail fast: %+v", res)
	}
	if len(sr.calls) != 0 {
		t.Fatalf("nothing may run when a prerequisite is missing: %v", sr.calls)
	}
}

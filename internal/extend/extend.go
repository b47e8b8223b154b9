// Package extend grows the last partition of a freshly flashed device to
// fill the disk, then grows the filesystem inside it. The two resizes are
// independent, non-atomic steps; the result keeps them distinguishable.
package extend

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"diskforge/internal/cmdexec"
	"diskforge/internal/toolpath"
)

// State names the steps of the extension sequence, in order. Any state
// may transition to StateFailed.
type State int

const (
	StateUnmountAttempted State = iota
	StateGPTChecked
	StateGPTRepaired
	StatePartitionResized
	StateFilesystemChecked
	StateFilesystemResized
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnmountAttempted:
		return "unmount-attempted"
	case StateGPTChecked:
		return "gpt-checked"
	case StateGPTRepaired:
		return "gpt-repaired"
	case StatePartitionResized:
		return "partition-resized"
	case StateFilesystemChecked:
		return "filesystem-checked"
	case StateFilesystemResized:
		return "filesystem-resized"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Result is the terminal report of one extension run. PartitionResized
// stays true when the table grew but the filesystem step failed, because
// repartitioning is irreversible and must never be hidden behind a plain
// failure.
type Result struct {
	PartitionPath    string `json:"partitionPath"`
	Succeeded        bool   `json:"succeeded"`
	PartitionResized bool   `json:"partitionResized"`
	Message          string `json:"message"`
}

type runner interface {
	Run(ctx context.Context, path string, args ...string) (cmdexec.Result, error)
}

type Extender struct {
	tools *toolpath.Cache
	run   runner
	log   zerolog.Logger
}

func NewExtender(tools *toolpath.Cache, run *cmdexec.Runner, log zerolog.Logger) *Extender {
	return &Extender{tools: tools, run: run, log: log}
}

// gptMismatch matches the diagnostics parted and sgdisk print when the
// backup GPT header no longer sits at the end of a grown device.
func gptMismatch(text string) bool {
	low := strings.ToLower(text)
	return strings.Contains(low, "backup gpt table is not at the end of the disk") ||
		strings.Contains(low, "gpt pmbr size mismatch") ||
		strings.Contains(low, "fix the gpt to use all of the space")
}

// alreadyUnmounted matches the benign unmount refusals.
func alreadyUnmounted(text string) bool {
	low := strings.ToLower(text)
	return strings.Contains(low, "not mounted") || strings.Contains(low, "not currently mounted")
}

// Extend runs the full sequence against partition index on diskPath.
// Once entered it always runs to a terminal state: cancelling between the
// partition resize and the filesystem resize would manufacture exactly
// the partial state the result type exists to report.
func (e *Extender) Extend(ctx context.Context, diskPath string, index int) Result {
	partPath, err := DerivePartitionPath(diskPath, index)
	if err != nil {
		return Result{Message: err.Error()}
	}
	log := e.log.With().Str("disk", diskPath).Str("partition", partPath).Logger()

	// Required tools are checked up front so a missing prerequisite fails
	// before any destructive step runs.
	for _, name := range []string{toolpath.Parted, toolpath.E2fsck, toolpath.Resize2fs} {
		if !e.tools.Has(name) {
			return Result{PartitionPath: partPath, Message: fmt.Sprintf("required tool %q is not installed", name)}
		}
	}

	state := StateUnmountAttempted
	e.unmountBestEffort(ctx, partPath, log)

	state = StateGPTChecked
	if e.gptCheckAndRepair(ctx, diskPath, log) {
		state = StateGPTRepaired
	}

	if err := e.resizePartition(ctx, diskPath, index); err != nil {
		log.Error().Err(err).Stringer("state", state).Msg("partition resize failed")
		return Result{
			PartitionPath: partPath,
			Message:       fmt.Sprintf("partition resize failed: %v", err),
		}
	}
	state = StatePartitionResized
	log.Info().Stringer("state", state).Msg("partition table extended")

	if err := e.checkFilesystem(ctx, partPath); err != nil {
		// The table already grew; report partial success, not failure.
		return Result{
			PartitionPath:    partPath,
			PartitionResized: true,
			Message:          fmt.Sprintf("partition extended, but filesystem check failed: %v; run e2fsck and resize2fs on %s manually", err, partPath),
		}
	}
	state = StateFilesystemChecked
	log.Debug().Stringer("state", state).Msg("filesystem clean")

	if err := e.resizeFilesystem(ctx, partPath); err != nil {
		return Result{
			PartitionPath:    partPath,
			PartitionResized: true,
			Message:          fmt.Sprintf("partition extended, but filesystem resize failed: %v; run resize2fs on %s manually", err, partPath),
		}
	}
	state = StateFilesystemResized
	log.Debug().Stringer("state", state).Msg("filesystem grown")

	state = StateDone
	log.Info().Stringer("state", state).Msg("partition and filesystem extended")
	return Result{
		PartitionPath:    partPath,
		Succeeded:        true,
		PartitionResized: true,
		Message:          "partition and filesystem extended to full device size",
	}
}

func (e *Extender) unmountBestEffort(ctx context.Context, partPath string, log zerolog.Logger) {
	udisks, err := e.tools.Path(toolpath.Udisksctl)
	if err != nil {
		log.Debug().Msg("udisksctl unavailable; skipping pre-unmount")
		return
	}
	res, err := e.run.Run(ctx, udisks, "unmount", "-b", partPath)
	if err != nil && !alreadyUnmounted(string(res.Stderr)+string(res.Stdout)) {
		log.Warn().Err(err).Msg("pre-resize unmount failed; continuing")
	}
}

// gptCheckAndRepair prints the table and repairs a stale backup header if
// the diagnostics call for it. Best-effort pre-step: every failure path
// degrades to a kernel table re-read, and failing that, proceeds anyway.
// Reports whether a repair was performed.
func (e *Extender) gptCheckAndRepair(ctx context.Context, diskPath string, log zerolog.Logger) bool {
	parted, _ := e.tools.Path(toolpath.Parted)
	res, err := e.run.Run(ctx, parted, "--script", diskPath, "print")
	diag := string(res.Stdout) + "\n" + string(res.Stderr)
	if err != nil && !gptMismatch(diag) {
		log.Warn().Err(err).Msg("parted print failed; skipping GPT check")
		return false
	}
	if !gptMismatch(diag) {
		return false
	}

	log.Info().Msg("backup GPT header mismatch detected; repairing")
	if sgdisk, serr := e.tools.Path(toolpath.Sgdisk); serr == nil {
		if _, rerr := e.run.Run(ctx, sgdisk, "-e", diskPath); rerr == nil {
			e.rereadTable(ctx, diskPath, log)
			return true
		}
		log.Warn().Msg("sgdisk repair failed; falling back to table re-read")
	} else {
		log.Warn().Msg("sgdisk unavailable; falling back to table re-read")
	}
	e.rereadTable(ctx, diskPath, log)
	return false
}

func (e *Extender) rereadTable(ctx context.Context, diskPath string, log zerolog.Logger) {
	pp, err := e.tools.Path(toolpath.Partprobe)
	if err != nil {
		log.Warn().Msg("partprobe unavailable; kernel may hold a stale table")
		return
	}
	if _, err := e.run.Run(ctx, pp, diskPath); err != nil {
		log.Warn().Err(err).Msg("partition table re-read failed; proceeding")
	}
}

func (e *Extender) resizePartition(ctx context.Context, diskPath string, index int) error {
	parted, _ := e.tools.Path(toolpath.Parted)
	_, err := e.run.Run(ctx, parted, "--script", diskPath, "resizepart", strconv.Itoa(index), "100%")
	return err
}

func (e *Extender) checkFilesystem(ctx context.Context, partPath string) error {
	e2fsck, _ := e.tools.Path(toolpath.E2fsck)
	res, err := e.run.Run(ctx, e2fsck, "-f", "-y", partPath)
	if err != nil {
		// e2fsck exits 1 when it fixed errors; that is a successful check.
		if res.Code == 1 {
			return nil
		}
		return err
	}
	return nil
}

func (e *Extender) resizeFilesystem(ctx context.Context, partPath string) error {
	resize2fs, _ := e.tools.Path(toolpath.Resize2fs)
	_, err := e.run.Run(ctx, resize2fs, partPath)
	return err
}

// Package flash streams a raw image onto a block device through dd and
// converts the tool's progress output into an event stream.
package flash

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"diskforge/internal/toolpath"
)

// Progress is one observation of the running copy. Events are emitted in
// order with non-decreasing Percent; the stream always terminates with a
// Percent of exactly 100 on success.
type Progress struct {
	Percent          int     `json:"percent"`
	BytesCopied      uint64  `json:"bytesCopied"`
	TotalBytes       uint64  `json:"totalBytes"`
	SpeedBytesPerSec float64 `json:"speedBytesPerSec"`
	RawLine          string  `json:"rawLine,omitempty"`
}

var (
	// ErrZeroImage rejects a flash before dd is ever spawned.
	ErrZeroImage = errors.New("image size is zero or unknown; refusing to flash")

	// ErrCancelled reports a context-cancelled flash. The target device is
	// left partially written; there is no rollback for raw writes.
	ErrCancelled = errors.New("flash cancelled; target device is partially written")
)

type Flasher struct {
	tools     *toolpath.Cache
	blockSize int64
	log       zerolog.Logger
}

func NewFlasher(tools *toolpath.Cache, blockSize int64, log zerolog.Logger) *Flasher {
	if blockSize <= 0 {
		blockSize = 4 * 1024 * 1024
	}
	return &Flasher{tools: tools, blockSize: blockSize, log: log}
}

// Job is a running flash. Events is closed when the copy reaches a
// terminal state; Wait then reports the outcome. The caller cannot miss
// the terminal event because close happens only after it is sent.
type Job struct {
	Events <-chan Progress

	done chan struct{}
	err  error
}

// Wait blocks until the underlying dd process has exited and the event
// stream is closed, then returns the terminal error, if any.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

// Start validates inputs, spawns dd, and begins streaming progress.
// It fails fast, without spawning anything, when totalBytes is zero.
func (f *Flasher) Start(ctx context.Context, imagePath, devicePath string, totalBytes uint64) (*Job, error) {
	if totalBytes == 0 {
		return nil, ErrZeroImage
	}
	if !strings.HasPrefix(devicePath, "/dev/") {
		return nil, fmt.Errorf("refusing to flash non-device path %q", devicePath)
	}
	dd, err := f.tools.Path(toolpath.DD)
	if err != nil {
		return nil, err
	}

	args := []string{
		"if=" + imagePath,
		"of=" + devicePath,
		"bs=" + strconv.FormatInt(f.blockSize, 10),
		"status=progress",
		// fsync before exit: "done" must mean physically committed.
		"conv=fsync",
	}
	cmd := exec.CommandContext(ctx, dd, args...)
	cmd.Env = []string{"LANG=C", "LC_ALL=C"}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attach dd stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn dd: %w", err)
	}

	events := make(chan Progress, 16)
	job := &Job{Events: events, done: make(chan struct{})}

	go func() {
		defer close(job.done)
		defer close(events)

		start := time.Now()
		lastPercent := 0
		var lastBytes uint64
		var tail []string

		sc := bufio.NewScanner(stderr)
		sc.Split(scanProgress)
		for sc.Scan() {
			line := sc.Text()
			n, ok := parseProgressLine(line)
			if !ok {
				if s := strings.TrimSpace(line); s != "" {
					tail = append(tail, s)
					if len(tail) > 8 {
						tail = tail[1:]
					}
				}
				continue
			}
			p := percentOf(n, totalBytes)
			// dd occasionally re-reports a smaller count after a flush;
			// never surface a regression.
			if p < lastPercent {
				p = lastPercent
			}
			lastPercent = p
			lastBytes = n
			elapsed := time.Since(start).Seconds()
			speed := 0.0
			if elapsed > 0 {
				speed = float64(n) / elapsed
			}
			events <- Progress{
				Percent:          p,
				BytesCopied:      n,
				TotalBytes:       totalBytes,
				SpeedBytesPerSec: speed,
				RawLine:          line,
			}
		}

		werr := cmd.Wait()
		if ctx.Err() != nil {
			job.err = ErrCancelled
			return
		}
		if werr != nil {
			job.err = fmt.Errorf("dd exited with error: %w: %s", werr, strings.Join(tail, "; "))
			return
		}
		// Terminal event: completion always reports exactly 100.
		events <- Progress{
			Percent:     100,
			BytesCopied: totalBytes,
			TotalBytes:  totalBytes,
		}
		unix.Sync()
		f.log.Info().
			Str("image", imagePath).
			Str("device", devicePath).
			Uint64("bytes", lastBytes).
			Msg("flash complete")
	}()

	return job, nil
}

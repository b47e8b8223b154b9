// Package pipeline sequences the destructive flash → extend → eject
// workflow. Steps run strictly in order; a failure short-circuits the
// remaining steps but never undoes a completed destructive one.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"diskforge/internal/blockdev"
	"diskforge/internal/eject"
	"diskforge/internal/extend"
	"diskforge/internal/flash"
)

// Result is the uniform outcome shape of every orchestrated operation.
// No operation exits the process; each returns a value to its caller.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Request describes one full pipeline run.
type Request struct {
	ImagePath      string `json:"imagePath"`
	DevicePath     string `json:"devicePath"`
	PartitionIndex int    `json:"partitionIndex"`

	// SkipEject leaves the device attached after extension.
	SkipEject bool `json:"skipEject"`
}

type deviceLister interface {
	List(ctx context.Context) ([]blockdev.Device, error)
}

type flasher interface {
	Start(ctx context.Context, imagePath, devicePath string, totalBytes uint64) (*flash.Job, error)
}

type extender interface {
	Extend(ctx context.Context, diskPath string, index int) extend.Result
}

type ejector interface {
	Eject(ctx context.Context, devicePath string) error
}

type Pipeline struct {
	Devices  deviceLister
	Flasher  flasher
	Extender extender
	Ejector  ejector
	Log      zerolog.Logger

	// imageSize is a test seam over os.Stat.
	imageSize func(path string) (uint64, error)

	mu   sync.Mutex
	busy map[string]bool
}

func New(devices deviceLister, fl *flash.Flasher, ex *extend.Extender, ej *eject.Ejector, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		Devices:   devices,
		Flasher:   fl,
		Extender:  ex,
		Ejector:   ej,
		Log:       log,
		imageSize: statSize,
		busy:      make(map[string]bool),
	}
}

func statSize(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if fi.Size() <= 0 {
		return 0, nil
	}
	return uint64(fi.Size()), nil
}

// TryAcquire serializes privileged operations per device path. It is
// shared with callers running standalone steps outside Run.
func (p *Pipeline) TryAcquire(devicePath string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy[devicePath] {
		return false
	}
	p.busy[devicePath] = true
	return true
}

func (p *Pipeline) Release(devicePath string) {
	p.mu.Lock()
	delete(p.busy, devicePath)
	p.mu.Unlock()
}

// ValidateTarget enforces the target policy: the device must exist in the
// current enumeration and must not be the OS drive.
func (p *Pipeline) ValidateTarget(ctx context.Context, devicePath string) error {
	devices, err := p.Devices.List(ctx)
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Path != devicePath {
			continue
		}
		if d.IsOS {
			return fmt.Errorf("%s hosts the running operating system and cannot be a flash target", devicePath)
		}
		return nil
	}
	return fmt.Errorf("%s is not an attached disk device", devicePath)
}

// Run executes the full workflow. Progress events from the flash step are
// forwarded to onProgress when non-nil.
func (p *Pipeline) Run(ctx context.Context, req Request, onProgress func(flash.Progress)) Result {
	if !p.TryAcquire(req.DevicePath) {
		return Result{Message: fmt.Sprintf("another operation is already running on %s", req.DevicePath)}
	}
	defer p.Release(req.DevicePath)

	log := p.Log.With().Str("device", req.DevicePath).Str("image", req.ImagePath).Logger()

	if err := p.ValidateTarget(ctx, req.DevicePath); err != nil {
		return Result{Message: err.Error()}
	}

	total, err := p.imageSize(req.ImagePath)
	if err != nil {
		return Result{Message: fmt.Sprintf("image not readable: %v", err)}
	}

	job, err := p.Flasher.Start(ctx, req.ImagePath, req.DevicePath, total)
	if err != nil {
		return Result{Message: fmt.Sprintf("flash failed to start: %v", err)}
	}
	for ev := range job.Events {
		if onProgress != nil {
			onProgress(ev)
		}
	}
	// Extension must never begin before dd has exited successfully.
	if err := job.Wait(); err != nil {
		return Result{Message: fmt.Sprintf("flash failed: %v", err)}
	}
	log.Info().Msg("flash step complete")

	index := req.PartitionIndex
	if index == 0 {
		index = lastPartitionIndexDefault
	}
	extRes := p.Extender.Extend(ctx, req.DevicePath, index)
	switch {
	case extRes.Succeeded:
		log.Info().Msg("extension step complete")
	case extRes.PartitionResized:
		// Partial success is terminal for the pipeline: ejecting a device
		// whose filesystem was not grown is safe, but the caller must see
		// what happened.
		return Result{Message: extRes.Message}
	default:
		return Result{Message: fmt.Sprintf("extension failed: %s", extRes.Message)}
	}

	if !req.SkipEject {
		if err := p.Ejector.Eject(ctx, req.DevicePath); err != nil {
			return Result{Message: fmt.Sprintf("eject failed: %v", err)}
		}
		log.Info().Msg("eject step complete")
	}

	return Result{Success: true, Message: "image flashed, partition extended, device ejected"}
}

// lastPartitionIndexDefault matches the image layout this tool ships: the
// writable data partition is the third one.
const lastPartitionIndexDefault = 3

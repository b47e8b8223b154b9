package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"diskforge/internal/eject"
	"diskforge/internal/flash"
	"diskforge/internal/pipeline"
)

// List prints the attached disks. The OS drive is shown but marked; it is
// never offered as a target.
func (a *App) List(ctx context.Context) error {
	devices, err := a.enum.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tSIZE\tMODEL\tREMOVABLE\tFS\t")
	for _, d := range devices {
		marker := ""
		if d.IsOS {
			marker = color.RedString("(OS drive)")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
			d.Path, humanize.IBytes(d.SizeBytes), d.Model, d.IsRemovable, d.FilesystemType, marker)
	}
	return w.Flush()
}

// Flash writes the image and waits for the sync to complete.
func (a *App) Flash(ctx context.Context, imagePath, devicePath string, assumeYes bool) error {
	devicePath, err := a.resolveTarget(ctx, devicePath)
	if err != nil {
		return err
	}
	if err := a.confirmDestruction(devicePath, assumeYes); err != nil {
		return err
	}

	total, err := imageSize(imagePath)
	if err != nil {
		return err
	}
	if !a.pipe.TryAcquire(devicePath) {
		return fmt.Errorf("another operation is already running on %s", devicePath)
	}
	defer a.pipe.Release(devicePath)

	job, err := a.pipe.Flasher.Start(ctx, imagePath, devicePath, total)
	if err != nil {
		return err
	}
	bar := progressbar.DefaultBytes(int64(total), "Flashing")
	for ev := range job.Events {
		_ = bar.Set64(int64(ev.BytesCopied))
	}
	_ = bar.Finish()
	if err := job.Wait(); err != nil {
		return err
	}
	color.Green("\n✓ Image written and synced to %s", devicePath)
	return nil
}

// Extend grows the given partition to fill the device.
func (a *App) Extend(ctx context.Context, devicePath string, index int) error {
	devicePath, err := a.resolveTarget(ctx, devicePath)
	if err != nil {
		return err
	}
	res := a.pipe.Extender.Extend(ctx, devicePath, index)
	return reportExtend(res.Succeeded, res.PartitionResized, res.PartitionPath, res.Message)
}

// Eject unmounts every partition and powers the device off.
func (a *App) Eject(ctx context.Context, devicePath string) error {
	if devicePath == "" {
		return fmt.Errorf("device path required")
	}
	if err := a.pipe.Ejector.Eject(ctx, devicePath); err != nil {
		var busy *eject.BusyError
		if errors.As(err, &busy) {
			color.Yellow(busy.Error())
			return fmt.Errorf("eject failed")
		}
		return err
	}
	color.Green("✓ %s unmounted and powered off; safe to remove", devicePath)
	return nil
}

// Pipeline runs flash, extend, and eject as one sequence.
func (a *App) Pipeline(ctx context.Context, imagePath, devicePath string, index int, skipEject, assumeYes bool) error {
	devicePath, err := a.resolveTarget(ctx, devicePath)
	if err != nil {
		return err
	}
	if err := a.confirmDestruction(devicePath, assumeYes); err != nil {
		return err
	}

	total, err := imageSize(imagePath)
	if err != nil {
		return err
	}
	bar := progressbar.DefaultBytes(int64(total), "Flashing")
	res := a.pipe.Run(ctx, pipeline.Request{
		ImagePath:      imagePath,
		DevicePath:     devicePath,
		PartitionIndex: index,
		SkipEject:      skipEject,
	}, func(ev flash.Progress) {
		_ = bar.Set64(int64(ev.BytesCopied))
	})
	_ = bar.Finish()
	fmt.Println()
	if !res.Success {
		return fmt.Errorf("%s", res.Message)
	}
	color.Green("✓ %s", res.Message)
	return nil
}

func (a *App) resolveTarget(ctx context.Context, devicePath string) (string, error) {
	if devicePath == "" {
		return a.selectDevice(ctx)
	}
	if err := a.pipe.ValidateTarget(ctx, devicePath); err != nil {
		return "", err
	}
	return devicePath, nil
}

func reportExtend(succeeded, partitionResized bool, partPath, message string) error {
	switch {
	case succeeded:
		color.Green("✓ %s extended to full device capacity", partPath)
		return nil
	case partitionResized:
		color.Yellow("partition %s was grown but the filesystem was not: %s", partPath, message)
		return fmt.Errorf("extension partially completed")
	default:
		return fmt.Errorf("extension failed: %s", message)
	}
}

func imageSize(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("image not readable: %w", err)
	}
	if fi.Size() <= 0 {
		return 0, flash.ErrZeroImage
	}
	return uint64(fi.Size()), nil
}

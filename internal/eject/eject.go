// Package eject unmounts every partition of a device and powers the
// device off so it can be physically removed.
package eject

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"diskforge/internal/cmdexec"
	"diskforge/internal/toolpath"
)

// BusyError reports a power-off refusal, commonly because a filesystem on
// the device is still in use.
type BusyError struct {
	Device string
	Detail string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("could not power off %s: %s (a filesystem on the device is still in use; close any programs using it and retry)", e.Device, e.Detail)
}

type runner interface {
	Run(ctx context.Context, path string, args ...string) (cmdexec.Result, error)
}

type Ejector struct {
	tools *toolpath.Cache
	run   runner
	log   zerolog.Logger
}

func NewEjector(tools *toolpath.Cache, run *cmdexec.Runner, log zerolog.Logger) *Ejector {
	return &Ejector{tools: tools, run: run, log: log}
}

type lsblkNode struct {
	Path       string      `json:"path"`
	Type       string      `json:"type"`
	Mountpoint *string     `json:"mountpoint"`
	Children   []lsblkNode `json:"children"`
}

// Eject unmounts all partition children of devicePath, then powers the
// device off. Unmount refusals for already-unmounted partitions are
// absorbed; the final power-off failing is fatal.
func (e *Ejector) Eject(ctx context.Context, devicePath string) error {
	udisks, err := e.tools.Path(toolpath.Udisksctl)
	if err != nil {
		return err
	}

	parts, selfMounted, err := e.partitions(ctx, devicePath)
	if err != nil {
		return err
	}
	if len(parts) == 0 && selfMounted {
		// Partitionless media: the device node itself carries the filesystem.
		parts = []string{devicePath}
	}

	for _, p := range parts {
		res, uerr := e.run.Run(ctx, udisks, "unmount", "-b", p)
		if uerr == nil {
			continue
		}
		if notMounted(string(res.Stderr) + string(res.Stdout)) {
			continue
		}
		// Logged but not fatal: power-off below gives the authoritative
		// busy verdict for the whole device.
		e.log.Warn().Str("partition", p).Err(uerr).Msg("unmount failed; continuing")
	}

	res, perr := e.run.Run(ctx, udisks, "power-off", "-b", devicePath)
	if perr != nil {
		detail := strings.TrimSpace(string(res.Stderr))
		if detail == "" {
			detail = perr.Error()
		}
		return &BusyError{Device: devicePath, Detail: detail}
	}
	e.log.Info().Str("device", devicePath).Msg("device powered off")
	return nil
}

// partitions lists partition-type children of devicePath and whether the
// device node itself is mounted.
func (e *Ejector) partitions(ctx context.Context, devicePath string) ([]string, bool, error) {
	lsblk, err := e.tools.Path(toolpath.Lsblk)
	if err != nil {
		return nil, false, err
	}
	res, err := e.run.Run(ctx, lsblk, "-J", "-o", "PATH,TYPE,MOUNTPOINT", devicePath)
	if err != nil {
		return nil, false, fmt.Errorf("lsblk %s: %w", devicePath, err)
	}
	var tree struct {
		Blockdevices []lsblkNode `json:"blockdevices"`
	}
	if err := json.Unmarshal(res.Stdout, &tree); err != nil {
		return nil, false, fmt.Errorf("parse lsblk output: %w", err)
	}

	var parts []string
	selfMounted := false
	var walk func(n lsblkNode)
	walk = func(n lsblkNode) {
		if n.Type == "part" {
			parts = append(parts, n.Path)
		}
		if n.Path == devicePath && n.Mountpoint != nil && *n.Mountpoint != "" {
			selfMounted = true
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, n := range tree.Blockdevices {
		walk(n)
	}
	return parts, selfMounted, nil
}

func notMounted(text string) bool {
	low := strings.ToLower(text)
	return strings.Contains(low, "not mounted") || strings.Contains(low, "not currently mounted")
}

// Package blockdev enumerates block devices via lsblk's JSON tree and
// flags the device hosting the running OS.
package blockdev

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"diskforge/internal/cmdexec"
	"diskforge/internal/toolpath"
)

type lsblkJSON struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Path       string        `json:"path"`
	Name       string        `json:"name"`
	Size       any           `json:"size"`
	Model      *string       `json:"model"`
	FSType     *string       `json:"fstype"`
	Mountpoint *string       `json:"mountpoint"`
	PKName     *string       `json:"pkname"`
	Type       string        `json:"type"`
	RM         any           `json:"rm"`
	Children   []lsblkDevice `json:"children"`
}

// runner is the slice of cmdexec the enumerator needs. Test seam.
type runner interface {
	Run(ctx context.Context, path string, args ...string) (cmdexec.Result, error)
}

type Enumerator struct {
	tools *toolpath.Cache
	run   runner
	log   zerolog.Logger
}

func NewEnumerator(tools *toolpath.Cache, run *cmdexec.Runner, log zerolog.Logger) *Enumerator {
	return &Enumerator{tools: tools, run: run, log: log}
}

// diskTypes are the kernel device types included in enumeration results.
var diskTypes = map[string]bool{"disk": true, "mmcblk": true, "nvme": true}

// List runs lsblk once and returns every disk-level device, with the OS
// device flagged when root resolves to a simple disk or partition parent.
func (e *Enumerator) List(ctx context.Context) ([]Device, error) {
	lsblk, err := e.tools.Path(toolpath.Lsblk)
	if err != nil {
		return nil, err
	}
	res, err := e.run.Run(ctx, lsblk,
		"-J", "-b", "-o", "PATH,NAME,SIZE,MODEL,FSTYPE,MOUNTPOINT,PKNAME,TYPE,RM")
	if err != nil {
		return nil, fmt.Errorf("lsblk: %w", err)
	}
	devices, osPath, err := parseTree(res.Stdout)
	if err != nil {
		return nil, err
	}
	if osPath == "" {
		// Root on LVM or another indirect mapping does not resolve to a
		// simple parent disk. The gap is surfaced, not papered over; the
		// removability heuristic and explicit confirmation remain the
		// backstop against flashing the boot device.
		e.log.Warn().Msg("could not resolve the OS drive from lsblk; no device flagged")
		if alt := rootDeviceHint(); alt != "" {
			e.log.Info().Str("root_device", alt).Msg("mount-table hint for the root device")
		}
	}
	return devices, nil
}

// parseTree walks the lsblk JSON depth-first, filters top-level entries to
// disk types, and resolves the device backing the root mountpoint. Returns
// the path of the OS device ("" when unresolved).
func parseTree(out []byte) ([]Device, string, error) {
	var tree lsblkJSON
	if err := json.Unmarshal(out, &tree); err != nil {
		return nil, "", fmt.Errorf("parse lsblk output: %w", err)
	}

	osPath := ""
	var walk func(d lsblkDevice, parent *lsblkDevice)
	walk = func(d lsblkDevice, parent *lsblkDevice) {
		if d.Mountpoint != nil && *d.Mountpoint == "/" {
			switch {
			case diskTypes[d.Type]:
				osPath = d.Path
			case parent != nil:
				osPath = parent.Path
			}
		}
		for _, c := range d.Children {
			walk(c, &d)
		}
	}
	for _, d := range tree.Blockdevices {
		walk(d, nil)
	}

	out2 := []Device{}
	for _, d := range tree.Blockdevices {
		if !diskTypes[d.Type] {
			continue
		}
		out2 = append(out2, Device{
			Path:           d.Path,
			Name:           d.Name,
			SizeBytes:      sizeToBytes(d.Size),
			Model:          modelOrDefault(d.Model),
			IsRemovable:    boolish(d.RM),
			IsOS:           d.Path != "" && d.Path == osPath,
			FilesystemType: deref(d.FSType),
		})
	}
	return out2, osPath, nil
}

func sizeToBytes(v any) uint64 {
	switch t := v.(type) {
	case float64:
		if t > 0 {
			return uint64(t)
		}
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func modelOrDefault(m *string) string {
	if m == nil || strings.TrimSpace(*m) == "" {
		return UnknownModel
	}
	return strings.TrimSpace(*m)
}

// lsblk emits RM as bool or as "0"/"1" depending on version.
func boolish(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || t == "true"
	case float64:
		return t == 1
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package blockdev

import (
	"github.com/shirou/gopsutil/v3/disk"
)

// rootDeviceHint consults the mount table for the device backing "/".
// It is a diagnostic aid for the unresolved-OS-drive case, never a
// safety decision on its own.
func rootDeviceHint() string {
	parts, err := disk.Partitions(false)
	if err != nil {
		return ""
	}
	for _, p := range parts {
		if p.Mountpoint == "/" {
			return p.Device
		}
	}
	return ""
}

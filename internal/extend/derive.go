package extend

import (
	"fmt"
	"regexp"
	"strconv"
)

// Partition node naming differs per device family: SCSI-style disks take a
// bare index suffix, NVMe and MMC disks take a "p" separator.
var (
	sdDisk   = regexp.MustCompile(`^/dev/sd[a-z]+$`)
	nvmeDisk = regexp.MustCompile(`^/dev/nvme\d+n\d+$`)
	mmcDisk  = regexp.MustCompile(`^/dev/mmcblk\d+$`)

	sdPart   = regexp.MustCompile(`^/dev/sd[a-z]+(\d+)$`)
	nvmePart = regexp.MustCompile(`^/dev/nvme\d+n\d+p(\d+)$`)
	mmcPart  = regexp.MustCompile(`^/dev/mmcblk\d+p(\d+)$`)
)

// InconsistentPathError reports a device path whose existing partition
// suffix contradicts the requested index.
type InconsistentPathError struct {
	Path  string
	Index int
}

func (e *InconsistentPathError) Error() string {
	return fmt.Sprintf("device path %q does not match partition index %d", e.Path, e.Index)
}

// DerivePartitionPath maps (disk path, partition index) to the partition
// device node. Passing an already-derived partition path with a matching
// index is idempotent; any other mismatch is an input-consistency error.
func DerivePartitionPath(diskPath string, index int) (string, error) {
	if index < 1 {
		return "", fmt.Errorf("partition index %d out of range", index)
	}
	switch {
	case sdDisk.MatchString(diskPath):
		return diskPath + strconv.Itoa(index), nil
	case nvmeDisk.MatchString(diskPath), mmcDisk.MatchString(diskPath):
		return diskPath + "p" + strconv.Itoa(index), nil
	}
	for _, re := range []*regexp.Regexp{sdPart, nvmePart, mmcPart} {
		if m := re.FindStringSubmatch(diskPath); m != nil {
			if n, _ := strconv.Atoi(m[1]); n == index {
				return diskPath, nil
			}
			return "", &InconsistentPathError{Path: diskPath, Index: index}
		}
	}
	return "", &InconsistentPathError{Path: diskPath, Index: index}
}

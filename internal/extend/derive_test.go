package extend

import (
	"errors"
	"testing"
)

func TestDerivePartitionPath(t *testing.T) {
	cases := []struct {
		disk  string
		index int
		want  string
	}{
		{"/dev/sda", 3, "/dev/sda3"},
		{"/dev/sdb", 1, "/dev/sdb1"},
		{"/dev/nvme0n1", 3, "/dev/nvme0n1p3"},
		{"/dev/nvme1n2", 12, "/dev/nvme1n2p12"},
		{"/dev/mmcblk0", 3, "/dev/mmcblk0p3"},
		// already-suffixed inputs are idempotent
		{"/dev/sda3", 3, "/dev/sda3"},
		{"/dev/nvme0n1p3", 3, "/dev/nvme0n1p3"},
		{"/dev/mmcblk0p2", 2, "/dev/mmcblk0p2"},
	}
	for _, c := range cases {
		got, err := DerivePartitionPath(c.disk, c.index)
		if err != nil {
			t.Errorf("DerivePartitionPath(%q, %d): %v", c.disk, c.index, err)
			continue
		}
		if got != c.want {
			t.Errorf("DerivePartitionPath(%q, %d) = %q, want %q", c.disk, c.index, got, c.want)
		}
	}
}

func TestDerivePartitionPathMismatch(t *testing.T) {
	cases := []struct {
		disk  string
		index int
	}{
		{"/dev/sda3", 2},
		{"/dev/nvme0n1p1", 3},
		{"/dev/mmcblk0p5", 4},
		{"/dev/mapper/vg0-root", 1},
		{"/dev/sr0", 1},
		{"", 1},
	}
	for _, c := range cases {
		_, err := DerivePartitionPath(c.disk, c.index)
		var ice *InconsistentPathError
		if !errors.As(err, &ice) {
			t.Errorf("DerivePartitionPath(%q, %d): expected InconsistentPathError, got %v", c.disk, c.index, err)
		}
	}
}

func TestDerivePartitionPathBadIndex(t *testing.T) {
	if _, err := DerivePartitionPath("/dev/sda", 0); err == nil {
		t.Fatal("index 0 must be rejected")
	}
	if _, err := DerivePartitionPath("/dev/sda", -1); err == nil {
		t.Fatal("negative index must be rejected")
	}
}

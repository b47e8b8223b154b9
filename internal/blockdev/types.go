package blockdev

// Device describes one disk-level block device as reported by a single
// enumeration call. Values are produced fresh each call and never mutated
// after return.
type Device struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	SizeBytes   uint64 `json:"sizeBytes"`
	Model       string `json:"model"`
	IsRemovable bool   `json:"isRemovable"`

	// IsOS marks the device hosting the running root filesystem. At most
	// one device per enumeration carries it, and policy forbids it ever
	// being accepted as a flash target.
	IsOS bool `json:"isOS"`

	FilesystemType string `json:"filesystemType,omitempty"`
}

const UnknownModel = "Unknown Model"

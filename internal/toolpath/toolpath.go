// Package toolpath discovers the absolute paths of the privileged
// command-line tools the orchestrator shells out to. Discovery probes a
// fixed list of install locations instead of consulting PATH, so a
// doctored environment cannot redirect a privileged call.
package toolpath

import (
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// Tool names understood by the probe table.
const (
	Lsblk     = "lsblk"
	DD        = "dd"
	Parted    = "parted"
	Sgdisk    = "sgdisk"
	Partprobe = "partprobe"
	E2fsck    = "e2fsck"
	Resize2fs = "resize2fs"
	Udisksctl = "udisksctl"
)

// defaultProbes maps each tool to its candidate install locations, probed
// in order. First executable hit wins.
var defaultProbes = map[string][]string{
	Lsblk:     {"/usr/bin/lsblk", "/bin/lsblk"},
	DD:        {"/usr/bin/dd", "/bin/dd"},
	Parted:    {"/usr/sbin/parted", "/sbin/parted", "/usr/bin/parted"},
	Sgdisk:    {"/usr/sbin/sgdisk", "/sbin/sgdisk", "/usr/bin/sgdisk"},
	Partprobe: {"/usr/sbin/partprobe", "/sbin/partprobe"},
	E2fsck:    {"/usr/sbin/e2fsck", "/sbin/e2fsck"},
	Resize2fs: {"/usr/sbin/resize2fs", "/sbin/resize2fs"},
	Udisksctl: {"/usr/bin/udisksctl", "/bin/udisksctl"},
}

// AllTools returns every tool name known to the default probe table,
// sorted for stable aggregate error messages.
func AllTools() []string {
	names := make([]string, 0, len(defaultProbes))
	for name := range defaultProbes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cache maps a logical tool name to its discovered absolute path. It is
// populated once at startup and read-only afterwards.
type Cache struct {
	paths map[string]string
}

// Path returns the discovered path for name. The error distinguishes a
// locator miss so callers can fail fast before attempting execution.
func (c *Cache) Path(name string) (string, error) {
	if c == nil || c.paths == nil {
		return "", &NotFoundError{Name: name}
	}
	p, ok := c.paths[name]
	if !ok {
		return "", &NotFoundError{Name: name}
	}
	return p, nil
}

// Has reports whether name resolved during discovery.
func (c *Cache) Has(name string) bool {
	_, err := c.Path(name)
	return err == nil
}

// NotFoundError reports a tool absent from every probed location.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("required tool %q not found in any known location", e.Name)
}

// Locator resolves tool paths using a probe table. The zero value is not
// usable; construct with NewLocator.
type Locator struct {
	probes     map[string][]string
	executable func(string) bool
}

// Option customizes a Locator.
type Option func(*Locator)

// WithProbeFunc replaces the executability test. Test seam.
func WithProbeFunc(fn func(string) bool) Option {
	return func(l *Locator) { l.executable = fn }
}

// WithOverrides merges per-tool probe lists over the defaults. A tool
// present in overrides is probed only at the overridden locations.
func WithOverrides(overrides map[string][]string) Option {
	return func(l *Locator) {
		for name, paths := range overrides {
			if len(paths) > 0 {
				l.probes[name] = paths
			}
		}
	}
}

func NewLocator(opts ...Option) *Locator {
	l := &Locator{
		probes:     make(map[string][]string, len(defaultProbes)),
		executable: isExecutable,
	}
	for name, paths := range defaultProbes {
		l.probes[name] = paths
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate probes every requested name and returns the populated cache plus
// the sorted list of names that resolved nowhere. It never returns an
// error: absence is reported, not raised, so the caller can surface one
// aggregate missing-prerequisites condition.
func (l *Locator) Locate(names []string) (*Cache, []string) {
	cache := &Cache{paths: make(map[string]string, len(names))}
	var missing []string
	for _, name := range names {
		candidates := l.probes[name]
		found := ""
		for _, p := range candidates {
			if l.executable(p) {
				found = p
				break
			}
		}
		if found == "" {
			missing = append(missing, name)
			continue
		}
		cache.paths[name] = found
	}
	sort.Strings(missing)
	return cache, missing
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return unix.Access(path, unix.X_OK) == nil
}

// overridesFile is the on-disk shape of the optional probe override file.
type overridesFile struct {
	Tools map[string][]string `yaml:"tools"`
}

// LoadOverrides reads a YAML probe override file. A missing file is not
// an error; the defaults simply apply.
func LoadOverrides(path string) (map[string][]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tools file: %w", err)
	}
	var f overridesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse tools file %s: %w", path, err)
	}
	return f.Tools, nil
}

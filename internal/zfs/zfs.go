// Package zfs is a thin adapter over the zfs command-line tool. Every
// operation is a single invocation; callers own retries and sequencing.
package zfs

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Rudd-O/borg-offsite-backup/internal/logging"
	"github.com/Rudd-O/borg-offsite-backup/internal/system"
)

// Dataset kinds as zfs list reports them. The lexicographic order of
// these values is load-bearing: filesystem sorts before volume.
const (
	KindFilesystem = "filesystem"
	KindVolume     = "volume"
)

// Dataset is one row of zfs list output.
type Dataset struct {
	Name       string
	Kind       string
	Mountpoint string
}

// IsVolume reports whether the dataset is a block volume.
func (d Dataset) IsVolume() bool {
	return d.Kind == KindVolume
}

// HasMountpoint reports whether the dataset exposes data at a real path.
// Filesystems with mountpoint none, legacy or "-" carry nothing mountable.
func (d Dataset) HasMountpoint() bool {
	return strings.HasPrefix(d.Mountpoint, "/")
}

// DevicePath returns the block device node the kernel publishes for a
// volume.
func (d Dataset) DevicePath() string {
	return DevicePath(d.Name)
}

// DevicePath returns the block device node for the named volume or clone.
func DevicePath(name string) string {
	return filepath.Join("/dev/zvol", name)
}

// Pool returns the top-level pool component of a dataset or snapshot name.
func Pool(name string) string {
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if slash := strings.IndexByte(name, '/'); slash >= 0 {
		return name[:slash]
	}
	return name
}

// Manager runs zfs operations through an external runner, escalating
// privilege when the calling identity is unprivileged.
type Manager struct {
	runner system.Runner
	logger *logging.Logger
	sudo   bool
}

// NewManager builds a Manager.
func NewManager(runner system.Runner, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Manager{
		runner: runner,
		logger: logger,
		sudo:   !system.RunningAsRoot(),
	}
}

func (m *Manager) run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	name, argv := system.Elevate(m.sudo, "zfs", args...)
	m.logger.Debug("Running %s %s", name, strings.Join(argv, " "))
	// Error detection matches on message text, so the tool must not
	// speak a localized language.
	return m.runner.Run(ctx, []string{"LC_ALL=C"}, name, argv...)
}

// List returns every filesystem and volume visible to the host.
func (m *Manager) List(ctx context.Context) ([]Dataset, error) {
	stdout, stderr, err := m.run(ctx, "list", "-H", "-p", "-o", "name,type,mountpoint", "-t", "filesystem,volume")
	if err != nil {
		return nil, system.CommandError("list datasets", err, stderr)
	}
	return parseList(stdout)
}

func parseList(out []byte) ([]Dataset, error) {
	var datasets []Dataset
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed zfs list line %q", line)
		}
		datasets = append(datasets, Dataset{
			Name:       fields[0],
			Kind:       fields[1],
			Mountpoint: fields[2],
		})
	}
	return datasets, nil
}

// DatasetExists reports whether the named filesystem or volume exists.
func (m *Manager) DatasetExists(ctx context.Context, name string) (bool, error) {
	return m.exists(ctx, "filesystem,volume", name)
}

// SnapshotExists reports whether the named snapshot exists.
func (m *Manager) SnapshotExists(ctx context.Context, name string) (bool, error) {
	return m.exists(ctx, "snapshot", name)
}

func (m *Manager) exists(ctx context.Context, kinds, name string) (bool, error) {
	_, stderr, err := m.run(ctx, "list", "-H", "-t", kinds, "-o", "name", name)
	if err == nil {
		return true, nil
	}
	if bytes.Contains(stderr, []byte("does not exist")) {
		return false, nil
	}
	return false, system.CommandError(fmt.Sprintf("check %s", name), err, stderr)
}

// CreateDataset creates a filesystem with no mountpoint, including any
// missing parents.
func (m *Manager) CreateDataset(ctx context.Context, name string) error {
	_, stderr, err := m.run(ctx, "create", "-p", "-o", "mountpoint=none", name)
	if err != nil {
		return system.CommandError(fmt.Sprintf("create dataset %s", name), err, stderr)
	}
	return nil
}

// Snapshot creates the snapshot name, which must include the @suffix.
func (m *Manager) Snapshot(ctx context.Context, name string) error {
	_, stderr, err := m.run(ctx, "snapshot", name)
	if err != nil {
		return system.CommandError(fmt.Sprintf("create snapshot %s", name), err, stderr)
	}
	return nil
}

// Clone clones snapshot to target, read-only and unmounted, creating any
// missing parents. kind is the origin dataset's kind: volumes have no
// mountpoint property, so the unmounted part only applies to filesystems.
// Never retried: a half-made clone must be inspected, not hammered.
func (m *Manager) Clone(ctx context.Context, snapshot, target, kind string) error {
	args := []string{"clone", "-p"}
	if kind != KindVolume {
		args = append(args, "-o", "mountpoint=none")
	}
	args = append(args, "-o", "readonly=on", snapshot, target)
	_, stderr, err := m.run(ctx, args...)
	if err != nil {
		return system.CommandError(fmt.Sprintf("clone %s to %s", snapshot, target), err, stderr)
	}
	return nil
}

// SetMountpoint mounts the dataset at path.
func (m *Manager) SetMountpoint(ctx context.Context, name, path string) error {
	_, stderr, err := m.run(ctx, "set", "mountpoint="+path, name)
	if err != nil {
		return system.CommandError(fmt.Sprintf("set mountpoint of %s to %s", name, path), err, stderr)
	}
	return nil
}

// ClearMountpoint unmounts the dataset by setting its mountpoint to none.
func (m *Manager) ClearMountpoint(ctx context.Context, name string) error {
	_, stderr, err := m.run(ctx, "set", "mountpoint=none", name)
	if err != nil {
		return system.CommandError(fmt.Sprintf("clear mountpoint of %s", name), err, stderr)
	}
	return nil
}

// DestroyRecursive destroys the dataset or snapshot and all descendants.
// Never retried.
func (m *Manager) DestroyRecursive(ctx context.Context, name string) error {
	_, stderr, err := m.run(ctx, "destroy", "-r", name)
	if err != nil {
		return system.CommandError(fmt.Sprintf("destroy %s", name), err, stderr)
	}
	return nil
}

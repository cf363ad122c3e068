// Package snapshot computes the set of datasets one run backs up and
// drives the snapshot/clone hierarchy that exposes their point-in-time
// state under the staging root.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/retry"

	"github.com/Rudd-O/borg-offsite-backup/internal/config"
	"github.com/Rudd-O/borg-offsite-backup/internal/logging"
	"github.com/Rudd-O/borg-offsite-backup/internal/mount"
	"github.com/Rudd-O/borg-offsite-backup/internal/staging"
	"github.com/Rudd-O/borg-offsite-backup/internal/system"
	"github.com/Rudd-O/borg-offsite-backup/internal/zfs"
)

// containerName is the per-pool dataset under which clones are parked.
const containerName = "borg-offsite-backup"

const (
	deviceCopyAttempts = 20
	deviceCopyDelay    = 500 * time.Millisecond
)

var isMountPoint = mount.IsMountPoint

// ContainerFor returns the staging container dataset for a pool.
func ContainerFor(pool string) string {
	return pool + "/" + containerName
}

// CloneName returns where the clone of a dataset's snapshot is parked:
// the dataset's path below its pool, rebased under the pool's staging
// container.
func CloneName(dataset string) string {
	pool := zfs.Pool(dataset)
	return ContainerFor(pool) + strings.TrimPrefix(dataset, pool)
}

// Expand resolves the configured dataset targets against a dataset
// listing. Glob targets match the full dataset name shell-glob style;
// recursive targets take the dataset and every descendant; plain targets
// name exactly one dataset. Duplicates keep their first occurrence.
// Filesystems without a real mountpoint carry no data of their own and
// are skipped.
func Expand(datasets []zfs.Dataset, targets []config.Target, logger *logging.Logger) ([]zfs.Dataset, error) {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}

	byName := make(map[string]zfs.Dataset, len(datasets))
	for _, d := range datasets {
		byName[d.Name] = d
	}

	seen := set.NewStrings()
	var selected []zfs.Dataset
	add := func(d zfs.Dataset) {
		if seen.Contains(d.Name) {
			return
		}
		seen.Add(d.Name)
		if !d.IsVolume() && !d.HasMountpoint() {
			logger.Skip("%s has no mountpoint", d.Name)
			return
		}
		selected = append(selected, d)
	}

	for _, t := range targets {
		switch {
		case t.Glob:
			matched := false
			for _, d := range datasets {
				ok, err := path.Match(t.Name, d.Name)
				if err != nil {
					return nil, fmt.Errorf("bad dataset glob %q: %w", t.Name, err)
				}
				if ok {
					matched = true
					add(d)
				}
			}
			if !matched {
				logger.Warning("Dataset glob %s matched nothing", t.Name)
			}
		case t.Recursive:
			if _, ok := byName[t.Name]; !ok {
				return nil, fmt.Errorf("dataset %s does not exist", t.Name)
			}
			for _, d := range datasets {
				if d.Name == t.Name || strings.HasPrefix(d.Name, t.Name+"/") {
					add(d)
				}
			}
		default:
			d, ok := byName[t.Name]
			if !ok {
				return nil, fmt.Errorf("dataset %s does not exist", t.Name)
			}
			add(d)
		}
	}
	return selected, nil
}

// Unit is one dataset scheduled for backup, with its per-run snapshot and
// clone names.
type Unit struct {
	Dataset  zfs.Dataset
	Snapshot string
	Clone    string
}

// Plan is the ordered set of units for one run. Creation follows the
// plan order; teardown follows the exact reverse.
type Plan struct {
	units []Unit
}

// NewPlan derives snapshot and clone names for the selected datasets and
// fixes the processing order: (kind, mountpoint, name) ascending, so
// parent mountpoints are prepared before their children and filesystems
// come before volumes.
func NewPlan(selected []zfs.Dataset, date string) *Plan {
	units := make([]Unit, 0, len(selected))
	for _, d := range selected {
		units = append(units, Unit{
			Dataset:  d,
			Snapshot: d.Name + "@" + date,
			Clone:    CloneName(d.Name),
		})
	}
	sort.Slice(units, func(i, j int) bool {
		a, b := units[i].Dataset, units[j].Dataset
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Mountpoint != b.Mountpoint {
			return a.Mountpoint < b.Mountpoint
		}
		return a.Name < b.Name
	})
	return &Plan{units: units}
}

// Units returns the units in creation order.
func (p *Plan) Units() []Unit {
	return p.units
}

// Pools returns the pools touched by the plan, in first-use order.
func (p *Plan) Pools() []string {
	seen := set.NewStrings()
	var pools []string
	for _, u := range p.units {
		pool := zfs.Pool(u.Dataset.Name)
		if seen.Contains(pool) {
			continue
		}
		seen.Add(pool)
		pools = append(pools, pool)
	}
	return pools
}

// NeedsReadSpecial reports whether any unit is a block volume, in which
// case the archive tool must follow device nodes instead of archiving
// them as plain special files.
func (p *Plan) NeedsReadSpecial() bool {
	for _, u := range p.units {
		if u.Dataset.IsVolume() {
			return true
		}
	}
	return false
}

// ZFS is the subset of dataset operations the resource needs.
type ZFS interface {
	DatasetExists(ctx context.Context, name string) (bool, error)
	SnapshotExists(ctx context.Context, name string) (bool, error)
	CreateDataset(ctx context.Context, name string) error
	Snapshot(ctx context.Context, name string) error
	Clone(ctx context.Context, snapshot, target, kind string) error
	SetMountpoint(ctx context.Context, name, path string) error
	ClearMountpoint(ctx context.Context, name string) error
	DestroyRecursive(ctx context.Context, name string) error
}

// Resource materializes the plan under the staging root on acquire and
// tears everything down, in exact reverse order, on release.
type Resource struct {
	zfs    ZFS
	runner system.Runner
	logger *logging.Logger
	plan   *Plan
	root   string
	sudo   bool

	clk             clock.Clock
	deviceCopyDelay time.Duration
}

// NewResource builds the lifecycle for a plan rooted at root.
func NewResource(zfsManager ZFS, runner system.Runner, plan *Plan, root string, logger *logging.Logger) *Resource {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Resource{
		zfs:             zfsManager,
		runner:          runner,
		logger:          logger,
		plan:            plan,
		root:            root,
		sudo:            !system.RunningAsRoot(),
		clk:             clock.WallClock,
		deviceCopyDelay: deviceCopyDelay,
	}
}

func (r *Resource) Name() string {
	return "snapshots and clones"
}

// Acquire runs in two phases: first every snapshot and clone is created
// (existence-checked, so re-entry after a crash creates nothing twice),
// then every unit is materialized. A failure in either phase unwinds the
// partial state through Release before the error propagates.
func (r *Resource) Acquire(ctx context.Context) error {
	if err := r.acquire(ctx); err != nil {
		if relErr := r.Release(ctx); relErr != nil {
			r.logger.Error("Unwinding partial snapshot state: %v", relErr)
		}
		return err
	}
	return nil
}

func (r *Resource) acquire(ctx context.Context) error {
	containers := set.NewStrings()
	for _, u := range r.plan.Units() {
		if err := r.ensureSnapshot(ctx, u); err != nil {
			return err
		}
		container := ContainerFor(zfs.Pool(u.Dataset.Name))
		if !containers.Contains(container) {
			if err := r.ensureContainer(ctx, container); err != nil {
				return err
			}
			containers.Add(container)
		}
		if err := r.ensureClone(ctx, u); err != nil {
			return err
		}
	}

	for _, u := range r.plan.Units() {
		if u.Dataset.IsVolume() {
			if err := r.materializeDevice(ctx, u); err != nil {
				return err
			}
		} else {
			if err := r.materializeMount(ctx, u); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Resource) ensureSnapshot(ctx context.Context, u Unit) error {
	exists, err := r.zfs.SnapshotExists(ctx, u.Snapshot)
	if err != nil {
		return err
	}
	if exists {
		r.logger.Skip("Snapshot %s already exists", u.Snapshot)
		return nil
	}
	r.logger.Step("Snapshotting %s", u.Snapshot)
	return r.zfs.Snapshot(ctx, u.Snapshot)
}

func (r *Resource) ensureContainer(ctx context.Context, container string) error {
	exists, err := r.zfs.DatasetExists(ctx, container)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	r.logger.Step("Creating staging container %s", container)
	return r.zfs.CreateDataset(ctx, container)
}

func (r *Resource) ensureClone(ctx context.Context, u Unit) error {
	exists, err := r.zfs.DatasetExists(ctx, u.Clone)
	if err != nil {
		return err
	}
	if exists {
		r.logger.Skip("Clone %s already exists", u.Clone)
		return nil
	}
	r.logger.Step("Cloning %s to %s", u.Snapshot, u.Clone)
	return r.zfs.Clone(ctx, u.Snapshot, u.Clone, u.Dataset.Kind)
}

// materializeDevice copies the clone's block device node into the staging
// tree. The node appears asynchronously after the clone is created, so
// the copy is retried with a fixed delay until the device shows up.
func (r *Resource) materializeDevice(ctx context.Context, u Unit) error {
	staged := staging.PathFor(r.root, u.Dataset.Name)
	if err := os.MkdirAll(filepath.Dir(staged), 0o700); err != nil {
		return fmt.Errorf("creating device directory for %s: %w", staged, err)
	}

	src := zfs.DevicePath(u.Clone)
	r.logger.Step("Staging device %s at %s", src, staged)

	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = r.copyDevice(ctx, src, staged)
			return lastErr
		},
		NotifyFunc: func(err error, attempt int) {
			r.logger.Debug("Staging %s (attempt %d): %v", src, attempt, err)
		},
		Attempts: deviceCopyAttempts,
		Delay:    r.deviceCopyDelay,
		Clock:    r.clk,
	})
	if retry.IsAttemptsExceeded(err) {
		return fmt.Errorf("staging device %s: %w", src, lastErr)
	}
	return err
}

// copyDevice copies the device node behind src to dst. udev publishes
// /dev/zvol entries as symlinks to the real zd node, and -a alone would
// reproduce the symlink, so the source is dereferenced.
func (r *Resource) copyDevice(ctx context.Context, src, dst string) error {
	name, args := system.Elevate(r.sudo, "cp", "-a", "--dereference", "--remove-destination", src, dst)
	if _, stderr, err := r.runner.Run(ctx, nil, name, args...); err != nil {
		return system.CommandError(fmt.Sprintf("copy %s to %s", src, dst), err, stderr)
	}
	return nil
}

// materializeMount points the clone's mountpoint at its staging path,
// which mounts it there. Parent mountpoints were materialized earlier
// thanks to the plan order.
func (r *Resource) materializeMount(ctx context.Context, u Unit) error {
	target := staging.PathFor(r.root, u.Dataset.Mountpoint)
	mounted, err := isMountPoint(target)
	if err != nil {
		return err
	}
	if mounted {
		r.logger.Skip("%s is already mounted", target)
		return nil
	}
	r.logger.Step("Mounting %s at %s", u.Clone, target)
	return r.zfs.SetMountpoint(ctx, u.Clone, target)
}

// Release tears down in exact reverse of the plan order: unmount clones
// and delete staged device nodes first; once all per-unit teardown has
// been attempted, destroy the staging containers; destroy the run's
// snapshots only after every container is gone. Each step checks
// existence first, so a partially torn down run can be released again.
func (r *Resource) Release(ctx context.Context) error {
	units := r.plan.Units()

	var firstErr error
	note := func(err error) {
		if err == nil {
			return
		}
		r.logger.Error("%v", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	for i := len(units) - 1; i >= 0; i-- {
		u := units[i]
		if u.Dataset.IsVolume() {
			note(r.removeStagedDevice(ctx, u))
		} else {
			note(r.unmountClone(ctx, u))
		}
	}

	containersGone := true
	pools := r.plan.Pools()
	for i := len(pools) - 1; i >= 0; i-- {
		container := ContainerFor(pools[i])
		exists, err := r.zfs.DatasetExists(ctx, container)
		if err != nil {
			note(err)
			containersGone = false
			continue
		}
		if !exists {
			continue
		}
		r.logger.Step("Destroying staging container %s", container)
		if err := r.zfs.DestroyRecursive(ctx, container); err != nil {
			note(err)
			containersGone = false
		}
	}

	if !containersGone {
		r.logger.Warning("Keeping snapshots: staging containers still hold clones of them")
		return firstErr
	}

	for i := len(units) - 1; i >= 0; i-- {
		u := units[i]
		exists, err := r.zfs.SnapshotExists(ctx, u.Snapshot)
		if err != nil {
			note(err)
			continue
		}
		if !exists {
			continue
		}
		r.logger.Step("Destroying snapshot %s", u.Snapshot)
		note(r.zfs.DestroyRecursive(ctx, u.Snapshot))
	}
	return firstErr
}

func (r *Resource) unmountClone(ctx context.Context, u Unit) error {
	exists, err := r.zfs.DatasetExists(ctx, u.Clone)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	target := staging.PathFor(r.root, u.Dataset.Mountpoint)
	mounted, err := isMountPoint(target)
	if err != nil {
		return err
	}
	if !mounted {
		return nil
	}
	r.logger.Step("Unmounting clone %s", u.Clone)
	return r.zfs.ClearMountpoint(ctx, u.Clone)
}

func (r *Resource) removeStagedDevice(ctx context.Context, u Unit) error {
	staged := staging.PathFor(r.root, u.Dataset.Name)
	if _, err := os.Lstat(staged); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("inspecting staged device %s: %w", staged, err)
	}
	r.logger.Step("Removing staged device %s", staged)
	name, args := system.Elevate(r.sudo, "rm", "-f", staged)
	if _, stderr, err := r.runner.Run(ctx, nil, name, args...); err != nil {
		return system.CommandError(fmt.Sprintf("remove staged device %s", staged), err, stderr)
	}
	return nil
}

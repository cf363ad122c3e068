// Package bindmount stages plain filesystems by bind-mounting them
// read-only into the staging tree.
package bindmount

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/Rudd-O/borg-offsite-backup/internal/logging"
	"github.com/Rudd-O/borg-offsite-backup/internal/mount"
	"github.com/Rudd-O/borg-offsite-backup/internal/safefs"
	"github.com/Rudd-O/borg-offsite-backup/internal/staging"
)

var isMountPoint = mount.IsMountPoint

// Mounter is the subset of mount operations the resource needs.
type Mounter interface {
	Bind(ctx context.Context, src, dst string) error
	Unmount(ctx context.Context, path string) error
}

type entry struct {
	src string
	dst string
}

// Resource bind-mounts the configured filesystem paths under the staging
// root on acquire and unmounts them on release.
type Resource struct {
	mounter Mounter
	logger  *logging.Logger
	root    string
	paths   []string

	clk         clock.Clock
	retryDelay  time.Duration
	statTimeout time.Duration
}

// NewResource builds the lifecycle for the given source paths. Paths must
// be absolute; the configuration layer enforces that.
func NewResource(mounter Mounter, root string, paths []string, logger *logging.Logger) *Resource {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Resource{
		mounter:     mounter,
		logger:      logger,
		root:        root,
		paths:       paths,
		clk:         clock.WallClock,
		retryDelay:  2 * time.Second,
		statTimeout: 15 * time.Second,
	}
}

func (r *Resource) Name() string {
	return "bind mounts"
}

// targets returns the source/target pairs sorted ascending by target, so
// parent directories are prepared before anything below them.
func (r *Resource) targets() []entry {
	entries := make([]entry, 0, len(r.paths))
	for _, p := range r.paths {
		entries = append(entries, entry{src: p, dst: staging.PathFor(r.root, p)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].dst < entries[j].dst })
	return entries
}

// Acquire mounts every configured path under the staging root, skipping
// targets that are already mounted from an earlier interrupted run. A
// failure unmounts whatever this call already mounted before the error
// propagates.
func (r *Resource) Acquire(ctx context.Context) error {
	if err := r.acquire(ctx); err != nil {
		if relErr := r.Release(ctx); relErr != nil {
			r.logger.Error("Unwinding partial bind mounts: %v", relErr)
		}
		return err
	}
	return nil
}

func (r *Resource) acquire(ctx context.Context) error {
	for _, e := range r.targets() {
		info, err := safefs.Stat(ctx, e.src, r.statTimeout)
		if err != nil {
			return fmt.Errorf("checking bind source %s: %w", e.src, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("bind source %s is not a directory", e.src)
		}
		if err := os.MkdirAll(e.dst, 0o700); err != nil {
			return fmt.Errorf("creating bind target %s: %w", e.dst, err)
		}

		mounted, err := isMountPoint(e.dst)
		if err != nil {
			return fmt.Errorf("checking bind target %s: %w", e.dst, err)
		}
		if mounted {
			r.logger.Skip("%s is already mounted", e.dst)
			continue
		}

		r.logger.Step("Bind mounting %s at %s", e.src, e.dst)
		if err := r.mounter.Bind(ctx, e.src, e.dst); err != nil {
			return err
		}
	}
	return nil
}

// Release unmounts the targets in reverse order. A stuck unmount is
// retried once and then skipped, so one wedged mount cannot block the
// release of the others; whatever stays mounted is caught by the staging
// root's own teardown check.
func (r *Resource) Release(ctx context.Context) error {
	entries := r.targets()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		mounted, err := isMountPoint(e.dst)
		if err != nil {
			r.logger.Error("Checking bind target %s: %v", e.dst, err)
			continue
		}
		if !mounted {
			continue
		}

		r.logger.Step("Unmounting %s", e.dst)
		if err := r.unmountWithRetry(ctx, e.dst); err != nil {
			r.logger.Error("Cannot unmount %s: %v", e.dst, err)
		}
	}
	return nil
}

func (r *Resource) unmountWithRetry(ctx context.Context, path string) error {
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = r.mounter.Unmount(ctx, path)
			return lastErr
		},
		NotifyFunc: func(err error, attempt int) {
			r.logger.Warning("Unmounting %s (attempt %d): %v", path, attempt, err)
		},
		Attempts: 2,
		Delay:    r.retryDelay,
		Clock:    r.clk,
	})
	if retry.IsAttemptsExceeded(err) {
		return lastErr
	}
	return err
}

// Package staging manages the private directory tree under which one run
// exposes its snapshot clones and bind mounts.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Rudd-O/borg-offsite-backup/internal/logging"
	"github.com/Rudd-O/borg-offsite-backup/internal/mount"
	"github.com/Rudd-O/borg-offsite-backup/internal/safefs"
)

// Root is where clones and bind mounts are exposed for the duration of a
// run. It lives on a tmpfs, so a crashed run leaves nothing behind after
// a reboot.
const Root = "/run/borg-offsite-backup"

const readDirTimeout = 15 * time.Second

var mountsUnder = mount.MountsUnder

// PathFor maps an absolute host path, or a dataset name, to its location
// under the staging root.
func PathFor(root, path string) string {
	return filepath.Join(root, path)
}

// StillMountedError reports that the staging root cannot be deleted
// because mounts remain beneath it. Deleting the tree in that state could
// reach live data through the leftover mounts, so this error is always
// fatal and nothing is removed.
type StillMountedError struct {
	Root   string
	Mounts []string
}

func (e *StillMountedError) Error() string {
	return fmt.Sprintf("refusing to remove %s: still mounted beneath: %s",
		e.Root, strings.Join(e.Mounts, ", "))
}

// Resource is the staging root's acquire/release lifecycle.
type Resource struct {
	root   string
	logger *logging.Logger
}

// NewResource builds the lifecycle for root. An empty root selects the
// default runtime path.
func NewResource(root string, logger *logging.Logger) *Resource {
	if root == "" {
		root = Root
	}
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Resource{root: root, logger: logger}
}

func (r *Resource) Name() string {
	return "staging root " + r.root
}

// Path returns the staging root path.
func (r *Resource) Path() string {
	return r.root
}

// Acquire creates the staging root with restrictive permissions.
func (r *Resource) Acquire(ctx context.Context) error {
	r.logger.Step("Preparing staging root %s", r.root)
	if err := os.MkdirAll(r.root, 0o700); err != nil {
		return fmt.Errorf("creating staging root: %w", err)
	}
	return nil
}

// Release removes the staging tree, leaf-first, deleting only directories
// that are already empty. It refuses to touch anything while mounts remain
// beneath the root.
func (r *Resource) Release(ctx context.Context) error {
	if _, err := os.Stat(r.root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("inspecting staging root: %w", err)
	}

	mounts, err := mountsUnder(r.root)
	if err != nil {
		return fmt.Errorf("verifying staging root is unmounted: %w", err)
	}
	if len(mounts) > 0 {
		return &StillMountedError{Root: r.root, Mounts: mounts}
	}

	r.logger.Step("Removing staging root %s", r.root)
	dirs, err := collectDirs(ctx, r.root)
	if err != nil {
		return fmt.Errorf("walking staging root: %w", err)
	}

	var firstErr error
	for _, dir := range dirs {
		err := os.Remove(dir)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
		case isNotEmpty(err):
			r.logger.Warning("Leaving non-empty directory %s in place", dir)
		default:
			r.logger.Error("Removing %s: %v", dir, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// collectDirs walks the tree post-order, so children always precede their
// parent in the result.
func collectDirs(ctx context.Context, path string) ([]string, error) {
	entries, err := safefs.ReadDir(ctx, path, readDirTimeout)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub, err := collectDirs(ctx, filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, sub...)
	}
	return append(dirs, path), nil
}

func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}

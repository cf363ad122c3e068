package staging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Rudd-O/borg-offsite-backup/internal/logging"
	"github.com/Rudd-O/borg-offsite-backup/internal/types"
)

func quietLogger() *logging.Logger {
	logger := logging.New(types.LogLevelNone, false)
	return logger
}

func patchMountsUnder(t *testing.T, fn func(string) ([]string, error)) {
	t.Helper()
	orig := mountsUnder
	mountsUnder = fn
	t.Cleanup(func() { mountsUnder = orig })
}

func noMounts(t *testing.T) {
	t.Helper()
	patchMountsUnder(t, func(string) ([]string, error) { return nil, nil })
}

func TestPathFor(t *testing.T) {
	cases := []struct {
		root, path, want string
	}{
		{"/run/borg-offsite-backup", "/home", "/run/borg-offsite-backup/home"},
		{"/run/borg-offsite-backup", "/boot/efi", "/run/borg-offsite-backup/boot/efi"},
		{"/run/borg-offsite-backup", "tank/qubes/vm1/private", "/run/borg-offsite-backup/tank/qubes/vm1/private"},
		{"/run/borg-offsite-backup", "/", "/run/borg-offsite-backup"},
	}
	for _, c := range cases {
		if got := PathFor(c.root, c.path); got != c.want {
			t.Errorf("PathFor(%q, %q) = %q, want %q", c.root, c.path, got, c.want)
		}
	}
}

func TestAcquireCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "stage")
	r := NewResource(root, quietLogger())

	if err := r.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("staging root missing after Acquire: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("staging root is not a directory")
	}
	if got := info.Mode().Perm(); got != 0o700 {
		t.Errorf("staging root mode = %o, want 0700", got)
	}
}

func TestAcquireIdempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "stage")
	r := NewResource(root, quietLogger())

	if err := r.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := r.Acquire(context.Background()); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
}

func TestReleaseRemovesEmptyTree(t *testing.T) {
	noMounts(t)
	root := filepath.Join(t.TempDir(), "stage")
	if err := os.MkdirAll(filepath.Join(root, "tank", "qubes", "vm1"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "home"), 0o700); err != nil {
		t.Fatal(err)
	}

	r := NewResource(root, quietLogger())
	if err := r.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("staging root still present after Release (stat err=%v)", err)
	}
}

func TestReleaseLeavesNonEmptyDirs(t *testing.T) {
	noMounts(t)
	root := filepath.Join(t.TempDir(), "stage")
	keep := filepath.Join(root, "tank", "leftover")
	if err := os.MkdirAll(keep, 0o700); err != nil {
		t.Fatal(err)
	}
	stray := filepath.Join(keep, "device-node")
	if err := os.WriteFile(stray, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "home"), 0o700); err != nil {
		t.Fatal(err)
	}

	r := NewResource(root, quietLogger())
	if err := r.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := os.Stat(stray); err != nil {
		t.Errorf("stray file was deleted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "home")); !os.IsNotExist(err) {
		t.Error("empty sibling directory should have been removed")
	}
}

func TestReleaseRefusesWhenStillMounted(t *testing.T) {
	root := filepath.Join(t.TempDir(), "stage")
	if err := os.MkdirAll(filepath.Join(root, "home"), 0o700); err != nil {
		t.Fatal(err)
	}
	patchMountsUnder(t, func(string) ([]string, error) {
		return []string{filepath.Join(root, "home")}, nil
	})

	r := NewResource(root, quietLogger())
	err := r.Release(context.Background())

	var stillMounted *StillMountedError
	if !errors.As(err, &stillMounted) {
		t.Fatalf("Release error = %v, want StillMountedError", err)
	}
	if stillMounted.Root != root {
		t.Errorf("error root = %q, want %q", stillMounted.Root, root)
	}
	if _, statErr := os.Stat(filepath.Join(root, "home")); statErr != nil {
		t.Errorf("nothing may be deleted while mounts remain: %v", statErr)
	}
}

func TestReleaseFailsWhenMountTableUnreadable(t *testing.T) {
	root := filepath.Join(t.TempDir(), "stage")
	if err := os.MkdirAll(root, 0o700); err != nil {
		t.Fatal(err)
	}
	patchMountsUnder(t, func(string) ([]string, error) {
		return nil, errors.New("cannot read mount table")
	})

	r := NewResource(root, quietLogger())
	if err := r.Release(context.Background()); err == nil {
		t.Fatal("expected an error when the mount table cannot be read")
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root must survive an unverifiable teardown: %v", err)
	}
}

func TestReleaseMissingRootIsNoop(t *testing.T) {
	root := filepath.Join(t.TempDir(), "never-created")
	r := NewResource(root, quietLogger())

	if err := r.Release(context.Background()); err != nil {
		t.Fatalf("Release on a missing root: %v", err)
	}
}

func TestDefaultRoot(t *testing.T) {
	r := NewResource("", quietLogger())
	if r.Path() != Root {
		t.Errorf("Path = %q, want %q", r.Path(), Root)
	}
}

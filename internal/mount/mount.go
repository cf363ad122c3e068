// Package mount inspects the mount table and drives the bind mounts that
// expose plain filesystems inside the staging tree.
package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Rudd-O/borg-offsite-backup/internal/logging"
	"github.com/Rudd-O/borg-offsite-backup/internal/system"
)

var (
	mountinfoPath  = "/proc/self/mountinfo"
	procMountsPath = "/proc/mounts"
)

// IsMountPoint reports whether path is currently a mount point.
func IsMountPoint(path string) (bool, error) {
	target := filepath.Clean(strings.TrimSpace(path))
	if target == "" || target == "." {
		return false, nil
	}

	points, err := mountPoints()
	if err != nil {
		return false, err
	}
	for _, mp := range points {
		if mp == target {
			return true, nil
		}
	}
	return false, nil
}

// MountsUnder returns every mount point at or below root, deepest first,
// without duplicates. An empty result means root can be torn down safely.
func MountsUnder(root string) ([]string, error) {
	cleaned := filepath.Clean(strings.TrimSpace(root))
	if cleaned == "" || cleaned == "." {
		return nil, nil
	}

	points, err := mountPoints()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var under []string
	for _, mp := range points {
		if mp != cleaned && !strings.HasPrefix(mp, cleaned+string(os.PathSeparator)) {
			continue
		}
		if seen[mp] {
			continue
		}
		seen[mp] = true
		under = append(under, mp)
	}

	sort.Slice(under, func(i, j int) bool {
		if len(under[i]) != len(under[j]) {
			return len(under[i]) > len(under[j])
		}
		return under[i] < under[j]
	})
	return under, nil
}

func mountPoints() ([]string, error) {
	data, err := os.ReadFile(mountinfoPath)
	if err == nil {
		return mountPointsFromMountinfo(string(data)), nil
	}
	infoErr := err

	data, err = os.ReadFile(procMountsPath)
	if err == nil {
		return mountPointsFromProcMounts(string(data)), nil
	}
	return nil, fmt.Errorf("cannot read mount table: mountinfo=%v mounts=%v", infoErr, err)
}

func mountPointsFromMountinfo(content string) []string {
	var points []string
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 5 {
			continue
		}
		points = append(points, filepath.Clean(unescapeProcPath(fields[4])))
	}
	return points
}

func mountPointsFromProcMounts(content string) []string {
	var points []string
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		points = append(points, filepath.Clean(unescapeProcPath(fields[1])))
	}
	return points
}

func unescapeProcPath(s string) string {
	// /proc mount tables use octal escapes: \040, \011, \012, \134.
	// Decode any \XYZ sequence where XYZ are octal digits and the value
	// fits into a byte.
	if !strings.Contains(s, "\\") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '\\' || i+3 >= len(s) {
			_ = b.WriteByte(s[i])
			i++
			continue
		}

		oct := s[i+1 : i+4]
		if oct[0] < '0' || oct[0] > '7' || oct[1] < '0' || oct[1] > '7' || oct[2] < '0' || oct[2] > '7' {
			_ = b.WriteByte(s[i])
			i++
			continue
		}

		val := (int(oct[0]-'0') << 6) | (int(oct[1]-'0') << 3) | int(oct[2]-'0')
		if val > 255 {
			_ = b.WriteByte(s[i])
			i++
			continue
		}
		_ = b.WriteByte(byte(val))
		i += 4
	}
	return b.String()
}

// Manager drives mount and unmount operations through the external mount
// tools so that unprivileged invocations escalate cleanly.
type Manager struct {
	runner system.Runner
	logger *logging.Logger
	sudo   bool
}

// NewManager builds a Manager. Escalation is decided once, from the
// calling identity.
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

// Bind mounts src at dst and remounts the bind read-only. A failed
// remount undoes the bind before returning.
func (m *Manager) Bind(ctx context.Context, src, dst string) error {
	name, args := system.Elevate(m.sudo, "mount", "--bind", src, dst)
	if _, stderr, err := m.runner.Run(ctx, nil, name, args...); err != nil {
		return system.CommandError(fmt.Sprintf("bind mount %s on %s", src, dst), err, stderr)
	}

	name, args = system.Elevate(m.sudo, "mount", "-o", "remount,bind,ro,nodev,nosuid,noexec", dst)
	if _, stderr, err := m.runner.Run(ctx, nil, name, args...); err != nil {
		if umountErr := m.Unmount(ctx, dst); umountErr != nil {
			m.logger.Warning("Undoing bind mount on %s: %v", dst, umountErr)
		}
		return system.CommandError(fmt.Sprintf("remount %s read-only", dst), err, stderr)
	}
	return nil
}

// Unmount unmounts the mount point at path.
func (m *Manager) Unmount(ctx context.Context, path string) error {
	name, args := system.Elevate(m.sudo, "umount", path)
	if _, stderr, err := m.runner.Run(ctx, nil, name, args...); err != nil {
		return system.CommandError(fmt.Sprintf("unmount %s", path), err, stderr)
	}
	return nil
}

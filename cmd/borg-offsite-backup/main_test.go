package main

import (
	"path/filepath"
	"testing"

	"github.com/Rudd-O/borg-offsite-backup/internal/types"
)

func TestRunVersion(t *testing.T) {
	if code := run([]string{"--version"}); code != types.ExitSuccess.Int() {
		t.Errorf("run --version = %d, want 0", code)
	}
}

func TestRunNoSubcommand(t *testing.T) {
	if code := run(nil); code != types.ExitUsage.Int() {
		t.Errorf("run with no arguments = %d, want %d", code, types.ExitUsage.Int())
	}
}

func TestRunMissingConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.conf")
	if code := run([]string{"--config", missing, "create"}); code != types.ExitUsage.Int() {
		t.Errorf("run with missing config = %d, want %d", code, types.ExitUsage.Int())
	}
}

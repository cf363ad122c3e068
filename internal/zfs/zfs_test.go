package zfs

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/Rudd-O/borg-offsite-backup/internal/logging"
	"github.com/Rudd-O/borg-offsite-backup/internal/system"
	"github.com/Rudd-O/borg-offsite-backup/internal/types"
)

type call struct {
	name string
	args []string
}

type fakeResult struct {
	stdout []byte
	stderr []byte
	err    error
}

type fakeRunner struct {
	calls   []call
	envs    [][]string
	results []fakeResult
}

func (f *fakeRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	f.envs = append(f.envs, env)
	if len(f.results) == 0 {
		return nil, nil, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.stdout, r.stderr, r.err
}

func (f *fakeRunner) Attach(ctx context.Context, env []string, stdio system.StdIO, name string, args ...string) error {
	f.calls = append(f.calls, call{name: name, args: args})
	return nil
}

func quietLogger() *logging.Logger {
	logger := logging.New(types.LogLevelNone, false)
	return logger
}

func newTestManager(runner system.Runner) *Manager {
	m := NewManager(runner, quietLogger())
	m.sudo = false
	return m
}

func TestListParsesDatasets(t *testing.T) {
	out := strings.Join([]string{
		"tank\tfilesystem\t/tank",
		"tank/home\tfilesystem\t/home",
		"tank/qubes/vm1/private\tvolume\t-",
		"tank/scratch\tfilesystem\tnone",
		"",
	}, "\n")
	runner := &fakeRunner{results: []fakeResult{{stdout: []byte(out)}}}
	m := newTestManager(runner)

	got, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	want := []Dataset{
		{Name: "tank", Kind: "filesystem", Mountpoint: "/tank"},
		{Name: "tank/home", Kind: "filesystem", Mountpoint: "/home"},
		{Name: "tank/qubes/vm1/private", Kind: "volume", Mountpoint: "-"},
		{Name: "tank/scratch", Kind: "filesystem", Mountpoint: "none"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List = %v, want %v", got, want)
	}

	wantCall := call{"zfs", []string{"list", "-H", "-p", "-o", "name,type,mountpoint", "-t", "filesystem,volume"}}
	if !reflect.DeepEqual(runner.calls[0], wantCall) {
		t.Errorf("call = %v, want %v", runner.calls[0], wantCall)
	}
}

func TestListRejectsMalformedOutput(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{{stdout: []byte("tank only-two-fields\n")}}}
	m := newTestManager(runner)

	if _, err := m.List(context.Background()); err == nil {
		t.Error("expected an error for malformed list output")
	}
}

func TestDatasetExists(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)

	exists, err := m.DatasetExists(context.Background(), "tank/home")
	if err != nil {
		t.Fatalf("DatasetExists: %v", err)
	}
	if !exists {
		t.Error("expected dataset to exist on a clean exit")
	}

	wantCall := call{"zfs", []string{"list", "-H", "-t", "filesystem,volume", "-o", "name", "tank/home"}}
	if !reflect.DeepEqual(runner.calls[0], wantCall) {
		t.Errorf("call = %v, want %v", runner.calls[0], wantCall)
	}
}

func TestDatasetExistsMissing(t *testing.T) {
	runner := &fakeRunner{
		results: []fakeResult{{
			stderr: []byte("cannot open 'tank/nope': dataset does not exist"),
			err:    errors.New("exit status 1"),
		}},
	}
	m := newTestManager(runner)

	exists, err := m.DatasetExists(context.Background(), "tank/nope")
	if err != nil {
		t.Fatalf("DatasetExists: %v", err)
	}
	if exists {
		t.Error("expected missing dataset to be reported as absent")
	}
}

func TestDatasetExistsOtherFailure(t *testing.T) {
	runner := &fakeRunner{
		results: []fakeResult{{
			stderr: []byte("internal error: failed to initialize ZFS library"),
			err:    errors.New("exit status 1"),
		}},
	}
	m := newTestManager(runner)

	if _, err := m.DatasetExists(context.Background(), "tank/home"); err == nil {
		t.Error("expected a library failure to surface as an error")
	}
}

func TestSnapshotExistsQueriesSnapshots(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)

	if _, err := m.SnapshotExists(context.Background(), "tank/home@2024-03-01"); err != nil {
		t.Fatalf("SnapshotExists: %v", err)
	}

	wantCall := call{"zfs", []string{"list", "-H", "-t", "snapshot", "-o", "name", "tank/home@2024-03-01"}}
	if !reflect.DeepEqual(runner.calls[0], wantCall) {
		t.Errorf("call = %v, want %v", runner.calls[0], wantCall)
	}
}

func TestMutatingCommands(t *testing.T) {
	cases := []struct {
		desc string
		op   func(*Manager, context.Context) error
		want call
	}{
		{
			desc: "create dataset",
			op: func(m *Manager, ctx context.Context) error {
				return m.CreateDataset(ctx, "tank/borg-offsite-backup")
			},
			want: call{"zfs", []string{"create", "-p", "-o", "mountpoint=none", "tank/borg-offsite-backup"}},
		},
		{
			desc: "snapshot",
			op: func(m *Manager, ctx context.Context) error {
				return m.Snapshot(ctx, "tank/home@2024-03-01")
			},
			want: call{"zfs", []string{"snapshot", "tank/home@2024-03-01"}},
		},
		{
			desc: "clone filesystem",
			op: func(m *Manager, ctx context.Context) error {
				return m.Clone(ctx, "tank/home@2024-03-01", "tank/borg-offsite-backup/home", KindFilesystem)
			},
			want: call{"zfs", []string{"clone", "-p", "-o", "mountpoint=none", "-o", "readonly=on", "tank/home@2024-03-01", "tank/borg-offsite-backup/home"}},
		},
		{
			// Volumes carry no mountpoint property and zfs rejects
			// setting one at clone time.
			desc: "clone volume",
			op: func(m *Manager, ctx context.Context) error {
				return m.Clone(ctx, "tank/qubes/vm1/private@2024-03-01", "tank/borg-offsite-backup/qubes/vm1/private", KindVolume)
			},
			want: call{"zfs", []string{"clone", "-p", "-o", "readonly=on", "tank/qubes/vm1/private@2024-03-01", "tank/borg-offsite-backup/qubes/vm1/private"}},
		},
		{
			desc: "set mountpoint",
			op: func(m *Manager, ctx context.Context) error {
				return m.SetMountpoint(ctx, "tank/borg-offsite-backup/home", "/run/borg-offsite-backup/home")
			},
			want: call{"zfs", []string{"set", "mountpoint=/run/borg-offsite-backup/home", "tank/borg-offsite-backup/home"}},
		},
		{
			desc: "clear mountpoint",
			op: func(m *Manager, ctx context.Context) error {
				return m.ClearMountpoint(ctx, "tank/borg-offsite-backup/home")
			},
			want: call{"zfs", []string{"set", "mountpoint=none", "tank/borg-offsite-backup/home"}},
		},
		{
			desc: "destroy recursive",
			op: func(m *Manager, ctx context.Context) error {
				return m.DestroyRecursive(ctx, "tank/borg-offsite-backup")
			},
			want: call{"zfs", []string{"destroy", "-r", "tank/borg-offsite-backup"}},
		},
	}

	for _, c := range cases {
		runner := &fakeRunner{}
		m := newTestManager(runner)
		if err := c.op(m, context.Background()); err != nil {
			t.Fatalf("%s: %v", c.desc, err)
		}
		if !reflect.DeepEqual(runner.calls[0], c.want) {
			t.Errorf("%s: call = %v, want %v", c.desc, runner.calls[0], c.want)
		}
	}
}

func TestCommandErrorsCarryStderr(t *testing.T) {
	runner := &fakeRunner{
		results: []fakeResult{{
			stderr: []byte("cannot destroy 'tank/home': dataset is busy"),
			err:    errors.New("exit status 1"),
		}},
	}
	m := newTestManager(runner)

	err := m.DestroyRecursive(context.Background(), "tank/home")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "dataset is busy") {
		t.Errorf("error %q does not carry stderr detail", err)
	}
}

func TestCommandsElevateWhenNotRoot(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	m.sudo = true

	if err := m.Snapshot(context.Background(), "tank/home@2024-03-01"); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	want := call{"sudo", []string{"-n", "zfs", "snapshot", "tank/home@2024-03-01"}}
	if !reflect.DeepEqual(runner.calls[0], want) {
		t.Errorf("call = %v, want %v", runner.calls[0], want)
	}
}

func TestCommandsPinMessageLocale(t *testing.T) {
	runner := &fakeRunner{
		results: []fakeResult{{
			stderr: []byte("cannot open 'tank/nope': dataset does not exist"),
			err:    errors.New("exit status 1"),
		}},
	}
	m := newTestManager(runner)

	if _, err := m.DatasetExists(context.Background(), "tank/nope"); err != nil {
		t.Fatalf("DatasetExists: %v", err)
	}

	want := [][]string{{"LC_ALL=C"}}
	if !reflect.DeepEqual(runner.envs, want) {
		t.Errorf("envs = %v, want %v", runner.envs, want)
	}
}

func TestDatasetHelpers(t *testing.T) {
	vol := Dataset{Name: "tank/qubes/vm1/private", Kind: KindVolume, Mountpoint: "-"}
	if !vol.IsVolume() {
		t.Error("expected volume kind to report IsVolume")
	}
	if vol.HasMountpoint() {
		t.Error("volumes have no mountpoint")
	}
	if got, want := vol.DevicePath(), "/dev/zvol/tank/qubes/vm1/private"; got != want {
		t.Errorf("DevicePath = %q, want %q", got, want)
	}

	fs := Dataset{Name: "tank/home", Kind: KindFilesystem, Mountpoint: "/home"}
	if fs.IsVolume() {
		t.Error("filesystem kind must not report IsVolume")
	}
	if !fs.HasMountpoint() {
		t.Error("expected /home to count as a real mountpoint")
	}

	for _, c := range []struct{ in, want string }{
		{"tank", "tank"},
		{"tank/home", "tank"},
		{"tank/home@2024-03-01", "tank"},
		{"tank@2024-03-01", "tank"},
	} {
		if got := Pool(c.in); got != c.want {
			t.Errorf("Pool(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	for _, mp := range []string{"none", "legacy", "-", ""} {
		d := Dataset{Name: "tank/x", Kind: KindFilesystem, Mountpoint: mp}
		if d.HasMountpoint() {
			t.Errorf("mountpoint %q must not count as a real path", mp)
		}
	}
}

// Package orchestrator drives one backup run end to end: establish
// connectivity, stage every configured unit under the staging root, hand
// the tree to the archive tool, tear everything down in reverse, prune
// old archives and optionally export telemetry.
package orchestrator

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/Rudd-O/borg-offsite-backup/internal/bindmount"
	"github.com/Rudd-O/borg-offsite-backup/internal/borg"
	"github.com/Rudd-O/borg-offsite-backup/internal/config"
	"github.com/Rudd-O/borg-offsite-backup/internal/connect"
	"github.com/Rudd-O/borg-offsite-backup/internal/logging"
	"github.com/Rudd-O/borg-offsite-backup/internal/mount"
	"github.com/Rudd-O/borg-offsite-backup/internal/scope"
	"github.com/Rudd-O/borg-offsite-backup/internal/snapshot"
	"github.com/Rudd-O/borg-offsite-backup/internal/staging"
	"github.com/Rudd-O/borg-offsite-backup/internal/system"
	"github.com/Rudd-O/borg-offsite-backup/internal/telemetry"
	"github.com/Rudd-O/borg-offsite-backup/internal/types"
	"github.com/Rudd-O/borg-offsite-backup/internal/zfs"
)

const (
	// archiveNameLayout turns the run's start time into the archive name.
	// One archive per calendar day; a rerun on the same day fails in the
	// archive tool with a duplicate-name error rather than silently
	// producing a second copy.
	archiveNameLayout = "2006-01-02"

	// cancelExitPause keeps the process alive briefly after a cancelled
	// run so a supervisor reacting to the same signal sees cleanup finish
	// before the process goes away.
	cancelExitPause = 5 * time.Second

	// DefaultTelemetryTimeout bounds metric collection; listing a large
	// repository over a slow relay can otherwise stall the run's tail.
	DefaultTelemetryTimeout = 5 * time.Minute
)

var (
	osGetwd    = os.Getwd
	osChdir    = os.Chdir
	osHostname = os.Hostname
)

// Archiver is the slice of the archive client a run drives. *borg.Client
// implements it.
type Archiver interface {
	BreakStaleLock(ctx context.Context)
	CreateArchive(ctx context.Context, spec borg.CreateSpec) error
	Prune(ctx context.Context, keepDaily, keepWeekly, keepMonthly int) error
	ListArchives(ctx context.Context) (*borg.RepoList, error)
	ArchiveInfo(ctx context.Context, name string) (*borg.Archive, error)
	PassThrough(ctx context.Context, subcommand string, extra []string) (int, error)
}

// Datasets is the dataset adapter surface the driver consumes.
// *zfs.Manager implements it.
type Datasets interface {
	snapshot.ZFS
	List(ctx context.Context) ([]zfs.Dataset, error)
}

// newStagingResource is a seam for tests that need the staging root's
// release to misbehave.
var newStagingResource = func(root string, logger *logging.Logger) scope.Resource {
	return staging.NewResource(root, logger)
}

// Driver owns one invocation of the orchestrator. It is not safe for
// concurrent use; RequestCancel is the only method that may be called
// from another goroutine.
type Driver struct {
	cfg      *config.Config
	logger   *logging.Logger
	clk      clock.Clock
	runner   system.Runner
	datasets Datasets
	mounter  bindmount.Mounter
	link     connect.Link

	newArchiver func(session *connect.Session) Archiver

	stagingRoot      string
	telemetryFile    string
	telemetryTimeout time.Duration
	pauseOnCancel    time.Duration

	cancelled atomic.Bool
	stop      chan struct{}
}

// New builds a driver over the real system: the os/exec runner, the
// dataset and mount adapters, and the connectivity variant selected by
// the configuration.
func New(cfg *config.Config, logger *logging.Logger) *Driver {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	runner := system.NewRunner()
	d := &Driver{
		cfg:      cfg,
		logger:   logger,
		clk:      clock.WallClock,
		runner:   runner,
		datasets: zfs.NewManager(runner, logger),
		mounter:  mount.NewManager(runner, logger),
		link:     connect.ForConfig(cfg, runner, logger),

		stagingRoot:      staging.Root,
		telemetryTimeout: DefaultTelemetryTimeout,
		pauseOnCancel:    cancelExitPause,
		stop:             make(chan struct{}),
	}
	d.newArchiver = func(session *connect.Session) Archiver {
		return borg.NewClient(runner, cfg, session, logger)
	}
	return d
}

// SetTelemetryFile enables the post-run metrics export to path.
func (d *Driver) SetTelemetryFile(path string) {
	d.telemetryFile = path
}

// SetTelemetryTimeout bounds how long metric collection may take.
func (d *Driver) SetTelemetryTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.telemetryTimeout = timeout
	}
}

// RequestCancel marks the run as cancelled. The external call in flight
// is never interrupted; the flag gates every later step, and teardown of
// already-acquired resources still runs in full. Safe to call from the
// signal handler goroutine, any number of times.
func (d *Driver) RequestCancel() {
	if d.cancelled.CompareAndSwap(false, true) {
		close(d.stop)
	}
}

// Stopped returns a channel closed on the first cancellation request.
func (d *Driver) Stopped() <-chan struct{} {
	return d.stop
}

func (d *Driver) cancelRequested() bool {
	return d.cancelled.Load()
}

// Create runs one full backup and returns the process exit code: the
// first non-zero code among archive creation and pruning, a plain
// failure for connectivity or staging errors, and zero for a cancelled
// run unless the staging root was left mounted.
func (d *Driver) Create(ctx context.Context) int {
	date := d.clk.Now().Format(archiveNameLayout)
	d.logger.Step("Starting backup run %s", date)

	session, err := d.link.Establish(ctx)
	if err != nil {
		d.logger.Error("Cannot reach the backup server: %v", err)
		return types.ExitFailure.Int()
	}
	d.logger.Info("Using %s", session.Describe())

	code, stuck := d.runWithin(ctx, session, date)

	if err := session.Close(ctx); err != nil {
		d.logger.Error("Closing the backup session: %v", err)
		if code == 0 {
			code = types.ExitFailure.Int()
		}
	}

	if d.cancelRequested() {
		if stuck {
			d.logger.Error("Run was cancelled but the staging root is still mounted; reporting failure")
			code = types.ExitFailure.Int()
		} else {
			code = types.ExitSuccess.Int()
		}
		d.logger.Warning("Backup run cancelled; exiting in %s", d.pauseOnCancel)
		select {
		case <-d.clk.After(d.pauseOnCancel):
		case <-ctx.Done():
		}
	}
	return code
}

// runWithin does everything that needs the established session. The
// second return reports whether teardown left the staging root mounted.
func (d *Driver) runWithin(ctx context.Context, session *connect.Session, date string) (int, bool) {
	arch := d.newArchiver(session)

	// A lock left behind by a previous abnormal termination would make
	// every unattended run fail until someone logs in.
	arch.BreakStaleLock(ctx)

	plan, err := d.plan(ctx, date)
	if err != nil {
		d.logger.Error("Cannot plan the snapshot set: %v", err)
		return types.ExitFailure.Int(), false
	}

	inner := scope.NewGroup("staging", d.logger,
		newStagingResource(d.stagingRoot, d.logger),
		snapshot.NewResource(d.datasets, d.runner, plan, d.stagingRoot, d.logger),
		bindmount.NewResource(d.mounter, d.stagingRoot, d.cfg.Filesystems, d.logger),
		d.workdirResource(),
	)
	if err := inner.Acquire(ctx); err != nil {
		d.logger.Error("Cannot stage the backup tree: %v", err)
		return types.ExitFailure.Int(), false
	}

	code := types.ExitSuccess.Int()
	created := false
	if d.cancelRequested() {
		d.logger.Warning("Cancellation requested, skipping archive creation")
	} else if err := arch.CreateArchive(ctx, d.createSpec(plan, date)); err != nil {
		d.logger.Error("Archive creation failed: %v", err)
		code = commandExitCode(err)
	} else {
		created = true
	}

	releaseErr := inner.Release(ctx)
	if releaseErr != nil {
		d.logger.Error("Tearing down the staging tree: %v", releaseErr)
	}

	// Pruning needs only the repository, so a teardown error does not
	// block it; a failed or skipped create does.
	if created && !d.cancelRequested() {
		if err := arch.Prune(ctx, d.cfg.KeepDaily, d.cfg.KeepWeekly, d.cfg.KeepMonthly); err != nil {
			d.logger.Error("Pruning old archives failed: %v", err)
			if code == 0 {
				code = commandExitCode(err)
			}
		}
	} else if created {
		d.logger.Warning("Cancellation requested, skipping prune")
	}

	if d.telemetryFile != "" && !d.cancelRequested() {
		if err := d.exportTelemetry(ctx, arch); err != nil {
			d.logger.Warning("Telemetry export failed: %v", err)
		}
	}

	if code == 0 && releaseErr != nil {
		code = types.ExitFailure.Int()
	}
	return code, stagingStillMounted(releaseErr)
}

// plan expands the configured dataset targets against the live dataset
// list. Machines with no dataset targets never invoke the storage CLI.
func (d *Driver) plan(ctx context.Context, date string) (*snapshot.Plan, error) {
	var selected []zfs.Dataset
	if len(d.cfg.Datasets) > 0 {
		all, err := d.datasets.List(ctx)
		if err != nil {
			return nil, err
		}
		selected, err = snapshot.Expand(all, d.cfg.Datasets, d.logger)
		if err != nil {
			return nil, err
		}
	}
	return snapshot.NewPlan(selected, date), nil
}

func (d *Driver) createSpec(plan *snapshot.Plan, date string) borg.CreateSpec {
	return borg.CreateSpec{
		Archive:     date,
		Comment:     "backup of " + hostname(),
		Compression: d.cfg.Compression,
		Excludes:    d.cfg.ExcludePatterns,
		ReadSpecial: plan.NeedsReadSpecial(),
	}
}

// workdirResource moves the process into the staging root for the
// duration of the archive invocation. The archive tool is handed "." so
// every path inside the archive stays relative to the staging root.
func (d *Driver) workdirResource() scope.Resource {
	var previous string
	return &scope.Func{
		Label: "working directory",
		AcquireFn: func(ctx context.Context) error {
			wd, err := osGetwd()
			if err != nil {
				return err
			}
			if err := osChdir(d.stagingRoot); err != nil {
				return err
			}
			previous = wd
			return nil
		},
		ReleaseFn: func(ctx context.Context) error {
			if previous == "" {
				return nil
			}
			return osChdir(previous)
		},
	}
}

func (d *Driver) exportTelemetry(ctx context.Context, arch Archiver) error {
	tctx := ctx
	if d.telemetryTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, d.telemetryTimeout)
		defer cancel()
	}
	collector := telemetry.NewCollector(arch, d.logger)
	if err := collector.Collect(tctx); err != nil {
		return err
	}
	if err := collector.Write(d.telemetryFile); err != nil {
		return err
	}
	d.logger.Info("Telemetry written to %s", d.telemetryFile)
	return nil
}

// Telemetry connects and writes the metrics file without running a
// backup. Unlike the export at the tail of a create run, failures here
// are the whole point of the invocation and fail it.
func (d *Driver) Telemetry(ctx context.Context) int {
	session, err := d.link.Establish(ctx)
	if err != nil {
		d.logger.Error("Cannot reach the backup server: %v", err)
		return types.ExitFailure.Int()
	}

	exportErr := d.exportTelemetry(ctx, d.newArchiver(session))

	if err := session.Close(ctx); err != nil {
		d.logger.Error("Closing the backup session: %v", err)
		if exportErr == nil {
			return types.ExitFailure.Int()
		}
	}
	if exportErr != nil {
		d.logger.Error("Telemetry export failed: %v", exportErr)
		return types.ExitFailure.Int()
	}
	return types.ExitSuccess.Int()
}

// PassThrough forwards an arbitrary archive-tool subcommand against the
// configured repository and mirrors the tool's exit code. help runs
// locally without touching the network.
func (d *Driver) PassThrough(ctx context.Context, subcommand string, args []string) int {
	if subcommand == "help" || subcommand == "--help" {
		code, err := borg.Help(ctx, d.runner)
		if err != nil {
			d.logger.Error("Cannot run the archive tool: %v", err)
			return types.ExitFailure.Int()
		}
		return code
	}

	session, err := d.link.Establish(ctx)
	if err != nil {
		d.logger.Error("Cannot reach the backup server: %v", err)
		return types.ExitFailure.Int()
	}

	code, err := d.newArchiver(session).PassThrough(ctx, subcommand, args)
	if err != nil {
		d.logger.Error("Cannot run the archive tool: %v", err)
		code = types.ExitFailure.Int()
	}
	if err := session.Close(ctx); err != nil {
		d.logger.Error("Closing the backup session: %v", err)
		if code == 0 {
			code = types.ExitFailure.Int()
		}
	}
	return code
}

// commandExitCode maps an archive-tool failure to the exit code the run
// reports: the tool's own code when it ran to completion, a plain
// failure otherwise.
func commandExitCode(err error) int {
	if code, ok := system.ExitStatus(err); ok && code != 0 {
		return code
	}
	return types.ExitFailure.Int()
}

func stagingStillMounted(err error) bool {
	var stillMounted *staging.StillMountedError
	return errors.As(err, &stillMounted)
}

func hostname() string {
	name, err := osHostname()
	if err != nil || name == "" {
		return "unknown host"
	}
	return name
}

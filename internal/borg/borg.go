// Package borg drives the borg archive tool against the offsite
// repository: archive creation, retention pruning, lock recovery, and
// the JSON queries telemetry is built from.
package borg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/Rudd-O/borg-offsite-backup/internal/config"
	"github.com/Rudd-O/borg-offsite-backup/internal/connect"
	"github.com/Rudd-O/borg-offsite-backup/internal/logging"
	"github.com/Rudd-O/borg-offsite-backup/internal/system"
)

// QuietEnv suppresses progress output when set, for scheduled runs whose
// stderr goes to a journal.
const QuietEnv = "BORG_OFFSITE_QUIET"

var isTerminal = term.IsTerminal

// Client runs borg subcommands against one repository over one
// established session.
type Client struct {
	runner  system.Runner
	logger  *logging.Logger
	repo    string
	keyFile string
	session *connect.Session
}

// NewClient builds a client for the configured repository, speaking
// through session.
func NewClient(runner system.Runner, cfg *config.Config, session *connect.Session, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Client{
		runner:  runner,
		logger:  logger,
		repo:    fmt.Sprintf("%s@%s:%s", cfg.BackupUser, cfg.BackupServer, cfg.BackupPath),
		keyFile: cfg.KeyFile,
		session: session,
	}
}

// Repo returns the repository location string.
func (c *Client) Repo() string {
	return c.repo
}

// env is exported to every borg invocation. The passphrase is cleared so
// borg never prompts; the key file carries the actual secret.
func (c *Client) env() []string {
	return []string{
		"BORG_RSH=" + c.session.RemoteShell,
		"BORG_KEY_FILE=" + c.keyFile,
		"BORG_PASSPHRASE=",
	}
}

func (c *Client) progressEnabled() bool {
	if os.Getenv(QuietEnv) != "" {
		return false
	}
	return isTerminal(int(os.Stderr.Fd()))
}

// CreateSpec describes one archive creation.
type CreateSpec struct {
	Archive     string
	Comment     string
	Compression string
	Excludes    []string
	ReadSpecial bool
}

type createStats struct {
	Archive struct {
		Duration float64 `json:"duration"`
		Stats    struct {
			OriginalSize     uint64 `json:"original_size"`
			CompressedSize   uint64 `json:"compressed_size"`
			DeduplicatedSize uint64 `json:"deduplicated_size"`
			FileCount        int64  `json:"nfiles"`
		} `json:"stats"`
	} `json:"archive"`
}

// CreateArchive archives the current working directory, which the caller
// has pointed at the staging root. A borg exit status of 1 means the
// archive was created with warnings and is normalized to success.
func (c *Client) CreateArchive(ctx context.Context, spec CreateSpec) error {
	excludeFile, err := writeExcludeFile(spec.Excludes)
	if err != nil {
		return err
	}
	defer os.Remove(excludeFile)

	args := []string{"create"}
	if c.progressEnabled() {
		args = append(args, "--progress")
	}
	args = append(args, "--exclude-caches")
	if spec.Comment != "" {
		args = append(args, "--comment", spec.Comment)
	}
	args = append(args,
		"--compression", spec.Compression,
		"--exclude-from", excludeFile,
		"--stats", "--json",
	)
	if spec.ReadSpecial {
		args = append(args, "--read-special")
	}
	args = append(args, c.repo+"::"+spec.Archive, ".")

	c.logger.Step("Creating archive %s", spec.Archive)
	var stats bytes.Buffer
	stdio := system.StdIO{Stdout: &stats, Stderr: os.Stderr}
	err = c.runner.Attach(ctx, c.env(), stdio, "borg", args...)
	if err != nil {
		if code, ok := system.ExitStatus(err); ok && code == 1 {
			c.logger.Warning("Archive %s created with warnings", spec.Archive)
		} else {
			return fmt.Errorf("creating archive %s: %w", spec.Archive, err)
		}
	}

	c.logStats(stats.Bytes())
	return nil
}

func writeExcludeFile(patterns []string) (string, error) {
	f, err := os.CreateTemp("", "borg-offsite-excludes-")
	if err != nil {
		return "", fmt.Errorf("creating exclude file: %w", err)
	}
	for _, p := range patterns {
		if _, err := fmt.Fprintln(f, p); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", fmt.Errorf("writing exclude file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing exclude file: %w", err)
	}
	return f.Name(), nil
}

func (c *Client) logStats(out []byte) {
	var parsed createStats
	if err := json.Unmarshal(out, &parsed); err != nil {
		c.logger.Debug("No archive stats to report: %v", err)
		return
	}
	s := parsed.Archive.Stats
	c.logger.Info("Archived %s files in %s: %s original, %s compressed, %s deduplicated",
		humanize.Comma(s.FileCount),
		time.Duration(parsed.Archive.Duration*float64(time.Second)).Round(time.Second),
		humanize.IBytes(s.OriginalSize),
		humanize.IBytes(s.CompressedSize),
		humanize.IBytes(s.DeduplicatedSize))
}

// Prune applies the retention policy to the repository.
func (c *Client) Prune(ctx context.Context, keepDaily, keepWeekly, keepMonthly int) error {
	c.logger.Step("Pruning repository %s", c.repo)
	args := []string{"prune",
		"--keep-daily", strconv.Itoa(keepDaily),
		"--keep-weekly", strconv.Itoa(keepWeekly),
		"--keep-monthly", strconv.Itoa(keepMonthly),
		c.repo,
	}
	if _, stderr, err := c.runner.Run(ctx, c.env(), "borg", args...); err != nil {
		return system.CommandError("pruning repository", err, stderr)
	}
	return nil
}

// BreakStaleLock probes the repository and, if it reports a lock held by
// a previous abnormal termination, breaks it. Recovery is best-effort;
// failures are logged and never abort the run.
func (c *Client) BreakStaleLock(ctx context.Context) {
	_, stderr, err := c.runner.Run(ctx, c.env(), "borg", "list", "--short", "--lock-wait", "5", c.repo)
	if err == nil {
		return
	}
	if !strings.Contains(strings.ToLower(string(stderr)), "lock") {
		c.logger.Debug("Repository probe failed without a lock indication: %v", err)
		return
	}
	c.logger.Warning("Repository %s reports a stale lock, breaking it", c.repo)
	if _, stderr, err := c.runner.Run(ctx, c.env(), "borg", "break-lock", c.repo); err != nil {
		c.logger.Warning("Breaking the lock failed: %v", system.CommandError("break-lock", err, stderr))
	}
}

// RepoList is the repository-level view borg list reports.
type RepoList struct {
	LastModified time.Time
	ArchiveNames []string
}

// Archive is the per-archive detail borg info reports.
type Archive struct {
	Name             string
	Start            time.Time
	End              time.Time
	OriginalSize     uint64
	CompressedSize   uint64
	DeduplicatedSize uint64
	FileCount        int64
}

// ListArchives returns the archive names and the repository's last
// modification time.
func (c *Client) ListArchives(ctx context.Context) (*RepoList, error) {
	stdout, stderr, err := c.runner.Run(ctx, c.env(), "borg", "list", "--json", c.repo)
	if err != nil {
		return nil, system.CommandError("listing archives", err, stderr)
	}

	var parsed struct {
		Archives []struct {
			Name string `json:"name"`
		} `json:"archives"`
		Repository struct {
			LastModified string `json:"last_modified"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(stdout, &parsed); err != nil {
		return nil, fmt.Errorf("parsing archive list: %w", err)
	}

	list := &RepoList{}
	if parsed.Repository.LastModified != "" {
		t, err := parseTime(parsed.Repository.LastModified)
		if err != nil {
			return nil, fmt.Errorf("parsing repository timestamp: %w", err)
		}
		list.LastModified = t
	}
	for _, a := range parsed.Archives {
		list.ArchiveNames = append(list.ArchiveNames, a.Name)
	}
	return list, nil
}

// ArchiveInfo returns the details of one archive.
func (c *Client) ArchiveInfo(ctx context.Context, name string) (*Archive, error) {
	stdout, stderr, err := c.runner.Run(ctx, c.env(), "borg", "info", "--json", c.repo+"::"+name)
	if err != nil {
		return nil, system.CommandError(fmt.Sprintf("inspecting archive %s", name), err, stderr)
	}

	var parsed struct {
		Archives []struct {
			Start string `json:"start"`
			End   string `json:"end"`
			Stats struct {
				OriginalSize     uint64 `json:"original_size"`
				CompressedSize   uint64 `json:"compressed_size"`
				DeduplicatedSize uint64 `json:"deduplicated_size"`
				FileCount        int64  `json:"nfiles"`
			} `json:"stats"`
		} `json:"archives"`
	}
	if err := json.Unmarshal(stdout, &parsed); err != nil {
		return nil, fmt.Errorf("parsing archive info: %w", err)
	}
	if len(parsed.Archives) == 0 {
		return nil, fmt.Errorf("archive %s not found", name)
	}

	raw := parsed.Archives[0]
	start, err := parseTime(raw.Start)
	if err != nil {
		return nil, fmt.Errorf("parsing archive start time: %w", err)
	}
	end, err := parseTime(raw.End)
	if err != nil {
		return nil, fmt.Errorf("parsing archive end time: %w", err)
	}
	return &Archive{
		Name:             name,
		Start:            start,
		End:              end,
		OriginalSize:     raw.Stats.OriginalSize,
		CompressedSize:   raw.Stats.CompressedSize,
		DeduplicatedSize: raw.Stats.DeduplicatedSize,
		FileCount:        raw.Stats.FileCount,
	}, nil
}

// parseTime handles the timestamp shapes borg emits: ISO 8601 with or
// without fractional seconds, with or without a zone, in local time when
// the zone is absent.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000000",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// PassThrough forwards an arbitrary borg subcommand with the repository
// appended and the session exported, mirroring borg's exit code.
func (c *Client) PassThrough(ctx context.Context, subcommand string, extra []string) (int, error) {
	args := append([]string{subcommand}, extra...)
	args = append(args, c.repo)
	stdio := system.StdIO{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
	err := c.runner.Attach(ctx, c.env(), stdio, "borg", args...)
	if err == nil {
		return 0, nil
	}
	if code, ok := system.ExitStatus(err); ok {
		return code, nil
	}
	return 0, fmt.Errorf("running borg %s: %w", subcommand, err)
}

// Help forwards borg's own help text. No repository or session is
// involved, so this works before connectivity is up.
func Help(ctx context.Context, runner system.Runner) (int, error) {
	stdio := system.StdIO{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
	err := runner.Attach(ctx, nil, stdio, "borg", "--help")
	if err == nil {
		return 0, nil
	}
	if code, ok := system.ExitStatus(err); ok {
		return code, nil
	}
	return 0, fmt.Errorf("running borg --help: %w", err)
}

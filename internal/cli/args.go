// Package cli parses the orchestrator's own command line. Only a handful
// of meta-flags belong to the orchestrator; the first positional argument
// is the archive-tool subcommand and everything after it is passed
// through untouched.
package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/juju/gnuflag"

	"github.com/Rudd-O/borg-offsite-backup/internal/config"
)

// DefaultTelemetryTimeout bounds metric collection when --telemetry-timeout
// is not given.
const DefaultTelemetryTimeout = 300 * time.Second

// Args holds the parsed command line.
type Args struct {
	ConfigPath       string
	TelemetryFile    string
	TelemetryTimeout time.Duration
	Debug            bool
	ShowVersion      bool
	ShowHelp         bool

	// Subcommand is the archive-tool subcommand; Extra is everything
	// after it, forwarded verbatim.
	Subcommand string
	Extra      []string
}

// UsageError is a bad invocation: unknown meta-flag, missing subcommand,
// or inconsistent flags. The caller exits with the usage exit code.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string {
	return e.Err.Error()
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

func usageError(format string, args ...interface{}) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// Parse parses argv (without the program name). Intersperse is off, so
// flag parsing stops at the first positional argument and archive-tool
// flags after the subcommand are never interpreted here. Usage problems
// come back as *UsageError with the usage text already printed to output.
func Parse(output io.Writer, argv []string) (*Args, error) {
	args := &Args{}

	f := gnuflag.NewFlagSet("borg-offsite-backup", gnuflag.ContinueOnError)
	f.SetOutput(output)
	f.Usage = func() { PrintUsage(output, f) }

	f.StringVar(&args.ConfigPath, "config", config.DefaultPath,
		"Path to the configuration file")
	f.StringVar(&args.TelemetryFile, "telemetry-file", "",
		"Write repository metrics to this file")
	var timeoutSeconds int
	f.IntVar(&timeoutSeconds, "telemetry-timeout", int(DefaultTelemetryTimeout/time.Second),
		"Seconds allowed for metric collection")
	f.BoolVar(&args.Debug, "debug", false,
		"Log debug detail")
	f.BoolVar(&args.ShowVersion, "version", false,
		"Print the orchestrator version and exit")
	f.BoolVar(&args.ShowHelp, "help", false,
		"Forward --help to the archive tool")
	f.BoolVar(&args.ShowHelp, "h", false,
		"Forward --help to the archive tool (shorthand)")

	if err := f.Parse(false, argv); err != nil {
		return nil, &UsageError{Err: err}
	}

	if timeoutSeconds <= 0 {
		return nil, usageError("--telemetry-timeout must be positive, got %d", timeoutSeconds)
	}
	args.TelemetryTimeout = time.Duration(timeoutSeconds) * time.Second

	rest := f.Args()
	if len(rest) == 0 {
		if args.ShowVersion || args.ShowHelp {
			return args, nil
		}
		f.Usage()
		return nil, usageError("no subcommand given")
	}
	args.Subcommand = rest[0]
	args.Extra = rest[1:]

	if args.Subcommand == "telemetry" && args.TelemetryFile == "" {
		return nil, usageError("the telemetry subcommand requires --telemetry-file")
	}

	return args, nil
}

// PrintUsage writes the usage text. The subcommand list is borg's own;
// anything borg grows in the future passes through without changes here.
func PrintUsage(w io.Writer, f *gnuflag.FlagSet) {
	fmt.Fprintln(w, "Usage: borg-offsite-backup [options] <subcommand> [archive tool arguments...]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Back up the configured datasets and filesystems to the offsite archive")
	fmt.Fprintln(w, "repository, or forward any other archive-tool subcommand (list, extract,")
	fmt.Fprintln(w, "info, compact, ...) against it. The telemetry subcommand only writes the")
	fmt.Fprintln(w, "metrics file.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Options:")
	f.PrintDefaults()
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  borg-offsite-backup create")
	fmt.Fprintln(w, "  borg-offsite-backup --config /etc/alternate.conf list")
	fmt.Fprintln(w, "  borg-offsite-backup --telemetry-file /var/lib/metrics/borg.prom telemetry")
}

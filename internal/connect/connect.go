// Package connect establishes the transport between the archive tool and
// the backup server, either directly over the network or through a relay
// VM that carries the traffic.
package connect

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/Rudd-O/borg-offsite-backup/internal/config"
	"github.com/Rudd-O/borg-offsite-backup/internal/logging"
	"github.com/Rudd-O/borg-offsite-backup/internal/system"
	"github.com/Rudd-O/borg-offsite-backup/pkg/utils"
)

// keepAliveOptions keeps long-running archive transfers from being
// dropped by NAT gateways between the host and the server.
const keepAliveOptions = "-o TCPKeepAlive=yes -o ServerAliveInterval=60"

const (
	probeAttempts = 10
	probeDelay    = 2 * time.Second
	probeMaxDelay = 30 * time.Second
	dialTimeout   = 5 * time.Second
)

var netDialTimeout = net.DialTimeout

// Session is one established transport. RemoteShell is the command line
// the archive tool must use to reach the server.
type Session struct {
	RemoteShell string

	description string
	closeFn     func(ctx context.Context) error
}

// NewSession builds a session over an established transport. closeFn may
// be nil when the transport holds nothing to release.
func NewSession(remoteShell, description string, closeFn func(ctx context.Context) error) *Session {
	return &Session{
		RemoteShell: remoteShell,
		description: description,
		closeFn:     closeFn,
	}
}

// Describe returns a human-readable description of the transport.
func (s *Session) Describe() string {
	return s.description
}

// Close releases whatever the transport holds. Closing a session that
// holds nothing is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn(ctx)
}

// Link establishes sessions. Exactly one variant is selected per run.
type Link interface {
	Establish(ctx context.Context) (*Session, error)
}

// ForConfig selects the link variant: bridged when a relay VM is
// configured, direct otherwise.
func ForConfig(cfg *config.Config, runner system.Runner, logger *logging.Logger) Link {
	if cfg.BridgeVM != "" {
		return NewBridged(cfg.BridgeVM, cfg.BackupServer, runner, logger)
	}
	return NewDirect(cfg.BackupServer, logger)
}

// probeLoop retries probe with doubling backoff until it succeeds, the
// attempts run out, or ctx is done.
func probeLoop(ctx context.Context, logger *logging.Logger, clk clock.Clock, delay time.Duration, what string, probe func() error) error {
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = probe()
			return lastErr
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warning("Cannot reach %s (attempt %d of %d): %v", what, attempt, probeAttempts, err)
		},
		Attempts:    probeAttempts,
		Delay:       delay,
		BackoffFunc: retry.DoubleDelay,
		MaxDelay:    probeMaxDelay,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsAttemptsExceeded(err):
		return fmt.Errorf("%s is unreachable: %w", what, lastErr)
	case retry.IsRetryStopped(err):
		return fmt.Errorf("probing %s interrupted: %w", what, ctx.Err())
	default:
		return err
	}
}

// Direct reaches the backup server over the host's own network.
type Direct struct {
	server string
	logger *logging.Logger

	clk         clock.Clock
	probeDelay  time.Duration
	dialTimeout time.Duration
}

// NewDirect builds a direct link to server.
func NewDirect(server string, logger *logging.Logger) *Direct {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Direct{
		server:      server,
		logger:      logger,
		clk:         clock.WallClock,
		probeDelay:  probeDelay,
		dialTimeout: dialTimeout,
	}
}

// Establish probes the server's SSH port and returns a session whose
// remote shell is a plain ssh invocation.
func (d *Direct) Establish(ctx context.Context) (*Session, error) {
	d.logger.Step("Checking that %s accepts SSH connections", d.server)
	addr := net.JoinHostPort(d.server, "22")
	err := probeLoop(ctx, d.logger, d.clk, d.probeDelay, d.server, func() error {
		conn, err := netDialTimeout("tcp", addr, d.dialTimeout)
		if err != nil {
			return err
		}
		return conn.Close()
	})
	if err != nil {
		return nil, err
	}
	return NewSession("ssh "+keepAliveOptions, "direct connection to "+d.server, nil), nil
}

// BridgeDownError means the relay VM did not answer the liveness echo.
// This is never retried: a bridge that cannot echo will not relay
// gigabytes of archive traffic either.
type BridgeDownError struct {
	VM  string
	Err error
}

func (e *BridgeDownError) Error() string {
	return fmt.Sprintf("bridge VM %s is not responding: %v", e.VM, e.Err)
}

func (e *BridgeDownError) Unwrap() error {
	return e.Err
}

// Bridged reaches the backup server through a relay VM. The VM is
// started implicitly by the first command relayed into it.
type Bridged struct {
	vm     string
	server string
	runner system.Runner
	logger *logging.Logger

	clk        clock.Clock
	probeDelay time.Duration
}

// NewBridged builds a link that relays through vm to server.
func NewBridged(vm, server string, runner system.Runner, logger *logging.Logger) *Bridged {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Bridged{
		vm:         vm,
		server:     server,
		runner:     runner,
		logger:     logger,
		clk:        clock.WallClock,
		probeDelay: probeDelay,
	}
}

// Establish verifies the relay VM answers a liveness echo, probes the
// server's SSH port from inside the VM, and returns a session that
// routes the remote shell through the relay. The session's Close shuts
// the VM down only if this run was what started it.
func (b *Bridged) Establish(ctx context.Context) (*Session, error) {
	wasRunning := b.vmRunning(ctx)

	token := utils.GenerateRandomString(12)
	b.logger.Step("Checking that VM %s relays commands", b.vm)
	stdout, stderr, err := b.relay(ctx, "echo "+token)
	if err != nil {
		return nil, &BridgeDownError{VM: b.vm, Err: system.CommandError("liveness echo", err, stderr)}
	}
	if !strings.Contains(string(stdout), token) {
		return nil, &BridgeDownError{VM: b.vm, Err: fmt.Errorf("liveness echo returned %q", strings.TrimSpace(string(stdout)))}
	}

	b.logger.Step("Checking that %s accepts SSH connections through VM %s", b.server, b.vm)
	probe := fmt.Sprintf("nc -z -w 5 %s 22", b.server)
	err = probeLoop(ctx, b.logger, b.clk, b.probeDelay, b.server, func() error {
		_, stderr, err := b.relay(ctx, probe)
		if err != nil {
			return system.CommandError("SSH port probe", err, stderr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return NewSession(
		fmt.Sprintf("qvm-run --pass-io --no-gui %s ssh %s", b.vm, keepAliveOptions),
		fmt.Sprintf("connection to %s through VM %s", b.server, b.vm),
		func(ctx context.Context) error {
			if wasRunning {
				b.logger.Debug("Leaving VM %s running, it was up before this run", b.vm)
				return nil
			}
			b.logger.Step("Shutting down VM %s", b.vm)
			_, stderr, err := b.runner.Run(ctx, nil, "qvm-shutdown", "--wait", b.vm)
			if err != nil {
				return system.CommandError(fmt.Sprintf("shut down VM %s", b.vm), err, stderr)
			}
			return nil
		},
	), nil
}

func (b *Bridged) relay(ctx context.Context, command string) ([]byte, []byte, error) {
	return b.runner.Run(ctx, nil, "qvm-run", "--pass-io", "--no-gui", b.vm, command)
}

func (b *Bridged) vmRunning(ctx context.Context) bool {
	_, _, err := b.runner.Run(ctx, nil, "qvm-check", "--running", b.vm)
	return err == nil
}

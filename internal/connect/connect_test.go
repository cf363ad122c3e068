package connect

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Rudd-O/borg-offsite-backup/internal/config"
	"github.com/Rudd-O/borg-offsite-backup/internal/logging"
	"github.com/Rudd-O/borg-offsite-backup/internal/system"
	"github.com/Rudd-O/borg-offsite-backup/internal/types"
)

func quietLogger() *logging.Logger {
	logger := logging.New(types.LogLevelNone, false)
	return logger
}

func patchDial(t *testing.T, fn func(network, addr string, timeout time.Duration) (net.Conn, error)) {
	t.Helper()
	orig := netDialTimeout
	netDialTimeout = fn
	t.Cleanup(func() { netDialTimeout = orig })
}

type closedConn struct {
	net.Conn
}

func (closedConn) Close() error { return nil }

func TestForConfigSelectsVariant(t *testing.T) {
	direct := ForConfig(&config.Config{BackupServer: "backup.example.com"}, nil, quietLogger())
	if _, ok := direct.(*Direct); !ok {
		t.Errorf("expected a direct link, got %T", direct)
	}

	bridged := ForConfig(&config.Config{BackupServer: "backup.example.com", BridgeVM: "sys-backup"}, nil, quietLogger())
	if _, ok := bridged.(*Bridged); !ok {
		t.Errorf("expected a bridged link, got %T", bridged)
	}
}

func TestDirectEstablish(t *testing.T) {
	var dialed []string
	patchDial(t, func(network, addr string, timeout time.Duration) (net.Conn, error) {
		dialed = append(dialed, network+" "+addr)
		return closedConn{}, nil
	})

	d := NewDirect("backup.example.com", quietLogger())
	session, err := d.Establish(context.Background())
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}

	if len(dialed) != 1 || dialed[0] != "tcp backup.example.com:22" {
		t.Errorf("dialed = %v", dialed)
	}
	want := "ssh -o TCPKeepAlive=yes -o ServerAliveInterval=60"
	if session.RemoteShell != want {
		t.Errorf("RemoteShell = %q, want %q", session.RemoteShell, want)
	}
	if err := session.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestDirectRetriesProbe(t *testing.T) {
	dials := 0
	patchDial(t, func(network, addr string, timeout time.Duration) (net.Conn, error) {
		dials++
		if dials < 3 {
			return nil, errors.New("connection refused")
		}
		return closedConn{}, nil
	})

	d := NewDirect("backup.example.com", quietLogger())
	d.probeDelay = time.Millisecond

	if _, err := d.Establish(context.Background()); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if dials != 3 {
		t.Errorf("dials = %d, want 3", dials)
	}
}

func TestDirectProbeExhaustionIsFatal(t *testing.T) {
	dials := 0
	patchDial(t, func(network, addr string, timeout time.Duration) (net.Conn, error) {
		dials++
		return nil, errors.New("no route to host")
	})

	d := NewDirect("backup.example.com", quietLogger())
	d.probeDelay = time.Millisecond

	_, err := d.Establish(context.Background())
	if err == nil {
		t.Fatal("expected an error when the server never answers")
	}
	if dials != probeAttempts {
		t.Errorf("dials = %d, want %d", dials, probeAttempts)
	}
	if !strings.Contains(err.Error(), "no route to host") {
		t.Errorf("error %q does not name the underlying failure", err)
	}
}

func TestDirectProbeStopsOnCancel(t *testing.T) {
	patchDial(t, func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDirect("backup.example.com", quietLogger())
	d.probeDelay = time.Hour

	if _, err := d.Establish(ctx); err == nil {
		t.Fatal("expected an error when the context is already cancelled")
	}
}

// bridgeRunner simulates the qvm-* tools: qvm-check answers whether the
// VM runs, qvm-run relays, qvm-shutdown records the shutdown.
type bridgeRunner struct {
	running   bool
	echoErr   error
	echoOut   string
	probeErrs int

	relayed   []string
	shutdowns int
}

func (b *bridgeRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, []byte, error) {
	switch name {
	case "qvm-check":
		if b.running {
			return nil, nil, nil
		}
		return nil, []byte("domain is not running"), errors.New("exit status 1")
	case "qvm-run":
		command := args[len(args)-1]
		b.relayed = append(b.relayed, command)
		if strings.HasPrefix(command, "echo ") {
			if b.echoErr != nil {
				return nil, []byte("qvm-run: cannot execute"), b.echoErr
			}
			if b.echoOut != "" {
				return []byte(b.echoOut), nil, nil
			}
			return []byte(strings.TrimPrefix(command, "echo ") + "\n"), nil, nil
		}
		if strings.HasPrefix(command, "nc ") {
			if b.probeErrs > 0 {
				b.probeErrs--
				return nil, nil, errors.New("exit status 1")
			}
			return nil, nil, nil
		}
		return nil, nil, nil
	case "qvm-shutdown":
		b.shutdowns++
		return nil, nil, nil
	}
	return nil, nil, errors.New("unexpected command " + name)
}

func (b *bridgeRunner) Attach(ctx context.Context, env []string, stdio system.StdIO, name string, args ...string) error {
	return nil
}

func newTestBridged(runner system.Runner) *Bridged {
	b := NewBridged("sys-backup", "backup.example.com", runner, quietLogger())
	b.probeDelay = time.Millisecond
	return b
}

func TestBridgedEstablish(t *testing.T) {
	runner := &bridgeRunner{running: true}
	b := newTestBridged(runner)

	session, err := b.Establish(context.Background())
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}

	want := "qvm-run --pass-io --no-gui sys-backup ssh -o TCPKeepAlive=yes -o ServerAliveInterval=60"
	if session.RemoteShell != want {
		t.Errorf("RemoteShell = %q, want %q", session.RemoteShell, want)
	}

	if len(runner.relayed) != 2 {
		t.Fatalf("relayed = %v, want an echo and a probe", runner.relayed)
	}
	if !strings.HasPrefix(runner.relayed[0], "echo ") {
		t.Errorf("first relayed command = %q, want a liveness echo", runner.relayed[0])
	}
	if runner.relayed[1] != "nc -z -w 5 backup.example.com 22" {
		t.Errorf("probe command = %q", runner.relayed[1])
	}
}

func TestBridgedLeavesRunningVMUp(t *testing.T) {
	runner := &bridgeRunner{running: true}
	b := newTestBridged(runner)

	session, err := b.Establish(context.Background())
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if runner.shutdowns != 0 {
		t.Error("a VM that was already running must not be shut down")
	}
}

func TestBridgedShutsDownVMItStarted(t *testing.T) {
	runner := &bridgeRunner{running: false}
	b := newTestBridged(runner)

	session, err := b.Establish(context.Background())
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if runner.shutdowns != 1 {
		t.Errorf("shutdowns = %d, want 1", runner.shutdowns)
	}
}

func TestBridgedEchoFailureIsFatal(t *testing.T) {
	runner := &bridgeRunner{running: true, echoErr: errors.New("exit status 127")}
	b := newTestBridged(runner)

	_, err := b.Establish(context.Background())

	var down *BridgeDownError
	if !errors.As(err, &down) {
		t.Fatalf("error = %v, want BridgeDownError", err)
	}
	if down.VM != "sys-backup" {
		t.Errorf("VM = %q", down.VM)
	}
	if len(runner.relayed) != 1 {
		t.Errorf("the liveness echo must not be retried, relayed = %v", runner.relayed)
	}
}

func TestBridgedGarbledEchoIsFatal(t *testing.T) {
	runner := &bridgeRunner{running: true, echoOut: "unrelated output\n"}
	b := newTestBridged(runner)

	_, err := b.Establish(context.Background())

	var down *BridgeDownError
	if !errors.As(err, &down) {
		t.Fatalf("error = %v, want BridgeDownError", err)
	}
}

func TestBridgedProbeRetriesThroughRelay(t *testing.T) {
	runner := &bridgeRunner{running: true, probeErrs: 2}
	b := newTestBridged(runner)

	if _, err := b.Establish(context.Background()); err != nil {
		t.Fatalf("Establish: %v", err)
	}

	probes := 0
	for _, command := range runner.relayed {
		if strings.HasPrefix(command, "nc ") {
			probes++
		}
	}
	if probes != 3 {
		t.Errorf("probes = %d, want 3", probes)
	}
}

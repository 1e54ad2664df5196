package process

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/golang/glog"
)

// OS abstracts process spawning, signaling and liveness so the supervisor
// can be tested without touching the real process table.
type OS interface {
	// StartProcess spawns bin detached in its own process group with
	// stdout and stderr captured.
	StartProcess(bin string, args []string) (Proc, error)

	// Signal delivers sig to pid. Negative pids address a process group.
	Signal(pid int, sig syscall.Signal) error

	// Alive reports whether pid still exists, without disturbing it.
	Alive(pid int) bool

	// KillByName force-kills every process whose executable name matches.
	KillByName(name string) error

	// AnyByName reports whether any process with the executable name still
	// exists, independent of our own bookkeeping.
	AnyByName(name string) bool

	// Output runs a short-lived diagnostic command and returns its
	// combined output. The context deadline is the hard timeout.
	Output(ctx context.Context, bin string, args []string) ([]byte, error)
}

// Proc is one spawned process.
type Proc interface {
	PID() int
	PGID() int
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
}

type realOS struct{}

// NewOS returns the real process-table implementation of OS.
func NewOS() OS { return &realOS{} }

type realProc struct {
	cmd    *exec.Cmd
	pgid   int
	stdout io.Reader
	stderr io.Reader
}

func (p *realProc) PID() int          { return p.cmd.Process.Pid }
func (p *realProc) PGID() int         { return p.pgid }
func (p *realProc) Stdout() io.Reader { return p.stdout }
func (p *realProc) Stderr() io.Reader { return p.stderr }
func (p *realProc) Wait() error       { return p.cmd.Wait() }

func (o *realOS) StartProcess(bin string, args []string) (Proc, error) {
	cmd := exec.Command(bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	glog.Infof("Running sweep: %q", cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		// The process may already be gone; fall back to its own pid.
		pgid = cmd.Process.Pid
	}
	return &realProc{cmd: cmd, pgid: pgid, stdout: stdout, stderr: stderr}, nil
}

func (o *realOS) Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

func (o *realOS) Alive(pid int) bool {
	// Signal 0 probes existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}

func (o *realOS) KillByName(name string) error {
	out, err := exec.Command("pkill", "-9", "-x", name).CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			// pkill exits 1 when nothing matched, which is fine here.
			return nil
		}
		return fmt.Errorf("pkill %q: %s (%s)", name, err, out)
	}
	return nil
}

func (o *realOS) AnyByName(name string) bool {
	// pgrep exits 0 when at least one process matched.
	return exec.Command("pgrep", "-x", name).Run() == nil
}

func (o *realOS) Output(ctx context.Context, bin string, args []string) ([]byte, error) {
	return exec.CommandContext(ctx, bin, args...).CombinedOutput()
}

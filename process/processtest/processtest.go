// Package processtest provides an in-memory fake of the process table for
// testing supervisors and controllers without OS side effects.
package processtest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"

	"github.com/hb9tf/sweepd/process"
)

// Signal records one delivered signal.
type Signal struct {
	PID int
	Sig syscall.Signal
}

// FakeOS implements process.OS against an in-memory process table.
type FakeOS struct {
	mu          sync.Mutex
	nextPID     int
	alive       map[int]bool
	names       map[int]string
	signals     []Signal
	killedNames []string
	procs       []*FakeProc

	startErr error
	probeOut []byte
	probeErr error

	// IgnoreSignals simulates a wedged process that survives SIGKILL.
	IgnoreSignals bool
	// KillByNameClears makes KillByName mark everything dead, like pkill.
	KillByNameClears bool
}

func NewFakeOS() *FakeOS {
	return &FakeOS{nextPID: 1000, alive: map[int]bool{}, names: map[int]string{}, KillByNameClears: true}
}

// FakeProc is one fake spawned process. Tests feed its stdout/stderr and
// trigger its exit.
type FakeProc struct {
	pid, pgid int
	stdoutR   *io.PipeReader
	stdoutW   *io.PipeWriter
	stderrR   *io.PipeReader
	stderrW   *io.PipeWriter
	waitCh    chan error
	waitOnce  sync.Once
}

func (p *FakeProc) PID() int          { return p.pid }
func (p *FakeProc) PGID() int         { return p.pgid }
func (p *FakeProc) Stdout() io.Reader { return p.stdoutR }
func (p *FakeProc) Stderr() io.Reader { return p.stderrR }
func (p *FakeProc) Wait() error       { return <-p.waitCh }

// WriteStdout feeds one line to the process's stdout.
func (p *FakeProc) WriteStdout(line string) {
	_, _ = io.WriteString(p.stdoutW, line+"\n")
}

// WriteStderr feeds one line to the process's stderr.
func (p *FakeProc) WriteStderr(line string) {
	_, _ = io.WriteString(p.stderrW, line+"\n")
}

// Exit ends the process: closes its pipes and releases Wait.
func (p *FakeProc) Exit(err error) {
	p.waitOnce.Do(func() {
		p.stdoutW.Close()
		p.stderrW.Close()
		p.waitCh <- err
	})
}

func (o *FakeOS) StartProcess(bin string, args []string) (process.Proc, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.startErr != nil {
		return nil, o.startErr
	}
	o.nextPID++
	p := &FakeProc{pid: o.nextPID, pgid: o.nextPID, waitCh: make(chan error, 1)}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	o.alive[p.pid] = true
	o.names[p.pid] = bin
	o.procs = append(o.procs, p)
	return p, nil
}

func (o *FakeOS) Signal(pid int, sig syscall.Signal) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.signals = append(o.signals, Signal{PID: pid, Sig: sig})
	if !o.IgnoreSignals && (sig == syscall.SIGKILL || sig == syscall.SIGTERM) {
		if pid < 0 {
			pid = -pid
		}
		o.alive[pid] = false
		o.exitLocked(pid)
	}
	return nil
}

// exitLocked closes the pipes and releases Wait for a killed pid, like the
// real OS would. Callers hold o.mu.
func (o *FakeOS) exitLocked(pid int) {
	for _, p := range o.procs {
		if p.pid == pid {
			go p.Exit(fmt.Errorf("signal: killed"))
		}
	}
}

func (o *FakeOS) Alive(pid int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.alive[pid]
}

func (o *FakeOS) KillByName(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.killedNames = append(o.killedNames, name)
	if o.KillByNameClears {
		for pid := range o.alive {
			if o.alive[pid] {
				o.alive[pid] = false
				o.exitLocked(pid)
			}
		}
	}
	return nil
}

func (o *FakeOS) AnyByName(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for pid, up := range o.alive {
		if up && o.names[pid] == name {
			return true
		}
	}
	return false
}

func (o *FakeOS) Output(ctx context.Context, bin string, args []string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.probeOut, o.probeErr
}

// SetProbe sets what the next device probes return.
func (o *FakeOS) SetProbe(out string, err error) {
	o.mu.Lock()
	o.probeOut = []byte(out)
	o.probeErr = err
	o.mu.Unlock()
}

// SetStartErr makes subsequent StartProcess calls fail.
func (o *FakeOS) SetStartErr(err error) {
	o.mu.Lock()
	o.startErr = err
	o.mu.Unlock()
}

// MarkDead flips a pid to dead without signaling.
func (o *FakeOS) MarkDead(pid int) {
	o.mu.Lock()
	o.alive[pid] = false
	o.mu.Unlock()
}

// LastProc returns the most recently spawned fake process, or nil.
func (o *FakeOS) LastProc() *FakeProc {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.procs) == 0 {
		return nil
	}
	return o.procs[len(o.procs)-1]
}

// SpawnCount reports how many processes have been started.
func (o *FakeOS) SpawnCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.procs)
}

// AliveCount reports how many fake processes are still alive.
func (o *FakeOS) AliveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, up := range o.alive {
		if up {
			n++
		}
	}
	return n
}

// Signals returns every delivered signal in order.
func (o *FakeOS) Signals() []Signal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Signal(nil), o.signals...)
}

// Killed returns the binary names passed to KillByName.
func (o *FakeOS) Killed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.killedNames...)
}

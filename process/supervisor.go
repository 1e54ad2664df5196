package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"

	"github.com/hb9tf/sweepd/metrics"
	"github.com/hb9tf/sweepd/sdr"
)

var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrSpawnFailed       = errors.New("spawn failed")
	ErrAlreadyRunning    = errors.New("sweep process already running")
)

const (
	stopGraceWindow  = 100 * time.Millisecond
	stopVerifyWindow = 2 * time.Second
	stopVerifyPoll   = 50 * time.Millisecond
	monitorInterval  = 2 * time.Second
	eventBufferSize  = 1024
)

// Handle identifies one live sweep process.
type Handle struct {
	PID       int
	PGID      int
	StartTime time.Time
}

// EventKind tags supervisor events flowing to the controller.
type EventKind int

const (
	EventSamples EventKind = iota
	EventFatalStderr
	EventExited
)

// Event is the single-writer message path from the supervisor's background
// readers to whoever drives it.
type Event struct {
	Kind    EventKind
	PID     int
	Samples []sdr.Sample
	Line    string
	Err     error
}

// Supervisor spawns, health-checks and terminates the external sweep binary.
// All mutation of sweep-process state funnels through it, so cleanup can
// never race a legitimate spawn. At most one handle is live at a time.
type Supervisor struct {
	driver     sdr.Driver
	identifier string
	os         OS
	clk        clock.Clock
	prober     *Prober

	mu            sync.Mutex
	live          *Handle
	proc          Proc
	monitorCancel context.CancelFunc

	events  chan Event
	dropped int
}

// NewSupervisor builds a supervisor for one driver. A nil osi uses the real
// process table; a nil clk uses the wall clock.
func NewSupervisor(driver sdr.Driver, identifier string, osi OS, clk clock.Clock) *Supervisor {
	if osi == nil {
		osi = NewOS()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Supervisor{
		driver:     driver,
		identifier: identifier,
		os:         osi,
		clk:        clk,
		prober:     NewProber(driver, osi),
		events:     make(chan Event, eventBufferSize),
	}
}

// Events returns the supervisor's outbound message channel.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Prober exposes the device prober, e.g. for health endpoints.
func (s *Supervisor) Prober() *Prober { return s.prober }

// BinaryName returns the sweep binary this supervisor governs.
func (s *Supervisor) BinaryName() string { return s.driver.SweepBinary() }

// Spawn probes the device, then starts the sweep binary detached in its own
// process group with output captured. It fails fast when the device is busy
// or absent.
func (s *Supervisor) Spawn(ctx context.Context, args []string) (Handle, error) {
	probe := s.prober.Probe(ctx)
	if !probe.Available {
		return Handle{}, fmt.Errorf("%w: %s", ErrDeviceUnavailable, probe.Reason)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live != nil {
		return Handle{}, ErrAlreadyRunning
	}

	proc, err := s.os.StartProcess(s.driver.SweepBinary(), args)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %s", ErrSpawnFailed, err)
	}

	handle := Handle{
		PID:       proc.PID(),
		PGID:      proc.PGID(),
		StartTime: s.clk.Now(),
	}
	s.live = &handle
	s.proc = proc

	go s.readStdout(proc)
	go s.readStderr(proc)
	go s.waitExit(proc)

	metrics.ProcessSpawns.Inc()
	glog.Infof("spawned %s pid=%d pgid=%d", s.driver.SweepBinary(), handle.PID, handle.PGID)
	return handle, nil
}

func (s *Supervisor) readStdout(proc Proc) {
	scanner := bufio.NewScanner(proc.Stdout())
	for scanner.Scan() {
		glog.V(3).Info(scanner.Text())
		samples, err := s.driver.ParseLine(s.identifier, scanner.Text())
		if err != nil {
			glog.Warningf("error parsing line: %s", err)
			continue
		}
		s.send(Event{Kind: EventSamples, PID: proc.PID(), Samples: samples})
	}
}

func (s *Supervisor) readStderr(proc Proc) {
	scanner := bufio.NewScanner(proc.Stderr())
	for scanner.Scan() {
		line := scanner.Text()
		glog.V(2).Infof("%s stderr: %s", s.driver.SweepBinary(), line)
		if ClassifyStartupError(line) {
			s.send(Event{Kind: EventFatalStderr, PID: proc.PID(), Line: line})
		}
	}
}

func (s *Supervisor) waitExit(proc Proc) {
	err := proc.Wait()
	s.send(Event{Kind: EventExited, PID: proc.PID(), Err: err})
}

// send never blocks: a stalled consumer loses sample events, not the
// supervisor's readers.
func (s *Supervisor) send(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		if n%100 == 1 {
			glog.Warningf("supervisor event buffer full, dropped %d events", n)
		}
	}
}

// Stop terminates the process behind handle. Graceful stops send SIGTERM,
// wait a short grace window and escalate; non-graceful stops go straight to
// SIGKILL. Termination is verified by liveness checks, not assumed from
// signal delivery; a kill-by-name sweep is the last-resort safety net since
// detached children can outlive their handle.
func (s *Supervisor) Stop(ctx context.Context, handle Handle, graceful bool) error {
	if graceful {
		if err := s.os.Signal(handle.PID, syscall.SIGTERM); err != nil {
			glog.V(1).Infof("SIGTERM pid=%d: %s", handle.PID, err)
		}
		select {
		case <-s.clk.After(stopGraceWindow):
		case <-ctx.Done():
		}
	}

	if s.os.Alive(handle.PID) {
		if err := s.os.Signal(handle.PID, syscall.SIGKILL); err != nil {
			glog.V(1).Infof("SIGKILL pid=%d: %s", handle.PID, err)
		}
	}
	if handle.PGID > 0 && handle.PGID != handle.PID {
		if err := s.os.Signal(-handle.PGID, syscall.SIGKILL); err != nil {
			glog.V(1).Infof("SIGKILL pgid=%d: %s", handle.PGID, err)
		}
	}

	if err := s.verifyDead(ctx, handle.PID); err != nil {
		glog.Warningf("pid=%d survived signals, killing by name %q", handle.PID, s.driver.SweepBinary())
		if err := s.os.KillByName(s.driver.SweepBinary()); err != nil {
			return err
		}
		if err := s.verifyDead(ctx, handle.PID); err != nil {
			return err
		}
	}

	s.release(handle)
	return nil
}

func (s *Supervisor) verifyDead(ctx context.Context, pid int) error {
	deadline := s.clk.Now().Add(stopVerifyWindow)
	for s.clk.Now().Before(deadline) {
		if !s.os.Alive(pid) {
			return nil
		}
		select {
		case <-s.clk.After(stopVerifyPoll):
		case <-ctx.Done():
			if !s.os.Alive(pid) {
				return nil
			}
			return ctx.Err()
		}
	}
	return fmt.Errorf("pid %d still alive after kill", pid)
}

func (s *Supervisor) release(handle Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live != nil && s.live.PID == handle.PID {
		s.live = nil
		s.proc = nil
	}
	if s.monitorCancel != nil {
		s.monitorCancel()
		s.monitorCancel = nil
	}
}

// ForceCleanupAll kills every process matching the sweep binary's name and
// drops the live handle, bypassing graceful shutdown. It returns only after
// verifying that neither the known pid nor anything matching the binary's
// name survived; survivors are an error, never silently ignored.
func (s *Supervisor) ForceCleanupAll() error {
	glog.Warningf("force cleanup: killing all %q", s.driver.SweepBinary())
	killErr := s.os.KillByName(s.driver.SweepBinary())

	s.mu.Lock()
	pid := 0
	if s.live != nil {
		pid = s.live.PID
	}
	s.live = nil
	s.proc = nil
	if s.monitorCancel != nil {
		s.monitorCancel()
		s.monitorCancel = nil
	}
	s.mu.Unlock()

	if killErr != nil {
		return killErr
	}
	return s.verifyNoneByName(pid)
}

// verifyNoneByName polls until the known pid is dead and no process matching
// the sweep binary's name remains, bounded by the stop verify window.
func (s *Supervisor) verifyNoneByName(pid int) error {
	deadline := s.clk.Now().Add(stopVerifyWindow)
	for {
		if (pid == 0 || !s.os.Alive(pid)) && !s.os.AnyByName(s.driver.SweepBinary()) {
			return nil
		}
		if !s.clk.Now().Before(deadline) {
			return fmt.Errorf("%q still alive after force cleanup", s.driver.SweepBinary())
		}
		<-s.clk.After(stopVerifyPoll)
	}
}

// EmergencyKillAll is ForceCleanupAll for when internal bookkeeping cannot
// be trusted. It never consults state before killing.
func (s *Supervisor) EmergencyKillAll() error {
	return s.ForceCleanupAll()
}

// StartMonitoring polls liveness of handle on a fixed interval and invokes
// onDeath exactly once when the process is found dead, then stops polling.
// Any previous monitor is replaced.
func (s *Supervisor) StartMonitoring(ctx context.Context, handle Handle, onDeath func(Handle)) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.monitorCancel != nil {
		s.monitorCancel()
	}
	s.monitorCancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := s.clk.Ticker(monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.os.Alive(handle.PID) {
					glog.Infof("monitor: pid=%d is gone", handle.PID)
					onDeath(handle)
					return
				}
			}
		}
	}()
}

// Status reports the live handle (if any) and whether its process actually
// exists, for split-brain detection.
func (s *Supervisor) Status() (handle *Handle, alive bool) {
	s.mu.Lock()
	h := s.live
	s.mu.Unlock()
	if h == nil {
		return nil, false
	}
	cp := *h
	return &cp, s.os.Alive(cp.PID)
}

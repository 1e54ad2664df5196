package process_test

import (
	"context"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hb9tf/sweepd/metrics"
	"github.com/hb9tf/sweepd/process"
	"github.com/hb9tf/sweepd/process/processtest"
	"github.com/hb9tf/sweepd/sdr"
)

const (
	probeFoundDevice = "Found 1 device(s):\n  0:  Generic RTL2832U\n"
	monitorInterval  = 2 * time.Second
)

func newTestSupervisor(t *testing.T, osi *processtest.FakeOS, clk clock.Clock) *process.Supervisor {
	t.Helper()
	osi.SetProbe(probeFoundDevice, nil)
	return process.NewSupervisor(sdr.RTLSDR{}, "test-id", osi, clk)
}

func waitEvent(t *testing.T, s *process.Supervisor, kind process.EventKind) process.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestSpawnRejectedWhenDeviceBusy(t *testing.T) {
	osi := processtest.NewFakeOS()
	s := newTestSupervisor(t, osi, nil)
	osi.SetProbe("usb_open error -6\nPlease fix the device permissions\nResource busy\n", fmt.Errorf("exit status 1"))

	_, err := s.Spawn(context.Background(), []string{"-f 1:2:3"})
	require.ErrorIs(t, err, process.ErrDeviceUnavailable)
	assert.Nil(t, osi.LastProc(), "no process may be spawned on a failed probe")
}

func TestSpawnEmitsSamplesAndExit(t *testing.T) {
	osi := processtest.NewFakeOS()
	s := newTestSupervisor(t, osi, nil)

	spawnsBefore := testutil.ToFloat64(metrics.ProcessSpawns)
	handle, err := s.Spawn(context.Background(), []string{"-f 1:2:3"})
	require.NoError(t, err)
	assert.NotZero(t, handle.PID)
	assert.False(t, handle.StartTime.IsZero())
	assert.Equal(t, spawnsBefore+1, testutil.ToFloat64(metrics.ProcessSpawns))

	proc := osi.LastProc()
	require.NotNil(t, proc)

	proc.WriteStdout("2026-08-30, 12:00:05, 433000000, 433100000, 50000, 8192, -72.5, -68.0")
	ev := waitEvent(t, s, process.EventSamples)
	require.Len(t, ev.Samples, 2)
	assert.Equal(t, "test-id", ev.Samples[0].Identifier)

	osi.MarkDead(proc.PID())
	proc.Exit(fmt.Errorf("signal: killed"))
	ev = waitEvent(t, s, process.EventExited)
	assert.Equal(t, proc.PID(), ev.PID)
	assert.Error(t, ev.Err)
}

func TestSpawnFatalStderr(t *testing.T) {
	osi := processtest.NewFakeOS()
	s := newTestSupervisor(t, osi, nil)

	_, err := s.Spawn(context.Background(), nil)
	require.NoError(t, err)

	proc := osi.LastProc()
	proc.WriteStderr("some chatter")
	proc.WriteStderr("usb_open error -3: Permission denied")
	ev := waitEvent(t, s, process.EventFatalStderr)
	assert.Contains(t, ev.Line, "Permission denied")
}

func TestSpawnSecondWhileLive(t *testing.T) {
	osi := processtest.NewFakeOS()
	s := newTestSupervisor(t, osi, nil)

	_, err := s.Spawn(context.Background(), nil)
	require.NoError(t, err)

	_, err = s.Spawn(context.Background(), nil)
	assert.ErrorIs(t, err, process.ErrAlreadyRunning)
}

func TestStopGraceful(t *testing.T) {
	osi := processtest.NewFakeOS()
	s := newTestSupervisor(t, osi, nil)

	handle, err := s.Spawn(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background(), handle, true))

	sigs := osi.Signals()
	require.NotEmpty(t, sigs)
	assert.Equal(t, syscall.SIGTERM, sigs[0].Sig)
	assert.Equal(t, handle.PID, sigs[0].PID)

	live, alive := s.Status()
	assert.Nil(t, live)
	assert.False(t, alive)

	// A released handle frees the slot for the next spawn.
	_, err = s.Spawn(context.Background(), nil)
	assert.NoError(t, err)
}

func TestStopEscalatesToKillByName(t *testing.T) {
	osi := processtest.NewFakeOS()
	osi.IgnoreSignals = true
	s := newTestSupervisor(t, osi, nil)

	handle, err := s.Spawn(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background(), handle, false))
	assert.Contains(t, osi.Killed(), "rtl_power")
}

func TestForceCleanupAll(t *testing.T) {
	osi := processtest.NewFakeOS()
	s := newTestSupervisor(t, osi, nil)

	_, err := s.Spawn(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, s.ForceCleanupAll())
	assert.Contains(t, osi.Killed(), "rtl_power")

	live, _ := s.Status()
	assert.Nil(t, live, "force cleanup drops the handle unconditionally")
}

func TestForceCleanupAllReportsSurvivors(t *testing.T) {
	osi := processtest.NewFakeOS()
	osi.IgnoreSignals = true
	osi.KillByNameClears = false
	mock := clock.NewMock()
	s := newTestSupervisor(t, osi, mock)

	_, err := s.Spawn(context.Background(), nil)
	require.NoError(t, err)

	// The kill is delivered but nothing dies; the verify window must expire
	// with an error rather than report a clean cleanup.
	done := make(chan error, 1)
	go func() { done <- s.ForceCleanupAll() }()
	for {
		select {
		case err := <-done:
			require.Error(t, err)
			assert.Contains(t, err.Error(), "still alive")
			assert.Equal(t, 1, osi.AliveCount())
			return
		default:
			mock.Add(100 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestStartMonitoringReportsDeathOnce(t *testing.T) {
	osi := processtest.NewFakeOS()
	mock := clock.NewMock()
	s := newTestSupervisor(t, osi, mock)

	handle, err := s.Spawn(context.Background(), nil)
	require.NoError(t, err)

	deaths := make(chan process.Handle, 4)
	s.StartMonitoring(context.Background(), handle, func(h process.Handle) { deaths <- h })
	time.Sleep(10 * time.Millisecond) // let the monitor arm its ticker

	mock.Add(monitorInterval)
	select {
	case <-deaths:
		t.Fatal("death reported while process alive")
	default:
	}

	osi.MarkDead(handle.PID)
	mock.Add(monitorInterval)
	select {
	case h := <-deaths:
		assert.Equal(t, handle.PID, h.PID)
	case <-time.After(time.Second):
		t.Fatal("death never reported")
	}

	// Further ticks must not re-fire the callback.
	mock.Add(3 * monitorInterval)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, deaths)
}

func TestClassifyStartupError(t *testing.T) {
	fatal := []string{
		"No supported devices found.",
		"usb_open error -3",
		"Resource busy",
		"rtlsdr_open: Permission denied",
		"hackrf_open() failed: HACKRF_ERROR_NOT_FOUND (-5)",
		"hackrf_start_rx() failed",
		"Failed to open rtlsdr device #0",
		"No HackRF boards found.",
	}
	for _, line := range fatal {
		assert.True(t, process.ClassifyStartupError(line), "want fatal: %q", line)
	}

	transient := []string{
		"",
		"lost at least 120 bytes",
		"2026-08-30, 12:00:05, 433000000, 433100000, 50000, 8192, -72.5",
		"Allocating 15 zero-copy buffers",
	}
	for _, line := range transient {
		assert.False(t, process.ClassifyStartupError(line), "want transient: %q", line)
	}
}

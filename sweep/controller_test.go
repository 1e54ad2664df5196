package sweep_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hb9tf/sweepd/process"
	"github.com/hb9tf/sweepd/process/processtest"
	"github.com/hb9tf/sweepd/recovery"
	"github.com/hb9tf/sweepd/sdr"
	"github.com/hb9tf/sweepd/stream"
	"github.com/hb9tf/sweepd/sweep"
)

const (
	settleWindow = 2500 * time.Millisecond
	probeGood    = "Found 1 device(s):\n  0:  Generic RTL2832U\n"
)

type harness struct {
	ctl  *sweep.Controller
	osi  *processtest.FakeOS
	mock *clock.Mock
	hub  *stream.Hub

	mu     sync.Mutex
	events []stream.Envelope
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		osi:  processtest.NewFakeOS(),
		mock: clock.NewMock(),
	}
	h.osi.SetProbe(probeGood, nil)
	h.hub = stream.NewHub(nil)

	sup := process.NewSupervisor(sdr.RTLSDR{}, "test-id", h.osi, nil)
	rec := recovery.NewEngine(recovery.Options{Clock: h.mock, MaxRetriesPerMinute: 100})
	h.ctl = sweep.NewController(sweep.Options{
		Supervisor:  sup,
		Recovery:    rec,
		Hub:         h.hub,
		Driver:      sdr.RTLSDR{},
		Clock:       h.mock,
		Integration: 5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = h.hub.Serve(ctx) }()
	go func() { defer wg.Done(); _ = h.ctl.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	sub := h.hub.Subscribe(nil, stream.Filters{})
	go func() {
		for env := range sub.Events() {
			h.mu.Lock()
			h.events = append(h.events, env)
			h.mu.Unlock()
		}
	}()
	return h
}

func (h *harness) sawEvent(typ stream.EventType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, env := range h.events {
		if env.Type == typ {
			return true
		}
	}
	return false
}

func (h *harness) requirePhase(t *testing.T, want sweep.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := h.ctl.State(context.Background())
		return err == nil && st.Phase == want
	}, 3*time.Second, 5*time.Millisecond, "phase never reached %s", want)
}

func (h *harness) requireErrors(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := h.ctl.State(context.Background())
		return err == nil && st.ConsecutiveErrors == want
	}, 3*time.Second, 5*time.Millisecond, "consecutive errors never reached %d", want)
}

func singleFreq() sdr.SweepConfig {
	return sdr.SweepConfig{
		Frequencies: []sdr.FrequencyBand{{CenterHz: 433000000, SpanHz: 2000000}},
		CycleTime:   10 * time.Second,
	}
}

func threeFreqs() sdr.SweepConfig {
	return sdr.SweepConfig{
		Frequencies: []sdr.FrequencyBand{
			{CenterHz: 433000000, SpanHz: 2000000},
			{CenterHz: 868000000, SpanHz: 2000000},
			{CenterHz: 915000000, SpanHz: 2000000},
		},
		CycleTime: 10 * time.Second,
	}
}

// advance moves the mock clock in small steps so the controller loop keeps
// up with each armed timer.
func (h *harness) advance(d time.Duration) {
	const step = 500 * time.Millisecond
	for d > 0 {
		s := step
		if d < s {
			s = d
		}
		h.mock.Add(s)
		d -= s
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStartSingleFrequencyToRunning(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctl.Start(context.Background(), singleFreq()))

	st, err := h.ctl.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sweep.Starting, st.Phase)
	assert.Equal(t, 1, h.osi.SpawnCount())

	h.advance(settleWindow)
	h.requirePhase(t, sweep.Running)

	// Cycle timer fires with a single frequency: no advance, no respawn.
	h.advance(10 * time.Second)
	st, err = h.ctl.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.FreqIndex)
	assert.Equal(t, 1, h.osi.SpawnCount())
}

func TestStartRejectedWhenDeviceBusy(t *testing.T) {
	h := newHarness(t)
	h.osi.SetProbe("usb_claim_interface error -6\nResource busy\n", fmt.Errorf("exit status 1"))

	err := h.ctl.Start(context.Background(), singleFreq())
	require.ErrorIs(t, err, process.ErrDeviceUnavailable)

	st, err := h.ctl.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sweep.Idle, st.Phase)
	assert.Equal(t, 0, h.osi.SpawnCount(), "no process may be spawned")
}

func TestStartRejectedWhenActive(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctl.Start(context.Background(), singleFreq()))
	err := h.ctl.Start(context.Background(), singleFreq())
	assert.ErrorIs(t, err, sweep.ErrNotIdle)
}

func TestStartRejectsEmptyConfig(t *testing.T) {
	h := newHarness(t)
	err := h.ctl.Start(context.Background(), sdr.SweepConfig{CycleTime: time.Second})
	assert.ErrorIs(t, err, sdr.ErrEmptyConfig)
}

func TestUnexpectedDeathRecoversToRunning(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctl.Start(context.Background(), singleFreq()))
	h.advance(settleWindow)
	h.requirePhase(t, sweep.Running)

	proc := h.osi.LastProc()
	h.osi.MarkDead(proc.PID())
	proc.Exit(fmt.Errorf("signal: segv"))

	h.requirePhase(t, sweep.Error)
	h.requireErrors(t, 1)
	assert.True(t, h.sawEvent(stream.TypeRecoveryStart))

	// First strategy: linear retry after 2s, then the settle window.
	h.advance(2 * time.Second)
	h.requirePhase(t, sweep.Starting)
	assert.Equal(t, 2, h.osi.SpawnCount())

	h.advance(settleWindow)
	h.requirePhase(t, sweep.Running)
	h.requireErrors(t, 0)
	require.Eventually(t, func() bool {
		return h.sawEvent(stream.TypeRecoveryComplete)
	}, time.Second, 5*time.Millisecond)
}

func TestEmergencyStopPreemptsRetryBackoff(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctl.Start(context.Background(), singleFreq()))
	h.advance(settleWindow)
	h.requirePhase(t, sweep.Running)

	proc := h.osi.LastProc()
	h.osi.MarkDead(proc.PID())
	proc.Exit(fmt.Errorf("signal: segv"))
	h.requirePhase(t, sweep.Error)

	// Retry backoff armed; emergency-stop must preempt it.
	st, err := h.ctl.EmergencyStop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sweep.EmergencyStopped, st.Phase)
	assert.Contains(t, h.osi.Killed(), "rtl_power")
	assert.Equal(t, 0, h.osi.AliveCount())

	spawned := h.osi.SpawnCount()
	h.advance(time.Minute)
	assert.Equal(t, spawned, h.osi.SpawnCount(), "no retry may fire after emergency stop")

	// Terminal until explicit reset.
	err = h.ctl.Start(context.Background(), singleFreq())
	assert.ErrorIs(t, err, sweep.ErrTerminal)

	res, err := h.ctl.ManualSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sweep.EmergencyStopped, res.Before.Phase)
	assert.Equal(t, sweep.Idle, res.After.Phase)

	assert.NoError(t, h.ctl.Start(context.Background(), singleFreq()))
}

func TestEmergencyStopReportsSurvivingProcess(t *testing.T) {
	h := newHarness(t)
	h.osi.IgnoreSignals = true
	h.osi.KillByNameClears = false

	require.NoError(t, h.ctl.Start(context.Background(), singleFreq()))
	h.advance(settleWindow)
	h.requirePhase(t, sweep.Running)

	// The kill is delivered but the process is wedged and survives it. The
	// stop must not report success while something is still alive.
	st, err := h.ctl.EmergencyStop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still alive")
	assert.Equal(t, sweep.EmergencyStopped, st.Phase)
	assert.Contains(t, h.osi.Killed(), "rtl_power")
	assert.Equal(t, 1, h.osi.AliveCount())

	require.Eventually(t, func() bool {
		return h.sawEvent(stream.TypeError)
	}, time.Second, 5*time.Millisecond)

	// Still terminal: the machine stays safe even though the kill failed.
	err = h.ctl.Start(context.Background(), singleFreq())
	assert.ErrorIs(t, err, sweep.ErrTerminal)
}

func TestStopFromRunning(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctl.Start(context.Background(), singleFreq()))
	h.advance(settleWindow)
	h.requirePhase(t, sweep.Running)

	st, err := h.ctl.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sweep.Idle, st.Phase)
	assert.Equal(t, 0, st.ConsecutiveErrors)
	assert.Equal(t, 0, h.osi.AliveCount())

	// Stop on Idle is a no-op.
	st, err = h.ctl.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sweep.Idle, st.Phase)
}

func TestCycleAdvancesAndBlacklists(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctl.Start(context.Background(), threeFreqs()))
	h.advance(settleWindow)
	h.requirePhase(t, sweep.Running)

	// First cycle: index 0 -> 1, fresh process for the new band.
	h.advance(10 * time.Second)
	require.Eventually(t, func() bool {
		st, _ := h.ctl.State(context.Background())
		return st.FreqIndex == 1
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.osi.SpawnCount())

	// Three consecutive fatal startup errors on 868 MHz blacklist it.
	delays := []time.Duration{2 * time.Second, 4 * time.Second}
	for i := 0; i < 3; i++ {
		h.osi.LastProc().WriteStderr("usb_open error -3: Permission denied")
		h.requireErrors(t, i+1)
		if i < 2 {
			h.advance(delays[i]) // linear retry delay
			require.Eventually(t, func() bool { return h.osi.SpawnCount() == 3+i }, 3*time.Second, 5*time.Millisecond)
		}
	}

	// Blacklist decision moves the schedule to 915 MHz after a short delay.
	h.advance(time.Second)
	h.requirePhase(t, sweep.Starting)
	h.advance(settleWindow)
	h.requirePhase(t, sweep.Running)

	status, err := h.ctl.CycleStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.State.FreqIndex)
	assert.Contains(t, status.Blacklisted, uint64(868000000))

	// Next cycle skips the blacklisted band and wraps to 433 MHz.
	h.advance(10 * time.Second)
	require.Eventually(t, func() bool {
		st, _ := h.ctl.State(context.Background())
		return st.FreqIndex == 0
	}, 3*time.Second, 5*time.Millisecond)

	// ManualSync clears the blacklist and reports that it did so even when
	// there are no outstanding errors.
	res, err := h.ctl.ManualSync(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Changes, "cleared recovery bookkeeping and frequency blacklist")
	status, err = h.ctl.CycleStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, status.Blacklisted)
}

func TestManualSyncResolvesSplitBrain(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctl.Start(context.Background(), singleFreq()))
	h.advance(settleWindow)
	h.requirePhase(t, sweep.Running)

	// Silent death: the process table says gone, bookkeeping says Running.
	h.osi.MarkDead(h.osi.LastProc().PID())

	res, err := h.ctl.ManualSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sweep.Running, res.Before.Phase)
	assert.Equal(t, sweep.Idle, res.After.Phase)
	assert.NotEmpty(t, res.Changes)

	require.Eventually(t, func() bool {
		return h.sawEvent(stream.TypeStateSync)
	}, time.Second, 5*time.Millisecond)
}

func TestServerResetNotifiesClients(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctl.Start(context.Background(), singleFreq()))
	h.advance(settleWindow)
	h.requirePhase(t, sweep.Running)

	res, err := h.ctl.ServerReset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ClientsNotified)
	assert.Equal(t, sweep.Idle, res.FinalState.Phase)
	assert.Equal(t, 0, h.osi.AliveCount())

	require.Eventually(t, func() bool {
		return h.sawEvent(stream.TypeServerReset)
	}, time.Second, 5*time.Millisecond)

	assert.NoError(t, h.ctl.Start(context.Background(), singleFreq()))
}

func TestSamplesFlowToHub(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctl.Start(context.Background(), singleFreq()))
	h.advance(settleWindow)
	h.requirePhase(t, sweep.Running)

	h.osi.LastProc().WriteStdout("2026-08-30, 12:00:05, 432000000, 434000000, 1000000, 8192, -72.5, -68.0")
	time.Sleep(20 * time.Millisecond) // let the parser hand off to the aggregator
	h.advance(5 * time.Second)        // integration interval flush

	require.Eventually(t, func() bool {
		return h.sawEvent(stream.TypeSweepData)
	}, 2*time.Second, 5*time.Millisecond)
}

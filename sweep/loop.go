package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"

	"github.com/hb9tf/sweepd/process"
	"github.com/hb9tf/sweepd/recovery"
	"github.com/hb9tf/sweepd/sdr"
	"github.com/hb9tf/sweepd/stream"
)

func timerC(t *clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *clock.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// Serve runs the state machine until ctx is done. It satisfies
// suture.Service.
func (c *Controller) Serve(ctx context.Context) error {
	selfCheck := c.clk.Ticker(selfCheckInterval)
	defer selfCheck.Stop()
	defer c.stopTimers()
	defer c.stopAggregation()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-c.cmds:
			c.handleCommand(ctx, cmd)
		case ev := <-c.sup.Events():
			c.handleSupervisorEvent(ctx, ev)
		case h := <-c.deaths:
			c.handleDeath(ctx, h)
		case <-timerC(c.settleTimer):
			c.settleTimer = nil
			c.handleSettle()
		case <-tickerC(c.cycleTicker):
			c.handleCycle(ctx)
		case <-timerC(c.retryTimer):
			c.retryTimer = nil
			c.handleRetry(ctx)
		case <-selfCheck.C:
			c.handleSelfCheck()
		}
	}
}

func (c *Controller) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdStart:
		cmd.reply <- cmdReply{err: c.doStart(ctx, cmd.cfg)}
	case cmdStop:
		err := c.doStop(ctx)
		cmd.reply <- cmdReply{err: err, state: c.state}
	case cmdEmergencyStop:
		err := c.doEmergencyStop()
		cmd.reply <- cmdReply{err: err, state: c.state}
	case cmdForceCleanup:
		before := c.state
		err := c.sup.ForceCleanupAll()
		c.handle = nil
		if changes := c.reconcile("force cleanup"); len(changes) > 0 {
			c.hub.Publish(stream.Event{Type: stream.TypeStateSync, Payload: stream.StateSyncPayload{
				Before: before, After: c.state, Changes: changes,
			}})
		}
		cmd.reply <- cmdReply{err: err, state: c.state}
	case cmdStatus:
		cmd.reply <- cmdReply{status: c.composeStatus()}
	case cmdManualSync:
		cmd.reply <- cmdReply{sync: c.doManualSync()}
	case cmdServerReset:
		cmd.reply <- cmdReply{reset: c.doServerReset()}
	case cmdState:
		cmd.reply <- cmdReply{state: c.state}
	}
}

func (c *Controller) doStart(ctx context.Context, cfg *sdr.SweepConfig) error {
	switch c.state.Phase {
	case EmergencyStopped:
		return ErrTerminal
	case Idle:
	default:
		return fmt.Errorf("%w: phase is %s", ErrNotIdle, c.state.Phase)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.rec.Reset()
	c.config = cfg
	c.state.FreqIndex = 0
	c.state.ConsecutiveErrors = 0
	c.state.LastError = ""
	c.recovering = false

	if err := c.spawnCurrent(ctx); err != nil {
		c.config = nil
		return err
	}

	c.state.Phase = Starting
	c.state.CycleStartedAt = c.clk.Now()
	c.startAggregation()
	c.settleTimer = c.clk.Timer(settleWindow)
	c.cycleTicker = c.clk.Ticker(cfg.CycleTime)

	c.hub.Publish(stream.Event{Type: stream.TypeCycleConfig, Payload: stream.CycleConfigPayload{
		Frequencies: cfg.Frequencies,
		CycleTimeMs: cfg.CycleTime.Milliseconds(),
	}})
	c.publishStatus("sweep starting")
	return nil
}

func (c *Controller) doStop(ctx context.Context) error {
	switch c.state.Phase {
	case EmergencyStopped:
		return ErrTerminal
	case Idle:
		return nil
	}

	c.state.Phase = Stopping
	c.publishStatus("sweep stopping")
	c.stopTimers()
	c.pendingRetry = nil

	if c.handle != nil {
		if err := c.sup.Stop(ctx, *c.handle, true); err != nil {
			glog.Warningf("graceful stop failed: %s", err)
			if err := c.sup.ForceCleanupAll(); err != nil {
				return err
			}
		}
		c.handle = nil
	}
	c.stopAggregation()

	c.state.Phase = Idle
	c.state.ConsecutiveErrors = 0
	c.state.LastError = ""
	c.recovering = false
	c.publishStatus("sweep stopped")
	return nil
}

func (c *Controller) doEmergencyStop() error {
	glog.Warning("EMERGENCY STOP")
	c.stopTimers()
	c.pendingRetry = nil
	c.stopAggregation()

	err := c.sup.EmergencyKillAll()
	c.handle = nil
	c.state.Phase = EmergencyStopped
	c.recovering = false
	if err != nil {
		glog.Errorf("emergency kill: %s", err)
		c.state.LastError = err.Error()
		c.hub.Publish(stream.Event{Type: stream.TypeError, Payload: stream.ErrorPayload{
			Message: fmt.Sprintf("emergency stop incomplete: %s", err),
		}})
		c.publishStatus("emergency stop executed; processes survived the kill")
		return err
	}
	c.publishStatus("emergency stop executed")
	return nil
}

func (c *Controller) doManualSync() SyncResult {
	before := c.state
	changes := c.reconcile("manual sync")

	hadBlacklist := len(c.rec.Health().Blacklisted) > 0
	c.rec.Reset()
	if hadBlacklist || before.ConsecutiveErrors > 0 {
		changes = append(changes, "cleared recovery bookkeeping and frequency blacklist")
	}

	// Error and emergency-stopped states clear once reality shows no
	// process; the operator asked us to trust what we observe.
	if c.handle == nil && (c.state.Phase == Error || c.state.Phase == EmergencyStopped) {
		changes = append(changes, fmt.Sprintf("phase forced %s -> %s", c.state.Phase, Idle))
		c.state.Phase = Idle
		c.state.ConsecutiveErrors = 0
		c.state.LastError = ""
		c.pendingRetry = nil
		c.stopTimers()
	}

	res := SyncResult{Before: before, After: c.state, Changes: changes}
	c.hub.Publish(stream.Event{Type: stream.TypeStateSync, Payload: stream.StateSyncPayload{
		Before: before, After: c.state, Changes: changes,
	}})
	return res
}

func (c *Controller) doServerReset() ResetResult {
	clients := c.hub.ClientCount()
	c.hub.Publish(stream.Event{Type: stream.TypeServerReset, Payload: stream.ErrorPayload{Message: "server reset"}})

	c.stopTimers()
	c.pendingRetry = nil
	c.stopAggregation()
	if err := c.sup.ForceCleanupAll(); err != nil {
		glog.Warningf("cleanup during reset: %s", err)
	}
	c.handle = nil
	c.config = nil
	c.rec.Reset()
	c.state = State{Phase: Idle}
	c.recovering = false
	c.publishStatus("server reset")

	return ResetResult{ClientsNotified: clients, FinalState: c.state}
}

// reconcile forces believed state to match the observed process table and
// returns a description of what changed. Split-brain is never resolved
// silently: callers emit a StateSync event when changes are non-empty.
func (c *Controller) reconcile(origin string) []string {
	var changes []string
	handle, alive := c.sup.Status()

	active := c.state.Phase == Starting || c.state.Phase == Running
	switch {
	case active && (handle == nil || !alive):
		changes = append(changes, fmt.Sprintf("phase was %s but no sweep process exists; forcing %s", c.state.Phase, Idle))
		c.stopTimers()
		c.pendingRetry = nil
		c.stopAggregation()
		if err := c.sup.ForceCleanupAll(); err != nil {
			glog.Errorf("releasing dead sweep process: %s", err)
		}
		c.handle = nil
		c.state.Phase = Idle
	case !active && handle != nil && alive:
		changes = append(changes, fmt.Sprintf("phase is %s but sweep process pid=%d is alive; killing it", c.state.Phase, handle.PID))
		if err := c.sup.ForceCleanupAll(); err != nil {
			glog.Errorf("killing stray sweep process: %s", err)
		}
		c.handle = nil
	}

	if len(changes) > 0 {
		glog.Warningf("split-brain resolved (%s): %v", origin, changes)
	}
	return changes
}

func (c *Controller) handleSelfCheck() {
	before := c.state
	if changes := c.reconcile("periodic self-check"); len(changes) > 0 {
		c.hub.Publish(stream.Event{Type: stream.TypeStateSync, Payload: stream.StateSyncPayload{
			Before: before, After: c.state, Changes: changes,
		}})
	}
}

func (c *Controller) composeStatus() CycleStatus {
	st := CycleStatus{
		State:       c.state,
		Blacklisted: c.rec.Health().Blacklisted,
	}
	if c.config != nil {
		st.Frequencies = c.config.Frequencies
		st.CycleTime = c.config.CycleTime
	}
	if handle, alive := c.sup.Status(); handle != nil {
		st.Process = ProcessHealth{PID: handle.PID, Alive: alive, StartTime: handle.StartTime}
	}
	return st
}

func (c *Controller) handleSupervisorEvent(ctx context.Context, ev process.Event) {
	switch ev.Kind {
	case process.EventSamples:
		if c.rawCh == nil {
			return
		}
		for _, s := range ev.Samples {
			select {
			case c.rawCh <- s:
			default:
				// Aggregator is behind; drop rather than stall the machine.
			}
		}
	case process.EventFatalStderr:
		if c.staleEvent(ev.PID) {
			return
		}
		c.failure(ctx, true, fmt.Sprintf("fatal startup error: %s", ev.Line))
	case process.EventExited:
		if c.staleEvent(ev.PID) {
			return
		}
		msg := "sweep process exited unexpectedly"
		if ev.Err != nil {
			msg = fmt.Sprintf("%s: %s", msg, ev.Err)
		}
		c.failure(ctx, false, msg)
	}
}

func (c *Controller) handleDeath(ctx context.Context, h process.Handle) {
	if c.staleEvent(h.PID) {
		return
	}
	c.failure(ctx, false, fmt.Sprintf("liveness monitor: pid %d is gone", h.PID))
}

// staleEvent filters events from processes we no longer own: everything
// after a stop, an emergency kill or an earlier failure in the same
// incident.
func (c *Controller) staleEvent(pid int) bool {
	return c.handle == nil || c.handle.PID != pid
}

func (c *Controller) failure(ctx context.Context, fatal bool, msg string) {
	switch c.state.Phase {
	case Idle, Stopping, EmergencyStopped:
		return
	}

	glog.Errorf("sweep failure (fatal=%t): %s", fatal, msg)
	if c.handle != nil {
		if err := c.sup.Stop(ctx, *c.handle, false); err != nil {
			glog.Warningf("killing failed process: %s", err)
		}
		c.handle = nil
	}
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}

	c.state.ConsecutiveErrors++
	c.state.LastError = msg
	c.state.Phase = Error
	c.hub.Publish(stream.Event{Type: stream.TypeError, Payload: stream.ErrorPayload{Message: msg}})
	c.publishStatus("sweep error")

	decision := c.rec.Decide(recovery.ErrorContext{
		ConsecutiveErrors: c.state.ConsecutiveErrors,
		Frequency:         c.currentFreq(),
		Fatal:             fatal,
		Message:           msg,
	})

	switch decision.Action {
	case recovery.Blacklist:
		c.publishStatus(fmt.Sprintf("blacklisted %d Hz (%s); skipping on future cycles", decision.Frequency, decision.Reason))
		if !c.advanceOffBlacklisted() {
			c.hub.Publish(stream.Event{Type: stream.TypeError, Payload: stream.ErrorPayload{
				Message: "all frequencies blacklisted; manual sync required",
			}})
			return
		}
		c.recovering = true
		c.pendingRetry = &retryPlan{}
		c.retryTimer = c.clk.Timer(blacklistRedelay)

	case recovery.Retry:
		c.recovering = true
		c.hub.Publish(stream.Event{Type: stream.TypeRecoveryStart, Payload: stream.RecoveryStartPayload{
			Reason:  decision.Reason,
			Attempt: c.state.ConsecutiveErrors,
			Max:     recovery.DefaultMaxRetriesPerMinute,
		}})
		if decision.Cleanup {
			if err := c.sup.ForceCleanupAll(); err != nil {
				glog.Warningf("cleanup before retry: %s", err)
			}
		}
		c.pendingRetry = &retryPlan{reprobe: decision.Reprobe}
		c.retryTimer = c.clk.Timer(decision.Delay)

	case recovery.Escalate:
		c.pendingRetry = nil
		c.hub.Publish(stream.Event{Type: stream.TypeError, Payload: stream.ErrorPayload{
			Message: fmt.Sprintf("recovery escalated (%s); manual sync required", decision.Reason),
		}})
	}
}

func (c *Controller) handleRetry(ctx context.Context) {
	if c.state.Phase != Error || c.pendingRetry == nil {
		return
	}
	plan := c.pendingRetry
	c.pendingRetry = nil

	if plan.reprobe {
		probe := c.sup.Prober().Probe(ctx)
		if !probe.Available {
			c.failure(ctx, false, fmt.Sprintf("device re-probe failed: %s", probe.Reason))
			return
		}
	}

	if err := c.spawnCurrent(ctx); err != nil {
		c.failure(ctx, false, fmt.Sprintf("respawn failed: %s", err))
		return
	}
	c.state.Phase = Starting
	c.settleTimer = c.clk.Timer(settleWindow)
	c.publishStatus("sweep restarting after recovery")
}

func (c *Controller) handleSettle() {
	if c.state.Phase != Starting {
		return
	}
	c.state.Phase = Running
	c.state.ConsecutiveErrors = 0
	c.state.LastError = ""
	c.rec.RecordSuccess(c.currentFreq())
	if c.recovering {
		c.recovering = false
		c.hub.Publish(stream.Event{Type: stream.TypeRecoveryComplete, Payload: stream.StatusPayload{
			Phase: string(Running), FreqIndex: c.state.FreqIndex,
		}})
	}
	c.publishStatus("sweep running")
}

func (c *Controller) handleCycle(ctx context.Context) {
	if c.state.Phase != Running || c.config == nil {
		return
	}
	n := len(c.config.Frequencies)
	if n <= 1 {
		// Single-frequency sweeps never advance and emit nothing.
		return
	}

	next, skipped := c.nextIndex()
	if next == c.state.FreqIndex {
		if len(skipped) > 0 {
			c.publishStatus("all other frequencies blacklisted; staying on current band")
		}
		return
	}
	for _, freq := range skipped {
		c.publishStatus(fmt.Sprintf("skipping blacklisted frequency %d Hz", freq))
	}

	if c.handle != nil {
		if err := c.sup.Stop(ctx, *c.handle, true); err != nil {
			glog.Warningf("stopping process for frequency change: %s", err)
		}
		c.handle = nil
	}

	c.state.FreqIndex = next
	c.state.CycleStartedAt = c.clk.Now()
	if err := c.spawnCurrent(ctx); err != nil {
		c.failure(ctx, false, fmt.Sprintf("frequency change spawn failed: %s", err))
		return
	}
	c.hub.Publish(stream.Event{Type: stream.TypeCycleConfig, Payload: stream.CycleConfigPayload{
		Frequencies: c.config.Frequencies,
		CycleTimeMs: c.config.CycleTime.Milliseconds(),
	}})
	c.publishStatus(fmt.Sprintf("cycled to frequency index %d", next))
}

// nextIndex finds the next non-blacklisted frequency after the current one,
// reporting the blacklisted ones it skipped on the way.
func (c *Controller) nextIndex() (int, []uint64) {
	n := len(c.config.Frequencies)
	var skipped []uint64
	for i := 1; i <= n; i++ {
		idx := (c.state.FreqIndex + i) % n
		freq := c.config.Frequencies[idx].CenterHz
		if c.rec.IsBlacklisted(freq) {
			skipped = append(skipped, freq)
			continue
		}
		return idx, skipped
	}
	return c.state.FreqIndex, skipped
}

// advanceOffBlacklisted moves the index to the next usable frequency after a
// blacklist decision. Returns false when no usable frequency remains.
func (c *Controller) advanceOffBlacklisted() bool {
	if c.config == nil {
		return false
	}
	next, _ := c.nextIndex()
	if c.rec.IsBlacklisted(c.config.Frequencies[next].CenterHz) {
		return false
	}
	c.state.FreqIndex = next
	return true
}

func (c *Controller) currentFreq() uint64 {
	if c.config == nil || c.state.FreqIndex >= len(c.config.Frequencies) {
		return 0
	}
	return c.config.Frequencies[c.state.FreqIndex].CenterHz
}

func (c *Controller) spawnCurrent(ctx context.Context) error {
	band := c.config.Frequencies[c.state.FreqIndex]
	handle, err := c.sup.Spawn(ctx, c.drv.SweepArgs(band, c.integration))
	if err != nil {
		return err
	}
	c.handle = &handle
	c.sup.StartMonitoring(ctx, handle, func(h process.Handle) {
		select {
		case c.deaths <- h:
		default:
		}
	})
	return nil
}

func (c *Controller) startAggregation() {
	if c.aggCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.aggCancel = cancel
	c.rawCh = make(chan sdr.Sample, rawSampleBuffer)
	out := make(chan sdr.Sample, rawSampleBuffer)

	agg := &sdr.Aggregator{Interval: c.integration, Clock: c.clk}
	go agg.Run(ctx, c.rawCh, out)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-out:
				c.hub.Publish(stream.Event{
					Type: stream.TypeSweepData,
					Payload: stream.SweepDataPayload{
						Frequency: s.FreqCenter,
						Samples:   []sdr.Sample{s},
						Timestamp: s.End,
					},
					DBHigh: s.DBHigh,
					Source: s.Source,
				})
				if c.onSample != nil {
					c.onSample(s)
				}
			}
		}
	}()
}

func (c *Controller) stopAggregation() {
	if c.aggCancel != nil {
		c.aggCancel()
		c.aggCancel = nil
	}
	c.rawCh = nil
}

func (c *Controller) stopTimers() {
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.cycleTicker != nil {
		c.cycleTicker.Stop()
		c.cycleTicker = nil
	}
}

func (c *Controller) publishStatus(msg string) {
	count := 0
	if c.config != nil {
		count = len(c.config.Frequencies)
	}
	c.hub.Publish(stream.Event{Type: stream.TypeStatus, Payload: stream.StatusPayload{
		Phase:     string(c.state.Phase),
		FreqIndex: c.state.FreqIndex,
		FreqCount: count,
		Message:   msg,
	}})
}

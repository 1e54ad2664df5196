// Package sweep owns the sweep lifecycle state machine. One goroutine runs
// the machine; every external command is serialized through it so no two
// transitions can race.
package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/hb9tf/sweepd/process"
	"github.com/hb9tf/sweepd/recovery"
	"github.com/hb9tf/sweepd/sdr"
	"github.com/hb9tf/sweepd/stream"
)

// Phase is the sweep state machine phase.
type Phase string

const (
	Idle             Phase = "idle"
	Starting         Phase = "starting"
	Running          Phase = "running"
	Stopping         Phase = "stopping"
	Error            Phase = "error"
	EmergencyStopped Phase = "emergency_stopped"
)

// State is a snapshot of the machine.
type State struct {
	Phase             Phase     `json:"phase"`
	FreqIndex         int       `json:"currentFrequencyIndex"`
	CycleStartedAt    time.Time `json:"cycleStartedAt"`
	ConsecutiveErrors int       `json:"consecutiveErrorCount"`
	LastError         string    `json:"lastError,omitempty"`
}

// CycleStatus answers GetCycleStatus.
type CycleStatus struct {
	State       State               `json:"state"`
	Frequencies []sdr.FrequencyBand `json:"frequencies"`
	CycleTime   time.Duration       `json:"-"`
	Blacklisted []uint64            `json:"blacklistedFrequencies,omitempty"`
	Process     ProcessHealth       `json:"processHealth"`
}

// ProcessHealth describes the supervised process, if any.
type ProcessHealth struct {
	PID       int       `json:"pid,omitempty"`
	Alive     bool      `json:"alive"`
	StartTime time.Time `json:"startTime,omitempty"`
}

// SyncResult answers ManualSync.
type SyncResult struct {
	Before  State    `json:"beforeState"`
	After   State    `json:"afterState"`
	Changes []string `json:"changes"`
}

// ResetResult answers ServerReset.
type ResetResult struct {
	ClientsNotified int   `json:"clientsNotified"`
	FinalState      State `json:"finalState"`
}

var (
	ErrNotIdle  = errors.New("sweep already active")
	ErrTerminal = errors.New("sweep is emergency-stopped; reset required")
)

const (
	settleWindow      = 2500 * time.Millisecond
	selfCheckInterval = 30 * time.Second
	blacklistRedelay  = time.Second
	rawSampleBuffer   = 1024
)

type command struct {
	kind  cmdKind
	cfg   *sdr.SweepConfig
	reply chan cmdReply
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdEmergencyStop
	cmdForceCleanup
	cmdStatus
	cmdManualSync
	cmdServerReset
	cmdState
)

type cmdReply struct {
	err    error
	state  State
	status CycleStatus
	sync   SyncResult
	reset  ResetResult
}

// Controller drives the supervisor and consults the recovery engine on
// failure. Construct with NewController and run Serve (it satisfies
// suture.Service).
type Controller struct {
	sup         *process.Supervisor
	rec         *recovery.Engine
	hub         *stream.Hub
	drv         sdr.Driver
	clk         clock.Clock
	integration time.Duration

	cmds     chan command
	deaths   chan process.Handle
	onSample func(sdr.Sample)

	// Everything below is loop-owned.
	state        State
	config       *sdr.SweepConfig
	handle       *process.Handle
	recovering   bool
	pendingRetry *retryPlan

	settleTimer *clock.Timer
	cycleTicker *clock.Ticker
	retryTimer  *clock.Timer

	aggCancel context.CancelFunc
	rawCh     chan sdr.Sample
}

type retryPlan struct {
	reprobe bool
}

// Options wires a Controller.
type Options struct {
	Supervisor  *process.Supervisor
	Recovery    *recovery.Engine
	Hub         *stream.Hub
	Driver      sdr.Driver
	Clock       clock.Clock
	Integration time.Duration

	// OnSample observes every aggregated sample, e.g. for the waterfall
	// window. Called from the aggregation goroutine.
	OnSample func(sdr.Sample)
}

func NewController(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Integration == 0 {
		opts.Integration = 5 * time.Second
	}
	return &Controller{
		sup:         opts.Supervisor,
		rec:         opts.Recovery,
		hub:         opts.Hub,
		drv:         opts.Driver,
		clk:         opts.Clock,
		integration: opts.Integration,
		cmds:        make(chan command),
		deaths:      make(chan process.Handle, 4),
		onSample:    opts.OnSample,
		state:       State{Phase: Idle},
	}
}

func (c *Controller) do(ctx context.Context, cmd command) (cmdReply, error) {
	cmd.reply = make(chan cmdReply, 1)
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return cmdReply{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-ctx.Done():
		return cmdReply{}, ctx.Err()
	}
}

// Start begins a sweep. Valid only from Idle; the config is validated and
// the device probed before anything spawns.
func (c *Controller) Start(ctx context.Context, cfg sdr.SweepConfig) error {
	_, err := c.do(ctx, command{kind: cmdStart, cfg: &cfg})
	return err
}

// Stop gracefully ends the sweep and returns the final state.
func (c *Controller) Stop(ctx context.Context) (State, error) {
	r, err := c.do(ctx, command{kind: cmdStop})
	return r.state, err
}

// EmergencyStop kills everything matching the sweep binary, bypassing all
// pending timers and retries. It returns only after termination is verified;
// a process that survives the kill is reported as an error.
func (c *Controller) EmergencyStop(ctx context.Context) (State, error) {
	r, err := c.do(ctx, command{kind: cmdEmergencyStop})
	return r.state, err
}

// ForceCleanup unconditionally kills all sweep processes without touching
// the state machine phase (unless it was tracking the killed process).
func (c *Controller) ForceCleanup(ctx context.Context) error {
	_, err := c.do(ctx, command{kind: cmdForceCleanup})
	return err
}

// CycleStatus reports the full cycle state.
func (c *Controller) CycleStatus(ctx context.Context) (CycleStatus, error) {
	r, err := c.do(ctx, command{kind: cmdStatus})
	return r.status, err
}

// ManualSync reconciles believed state against the OS and clears recovery
// bookkeeping, including the frequency blacklist.
func (c *Controller) ManualSync(ctx context.Context) (SyncResult, error) {
	r, err := c.do(ctx, command{kind: cmdManualSync})
	return r.sync, err
}

// ServerReset notifies all stream clients, kills any sweep process and
// forces the machine back to Idle.
func (c *Controller) ServerReset(ctx context.Context) (ResetResult, error) {
	r, err := c.do(ctx, command{kind: cmdServerReset})
	return r.reset, err
}

// State snapshots the machine.
func (c *Controller) State(ctx context.Context) (State, error) {
	r, err := c.do(ctx, command{kind: cmdState})
	return r.state, err
}

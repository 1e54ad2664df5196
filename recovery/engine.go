// Package recovery decides how the sweep controller reacts to process
// failures: retry with growing delays, aggressive cleanup, device re-probe,
// or giving up until an operator intervenes.
package recovery

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
	"golang.org/x/time/rate"

	"github.com/hb9tf/sweepd/metrics"
)

// Action is what the controller should do about an observed failure.
type Action int

const (
	// Retry respawns the sweep after Decision.Delay.
	Retry Action = iota
	// Blacklist drops the failing frequency from the cycle schedule.
	Blacklist
	// Escalate stops retrying until ManualSync or a fresh Start.
	Escalate
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case Blacklist:
		return "blacklist"
	case Escalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Strategy levels applied progressively as consecutive errors grow.
const (
	StrategyWaitRetry = 1 + iota
	StrategyCleanupRetry
	StrategyReprobe
	StrategyCooldown
)

const (
	retryBaseDelay  = 2 * time.Second
	cleanupDelay    = 5 * time.Second
	reprobeCooldown = 15 * time.Second

	// DefaultMaxRetriesPerMinute caps total retries in a rolling window so a
	// crash loop cannot exhaust the system.
	DefaultMaxRetriesPerMinute = 5
	// DefaultBlacklistThreshold is how many consecutive fatal startup
	// failures one frequency may cause before it is skipped.
	DefaultBlacklistThreshold = 3
)

// Decision is the engine's answer to one failure.
type Decision struct {
	Action    Action
	Delay     time.Duration
	Strategy  int
	Cleanup   bool // run ForceCleanupAll before retrying
	Reprobe   bool // re-check the device before retrying
	Frequency uint64
	Reason    string
}

// ErrorContext describes the failure being decided on.
type ErrorContext struct {
	ConsecutiveErrors int
	Frequency         uint64
	Fatal             bool // matched the fatal startup pattern set
	Message           string
}

// DeviceHealth tracks observed device behavior across sweep attempts within
// this process lifetime. It does not survive restarts.
type DeviceHealth struct {
	LastKnownGood       time.Time
	ConsecutiveFailures int
	BackoffLevel        int
	Blacklisted         []uint64
}

// Engine implements the escalating recovery strategies. It is owned by the
// controller goroutine; all methods assume single-threaded use.
type Engine struct {
	clk                clock.Clock
	limiter            *rate.Limiter
	blacklistThreshold int

	lastKnownGood       time.Time
	consecutiveFailures int
	backoffLevel        int
	fatalPerFreq        map[uint64]int
	blacklisted         map[uint64]bool
}

// Options tunes an Engine; zero values use defaults.
type Options struct {
	MaxRetriesPerMinute int
	BlacklistThreshold  int
	Clock               clock.Clock
}

func NewEngine(opts Options) *Engine {
	if opts.MaxRetriesPerMinute == 0 {
		opts.MaxRetriesPerMinute = DefaultMaxRetriesPerMinute
	}
	if opts.BlacklistThreshold == 0 {
		opts.BlacklistThreshold = DefaultBlacklistThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Engine{
		clk:                opts.Clock,
		limiter:            rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.MaxRetriesPerMinute)), opts.MaxRetriesPerMinute),
		blacklistThreshold: opts.BlacklistThreshold,
		fatalPerFreq:       map[uint64]int{},
		blacklisted:        map[uint64]bool{},
	}
}

// Decide picks the recovery action for a failure. The rolling rate limiter
// overrides everything: once retries are exhausted, only Escalate comes out.
func (e *Engine) Decide(ec ErrorContext) Decision {
	e.consecutiveFailures = ec.ConsecutiveErrors

	if ec.Fatal && ec.Frequency != 0 {
		e.fatalPerFreq[ec.Frequency]++
		if e.fatalPerFreq[ec.Frequency] >= e.blacklistThreshold {
			e.blacklisted[ec.Frequency] = true
			metrics.BlacklistedFrequencies.Set(float64(len(e.blacklisted)))
			glog.Warningf("blacklisting %d Hz after %d fatal failures", ec.Frequency, e.fatalPerFreq[ec.Frequency])
			return Decision{
				Action:    Blacklist,
				Frequency: ec.Frequency,
				Reason:    "repeated fatal startup failures",
			}
		}
	}

	if !e.limiter.AllowN(e.clk.Now(), 1) {
		glog.Errorf("retry budget exhausted, escalating (last error: %s)", ec.Message)
		e.backoffLevel = StrategyCooldown
		return Decision{
			Action:   Escalate,
			Strategy: StrategyCooldown,
			Reason:   "retry rate limit exceeded",
		}
	}

	n := ec.ConsecutiveErrors
	switch {
	case n <= 2:
		e.backoffLevel = StrategyWaitRetry
		return Decision{
			Action:   Retry,
			Strategy: StrategyWaitRetry,
			Delay:    time.Duration(n) * retryBaseDelay,
			Reason:   "wait and retry",
		}
	case n <= 4:
		e.backoffLevel = StrategyCleanupRetry
		return Decision{
			Action:   Retry,
			Strategy: StrategyCleanupRetry,
			Delay:    cleanupDelay,
			Cleanup:  true,
			Reason:   "cleanup before retry",
		}
	case n <= 6:
		e.backoffLevel = StrategyReprobe
		return Decision{
			Action:   Retry,
			Strategy: StrategyReprobe,
			Delay:    reprobeCooldown,
			Cleanup:  true,
			Reprobe:  true,
			Reason:   "re-probe device after cooldown",
		}
	default:
		e.backoffLevel = StrategyCooldown
		return Decision{
			Action:   Escalate,
			Strategy: StrategyCooldown,
			Reason:   "extended cooldown, manual sync required",
		}
	}
}

// RecordSuccess marks the device healthy again: the sweep reached Running.
func (e *Engine) RecordSuccess(freq uint64) {
	e.lastKnownGood = e.clk.Now()
	e.consecutiveFailures = 0
	e.backoffLevel = 0
	delete(e.fatalPerFreq, freq)
}

// IsBlacklisted reports whether a frequency should be skipped when cycling.
func (e *Engine) IsBlacklisted(freq uint64) bool {
	return e.blacklisted[freq]
}

// Reset clears the blacklist and all failure bookkeeping. Called on
// ManualSync and on every fresh Start.
func (e *Engine) Reset() {
	e.consecutiveFailures = 0
	e.backoffLevel = 0
	e.fatalPerFreq = map[uint64]int{}
	e.blacklisted = map[uint64]bool{}
	metrics.BlacklistedFrequencies.Set(0)
}

// Health snapshots the device health record.
func (e *Engine) Health() DeviceHealth {
	bl := make([]uint64, 0, len(e.blacklisted))
	for f := range e.blacklisted {
		bl = append(bl, f)
	}
	return DeviceHealth{
		LastKnownGood:       e.lastKnownGood,
		ConsecutiveFailures: e.consecutiveFailures,
		BackoffLevel:        e.backoffLevel,
		Blacklisted:         bl,
	}
}

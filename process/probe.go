package process

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/sony/gobreaker/v2"

	"github.com/hb9tf/sweepd/metrics"
	"github.com/hb9tf/sweepd/sdr"
)

const probeTimeout = 3 * time.Second

// ProbeReason classifies why a device probe failed (or that it didn't).
type ProbeReason string

const (
	ProbeOK       ProbeReason = "ok"
	ProbeTimeout  ProbeReason = "timeout"
	ProbeBusy     ProbeReason = "resource busy"
	ProbeNoDevice ProbeReason = "no device found"
	ProbeError    ProbeReason = "probe error"
	ProbeTripped  ProbeReason = "probe circuit open"
)

// ProbeResult is the outcome of one device probe.
type ProbeResult struct {
	Available  bool
	Reason     ProbeReason
	DeviceInfo string
}

// Prober runs the device's own info utility with a hard timeout to decide
// whether a sweep can start. A circuit breaker sits in front so a dead or
// wedged device fast-rejects repeated probes instead of burning 3s each.
type Prober struct {
	driver sdr.Driver
	os     OS
	cb     *gobreaker.CircuitBreaker[ProbeResult]
}

func NewProber(driver sdr.Driver, osi OS) *Prober {
	return &Prober{
		driver: driver,
		os:     osi,
		cb: gobreaker.NewCircuitBreaker[ProbeResult](gobreaker.Settings{
			Name:    driver.ProbeBinary(),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				glog.Warningf("probe breaker %q: %s -> %s", name, from, to)
			},
		}),
	}
}

// Probe reports device availability. Timeout, "resource busy" and
// "no device found" are distinct reasons so callers can message operators
// precisely.
func (p *Prober) Probe(ctx context.Context) ProbeResult {
	res, err := p.cb.Execute(func() (ProbeResult, error) {
		r := p.probeOnce(ctx)
		if !r.Available {
			return r, fmt.Errorf("probe failed: %s", r.Reason)
		}
		return r, nil
	})
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		res = ProbeResult{Available: false, Reason: ProbeTripped}
	}
	metrics.ProbeResults.WithLabelValues(string(res.Reason)).Inc()
	return res
}

func (p *Prober) probeOnce(ctx context.Context) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := p.os.Output(ctx, p.driver.ProbeBinary(), p.driver.ProbeArgs())
	lower := strings.ToLower(string(out))

	switch {
	case ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded):
		return ProbeResult{Available: false, Reason: ProbeTimeout}
	case strings.Contains(lower, "resource busy") || strings.Contains(lower, "usb_claim_interface"):
		return ProbeResult{Available: false, Reason: ProbeBusy}
	case strings.Contains(lower, "no supported devices found") || strings.Contains(lower, "no hackrf boards found"):
		return ProbeResult{Available: false, Reason: ProbeNoDevice}
	case err != nil && !probeExitTolerated(lower):
		glog.V(1).Infof("probe %s: %s (%s)", p.driver.ProbeBinary(), err, strings.TrimSpace(string(out)))
		return ProbeResult{Available: false, Reason: ProbeError}
	default:
		return ProbeResult{Available: true, Reason: ProbeOK, DeviceInfo: deviceInfo(string(out))}
	}
}

// rtl_test exits non-zero in -t mode on perfectly healthy devices, so a
// found-device banner outweighs the exit code.
func probeExitTolerated(lower string) bool {
	return strings.Contains(lower, "found") && strings.Contains(lower, "device")
}

func deviceInfo(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > 4 {
		lines = lines[:4]
	}
	return strings.TrimSpace(strings.Join(lines, "; "))
}

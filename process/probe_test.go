package process_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/hb9tf/sweepd/metrics"
	"github.com/hb9tf/sweepd/process"
	"github.com/hb9tf/sweepd/process/processtest"
	"github.com/hb9tf/sweepd/sdr"
)

func TestProbeClassification(t *testing.T) {
	tests := []struct {
		name  string
		out   string
		err   error
		want  process.ProbeReason
		avail bool
	}{
		{
			name:  "deviceFound",
			out:   "Found 1 device(s):\n  0:  Realtek, RTL2838UHIDIR\nSupported gain values: ...",
			err:   fmt.Errorf("exit status 1"), // rtl_test -t exits non-zero on success
			want:  process.ProbeOK,
			avail: true,
		},
		{
			name: "busy",
			out:  "usb_claim_interface error -6\nResource busy",
			err:  fmt.Errorf("exit status 1"),
			want: process.ProbeBusy,
		},
		{
			name: "noDevice",
			out:  "No supported devices found.",
			err:  fmt.Errorf("exit status 1"),
			want: process.ProbeNoDevice,
		},
		{
			name: "timeout",
			err:  context.DeadlineExceeded,
			want: process.ProbeTimeout,
		},
		{
			name: "otherFailure",
			out:  "something exploded",
			err:  fmt.Errorf("exit status 2"),
			want: process.ProbeError,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			osi := processtest.NewFakeOS()
			osi.SetProbe(tc.out, tc.err)
			p := process.NewProber(sdr.RTLSDR{}, osi)

			before := testutil.ToFloat64(metrics.ProbeResults.WithLabelValues(string(tc.want)))
			res := p.Probe(context.Background())
			assert.Equal(t, tc.avail, res.Available)
			assert.Equal(t, tc.want, res.Reason)
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.ProbeResults.WithLabelValues(string(tc.want))))
		})
	}
}

func TestProbeBreakerTrips(t *testing.T) {
	osi := processtest.NewFakeOS()
	osi.SetProbe("No supported devices found.", fmt.Errorf("exit status 1"))
	p := process.NewProber(sdr.RTLSDR{}, osi)

	for i := 0; i < 3; i++ {
		res := p.Probe(context.Background())
		assert.Equal(t, process.ProbeNoDevice, res.Reason)
	}

	// Breaker is open now: probes fast-reject without running the binary.
	res := p.Probe(context.Background())
	assert.False(t, res.Available)
	assert.Equal(t, process.ProbeTripped, res.Reason)
}

func TestProbeDeviceInfoTruncated(t *testing.T) {
	osi := processtest.NewFakeOS()
	osi.SetProbe("Found 1 device(s):\nline2\nline3\nline4\nline5\nline6", nil)
	p := process.NewProber(sdr.RTLSDR{}, osi)

	res := p.Probe(context.Background())
	assert.True(t, res.Available)
	assert.Contains(t, res.DeviceInfo, "Found 1 device(s)")
	assert.NotContains(t, res.DeviceInfo, "line5")
}

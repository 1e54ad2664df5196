package sdr

import (
	"fmt"
	"time"
)

const (
	rtlSourceName = "rtl_sdr"
	rtlSweepAlias = "rtl_power"
	rtlProbeAlias = "rtl_test"
	rtlDefaultBin = 12500
)

// RTLSDR drives rtl_power. rtl_power takes the full range at startup, so
// every frequency change needs a fresh process.
type RTLSDR struct{}

func (RTLSDR) Name() string { return rtlSourceName }

func (RTLSDR) SweepBinary() string { return rtlSweepAlias }

func (RTLSDR) SweepArgs(band FrequencyBand, integration time.Duration) []string {
	bin := band.BinHz
	if bin == 0 {
		bin = rtlDefaultBin
	}
	return []string{
		fmt.Sprintf("-f %d:%d:%d", band.LowHz(), band.HighHz(), bin),
		fmt.Sprintf("-i %s", integration),
		"-", // dumps samples to stdout
	}
}

func (RTLSDR) ProbeBinary() string { return rtlProbeAlias }

func (RTLSDR) ProbeArgs() []string { return []string{"-t"} }

func (d RTLSDR) ParseLine(identifier, line string) ([]Sample, error) {
	return parseSweepLine(identifier, d.Name(), line)
}

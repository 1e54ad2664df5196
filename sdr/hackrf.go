package sdr

import (
	"fmt"
	"time"
)

const (
	hackrfSourceName = "hackrf"
	hackrfSweepAlias = "hackrf_sweep"
	hackrfProbeAlias = "hackrf_info"
	hackrfDefaultBin = 100000
)

// HackRF drives hackrf_sweep.
type HackRF struct{}

func (HackRF) Name() string { return hackrfSourceName }

func (HackRF) SweepBinary() string { return hackrfSweepAlias }

func (HackRF) SweepArgs(band FrequencyBand, integration time.Duration) []string {
	bin := band.BinHz
	if bin == 0 {
		bin = hackrfDefaultBin
	}
	return []string{
		fmt.Sprintf("-f %d:%d", band.LowHz()/1000000, band.HighHz()/1000000),
		fmt.Sprintf("-w %d", bin),
		"-a 1",  // RX RF amplifier 1=Enable, 0=Disable
		"-l 16", // RX LNA (IF) gain, 0-40dB, 8dB steps
		"-g 20", // RX VGA (baseband) gain, 0-62dB, 2dB steps
	}
}

func (HackRF) ProbeBinary() string { return hackrfProbeAlias }

func (HackRF) ProbeArgs() []string { return nil }

func (d HackRF) ParseLine(identifier, line string) ([]Sample, error) {
	return parseSweepLine(identifier, d.Name(), line)
}

package sdr

import (
	"errors"
	"time"
)

// Sample is a single aggregated power measurement for one frequency bin.
type Sample struct {
	// Metadata
	Identifier string
	Source     string

	// Radio Data
	FreqCenter  uint64
	FreqLow     uint64
	FreqHigh    uint64
	DBHigh      float64
	DBLow       float64
	DBAvg       float64
	SampleCount uint64
	Start       time.Time
	End         time.Time
}

// FrequencyBand is one entry of a sweep schedule: a center frequency with
// either a span around it or an explicit FFT bin size.
type FrequencyBand struct {
	CenterHz uint64 `json:"centerHz"`
	SpanHz   uint64 `json:"spanHz,omitempty"`
	BinHz    uint64 `json:"binHz,omitempty"`
}

// LowHz returns the lower edge of the band.
func (b FrequencyBand) LowHz() uint64 {
	return b.CenterHz - b.SpanHz/2
}

// HighHz returns the upper edge of the band.
func (b FrequencyBand) HighHz() uint64 {
	return b.CenterHz + b.SpanHz/2
}

// SweepConfig describes a full sweep: the ordered frequency schedule and the
// dwell time per band. It is immutable once a sweep has started.
type SweepConfig struct {
	Frequencies []FrequencyBand `json:"frequencies"`
	CycleTime   time.Duration   `json:"-"`
}

var (
	ErrEmptyConfig = errors.New("sweep config has no frequencies")
	ErrBadBand     = errors.New("frequency band is invalid")
)

// Validate checks the config before a sweep is allowed to start.
func (c *SweepConfig) Validate() error {
	if len(c.Frequencies) == 0 {
		return ErrEmptyConfig
	}
	for _, b := range c.Frequencies {
		if b.CenterHz == 0 {
			return ErrBadBand
		}
		if b.SpanHz == 0 && b.BinHz == 0 {
			return ErrBadBand
		}
		if b.SpanHz > 0 && b.SpanHz/2 > b.CenterHz {
			return ErrBadBand
		}
	}
	return nil
}

// Driver abstracts one external sweep tool. The supervisor owns the process
// lifetime; the driver only knows binary names, argument shapes and the
// stdout line format.
type Driver interface {
	Name() string

	// SweepBinary and SweepArgs describe the invocation for one band.
	SweepBinary() string
	SweepArgs(band FrequencyBand, integration time.Duration) []string

	// ProbeBinary and ProbeArgs describe the short diagnostic invocation
	// used to check device presence before a sweep.
	ProbeBinary() string
	ProbeArgs() []string

	// ParseLine converts one stdout line into per-bin samples.
	ParseLine(identifier, line string) ([]Sample, error)
}

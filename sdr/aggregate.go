package sdr

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Aggregator folds raw per-line samples into frequency buckets and flushes
// one aggregated sample per bucket every integration interval. Running the
// merge and the flush in the same loop keeps the bucket map single-writer.
type Aggregator struct {
	Interval time.Duration
	Clock    clock.Clock
}

func (a *Aggregator) clk() clock.Clock {
	if a.Clock == nil {
		return clock.New()
	}
	return a.Clock
}

// Run consumes raw samples until ctx is done or in is closed, sending
// aggregates to out. It never closes out.
func (a *Aggregator) Run(ctx context.Context, in <-chan Sample, out chan<- Sample) {
	buckets := map[uint64]Sample{}
	ticker := a.clk().Ticker(a.Interval)
	defer ticker.Stop()

	flush := func() {
		for _, sample := range buckets {
			select {
			case out <- sample:
			case <-ctx.Done():
				return
			}
		}
		buckets = map[uint64]Sample{}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flush()
		case sample, ok := <-in:
			if !ok {
				flush()
				return
			}
			buckets[sample.FreqCenter] = merge(buckets[sample.FreqCenter], sample)
		}
	}
}

func merge(stored, sample Sample) Sample {
	if stored.SampleCount == 0 {
		return sample
	}
	stored.End = sample.End
	stored.DBAvg = (stored.DBAvg*float64(stored.SampleCount) + sample.DBAvg*float64(sample.SampleCount)) / float64(stored.SampleCount+sample.SampleCount)
	if sample.DBLow < stored.DBLow {
		stored.DBLow = sample.DBLow
	}
	if sample.DBHigh > stored.DBHigh {
		stored.DBHigh = sample.DBHigh
	}
	stored.SampleCount += sample.SampleCount
	return stored
}

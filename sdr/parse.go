package sdr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Both rtl_power and hackrf_sweep emit the same CSV shape:
// date, time, freqLow, freqHigh, binWidth, sampleCount, dB0, dB1, ...
const sweepLineMinFields = 7

func parseUint(num string) (uint64, error) {
	return strconv.ParseUint(strings.Split(num, ".")[0], 10, 64)
}

// calculateBinRange calculates the highest and lowest frequencies in a bin
func calculateBinRange(freqLow, freqHigh, binWidth, binNum uint64) (uint64, uint64) {
	low := freqLow + (binNum * binWidth)
	high := low + binWidth
	if high > freqHigh {
		high = freqHigh
	}
	return low, high
}

func parseSweepLine(identifier, source, line string) ([]Sample, error) {
	row := strings.Split(line, ", ")
	if len(row) < sweepLineMinFields {
		return nil, fmt.Errorf("short sweep line (%d fields): %q", len(row), line)
	}
	numBins := len(row) - 6

	sampleCount, err := parseUint(row[5])
	if err != nil {
		return nil, err
	}
	freqLow, err := parseUint(row[2])
	if err != nil {
		return nil, err
	}
	freqHigh, err := parseUint(row[3])
	if err != nil {
		return nil, err
	}
	binWidth, err := parseUint(row[4])
	if err != nil {
		return nil, err
	}
	parsedTime, err := time.Parse(time.RFC3339, strings.TrimSpace(row[0])+"T"+strings.TrimSpace(row[1])+"Z")
	if err != nil {
		return nil, err
	}

	samples := make([]Sample, 0, numBins)
	for i := 0; i < numBins; i++ {
		low, high := calculateBinRange(freqLow, freqHigh, binWidth, uint64(i))

		decibels, err := strconv.ParseFloat(strings.TrimSpace(row[i+6]), 64)
		if err != nil {
			return nil, err
		}

		samples = append(samples, Sample{
			Identifier:  identifier,
			Source:      source,
			FreqCenter:  (low + high) / 2,
			FreqLow:     low,
			FreqHigh:    high,
			DBLow:       decibels,
			DBHigh:      decibels,
			DBAvg:       decibels,
			SampleCount: sampleCount,
			Start:       parsedTime,
			End:         parsedTime,
		})
	}
	return samples, nil
}

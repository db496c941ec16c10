/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package servo

import (
	"math"

	"github.com/eclesh/welford"
)

type filterState uint8

const (
	filterNoSpike filterState = iota
	filterSpike
	filterReset
)

// FilterConfig configures the spike filter
type FilterConfig struct {
	// MinOffsetLocked is the offset in ns below which a sample is never a spike
	MinOffsetLocked int64
	// MaxFreqChange is how many ppb the oscillator can drift per second
	MaxFreqChange int64
	// MaxSkipCount is how many spikes in a row are skipped before the servo is reset
	MaxSkipCount int
	// OffsetStdevFactor and FreqStdevFactor scale standard deviations into the acceptance window
	OffsetStdevFactor float64
	FreqStdevFactor   float64
	// RingSize is how many locked samples the statistics are computed over
	RingSize int
}

// DefaultFilterConfig returns a filter tuned for a one second sync interval
func DefaultFilterConfig() *FilterConfig {
	return &FilterConfig{
		MinOffsetLocked:   15000,
		MaxFreqChange:     40,
		MaxSkipCount:      15,
		OffsetStdevFactor: 3.0,
		FreqStdevFactor:   3.0,
		RingSize:          30,
	}
}

type filterSample struct {
	offset int64
	freq   float64
}

// Filter detects offsets that are too far from recent history to be trusted
type Filter struct {
	cfg     *FilterConfig
	samples []filterSample
	next    int
	skipped int

	offsetStdev float64
	freqMean    float64
	freqStdev   float64
}

// NewFilter returns an empty filter
func NewFilter(cfg *FilterConfig) *Filter {
	f := &Filter{cfg: cfg}
	f.Reset()
	return f
}

// Reset drops collected samples
func (f *Filter) Reset() {
	f.samples = make([]filterSample, 0, f.cfg.RingSize)
	f.next = 0
	f.skipped = 0
	f.offsetStdev = 0
	f.freqMean = 0
	f.freqStdev = 0
}

// Len returns number of samples statistics are based on
func (f *Filter) Len() int {
	return len(f.samples)
}

// Skipped returns how many samples in a row were considered spikes
func (f *Filter) Skipped() int {
	return f.skipped
}

// MeanFreq returns mean frequency over collected samples
func (f *Filter) MeanFreq() float64 {
	return f.freqMean
}

// check classifies offset measured at localTs, lastTs being the time of the last accepted sample
func (f *Filter) check(offset int64, localTs, lastTs uint64) filterState {
	if f.skipped >= f.cfg.MaxSkipCount {
		return filterReset
	}
	var secPassed float64
	if localTs > lastTs {
		secPassed = math.Round(float64(localTs-lastTs) / 1e9)
	}
	window := f.cfg.OffsetStdevFactor*f.offsetStdev +
		secPassed*(f.cfg.FreqStdevFactor*f.freqStdev+float64(f.cfg.MaxFreqChange)/2)
	limit := int64(math.Max(window, float64(f.cfg.MinOffsetLocked)))
	if abs(offset) > limit {
		f.skipped++
		return filterSpike
	}
	return filterNoSpike
}

// add records an accepted sample and recalculates statistics
func (f *Filter) add(offset int64, freq float64) {
	f.skipped = 0
	s := filterSample{offset: offset, freq: freq}
	if len(f.samples) < f.cfg.RingSize {
		f.samples = append(f.samples, s)
	} else {
		f.samples[f.next] = s
	}
	f.next = (f.next + 1) % f.cfg.RingSize

	offsets := welford.New()
	freqs := welford.New()
	for _, v := range f.samples {
		offsets.Add(float64(v.offset))
		freqs.Add(v.freq)
	}
	f.freqMean = freqs.Mean()
	if len(f.samples) > 1 {
		f.offsetStdev = offsets.Stddev()
		f.freqStdev = freqs.Stddev()
	}
}

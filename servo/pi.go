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

	log "github.com/sirupsen/logrus"
)

const (
	kpScale = 0.7
	kiScale = 0.3

	maxKpNormMax = 1.0
	maxKiNormMax = 2.0

	freqEstMargin = 0.001
)

// PiConfig holds the proportional and integral constants, scaled by the sync interval
type PiConfig struct {
	KpScale    float64
	KpExponent float64
	KpNormMax  float64
	KiScale    float64
	KiExponent float64
	KiNormMax  float64
}

// DefaultPiConfig returns the linuxptp defaults
func DefaultPiConfig() *PiConfig {
	return &PiConfig{
		KpScale:   kpScale,
		KpNormMax: maxKpNormMax,
		KiScale:   kiScale,
		KiNormMax: maxKiNormMax,
	}
}

// PiServo is a proportional-integral servo.
// Sample is fed offsets in ns and returns the frequency correction in ppb.
type PiServo struct {
	cfg Config
	pi  *PiConfig

	offset [2]int64
	local  [2]uint64
	count  int

	drift    float64
	kp       float64
	ki       float64
	lastFreq float64
	// lastLocal is the local time of the last locked sample
	lastLocal uint64

	filter *Filter
}

// NewPiServo returns a servo starting from freq ppb
func NewPiServo(cfg Config, pi *PiConfig, freq float64) *PiServo {
	return &PiServo{
		cfg:      cfg,
		pi:       pi,
		lastFreq: freq,
		drift:    freq,
	}
}

// SetFilter attaches a spike filter
func (s *PiServo) SetFilter(f *Filter) {
	s.filter = f
}

// Filter returns attached spike filter, if any
func (s *PiServo) Filter() *Filter {
	return s.filter
}

// SetLastFreq restarts the integrator from freq
func (s *PiServo) SetLastFreq(freq float64) {
	s.lastFreq = freq
	s.drift = freq
}

// SetMaxFreq is to adjust frequency range supported by the clock
func (s *PiServo) SetMaxFreq(freq float64) {
	s.cfg.MaxFreq = freq
}

// UnsetFirstUpdate stops applying the first step threshold
func (s *PiServo) UnsetFirstUpdate() {
	s.cfg.FirstUpdate = false
}

// SyncInterval informs the servo about the master's sync interval in seconds
func (s *PiServo) SyncInterval(interval float64) {
	s.kp = s.pi.KpScale * math.Pow(interval, s.pi.KpExponent)
	if s.kp > s.pi.KpNormMax/interval {
		s.kp = s.pi.KpNormMax / interval
	}
	s.ki = s.pi.KiScale * math.Pow(interval, s.pi.KiExponent)
	if s.ki > s.pi.KiNormMax/interval {
		s.ki = s.pi.KiNormMax / interval
	}
}

// Reset drops collected samples, keeping the frequency estimate
func (s *PiServo) Reset() {
	s.count = 0
	if s.filter != nil {
		s.filter.Reset()
	}
}

// IsSpike reports whether offset is an outlier to be skipped instead of sampled
func (s *PiServo) IsSpike(offset int64, localTs uint64) bool {
	if s.filter == nil || s.count < 2 {
		return false
	}
	switch s.filter.check(offset, localTs, s.lastLocal) {
	case filterSpike:
		return true
	case filterReset:
		log.Warning("servo skipped too many samples, resetting")
		s.count = 0
		s.drift = s.filter.MeanFreq()
		s.filter.Reset()
		return true
	case filterNoSpike:
	}
	return false
}

// MeanFreq returns the best frequency estimate, used while samples are filtered out or missing
func (s *PiServo) MeanFreq() float64 {
	if s.filter != nil && s.filter.Len() > 0 {
		return s.filter.MeanFreq()
	}
	return s.lastFreq
}

func (s *PiServo) clamp(ppb float64) float64 {
	return math.Max(-s.cfg.MaxFreq, math.Min(s.cfg.MaxFreq, ppb))
}

// estimateDrift uses the first two samples to measure frequency offset
func (s *PiServo) estimateDrift(offset int64, localTs uint64) State {
	s.offset[1] = offset
	s.local[1] = localTs
	if s.local[0] >= s.local[1] {
		s.count = 0
		return StateInit
	}
	localDiff := float64(s.local[1]-s.local[0]) / 1e9
	localDiff += localDiff * freqEstMargin
	freqEstInterval := math.Min(0.016/s.ki, 1000.0)
	if localDiff < freqEstInterval {
		log.Warningf("servo sampled too often, %.3fs since first sample", localDiff)
		return StateInit
	}

	s.drift += (1e9 - s.drift) * float64(s.offset[1]-s.offset[0]) / float64(s.local[1]-s.local[0])
	s.drift = s.clamp(s.drift)
	s.lastFreq = s.drift
	s.count = 2

	if s.cfg.FirstUpdate && s.cfg.FirstStepThreshold > 0 && s.cfg.FirstStepThreshold < abs(offset) {
		return StateJump
	}
	if s.cfg.StepThreshold > 0 && s.cfg.StepThreshold < abs(offset) {
		return StateJump
	}
	return StateLocked
}

// Sample calculates frequency based on the offset measured at local time localTs
func (s *PiServo) Sample(offset int64, localTs uint64) (float64, State) {
	var state State
	switch s.count {
	case 0:
		s.offset[0] = offset
		s.local[0] = localTs
		s.count = 1
		state = StateInit
	case 1:
		state = s.estimateDrift(offset, localTs)
	default:
		// jump is done while estimating drift, so start over like on the first run
		if s.cfg.StepThreshold > 0 && s.cfg.StepThreshold < abs(offset) {
			s.Reset()
			return s.lastFreq, StateInit
		}
		state = StateLocked
		kiTerm := s.ki * float64(offset)
		ppb := s.kp*float64(offset) + s.drift + kiTerm
		if ppb < -s.cfg.MaxFreq || ppb > s.cfg.MaxFreq {
			ppb = s.clamp(ppb)
		} else {
			s.drift += kiTerm
		}
		s.lastFreq = ppb
	}
	if state == StateLocked {
		s.lastLocal = localTs
		if s.filter != nil {
			s.filter.add(offset, s.lastFreq)
		}
	}
	return s.lastFreq, state
}

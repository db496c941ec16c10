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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/l2switch/ptpd/ptp/slave"
)

// Adjuster is the local clock steered by the servo
type Adjuster interface {
	AdjFreqPPB(freqPPB float64) error
	Step(step time.Duration) error
}

// Synchronizer is implemented by clocks that track a synchronized status
type Synchronizer interface {
	SetSync() error
}

// ClockServoConfig tunes lock detection on top of the PI servo
type ClockServoConfig struct {
	Servo  Config
	Pi     *PiConfig
	Filter *FilterConfig
	// FreqLockThreshold is the offset below which a locked PI servo counts as frequency locked
	FreqLockThreshold time.Duration
	// PhaseLockThreshold is the offset below which a frequency locked clock with a measured path delay counts as phase locked
	PhaseLockThreshold time.Duration
	// LockSamples is how many locked samples in a row make a frequency lock
	LockSamples int
	// HoldoverSamples is how many locked samples in a row make the frequency trustworthy enough for holdover
	HoldoverSamples int
}

// DefaultClockServoConfig returns thresholds suitable for software timestamping
func DefaultClockServoConfig() ClockServoConfig {
	return ClockServoConfig{
		Servo:              DefaultConfig(),
		Pi:                 DefaultPiConfig(),
		Filter:             DefaultFilterConfig(),
		FreqLockThreshold:  100 * time.Microsecond,
		PhaseLockThreshold: 10 * time.Microsecond,
		LockSamples:        4,
		HoldoverSamples:    16,
	}
}

const (
	// delayWeight is the weight of a new path delay measurement in the running average
	delayWeight = 1.0 / 8
	maxInterval = 64 * time.Second
)

// ClockServo feeds PTP measurements to a PI servo and applies its output to a clock.
// It implements slave.Servo.
type ClockServo struct {
	cfg   ClockServoConfig
	clock Adjuster
	pi    *PiServo

	interval time.Duration
	// masterToSlave is t2 - t1 - correction of the last Sync
	masterToSlave time.Duration
	haveSync      bool
	pathDelay     time.Duration
	haveDelay     bool

	lastOffset  time.Duration
	lastFreq    float64
	lastState   State
	lockedCount int
	status      slave.ServoStatus
	stepped     bool
	Steps       uint64
	Filtered    uint64
}

// NewClockServo returns a servo steering clock, starting from its current frequency freq
func NewClockServo(cfg ClockServoConfig, clock Adjuster, freq float64) *ClockServo {
	if cfg.Pi == nil {
		cfg.Pi = DefaultPiConfig()
	}
	if cfg.LockSamples <= 0 {
		cfg.LockSamples = 1
	}
	s := &ClockServo{
		cfg:      cfg,
		clock:    clock,
		pi:       NewPiServo(cfg.Servo, cfg.Pi, freq),
		lastFreq: freq,
	}
	if cfg.Filter != nil {
		s.pi.SetFilter(NewFilter(cfg.Filter))
	}
	return s
}

// Offset returns the last measured offset from master
func (s *ClockServo) Offset() time.Duration {
	return s.lastOffset
}

// PathDelay returns the mean path delay used for offset calculation
func (s *ClockServo) PathDelay() time.Duration {
	return s.pathDelay
}

// Freq returns the last frequency adjustment in ppb, as applied to the clock
func (s *ClockServo) Freq() float64 {
	return -s.lastFreq
}

// PiState returns the state of the last PI calculation
func (s *ClockServo) PiState() State {
	return s.lastState
}

// OffsetCalc computes offset from master and steers the clock.
// It asks to skip the next Delay_Req after a step, as timestamps taken across a step are meaningless.
func (s *ClockServo) OffsetCalc(sample slave.Sample) bool {
	if d := sample.LogInterval.Duration(); d > 0 && d <= maxInterval && d != s.interval {
		s.interval = d
		s.pi.SyncInterval(d.Seconds())
	} else if s.interval == 0 {
		s.interval = time.Second
		s.pi.SyncInterval(1)
	}
	s.masterToSlave = sample.T2.Sub(sample.T1) - sample.Correction
	s.haveSync = true
	offset := s.masterToSlave
	if s.haveDelay {
		offset -= s.pathDelay
	}
	s.lastOffset = offset
	localTs := uint64(sample.T2.UnixNano())

	var state State
	var freq float64
	if s.pi.IsSpike(int64(offset), localTs) {
		s.Filtered++
		freq = s.pi.MeanFreq()
		state = StateFilter
	} else {
		freq, state = s.pi.Sample(int64(offset), localTs)
	}
	s.lastState = state
	log.Debugf("offset %10d servo %s freq %+7.0f path delay %10d", offset.Nanoseconds(), state, -freq, s.pathDelay.Nanoseconds())

	s.stepped = false
	switch state {
	case StateJump:
		log.Infof("stepping clock by %v", -offset)
		if err := s.clock.Step(-offset); err != nil {
			log.Errorf("failed to step clock by %v: %v", -offset, err)
		}
		s.Steps++
		s.stepped = true
		s.lockedCount = 0
		// the delay estimate was taken on the other side of the step
		s.haveDelay = false
		s.adjFreq(freq)
	case StateLocked:
		s.adjFreq(freq)
		s.pi.UnsetFirstUpdate()
		s.lockedCount++
		if sync, ok := s.clock.(Synchronizer); ok && s.lockedCount == s.cfg.LockSamples {
			if err := sync.SetSync(); err != nil {
				log.Errorf("failed to set clock sync state: %v", err)
			}
		}
	case StateFilter:
		s.adjFreq(freq)
	case StateInit:
		s.lockedCount = 0
	}
	s.updateStatus()
	return s.stepped
}

func (s *ClockServo) adjFreq(freq float64) {
	s.lastFreq = freq
	if err := s.clock.AdjFreqPPB(-freq); err != nil {
		log.Errorf("failed to adjust freq to %v: %v", -freq, err)
	}
}

func (s *ClockServo) updateStatus() {
	offset := s.lastOffset
	if offset < 0 {
		offset = -offset
	}
	freqLocked := s.lockedCount >= s.cfg.LockSamples && offset <= s.cfg.FreqLockThreshold
	// a filtered sample keeps the lock it had
	if s.lastState == StateFilter {
		freqLocked = s.status.FreqLocked
	}
	s.status = slave.ServoStatus{
		FreqLocked:  freqLocked,
		PhaseLocked: freqLocked && s.haveDelay && offset <= s.cfg.PhaseLockThreshold,
		HoldoverOK:  s.lockedCount >= s.cfg.HoldoverSamples,
	}
}

// DelayCalc folds a completed Delay_Req exchange into the mean path delay.
// mean path delay = ((t2 - t1 - c1) + (t4 - t3 - c2)) / 2
func (s *ClockServo) DelayCalc(d slave.DelaySample) {
	if !s.haveSync || s.stepped {
		return
	}
	slaveToMaster := d.T4.Sub(d.T3) - d.Correction
	delay := (s.masterToSlave + slaveToMaster) / 2
	if delay < 0 {
		log.Debugf("ignoring negative path delay %v", delay)
		return
	}
	if !s.haveDelay {
		s.pathDelay = delay
		s.haveDelay = true
		return
	}
	s.pathDelay += time.Duration(float64(delay-s.pathDelay) * delayWeight)
}

// SeedFreqSet applies the frequency estimated while settling
func (s *ClockServo) SeedFreqSet() {
	freq := s.pi.MeanFreq()
	log.Infof("seeding clock frequency %+.3f ppb", -freq)
	s.pi.SetLastFreq(freq)
	s.adjFreq(freq)
}

// Reset forgets all measurements, keeping the current frequency
func (s *ClockServo) Reset() {
	s.pi.Reset()
	s.haveSync = false
	s.haveDelay = false
	s.pathDelay = 0
	s.lockedCount = 0
	s.lastState = StateInit
	s.status = slave.ServoStatus{}
}

// Status reports lock status derived from recent samples
func (s *ClockServo) Status() slave.ServoStatus {
	return s.status
}

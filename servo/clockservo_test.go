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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ptp "github.com/l2switch/ptpd/ptp/protocol"
	"github.com/l2switch/ptpd/ptp/slave"
)

type recordingClock struct {
	freqs []float64
	steps []time.Duration
	syncs int
}

func (c *recordingClock) AdjFreqPPB(freq float64) error {
	c.freqs = append(c.freqs, freq)
	return nil
}

func (c *recordingClock) Step(step time.Duration) error {
	c.steps = append(c.steps, step)
	return nil
}

func (c *recordingClock) SetSync() error {
	c.syncs++
	return nil
}

func testClockServoConfig() ClockServoConfig {
	return ClockServoConfig{
		Servo:              DefaultConfig(),
		Pi:                 DefaultPiConfig(),
		FreqLockThreshold:  100 * time.Microsecond,
		PhaseLockThreshold: 10 * time.Microsecond,
		LockSamples:        2,
		HoldoverSamples:    3,
	}
}

// sample builds a Sync measured at local time ts with t2 - t1 - correction = ms
func sample(ts int64, ms time.Duration) slave.Sample {
	t2 := time.Unix(0, ts)
	return slave.Sample{
		T1:          t2.Add(-ms - time.Microsecond),
		T2:          t2,
		Correction:  time.Microsecond,
		LogInterval: ptp.LogInterval(0),
	}
}

func TestClockServoLocking(t *testing.T) {
	c := &recordingClock{}
	s := NewClockServo(testClockServoConfig(), c, -111288.406372)

	require.False(t, s.OffsetCalc(sample(1674148530671467104, 1191)))
	require.Equal(t, StateInit, s.PiState())
	require.Equal(t, slave.ServoStatus{}, s.Status())
	require.Empty(t, c.freqs)

	require.False(t, s.OffsetCalc(sample(1674148531671518924, 225)))
	require.Equal(t, StateLocked, s.PiState())
	require.False(t, s.Status().FreqLocked)
	require.Len(t, c.freqs, 1)
	require.InEpsilon(t, 112254.463816, c.freqs[0], 0.00001)

	s.OffsetCalc(sample(1674148532671555647, 1170))
	require.Equal(t, slave.ServoStatus{FreqLocked: true}, s.Status())
	require.Equal(t, 1, c.syncs)

	// path delay of 2085ns
	s.DelayCalc(slave.DelaySample{
		T3: time.Unix(0, 1674148533000000000),
		T4: time.Unix(0, 1674148533000003000),
	})
	require.Equal(t, 2085*time.Nanosecond, s.PathDelay())

	s.OffsetCalc(sample(1674148533671484215, 919+2085))
	require.Equal(t, 919*time.Nanosecond, s.Offset())
	require.Equal(t, slave.ServoStatus{FreqLocked: true, PhaseLocked: true, HoldoverOK: true}, s.Status())
	require.InEpsilon(t, 110984.463816, s.Freq(), 0.00001)
	require.InEpsilon(t, 110984.463816, c.freqs[len(c.freqs)-1], 0.00001)

	// the running average moves an eighth of the way
	s.DelayCalc(slave.DelaySample{
		T3: time.Unix(0, 1674148534000000000),
		T4: time.Unix(0, 1674148534000003000),
	})
	require.Equal(t, 2085*time.Nanosecond+(919+2085+3000-2*2085)/2/8, s.PathDelay())

	s.Reset()
	require.Equal(t, slave.ServoStatus{}, s.Status())
	require.Equal(t, time.Duration(0), s.PathDelay())
	require.Empty(t, c.steps)
}

func TestClockServoStep(t *testing.T) {
	c := &recordingClock{}
	cfg := testClockServoConfig()
	cfg.Servo.FirstStepThreshold = 200000
	s := NewClockServo(cfg, c, -111288.406372)

	require.False(t, s.OffsetCalc(sample(1674148528671467104, 235000)))
	require.True(t, s.OffsetCalc(sample(1674148529671518924, 225000)), "delay request after a step is deferred")
	require.Equal(t, []time.Duration{-225000}, c.steps)
	require.Equal(t, uint64(1), s.Steps)
	require.InEpsilon(t, 121289.001025, c.freqs[0], 0.00001)

	// exchange straddling the step is dropped
	s.DelayCalc(slave.DelaySample{T3: time.Unix(0, 0), T4: time.Unix(0, 1000)})
	require.Equal(t, time.Duration(0), s.PathDelay())

	require.False(t, s.OffsetCalc(sample(1674148530671467104, 1191)))
	require.False(t, s.Status().FreqLocked)
}

func TestClockServoSeedAndFilter(t *testing.T) {
	c := &recordingClock{}
	cfg := testClockServoConfig()
	cfg.Filter = DefaultFilterConfig()
	s := NewClockServo(cfg, c, -111288.406372)

	s.OffsetCalc(sample(1674148530671467104, 1191))
	s.OffsetCalc(sample(1674148531671518924, 225))
	s.SeedFreqSet()
	require.InEpsilon(t, 112254.463816, c.freqs[len(c.freqs)-1], 0.00001)

	s.OffsetCalc(sample(1674148532671555647, 1170))
	require.True(t, s.Status().FreqLocked)
	n := len(c.freqs)

	s.OffsetCalc(sample(1674148533671484215, 900000))
	require.Equal(t, StateFilter, s.PiState())
	require.Equal(t, uint64(1), s.Filtered)
	require.True(t, s.Status().FreqLocked, "filtered sample keeps the lock")
	require.Len(t, c.freqs, n+1)
	require.Empty(t, c.steps)
}

func TestClockServoNegativeDelay(t *testing.T) {
	s := NewClockServo(testClockServoConfig(), &recordingClock{}, 0)
	s.DelayCalc(slave.DelaySample{T3: time.Unix(0, 0), T4: time.Unix(0, 1000)})
	require.Equal(t, time.Duration(0), s.PathDelay(), "no sync yet")

	s.OffsetCalc(sample(1000000000, 100))
	s.DelayCalc(slave.DelaySample{T3: time.Unix(0, 1000), T4: time.Unix(0, 0)})
	require.Equal(t, time.Duration(0), s.PathDelay())
}

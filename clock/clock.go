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

package clock

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PPBToTimexPPM converts PPB to the timex frequency unit.
// man clock_adjtime(2): freq is ppm with a 16-bit fractional part, so 2^16=65536 is 1 ppm.
const PPBToTimexPPM = 65.536

// clock_adjtime modes from usr/include/linux/timex.h
const (
	AdjOffset    uint32 = 0x0001
	AdjFrequency uint32 = 0x0002
	AdjMaxError  uint32 = 0x0004
	AdjEstError  uint32 = 0x0008
	AdjStatus    uint32 = 0x0010
	AdjTimeConst uint32 = 0x0020
	AdjTAI       uint32 = 0x0080
	AdjSetOffset uint32 = 0x0100
	AdjMicro     uint32 = 0x1000
	AdjNano      uint32 = 0x2000
	AdjTick      uint32 = 0x4000
)

// defaultMaxFreq is used when the kernel reports no tolerance
const defaultMaxFreq = 500000.0

// SysClock is a kernel clock adjusted with clock_adjtime
type SysClock struct {
	id int32
}

// NewSysClock returns a clock driving CLOCK_REALTIME
func NewSysClock() *SysClock {
	return &SysClock{id: unix.CLOCK_REALTIME}
}

// Now returns current time of the clock
func (c *SysClock) Now() time.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(c.id, &ts); err != nil {
		return time.Now()
	}
	return time.Unix(ts.Unix())
}

// FrequencyPPB reads current frequency adjustment
func (c *SysClock) FrequencyPPB() (float64, error) {
	tx := &unix.Timex{}
	if _, err := unix.ClockAdjtime(c.id, tx); err != nil {
		return 0, fmt.Errorf("reading frequency: %w", err)
	}
	return float64(tx.Freq) / PPBToTimexPPM, nil
}

// AdjFreqPPB sets frequency adjustment
func (c *SysClock) AdjFreqPPB(freqPPB float64) error {
	if _, err := unix.ClockAdjtime(c.id, freqTimex(freqPPB)); err != nil {
		return fmt.Errorf("adjusting frequency to %.3f ppb: %w", freqPPB, err)
	}
	return nil
}

// Step moves the clock by step
func (c *SysClock) Step(step time.Duration) error {
	if _, err := unix.ClockAdjtime(c.id, stepTimex(step)); err != nil {
		return fmt.Errorf("stepping by %v: %w", step, err)
	}
	return nil
}

// MaxFreqPPB returns maximum frequency adjustment supported by the clock
func (c *SysClock) MaxFreqPPB() (float64, error) {
	tx := &unix.Timex{}
	if _, err := unix.ClockAdjtime(c.id, tx); err != nil {
		return 0, err
	}
	freqPPB := float64(tx.Tolerance) / PPBToTimexPPM
	if freqPPB == 0 {
		freqPPB = defaultMaxFreq
	}
	return freqPPB, nil
}

// SetSync sets clock status to TIME_OK
func (c *SysClock) SetSync() error {
	tx := &unix.Timex{Modes: AdjStatus | AdjMaxError}
	state, err := unix.ClockAdjtime(c.id, tx)
	if err == nil && state != unix.TIME_OK {
		return fmt.Errorf("clock state %d is not TIME_OK after setting sync state", state)
	}
	return err
}

// FreeRunning is a clock that only pretends to be adjusted
type FreeRunning struct {
	mu    sync.Mutex
	freq  float64
	steps time.Duration
}

// Now returns system time
func (c *FreeRunning) Now() time.Time {
	return time.Now()
}

// FrequencyPPB returns last requested frequency
func (c *FreeRunning) FrequencyPPB() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freq, nil
}

// AdjFreqPPB records requested frequency
func (c *FreeRunning) AdjFreqPPB(freqPPB float64) error {
	c.mu.Lock()
	c.freq = freqPPB
	c.mu.Unlock()
	log.Debugf("free running clock: frequency %.3f ppb not applied", freqPPB)
	return nil
}

// Step records the requested step
func (c *FreeRunning) Step(step time.Duration) error {
	c.mu.Lock()
	c.steps += step
	c.mu.Unlock()
	log.Infof("free running clock: step of %v not applied", step)
	return nil
}

// Stepped returns the sum of all requested steps
func (c *FreeRunning) Stepped() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.steps
}

// MaxFreqPPB returns the default frequency range
func (c *FreeRunning) MaxFreqPPB() (float64, error) {
	return defaultMaxFreq, nil
}

// SetSync does nothing
func (c *FreeRunning) SetSync() error {
	return nil
}

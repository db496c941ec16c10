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

package slave

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	ptp "github.com/l2switch/ptpd/ptp/protocol"
	"github.com/l2switch/ptpd/ptp/tick"
)

// ClockState is the lock state of the local clock
type ClockState uint8

// Clock states, in the order a clock normally goes through them
const (
	FreeRun ClockState = iota
	FSettling
	FreqLockInit
	FreqLocking
	FreqLocked
	PhaseLocking
	PSettling
	PhaseLocked
	Holdover
	Recovering
)

var clockStateToString = map[ClockState]string{
	FreeRun:      "FREERUN",
	FSettling:    "F_SETTLING",
	FreqLockInit: "FREQ_LOCK_INIT",
	FreqLocking:  "FREQ_LOCKING",
	FreqLocked:   "FREQ_LOCKED",
	PhaseLocking: "PHASE_LOCKING",
	PSettling:    "P_SETTLING",
	PhaseLocked:  "PHASE_LOCKED",
	Holdover:     "HOLDOVER",
	Recovering:   "RECOVERING",
}

func (s ClockState) String() string {
	if str, ok := clockStateToString[s]; ok {
		return str
	}
	return fmt.Sprintf("CLOCK_STATE(%d)", uint8(s))
}

// Locked reports whether the clock is at least frequency locked
func (s ClockState) Locked() bool {
	switch s {
	case FreqLocked, PhaseLocking, PSettling, PhaseLocked:
		return true
	case FreeRun, FSettling, FreqLockInit, FreqLocking, Holdover, Recovering:
		return false
	}
	return false
}

// Sample is the input to offset calculation
type Sample struct {
	// T1 is the origin timestamp, T2 the local receive timestamp
	T1, T2      time.Time
	Correction  time.Duration
	LogInterval ptp.LogInterval
	SequenceID  uint16
}

// DelaySample is the input to delay calculation
type DelaySample struct {
	// T3 is the Delay_Req transmit timestamp, T4 the master receive timestamp
	T3, T4     time.Time
	Correction time.Duration
	SequenceID uint16
}

// ServoStatus is what the servo reports about the local clock
type ServoStatus struct {
	FreqLocked  bool
	PhaseLocked bool
	// HoldoverOK means the clock is stable enough to free run on its last frequency
	HoldoverOK bool
}

// Servo turns samples into adjustments of the local clock
type Servo interface {
	// OffsetCalc consumes a Sync sample. deferTx asks to skip this cycle's Delay_Req.
	OffsetCalc(s Sample) (deferTx bool)
	DelayCalc(d DelaySample)
	// SeedFreqSet applies the frequency estimated while settling
	SeedFreqSet()
	Reset()
	Status() ServoStatus
}

// StateObserver is notified after the clock state changed
type StateObserver interface {
	ClockStateChanged(from, to ClockState)
}

// setState switches state before any observer learns about it
func (s *Slave) setState(to ClockState) {
	if to == s.state {
		return
	}
	from := s.state
	s.prevState = from
	s.state = to
	s.Stats.StateChanges++
	log.Infof("slave %d: clock state %s -> %s", s.cfg.Instance, from, to)
	if s.obs != nil {
		s.obs.ClockStateChanged(from, to)
	}
}

// offsetComputed advances the lock ladder after a successful offset calculation
func (s *Slave) offsetComputed() {
	st := s.servo.Status()
	switch s.state {
	case FreeRun:
		s.setState(FSettling)
		s.list.Start(&s.settleTimer, s.cfg.SettleTime, false)
	case FSettling:
		// settle timer moves us on
	case FreqLockInit:
		s.setState(FreqLocking)
	case FreqLocking:
		if st.FreqLocked {
			s.setState(FreqLocked)
		}
	case FreqLocked:
		if !st.FreqLocked {
			s.setState(FreqLocking)
		} else if s.cfg.TwoWay() {
			s.setState(PhaseLocking)
		}
	case PhaseLocking:
		if !st.FreqLocked {
			s.setState(FreqLocking)
		} else if st.PhaseLocked {
			s.setState(PSettling)
			s.list.Start(&s.settleTimer, s.cfg.SettleTime, false)
		}
	case PSettling:
		if !st.FreqLocked {
			s.list.Stop(&s.settleTimer)
			s.setState(FreqLocking)
		}
	case PhaseLocked:
		if !st.FreqLocked {
			s.setState(FreqLocking)
		} else if !st.PhaseLocked {
			s.setState(PhaseLocking)
		}
	case Holdover, Recovering:
		s.list.Stop(&s.holdoverTimer)
		if st.FreqLocked {
			s.setState(FreqLocked)
		} else {
			s.setState(FreqLocking)
		}
	}
}

func (s *Slave) settleExpired(_ *tick.Timer, _ any) {
	switch s.state {
	case FSettling:
		s.servo.SeedFreqSet()
		s.setState(FreqLockInit)
	case PSettling:
		if s.servo.Status().PhaseLocked {
			s.setState(PhaseLocked)
		} else {
			s.setState(PhaseLocking)
		}
	case FreeRun, FreqLockInit, FreqLocking, FreqLocked, PhaseLocking, PhaseLocked, Holdover, Recovering:
	}
}

// syncTimeout fires when no Sync arrived within the timeout
func (s *Slave) syncTimeout(_ *tick.Timer, _ any) {
	s.Stats.SyncPackTimeout++
	st := s.servo.Status()
	wasLocked := s.state.Locked()
	log.Warningf("slave %d: sync timeout in state %s", s.cfg.Instance, s.state)

	s.servo.Reset()
	s.waitFollowUp = false
	s.seqValid = false
	s.list.Stop(&s.settleTimer)
	s.list.Stop(&s.delayReqTimer)

	if wasLocked && st.HoldoverOK {
		s.setState(Recovering)
		s.list.Start(&s.holdoverTimer, s.cfg.RecoveryTime, false)
		return
	}
	s.list.Stop(&s.holdoverTimer)
	s.setState(FreeRun)
}

// holdoverExpired moves RECOVERING to HOLDOVER and HOLDOVER to FREERUN
func (s *Slave) holdoverExpired(_ *tick.Timer, _ any) {
	switch s.state {
	case Recovering:
		s.setState(Holdover)
		s.list.Start(&s.holdoverTimer, s.cfg.HoldoverTime, false)
	case Holdover:
		s.setState(FreeRun)
	case FreeRun, FSettling, FreqLockInit, FreqLocking, FreqLocked, PhaseLocking, PSettling, PhaseLocked:
	}
}

// MasterLost is called when the parent is gone for good.
// A clock already recovering from a sync timeout was locked with holdover OK when it timed out.
func (s *Slave) MasterLost() {
	st := s.servo.Status()
	canHold := s.state.Locked() && st.HoldoverOK || s.state == Recovering
	s.stopReception()
	if s.state == Holdover {
		return
	}
	if canHold {
		s.setState(Holdover)
		s.list.Start(&s.holdoverTimer, s.cfg.HoldoverTime, false)
		return
	}
	s.servo.Reset()
	s.list.Stop(&s.holdoverTimer)
	s.setState(FreeRun)
}

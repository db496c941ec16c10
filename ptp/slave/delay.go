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
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/l2switch/ptpd/ptp/delayq"
	"github.com/l2switch/ptpd/ptp/packet"
	ptp "github.com/l2switch/ptpd/ptp/protocol"
	"github.com/l2switch/ptpd/ptp/tick"
)

// scheduleDelayReq runs after every Sync processed by the servo.
// Unicast sends right away at most once per interval, multicast waits a random time.
func (s *Slave) scheduleDelayReq() {
	if !s.cfg.TwoWay() || s.delayReqInterval == ptp.LogIntervalNever {
		return
	}
	interval := s.delayReqInterval.Duration()
	if s.cfg.Unicast {
		if s.delayReqSent && s.list.Now()-s.lastDelayReq < interval {
			return
		}
		s.sendDelayReq()
		return
	}
	if s.delayReqTimer.Active() {
		return
	}
	s.list.Start(&s.delayReqTimer, s.cfg.profile().DelayReqWait(interval, s.rnd), false)
}

func (s *Slave) delayReqFire(_ *tick.Timer, _ any) {
	if !s.parentValid {
		return
	}
	s.sendDelayReq()
}

// sendDelayReq transmits a Delay_Req and tracks it in the correlation queue.
// The entry is pushed once Send returns the transmit slot. Transmit timestamps
// are delivered through the loop so they can never overtake the push.
func (s *Slave) sendDelayReq() {
	if s.closed {
		return
	}
	if !s.tr.LinkUp(s.cfg.Port) {
		s.Stats.LinkDownSkips++
		return
	}
	p := s.buf.Packet.(*ptp.SyncDelayReq)
	seq := s.delaySeq
	s.delaySeq++
	p.SequenceID = seq

	var tx time.Time
	var txDone packet.TxTimestampFunc
	if s.cfg.TwoStep {
		p.OriginTimestamp = ptp.Timestamp{}
		txDone = packet.OnLoop(s.loop, s.TxTimestamp)
	} else {
		tx = s.clock.Now()
		p.OriginTimestamp = ptp.NewTimestamp(tx)
	}
	to := s.peer
	if !s.cfg.Unicast {
		to = netip.Addr{}
	}
	slot, err := s.tr.Send(s.buf, s.cfg.Port, to, txDone)
	if err != nil {
		s.Stats.TxErrors++
		log.Errorf("slave %s: failed to send delay request: %v", &s.cfg, err)
		return
	}
	s.queue.Push(seq, slot, tx)
	s.Stats.DelayReqLost = s.queue.Lost
	s.Stats.DelayReqTx++
	s.delayReqSent = true
	s.lastDelayReq = s.list.Now()
}

// TxTimestamp delivers the hardware transmit timestamp of a Delay_Req sent in slot
func (s *Slave) TxTimestamp(slot uint32, ts time.Time) {
	if s.closed {
		return
	}
	e, done := s.queue.TxTimestamp(slot, ts)
	s.Stats.DelayReqLost = s.queue.Lost
	if done {
		s.delayCalc(e)
	}
}

// HandleDelayResp matches a Delay_Resp against in-flight requests
func (s *Slave) HandleDelayResp(p *ptp.DelayResp) {
	if !s.accept(&p.Header) {
		return
	}
	if p.RequestingPortIdentity != s.cfg.portIdentity() {
		s.Stats.Ignored++
		return
	}
	e, done, matched := s.queue.DelayResp(p.SequenceID, p.ReceiveTimestamp.Time(), p.CorrectionField)
	if !matched {
		s.Stats.DelayRespUnmatched++
		log.Debugf("slave %s: delay response %d matches no request", &s.cfg, p.SequenceID)
		return
	}
	s.Stats.DelayRespRx++
	if !s.cfg.Unicast && p.LogMessageInterval != 0x7f && p.LogMessageInterval != s.delayReqInterval {
		log.Debugf("slave %s: delay request interval %s -> %s", &s.cfg, s.delayReqInterval, p.LogMessageInterval)
		s.delayReqInterval = p.LogMessageInterval
	}
	s.Stats.DelayReqLost = s.queue.Lost
	if done {
		s.delayCalc(e)
	}
}

// delayCalc feeds a completed request to the servo and updates path delay statistics.
// mean path delay = ((t2 - t1 - c1) + (t4 - t3 - c2)) / 2
func (s *Slave) delayCalc(e delayq.Entry) {
	s.Stats.DelayCalc++
	d := DelaySample{
		T3:         e.TxTime,
		T4:         e.RxTime,
		Correction: e.Correction.Duration(),
		SequenceID: e.SequenceID,
	}
	s.servo.DelayCalc(d)
	if !s.sampleValid {
		return
	}
	ms := s.lastSample.T2.Sub(s.lastSample.T1) - s.lastSample.Correction
	sm := d.T4.Sub(d.T3) - d.Correction
	s.delays.add((ms + sm) / 2)
	s.delays.update(&s.Stats)
}

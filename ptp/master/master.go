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

package master

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/l2switch/ptpd/ptp/packet"
	ptp "github.com/l2switch/ptpd/ptp/protocol"
	"github.com/l2switch/ptpd/ptp/tick"
)

// SyncStats are counters of a Sync transmitter
type SyncStats struct {
	SyncTx        uint64 `json:"sync_tx_cnt"`
	FollowUpTx    uint64 `json:"follow_up_tx_cnt"`
	TxErrors      uint64 `json:"tx_err_cnt"`
	LinkDownSkips uint64 `json:"link_down_skip_cnt"`
	TxTimeouts    uint64 `json:"sync_tx_timeout_cnt"`
	Slowdowns     uint64 `json:"slowdown_cnt"`
}

// Master periodically sends Sync, and Follow_Up for two-step clocks
type Master struct {
	cfg   Config
	list  *tick.List
	tr    packet.Transport
	loop  packet.Loop
	clock Clock

	state    State
	seq      uint16
	interval ptp.LogInterval
	timer    tick.Timer
	backoff  backoff

	sync     *packet.Buffer
	followUp *packet.Buffer

	injecting      bool
	injectedPeriod time.Duration
	injectedSeen   uint64

	Stats SyncStats
}

// NewMaster allocates the Sync transmitter and activates it
func NewMaster(cfg Config, list *tick.List, tr packet.Transport, loop packet.Loop, clock Clock) *Master {
	m := &Master{
		cfg:      cfg,
		list:     list,
		tr:       tr,
		loop:     loop,
		clock:    clock,
		interval: cfg.LogInterval,
	}
	syncP := &ptp.SyncDelayReq{Header: cfg.header(ptp.MessageSync, 0)}
	if cfg.TwoStep {
		syncP.FlagField |= ptp.FlagTwoStep
	}
	m.sync = packet.NewBuffer(syncP, cfg.Encap)
	if cfg.TwoStep {
		f := &ptp.FollowUp{Header: cfg.header(ptp.MessageFollowUp, 2)}
		if cfg.profile().FollowUpTLV {
			f.Information = ptp.NewFollowUpInformationTLV()
		}
		m.followUp = packet.NewBuffer(f, cfg.Encap)
	}
	list.Init(&m.timer, "sync", cfg.Instance, m.fire, nil)
	m.state = StateActive
	m.arm()
	log.Infof("sync transmitter %s active, interval %s, two-step %v", &m.cfg, m.interval, cfg.TwoStep)
	return m
}

// State returns current transmitter state
func (m *Master) State() State {
	return m.state
}

// LogInterval returns the current Sync interval, including slowdown
func (m *Master) LogInterval() ptp.LogInterval {
	return m.interval
}

// Sequence returns the sequence id the next Sync is sent with
func (m *Master) Sequence() uint16 {
	return m.seq
}

// Injecting reports whether Sync transmission is delegated to the transport
func (m *Master) Injecting() bool {
	return m.injecting
}

// SetLogInterval changes the Sync interval, as done by unicast negotiation
func (m *Master) SetLogInterval(li ptp.LogInterval) {
	if m.state == StateInactive {
		return
	}
	m.cfg.LogInterval = li
	m.interval = li
	m.backoff = backoff{slowdowns: m.backoff.slowdowns}
	m.arm()
}

func (m *Master) injectionWanted() bool {
	return m.cfg.AutoInject && m.tr.InjectionSupported(m.cfg.Port)
}

// arm (re)starts the timer for current mode and interval
func (m *Master) arm() {
	if m.injectionWanted() {
		m.list.Start(&m.timer, injectionPoll, true)
		m.pollInjection()
		return
	}
	if m.injecting {
		m.stopInjection()
	}
	if m.interval == ptp.LogIntervalNever {
		m.list.Stop(&m.timer)
		return
	}
	m.list.Start(&m.timer, m.interval.Duration(), true)
}

func (m *Master) fire(_ *tick.Timer, _ any) {
	switch m.state {
	case StateInactive:
		return
	case StateWaitTxDone:
		// previous Follow_Up never went out
		m.Stats.TxTimeouts++
		log.Warningf("sync transmitter %s: no tx timestamp for sequence %d", &m.cfg, m.seq-1)
		m.state = StateActive
	case StateActive:
	}

	if m.injectionWanted() != m.injecting {
		m.arm()
		return
	}
	if m.injecting {
		m.pollInjection()
		return
	}
	if !m.tr.LinkUp(m.cfg.Port) {
		m.Stats.LinkDownSkips++
		return
	}
	m.sendSync()
}

func (m *Master) sendSync() {
	s := m.sync.Packet.(*ptp.SyncDelayReq)
	seq := m.seq
	m.seq++
	s.SequenceID = seq
	s.LogMessageInterval = m.cfg.messageInterval(m.interval)
	s.CorrectionField = 0

	var txDone packet.TxTimestampFunc
	switch {
	case m.cfg.TwoStep:
		s.OriginTimestamp = ptp.Timestamp{}
		txDone = packet.OnLoop(m.loop, func(_ uint32, ts time.Time) { m.TxDone(seq, ts) })
	case m.cfg.OneStepHW:
		// hardware updates the correction field on egress
		s.OriginTimestamp = ptp.Timestamp{}
	default:
		s.OriginTimestamp = ptp.NewTimestamp(m.clock.Now())
	}

	if _, err := m.tr.Send(m.sync, m.cfg.Port, m.cfg.Peer, txDone); err != nil {
		m.sendFailed("sync", err)
		return
	}
	m.Stats.SyncTx++
	if m.cfg.TwoStep {
		m.state = StateWaitTxDone
	}
}

// TxDone completes a two-step Sync with its transmit timestamp by sending the Follow_Up
func (m *Master) TxDone(seq uint16, ts time.Time) {
	if m.state != StateWaitTxDone || seq != m.seq-1 {
		log.Debugf("sync transmitter %s: ignoring tx timestamp for sequence %d in state %s", &m.cfg, seq, m.state)
		return
	}
	m.state = StateActive
	f := m.followUp.Packet.(*ptp.FollowUp)
	f.SequenceID = seq
	f.LogMessageInterval = m.cfg.messageInterval(m.interval)
	f.PreciseOriginTimestamp = ptp.NewTimestamp(ts)
	if _, err := m.tr.Send(m.followUp, m.cfg.Port, m.cfg.Peer, nil); err != nil {
		m.sendFailed("follow up", err)
		return
	}
	m.Stats.FollowUpTx++
}

func (m *Master) sendFailed(what string, err error) {
	m.Stats.TxErrors++
	log.Errorf("sync transmitter %s: failed to send %s: %v", &m.cfg, what, err)
}

// PeerReceiptTimeout slows Sync down by one step when the peer reports it timed out waiting for it
func (m *Master) PeerReceiptTimeout() {
	if m.state == StateInactive || !m.backoff.bump(m.cfg.profile()) {
		return
	}
	m.Stats.Slowdowns = m.backoff.slowdowns
	m.interval = m.cfg.profile().SlowdownInterval(m.cfg.LogInterval, m.backoff.steps)
	log.Warningf("sync transmitter %s: peer receipt timeout, slowing down to %s", &m.cfg, m.interval)
	m.arm()
}

// PeerRecovered restores the configured Sync interval after a slowdown
func (m *Master) PeerRecovered() {
	if m.state == StateInactive || !m.backoff.reset() {
		return
	}
	m.interval = m.cfg.LogInterval
	log.Infof("sync transmitter %s: peer recovered, interval %s", &m.cfg, m.interval)
	m.arm()
}

func (m *Master) pollInjection() {
	period := m.interval.Duration()
	if !m.injecting || m.injectedPeriod != period {
		s := m.sync.Packet.(*ptp.SyncDelayReq)
		s.LogMessageInterval = m.cfg.messageInterval(m.interval)
		s.FlagField &^= ptp.FlagTwoStep
		if err := m.tr.SetInjection(m.sync, m.cfg.Port, m.cfg.Peer, period); err != nil {
			m.Stats.TxErrors++
			log.Errorf("sync transmitter %s: failed to set up injection: %v", &m.cfg, err)
			return
		}
		if !m.injecting {
			m.injectedSeen = 0
		}
		m.injecting = true
		m.injectedPeriod = period
	}
	n := m.tr.InjectedFrames(m.sync)
	if n >= m.injectedSeen {
		m.Stats.SyncTx += n - m.injectedSeen
	}
	m.injectedSeen = n
}

func (m *Master) stopInjection() {
	if err := m.tr.SetInjection(m.sync, m.cfg.Port, m.cfg.Peer, 0); err != nil {
		log.Errorf("sync transmitter %s: failed to stop injection: %v", &m.cfg, err)
	}
	if m.cfg.TwoStep {
		m.sync.Packet.(*ptp.SyncDelayReq).FlagField |= ptp.FlagTwoStep
	}
	m.injecting = false
	m.injectedPeriod = 0
}

// Close stops the transmitter and releases its buffers
func (m *Master) Close() {
	if m.state == StateInactive {
		return
	}
	m.list.Stop(&m.timer)
	if m.injecting {
		m.stopInjection()
	}
	m.state = StateInactive
	m.sync.Release()
	if m.followUp != nil {
		m.followUp.Release()
	}
	log.Infof("sync transmitter %s inactive", &m.cfg)
}

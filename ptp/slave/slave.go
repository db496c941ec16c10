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

/*
Package slave implements the receiving side of a PTP port: Sync and
Follow_Up reception, Delay_Req scheduling and Delay_Resp correlation, and the
clock state machine driven by servo feedback.

A Slave is driven by timers on a tick.List and by the engine's inbound packet
dispatch. It must only be used from the goroutine that owns the list.
*/
package slave

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"github.com/cespare/xxhash"
	log "github.com/sirupsen/logrus"

	"github.com/l2switch/ptpd/ptp/delayq"
	"github.com/l2switch/ptpd/ptp/packet"
	"github.com/l2switch/ptpd/ptp/profile"
	ptp "github.com/l2switch/ptpd/ptp/protocol"
	"github.com/l2switch/ptpd/ptp/tick"
)

// DelayMechanism selects how path delay is measured
type DelayMechanism uint8

// Delay mechanisms
const (
	// DelayE2E uses Delay_Req/Delay_Resp, which makes the slave phase capable
	DelayE2E DelayMechanism = iota
	// DelayNone is one-way operation, frequency only
	DelayNone
)

func (d DelayMechanism) String() string {
	switch d {
	case DelayE2E:
		return "E2E"
	case DelayNone:
		return "NONE"
	}
	return fmt.Sprintf("DELAY_MECHANISM(%d)", uint8(d))
}

// Default durations of the clock state machine
const (
	DefaultSettleTime   = 2 * time.Second
	DefaultRecoveryTime = 10 * time.Second
	DefaultHoldoverTime = 5 * time.Minute

	minSyncTimeout = time.Second
	syncTimeoutMul = 3
)

// Clock gives the current local time for software timestamping
type Clock interface {
	Now() time.Time
}

// Config of a slave port
type Config struct {
	Instance      int
	Port          int
	PortNumber    uint16
	ClockIdentity ptp.ClockIdentity
	Domain        uint8
	// TwoStep means Delay_Req transmit timestamps arrive asynchronously from the transport
	TwoStep             bool
	Unicast             bool
	DelayMechanism      DelayMechanism
	LogSyncInterval     ptp.LogInterval
	LogDelayReqInterval ptp.LogInterval
	Profile             *profile.Profile
	Encap               packet.Encapsulation
	SettleTime          time.Duration
	RecoveryTime        time.Duration
	HoldoverTime        time.Duration
	QueueSize           int
}

// TwoWay reports whether Delay_Req/Delay_Resp exchange is configured
func (c *Config) TwoWay() bool {
	return c.DelayMechanism == DelayE2E
}

func (c *Config) profile() *profile.Profile {
	if c.Profile == nil {
		return &profile.Default
	}
	return c.Profile
}

func (c *Config) String() string {
	return fmt.Sprintf("%d/%d", c.Instance, c.Port)
}

func (c *Config) portIdentity() ptp.PortIdentity {
	return ptp.PortIdentity{ClockIdentity: c.ClockIdentity, PortNumber: c.PortNumber}
}

// pendingSync is a two-step Sync waiting for its Follow_Up
type pendingSync struct {
	seq  uint16
	rx   time.Time
	corr time.Duration
	li   ptp.LogInterval
}

// Slave is the receiving side of a PTP port
type Slave struct {
	cfg   Config
	list  *tick.List
	tr    packet.Transport
	loop  packet.Loop
	clock Clock
	servo Servo
	obs   StateObserver

	state     ClockState
	prevState ClockState

	parent      ptp.PortIdentity
	parentValid bool
	peer        netip.Addr

	lastSeq      uint16
	seqValid     bool
	waitFollowUp bool
	pending      pendingSync
	lastSample   Sample
	sampleValid  bool

	syncInterval     ptp.LogInterval
	delayReqInterval ptp.LogInterval
	delaySeq         uint16
	lastDelayReq     time.Duration
	delayReqSent     bool

	syncTimer     tick.Timer
	settleTimer   tick.Timer
	holdoverTimer tick.Timer
	delayReqTimer tick.Timer

	queue  *delayq.Queue
	buf    *packet.Buffer
	rnd    *rand.Rand
	delays *pathDelay
	closed bool

	Stats Stats
}

// New allocates a slave in FREERUN. It receives nothing until SetParent is called.
func New(cfg Config, list *tick.List, tr packet.Transport, loop packet.Loop, clock Clock, servo Servo, obs StateObserver) *Slave {
	if cfg.SettleTime <= 0 {
		cfg.SettleTime = DefaultSettleTime
	}
	if cfg.RecoveryTime <= 0 {
		cfg.RecoveryTime = DefaultRecoveryTime
	}
	if cfg.HoldoverTime <= 0 {
		cfg.HoldoverTime = DefaultHoldoverTime
	}
	if cfg.LogSyncInterval == 0 && cfg.Profile != nil {
		cfg.LogSyncInterval = cfg.Profile.LogSyncInterval
	}
	if cfg.LogDelayReqInterval == 0 && cfg.Profile != nil {
		cfg.LogDelayReqInterval = cfg.Profile.LogMinDelayReq
	}
	s := &Slave{
		cfg:              cfg,
		list:             list,
		tr:               tr,
		loop:             loop,
		clock:            clock,
		servo:            servo,
		obs:              obs,
		state:            FreeRun,
		prevState:        FreeRun,
		syncInterval:     cfg.LogSyncInterval,
		delayReqInterval: cfg.LogDelayReqInterval,
		queue:            delayq.New(cfg.QueueSize),
		rnd:              rand.New(rand.NewSource(int64(xxhash.Sum64(binary.BigEndian.AppendUint64(nil, uint64(cfg.ClockIdentity)))))),
		delays:           newPathDelay(),
	}
	hdr := ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageDelayReq, cfg.profile().SdoID),
		Version:            ptp.Version,
		DomainNumber:       cfg.Domain,
		FlagField:          cfg.profile().Flags(),
		SourcePortIdentity: cfg.portIdentity(),
		ControlField:       1,
		LogMessageInterval: 0x7f,
	}
	if cfg.Unicast {
		hdr.FlagField |= ptp.FlagUnicast
	}
	s.buf = packet.NewBuffer(&ptp.SyncDelayReq{Header: hdr}, cfg.Encap)
	list.Init(&s.syncTimer, "sync timeout", cfg.Instance, s.syncTimeout, nil)
	list.Init(&s.settleTimer, "settle", cfg.Instance, s.settleExpired, nil)
	list.Init(&s.holdoverTimer, "holdover", cfg.Instance, s.holdoverExpired, nil)
	list.Init(&s.delayReqTimer, "delay request", cfg.Instance, s.delayReqFire, nil)
	log.Infof("slave %s created, delay mechanism %s", &s.cfg, cfg.DelayMechanism)
	return s
}

// State returns the current clock state
func (s *Slave) State() ClockState {
	return s.state
}

// PrevState returns the clock state before the last transition
func (s *Slave) PrevState() ClockState {
	return s.prevState
}

// Parent returns the port Sync is accepted from
func (s *Slave) Parent() (ptp.PortIdentity, bool) {
	return s.parent, s.parentValid
}

// SyncInterval returns the Sync interval currently expected from the parent
func (s *Slave) SyncInterval() ptp.LogInterval {
	return s.syncInterval
}

// DelayReqInterval returns the current Delay_Req interval
func (s *Slave) DelayReqInterval() ptp.LogInterval {
	return s.delayReqInterval
}

// SetSyncInterval sets the Sync interval, used when it is negotiated rather than advertised
func (s *Slave) SetSyncInterval(li ptp.LogInterval) {
	s.syncInterval = li
}

// SetDelayReqInterval sets the Delay_Req interval
func (s *Slave) SetDelayReqInterval(li ptp.LogInterval) {
	s.delayReqInterval = li
}

// SetParent selects the port Sync and Follow_Up are accepted from.
// addr is where unicast Delay_Req are sent. Switching to a different grandmaster resets the servo.
func (s *Slave) SetParent(parent ptp.PortIdentity, addr netip.Addr) {
	if s.closed {
		return
	}
	same := s.parent.ClockIdentity == parent.ClockIdentity
	if s.parentValid && s.parent == parent && s.peer == addr {
		return
	}
	log.Infof("slave %s: parent %s at %s", &s.cfg, parent, addr)
	if !same && s.state != FreeRun {
		s.stopReception()
		s.servo.Reset()
		s.list.Stop(&s.holdoverTimer)
		s.setState(FreeRun)
	}
	s.parent = parent
	s.parentValid = true
	s.peer = addr
}

// stopReception forgets everything tied to the current parent
func (s *Slave) stopReception() {
	s.parentValid = false
	s.seqValid = false
	s.waitFollowUp = false
	s.sampleValid = false
	s.list.Stop(&s.syncTimer)
	s.list.Stop(&s.settleTimer)
	s.list.Stop(&s.delayReqTimer)
	s.queue.Reset()
}

func (s *Slave) accept(h *ptp.Header) bool {
	if s.closed || !s.parentValid {
		s.Stats.Ignored++
		return false
	}
	if h.DomainNumber != s.cfg.Domain {
		s.Stats.Ignored++
		log.Debugf("slave %s: ignoring %s for domain %d", &s.cfg, h.MessageType(), h.DomainNumber)
		return false
	}
	if h.SourcePortIdentity != s.parent {
		s.Stats.Ignored++
		log.Debugf("slave %s: ignoring %s from %s", &s.cfg, h.MessageType(), h.SourcePortIdentity)
		return false
	}
	return true
}

// adoptInterval takes the Sync interval advertised by the parent
func (s *Slave) adoptInterval(h *ptp.Header) {
	if h.LogMessageInterval == 0x7f {
		return
	}
	if h.Unicast() && s.cfg.profile().ImplicitUnicastInterval {
		return
	}
	if h.LogMessageInterval != s.syncInterval {
		log.Debugf("slave %s: sync interval %s -> %s", &s.cfg, s.syncInterval, h.LogMessageInterval)
		s.syncInterval = h.LogMessageInterval
	}
}

func (s *Slave) syncTimeoutDuration() time.Duration {
	d := syncTimeoutMul * s.syncInterval.Duration()
	if d < minSyncTimeout {
		d = minSyncTimeout
	}
	if (s.state == FSettling || s.state == PSettling) && s.cfg.SettleTime > d {
		d = s.cfg.SettleTime
	}
	return d
}

func (s *Slave) armSyncTimeout() {
	s.list.Start(&s.syncTimer, s.syncTimeoutDuration(), false)
}

// HandleSync processes a Sync received at rx
func (s *Slave) HandleSync(p *ptp.SyncDelayReq, rx time.Time) {
	if !s.accept(&p.Header) {
		return
	}
	if s.seqValid {
		if p.SequenceID == s.lastSeq {
			s.Stats.DuplicateSync++
			return
		}
		if p.SequenceID != s.lastSeq+1 {
			s.Stats.SeqMismatch++
			log.Debugf("slave %s: sync sequence %d, expected %d", &s.cfg, p.SequenceID, s.lastSeq+1)
		}
	}
	s.lastSeq = p.SequenceID
	s.seqValid = true
	s.Stats.SyncRx++
	s.adoptInterval(&p.Header)

	if s.state == Holdover {
		s.setState(Recovering)
		s.list.Start(&s.holdoverTimer, s.cfg.RecoveryTime, false)
	}
	s.armSyncTimeout()

	if p.TwoStep() {
		if s.waitFollowUp {
			s.Stats.FollowUpPacketLoss++
			log.Debugf("slave %s: follow up for sync %d never arrived", &s.cfg, s.pending.seq)
		}
		s.waitFollowUp = true
		s.pending = pendingSync{
			seq:  p.SequenceID,
			rx:   rx,
			corr: p.CorrectionField.Duration(),
			li:   s.syncInterval,
		}
		return
	}
	s.offsetCalc(Sample{
		T1:          p.OriginTimestamp.Time(),
		T2:          rx,
		Correction:  p.CorrectionField.Duration(),
		LogInterval: s.syncInterval,
		SequenceID:  p.SequenceID,
	})
}

// HandleFollowUp completes the two-step Sync it belongs to
func (s *Slave) HandleFollowUp(p *ptp.FollowUp) {
	if !s.accept(&p.Header) {
		return
	}
	if !s.waitFollowUp || p.SequenceID != s.pending.seq {
		s.Stats.FollowUpIgnored++
		log.Debugf("slave %s: unexpected follow up %d", &s.cfg, p.SequenceID)
		return
	}
	s.waitFollowUp = false
	s.Stats.FollowUpRx++
	s.offsetCalc(Sample{
		T1:          p.PreciseOriginTimestamp.Time(),
		T2:          s.pending.rx,
		Correction:  s.pending.corr + p.CorrectionField.Duration(),
		LogInterval: s.pending.li,
		SequenceID:  p.SequenceID,
	})
}

func (s *Slave) offsetCalc(sample Sample) {
	s.Stats.OffsetCalc++
	s.lastSample = sample
	s.sampleValid = true
	deferTx := s.servo.OffsetCalc(sample)
	prev := s.state
	s.offsetComputed()
	if s.state != prev && (s.state == FSettling || s.state == PSettling) {
		s.armSyncTimeout()
	}
	if deferTx {
		s.Stats.DelayReqDeferred++
		return
	}
	s.scheduleDelayReq()
}

// Close stops every timer and releases the Delay_Req buffer
func (s *Slave) Close() {
	if s.closed {
		return
	}
	s.stopReception()
	s.list.Stop(&s.holdoverTimer)
	s.closed = true
	s.buf.Release()
	log.Infof("slave %s closed in state %s", &s.cfg, s.state)
}

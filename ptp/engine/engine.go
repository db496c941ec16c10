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
Package engine implements a PTP clock instance. It owns the timer list, the
transmitters and the slave of every port, and the unicast negotiation tables,
and it demultiplexes inbound packets between them.

Everything runs on one goroutine: either Run, or whoever calls Tick and
HandlePacket directly, as the simulation does.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/l2switch/ptpd/ptp/master"
	"github.com/l2switch/ptpd/ptp/packet"
	"github.com/l2switch/ptpd/ptp/profile"
	ptp "github.com/l2switch/ptpd/ptp/protocol"
	"github.com/l2switch/ptpd/ptp/slave"
	"github.com/l2switch/ptpd/ptp/stats"
	"github.com/l2switch/ptpd/ptp/tick"
	"github.com/l2switch/ptpd/ptp/unicast"
	"github.com/l2switch/ptpd/servo"
)

// ErrNotRunning is returned when the engine was closed or its input went away
var ErrNotRunning = errors.New("engine is not running")

// idleWait is how long Run sleeps when no timer is armed
const idleWait = time.Second

// LocalClock is the clock the engine timestamps with and steers
type LocalClock interface {
	Now() time.Time
	Step(step time.Duration) error
	AdjFreqPPB(freqPPB float64) error
	FrequencyPPB() (float64, error)
	MaxFreqPPB() (float64, error)
}

// Stats are counters of inbound dispatch and negotiation
type Stats struct {
	Rx               uint64 `json:"rx_cnt"`
	RxOwn            uint64 `json:"rx_own_cnt"`
	RxOtherDomain    uint64 `json:"rx_other_domain_cnt"`
	RxUnhandled      uint64 `json:"rx_unhandled_cnt"`
	AnnounceRx       uint64 `json:"announce_rx_cnt"`
	AnnounceTimeouts uint64 `json:"announce_timeout_cnt"`
	ParentChanges    uint64 `json:"parent_change_cnt"`
	SignalingRx      uint64 `json:"signaling_rx_cnt"`
	SignalingTx      uint64 `json:"signaling_tx_cnt"`
	TxErrors         uint64 `json:"tx_err_cnt"`
	TimersLost       uint64 `json:"timer_lost_cnt"`
}

type port struct {
	index  int
	number uint16
	cfg    PortConfig

	master    *master.Master
	announce  *master.Announce
	responder *master.Responder
}

type peerKey struct {
	addr netip.Addr
	port int
}

// Engine is a PTP clock instance
type Engine struct {
	cfg      *Config
	prof     *profile.Profile
	identity ptp.ClockIdentity
	encap    packet.Encapsulation
	tr       packet.Transport
	clock    LocalClock
	list     *tick.List
	loop     *packet.EventQueue
	stats    *stats.Stats
	origin   time.Time

	ports     []*port
	slavePort *port
	slave     *slave.Slave
	servo     *servo.ClockServo

	masters    *unicast.MasterTable
	slaves     *unicast.SlaveTable
	syncTx     map[peerKey]*master.Master
	announceTx map[peerKey]*master.Announce

	parentID    ptp.PortIdentity
	parentAddr  netip.Addr
	parentValid bool
	parentDS    ptp.AnnounceBody
	parentFlags uint16

	announceTimer tick.Timer
	statsTimer    tick.Timer
	sigSeq        uint16
	started       bool
	closed        bool

	Stats Stats
}

// New creates a clock instance from a validated config. st may be nil.
func New(cfg *Config, tr packet.Transport, clock LocalClock, st *stats.Stats) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	prof, err := profile.ByName(cfg.Profile)
	if err != nil {
		return nil, err
	}
	identity, err := cfg.Identity()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:        cfg,
		prof:       prof,
		identity:   identity,
		encap:      packet.EncapUDPv4,
		tr:         tr,
		clock:      clock,
		list:       tick.NewList(),
		loop:       packet.NewEventQueue(),
		stats:      st,
		origin:     time.Now(),
		syncTx:     map[peerKey]*master.Master{},
		announceTx: map[peerKey]*master.Announce{},
	}
	e.list.Init(&e.announceTimer, "announce receipt", cfg.Instance, e.announceTimeout, nil)
	e.list.Init(&e.statsTimer, "stats", cfg.Instance, e.publish, nil)

	if cfg.Unicast() {
		deny := []int{}
		for i, p := range cfg.Ports {
			if p.UnicastDeny {
				deny = append(deny, i)
			}
		}
		e.masters = unicast.NewMasterTable(unicast.MasterConfig{
			Instance:       cfg.Instance,
			MaxPeers:       cfg.MaxPeers,
			MaxDuration:    cfg.MaxDuration,
			MinLogInterval: cfg.MinLogInterval,
			DenyPorts:      deny,
		}, e.list, e)
	}
	for i, pc := range cfg.Ports {
		p := &port{index: i, number: uint16(i + 1), cfg: pc}
		e.ports = append(e.ports, p)
		switch pc.Role {
		case RoleMaster:
			e.startMasterPort(p)
		case RoleSlave:
			if err := e.startSlavePort(p); err != nil {
				e.Close()
				return nil, err
			}
		case RolePassive:
		}
	}
	log.Infof("clock %d: identity %s, profile %s, %s, %d ports", cfg.Instance, identity, prof.Name, cfg.Transport, len(e.ports))
	return e, nil
}

func (e *Engine) txConfig(p *port, peer netip.Addr, li ptp.LogInterval) master.Config {
	return master.Config{
		Instance:      e.cfg.Instance,
		Port:          p.index,
		PortNumber:    p.number,
		ClockIdentity: e.identity,
		Domain:        e.cfg.Domain,
		Peer:          peer,
		TwoStep:       e.cfg.TwoStep,
		OneStepHW:     e.cfg.OneStepHW,
		AutoInject:    e.cfg.AutoInject,
		LogInterval:   li,
		Profile:       e.prof,
		Encap:         e.encap,
	}
}

// startMasterPort creates the multicast transmitters of a master port.
// In unicast mode transmitters only come to life when a grant is given.
func (e *Engine) startMasterPort(p *port) {
	p.responder = master.NewResponder(e.txConfig(p, netip.Addr{}, e.cfg.LogDelayReqInterval), e.tr)
	if e.cfg.Unicast() {
		return
	}
	if e.cfg.LogSyncInterval != ptp.LogIntervalNever {
		p.master = master.NewMaster(e.txConfig(p, netip.Addr{}, e.cfg.LogSyncInterval), e.list, e.tr, e.loop, e.clock)
	}
	if e.cfg.LogAnnounceInterval != ptp.LogIntervalNever {
		p.announce = master.NewAnnounce(e.txConfig(p, netip.Addr{}, e.cfg.LogAnnounceInterval), e.list, e.tr, e)
	}
}

func (e *Engine) startSlavePort(p *port) error {
	freq, err := e.clock.FrequencyPPB()
	if err != nil {
		return fmt.Errorf("reading clock frequency: %w", err)
	}
	maxFreq, err := e.clock.MaxFreqPPB()
	if err != nil {
		return fmt.Errorf("reading clock frequency range: %w", err)
	}
	sc := servo.DefaultClockServoConfig()
	sc.Servo.FirstStepThreshold = int64(e.cfg.Servo.FirstStepThreshold)
	sc.Servo.StepThreshold = int64(e.cfg.Servo.StepThreshold)
	sc.Servo.MaxFreq = maxFreq
	sc.FreqLockThreshold = e.cfg.Servo.FreqLockThreshold
	sc.PhaseLockThreshold = e.cfg.Servo.PhaseLockThreshold
	sc.LockSamples = e.cfg.Servo.LockSamples
	sc.HoldoverSamples = e.cfg.Servo.HoldoverSamples
	if !e.cfg.Servo.SpikeFilter {
		sc.Filter = nil
	}
	e.servo = servo.NewClockServo(sc, e.clock, -freq)

	mech := slave.DelayE2E
	if e.cfg.DelayMechanism == DelayNone {
		mech = slave.DelayNone
	}
	e.slavePort = p
	e.slave = slave.New(slave.Config{
		Instance:            e.cfg.Instance,
		Port:                p.index,
		PortNumber:          p.number,
		ClockIdentity:       e.identity,
		Domain:              e.cfg.Domain,
		TwoStep:             e.cfg.TwoStep,
		Unicast:             e.cfg.Unicast(),
		DelayMechanism:      mech,
		LogSyncInterval:     e.cfg.LogSyncInterval,
		LogDelayReqInterval: e.cfg.LogDelayReqInterval,
		Profile:             e.prof,
		Encap:               e.encap,
		SettleTime:          e.cfg.SettleTime,
		RecoveryTime:        e.cfg.RecoveryTime,
		HoldoverTime:        e.cfg.HoldoverTime,
		QueueSize:           e.cfg.QueueSize,
	}, e.list, e.tr, e.loop, e.clock, e.servo, e)

	if !e.cfg.Unicast() {
		return nil
	}
	e.slaves = unicast.NewSlaveTable(unicast.SlaveConfig{
		Instance:            e.cfg.Instance,
		Port:                p.index,
		MaxMasters:          e.cfg.MaxMasters,
		Duration:            e.cfg.GrantDuration,
		LogAnnounceInterval: e.cfg.LogAnnounceInterval,
		LogSyncInterval:     e.cfg.LogSyncInterval,
	}, e.list, e, e)
	for _, m := range e.cfg.UnicastMasters {
		addr, err := netip.ParseAddr(m)
		if err != nil {
			return fmt.Errorf("parsing unicast master %q: %w", m, err)
		}
		if _, err := e.slaves.AddMaster(addr); err != nil {
			return fmt.Errorf("adding unicast master %s: %w", addr, err)
		}
	}
	return nil
}

// Identity returns the clock identity
func (e *Engine) Identity() ptp.ClockIdentity {
	return e.identity
}

// Slave returns the slave of the slave port, nil for a grandmaster
func (e *Engine) Slave() *slave.Slave {
	return e.slave
}

// Servo returns the servo steering the local clock, nil for a grandmaster
func (e *Engine) Servo() *servo.ClockServo {
	return e.servo
}

// UnicastMasters returns the granting table, nil in multicast mode
func (e *Engine) UnicastMasters() *unicast.MasterTable {
	return e.masters
}

// UnicastSlaves returns the requesting table, nil unless this is a unicast slave
func (e *Engine) UnicastSlaves() *unicast.SlaveTable {
	return e.slaves
}

// Parent returns the port Sync is taken from and its address
func (e *Engine) Parent() (ptp.PortIdentity, netip.Addr, bool) {
	return e.parentID, e.parentAddr, e.parentValid
}

// ClockState returns the state of the slave clock. A grandmaster is always FREERUN.
func (e *Engine) ClockState() slave.ClockState {
	if e.slave == nil {
		return slave.FreeRun
	}
	return e.slave.State()
}

// Loop returns the queue functions are posted to from other goroutines
func (e *Engine) Loop() packet.Loop {
	return e.loop
}

// Start begins unicast negotiation and statistics publishing. It is called by Run,
// and must be called by anyone driving the engine with Tick.
func (e *Engine) Start() {
	if e.started || e.closed {
		return
	}
	e.started = true
	if e.stats != nil {
		e.list.Start(&e.statsTimer, e.cfg.StatsInterval, true)
		e.stats.SetClockState(int64(e.ClockState()), e.ClockState().String())
	}
	if e.slaves != nil {
		e.slaves.Start()
	}
}

// Tick runs everything due at now, a monotonic time since the engine origin,
// and returns when it wants to be called next.
func (e *Engine) Tick(now time.Duration) (next time.Duration, ok bool) {
	e.loop.Drain()
	next, ok = e.list.Tick(now)
	for e.loop.Drain() > 0 {
		next, ok = e.list.Tick(now)
	}
	return next, ok
}

// Since returns the engine monotonic time for a wall clock instant
func (e *Engine) Since(t time.Time) time.Duration {
	return t.Sub(e.origin)
}

// Run drives the engine in real time until ctx is done or in is closed
func (e *Engine) Run(ctx context.Context, in <-chan packet.Inbound) error {
	if e.closed {
		return ErrNotRunning
	}
	e.Start()
	defer e.Close()
	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	for {
		next, ok := e.Tick(e.Since(time.Now()))
		wait := idleWait
		if ok {
			wait = next - e.Since(time.Now())
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-in:
			if !ok {
				return ErrNotRunning
			}
			e.Tick(e.Since(time.Now()))
			e.HandlePacket(p)
		case <-e.loop.Notify():
		case <-timer.C:
		}
	}
}

// Close stops every transmitter, cancels unicast grants and releases all buffers
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.publish(nil, nil)
	e.closed = true
	if e.slaves != nil {
		e.slaves.Close()
	}
	if e.masters != nil {
		e.masters.Close()
	}
	for k, m := range e.syncTx {
		m.Close()
		delete(e.syncTx, k)
	}
	for k, a := range e.announceTx {
		a.Close()
		delete(e.announceTx, k)
	}
	for _, p := range e.ports {
		if p.master != nil {
			p.master.Close()
		}
		if p.announce != nil {
			p.announce.Close()
		}
		if p.responder != nil {
			p.responder.Close()
		}
	}
	if e.slave != nil {
		e.slave.Close()
	}
	e.list.Stop(&e.announceTimer)
	e.list.Stop(&e.statsTimer)
	e.loop.Drain()
	log.Infof("clock %d closed", e.cfg.Instance)
}

// publish copies counters into the shared stats snapshot
func (e *Engine) publish(_ *tick.Timer, _ any) {
	if e.stats == nil || e.closed {
		return
	}
	e.Stats.TimersLost = e.list.Lost()
	set := func(prefix string, v any) {
		if err := e.stats.SetCounters(prefix, v); err != nil {
			log.Errorf("failed to publish %s counters: %v", prefix, err)
		}
	}
	set("engine", e.Stats)
	if e.slave != nil {
		set("slave", e.slave.Stats)
		e.stats.SetCounter("servo.offset_ns", e.servo.Offset().Nanoseconds())
		e.stats.SetCounter("servo.path_delay_ns", e.servo.PathDelay().Nanoseconds())
		e.stats.SetCounter("servo.freq_ppb", int64(e.servo.Freq()))
		e.stats.SetCounter("servo.steps", int64(e.servo.Steps))
		e.stats.SetCounter("servo.filtered", int64(e.servo.Filtered))
	}
	for _, p := range e.ports {
		if p.master != nil {
			set(fmt.Sprintf("port.%d.sync", p.number), p.master.Stats)
		}
		if p.announce != nil {
			set(fmt.Sprintf("port.%d.announce", p.number), p.announce.Stats)
		}
		if p.responder != nil {
			set(fmt.Sprintf("port.%d.responder", p.number), p.responder.Stats)
		}
	}
	if e.masters != nil {
		set("unicast.master", e.masters.Stats)
		e.stats.SetCounter("unicast.master.peers", int64(e.masters.Len()))
	}
	if e.slaves != nil {
		set("unicast.slave", e.slaves.Stats)
	}
}

// ClockStateChanged implements slave.StateObserver. The slave has already switched,
// so Announce built from now on reflects the new state.
func (e *Engine) ClockStateChanged(from, to slave.ClockState) {
	log.Infof("clock %d: %s -> %s", e.cfg.Instance, from, to)
	if e.stats != nil {
		e.stats.SetClockState(int64(to), to.String())
	}
}

// Dataset implements master.DatasetSource. A locked slave passes its grandmaster on,
// a clock in holdover or recovering advertises the same grandmaster with degraded quality.
func (e *Engine) Dataset() master.Dataset {
	ds := master.Dataset{
		GrandmasterIdentity: e.identity,
		Priority1:           e.cfg.Priority1,
		Priority2:           e.cfg.Priority2,
		ClockQuality: ptp.ClockQuality{
			ClockClass:              e.cfg.ClockClass,
			ClockAccuracy:           ptp.ClockAccuracyUnknown,
			OffsetScaledLogVariance: 0xffff,
		},
		TimeSource: ptp.TimeSourceInternalOscillator,
	}
	if e.slave == nil {
		return ds
	}
	st := e.slave.State()
	if !st.Locked() && st != slave.Holdover && st != slave.Recovering {
		return ds
	}
	ds.GrandmasterIdentity = e.parentDS.GrandmasterIdentity
	ds.Priority1 = e.parentDS.GrandmasterPriority1
	ds.Priority2 = e.parentDS.GrandmasterPriority2
	ds.ClockQuality = e.parentDS.GrandmasterClockQuality
	ds.StepsRemoved = e.parentDS.StepsRemoved + 1
	ds.TimeSource = e.parentDS.TimeSource
	ds.CurrentUTCOffset = e.parentDS.CurrentUTCOffset
	ds.TimeFlags = e.parentFlags
	if st == slave.Holdover || st == slave.Recovering {
		ds.ClockQuality.ClockClass = ptp.ClockClass187
		ds.TimeFlags &^= ptp.FlagTimeTraceable | ptp.FlagFrequencyTraceable
	}
	return ds
}

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
	"encoding/binary"

	"github.com/cespare/xxhash"
	log "github.com/sirupsen/logrus"

	"github.com/l2switch/ptpd/ptp/packet"
	ptp "github.com/l2switch/ptpd/ptp/protocol"
	"github.com/l2switch/ptpd/ptp/tick"
)

// Dataset is the part of the clock's best master dataset advertised in Announce
type Dataset struct {
	GrandmasterIdentity ptp.ClockIdentity
	Priority1           uint8
	Priority2           uint8
	ClockQuality        ptp.ClockQuality
	StepsRemoved        uint16
	TimeSource          ptp.TimeSource
	CurrentUTCOffset    int16
	// TimeFlags are the second octet of the flag field: leap, timescale and traceability
	TimeFlags uint16
}

// DatasetSource provides the dataset Announce content is built from
type DatasetSource interface {
	Dataset() Dataset
}

// AnnounceStats are counters of an Announce transmitter
type AnnounceStats struct {
	AnnounceTx       uint64 `json:"announce_tx_cnt"`
	TxErrors         uint64 `json:"tx_err_cnt"`
	LinkDownSkips    uint64 `json:"link_down_skip_cnt"`
	InjectionUpdates uint64 `json:"injection_update_cnt"`
	Slowdowns        uint64 `json:"slowdown_cnt"`
}

// Announce periodically sends Announce messages
type Announce struct {
	cfg  Config
	list *tick.List
	tr   packet.Transport
	ds   DatasetSource

	state    State
	seq      uint16
	interval ptp.LogInterval
	timer    tick.Timer
	backoff  backoff
	buf      *packet.Buffer

	injecting    bool
	injectedHash uint64
	injectedSeen uint64

	Stats AnnounceStats
}

// NewAnnounce allocates the Announce transmitter and activates it
func NewAnnounce(cfg Config, list *tick.List, tr packet.Transport, ds DatasetSource) *Announce {
	a := &Announce{
		cfg:      cfg,
		list:     list,
		tr:       tr,
		ds:       ds,
		interval: cfg.LogInterval,
	}
	a.buf = packet.NewBuffer(&ptp.Announce{Header: cfg.header(ptp.MessageAnnounce, 5)}, cfg.Encap)
	list.Init(&a.timer, "announce", cfg.Instance, a.fire, nil)
	a.state = StateActive
	a.arm()
	log.Infof("announce transmitter %s active, interval %s", &a.cfg, a.interval)
	return a
}

// State returns current transmitter state
func (a *Announce) State() State {
	return a.state
}

// LogInterval returns the current Announce interval
func (a *Announce) LogInterval() ptp.LogInterval {
	return a.interval
}

// SetLogInterval changes the Announce interval
func (a *Announce) SetLogInterval(li ptp.LogInterval) {
	if a.state == StateInactive {
		return
	}
	a.cfg.LogInterval = li
	a.interval = li
	a.backoff = backoff{slowdowns: a.backoff.slowdowns}
	a.arm()
}

func (a *Announce) injectionWanted() bool {
	return a.cfg.AutoInject && a.tr.InjectionSupported(a.cfg.Port)
}

func (a *Announce) arm() {
	if a.injectionWanted() {
		a.list.Start(&a.timer, injectionPoll, true)
		a.pollInjection()
		return
	}
	if a.injecting {
		a.stopInjection()
	}
	if a.interval == ptp.LogIntervalNever {
		a.list.Stop(&a.timer)
		return
	}
	a.list.Start(&a.timer, a.interval.Duration(), true)
}

// build refreshes Announce content from the current dataset
func (a *Announce) build() *ptp.Announce {
	p := a.buf.Packet.(*ptp.Announce)
	d := a.ds.Dataset()
	p.FlagField = (p.FlagField & 0xff00) | (d.TimeFlags & 0x00ff)
	p.LogMessageInterval = a.cfg.messageInterval(a.interval)
	p.CurrentUTCOffset = d.CurrentUTCOffset
	p.GrandmasterPriority1 = d.Priority1
	p.GrandmasterPriority2 = d.Priority2
	p.GrandmasterClockQuality = d.ClockQuality
	p.GrandmasterIdentity = d.GrandmasterIdentity
	p.StepsRemoved = d.StepsRemoved
	p.TimeSource = d.TimeSource
	return p
}

// contentHash identifies Announce content together with the interval and injection mode
func (a *Announce) contentHash(p *ptp.Announce) uint64 {
	h := xxhash.New()
	_, _ = h.Write(p.BodyBytes())
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:], p.FlagField)
	b[2] = byte(a.interval)
	if a.injectionWanted() {
		b[3] = 1
	}
	_, _ = h.Write(b[:])
	return h.Sum64()
}

func (a *Announce) fire(_ *tick.Timer, _ any) {
	switch a.state {
	case StateInactive, StateWaitTxDone:
		return
	case StateActive:
	}
	if a.injectionWanted() != a.injecting {
		a.arm()
		return
	}
	if a.injecting {
		a.pollInjection()
		return
	}
	if !a.tr.LinkUp(a.cfg.Port) {
		a.Stats.LinkDownSkips++
		return
	}
	p := a.build()
	p.SequenceID = a.seq
	a.seq++
	if _, err := a.tr.Send(a.buf, a.cfg.Port, a.cfg.Peer, nil); err != nil {
		a.Stats.TxErrors++
		log.Errorf("announce transmitter %s: failed to send: %v", &a.cfg, err)
		return
	}
	a.Stats.AnnounceTx++
}

// PeerReceiptTimeout slows Announce down by one step when the peer reports it timed out waiting for it
func (a *Announce) PeerReceiptTimeout() {
	if a.state == StateInactive || !a.backoff.bump(a.cfg.profile()) {
		return
	}
	a.Stats.Slowdowns = a.backoff.slowdowns
	a.interval = a.cfg.profile().SlowdownInterval(a.cfg.LogInterval, a.backoff.steps)
	log.Warningf("announce transmitter %s: peer receipt timeout, slowing down to %s", &a.cfg, a.interval)
	a.arm()
}

// PeerRecovered restores the configured Announce interval after a slowdown
func (a *Announce) PeerRecovered() {
	if a.state == StateInactive || !a.backoff.reset() {
		return
	}
	a.interval = a.cfg.LogInterval
	a.arm()
}

// pollInjection refreshes the injected frame only when content, interval or mode changed
func (a *Announce) pollInjection() {
	p := a.build()
	hash := a.contentHash(p)
	if !a.injecting || hash != a.injectedHash {
		p.SequenceID = a.seq
		a.seq++
		if err := a.tr.SetInjection(a.buf, a.cfg.Port, a.cfg.Peer, a.interval.Duration()); err != nil {
			a.Stats.TxErrors++
			log.Errorf("announce transmitter %s: failed to set up injection: %v", &a.cfg, err)
			return
		}
		if !a.injecting {
			a.injectedSeen = 0
		}
		a.injecting = true
		a.injectedHash = hash
		a.Stats.InjectionUpdates++
	}
	n := a.tr.InjectedFrames(a.buf)
	if n >= a.injectedSeen {
		a.Stats.AnnounceTx += n - a.injectedSeen
	}
	a.injectedSeen = n
}

func (a *Announce) stopInjection() {
	if err := a.tr.SetInjection(a.buf, a.cfg.Port, a.cfg.Peer, 0); err != nil {
		log.Errorf("announce transmitter %s: failed to stop injection: %v", &a.cfg, err)
	}
	a.injecting = false
	a.injectedHash = 0
}

// Close stops the transmitter and releases its buffer
func (a *Announce) Close() {
	if a.state == StateInactive {
		return
	}
	a.list.Stop(&a.timer)
	if a.injecting {
		a.stopInjection()
	}
	a.state = StateInactive
	a.buf.Release()
	log.Infof("announce transmitter %s inactive", &a.cfg)
}

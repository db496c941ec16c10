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

package unicast

import (
	"fmt"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	ptp "github.com/l2switch/ptpd/ptp/protocol"
	"github.com/l2switch/ptpd/ptp/tick"
)

// Defaults of the requesting side
const (
	DefaultDuration      = 300
	DefaultGrantTimeout  = 5 * time.Second
	DefaultRetryInterval = 10 * time.Second
	DefaultMaxMasters    = 16
)

// CommState is the negotiation state with one master
type CommState uint8

// Negotiation states
const (
	Idle CommState = iota
	Init
	Connected
	Selling
	Synchronized
)

func (s CommState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Init:
		return "INIT"
	case Connected:
		return "CONNECTED"
	case Selling:
		return "SELLING"
	case Synchronized:
		return "SYNCHRONIZED"
	}
	return fmt.Sprintf("COMM_STATE(%d)", uint8(s))
}

// Sender sends signaling TLVs to a master
type Sender interface {
	SendSignaling(to netip.Addr, port int, tlvs ...ptp.TLV) error
}

// Listener learns about negotiation state changes
type Listener interface {
	CommStateChanged(m *Master, from, to CommState)
}

// SlaveConfig configures the requesting side
type SlaveConfig struct {
	Instance            int
	Port                int
	MaxMasters          int
	Duration            uint32
	LogAnnounceInterval ptp.LogInterval
	LogSyncInterval     ptp.LogInterval
	GrantTimeout        time.Duration
	RetryInterval       time.Duration
}

// SlaveStats are counters of the requesting side
type SlaveStats struct {
	RequestTx     uint64 `json:"unicast_request_tx_cnt"`
	GrantRx       uint64 `json:"unicast_grant_rx_cnt"`
	DenialRx      uint64 `json:"unicast_denial_rx_cnt"`
	GrantTimeouts uint64 `json:"unicast_grant_timeout_cnt"`
	CancelRx      uint64 `json:"unicast_cancel_rx_cnt"`
	CancelTx      uint64 `json:"unicast_cancel_tx_cnt"`
	AckRx         uint64 `json:"unicast_ack_rx_cnt"`
	TxErrors      uint64 `json:"tx_err_cnt"`
}

// grantLife tracks a single requested message type
type grantLife struct {
	mt       ptp.MessageType
	granted  bool
	interval ptp.LogInterval
	duration uint32
	timeout  tick.Timer
	renew    tick.Timer
}

// Master is a configured unicast master
type Master struct {
	Addr netip.Addr
	// Identity is learned from the first grant
	Identity ptp.PortIdentity

	state    CommState
	announce grantLife
	sync     grantLife
	resp     grantLife
	retry    tick.Timer
	table    *SlaveTable
}

// State returns the negotiation state
func (m *Master) State() CommState {
	return m.state
}

// SyncInterval returns the granted Sync interval
func (m *Master) SyncInterval() ptp.LogInterval {
	return m.sync.interval
}

// AnnounceInterval returns the granted Announce interval
func (m *Master) AnnounceInterval() ptp.LogInterval {
	return m.announce.interval
}

func (m *Master) grant(mt ptp.MessageType) *grantLife {
	switch mt {
	case ptp.MessageAnnounce:
		return &m.announce
	case ptp.MessageSync:
		return &m.sync
	case ptp.MessageDelayResp:
		return &m.resp
	case ptp.MessageDelayReq, ptp.MessageFollowUp, ptp.MessageSignaling:
	}
	return nil
}

// SlaveTable negotiates unicast transmission with configured masters
type SlaveTable struct {
	cfg      SlaveConfig
	list     *tick.List
	sender   Sender
	listener Listener
	masters  []*Master
	running  bool

	Stats SlaveStats
}

// NewSlaveTable returns an empty table
func NewSlaveTable(cfg SlaveConfig, list *tick.List, sender Sender, listener Listener) *SlaveTable {
	if cfg.MaxMasters <= 0 {
		cfg.MaxMasters = DefaultMaxMasters
	}
	if cfg.Duration == 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.GrantTimeout <= 0 {
		cfg.GrantTimeout = DefaultGrantTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	return &SlaveTable{cfg: cfg, list: list, sender: sender, listener: listener}
}

// AddMaster appends a master to the configured list. Masters are preferred in the order added.
func (t *SlaveTable) AddMaster(addr netip.Addr) (*Master, error) {
	if m := t.Master(addr); m != nil {
		return m, nil
	}
	if len(t.masters) >= t.cfg.MaxMasters {
		return nil, ErrTableFull
	}
	m := &Master{Addr: addr, table: t}
	m.announce.mt = ptp.MessageAnnounce
	m.sync.mt = ptp.MessageSync
	m.resp.mt = ptp.MessageDelayResp
	for _, g := range []*grantLife{&m.announce, &m.sync, &m.resp} {
		t.list.Init(&g.timeout, "grant timeout "+g.mt.String(), t.cfg.Instance, t.grantTimeout, m)
		t.list.Init(&g.renew, "grant renewal "+g.mt.String(), t.cfg.Instance, t.renewGrant, m)
	}
	t.list.Init(&m.retry, "unicast retry", t.cfg.Instance, t.retryFire, m)
	t.masters = append(t.masters, m)
	if t.running {
		t.requestAnnounce(m)
	}
	return m, nil
}

// Master returns the configured master with addr
func (t *SlaveTable) Master(addr netip.Addr) *Master {
	for _, m := range t.masters {
		if m.Addr == addr {
			return m
		}
	}
	return nil
}

// Masters returns configured masters in preference order
func (t *SlaveTable) Masters() []*Master {
	return t.masters
}

// Selected returns the first master in preference order announcing to us
func (t *SlaveTable) Selected() *Master {
	for _, m := range t.masters {
		if m.state >= Connected {
			return m
		}
	}
	return nil
}

// Start requests Announce from every configured master
func (t *SlaveTable) Start() {
	t.running = true
	for _, m := range t.masters {
		if m.state == Idle {
			t.requestAnnounce(m)
		}
	}
}

func (t *SlaveTable) setState(m *Master, to CommState) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	log.Infof("unicast %d: master %s %s -> %s", t.cfg.Instance, m.Addr, from, to)
	if t.listener != nil {
		t.listener.CommStateChanged(m, from, to)
	}
}

func (t *SlaveTable) interval(mt ptp.MessageType) ptp.LogInterval {
	switch mt {
	case ptp.MessageAnnounce:
		return t.cfg.LogAnnounceInterval
	case ptp.MessageSync:
		return t.cfg.LogSyncInterval
	case ptp.MessageDelayResp, ptp.MessageDelayReq, ptp.MessageFollowUp, ptp.MessageSignaling:
	}
	return 0
}

// request sends REQUEST for each grant and arms its timeout
func (t *SlaveTable) request(m *Master, grants ...*grantLife) bool {
	tlvs := make([]ptp.TLV, 0, len(grants))
	for _, g := range grants {
		tlvs = append(tlvs, ptp.NewRequestTLV(g.mt, t.interval(g.mt), t.cfg.Duration))
	}
	if err := t.sender.SendSignaling(m.Addr, t.cfg.Port, tlvs...); err != nil {
		t.Stats.TxErrors++
		log.Errorf("unicast %d: failed to request from %s: %v", t.cfg.Instance, m.Addr, err)
		return false
	}
	for _, g := range grants {
		t.Stats.RequestTx++
		t.list.Start(&g.timeout, t.cfg.GrantTimeout, false)
	}
	return true
}

func (t *SlaveTable) requestAnnounce(m *Master) {
	if t.request(m, &m.announce) {
		t.setState(m, Init)
		return
	}
	t.list.Start(&m.retry, t.cfg.RetryInterval, false)
}

// Select asks master for Sync and Delay_Resp. It must be announcing to us already.
func (t *SlaveTable) Select(addr netip.Addr) error {
	m := t.Master(addr)
	if m == nil {
		return fmt.Errorf("unknown master %s", addr)
	}
	if m.state < Connected {
		return fmt.Errorf("master %s is %s", addr, m.state)
	}
	if m.state >= Selling {
		return nil
	}
	if !t.request(m, &m.sync, &m.resp) {
		return fmt.Errorf("failed to request sync from %s", addr)
	}
	t.setState(m, Selling)
	return nil
}

// Deselect cancels Sync and Delay_Resp from master
func (t *SlaveTable) Deselect(addr netip.Addr) {
	m := t.Master(addr)
	if m == nil || m.state < Selling {
		return
	}
	t.cancel(m, &m.sync, &m.resp)
	t.setState(m, Connected)
}

func (t *SlaveTable) cancel(m *Master, grants ...*grantLife) {
	tlvs := make([]ptp.TLV, 0, len(grants))
	for _, g := range grants {
		t.stopGrant(g)
		tlvs = append(tlvs, ptp.NewCancelTLV(g.mt))
	}
	if err := t.sender.SendSignaling(m.Addr, t.cfg.Port, tlvs...); err != nil {
		t.Stats.TxErrors++
		log.Errorf("unicast %d: failed to cancel with %s: %v", t.cfg.Instance, m.Addr, err)
		return
	}
	t.Stats.CancelTx += uint64(len(grants))
}

func (t *SlaveTable) stopGrant(g *grantLife) {
	t.list.Stop(&g.timeout)
	t.list.Stop(&g.renew)
	g.granted = false
}

// HandleGrant processes GRANT_UNICAST_TRANSMISSION from a master. Zero duration is a denial.
func (t *SlaveTable) HandleGrant(from netip.Addr, source ptp.PortIdentity, grant *ptp.GrantUnicastTransmissionTLV) {
	m := t.Master(from)
	if m == nil {
		log.Debugf("unicast %d: grant from unknown master %s", t.cfg.Instance, from)
		return
	}
	mt := grant.MsgTypeAndReserved.MsgType()
	g := m.grant(mt)
	if g == nil || !g.timeout.Active() && !g.granted {
		log.Debugf("unicast %d: unexpected %s grant from %s", t.cfg.Instance, mt, from)
		return
	}
	if grant.DurationField == 0 {
		t.Stats.DenialRx++
		log.Warningf("unicast %d: %s denied %s", t.cfg.Instance, from, mt)
		t.lost(m, g)
		return
	}
	t.Stats.GrantRx++
	m.Identity = source
	g.granted = true
	g.interval = grant.LogInterMessagePeriod
	g.duration = grant.DurationField
	t.list.Stop(&g.timeout)
	renew := time.Duration(g.duration) * time.Second / 4
	if renew < time.Second {
		renew = time.Second
	}
	t.list.Start(&g.renew, renew, false)

	switch mt {
	case ptp.MessageAnnounce:
		if m.state == Init {
			t.setState(m, Connected)
		}
	case ptp.MessageSync:
		if m.state == Selling {
			t.setState(m, Synchronized)
		}
	case ptp.MessageDelayResp, ptp.MessageDelayReq, ptp.MessageFollowUp, ptp.MessageSignaling:
	}
}

// lost steps the state machine back after a grant was denied or never came
func (t *SlaveTable) lost(m *Master, g *grantLife) {
	t.stopGrant(g)
	switch g.mt {
	case ptp.MessageAnnounce:
		t.stopGrant(&m.sync)
		t.stopGrant(&m.resp)
		t.setState(m, Idle)
		t.list.Start(&m.retry, t.cfg.RetryInterval, false)
	case ptp.MessageSync, ptp.MessageDelayResp:
		if m.state >= Selling {
			t.stopGrant(&m.sync)
			t.stopGrant(&m.resp)
			t.setState(m, Connected)
		}
	case ptp.MessageDelayReq, ptp.MessageFollowUp, ptp.MessageSignaling:
	}
}

func (t *SlaveTable) grantTimeout(tm *tick.Timer, ctx any) {
	m := ctx.(*Master)
	for _, g := range []*grantLife{&m.announce, &m.sync, &m.resp} {
		if &g.timeout == tm {
			t.Stats.GrantTimeouts++
			log.Warningf("unicast %d: no %s grant from %s", t.cfg.Instance, g.mt, m.Addr)
			t.lost(m, g)
			return
		}
	}
}

func (t *SlaveTable) renewGrant(tm *tick.Timer, ctx any) {
	m := ctx.(*Master)
	for _, g := range []*grantLife{&m.announce, &m.sync, &m.resp} {
		if &g.renew == tm {
			if !t.request(m, g) {
				t.lost(m, g)
			}
			return
		}
	}
}

func (t *SlaveTable) retryFire(_ *tick.Timer, ctx any) {
	m := ctx.(*Master)
	if m.state == Idle && t.running {
		t.requestAnnounce(m)
	}
}

// HandleCancel processes CANCEL_UNICAST_TRANSMISSION from a master and returns the acknowledgement to send
func (t *SlaveTable) HandleCancel(from netip.Addr, c *ptp.CancelUnicastTransmissionTLV) *ptp.AcknowledgeCancelUnicastTransmissionTLV {
	mt := c.MsgTypeAndFlags.MsgType()
	t.Stats.CancelRx++
	if m := t.Master(from); m != nil {
		if g := m.grant(mt); g != nil {
			log.Infof("unicast %d: %s cancelled %s", t.cfg.Instance, from, mt)
			t.lost(m, g)
		}
	}
	return ptp.NewAckCancelTLV(mt)
}

// HandleAck processes ACKNOWLEDGE_CANCEL_UNICAST_TRANSMISSION
func (t *SlaveTable) HandleAck(from netip.Addr, a *ptp.AcknowledgeCancelUnicastTransmissionTLV) {
	t.Stats.AckRx++
	log.Debugf("unicast %d: %s acknowledged cancel of %s", t.cfg.Instance, from, a.MsgTypeAndFlags.MsgType())
}

// Close cancels every grant and stops all timers
func (t *SlaveTable) Close() {
	t.running = false
	for _, m := range t.masters {
		t.list.Stop(&m.retry)
		if m.state >= Init {
			t.cancel(m, &m.announce, &m.sync, &m.resp)
		}
		t.setState(m, Idle)
	}
}

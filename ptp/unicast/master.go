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
Package unicast implements unicast transmission negotiation with
REQUEST/GRANT/CANCEL/ACKNOWLEDGE_CANCEL signaling TLVs.

MasterTable is the granting side: it answers requests from remote slaves and
keeps the per peer transmitters running for as long as their grants last.
SlaveTable is the requesting side: it asks configured masters for Announce,
then for Sync and Delay_Resp once a master is selected.

Both tables are driven by timers on a tick.List and must only be used from
the goroutine that owns the list.
*/
package unicast

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	ptp "github.com/l2switch/ptpd/ptp/protocol"
	"github.com/l2switch/ptpd/ptp/tick"
)

// ErrTableFull is returned when no more peers can be tracked
var ErrTableFull = errors.New("unicast table is full")

// Defaults of the granting side
const (
	DefaultMaxPeers    = 128
	DefaultMaxDuration = 300
	countdownPeriod    = time.Second
)

// Transmitters starts and stops transmission towards a peer on behalf of grants
type Transmitters interface {
	// StartTransmitter starts or reconfigures transmission of mt to peer. An error means no resources.
	StartTransmitter(peer netip.Addr, port int, mt ptp.MessageType, li ptp.LogInterval) error
	StopTransmitter(peer netip.Addr, port int, mt ptp.MessageType)
}

// MasterConfig configures the granting side
type MasterConfig struct {
	Instance    int
	MaxPeers    int
	MaxDuration uint32
	// MinLogInterval is the fastest rate granted
	MinLogInterval ptp.LogInterval
	// DenyPorts lists ports that refuse every request
	DenyPorts []int
}

// MasterStats are counters of the granting side
type MasterStats struct {
	RequestRx uint64 `json:"unicast_request_rx_cnt"`
	Granted   uint64 `json:"unicast_grant_cnt"`
	Denied    uint64 `json:"unicast_deny_cnt"`
	CancelRx  uint64 `json:"unicast_cancel_rx_cnt"`
	Expired   uint64 `json:"unicast_expired_cnt"`
}

// Grant is a running grant for a single message type
type Grant struct {
	Interval  ptp.LogInterval
	Duration  uint32
	Remaining uint32
}

type peerKey struct {
	addr netip.Addr
	port int
}

// Peer is a remote slave with at least one running grant
type Peer struct {
	Addr   netip.Addr
	Port   int
	Grants map[ptp.MessageType]*Grant

	table *MasterTable
	timer tick.Timer
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s/%d", p.Addr, p.Port)
}

// MasterTable tracks grants given to remote slaves
type MasterTable struct {
	cfg     MasterConfig
	list    *tick.List
	tx      Transmitters
	peers   map[peerKey]*Peer
	parents map[int]netip.Addr
	deny    map[int]bool

	Stats MasterStats
}

// NewMasterTable returns an empty table
func NewMasterTable(cfg MasterConfig, list *tick.List, tx Transmitters) *MasterTable {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	t := &MasterTable{
		cfg:     cfg,
		list:    list,
		tx:      tx,
		peers:   map[peerKey]*Peer{},
		parents: map[int]netip.Addr{},
		deny:    map[int]bool{},
	}
	for _, p := range cfg.DenyPorts {
		t.deny[p] = true
	}
	return t
}

// SetParent records the master this clock follows on port. An invalid addr clears it.
func (t *MasterTable) SetParent(port int, addr netip.Addr) {
	if !addr.IsValid() {
		delete(t.parents, port)
		return
	}
	t.parents[port] = addr
}

// Len returns number of peers with running grants
func (t *MasterTable) Len() int {
	return len(t.peers)
}

// Peer returns the entry for a peer
func (t *MasterTable) Peer(addr netip.Addr, port int) (*Peer, bool) {
	p, ok := t.peers[peerKey{addr: addr, port: port}]
	return p, ok
}

// Peers returns all peers ordered by address and port
func (t *MasterTable) Peers() []*Peer {
	keys := maps.Keys(t.peers)
	sort.Slice(keys, func(i, j int) bool {
		if c := keys[i].addr.Compare(keys[j].addr); c != 0 {
			return c < 0
		}
		return keys[i].port < keys[j].port
	})
	res := make([]*Peer, 0, len(keys))
	for _, k := range keys {
		res = append(res, t.peers[k])
	}
	return res
}

// Granted reports whether peer holds a running grant for mt
func (t *MasterTable) Granted(addr netip.Addr, port int, mt ptp.MessageType) bool {
	p, ok := t.Peer(addr, port)
	if !ok {
		return false
	}
	_, ok = p.Grants[mt]
	return ok
}

func supported(mt ptp.MessageType) bool {
	switch mt {
	case ptp.MessageAnnounce, ptp.MessageSync, ptp.MessageDelayResp:
		return true
	case ptp.MessageDelayReq, ptp.MessageFollowUp, ptp.MessageSignaling:
		return false
	}
	return false
}

// denyReason returns why a request must be refused, or nil
func (t *MasterTable) denyReason(from netip.Addr, port int, mt ptp.MessageType, li ptp.LogInterval, duration uint32) error {
	if !supported(mt) {
		return fmt.Errorf("unsupported message type %s", mt)
	}
	if duration == 0 {
		return fmt.Errorf("zero duration")
	}
	if t.deny[port] {
		return fmt.Errorf("unicast denied on port %d", port)
	}
	if parent, ok := t.parents[port]; ok && parent == from {
		return fmt.Errorf("%s is our master on port %d", from, port)
	}
	if mt != ptp.MessageDelayResp && li < t.cfg.MinLogInterval {
		return fmt.Errorf("interval %s is faster than %s", li, t.cfg.MinLogInterval)
	}
	if _, ok := t.Peer(from, port); !ok && len(t.peers) >= t.cfg.MaxPeers {
		return ErrTableFull
	}
	return nil
}

// HandleRequest processes REQUEST_UNICAST_TRANSMISSION from a peer and returns the GRANT to send back.
// A grant with zero duration is a denial.
func (t *MasterTable) HandleRequest(from netip.Addr, port int, req *ptp.RequestUnicastTransmissionTLV) *ptp.GrantUnicastTransmissionTLV {
	t.Stats.RequestRx++
	mt := req.MsgTypeAndReserved.MsgType()
	li := req.LogInterMessagePeriod
	if err := t.denyReason(from, port, mt, li, req.DurationField); err != nil {
		t.Stats.Denied++
		log.Warningf("unicast %d: denying %s request from %s: %v", t.cfg.Instance, mt, from, err)
		return ptp.NewGrantTLV(mt, li, 0)
	}
	duration := req.DurationField
	if duration > t.cfg.MaxDuration {
		duration = t.cfg.MaxDuration
	}

	p, existed := t.Peer(from, port)
	if !existed {
		p = &Peer{Addr: from, Port: port, Grants: map[ptp.MessageType]*Grant{}, table: t}
		t.list.Init(&p.timer, "unicast grant", t.cfg.Instance, t.countdown, p)
	}
	if err := t.tx.StartTransmitter(from, port, mt, li); err != nil {
		t.Stats.Denied++
		log.Warningf("unicast %d: denying %s request from %s: %v", t.cfg.Instance, mt, from, err)
		return ptp.NewGrantTLV(mt, li, 0)
	}
	if !existed {
		t.peers[peerKey{addr: from, port: port}] = p
		t.list.Start(&p.timer, countdownPeriod, true)
	}
	g, ok := p.Grants[mt]
	if !ok {
		g = &Grant{}
		p.Grants[mt] = g
		log.Infof("unicast %d: granted %s to %s, interval %s, %ds", t.cfg.Instance, mt, p, li, duration)
	}
	g.Interval = li
	g.Duration = duration
	g.Remaining = duration
	t.Stats.Granted++
	return ptp.NewGrantTLV(mt, li, duration)
}

// HandleCancel stops the grant for the cancelled message type and returns the acknowledgement to send.
func (t *MasterTable) HandleCancel(from netip.Addr, port int, c *ptp.CancelUnicastTransmissionTLV) *ptp.AcknowledgeCancelUnicastTransmissionTLV {
	t.Stats.CancelRx++
	mt := c.MsgTypeAndFlags.MsgType()
	if p, ok := t.Peer(from, port); ok {
		if _, ok := p.Grants[mt]; ok {
			log.Infof("unicast %d: %s cancelled %s", t.cfg.Instance, p, mt)
			t.stopGrant(p, mt)
		}
	}
	return ptp.NewAckCancelTLV(mt)
}

func (t *MasterTable) stopGrant(p *Peer, mt ptp.MessageType) {
	delete(p.Grants, mt)
	t.tx.StopTransmitter(p.Addr, p.Port, mt)
	if len(p.Grants) == 0 {
		t.list.Stop(&p.timer)
		delete(t.peers, peerKey{addr: p.Addr, port: p.Port})
	}
}

// countdown runs every second per peer and expires grants
func (t *MasterTable) countdown(_ *tick.Timer, ctx any) {
	p := ctx.(*Peer)
	for _, mt := range maps.Keys(p.Grants) {
		g := p.Grants[mt]
		if g.Remaining > 0 {
			g.Remaining--
		}
		if g.Remaining == 0 {
			t.Stats.Expired++
			log.Infof("unicast %d: %s grant for %s expired", t.cfg.Instance, mt, p)
			t.stopGrant(p, mt)
		}
	}
}

// Close stops every transmitter and empties the table
func (t *MasterTable) Close() {
	for _, p := range t.Peers() {
		for _, mt := range maps.Keys(p.Grants) {
			t.stopGrant(p, mt)
		}
	}
}

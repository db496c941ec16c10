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

package engine

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/l2switch/ptpd/ptp/master"
	"github.com/l2switch/ptpd/ptp/packet"
	ptp "github.com/l2switch/ptpd/ptp/protocol"
	"github.com/l2switch/ptpd/ptp/tick"
	"github.com/l2switch/ptpd/ptp/unicast"
)

// couple of helpers to log nice lines about happening communication
func (e *Engine) logSent(to netip.Addr, port int, t ptp.MessageType, msg string, v ...any) {
	log.Debug(color.GreenString("[%d/%d] -> %s %s (%s)", e.cfg.Instance, port, to, t, fmt.Sprintf(msg, v...)))
}

func (e *Engine) logReceive(in packet.Inbound, msg string, v ...any) {
	log.Debug(color.BlueString("[%d/%d] <- %s %s (%s)", e.cfg.Instance, in.Port, in.From, in.Packet.MessageType(), fmt.Sprintf(msg, v...)))
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Trace(spew.Sdump(in.Packet))
	}
}

func (e *Engine) port(i int) *port {
	if i < 0 || i >= len(e.ports) {
		return nil
	}
	return e.ports[i]
}

// HandlePacket dispatches a received packet to the slave, a responder or the unicast tables
func (e *Engine) HandlePacket(in packet.Inbound) {
	if e.closed {
		return
	}
	e.dispatch(in)
	e.loop.Drain()
}

func (e *Engine) dispatch(in packet.Inbound) {
	e.Stats.Rx++
	h := in.Packet.Hdr()
	if h.SourcePortIdentity.ClockIdentity == e.identity {
		e.Stats.RxOwn++
		return
	}
	if h.DomainNumber != e.cfg.Domain {
		e.Stats.RxOtherDomain++
		return
	}
	p := e.port(in.Port)
	if p == nil {
		e.Stats.RxUnhandled++
		return
	}
	e.logReceive(in, "seq=%d", h.SequenceID)
	isSlave := e.slavePort == p
	switch pkt := in.Packet.(type) {
	case *ptp.SyncDelayReq:
		switch pkt.MessageType() {
		case ptp.MessageSync:
			if isSlave {
				e.slave.HandleSync(pkt, in.RxTime)
				return
			}
		case ptp.MessageDelayReq:
			if e.handleDelayReq(p, pkt, in) {
				return
			}
		case ptp.MessageFollowUp, ptp.MessageDelayResp, ptp.MessageAnnounce, ptp.MessageSignaling:
		}
	case *ptp.FollowUp:
		if isSlave {
			e.slave.HandleFollowUp(pkt)
			return
		}
	case *ptp.DelayResp:
		if isSlave {
			e.slave.HandleDelayResp(pkt)
			return
		}
	case *ptp.Announce:
		if isSlave {
			e.handleAnnounce(in, pkt)
			return
		}
	case *ptp.Signaling:
		e.handleSignaling(p, in, pkt)
		return
	}
	e.Stats.RxUnhandled++
}

// handleDelayReq answers on master ports. Unicast requests need a running Delay_Resp grant.
func (e *Engine) handleDelayReq(p *port, req *ptp.SyncDelayReq, in packet.Inbound) bool {
	if p.responder == nil {
		return false
	}
	if req.Unicast() && e.masters != nil && !e.masters.Granted(in.From, p.index, ptp.MessageDelayResp) {
		log.Debugf("clock %d: delay request from %s without grant", e.cfg.Instance, in.From)
		return false
	}
	p.responder.HandleDelayReq(req, in.RxTime, in.From)
	return true
}

// handleAnnounce picks the parent: the first master heard in multicast mode,
// the preferred connected master in unicast mode.
func (e *Engine) handleAnnounce(in packet.Inbound, a *ptp.Announce) {
	e.Stats.AnnounceRx++
	interval := a.LogMessageInterval
	if e.slaves != nil {
		m := e.slaves.Master(in.From)
		if m == nil || m.State() < unicast.Connected {
			log.Debugf("clock %d: announce from %s which grants us nothing", e.cfg.Instance, in.From)
			return
		}
		if e.slaves.Selected() != m {
			return
		}
		interval = m.AnnounceInterval()
	}
	fromParent := e.parentValid && e.parentAddr == in.From && e.parentID == a.SourcePortIdentity
	if e.parentValid && !fromParent && e.slaves == nil {
		return
	}
	if !fromParent {
		e.setParent(in.From, a.SourcePortIdentity)
	}
	e.parentDS = a.AnnounceBody
	e.parentFlags = a.FlagField & 0xff
	if interval == 0x7f || interval == ptp.LogIntervalNever {
		interval = e.cfg.LogAnnounceInterval
	}
	e.list.Start(&e.announceTimer, time.Duration(e.cfg.AnnounceTimeout)*interval.Duration(), false)
}

func (e *Engine) setParent(addr netip.Addr, id ptp.PortIdentity) {
	old := e.parentAddr
	e.Stats.ParentChanges++
	e.parentID = id
	e.parentAddr = addr
	e.parentValid = true
	log.Infof("clock %d: parent %s at %s", e.cfg.Instance, id, addr)
	e.slave.SetParent(id, addr)
	if e.masters != nil {
		e.masters.SetParent(e.slavePort.index, addr)
	}
	if e.slaves == nil {
		return
	}
	if old.IsValid() && old != addr {
		e.slaves.Deselect(old)
	}
	if err := e.slaves.Select(addr); err != nil {
		log.Warningf("clock %d: %v", e.cfg.Instance, err)
	}
}

// lostParent forgets the parent, the next Announce picks a new one
func (e *Engine) lostParent() {
	if !e.parentValid {
		return
	}
	addr := e.parentAddr
	e.parentValid = false
	e.parentAddr = netip.Addr{}
	e.list.Stop(&e.announceTimer)
	e.slave.MasterLost()
	if e.masters != nil {
		e.masters.SetParent(e.slavePort.index, netip.Addr{})
	}
	if e.slaves != nil {
		e.slaves.Deselect(addr)
	}
}

func (e *Engine) announceTimeout(_ *tick.Timer, _ any) {
	e.Stats.AnnounceTimeouts++
	log.Warningf("clock %d: announce receipt timeout from %s", e.cfg.Instance, e.parentID)
	e.lostParent()
}

// handleSignaling feeds unicast negotiation TLVs to the tables and replies with grants and acknowledgements
func (e *Engine) handleSignaling(p *port, in packet.Inbound, s *ptp.Signaling) {
	e.Stats.SignalingRx++
	if s.TargetPortIdentity != ptp.AllPortsIdentity && s.TargetPortIdentity.ClockIdentity != e.identity {
		e.Stats.RxUnhandled++
		return
	}
	fromMaster := e.slaves != nil && e.slavePort == p && e.slaves.Master(in.From) != nil
	var replies []ptp.TLV
	for _, tlv := range s.TLVs {
		switch t := tlv.(type) {
		case *ptp.RequestUnicastTransmissionTLV:
			if e.masters == nil || p.cfg.Role != RoleMaster {
				// no unicast here, deny
				replies = append(replies, ptp.NewGrantTLV(t.MsgTypeAndReserved.MsgType(), t.LogInterMessagePeriod, 0))
				continue
			}
			replies = append(replies, e.masters.HandleRequest(in.From, p.index, t))
		case *ptp.GrantUnicastTransmissionTLV:
			if fromMaster {
				e.slaves.HandleGrant(in.From, s.SourcePortIdentity, t)
			}
		case *ptp.CancelUnicastTransmissionTLV:
			if fromMaster {
				replies = append(replies, e.slaves.HandleCancel(in.From, t))
			} else if e.masters != nil {
				replies = append(replies, e.masters.HandleCancel(in.From, p.index, t))
			} else {
				replies = append(replies, ptp.NewAckCancelTLV(t.MsgTypeAndFlags.MsgType()))
			}
		case *ptp.AcknowledgeCancelUnicastTransmissionTLV:
			if fromMaster {
				e.slaves.HandleAck(in.From, t)
			}
		}
	}
	if len(replies) == 0 {
		return
	}
	if err := e.sendSignaling(in.From, p, s.SourcePortIdentity, replies...); err != nil {
		log.Errorf("clock %d: failed to reply to %s: %v", e.cfg.Instance, in.From, err)
	}
}

func (e *Engine) sendSignaling(to netip.Addr, p *port, target ptp.PortIdentity, tlvs ...ptp.TLV) error {
	s := &ptp.Signaling{
		Header: ptp.Header{
			SdoIDAndMsgType: ptp.NewSdoIDAndMsgType(ptp.MessageSignaling, e.prof.SdoID),
			Version:         ptp.Version,
			DomainNumber:    e.cfg.Domain,
			FlagField:       e.prof.Flags() | ptp.FlagUnicast,
			SourcePortIdentity: ptp.PortIdentity{
				ClockIdentity: e.identity,
				PortNumber:    p.number,
			},
			SequenceID:         e.sigSeq,
			ControlField:       5,
			LogMessageInterval: 0x7f,
		},
		TargetPortIdentity: target,
		TLVs:               tlvs,
	}
	e.sigSeq++
	buf := packet.NewBuffer(s, e.encap)
	defer buf.Release()
	if _, err := e.tr.Send(buf, p.index, to, nil); err != nil {
		e.Stats.TxErrors++
		return fmt.Errorf("sending signaling to %s: %w", to, err)
	}
	e.Stats.SignalingTx++
	for _, tlv := range tlvs {
		e.logSent(to, p.index, ptp.MessageSignaling, "%s", tlv.Type())
	}
	return nil
}

// SendSignaling implements unicast.Sender
func (e *Engine) SendSignaling(to netip.Addr, portIndex int, tlvs ...ptp.TLV) error {
	p := e.port(portIndex)
	if p == nil {
		return fmt.Errorf("no port %d", portIndex)
	}
	return e.sendSignaling(to, p, ptp.AllPortsIdentity, tlvs...)
}

// CommStateChanged implements unicast.Listener
func (e *Engine) CommStateChanged(m *unicast.Master, from, to unicast.CommState) {
	isParent := e.parentValid && e.parentAddr == m.Addr
	switch {
	case to < unicast.Connected && from >= unicast.Connected:
		if isParent {
			e.lostParent()
		}
	case to == unicast.Synchronized:
		if isParent {
			e.slave.SetSyncInterval(m.SyncInterval())
		}
	}
}

// StartTransmitter implements unicast.Transmitters. Delay_Resp needs no transmitter,
// the port responder answers while the grant runs.
func (e *Engine) StartTransmitter(peer netip.Addr, portIndex int, mt ptp.MessageType, li ptp.LogInterval) error {
	p := e.port(portIndex)
	if p == nil || p.cfg.Role != RoleMaster {
		return fmt.Errorf("port %d is not a master port", portIndex)
	}
	key := peerKey{addr: peer, port: portIndex}
	switch mt {
	case ptp.MessageSync:
		if m, ok := e.syncTx[key]; ok {
			m.SetLogInterval(li)
			return nil
		}
		e.syncTx[key] = master.NewMaster(e.txConfig(p, peer, li), e.list, e.tr, e.loop, e.clock)
	case ptp.MessageAnnounce:
		if a, ok := e.announceTx[key]; ok {
			a.SetLogInterval(li)
			return nil
		}
		e.announceTx[key] = master.NewAnnounce(e.txConfig(p, peer, li), e.list, e.tr, e)
	case ptp.MessageDelayResp:
	case ptp.MessageDelayReq, ptp.MessageFollowUp, ptp.MessageSignaling:
		return fmt.Errorf("no transmitter for %s", mt)
	}
	return nil
}

// StopTransmitter implements unicast.Transmitters
func (e *Engine) StopTransmitter(peer netip.Addr, portIndex int, mt ptp.MessageType) {
	key := peerKey{addr: peer, port: portIndex}
	switch mt {
	case ptp.MessageSync:
		if m, ok := e.syncTx[key]; ok {
			m.Close()
			delete(e.syncTx, key)
		}
	case ptp.MessageAnnounce:
		if a, ok := e.announceTx[key]; ok {
			a.Close()
			delete(e.announceTx, key)
		}
	case ptp.MessageDelayResp, ptp.MessageDelayReq, ptp.MessageFollowUp, ptp.MessageSignaling:
	}
}

// UnicastSync returns the unicast Sync transmitter serving peer on port
func (e *Engine) UnicastSync(peer netip.Addr, portIndex int) (*master.Master, bool) {
	m, ok := e.syncTx[peerKey{addr: peer, port: portIndex}]
	return m, ok
}

// transmitters returns the Sync and Announce transmitters serving peer on port.
// An invalid peer selects the multicast ones.
func (e *Engine) transmitters(portIndex int, peer netip.Addr) (*master.Master, *master.Announce) {
	if peer.IsValid() {
		key := peerKey{addr: peer, port: portIndex}
		return e.syncTx[key], e.announceTx[key]
	}
	p := e.port(portIndex)
	if p == nil {
		return nil, nil
	}
	return p.master, p.announce
}

// PeerReceiptTimeout slows down transmission to peer, which reported a Sync or
// Announce receipt timeout. It is a no-op unless the profile has a slowdown policy.
func (e *Engine) PeerReceiptTimeout(portIndex int, peer netip.Addr) {
	m, a := e.transmitters(portIndex, peer)
	if m != nil {
		m.PeerReceiptTimeout()
	}
	if a != nil {
		a.PeerReceiptTimeout()
	}
}

// PeerRecovered restores the configured intervals towards peer
func (e *Engine) PeerRecovered(portIndex int, peer netip.Addr) {
	m, a := e.transmitters(portIndex, peer)
	if m != nil {
		m.PeerRecovered()
	}
	if a != nil {
		a.PeerRecovered()
	}
}

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

// Package udp carries PTP over UDP/IPv4 with kernel software timestamps
package udp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/l2switch/ptpd/ptp/packet"
	ptp "github.com/l2switch/ptpd/ptp/protocol"
)

// PTP over UDP ports
const (
	EventPort   = 319
	GeneralPort = 320
)

const (
	// control message with a timestamp, several may queue up
	controlSize = 128
	// signaling with a few TLVs still fits
	payloadSize = 1500
	// look only for this many sequential tx timestamps
	maxTXTS     = 100
	pendingSize = 1024
	inboundSize = 256
	// readers wake up this often to check for shutdown
	readTimeout     = 500 * time.Millisecond
	defaultLinkPoll = time.Second
)

// MulticastGroup is the PTP primary multicast address
var MulticastGroup = netip.AddrFrom4([4]byte{224, 0, 1, 129})

// ErrUnsupported is returned where the platform has no socket timestamping
var ErrUnsupported = errors.New("udp transport is only supported on linux")

// ErrInjection is returned when asked to inject frames
var ErrInjection = errors.New("frame injection is not supported by the udp transport")

// Config of the transport. Each entry of Ifaces is one engine port, an empty name means any interface.
type Config struct {
	Ifaces   []string
	DSCP     int
	LinkPoll time.Duration
}

// Stats are transport counters
type Stats struct {
	Tx                uint64 `json:"tx_cnt"`
	TxErrors          uint64 `json:"tx_error_cnt"`
	TxTimestamps      uint64 `json:"tx_ts_cnt"`
	TxTimestampErrors uint64 `json:"tx_ts_error_cnt"`
	Rx                uint64 `json:"rx_cnt"`
	RxErrors          uint64 `json:"rx_error_cnt"`
	RxDecodeErrors    uint64 `json:"rx_decode_error_cnt"`
	LinkChanges       uint64 `json:"link_change_cnt"`
}

type counters struct {
	tx, txErrors, txTimestamps, txTimestampErrors atomic.Uint64
	rx, rxErrors, rxDecodeErrors, linkChanges     atomic.Uint64
}

type pendingTx struct {
	slot   uint32
	txDone packet.TxTimestampFunc
}

type udpPort struct {
	index   int
	iface   *net.Interface
	event   *net.UDPConn
	general *net.UDPConn
	eventFd int
	genFd   int
	up      atomic.Bool
	pending chan pendingTx
}

// Transport implements packet.Transport on a pair of sockets per port
type Transport struct {
	cfg     Config
	ports   []*udpPort
	inbound chan packet.Inbound
	slot    atomic.Uint32
	stats   counters
}

// New opens event and general sockets for every configured port
func New(cfg Config) (*Transport, error) {
	if len(cfg.Ifaces) == 0 {
		return nil, fmt.Errorf("no ports configured")
	}
	if cfg.DSCP < 0 || cfg.DSCP > 63 {
		return nil, fmt.Errorf("dscp %d is out of range", cfg.DSCP)
	}
	if cfg.LinkPoll <= 0 {
		cfg.LinkPoll = defaultLinkPoll
	}
	t := &Transport{
		cfg:     cfg,
		inbound: make(chan packet.Inbound, inboundSize),
	}
	for i, name := range cfg.Ifaces {
		p := &udpPort{index: i, pending: make(chan pendingTx, pendingSize)}
		if name != "" {
			iface, err := net.InterfaceByName(name)
			if err != nil {
				t.Close()
				return nil, fmt.Errorf("port %d: %w", i, err)
			}
			p.iface = iface
		}
		p.up.Store(true)
		t.ports = append(t.ports, p)
		if err := t.open(p); err != nil {
			t.Close()
			return nil, fmt.Errorf("port %d: %w", i, err)
		}
	}
	return t, nil
}

// Inbound returns decoded packets from all ports
func (t *Transport) Inbound() <-chan packet.Inbound {
	return t.inbound
}

func (t *Transport) port(i int) (*udpPort, error) {
	if i < 0 || i >= len(t.ports) {
		return nil, fmt.Errorf("no such port %d", i)
	}
	return t.ports[i], nil
}

func isEvent(mt ptp.MessageType) bool {
	return mt == ptp.MessageSync || mt == ptp.MessageDelayReq
}

// Send transmits b on port. Event messages get their transmit timestamp delivered to txDone later.
func (t *Transport) Send(b *packet.Buffer, port int, to netip.Addr, txDone packet.TxTimestampFunc) (uint32, error) {
	p, err := t.port(port)
	if err != nil {
		return 0, err
	}
	if p.event == nil || p.general == nil {
		return 0, fmt.Errorf("port %d is closed", port)
	}
	data, err := b.Pack()
	if err != nil {
		return 0, fmt.Errorf("packing %s: %w", b.Packet.MessageType(), err)
	}
	if !to.IsValid() {
		to = MulticastGroup
	}
	event := isEvent(b.Packet.MessageType())
	conn, dst := p.general, netip.AddrPortFrom(to, GeneralPort)
	if event {
		conn, dst = p.event, netip.AddrPortFrom(to, EventPort)
	}
	slot := t.slot.Add(1)
	if _, err := conn.WriteToUDPAddrPort(data, dst); err != nil {
		t.stats.txErrors.Add(1)
		return 0, fmt.Errorf("sending %s to %s: %w", b.Packet.MessageType(), dst, err)
	}
	t.stats.tx.Add(1)
	// every event frame leaves a timestamp on the error queue, in send order
	if event {
		p.pending <- pendingTx{slot: slot, txDone: txDone}
	}
	return slot, nil
}

// LinkUp reports the last polled carrier state of port
func (t *Transport) LinkUp(port int) bool {
	p, err := t.port(port)
	if err != nil {
		return false
	}
	return p.up.Load()
}

// InjectionSupported is always false, frames are sent by the kernel one at a time
func (t *Transport) InjectionSupported(int) bool {
	return false
}

// SetInjection only accepts a zero period
func (t *Transport) SetInjection(_ *packet.Buffer, _ int, _ netip.Addr, period time.Duration) error {
	if period == 0 {
		return nil
	}
	return ErrInjection
}

// InjectedFrames is always zero
func (t *Transport) InjectedFrames(*packet.Buffer) uint64 {
	return 0
}

// Stats returns a snapshot of transport counters
func (t *Transport) Stats() Stats {
	return Stats{
		Tx:                t.stats.tx.Load(),
		TxErrors:          t.stats.txErrors.Load(),
		TxTimestamps:      t.stats.txTimestamps.Load(),
		TxTimestampErrors: t.stats.txTimestampErrors.Load(),
		Rx:                t.stats.rx.Load(),
		RxErrors:          t.stats.rxErrors.Load(),
		RxDecodeErrors:    t.stats.rxDecodeErrors.Load(),
		LinkChanges:       t.stats.linkChanges.Load(),
	}
}

func (t *Transport) setLink(p *udpPort, up bool) {
	if p.up.Swap(up) == up {
		return
	}
	t.stats.linkChanges.Add(1)
	name := "any"
	if p.iface != nil {
		name = p.iface.Name
	}
	if up {
		log.Infof("port %d (%s): link up", p.index, name)
	} else {
		log.Warningf("port %d (%s): link down", p.index, name)
	}
}

func (t *Transport) decode(p *udpPort, data []byte, from netip.Addr, rx time.Time) (packet.Inbound, bool) {
	t.stats.rx.Add(1)
	pkt, err := ptp.DecodePacket(data)
	if err != nil {
		t.stats.rxDecodeErrors.Add(1)
		log.Debugf("port %d: dropping packet from %s: %v", p.index, from, err)
		return packet.Inbound{}, false
	}
	return packet.Inbound{Port: p.index, From: from.Unmap(), RxTime: rx, Packet: pkt}, true
}

// Close closes every socket. Run returns once its readers notice.
func (t *Transport) Close() {
	for _, p := range t.ports {
		if p.event != nil {
			p.event.Close()
		}
		if p.general != nil {
			p.general.Close()
		}
	}
}

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

package udp

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l2switch/ptpd/ptp/packet"
	ptp "github.com/l2switch/ptpd/ptp/protocol"
)

func buffer(mt ptp.MessageType, seq uint16) *packet.Buffer {
	h := ptp.Header{
		SdoIDAndMsgType: ptp.NewSdoIDAndMsgType(mt, 0),
		Version:         ptp.Version,
		SequenceID:      seq,
	}
	if mt == ptp.MessageAnnounce {
		return packet.NewBuffer(&ptp.Announce{Header: h}, packet.EncapUDPv4)
	}
	return packet.NewBuffer(&ptp.SyncDelayReq{Header: h}, packet.EncapUDPv4)
}

func loopbackPort(t *testing.T) *udpPort {
	event, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	general, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	p := &udpPort{event: event, general: general, pending: make(chan pendingTx, 4)}
	p.up.Store(true)
	return p
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	require.ErrorContains(t, err, "no ports")
	_, err = New(Config{Ifaces: []string{""}, DSCP: 64})
	require.ErrorContains(t, err, "dscp 64")
	_, err = New(Config{Ifaces: []string{"ptpd-no-such-iface0"}})
	require.Error(t, err)
}

func TestSend(t *testing.T) {
	p := loopbackPort(t)
	tr := &Transport{ports: []*udpPort{p}, inbound: make(chan packet.Inbound)}
	defer tr.Close()
	lo := netip.MustParseAddr("127.0.0.1")

	sync := buffer(ptp.MessageSync, 1)
	defer sync.Release()
	done := func(uint32, time.Time) {}
	slot, err := tr.Send(sync, 0, lo, done)
	require.NoError(t, err)
	require.Equal(t, uint32(1), slot)
	require.Len(t, p.pending, 1, "event frames wait for their timestamp")
	tx := <-p.pending
	require.Equal(t, uint32(1), tx.slot)
	require.NotNil(t, tx.txDone)

	announce := buffer(ptp.MessageAnnounce, 1)
	defer announce.Release()
	slot, err = tr.Send(announce, 0, lo, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(2), slot)
	require.Empty(t, p.pending, "general frames are not timestamped")

	_, err = tr.Send(sync, 1, lo, nil)
	require.ErrorContains(t, err, "no such port 1")
	require.Equal(t, Stats{Tx: 2}, tr.Stats())
}

func TestSendReleased(t *testing.T) {
	tr := &Transport{ports: []*udpPort{loopbackPort(t)}}
	defer tr.Close()
	b := buffer(ptp.MessageSync, 1)
	b.Release()
	_, err := tr.Send(b, 0, netip.Addr{}, nil)
	require.ErrorIs(t, err, packet.ErrReleased)
}

func TestInjectionUnsupported(t *testing.T) {
	tr := &Transport{}
	b := buffer(ptp.MessageSync, 1)
	defer b.Release()
	require.False(t, tr.InjectionSupported(0))
	require.NoError(t, tr.SetInjection(b, 0, netip.Addr{}, 0))
	require.ErrorIs(t, tr.SetInjection(b, 0, netip.Addr{}, time.Second), ErrInjection)
	require.Equal(t, uint64(0), tr.InjectedFrames(b))
}

func TestLinkState(t *testing.T) {
	p := &udpPort{}
	p.up.Store(true)
	tr := &Transport{ports: []*udpPort{p}}
	require.True(t, tr.LinkUp(0))
	require.False(t, tr.LinkUp(3))

	tr.setLink(p, true)
	require.Equal(t, uint64(0), tr.Stats().LinkChanges)
	tr.setLink(p, false)
	require.False(t, tr.LinkUp(0))
	tr.setLink(p, true)
	require.True(t, tr.LinkUp(0))
	require.Equal(t, uint64(2), tr.Stats().LinkChanges)
}

func TestDecode(t *testing.T) {
	p := &udpPort{index: 2}
	tr := &Transport{}
	from := netip.MustParseAddr("::ffff:192.168.0.1")
	rx := time.Unix(100, 5)

	_, ok := tr.decode(p, []byte{1, 2, 3}, from, rx)
	require.False(t, ok)

	b := buffer(ptp.MessageSync, 42)
	defer b.Release()
	data, err := b.Pack()
	require.NoError(t, err)
	in, ok := tr.decode(p, data, from, rx)
	require.True(t, ok)
	require.Equal(t, 2, in.Port)
	require.Equal(t, netip.MustParseAddr("192.168.0.1"), in.From)
	require.Equal(t, rx, in.RxTime)
	require.Equal(t, uint16(42), in.Packet.Hdr().SequenceID)
	require.Equal(t, Stats{Rx: 2, RxDecodeErrors: 1}, tr.Stats())
}

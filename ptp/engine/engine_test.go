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
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/l2switch/ptpd/clock"
	"github.com/l2switch/ptpd/ptp/packet"
	ptp "github.com/l2switch/ptpd/ptp/protocol"
	"github.com/l2switch/ptpd/ptp/slave"
	"github.com/l2switch/ptpd/ptp/stats"
)

var (
	peerAddr = netip.MustParseAddr("192.0.2.2")
	peerID   = ptp.PortIdentity{ClockIdentity: 0x0a0b0cfffe0d0e0f, PortNumber: 1}
)

// grandmasterConfig has no periodic transmitters so tests control all traffic
func grandmasterConfig() *Config {
	c := validConfig()
	c.LogSyncInterval = ptp.LogIntervalNever
	c.LogAnnounceInterval = ptp.LogIntervalNever
	return c
}

func newTestEngine(t *testing.T, cfg *Config) (*Engine, *packet.MockTransport) {
	ctrl := gomock.NewController(t)
	tr := packet.NewMockTransport(ctrl)
	e, err := New(cfg, tr, &clock.FreeRunning{}, nil)
	require.NoError(t, err)
	return e, tr
}

func delayReq(seq uint16, flags uint16) *ptp.SyncDelayReq {
	return &ptp.SyncDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageDelayReq, 0),
			Version:            ptp.Version,
			FlagField:          flags,
			SourcePortIdentity: peerID,
			SequenceID:         seq,
		},
	}
}

func signaling(tlvs ...ptp.TLV) *ptp.Signaling {
	return &ptp.Signaling{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageSignaling, 0),
			Version:            ptp.Version,
			FlagField:          ptp.FlagUnicast,
			SourcePortIdentity: peerID,
		},
		TargetPortIdentity: ptp.AllPortsIdentity,
		TLVs:               tlvs,
	}
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := grandmasterConfig()
	cfg.Ports = nil
	_, err := New(cfg, nil, &clock.FreeRunning{}, nil)
	require.ErrorContains(t, err, "validating config")
}

func TestDispatchFilters(t *testing.T) {
	e, _ := newTestEngine(t, grandmasterConfig())
	defer e.Close()
	now := time.Unix(1700000000, 0)

	own := delayReq(1, 0)
	own.SourcePortIdentity.ClockIdentity = e.Identity()
	e.HandlePacket(packet.Inbound{Port: 0, From: peerAddr, RxTime: now, Packet: own})

	other := delayReq(2, 0)
	other.DomainNumber = 7
	e.HandlePacket(packet.Inbound{Port: 0, From: peerAddr, RxTime: now, Packet: other})

	e.HandlePacket(packet.Inbound{Port: 3, From: peerAddr, RxTime: now, Packet: delayReq(3, 0)})

	// Sync on a master port
	sync := delayReq(4, 0)
	sync.SdoIDAndMsgType = ptp.NewSdoIDAndMsgType(ptp.MessageSync, 0)
	e.HandlePacket(packet.Inbound{Port: 0, From: peerAddr, RxTime: now, Packet: sync})

	require.Equal(t, Stats{Rx: 4, RxOwn: 1, RxOtherDomain: 1, RxUnhandled: 2}, e.Stats)
}

func TestDelayReqAnswered(t *testing.T) {
	e, tr := newTestEngine(t, grandmasterConfig())
	defer e.Close()
	rx := time.Unix(1700000000, 123)

	tr.EXPECT().Send(gomock.Any(), 0, netip.Addr{}, gomock.Any()).DoAndReturn(
		func(b *packet.Buffer, _ int, _ netip.Addr, _ packet.TxTimestampFunc) (uint32, error) {
			r := b.Packet.(*ptp.DelayResp)
			require.Equal(t, uint16(9), r.SequenceID)
			require.Equal(t, peerID, r.RequestingPortIdentity)
			require.Equal(t, rx, r.ReceiveTimestamp.Time())
			return 1, nil
		})
	e.HandlePacket(packet.Inbound{Port: 0, From: peerAddr, RxTime: rx, Packet: delayReq(9, 0)})
	require.Equal(t, uint64(0), e.Stats.RxUnhandled)
}

func TestUnicastDelayReqNeedsGrant(t *testing.T) {
	cfg := grandmasterConfig()
	cfg.Transport = ModeUnicast
	e, tr := newTestEngine(t, cfg)
	defer e.Close()
	now := time.Unix(1700000000, 0)

	e.HandlePacket(packet.Inbound{Port: 0, From: peerAddr, RxTime: now, Packet: delayReq(1, ptp.FlagUnicast)})
	require.Equal(t, uint64(1), e.Stats.RxUnhandled)

	var sent []*ptp.Signaling
	tr.EXPECT().Send(gomock.Any(), 0, peerAddr, gomock.Any()).DoAndReturn(
		func(b *packet.Buffer, _ int, _ netip.Addr, _ packet.TxTimestampFunc) (uint32, error) {
			if s, ok := b.Packet.(*ptp.Signaling); ok {
				sent = append(sent, s)
			}
			return 1, nil
		}).Times(2)
	e.HandlePacket(packet.Inbound{Port: 0, From: peerAddr, RxTime: now,
		Packet: signaling(ptp.NewRequestTLV(ptp.MessageDelayResp, 0, 60))})
	require.Len(t, sent, 1)
	e.HandlePacket(packet.Inbound{Port: 0, From: peerAddr, RxTime: now, Packet: delayReq(2, ptp.FlagUnicast)})
	require.Equal(t, uint64(1), e.Stats.RxUnhandled)
}

func TestSignalingGrantAndCancel(t *testing.T) {
	cfg := grandmasterConfig()
	cfg.Transport = ModeUnicast
	cfg.MaxDuration = 100
	e, tr := newTestEngine(t, cfg)
	defer e.Close()
	now := time.Unix(1700000000, 0)

	var replies []*ptp.Signaling
	tr.EXPECT().Send(gomock.Any(), 0, peerAddr, gomock.Nil()).DoAndReturn(
		func(b *packet.Buffer, _ int, _ netip.Addr, _ packet.TxTimestampFunc) (uint32, error) {
			s := b.Packet.(*ptp.Signaling)
			cp := *s
			replies = append(replies, &cp)
			return 1, nil
		}).Times(2)

	e.HandlePacket(packet.Inbound{Port: 0, From: peerAddr, RxTime: now,
		Packet: signaling(ptp.NewRequestTLV(ptp.MessageSync, -3, 300), ptp.NewRequestTLV(ptp.MessageSync, -20, 300))})
	require.Len(t, replies, 1)
	r := replies[0]
	require.Equal(t, peerID, r.TargetPortIdentity)
	require.True(t, r.Unicast())
	require.Equal(t, ptp.LogInterval(0x7f), r.LogMessageInterval)
	require.Len(t, r.TLVs, 2)
	g := r.TLVs[0].(*ptp.GrantUnicastTransmissionTLV)
	require.Equal(t, uint32(100), g.DurationField, "capped at the maximum duration")
	require.Equal(t, ptp.LogInterval(-3), g.LogInterMessagePeriod)
	require.Equal(t, uint32(0), r.TLVs[1].(*ptp.GrantUnicastTransmissionTLV).DurationField, "interval below minimum")

	require.Equal(t, 1, e.UnicastMasters().Len())
	m, ok := e.UnicastSync(peerAddr, 0)
	require.True(t, ok)
	require.Equal(t, ptp.LogInterval(-3), m.LogInterval())

	e.HandlePacket(packet.Inbound{Port: 0, From: peerAddr, RxTime: now,
		Packet: signaling(ptp.NewCancelTLV(ptp.MessageSync))})
	require.Len(t, replies, 2)
	require.IsType(t, &ptp.AcknowledgeCancelUnicastTransmissionTLV{}, replies[1].TLVs[0])
	_, ok = e.UnicastSync(peerAddr, 0)
	require.False(t, ok)
	require.Equal(t, uint64(2), e.Stats.SignalingTx)
	require.Equal(t, uint64(2), e.Stats.SignalingRx)
}

func TestSignalingDeniedWithoutUnicast(t *testing.T) {
	e, tr := newTestEngine(t, grandmasterConfig())
	defer e.Close()

	tr.EXPECT().Send(gomock.Any(), 0, peerAddr, gomock.Any()).DoAndReturn(
		func(b *packet.Buffer, _ int, _ netip.Addr, _ packet.TxTimestampFunc) (uint32, error) {
			g := b.Packet.(*ptp.Signaling).TLVs[0].(*ptp.GrantUnicastTransmissionTLV)
			require.Equal(t, ptp.MessageAnnounce, g.MsgTypeAndReserved.MsgType())
			require.Equal(t, uint32(0), g.DurationField)
			return 1, nil
		})
	e.HandlePacket(packet.Inbound{Port: 0, From: peerAddr, RxTime: time.Now(),
		Packet: signaling(ptp.NewRequestTLV(ptp.MessageAnnounce, 1, 60))})
}

func TestSignalingForSomeoneElse(t *testing.T) {
	e, _ := newTestEngine(t, grandmasterConfig())
	defer e.Close()
	s := signaling(ptp.NewRequestTLV(ptp.MessageAnnounce, 1, 60))
	s.TargetPortIdentity = ptp.PortIdentity{ClockIdentity: 42, PortNumber: 1}
	e.HandlePacket(packet.Inbound{Port: 0, From: peerAddr, RxTime: time.Now(), Packet: s})
	require.Equal(t, uint64(1), e.Stats.RxUnhandled)
}

func TestPeerReceiptTimeoutSlowsDown(t *testing.T) {
	cfg := validConfig()
	cfg.Profile = "802.1as"
	cfg.LogSyncInterval = -3
	cfg.LogAnnounceInterval = 0
	ctrl := gomock.NewController(t)
	tr := packet.NewMockTransport(ctrl)
	tr.EXPECT().InjectionSupported(0).Return(false).AnyTimes()
	e, err := New(cfg, tr, &clock.FreeRunning{}, nil)
	require.NoError(t, err)
	defer e.Close()

	m, a := e.transmitters(0, netip.Addr{})
	require.NotNil(t, m)
	require.NotNil(t, a)

	e.PeerReceiptTimeout(0, netip.Addr{})
	require.Equal(t, ptp.LogInterval(-2), m.LogInterval())
	require.Equal(t, ptp.LogInterval(1), a.LogInterval())

	// unknown peer and port are ignored
	e.PeerReceiptTimeout(0, peerAddr)
	e.PeerReceiptTimeout(5, netip.Addr{})
	require.Equal(t, uint64(1), m.Stats.Slowdowns)

	e.PeerRecovered(0, netip.Addr{})
	require.Equal(t, ptp.LogInterval(-3), m.LogInterval())
	require.Equal(t, ptp.LogInterval(0), a.LogInterval())
}

func TestGrandmasterDataset(t *testing.T) {
	cfg := grandmasterConfig()
	cfg.Priority1 = 10
	cfg.ClockClass = ptp.ClockClass6
	e, _ := newTestEngine(t, cfg)
	defer e.Close()

	ds := e.Dataset()
	require.Equal(t, e.Identity(), ds.GrandmasterIdentity)
	require.Equal(t, uint8(10), ds.Priority1)
	require.Equal(t, ptp.ClockClass6, ds.ClockQuality.ClockClass)
	require.Equal(t, uint16(0), ds.StepsRemoved)
	require.Equal(t, slave.FreeRun, e.ClockState())
	require.Nil(t, e.Slave())
	require.Nil(t, e.UnicastSlaves())
}

func TestStatsPublished(t *testing.T) {
	st := stats.NewStats()
	ctrl := gomock.NewController(t)
	tr := packet.NewMockTransport(ctrl)
	e, err := New(grandmasterConfig(), tr, &clock.FreeRunning{}, st)
	require.NoError(t, err)

	e.Start()
	next, ok := e.Tick(0)
	require.True(t, ok)
	require.Equal(t, time.Second, next)

	e.HandlePacket(packet.Inbound{Port: 3, From: peerAddr, RxTime: time.Now(), Packet: delayReq(1, 0)})
	e.Tick(time.Second)
	c := st.GetCounters()
	require.Equal(t, int64(1), c["engine.rx_cnt"])
	require.Equal(t, int64(1), c["engine.rx_unhandled_cnt"])
	require.Contains(t, c, "port.1.responder.delay_req_rx_cnt")
	state, name := st.ClockState()
	require.Equal(t, int64(slave.FreeRun), state)
	require.Equal(t, "FREERUN", name)

	e.Close()
	e.Close()
	require.ErrorIs(t, e.Run(context.Background(), nil), ErrNotRunning)
}

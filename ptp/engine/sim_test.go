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
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ptp "github.com/l2switch/ptpd/ptp/protocol"
	"github.com/l2switch/ptpd/ptp/sim"
	"github.com/l2switch/ptpd/ptp/slave"
	"github.com/l2switch/ptpd/ptp/unicast"
)

var (
	simEpoch  = time.Unix(1700000000, 0)
	gmAddr    = netip.MustParseAddr("10.0.0.1")
	slaveAddr = netip.MustParseAddr("10.0.0.2")
)

func simConfig(identity string, role PortRole) *Config {
	c := DefaultConfig()
	c.ClockIdentity = identity
	c.Ports = []PortConfig{{Name: "lan", Role: role}}
	c.Servo.SpikeFilter = false
	return c
}

func simNode(t *testing.T, n *sim.Network, addr netip.Addr, cfg *Config, c *sim.Clock) (*Engine, *sim.Transport) {
	tr := n.Join(addr, c, "lan")
	e, err := New(cfg, tr, c, nil)
	require.NoError(t, err)
	tr.Attach(e)
	t.Cleanup(e.Close)
	return e, tr
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func TestSimMulticastLock(t *testing.T) {
	n := sim.NewNetwork(sim.Config{Delay: 50 * time.Microsecond}, simEpoch)
	gm, _ := simNode(t, n, gmAddr, simConfig("00:00:00:00:00:01", RoleMaster), n.NewClock(0, 0))
	slaveClock := n.NewClock(10000, 3*time.Millisecond)
	e, _ := simNode(t, n, slaveAddr, simConfig("00:00:00:00:00:02", RoleSlave), slaveClock)

	n.RunFor(3 * time.Minute)
	require.Equal(t, slave.PhaseLocked, e.ClockState())
	require.Less(t, abs(slaveClock.Offset()), time.Microsecond)
	require.InDelta(t, 0, slaveClock.FreqError(), 10)
	require.Equal(t, 1, slaveClock.Steps())
	require.InDelta(t, float64(50*time.Microsecond), float64(e.Servo().PathDelay()), float64(time.Microsecond))

	id, addr, ok := e.Parent()
	require.True(t, ok)
	require.Equal(t, gmAddr, addr)
	require.Equal(t, ptp.PortIdentity{ClockIdentity: gm.Identity(), PortNumber: 1}, id)
	require.Equal(t, uint64(1), e.Stats.ParentChanges)
	require.Zero(t, e.Slave().Stats.SyncPackTimeout)
	require.NotZero(t, e.Slave().Stats.DelayCalc)

	ds := e.Dataset()
	require.Equal(t, gm.Identity(), ds.GrandmasterIdentity)
	require.Equal(t, uint16(1), ds.StepsRemoved)
	require.Equal(t, ptp.ClockClass248, ds.ClockQuality.ClockClass)
}

// delay asymmetry shows up as half of it in the clock offset
func TestSimAsymmetry(t *testing.T) {
	n := sim.NewNetwork(sim.Config{Delay: 50 * time.Microsecond, Asymmetry: 20 * time.Microsecond}, simEpoch)
	simNode(t, n, gmAddr, simConfig("00:00:00:00:00:01", RoleMaster), n.NewClock(0, 0))
	slaveClock := n.NewClock(-2000, 0)
	e, _ := simNode(t, n, slaveAddr, simConfig("00:00:00:00:00:02", RoleSlave), slaveClock)

	n.RunFor(3 * time.Minute)
	require.Equal(t, slave.PhaseLocked, e.ClockState())
	require.InDelta(t, float64(-10*time.Microsecond), float64(slaveClock.Offset()), float64(time.Microsecond))
	require.InDelta(t, float64(60*time.Microsecond), float64(e.Servo().PathDelay()), float64(time.Microsecond))
}

func TestSimHoldover(t *testing.T) {
	n := sim.NewNetwork(sim.Config{Delay: 10 * time.Microsecond}, simEpoch)
	gm, gmTr := simNode(t, n, gmAddr, simConfig("00:00:00:00:00:01", RoleMaster), n.NewClock(0, 0))
	cfg := simConfig("00:00:00:00:00:02", RoleSlave)
	cfg.HoldoverTime = time.Minute
	slaveClock := n.NewClock(5000, 0)
	e, _ := simNode(t, n, slaveAddr, cfg, slaveClock)

	n.RunFor(3 * time.Minute)
	require.Equal(t, slave.PhaseLocked, e.ClockState())

	gmTr.SetLinkDown(0, true)
	n.RunFor(4 * time.Second)
	require.Equal(t, slave.Recovering, e.ClockState())
	require.Equal(t, uint64(1), e.Slave().Stats.SyncPackTimeout)

	n.RunFor(6 * time.Second)
	require.Equal(t, slave.Holdover, e.ClockState())
	require.Equal(t, uint64(1), e.Stats.AnnounceTimeouts)
	_, _, ok := e.Parent()
	require.False(t, ok)

	ds := e.Dataset()
	require.Equal(t, gm.Identity(), ds.GrandmasterIdentity)
	require.Equal(t, ptp.ClockClass187, ds.ClockQuality.ClockClass)
	require.Zero(t, ds.TimeFlags&(ptp.FlagTimeTraceable|ptp.FlagFrequencyTraceable))
	// the clock keeps running on its last frequency
	require.Less(t, abs(slaveClock.Offset()), 2*time.Microsecond)

	n.RunFor(time.Minute)
	require.Equal(t, slave.FreeRun, e.ClockState())
	ds = e.Dataset()
	require.Equal(t, e.Identity(), ds.GrandmasterIdentity)
	require.Equal(t, ptp.ClockClass248, ds.ClockQuality.ClockClass)

	gmTr.SetLinkDown(0, false)
	n.RunFor(3 * time.Minute)
	require.True(t, e.ClockState().Locked())
	require.Equal(t, uint64(2), e.Stats.ParentChanges)
}

func TestSimRecoveringDataset(t *testing.T) {
	n := sim.NewNetwork(sim.Config{Delay: 10 * time.Microsecond}, simEpoch)
	gmCfg := simConfig("00:00:00:00:00:01", RoleMaster)
	gmCfg.ClockClass = ptp.ClockClass6
	gm, gmTr := simNode(t, n, gmAddr, gmCfg, n.NewClock(0, 0))
	e, _ := simNode(t, n, slaveAddr, simConfig("00:00:00:00:00:02", RoleSlave), n.NewClock(5000, 0))

	n.RunFor(3 * time.Minute)
	require.Equal(t, slave.PhaseLocked, e.ClockState())
	require.Equal(t, ptp.ClockClass6, e.Dataset().ClockQuality.ClockClass)

	gmTr.SetLinkDown(0, true)
	n.RunFor(4 * time.Second)
	require.Equal(t, slave.Recovering, e.ClockState())
	require.Equal(t, slave.ServoStatus{}, e.Servo().Status())

	ds := e.Dataset()
	require.Equal(t, gm.Identity(), ds.GrandmasterIdentity)
	require.Equal(t, ptp.ClockClass187, ds.ClockQuality.ClockClass, "a recovering clock is not locked")
	require.Zero(t, ds.TimeFlags&(ptp.FlagTimeTraceable|ptp.FlagFrequencyTraceable))
}

func TestSimUnicastNegotiation(t *testing.T) {
	n := sim.NewNetwork(sim.Config{Delay: 20 * time.Microsecond}, simEpoch)
	gmCfg := simConfig("00:00:00:00:00:01", RoleMaster)
	gmCfg.Transport = ModeUnicast
	gm, _ := simNode(t, n, gmAddr, gmCfg, n.NewClock(0, 0))

	cfg := simConfig("00:00:00:00:00:02", RoleSlave)
	cfg.Transport = ModeUnicast
	cfg.UnicastMasters = []string{gmAddr.String()}
	cfg.GrantDuration = 60
	slaveClock := n.NewClock(-7000, -time.Millisecond)
	e, _ := simNode(t, n, slaveAddr, cfg, slaveClock)

	n.RunFor(10 * time.Second)
	m := e.UnicastSlaves().Master(gmAddr)
	require.NotNil(t, m)
	require.Equal(t, unicast.Synchronized, m.State())
	require.Same(t, m, e.UnicastSlaves().Selected())
	require.Equal(t, 1, gm.UnicastMasters().Len())
	_, ok := gm.UnicastSync(slaveAddr, 0)
	require.True(t, ok)
	require.True(t, gm.UnicastMasters().Granted(slaveAddr, 0, ptp.MessageDelayResp))

	// grants are renewed well before they run out
	n.RunFor(3 * time.Minute)
	require.Equal(t, unicast.Synchronized, m.State())
	require.Equal(t, slave.PhaseLocked, e.ClockState())
	require.Less(t, abs(slaveClock.Offset()), time.Microsecond)
	require.Zero(t, gm.UnicastMasters().Stats.Expired)
	require.Greater(t, e.UnicastSlaves().Stats.RequestTx, uint64(3))

	e.Close()
	n.RunFor(time.Second)
	require.Equal(t, 0, gm.UnicastMasters().Len())
	_, ok = gm.UnicastSync(slaveAddr, 0)
	require.False(t, ok)
	require.Equal(t, uint64(3), gm.UnicastMasters().Stats.CancelRx)
}

func TestSimUnicastDenied(t *testing.T) {
	n := sim.NewNetwork(sim.Config{Delay: 20 * time.Microsecond}, simEpoch)
	// multicast master does not grant anything
	simNode(t, n, gmAddr, simConfig("00:00:00:00:00:01", RoleMaster), n.NewClock(0, 0))

	cfg := simConfig("00:00:00:00:00:02", RoleSlave)
	cfg.Transport = ModeUnicast
	cfg.UnicastMasters = []string{gmAddr.String()}
	e, _ := simNode(t, n, slaveAddr, cfg, n.NewClock(0, 0))

	n.RunFor(time.Second)
	m := e.UnicastSlaves().Master(gmAddr)
	require.Equal(t, unicast.Idle, m.State())
	require.Equal(t, uint64(1), e.UnicastSlaves().Stats.DenialRx)
	require.Equal(t, slave.FreeRun, e.ClockState())

	// retried later
	n.RunFor(unicast.DefaultRetryInterval)
	require.Equal(t, uint64(2), e.UnicastSlaves().Stats.DenialRx)
}

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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ptp "github.com/l2switch/ptpd/ptp/protocol"
)

func validConfig() *Config {
	c := DefaultConfig()
	c.ClockIdentity = "00:11:22:33:44:55"
	c.Ports = []PortConfig{{Name: "p1", Role: RoleMaster}}
	return c
}

func TestDefaultConfigNeedsPorts(t *testing.T) {
	c := DefaultConfig()
	c.ClockIdentity = "00:11:22:33:44:55"
	require.ErrorContains(t, c.Validate(), "at least one port")
	require.NoError(t, validConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(c *Config)
		err    string
	}{
		{"profile", func(c *Config) { c.Profile = "smpte" }, "unknown profile"},
		{"domain", func(c *Config) { c.Profile = "g8275.1"; c.Domain = 0 }, "outside of 24-43"},
		{"transport", func(c *Config) { c.Transport = "broadcast" }, "transport must be"},
		{"delay", func(c *Config) { c.DelayMechanism = "p2p" }, "delay_mechanism"},
		{"one step", func(c *Config) { c.OneStepHW = true }, "mutually exclusive"},
		{"identity", func(c *Config) { c.ClockIdentity = "nope" }, "invalid clock_identity"},
		{"role", func(c *Config) { c.Ports[0].Role = "boss" }, "role must be"},
		{"two slaves", func(c *Config) {
			c.Ports = []PortConfig{{Role: RoleSlave}, {Role: RoleSlave}}
		}, "at most one slave"},
		{"unicast slave", func(c *Config) {
			c.Transport = ModeUnicast
			c.Ports[0].Role = RoleSlave
		}, "at least one unicast master"},
		{"too many masters", func(c *Config) {
			c.MaxMasters = 1
			c.UnicastMasters = []string{"192.0.2.1", "192.0.2.2"}
		}, "at most 1 allowed"},
		{"bad master", func(c *Config) { c.UnicastMasters = []string{"ptp.example.com"} }, "invalid unicast master"},
		{"announce timeout", func(c *Config) { c.AnnounceTimeout = 1 }, "announce_receipt_timeout"},
		{"grant duration", func(c *Config) { c.GrantDuration = 0 }, "grant durations"},
		{"max peers", func(c *Config) { c.MaxPeers = 0 }, "max_peers"},
		{"holdover", func(c *Config) { c.HoldoverTime = 0 }, "holdover"},
		{"queue", func(c *Config) { c.QueueSize = 0 }, "delay_queue_size"},
		{"dscp", func(c *Config) { c.DSCP = 64 }, "dscp"},
		{"monitoring port", func(c *Config) { c.MonitoringPort = -1 }, "monitoring_port"},
		{"stats interval", func(c *Config) { c.StatsInterval = 0 }, "stats_interval"},
		{"servo thresholds", func(c *Config) { c.Servo.PhaseLockThreshold = time.Millisecond }, "phase_lock_threshold"},
		{"servo samples", func(c *Config) { c.Servo.HoldoverSamples = 1 }, "holdover_samples"},
		{"servo step", func(c *Config) { c.Servo.StepThreshold = -1 }, "step thresholds"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.modify(c)
			require.ErrorContains(t, c.Validate(), tc.err)
		})
	}
}

func TestConfigIdentity(t *testing.T) {
	c := validConfig()
	id, err := c.Identity()
	require.NoError(t, err)
	require.Equal(t, ptp.ClockIdentity(0x001122fffe334455), id)

	c.ClockIdentity = "001122.fffe.334455"
	id, err = c.Identity()
	require.NoError(t, err)
	require.Equal(t, ptp.ClockIdentity(0x001122fffe334455), id)
	require.Equal(t, c.ClockIdentity, id.String())

	c.ClockIdentity = ""
	_, err = c.Identity()
	require.ErrorContains(t, err, "clock_identity must be specified")

	c.Ports[0].Iface = "does-not-exist0"
	_, err = c.Identity()
	require.ErrorContains(t, err, "does-not-exist0")
}

func TestReadConfig(t *testing.T) {
	expected := DefaultConfig()
	expected.Domain = 24
	expected.Profile = "g8275.1"
	expected.ClockIdentity = "001122.fffe.334455"
	expected.Transport = ModeUnicast
	expected.Ports = []PortConfig{
		{Name: "uplink", Iface: "eth0", Role: RoleSlave},
		{Name: "downlink", Iface: "eth1", Role: RoleMaster, UnicastDeny: true},
	}
	expected.LogSyncInterval = -4
	expected.UnicastMasters = []string{"192.0.2.1", "2001:db8::1"}
	expected.HoldoverTime = 10 * time.Minute
	expected.Servo.StepThreshold = time.Millisecond

	cfg := `
domain: 24
profile: g8275.1
clock_identity: 001122.fffe.334455
transport: unicast
ports:
  - name: uplink
    iface: eth0
    role: slave
  - name: downlink
    iface: eth1
    role: master
    unicast_deny: true
log_sync_interval: -4
unicast_masters:
  - 192.0.2.1
  - 2001:db8::1
holdover_time: 10m
servo:
  step_threshold: 1ms
`
	path := filepath.Join(t.TempDir(), "ptpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))

	c, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, expected, c)
	require.NoError(t, c.Validate())
	require.True(t, c.Unicast())

	_, err = ReadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestPrepareConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ptpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("clock_identity: \"00:11:22:33:44:55\"\nports:\n  - role: slave\n"), 0644))

	c, err := PrepareConfig(path, Overrides{
		Profile:        "802.1as",
		Domain:         5,
		MonitoringPort: 9999,
		DSCP:           46,
		UnicastMasters: []string{"192.0.2.10"},
	}, map[string]bool{"profile": true, "domain": true, "monitoringport": true, "dscp": true})
	require.NoError(t, err)
	require.Equal(t, "802.1as", c.Profile)
	require.Equal(t, ptp.LogInterval(-3), c.LogSyncInterval)
	require.Equal(t, uint8(5), c.Domain)
	require.Equal(t, 9999, c.MonitoringPort)
	require.Equal(t, 46, c.DSCP)
	require.Equal(t, ModeUnicast, c.Transport)
	require.Equal(t, []string{"192.0.2.10"}, c.UnicastMasters)

	// flags not set on the command line are ignored
	c, err = PrepareConfig(path, Overrides{Domain: 5}, map[string]bool{})
	require.NoError(t, err)
	require.Equal(t, uint8(0), c.Domain)

	_, err = PrepareConfig(path, Overrides{Domain: 200}, map[string]bool{"domain": true})
	require.ErrorContains(t, err, "validating config")
}

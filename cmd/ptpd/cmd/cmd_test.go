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

package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v2"

	"github.com/l2switch/ptpd/ptp/engine"
)

func TestRunSim(t *testing.T) {
	o := simOptions{
		duration: 3 * time.Minute,
		report:   time.Minute,
		driftPPB: 10000,
		offset:   time.Millisecond,
		delay:    50 * time.Microsecond,
		seed:     1,
		pcap:     filepath.Join(t.TempDir(), "sim.pcap"),
	}
	var out bytes.Buffer
	require.NoError(t, runSim(o, &out))
	lines := strings.Split(out.String(), "\n")
	var last string
	for _, l := range lines {
		if strings.Contains(l, "3m0s") {
			last = l
		}
	}
	require.Contains(t, last, "PHASE_LOCKED", out.String())

	f, err := os.Open(o.pcap)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	_, _, err = r.ReadPacketData()
	require.NoError(t, err)
}

func TestRunSimUnicast(t *testing.T) {
	o := simOptions{duration: time.Minute, report: 30 * time.Second, driftPPB: -5000, delay: 20 * time.Microsecond, unicast: true}
	var out bytes.Buffer
	require.NoError(t, runSim(o, &out))
	require.Contains(t, out.String(), "30s")
	require.Contains(t, out.String(), "1m0s")
}

func TestRunSimBadReport(t *testing.T) {
	require.Error(t, runSim(simOptions{duration: time.Second, report: time.Minute}, &bytes.Buffer{}))
	require.Error(t, runSim(simOptions{duration: time.Second}, &bytes.Buffer{}))
}

func TestPrintConfig(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.Ports = []engine.PortConfig{{Name: "eth0", Iface: "eth0", Role: engine.RoleSlave}}
	var out bytes.Buffer
	c := RootCmd
	c.SetOut(&out)
	defer c.SetOut(nil)
	require.NoError(t, printConfig(c, cfg))

	got := map[string]any{}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	require.Equal(t, "multicast", got["transport"])
	require.Contains(t, out.String(), "iface: eth0")
}

func TestSetFlags(t *testing.T) {
	require.NoError(t, runCmd.Flags().Set("domain", "24"))
	defer func() { _ = runCmd.Flags().Set("domain", "0") }()
	got := setFlags(runCmd)
	require.True(t, got["domain"])
	require.False(t, got["iface"])
	require.Equal(t, 24, runOverrides.Domain)
}

func TestVersion(t *testing.T) {
	require.True(t, strings.HasPrefix(versionString(), "ptpd "))
}

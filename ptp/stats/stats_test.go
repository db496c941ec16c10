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

package stats

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"
)

type portCounters struct {
	SyncRx  uint64 `json:"sync_rx_cnt"`
	Offset  int64  `json:"offset"`
	Locked  bool   `json:"locked"`
	Name    string `json:"name"`
	Ratio   float64
	Nested  nested `json:"nested"`
	private int
}

type nested struct {
	Lost uint64 `json:"lost"`
}

func TestFlatten(t *testing.T) {
	c := portCounters{SyncRx: 10, Offset: -42, Locked: true, Name: "eth0", Ratio: 2.5, Nested: nested{Lost: 3}, private: 1}
	flat, err := Flatten("port.1", c)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{
		"port.1.sync_rx_cnt": 10,
		"port.1.offset":      -42,
		"port.1.locked":      1,
		"port.1.Ratio":       2,
		"port.1.nested.lost": 3,
	}, flat)

	_, err = Flatten("", 42)
	require.Error(t, err)
}

func TestStats(t *testing.T) {
	s := NewStats()
	s.SetCounter("a", 1)
	s.UpdateCounterBy("a", 2)
	s.UpdateCounterBy("b", 5)
	require.NoError(t, s.SetCounters("slave", portCounters{SyncRx: 7}))
	s.SetClockState(7, "PHASE_LOCKED")

	c := s.GetCounters()
	require.Equal(t, int64(3), c["a"])
	require.Equal(t, int64(5), c["b"])
	require.Equal(t, int64(7), c["slave.sync_rx_cnt"])
	require.Equal(t, int64(7), c[ClockStateKey])
	state, name := s.ClockState()
	require.Equal(t, int64(7), state)
	require.Equal(t, "PHASE_LOCKED", name)

	// returned map is a copy
	c["a"] = 100
	require.Equal(t, int64(3), s.GetCounters()["a"])

	s.Reset()
	for k, v := range s.GetCounters() {
		require.Equal(t, int64(0), v, k)
	}
}

func TestServerJSON(t *testing.T) {
	s := NewStats()
	s.SetCounter("slave.sync_rx_cnt", 12)
	srv := httptest.NewServer(NewServer(s).Handler())
	defer srv.Close()

	counters, err := FetchCounters(srv.URL)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"slave.sync_rx_cnt": 12}, counters)

	counters, err = FetchCounters(srv.URL + "/counters")
	require.NoError(t, err)
	require.Equal(t, []string{"slave.sync_rx_cnt"}, maps.Keys(counters))
}

func TestCollector(t *testing.T) {
	s := NewStats()
	s.SetCounter("slave.sync_rx_cnt", 12)
	s.SetClockState(4, "FREQ_LOCKED")
	c := NewCollector(s)
	require.Equal(t, 2, testutil.CollectAndCount(c))

	expected := `
# HELP ptpd_clock_state Clock state of the slave port, labelled with the state name
# TYPE ptpd_clock_state gauge
ptpd_clock_state{state="FREQ_LOCKED"} 4
# HELP ptpd_slave_sync_rx_cnt slave.sync_rx_cnt
# TYPE ptpd_slave_sync_rx_cnt gauge
ptpd_slave_sync_rx_cnt 12
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}

func TestServerMetrics(t *testing.T) {
	s := NewStats()
	s.SetCounter("unicast.grant", 1)
	srv := httptest.NewServer(NewServer(s).Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}

func TestSysStats(t *testing.T) {
	sys := SysStats{}
	collected, err := sys.CollectRuntimeStats(time.Second)
	require.NoError(t, err)
	require.Contains(t, collected, "process.uptime")
	require.Contains(t, collected, "runtime.mem.alloc")
	require.NotContains(t, collected, "runtime.gc.count.sum.1")

	collected, err = sys.CollectRuntimeStats(time.Second)
	require.NoError(t, err)
	require.Contains(t, collected, "runtime.gc.count.sum.1")

	s := NewStats()
	require.NoError(t, s.CollectSysStats(&sys, time.Second))
	require.Contains(t, s.GetCounters(), "runtime.cpu.goroutines")
}

func TestSetRate(t *testing.T) {
	stats := make(map[string]int64)
	setRate("test", stats, 20, 1, 5*time.Second)
	require.Equal(t, map[string]int64{
		"test.sum.5":  19,
		"test.rate.5": 3,
	}, stats)
}

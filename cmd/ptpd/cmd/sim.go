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
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/l2switch/ptpd/ptp/engine"
	"github.com/l2switch/ptpd/ptp/sim"
)

type simOptions struct {
	duration  time.Duration
	report    time.Duration
	driftPPB  float64
	offset    time.Duration
	delay     time.Duration
	asymmetry time.Duration
	jitter    time.Duration
	dropRate  float64
	seed      int64
	unicast   bool
	pcap      string
}

var simOpts simOptions

var (
	simEpoch     = time.Unix(1700000000, 0)
	simGMAddr    = netip.MustParseAddr("192.168.0.1")
	simSlaveAddr = netip.MustParseAddr("192.168.0.2")
)

func init() {
	RootCmd.AddCommand(simCmd)
	f := simCmd.Flags()
	f.DurationVar(&simOpts.duration, "duration", 5*time.Minute, "simulated time to run for")
	f.DurationVar(&simOpts.report, "report", 30*time.Second, "how often to sample the slave")
	f.Float64Var(&simOpts.driftPPB, "drift", 10000, "slave oscillator frequency error in ppb")
	f.DurationVar(&simOpts.offset, "offset", time.Millisecond, "initial slave clock offset")
	f.DurationVar(&simOpts.delay, "delay", 50*time.Microsecond, "one way network delay")
	f.DurationVar(&simOpts.asymmetry, "asymmetry", 0, "extra delay from master to slave")
	f.DurationVar(&simOpts.jitter, "jitter", 0, "maximum random extra delay per frame")
	f.Float64Var(&simOpts.dropRate, "drop", 0, "share of frames lost, 0 to 1")
	f.Int64Var(&simOpts.seed, "seed", 1, "random seed")
	f.BoolVar(&simOpts.unicast, "unicast", false, "negotiate unicast instead of multicast")
	f.StringVar(&simOpts.pcap, "pcap", "", "write simulated traffic to this pcap file")
}

func simEngineConfig(identity string, role engine.PortRole, unicast bool) *engine.Config {
	c := engine.DefaultConfig()
	c.ClockIdentity = identity
	c.Ports = []engine.PortConfig{{Name: "sim0", Role: role}}
	c.Servo.SpikeFilter = false
	if unicast {
		c.Transport = engine.ModeUnicast
		if role == engine.RoleSlave {
			c.UnicastMasters = []string{simGMAddr.String()}
		}
	}
	return c
}

func runSim(o simOptions, w io.Writer) error {
	if o.report <= 0 || o.duration < o.report {
		return fmt.Errorf("report interval %v must be positive and not longer than duration %v", o.report, o.duration)
	}
	n := sim.NewNetwork(sim.Config{
		Delay:     o.delay,
		Asymmetry: o.asymmetry,
		Jitter:    o.jitter,
		DropRate:  o.dropRate,
		Seed:      o.seed,
	}, simEpoch)
	var capture *sim.Capture
	if o.pcap != "" {
		f, err := os.Create(o.pcap)
		if err != nil {
			return err
		}
		defer f.Close()
		if capture, err = sim.NewCapture(f); err != nil {
			return err
		}
		n.SetCapture(capture)
	}

	gmClock := n.NewClock(0, 0)
	gmTr := n.Join(simGMAddr, gmClock, "sim0")
	gm, err := engine.New(simEngineConfig("02:00:00:00:00:01", engine.RoleMaster, o.unicast), gmTr, gmClock, nil)
	if err != nil {
		return fmt.Errorf("grandmaster: %w", err)
	}
	defer gm.Close()
	gmTr.Attach(gm)

	slaveClock := n.NewClock(o.driftPPB, o.offset)
	slaveTr := n.Join(simSlaveAddr, slaveClock, "sim0")
	e, err := engine.New(simEngineConfig("02:00:00:00:00:02", engine.RoleSlave, o.unicast), slaveTr, slaveClock, nil)
	if err != nil {
		return fmt.Errorf("slave: %w", err)
	}
	defer e.Close()
	slaveTr.Attach(e)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"time", "state", "offset", "freq error(ppb)", "path delay", "steps"})
	for elapsed := time.Duration(0); elapsed < o.duration; {
		step := o.report
		if o.duration-elapsed < step {
			step = o.duration - elapsed
		}
		n.RunFor(step)
		elapsed += step
		table.Append([]string{
			elapsed.String(),
			e.ClockState().String(),
			slaveClock.Offset().String(),
			fmt.Sprintf("%.1f", slaveClock.FreqError()),
			e.Servo().PathDelay().String(),
			fmt.Sprintf("%d", slaveClock.Steps()),
		})
	}
	table.Render()

	ss := e.Slave().Stats
	summary := tablewriter.NewWriter(w)
	summary.SetHeader([]string{"frames", "delivered", "dropped", "sync rx", "delay calc", "min delay", "mean delay", "max delay", "p99 delay"})
	summary.Append([]string{
		fmt.Sprintf("%d", n.Stats.Sent),
		fmt.Sprintf("%d", n.Stats.Delivered),
		fmt.Sprintf("%d", n.Stats.Dropped),
		fmt.Sprintf("%d", ss.SyncRx),
		fmt.Sprintf("%d", ss.DelayCalc),
		time.Duration(ss.MinPathDelay).String(),
		time.Duration(ss.MeanPathDelay).String(),
		time.Duration(ss.MaxPathDelay).String(),
		time.Duration(ss.PathDelayP99).String(),
	})
	summary.Render()
	if capture != nil {
		if err := capture.Err(); err != nil {
			return fmt.Errorf("writing %s: %w", o.pcap, err)
		}
		log.Infof("wrote %d frames to %s", capture.Frames(), o.pcap)
	}
	return nil
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Simulate a grandmaster and a slave over a lossy network and report how the slave locks",
	RunE: func(c *cobra.Command, _ []string) error {
		return runSim(simOpts, c.OutOrStdout())
	},
}

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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/l2switch/ptpd/clock"
	"github.com/l2switch/ptpd/ptp/engine"
	"github.com/l2switch/ptpd/ptp/stats"
	"github.com/l2switch/ptpd/ptp/transport/udp"
)

var (
	runConfigFlag  string
	runOverrides   engine.Overrides
	runPrintConfig bool
)

func init() {
	RootCmd.AddCommand(runCmd)
	defaults := engine.DefaultConfig()
	f := runCmd.Flags()
	f.StringVarP(&runConfigFlag, "config", "c", "", "path to the config")
	f.StringVar(&runOverrides.Iface, "iface", "", "network interface of the first port")
	f.StringVar(&runOverrides.Profile, "profile", defaults.Profile, "PTP profile")
	f.IntVar(&runOverrides.Domain, "domain", int(defaults.Domain), "PTP domain")
	f.IntVar(&runOverrides.MonitoringPort, "monitoringport", defaults.MonitoringPort, "port to serve stats on, 0 disables")
	f.IntVar(&runOverrides.DSCP, "dscp", defaults.DSCP, "DSCP for PTP packets, valid values are between 0-63")
	f.StringSliceVar(&runOverrides.UnicastMasters, "unicast-master", nil, "unicast master address, implies unicast transport. Can be repeated")
	f.BoolVar(&runPrintConfig, "print-config", false, "print the resulting config and exit")
}

func setFlags(c *cobra.Command) map[string]bool {
	res := map[string]bool{}
	for _, name := range []string{"iface", "profile", "domain", "monitoringport", "dscp"} {
		res[name] = c.Flags().Changed(name)
	}
	return res
}

func localClock(cfg *engine.Config) engine.LocalClock {
	if cfg.Servo.FreeRunning {
		log.Warning("free running: the system clock is not adjusted")
		return &clock.FreeRunning{}
	}
	return clock.NewSysClock()
}

func publishTransport(ctx context.Context, st *stats.Stats, tr *udp.Transport, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := st.SetCounters("transport", tr.Stats()); err != nil {
				log.Warningf("publishing transport stats: %v", err)
			}
		}
	}
}

func runDaemon(ctx context.Context, cfg *engine.Config) error {
	ifaces := make([]string, len(cfg.Ports))
	for i, p := range cfg.Ports {
		ifaces[i] = p.Iface
	}
	tr, err := udp.New(udp.Config{Ifaces: ifaces, DSCP: cfg.DSCP})
	if err != nil {
		return fmt.Errorf("opening transport: %w", err)
	}
	defer tr.Close()

	st := stats.NewStats()
	e, err := engine.New(cfg, tr, localClock(cfg), st)
	if err != nil {
		return err
	}

	eg, ictx := errgroup.WithContext(ctx)
	eg.Go(func() error { return tr.Run(ictx) })
	eg.Go(func() error { return e.Run(ictx, tr.Inbound()) })
	eg.Go(func() error { return publishTransport(ictx, st, tr, cfg.StatsInterval) })
	if cfg.MonitoringPort != 0 {
		eg.Go(func() error { return stats.NewServer(st).Run(ictx, cfg.MonitoringPort, cfg.StatsInterval) })
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warningf("notifying systemd: %v", err)
	} else if ok {
		log.Debug("notified systemd")
	}
	err = eg.Wait()
	// shutting down closes inbound, which also stops the engine
	if ctx.Err() != nil {
		return nil
	}
	return err
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the PTP clock",
	RunE: func(c *cobra.Command, _ []string) error {
		cfg, err := engine.PrepareConfig(runConfigFlag, runOverrides, setFlags(c))
		if err != nil {
			return err
		}
		if runPrintConfig {
			return printConfig(c, cfg)
		}
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runDaemon(ctx, cfg)
	},
}

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
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/l2switch/ptpd/ptp/profile"
	ptp "github.com/l2switch/ptpd/ptp/protocol"
	"github.com/l2switch/ptpd/ptp/slave"
	"github.com/l2switch/ptpd/ptp/unicast"
)

// PortRole is what a port does
type PortRole string

// Port roles
const (
	RoleMaster  PortRole = "master"
	RoleSlave   PortRole = "slave"
	RolePassive PortRole = "passive"
)

// Transport modes
const (
	ModeMulticast = "multicast"
	ModeUnicast   = "unicast"
)

// Delay mechanisms
const (
	DelayE2E  = "e2e"
	DelayNone = "none"
)

// PortConfig describes a single PTP port
type PortConfig struct {
	Name        string   `yaml:"name"`
	Iface       string   `yaml:"iface"`
	Role        PortRole `yaml:"role"`
	UnicastDeny bool     `yaml:"unicast_deny"`
}

// ServoConfig tunes the clock servo
type ServoConfig struct {
	FirstStepThreshold time.Duration `yaml:"first_step_threshold"`
	StepThreshold      time.Duration `yaml:"step_threshold"`
	FreqLockThreshold  time.Duration `yaml:"freq_lock_threshold"`
	PhaseLockThreshold time.Duration `yaml:"phase_lock_threshold"`
	LockSamples        int           `yaml:"lock_samples"`
	HoldoverSamples    int           `yaml:"holdover_samples"`
	SpikeFilter        bool          `yaml:"spike_filter"`
	FreeRunning        bool          `yaml:"free_running"`
}

// Config specifies how a clock instance runs
type Config struct {
	Instance       int    `yaml:"instance"`
	Domain         uint8  `yaml:"domain"`
	ClockIdentity  string `yaml:"clock_identity"`
	TwoStep        bool   `yaml:"two_step"`
	OneStepHW      bool   `yaml:"one_step_hw"`
	AutoInject     bool   `yaml:"auto_inject"`
	Profile        string `yaml:"profile"`
	Transport      string `yaml:"transport"`
	DelayMechanism string `yaml:"delay_mechanism"`

	Ports []PortConfig `yaml:"ports"`

	LogSyncInterval     ptp.LogInterval `yaml:"log_sync_interval"`
	LogAnnounceInterval ptp.LogInterval `yaml:"log_announce_interval"`
	LogDelayReqInterval ptp.LogInterval `yaml:"log_delay_req_interval"`
	AnnounceTimeout     int             `yaml:"announce_receipt_timeout"`

	Priority1  uint8          `yaml:"priority1"`
	Priority2  uint8          `yaml:"priority2"`
	ClockClass ptp.ClockClass `yaml:"clock_class"`

	UnicastMasters []string        `yaml:"unicast_masters"`
	GrantDuration  uint32          `yaml:"grant_duration"`
	MaxDuration    uint32          `yaml:"max_grant_duration"`
	MaxPeers       int             `yaml:"max_peers"`
	MaxMasters     int             `yaml:"max_masters"`
	MinLogInterval ptp.LogInterval `yaml:"min_log_interval"`

	SettleTime   time.Duration `yaml:"settle_time"`
	HoldoverTime time.Duration `yaml:"holdover_time"`
	RecoveryTime time.Duration `yaml:"recovery_time"`
	QueueSize    int           `yaml:"delay_queue_size"`

	Servo ServoConfig `yaml:"servo"`

	DSCP           int           `yaml:"dscp"`
	MonitoringPort int           `yaml:"monitoring_port"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	return &Config{
		Profile:             profile.Default.Name,
		Transport:           ModeMulticast,
		DelayMechanism:      DelayE2E,
		TwoStep:             true,
		LogSyncInterval:     profile.Default.LogSyncInterval,
		LogAnnounceInterval: profile.Default.LogAnnounceInterval,
		LogDelayReqInterval: profile.Default.LogMinDelayReq,
		AnnounceTimeout:     3,
		Priority1:           128,
		Priority2:           128,
		ClockClass:          ptp.ClockClass248,
		GrantDuration:       unicast.DefaultDuration,
		MaxDuration:         unicast.DefaultMaxDuration,
		MaxPeers:            unicast.DefaultMaxPeers,
		MaxMasters:          unicast.DefaultMaxMasters,
		MinLogInterval:      -7,
		SettleTime:          slave.DefaultSettleTime,
		HoldoverTime:        slave.DefaultHoldoverTime,
		RecoveryTime:        slave.DefaultRecoveryTime,
		QueueSize:           8,
		Servo: ServoConfig{
			FirstStepThreshold: 20 * time.Microsecond,
			FreqLockThreshold:  100 * time.Microsecond,
			PhaseLockThreshold: 10 * time.Microsecond,
			LockSamples:        4,
			HoldoverSamples:    16,
			SpikeFilter:        true,
		},
		MonitoringPort: 4269,
		StatsInterval:  time.Second,
	}
}

// Validate ServoConfig is sane
func (c *ServoConfig) Validate() error {
	if c.FirstStepThreshold < 0 || c.StepThreshold < 0 {
		return fmt.Errorf("step thresholds must be 0 or positive")
	}
	if c.FreqLockThreshold <= 0 || c.PhaseLockThreshold <= 0 {
		return fmt.Errorf("lock thresholds must be greater than zero")
	}
	if c.PhaseLockThreshold > c.FreqLockThreshold {
		return fmt.Errorf("phase_lock_threshold must not exceed freq_lock_threshold")
	}
	if c.LockSamples <= 0 {
		return fmt.Errorf("lock_samples must be greater than zero")
	}
	if c.HoldoverSamples < c.LockSamples {
		return fmt.Errorf("holdover_samples must be at least lock_samples")
	}
	return nil
}

// Validate config is sane
func (c *Config) Validate() error {
	p, err := profile.ByName(c.Profile)
	if err != nil {
		return err
	}
	if !p.ValidDomain(c.Domain) {
		return fmt.Errorf("domain %d is outside of %d-%d allowed by profile %s", c.Domain, p.MinDomain, p.MaxDomain, p.Name)
	}
	if c.Transport != ModeMulticast && c.Transport != ModeUnicast {
		return fmt.Errorf("transport must be either %q or %q", ModeMulticast, ModeUnicast)
	}
	if c.DelayMechanism != DelayE2E && c.DelayMechanism != DelayNone {
		return fmt.Errorf("delay_mechanism must be either %q or %q", DelayE2E, DelayNone)
	}
	if c.TwoStep && c.OneStepHW {
		return fmt.Errorf("two_step and one_step_hw are mutually exclusive")
	}
	if _, err := c.Identity(); err != nil {
		return err
	}
	if len(c.Ports) == 0 {
		return fmt.Errorf("at least one port must be specified")
	}
	slaves := 0
	for i, port := range c.Ports {
		switch port.Role {
		case RoleMaster, RolePassive:
		case RoleSlave:
			slaves++
		default:
			return fmt.Errorf("port %d: role must be either %q, %q or %q", i, RoleMaster, RoleSlave, RolePassive)
		}
	}
	if slaves > 1 {
		return fmt.Errorf("at most one slave port is supported")
	}
	if c.Transport == ModeUnicast && slaves == 1 && len(c.UnicastMasters) == 0 {
		return fmt.Errorf("unicast slave needs at least one unicast master")
	}
	if len(c.UnicastMasters) > c.MaxMasters {
		return fmt.Errorf("%d unicast masters configured, at most %d allowed", len(c.UnicastMasters), c.MaxMasters)
	}
	for _, m := range c.UnicastMasters {
		if _, err := netip.ParseAddr(m); err != nil {
			return fmt.Errorf("invalid unicast master %q: %w", m, err)
		}
	}
	if c.AnnounceTimeout < 2 {
		return fmt.Errorf("announce_receipt_timeout must be at least 2")
	}
	if c.GrantDuration == 0 || c.MaxDuration == 0 {
		return fmt.Errorf("grant durations must be greater than zero")
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("max_peers must be greater than zero")
	}
	if c.SettleTime <= 0 || c.HoldoverTime <= 0 || c.RecoveryTime <= 0 {
		return fmt.Errorf("settle, holdover and recovery times must be greater than zero")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("delay_queue_size must be greater than zero")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("dscp must be within 0-63")
	}
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoring_port must be 0 or positive")
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("stats_interval must be greater than zero")
	}
	if err := c.Servo.Validate(); err != nil {
		return fmt.Errorf("invalid servo config: %w", err)
	}
	return nil
}

// Identity returns the clock identity. It is either given as a MAC address,
// in the dotted form ClockIdentity prints, or derived from the first port interface.
func (c *Config) Identity() (ptp.ClockIdentity, error) {
	s := c.ClockIdentity
	if s == "" {
		for _, p := range c.Ports {
			if p.Iface == "" {
				continue
			}
			iface, err := net.InterfaceByName(p.Iface)
			if err != nil {
				return 0, fmt.Errorf("looking up %s: %w", p.Iface, err)
			}
			return ptp.NewClockIdentity(iface.HardwareAddr)
		}
		return 0, fmt.Errorf("clock_identity must be specified when no port has an interface")
	}
	if mac, err := net.ParseMAC(s); err == nil {
		return ptp.NewClockIdentity(mac)
	}
	v, err := strconv.ParseUint(strings.ReplaceAll(s, ".", ""), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid clock_identity %q", s)
	}
	return ptp.ClockIdentity(v), nil
}

// Unicast reports whether the clock negotiates unicast transmission
func (c *Config) Unicast() bool {
	return c.Transport == ModeUnicast
}

// ReadConfig reads config from the file
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(cData, &c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Overrides are CLI flags which take precedence over the config file
type Overrides struct {
	Iface          string
	Profile        string
	Domain         int
	MonitoringPort int
	DSCP           int
	UnicastMasters []string
}

// PrepareConfig prepares final version of config based on defaults, CLI flags and on-disk config, and validates resulting config
func PrepareConfig(cfgPath string, o Overrides, setFlags map[string]bool) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	warn := func(name string) {
		log.Warningf("overriding %s from CLI flag", name)
	}
	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if setFlags["iface"] {
		warn("iface")
		if len(cfg.Ports) == 0 {
			cfg.Ports = []PortConfig{{Name: o.Iface, Role: RoleSlave}}
		}
		cfg.Ports[0].Iface = o.Iface
	}
	if setFlags["profile"] {
		warn("profile")
		cfg.Profile = o.Profile
		if p, err := profile.ByName(o.Profile); err == nil {
			cfg.LogSyncInterval = p.LogSyncInterval
			cfg.LogAnnounceInterval = p.LogAnnounceInterval
			cfg.LogDelayReqInterval = p.LogMinDelayReq
		}
	}
	if setFlags["domain"] {
		warn("domain")
		cfg.Domain = uint8(o.Domain)
	}
	if setFlags["monitoringport"] {
		warn("monitoringPort")
		cfg.MonitoringPort = o.MonitoringPort
	}
	if setFlags["dscp"] {
		warn("dscp")
		cfg.DSCP = o.DSCP
	}
	if len(o.UnicastMasters) > 0 {
		warn("unicast masters")
		cfg.UnicastMasters = o.UnicastMasters
		cfg.Transport = ModeUnicast
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}

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

/*
Package master implements the master side transmitters of a PTP port:
periodic Sync (with Follow_Up for two-step clocks), periodic Announce and
the Delay_Resp responder.

Transmitters are driven by timers on a tick.List and must only be used from
the goroutine that owns the list.
*/
package master

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/l2switch/ptpd/ptp/packet"
	"github.com/l2switch/ptpd/ptp/profile"
	ptp "github.com/l2switch/ptpd/ptp/protocol"
)

// injectionPoll is how often injected transmitters check their configuration
const injectionPoll = time.Second

// State of a transmitter
type State uint8

// Transmitter states
const (
	StateInactive State = iota
	StateActive
	StateWaitTxDone
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateActive:
		return "ACTIVE"
	case StateWaitTxDone:
		return "WAIT_TX_DONE"
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// Clock gives the current local time for software timestamping
type Clock interface {
	Now() time.Time
}

// Config of a single transmitter
type Config struct {
	Instance      int
	Port          int
	PortNumber    uint16
	ClockIdentity ptp.ClockIdentity
	Domain        uint8
	// Peer is the unicast destination, invalid for multicast
	Peer        netip.Addr
	TwoStep     bool
	OneStepHW   bool
	AutoInject  bool
	LogInterval ptp.LogInterval
	Profile     *profile.Profile
	Encap       packet.Encapsulation
}

func (c *Config) String() string {
	if c.Peer.IsValid() {
		return fmt.Sprintf("%d/%d->%s", c.Instance, c.Port, c.Peer)
	}
	return fmt.Sprintf("%d/%d", c.Instance, c.Port)
}

func (c *Config) profile() *profile.Profile {
	if c.Profile == nil {
		return &profile.Default
	}
	return c.Profile
}

// header builds the common header of every message a transmitter sends
func (c *Config) header(msgType ptp.MessageType, control uint8) ptp.Header {
	flags := c.profile().Flags()
	if c.Peer.IsValid() {
		flags |= ptp.FlagUnicast
	}
	return ptp.Header{
		SdoIDAndMsgType: ptp.NewSdoIDAndMsgType(msgType, c.profile().SdoID),
		Version:         ptp.Version,
		DomainNumber:    c.Domain,
		FlagField:       flags,
		SourcePortIdentity: ptp.PortIdentity{
			ClockIdentity: c.ClockIdentity,
			PortNumber:    c.PortNumber,
		},
		ControlField:       control,
		LogMessageInterval: c.LogInterval,
	}
}

// messageInterval is the logMessageInterval written to periodic messages.
// Unicast messages carry 0x7f as the interval is negotiated.
func (c *Config) messageInterval(li ptp.LogInterval) ptp.LogInterval {
	if c.Peer.IsValid() {
		return 0x7f
	}
	return li
}

// backoff widens the transmit interval while the peer reports receipt timeouts,
// following the profile slowdown policy
type backoff struct {
	steps int
	// slowdowns counts interval increases
	slowdowns uint64
}

// bump records a receipt timeout report and reports whether the interval must be slowed down
func (b *backoff) bump(p *profile.Profile) bool {
	if p.Slowdown == profile.SlowdownNone || b.steps >= p.MaxSlowdown {
		return false
	}
	b.steps++
	b.slowdowns++
	return true
}

// reset reports whether the interval was slowed down and must be restored
func (b *backoff) reset() bool {
	if b.steps == 0 {
		return false
	}
	b.steps = 0
	return true
}

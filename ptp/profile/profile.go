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

// Package profile holds the per PTP profile parameters the state machines consult
package profile

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/l2switch/ptpd/ptp/protocol"
)

// Slowdown is a policy for backing off transmission when the peer falls behind
type Slowdown uint8

// Slowdown policies
const (
	SlowdownNone Slowdown = iota
	// SlowdownDouble doubles the interval on every report, up to MaxSlowdown steps
	SlowdownDouble
)

// Profile describes behaviour that differs between PTP profiles
type Profile struct {
	Name string
	// SdoID is the major SdoID written to every header
	SdoID uint8
	// FollowUpTLV appends organisation extension TLV to Follow_Up
	FollowUpTLV bool
	// TagFrames sets profile specific flag on every transmitted frame
	TagFrames bool
	// DelayReqJitter is the half width of delay request jitter as a fraction of the interval.
	// Zero means uniform in [0, 2*interval).
	DelayReqJitter float64
	// Slowdown policy and how many doublings it may apply
	Slowdown    Slowdown
	MaxSlowdown int
	// ImplicitUnicastInterval ignores logMessageInterval of unicast Sync and uses the granted one
	ImplicitUnicastInterval bool
	// Default log intervals
	LogSyncInterval     protocol.LogInterval
	LogAnnounceInterval protocol.LogInterval
	LogMinDelayReq      protocol.LogInterval
	// Domain range allowed by the profile
	MinDomain, MaxDomain uint8
}

// Default is the IEEE 1588 default delay request-response profile
var Default = Profile{
	Name:                "default",
	LogSyncInterval:     0,
	LogAnnounceInterval: 1,
	LogMinDelayReq:      0,
	MaxDomain:           127,
}

// IEEE8021AS is the gPTP profile
var IEEE8021AS = Profile{
	Name:                "802.1as",
	SdoID:               1,
	FollowUpTLV:         true,
	Slowdown:            SlowdownDouble,
	MaxSlowdown:         3,
	LogSyncInterval:     -3,
	LogAnnounceInterval: 0,
	LogMinDelayReq:      0,
	MaxDomain:           127,
}

// G8275_1 is the ITU-T telecom profile for phase/time with full timing support
var G8275_1 = Profile{
	Name:                "g8275.1",
	TagFrames:           true,
	DelayReqJitter:      0.3,
	LogSyncInterval:     -4,
	LogAnnounceInterval: -3,
	LogMinDelayReq:      -4,
	MinDomain:           24,
	MaxDomain:           43,
}

// G8275_2 is the ITU-T telecom profile for phase/time with partial timing support (unicast)
var G8275_2 = Profile{
	Name:                    "g8275.2",
	ImplicitUnicastInterval: true,
	LogSyncInterval:         -4,
	LogAnnounceInterval:     0,
	LogMinDelayReq:          -4,
	MinDomain:               44,
	MaxDomain:               63,
}

// All lists every known profile
var All = []*Profile{&Default, &IEEE8021AS, &G8275_1, &G8275_2}

// ByName returns profile with given name
func ByName(name string) (*Profile, error) {
	for _, p := range All {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown profile %q", name)
}

// ValidDomain reports whether the domain is allowed by the profile
func (p *Profile) ValidDomain(domain uint8) bool {
	return domain >= p.MinDomain && domain <= p.MaxDomain
}

// DelayReqWait returns how long to wait before next Delay_Req
func (p *Profile) DelayReqWait(interval time.Duration, rnd *rand.Rand) time.Duration {
	if interval <= 0 {
		return 0
	}
	if p.DelayReqJitter > 0 {
		f := 1 - p.DelayReqJitter + 2*p.DelayReqJitter*rnd.Float64()
		return time.Duration(float64(interval) * f)
	}
	return time.Duration(rnd.Int63n(2 * int64(interval)))
}

// SlowdownInterval returns the interval after applying steps of slowdown
func (p *Profile) SlowdownInterval(base protocol.LogInterval, steps int) protocol.LogInterval {
	if p.Slowdown == SlowdownNone || base == protocol.LogIntervalNever || steps <= 0 {
		return base
	}
	if steps > p.MaxSlowdown {
		steps = p.MaxSlowdown
	}
	li := int(base) + steps
	if li > 127 {
		li = 127
	}
	return protocol.LogInterval(li)
}

// Flags returns profile specific header flags
func (p *Profile) Flags() uint16 {
	if p.TagFrames {
		return protocol.FlagProfileSpecific1
	}
	return 0
}

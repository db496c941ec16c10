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

package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"time"
)

// 2 ** 16
const twoPow16 = 65536

// MessageType is type for Message Types
type MessageType uint8

// As per Table 36 Values of messageType field
const (
	MessageSync      MessageType = 0x0
	MessageDelayReq  MessageType = 0x1
	MessageFollowUp  MessageType = 0x8
	MessageDelayResp MessageType = 0x9
	MessageAnnounce  MessageType = 0xB
	MessageSignaling MessageType = 0xC
)

var messageTypeToString = map[MessageType]string{
	MessageSync:      "SYNC",
	MessageDelayReq:  "DELAY_REQ",
	MessageFollowUp:  "FOLLOW_UP",
	MessageDelayResp: "DELAY_RESP",
	MessageAnnounce:  "ANNOUNCE",
	MessageSignaling: "SIGNALING",
}

func (m MessageType) String() string {
	if s, ok := messageTypeToString[m]; ok {
		return s
	}
	return fmt.Sprintf("MESSAGE_TYPE(%d)", uint8(m))
}

// Event reports whether messages of this type are sent to the event port
func (m MessageType) Event() bool {
	return m == MessageSync || m == MessageDelayReq
}

// SdoIDAndMsgType is a uint8 where first 4 bits contain SdoID and last 4 bits MessageType
type SdoIDAndMsgType uint8

// MsgType extracts MessageType from SdoIDAndMsgType
func (m SdoIDAndMsgType) MsgType() MessageType {
	return MessageType(m & 0xf)
}

// NewSdoIDAndMsgType builds new SdoIDAndMsgType from MessageType and SdoID
func NewSdoIDAndMsgType(msgType MessageType, sdoID uint8) SdoIDAndMsgType {
	return SdoIDAndMsgType(sdoID<<4 | uint8(msgType))
}

// ProbeMsgType returns the MessageType of raw packet without decoding it
func ProbeMsgType(data []byte) (MessageType, error) {
	if len(data) < 1 {
		return 0, ErrShortPacket
	}
	return SdoIDAndMsgType(data[0]).MsgType(), nil
}

// TLVType is type for TLV types
type TLVType uint16

// As per Table 52 tlvType values. Only the unicast negotiation TLVs and the
// 802.1AS Follow_Up information TLV are supported.
const (
	TLVOrganizationExtension                TLVType = 0x0003
	TLVRequestUnicastTransmission           TLVType = 0x0004
	TLVGrantUnicastTransmission             TLVType = 0x0005
	TLVCancelUnicastTransmission            TLVType = 0x0006
	TLVAcknowledgeCancelUnicastTransmission TLVType = 0x0007
)

var tlvTypeToString = map[TLVType]string{
	TLVOrganizationExtension:                "ORGANIZATION_EXTENSION",
	TLVRequestUnicastTransmission:           "REQUEST_UNICAST_TRANSMISSION",
	TLVGrantUnicastTransmission:             "GRANT_UNICAST_TRANSMISSION",
	TLVCancelUnicastTransmission:            "CANCEL_UNICAST_TRANSMISSION",
	TLVAcknowledgeCancelUnicastTransmission: "ACKNOWLEDGE_CANCEL_UNICAST_TRANSMISSION",
}

func (t TLVType) String() string {
	if s, ok := tlvTypeToString[t]; ok {
		return s
	}
	return fmt.Sprintf("TLV(%d)", uint16(t))
}

/*
Correction is the value of the correction measured in nanoseconds and multiplied by 2**16.
A value of one in all bits, except the most significant, of the field shall indicate that the correction is too big to be represented.
*/
type Correction int64

const correctionTooBig Correction = 0x7fffffffffffffff

// Nanoseconds decodes Correction to nanoseconds
func (c Correction) Nanoseconds() float64 {
	if c.TooBig() {
		return math.Inf(1)
	}
	return float64(c) / twoPow16
}

// Duration converts Correction to time.Duration, dropping fractions of nanoseconds.
// Too big corrections are reported as 0.
func (c Correction) Duration() time.Duration {
	if c.TooBig() {
		return 0
	}
	return time.Duration(c.Nanoseconds())
}

// TooBig means correction is too big to be represented
func (c Correction) TooBig() bool {
	return c == correctionTooBig
}

func (c Correction) String() string {
	if c.TooBig() {
		return "Correction(Too big)"
	}
	return fmt.Sprintf("Correction(%.3fns)", c.Nanoseconds())
}

// NewCorrection returns Correction built from nanoseconds
func NewCorrection(ns float64) Correction {
	v := ns * twoPow16
	if v >= float64(correctionTooBig) {
		return correctionTooBig
	}
	return Correction(v)
}

// ClockIdentity identifies unique entities within a PTP network
type ClockIdentity uint64

// String formats ClockIdentity same way ptp4l pmc client does
func (c ClockIdentity) String() string {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(c))
	return fmt.Sprintf("%02x%02x%02x.%02x%02x.%02x%02x%02x", b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7])
}

// NewClockIdentity creates new ClockIdentity from EUI-48 or EUI-64 MAC address
func NewClockIdentity(mac net.HardwareAddr) (ClockIdentity, error) {
	var b [8]byte
	switch len(mac) {
	case 6:
		copy(b[0:3], mac[0:3])
		b[3], b[4] = 0xff, 0xfe
		copy(b[5:8], mac[3:6])
	case 8:
		copy(b[:], mac)
	default:
		return 0, fmt.Errorf("unsupported MAC %v, must be either EUI48 or EUI64", mac)
	}
	return ClockIdentity(binary.BigEndian.Uint64(b[:])), nil
}

// PortIdentity identifies a PTP port
type PortIdentity struct {
	ClockIdentity ClockIdentity
	PortNumber    uint16
}

func (p PortIdentity) String() string {
	return fmt.Sprintf("%s-%d", p.ClockIdentity, p.PortNumber)
}

// Empty reports whether the port identity is unset
func (p PortIdentity) Empty() bool {
	return p.ClockIdentity == 0 && p.PortNumber == 0
}

// Timestamp is a positive time with respect to the epoch: 48 bits of seconds plus nanoseconds
type Timestamp struct {
	Seconds     [6]uint8
	Nanoseconds uint32
}

func (t Timestamp) seconds() uint64 {
	s := t.Seconds
	return uint64(s[0])<<40 | uint64(s[1])<<32 | uint64(s[2])<<24 | uint64(s[3])<<16 | uint64(s[4])<<8 | uint64(s[5])
}

// Empty timestamp
func (t Timestamp) Empty() bool {
	return t.Nanoseconds == 0 && t.Seconds == [6]uint8{}
}

// Time turns Timestamp into time.Time
func (t Timestamp) Time() time.Time {
	if t.Empty() {
		return time.Time{}
	}
	return time.Unix(int64(t.seconds()), int64(t.Nanoseconds))
}

func (t Timestamp) String() string {
	if t.Empty() {
		return "Timestamp(empty)"
	}
	return fmt.Sprintf("Timestamp(%s)", t.Time())
}

// NewTimestamp builds Timestamp from time.Time
func NewTimestamp(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	ts := Timestamp{Nanoseconds: uint32(t.Nanosecond())}
	v := uint64(t.Unix())
	for i := 5; i >= 0; i-- {
		ts.Seconds[i] = byte(v)
		v >>= 8
	}
	return ts
}

// ClockClass represents a PTP clock class
type ClockClass uint8

// Clock classes advertised by this implementation
const (
	ClockClass6         ClockClass = 6
	ClockClass7         ClockClass = 7
	ClockClass52        ClockClass = 52
	ClockClass187       ClockClass = 187
	ClockClass248       ClockClass = 248
	ClockClassSlaveOnly ClockClass = 255
)

// ClockAccuracy represents a PTP clock accuracy
type ClockAccuracy uint8

// Clock accuracies used in Announce
const (
	ClockAccuracyNanosecond100  ClockAccuracy = 0x21
	ClockAccuracyMicrosecond1   ClockAccuracy = 0x23
	ClockAccuracyMicrosecond100 ClockAccuracy = 0x27
	ClockAccuracyUnknown        ClockAccuracy = 0xFE
)

// ClockQuality represents the quality of a clock
type ClockQuality struct {
	ClockClass              ClockClass    `json:"clock_class"`
	ClockAccuracy           ClockAccuracy `json:"clock_accuracy"`
	OffsetScaledLogVariance uint16        `json:"offset_scaled_log_variance"`
}

// TimeSource indicates the immediate source of time used by the grandmaster
type TimeSource uint8

// TimeSource values, Table 6 timeSource enumeration
const (
	TimeSourceGNSS               TimeSource = 0x20
	TimeSourcePTP                TimeSource = 0x40
	TimeSourceInternalOscillator TimeSource = 0xa0
)

// LogInterval is the logarithm, to base 2, of a period in seconds
type LogInterval int8

// LogIntervalNever means the message is never sent
const LogIntervalNever LogInterval = -128

// Duration returns LogInterval as time.Duration. LogIntervalNever maps to 0.
func (i LogInterval) Duration() time.Duration {
	if i == LogIntervalNever {
		return 0
	}
	return time.Duration(math.Pow(2, float64(i)) * float64(time.Second))
}

func (i LogInterval) String() string {
	if i == LogIntervalNever {
		return "never"
	}
	return i.Duration().String()
}

// NewLogInterval returns new LogInterval from time.Duration
func NewLogInterval(d time.Duration) (LogInterval, error) {
	if d <= 0 {
		return LogIntervalNever, nil
	}
	li := math.Round(math.Log2(d.Seconds()))
	if li > 127 {
		return 0, fmt.Errorf("logInterval %v is too big", li)
	}
	if li <= -128 {
		return 0, fmt.Errorf("logInterval %v is too small", li)
	}
	return LogInterval(li), nil
}

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

// all references are given for IEEE 1588-2019 Standard

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is what version of PTP protocol we implement
const Version uint8 = 2

// UDP port numbers for event and general messages
const (
	PortEvent   = 319
	PortGeneral = 320
)

// Decode errors
var (
	ErrShortPacket    = errors.New("not enough data to decode packet")
	ErrUnknownMessage = errors.New("unsupported message type")
)

const (
	headerSize    = 34
	timestampSize = 10
	portIDSize    = 10
)

// Sizes of full packets
const (
	SyncSize      = headerSize + timestampSize
	FollowUpSize  = headerSize + timestampSize
	DelayReqSize  = headerSize + timestampSize
	DelayRespSize = headerSize + timestampSize + portIDSize
	AnnounceSize  = headerSize + timestampSize + 20
)

// flags used in FlagField as per Table 37 Values of flagField
const (
	FlagAlternateMaster  uint16 = 1 << (8 + 0)
	FlagTwoStep          uint16 = 1 << (8 + 1)
	FlagUnicast          uint16 = 1 << (8 + 2)
	FlagProfileSpecific1 uint16 = 1 << (8 + 5)
	FlagProfileSpecific2 uint16 = 1 << (8 + 6)

	FlagLeap61                uint16 = 1 << 0
	FlagLeap59                uint16 = 1 << 1
	FlagCurrentUtcOffsetValid uint16 = 1 << 2
	FlagPTPTimescale          uint16 = 1 << 3
	FlagTimeTraceable         uint16 = 1 << 4
	FlagFrequencyTraceable    uint16 = 1 << 5
)

// Header Table 35 Common PTP message header
type Header struct {
	SdoIDAndMsgType     SdoIDAndMsgType
	Version             uint8
	MessageLength       uint16
	DomainNumber        uint8
	MinorSdoID          uint8
	FlagField           uint16
	CorrectionField     Correction
	MessageTypeSpecific uint32
	SourcePortIdentity  PortIdentity
	SequenceID          uint16
	ControlField        uint8
	LogMessageInterval  LogInterval
}

// MessageType returns MessageType
func (h *Header) MessageType() MessageType {
	return h.SdoIDAndMsgType.MsgType()
}

// SetSequence populates sequence field
func (h *Header) SetSequence(sequence uint16) {
	h.SequenceID = sequence
}

// Hdr gives access to the common header
func (h *Header) Hdr() *Header {
	return h
}

// TwoStep reports whether the two step flag is set
func (h *Header) TwoStep() bool {
	return h.FlagField&FlagTwoStep != 0
}

// Unicast reports whether the unicast flag is set
func (h *Header) Unicast() bool {
	return h.FlagField&FlagUnicast != 0
}

func marshalHeader(h *Header, b []byte) int {
	b[0] = byte(h.SdoIDAndMsgType)
	b[1] = h.Version
	binary.BigEndian.PutUint16(b[2:], h.MessageLength)
	b[4] = h.DomainNumber
	b[5] = h.MinorSdoID
	binary.BigEndian.PutUint16(b[6:], h.FlagField)
	binary.BigEndian.PutUint64(b[8:], uint64(h.CorrectionField))
	binary.BigEndian.PutUint32(b[16:], h.MessageTypeSpecific)
	marshalPortIdentity(&h.SourcePortIdentity, b[20:])
	binary.BigEndian.PutUint16(b[30:], h.SequenceID)
	b[32] = h.ControlField
	b[33] = byte(h.LogMessageInterval)
	return headerSize
}

func unmarshalHeader(h *Header, b []byte) error {
	if len(b) < headerSize {
		return ErrShortPacket
	}
	h.SdoIDAndMsgType = SdoIDAndMsgType(b[0])
	h.Version = b[1]
	h.MessageLength = binary.BigEndian.Uint16(b[2:])
	h.DomainNumber = b[4]
	h.MinorSdoID = b[5]
	h.FlagField = binary.BigEndian.Uint16(b[6:])
	h.CorrectionField = Correction(binary.BigEndian.Uint64(b[8:]))
	h.MessageTypeSpecific = binary.BigEndian.Uint32(b[16:])
	unmarshalPortIdentity(&h.SourcePortIdentity, b[20:])
	h.SequenceID = binary.BigEndian.Uint16(b[30:])
	h.ControlField = b[32]
	h.LogMessageInterval = LogInterval(b[33])
	if int(h.MessageLength) > len(b) {
		return fmt.Errorf("cannot decode message of length %d from %d bytes", h.MessageLength, len(b))
	}
	return nil
}

func marshalPortIdentity(p *PortIdentity, b []byte) {
	binary.BigEndian.PutUint64(b, uint64(p.ClockIdentity))
	binary.BigEndian.PutUint16(b[8:], p.PortNumber)
}

func unmarshalPortIdentity(p *PortIdentity, b []byte) {
	p.ClockIdentity = ClockIdentity(binary.BigEndian.Uint64(b))
	p.PortNumber = binary.BigEndian.Uint16(b[8:])
}

func marshalTimestamp(t *Timestamp, b []byte) {
	copy(b[0:6], t.Seconds[:])
	binary.BigEndian.PutUint32(b[6:], t.Nanoseconds)
}

func unmarshalTimestamp(t *Timestamp, b []byte) {
	copy(t.Seconds[:], b[0:6])
	t.Nanoseconds = binary.BigEndian.Uint32(b[6:])
}

// BinaryMarshalerTo is implemented by every packet, writing into a preallocated buffer
type BinaryMarshalerTo interface {
	MarshalBinaryTo([]byte) (int, error)
}

// Packet is an interface to abstract all different packets
type Packet interface {
	BinaryMarshalerTo
	MessageType() MessageType
	SetSequence(uint16)
	Hdr() *Header
	UnmarshalBinary([]byte) error
}

// SyncDelayReq is a full Sync/Delay_Req packet, Table 44
type SyncDelayReq struct {
	Header
	OriginTimestamp Timestamp
}

// MarshalBinaryTo marshals packet into b
func (p *SyncDelayReq) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < SyncSize {
		return 0, ErrShortPacket
	}
	p.MessageLength = SyncSize
	n := marshalHeader(&p.Header, b)
	marshalTimestamp(&p.OriginTimestamp, b[n:])
	return n + timestampSize, nil
}

// UnmarshalBinary parses b into packet
func (p *SyncDelayReq) UnmarshalBinary(b []byte) error {
	if len(b) < SyncSize {
		return ErrShortPacket
	}
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	unmarshalTimestamp(&p.OriginTimestamp, b[headerSize:])
	return nil
}

// FollowUp is a full Follow_Up packet, Table 45
type FollowUp struct {
	Header
	PreciseOriginTimestamp Timestamp
	// Information is present in Follow_Up of 802.1AS masters
	Information *FollowUpInformationTLV
}

// MarshalBinaryTo marshals packet into b
func (p *FollowUp) MarshalBinaryTo(b []byte) (int, error) {
	size := FollowUpSize
	if p.Information != nil {
		size = FollowUpInfoSize
	}
	if len(b) < size {
		return 0, ErrShortPacket
	}
	p.MessageLength = uint16(size)
	n := marshalHeader(&p.Header, b)
	marshalTimestamp(&p.PreciseOriginTimestamp, b[n:])
	if p.Information != nil {
		if _, err := p.Information.MarshalBinaryTo(b[FollowUpSize:]); err != nil {
			return 0, err
		}
	}
	return size, nil
}

// UnmarshalBinary parses b into packet. TLVs other than the Follow_Up information TLV are ignored.
func (p *FollowUp) UnmarshalBinary(b []byte) error {
	if len(b) < FollowUpSize {
		return ErrShortPacket
	}
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	unmarshalTimestamp(&p.PreciseOriginTimestamp, b[headerSize:])
	p.Information = nil
	if int(p.MessageLength) <= FollowUpSize {
		return nil
	}
	tlvs := b[FollowUpSize:p.MessageLength]
	if isFollowUpInformation(tlvs) {
		p.Information = &FollowUpInformationTLV{}
		return p.Information.UnmarshalBinary(tlvs)
	}
	return nil
}

// Follow_Up information TLV, IEEE 802.1AS-2020 11.4.4.3
const (
	followUpInfoTLVLen = 28
	// FollowUpInfoSize is the size of a Follow_Up carrying the information TLV
	FollowUpInfoSize = FollowUpSize + tlvHeadSize + followUpInfoTLVLen
)

var (
	ieee8021OrganizationID = [3]byte{0x00, 0x80, 0xc2}
	followUpInfoSubType    = [3]byte{0x00, 0x00, 0x01}
)

// FollowUpInformationTLV carries the rate ratio and grandmaster change state of an 802.1AS time-aware system
type FollowUpInformationTLV struct {
	TLVHead
	OrganizationID             [3]byte
	OrganizationSubType        [3]byte
	CumulativeScaledRateOffset int32
	GmTimeBaseIndicator        uint16
	// LastGmPhaseChange is a ScaledNs, 96 bit signed in units of 2^-16 ns
	LastGmPhaseChange      [12]byte
	ScaledLastGmFreqChange int32
}

// NewFollowUpInformationTLV builds the TLV sent by a grandmaster which never changed
func NewFollowUpInformationTLV() *FollowUpInformationTLV {
	return &FollowUpInformationTLV{
		TLVHead:             TLVHead{TLVType: TLVOrganizationExtension, LengthField: followUpInfoTLVLen},
		OrganizationID:      ieee8021OrganizationID,
		OrganizationSubType: followUpInfoSubType,
	}
}

func isFollowUpInformation(b []byte) bool {
	if len(b) < tlvHeadSize+6 {
		return false
	}
	return TLVType(binary.BigEndian.Uint16(b)) == TLVOrganizationExtension &&
		[3]byte(b[4:7]) == ieee8021OrganizationID && [3]byte(b[7:10]) == followUpInfoSubType
}

// MarshalBinaryTo marshals TLV into b
func (t *FollowUpInformationTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+followUpInfoTLVLen {
		return 0, ErrShortPacket
	}
	marshalTLVHead(&t.TLVHead, b)
	copy(b[4:], t.OrganizationID[:])
	copy(b[7:], t.OrganizationSubType[:])
	binary.BigEndian.PutUint32(b[10:], uint32(t.CumulativeScaledRateOffset))
	binary.BigEndian.PutUint16(b[14:], t.GmTimeBaseIndicator)
	copy(b[16:], t.LastGmPhaseChange[:])
	binary.BigEndian.PutUint32(b[28:], uint32(t.ScaledLastGmFreqChange))
	return tlvHeadSize + followUpInfoTLVLen, nil
}

// UnmarshalBinary parses b into TLV
func (t *FollowUpInformationTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHead(&t.TLVHead, b, followUpInfoTLVLen); err != nil {
		return err
	}
	copy(t.OrganizationID[:], b[4:7])
	copy(t.OrganizationSubType[:], b[7:10])
	t.CumulativeScaledRateOffset = int32(binary.BigEndian.Uint32(b[10:]))
	t.GmTimeBaseIndicator = binary.BigEndian.Uint16(b[14:])
	copy(t.LastGmPhaseChange[:], b[16:28])
	t.ScaledLastGmFreqChange = int32(binary.BigEndian.Uint32(b[28:]))
	return nil
}

// DelayResp is a full Delay_Resp packet, Table 46
type DelayResp struct {
	Header
	ReceiveTimestamp       Timestamp
	RequestingPortIdentity PortIdentity
}

// MarshalBinaryTo marshals packet into b
func (p *DelayResp) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < DelayRespSize {
		return 0, ErrShortPacket
	}
	p.MessageLength = DelayRespSize
	n := marshalHeader(&p.Header, b)
	marshalTimestamp(&p.ReceiveTimestamp, b[n:])
	marshalPortIdentity(&p.RequestingPortIdentity, b[n+timestampSize:])
	return DelayRespSize, nil
}

// UnmarshalBinary parses b into packet
func (p *DelayResp) UnmarshalBinary(b []byte) error {
	if len(b) < DelayRespSize {
		return ErrShortPacket
	}
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	unmarshalTimestamp(&p.ReceiveTimestamp, b[headerSize:])
	unmarshalPortIdentity(&p.RequestingPortIdentity, b[headerSize+timestampSize:])
	return nil
}

// AnnounceBody Table 43 Announce message fields
type AnnounceBody struct {
	OriginTimestamp         Timestamp
	CurrentUTCOffset        int16
	Reserved                uint8
	GrandmasterPriority1    uint8
	GrandmasterClockQuality ClockQuality
	GrandmasterPriority2    uint8
	GrandmasterIdentity     ClockIdentity
	StepsRemoved            uint16
	TimeSource              TimeSource
}

// Announce is a full Announce packet
type Announce struct {
	Header
	AnnounceBody
}

// MarshalBinaryTo marshals packet into b
func (p *Announce) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < AnnounceSize {
		return 0, ErrShortPacket
	}
	p.MessageLength = AnnounceSize
	n := marshalHeader(&p.Header, b)
	marshalAnnounceBody(&p.AnnounceBody, b[n:])
	return AnnounceSize, nil
}

func marshalAnnounceBody(a *AnnounceBody, b []byte) {
	marshalTimestamp(&a.OriginTimestamp, b)
	binary.BigEndian.PutUint16(b[10:], uint16(a.CurrentUTCOffset))
	b[12] = a.Reserved
	b[13] = a.GrandmasterPriority1
	b[14] = byte(a.GrandmasterClockQuality.ClockClass)
	b[15] = byte(a.GrandmasterClockQuality.ClockAccuracy)
	binary.BigEndian.PutUint16(b[16:], a.GrandmasterClockQuality.OffsetScaledLogVariance)
	b[18] = a.GrandmasterPriority2
	binary.BigEndian.PutUint64(b[19:], uint64(a.GrandmasterIdentity))
	binary.BigEndian.PutUint16(b[27:], a.StepsRemoved)
	b[29] = byte(a.TimeSource)
}

// UnmarshalBinary parses b into packet
func (p *Announce) UnmarshalBinary(b []byte) error {
	if len(b) < AnnounceSize {
		return ErrShortPacket
	}
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	a := &p.AnnounceBody
	d := b[headerSize:]
	unmarshalTimestamp(&a.OriginTimestamp, d)
	a.CurrentUTCOffset = int16(binary.BigEndian.Uint16(d[10:]))
	a.Reserved = d[12]
	a.GrandmasterPriority1 = d[13]
	a.GrandmasterClockQuality.ClockClass = ClockClass(d[14])
	a.GrandmasterClockQuality.ClockAccuracy = ClockAccuracy(d[15])
	a.GrandmasterClockQuality.OffsetScaledLogVariance = binary.BigEndian.Uint16(d[16:])
	a.GrandmasterPriority2 = d[18]
	a.GrandmasterIdentity = ClockIdentity(binary.BigEndian.Uint64(d[19:]))
	a.StepsRemoved = binary.BigEndian.Uint16(d[27:])
	a.TimeSource = TimeSource(d[29])
	return nil
}

// BodyBytes returns the encoded Announce body, used for change detection
func (a *AnnounceBody) BodyBytes() []byte {
	b := make([]byte, AnnounceSize-headerSize)
	marshalAnnounceBody(a, b)
	return b
}

// Bytes converts any packet to []byte
func Bytes(p Packet) ([]byte, error) {
	b := make([]byte, 512)
	n, err := p.MarshalBinaryTo(b)
	if err != nil {
		return nil, err
	}
	return b[:n], nil
}

// DecodePacket provides single entry point to decode raw bytes into a PTPv2 packet.
// Callers then switch on MessageType() or use a type switch.
func DecodePacket(b []byte) (Packet, error) {
	msgType, err := ProbeMsgType(b)
	if err != nil {
		return nil, err
	}
	var p Packet
	switch msgType {
	case MessageSync, MessageDelayReq:
		p = &SyncDelayReq{}
	case MessageFollowUp:
		p = &FollowUp{}
	case MessageDelayResp:
		p = &DelayResp{}
	case MessageAnnounce:
		p = &Announce{}
	case MessageSignaling:
		p = &Signaling{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, msgType)
	}
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return p, nil
}

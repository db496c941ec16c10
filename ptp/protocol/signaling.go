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
)

const tlvHeadSize = 4

// Payload sizes of unicast TLVs, excluding TLVHead
const (
	requestTLVLen = 6
	grantTLVLen   = 8
	cancelTLVLen  = 2
)

// AllPortsIdentity is the wildcard target port identity
var AllPortsIdentity = PortIdentity{ClockIdentity: 0xffffffffffffffff, PortNumber: 0xffff}

// UnicastMsgTypeAndFlags is a uint8 where first 4 bits contain MessageType and last 4 bits contain flags
type UnicastMsgTypeAndFlags uint8

// MsgType extracts MessageType from UnicastMsgTypeAndFlags
func (m UnicastMsgTypeAndFlags) MsgType() MessageType {
	return MessageType(m >> 4)
}

// NewUnicastMsgTypeAndFlags builds new UnicastMsgTypeAndFlags from MessageType and flags
func NewUnicastMsgTypeAndFlags(msgType MessageType, flags uint8) UnicastMsgTypeAndFlags {
	return UnicastMsgTypeAndFlags(uint8(msgType)<<4 | (flags & 0x0f))
}

// TLV abstracts away any TLV
type TLV interface {
	BinaryMarshalerTo
	Type() TLVType
	UnmarshalBinary([]byte) error
}

// TLVHead is a common part of all TLVs
type TLVHead struct {
	TLVType     TLVType
	LengthField uint16
}

// Type implements TLV interface
func (t TLVHead) Type() TLVType {
	return t.TLVType
}

func marshalTLVHead(t *TLVHead, b []byte) {
	binary.BigEndian.PutUint16(b, uint16(t.TLVType))
	binary.BigEndian.PutUint16(b[2:], t.LengthField)
}

func unmarshalTLVHead(t *TLVHead, b []byte, want int) error {
	if len(b) < tlvHeadSize {
		return ErrShortPacket
	}
	t.TLVType = TLVType(binary.BigEndian.Uint16(b))
	t.LengthField = binary.BigEndian.Uint16(b[2:])
	if int(t.LengthField) != want {
		return fmt.Errorf("expected TLV %s to have length of %d, got %d", t.TLVType, want, t.LengthField)
	}
	if len(b) < tlvHeadSize+want {
		return fmt.Errorf("cannot decode TLV of length %d from %d bytes", tlvHeadSize+want, len(b))
	}
	return nil
}

// RequestUnicastTransmissionTLV Table 110 REQUEST_UNICAST_TRANSMISSION TLV format
type RequestUnicastTransmissionTLV struct {
	TLVHead
	MsgTypeAndReserved    UnicastMsgTypeAndFlags
	LogInterMessagePeriod LogInterval
	DurationField         uint32
}

// NewRequestTLV builds REQUEST_UNICAST_TRANSMISSION TLV
func NewRequestTLV(msgType MessageType, period LogInterval, duration uint32) *RequestUnicastTransmissionTLV {
	return &RequestUnicastTransmissionTLV{
		TLVHead:               TLVHead{TLVType: TLVRequestUnicastTransmission, LengthField: requestTLVLen},
		MsgTypeAndReserved:    NewUnicastMsgTypeAndFlags(msgType, 0),
		LogInterMessagePeriod: period,
		DurationField:         duration,
	}
}

// MarshalBinaryTo marshals TLV into b
func (t *RequestUnicastTransmissionTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+requestTLVLen {
		return 0, ErrShortPacket
	}
	marshalTLVHead(&t.TLVHead, b)
	b[4] = byte(t.MsgTypeAndReserved)
	b[5] = byte(t.LogInterMessagePeriod)
	binary.BigEndian.PutUint32(b[6:], t.DurationField)
	return tlvHeadSize + requestTLVLen, nil
}

// UnmarshalBinary parses b into TLV
func (t *RequestUnicastTransmissionTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHead(&t.TLVHead, b, requestTLVLen); err != nil {
		return err
	}
	t.MsgTypeAndReserved = UnicastMsgTypeAndFlags(b[4])
	t.LogInterMessagePeriod = LogInterval(b[5])
	t.DurationField = binary.BigEndian.Uint32(b[6:])
	return nil
}

// GrantUnicastTransmissionTLV Table 111 GRANT_UNICAST_TRANSMISSION TLV format.
// DurationField of 0 means the request was denied.
type GrantUnicastTransmissionTLV struct {
	TLVHead
	MsgTypeAndReserved    UnicastMsgTypeAndFlags
	LogInterMessagePeriod LogInterval
	DurationField         uint32
	Reserved              uint8
	Renewal               uint8
}

// NewGrantTLV builds GRANT_UNICAST_TRANSMISSION TLV
func NewGrantTLV(msgType MessageType, period LogInterval, duration uint32) *GrantUnicastTransmissionTLV {
	return &GrantUnicastTransmissionTLV{
		TLVHead:               TLVHead{TLVType: TLVGrantUnicastTransmission, LengthField: grantTLVLen},
		MsgTypeAndReserved:    NewUnicastMsgTypeAndFlags(msgType, 0),
		LogInterMessagePeriod: period,
		DurationField:         duration,
		Renewal:               1,
	}
}

// MarshalBinaryTo marshals TLV into b
func (t *GrantUnicastTransmissionTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+grantTLVLen {
		return 0, ErrShortPacket
	}
	marshalTLVHead(&t.TLVHead, b)
	b[4] = byte(t.MsgTypeAndReserved)
	b[5] = byte(t.LogInterMessagePeriod)
	binary.BigEndian.PutUint32(b[6:], t.DurationField)
	b[10] = t.Reserved
	b[11] = t.Renewal
	return tlvHeadSize + grantTLVLen, nil
}

// UnmarshalBinary parses b into TLV
func (t *GrantUnicastTransmissionTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHead(&t.TLVHead, b, grantTLVLen); err != nil {
		return err
	}
	t.MsgTypeAndReserved = UnicastMsgTypeAndFlags(b[4])
	t.LogInterMessagePeriod = LogInterval(b[5])
	t.DurationField = binary.BigEndian.Uint32(b[6:])
	t.Reserved = b[10]
	t.Renewal = b[11]
	return nil
}

// CancelUnicastTransmissionTLV Table 112 CANCEL_UNICAST_TRANSMISSION TLV format
type CancelUnicastTransmissionTLV struct {
	TLVHead
	MsgTypeAndFlags UnicastMsgTypeAndFlags
	Reserved        uint8
}

// NewCancelTLV builds CANCEL_UNICAST_TRANSMISSION TLV
func NewCancelTLV(msgType MessageType) *CancelUnicastTransmissionTLV {
	return &CancelUnicastTransmissionTLV{
		TLVHead:         TLVHead{TLVType: TLVCancelUnicastTransmission, LengthField: cancelTLVLen},
		MsgTypeAndFlags: NewUnicastMsgTypeAndFlags(msgType, 0),
	}
}

// MarshalBinaryTo marshals TLV into b
func (t *CancelUnicastTransmissionTLV) MarshalBinaryTo(b []byte) (int, error) {
	return marshalCancelLike(&t.TLVHead, t.MsgTypeAndFlags, t.Reserved, b)
}

// UnmarshalBinary parses b into TLV
func (t *CancelUnicastTransmissionTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHead(&t.TLVHead, b, cancelTLVLen); err != nil {
		return err
	}
	t.MsgTypeAndFlags = UnicastMsgTypeAndFlags(b[4])
	t.Reserved = b[5]
	return nil
}

// AcknowledgeCancelUnicastTransmissionTLV Table 113 ACKNOWLEDGE_CANCEL_UNICAST_TRANSMISSION TLV format
type AcknowledgeCancelUnicastTransmissionTLV struct {
	TLVHead
	MsgTypeAndFlags UnicastMsgTypeAndFlags
	Reserved        uint8
}

// NewAckCancelTLV builds ACKNOWLEDGE_CANCEL_UNICAST_TRANSMISSION TLV
func NewAckCancelTLV(msgType MessageType) *AcknowledgeCancelUnicastTransmissionTLV {
	return &AcknowledgeCancelUnicastTransmissionTLV{
		TLVHead:         TLVHead{TLVType: TLVAcknowledgeCancelUnicastTransmission, LengthField: cancelTLVLen},
		MsgTypeAndFlags: NewUnicastMsgTypeAndFlags(msgType, 0),
	}
}

// MarshalBinaryTo marshals TLV into b
func (t *AcknowledgeCancelUnicastTransmissionTLV) MarshalBinaryTo(b []byte) (int, error) {
	return marshalCancelLike(&t.TLVHead, t.MsgTypeAndFlags, t.Reserved, b)
}

// UnmarshalBinary parses b into TLV
func (t *AcknowledgeCancelUnicastTransmissionTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHead(&t.TLVHead, b, cancelTLVLen); err != nil {
		return err
	}
	t.MsgTypeAndFlags = UnicastMsgTypeAndFlags(b[4])
	t.Reserved = b[5]
	return nil
}

func marshalCancelLike(h *TLVHead, mt UnicastMsgTypeAndFlags, reserved uint8, b []byte) (int, error) {
	if len(b) < tlvHeadSize+cancelTLVLen {
		return 0, ErrShortPacket
	}
	marshalTLVHead(h, b)
	b[4] = byte(mt)
	b[5] = reserved
	return tlvHeadSize + cancelTLVLen, nil
}

// Signaling packet. It is of variable size and carries one or more TLVs.
type Signaling struct {
	Header
	TargetPortIdentity PortIdentity
	TLVs               []TLV
}

// MarshalBinaryTo marshals packet into b, filling in MessageLength
func (p *Signaling) MarshalBinaryTo(b []byte) (int, error) {
	if len(p.TLVs) == 0 {
		return 0, fmt.Errorf("no TLVs in Signaling message, at least one required")
	}
	if len(b) < headerSize+portIDSize {
		return 0, ErrShortPacket
	}
	pos := headerSize
	marshalPortIdentity(&p.TargetPortIdentity, b[pos:])
	pos += portIDSize
	for _, tlv := range p.TLVs {
		n, err := tlv.MarshalBinaryTo(b[pos:])
		if err != nil {
			return 0, fmt.Errorf("writing %s: %w", tlv.Type(), err)
		}
		pos += n
	}
	p.MessageLength = uint16(pos)
	marshalHeader(&p.Header, b)
	return pos, nil
}

// UnmarshalBinary parses b into packet
func (p *Signaling) UnmarshalBinary(b []byte) error {
	if len(b) < headerSize+portIDSize+tlvHeadSize {
		return ErrShortPacket
	}
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if p.MessageType() != MessageSignaling {
		return fmt.Errorf("not a signaling message: %s", p.MessageType())
	}
	unmarshalPortIdentity(&p.TargetPortIdentity, b[headerSize:])
	pos := headerSize + portIDSize
	end := int(p.MessageLength)
	p.TLVs = p.TLVs[:0]
	// packet can have trailing bytes, never read past MessageLength
	for pos+tlvHeadSize <= end {
		var tlv TLV
		switch t := TLVType(binary.BigEndian.Uint16(b[pos:])); t {
		case TLVRequestUnicastTransmission:
			tlv = &RequestUnicastTransmissionTLV{}
		case TLVGrantUnicastTransmission:
			tlv = &GrantUnicastTransmissionTLV{}
		case TLVCancelUnicastTransmission:
			tlv = &CancelUnicastTransmissionTLV{}
		case TLVAcknowledgeCancelUnicastTransmission:
			tlv = &AcknowledgeCancelUnicastTransmissionTLV{}
		default:
			return fmt.Errorf("reading TLV %s is not implemented", t)
		}
		if err := tlv.UnmarshalBinary(b[pos:end]); err != nil {
			return err
		}
		pos += tlvHeadSize + int(binary.BigEndian.Uint16(b[pos+2:]))
		p.TLVs = append(p.TLVs, tlv)
	}
	if len(p.TLVs) == 0 {
		return fmt.Errorf("no TLVs read for Signaling message, at least one required")
	}
	return nil
}

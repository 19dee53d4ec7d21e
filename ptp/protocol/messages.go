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

// all references are given for IEEE 1588-2008 Standard

import (
	"encoding/binary"
	"fmt"
)

// Encoded message sizes in bytes. Every message of the core protocol has a
// fixed length; TLV suffixes past these offsets are not part of the core
// and are ignored on receive.
const (
	SizeHeader             = 34
	SizeSync               = 44
	SizeDelayReq           = 44
	SizeFollowUp           = 44
	SizeAnnounce           = 64
	SizeDelayResp          = 54
	SizePDelayReq          = 54
	SizePDelayResp         = 54
	SizePDelayRespFollowUp = 54
	SizeSignaling          = 44
	SizeManagement         = 48
)

// MessageSize returns the encoded size of a message type, 0 for unknown
func MessageSize(t MessageType) int {
	switch t {
	case MessageSync, MessageDelayReq:
		return SizeSync
	case MessageFollowUp:
		return SizeFollowUp
	case MessageAnnounce:
		return SizeAnnounce
	case MessageDelayResp:
		return SizeDelayResp
	case MessagePDelayReq:
		return SizePDelayReq
	case MessagePDelayResp:
		return SizePDelayResp
	case MessagePDelayRespFollowUp:
		return SizePDelayRespFollowUp
	case MessageSignaling:
		return SizeSignaling
	case MessageManagement:
		return SizeManagement
	}
	return 0
}

// Header is the common PTP message header, Table 18
type Header struct {
	SdoIDAndMsgType     uint8 // first 4 bits transportSpecific, last 4 messageType
	Version             uint8
	MessageLength       uint16
	DomainNumber        uint8
	Reserved1           uint8
	FlagField           uint16
	CorrectionField     Correction
	Reserved2           uint32
	SourcePortIdentity  PortIdentity
	SequenceID          uint16
	ControlField        uint8
	LogMessageInterval  LogInterval
}

// MessageType returns the message type encoded in the header
func (p *Header) MessageType() MessageType {
	return MessageType(p.SdoIDAndMsgType & 0xf)
}

// SetMessageType encodes the message type into the header
func (p *Header) SetMessageType(t MessageType) {
	p.SdoIDAndMsgType = p.SdoIDAndMsgType&0xf0 | uint8(t)
}

// TwoStep reports the twoStep header flag
func (p *Header) TwoStep() bool {
	return p.FlagField&FlagTwoStep != 0
}

// Unicast reports the unicast header flag
func (p *Header) Unicast() bool {
	return p.FlagField&FlagUnicast != 0
}

// checkedRegion validates that the fixed region of size want fits within
// both the capture buffer and the length the header declares. Everything
// the unmarshallers read lies below want, so a single check suffices.
func checkedRegion(p *Header, b []byte, want int) error {
	if len(b) < want {
		return fmt.Errorf("message %s truncated: captured %d of %d bytes",
			p.MessageType(), len(b), want)
	}
	if int(p.MessageLength) < want {
		return fmt.Errorf("message %s declares %d bytes, needs %d",
			p.MessageType(), p.MessageLength, want)
	}
	if int(p.MessageLength) > len(b) {
		return fmt.Errorf("message %s declares %d bytes, captured %d",
			p.MessageType(), p.MessageLength, len(b))
	}
	return nil
}

// unmarshalHeader is not Header.UnmarshalBinary on purpose: embedding would
// give every message an incomplete default implementation
func unmarshalHeader(p *Header, b []byte) error {
	if len(b) < SizeHeader {
		return fmt.Errorf("not enough data to decode header: %d bytes", len(b))
	}
	p.SdoIDAndMsgType = b[0]
	p.Version = b[1]
	p.MessageLength = binary.BigEndian.Uint16(b[2:])
	p.DomainNumber = b[4]
	p.Reserved1 = b[5]
	p.FlagField = binary.BigEndian.Uint16(b[6:])
	p.CorrectionField = Correction(binary.BigEndian.Uint64(b[8:]))
	p.Reserved2 = binary.BigEndian.Uint32(b[16:])
	p.SourcePortIdentity.ClockIdentity = ClockIdentity(binary.BigEndian.Uint64(b[20:]))
	p.SourcePortIdentity.PortNumber = binary.BigEndian.Uint16(b[28:])
	p.SequenceID = binary.BigEndian.Uint16(b[30:])
	p.ControlField = b[32]
	p.LogMessageInterval = LogInterval(b[33])
	return nil
}

func headerMarshalTo(p *Header, b []byte) int {
	b[0] = p.SdoIDAndMsgType
	b[1] = p.Version
	binary.BigEndian.PutUint16(b[2:], p.MessageLength)
	b[4] = p.DomainNumber
	b[5] = p.Reserved1
	binary.BigEndian.PutUint16(b[6:], p.FlagField)
	binary.BigEndian.PutUint64(b[8:], uint64(p.CorrectionField))
	binary.BigEndian.PutUint32(b[16:], p.Reserved2)
	binary.BigEndian.PutUint64(b[20:], uint64(p.SourcePortIdentity.ClockIdentity))
	binary.BigEndian.PutUint16(b[28:], p.SourcePortIdentity.PortNumber)
	binary.BigEndian.PutUint16(b[30:], p.SequenceID)
	b[32] = p.ControlField
	b[33] = byte(p.LogMessageInterval)
	return SizeHeader
}

func putTimestamp(b []byte, t Timestamp) {
	copy(b, t.Seconds[:])
	binary.BigEndian.PutUint32(b[6:], t.Nanoseconds)
}

func getTimestamp(b []byte) Timestamp {
	var t Timestamp
	copy(t.Seconds[:], b)
	t.Nanoseconds = binary.BigEndian.Uint32(b[6:])
	return t
}

func putPortIdentity(b []byte, p PortIdentity) {
	binary.BigEndian.PutUint64(b, uint64(p.ClockIdentity))
	binary.BigEndian.PutUint16(b[8:], p.PortNumber)
}

func getPortIdentity(b []byte) PortIdentity {
	return PortIdentity{
		ClockIdentity: ClockIdentity(binary.BigEndian.Uint64(b)),
		PortNumber:    binary.BigEndian.Uint16(b[8:]),
	}
}

// Packet is an interface abstracting all message types
type Packet interface {
	MessageType() MessageType
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(b []byte) error
}

// SyncDelayReq is a Sync or Delay_Req message, Table 26
type SyncDelayReq struct {
	Header
	OriginTimestamp Timestamp
}

// MarshalBinaryTo marshals SyncDelayReq into b
func (p *SyncDelayReq) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < SizeSync {
		return 0, fmt.Errorf("not enough buffer to write %s", p.MessageType())
	}
	n := headerMarshalTo(&p.Header, b)
	putTimestamp(b[n:], p.OriginTimestamp)
	return SizeSync, nil
}

// MarshalBinary converts SyncDelayReq to []byte
func (p *SyncDelayReq) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SizeSync)
	n, err := p.MarshalBinaryTo(buf)
	return buf[:n], err
}

// UnmarshalBinary parses []byte into SyncDelayReq
func (p *SyncDelayReq) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if err := checkedRegion(&p.Header, b, SizeSync); err != nil {
		return err
	}
	p.OriginTimestamp = getTimestamp(b[SizeHeader:])
	return nil
}

// FollowUp is a Follow_Up message, Table 27
type FollowUp struct {
	Header
	PreciseOriginTimestamp Timestamp
}

// MarshalBinaryTo marshals FollowUp into b
func (p *FollowUp) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < SizeFollowUp {
		return 0, fmt.Errorf("not enough buffer to write FollowUp")
	}
	n := headerMarshalTo(&p.Header, b)
	putTimestamp(b[n:], p.PreciseOriginTimestamp)
	return SizeFollowUp, nil
}

// MarshalBinary converts FollowUp to []byte
func (p *FollowUp) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SizeFollowUp)
	n, err := p.MarshalBinaryTo(buf)
	return buf[:n], err
}

// UnmarshalBinary parses []byte into FollowUp
func (p *FollowUp) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if err := checkedRegion(&p.Header, b, SizeFollowUp); err != nil {
		return err
	}
	p.PreciseOriginTimestamp = getTimestamp(b[SizeHeader:])
	return nil
}

// DelayResp is a Delay_Resp message, Table 28
type DelayResp struct {
	Header
	ReceiveTimestamp       Timestamp
	RequestingPortIdentity PortIdentity
}

// MarshalBinaryTo marshals DelayResp into b
func (p *DelayResp) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < SizeDelayResp {
		return 0, fmt.Errorf("not enough buffer to write DelayResp")
	}
	n := headerMarshalTo(&p.Header, b)
	putTimestamp(b[n:], p.ReceiveTimestamp)
	putPortIdentity(b[n+10:], p.RequestingPortIdentity)
	return SizeDelayResp, nil
}

// MarshalBinary converts DelayResp to []byte
func (p *DelayResp) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SizeDelayResp)
	n, err := p.MarshalBinaryTo(buf)
	return buf[:n], err
}

// UnmarshalBinary parses []byte into DelayResp
func (p *DelayResp) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if err := checkedRegion(&p.Header, b, SizeDelayResp); err != nil {
		return err
	}
	p.ReceiveTimestamp = getTimestamp(b[SizeHeader:])
	p.RequestingPortIdentity = getPortIdentity(b[SizeHeader+10:])
	return nil
}

// Announce is an Announce message, Table 25
type Announce struct {
	Header
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

// MarshalBinaryTo marshals Announce into b
func (p *Announce) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < SizeAnnounce {
		return 0, fmt.Errorf("not enough buffer to write Announce")
	}
	n := headerMarshalTo(&p.Header, b)
	putTimestamp(b[n:], p.OriginTimestamp)
	binary.BigEndian.PutUint16(b[n+10:], uint16(p.CurrentUTCOffset))
	b[n+12] = p.Reserved
	b[n+13] = p.GrandmasterPriority1
	b[n+14] = byte(p.GrandmasterClockQuality.ClockClass)
	b[n+15] = byte(p.GrandmasterClockQuality.ClockAccuracy)
	binary.BigEndian.PutUint16(b[n+16:], p.GrandmasterClockQuality.OffsetScaledLogVariance)
	b[n+18] = p.GrandmasterPriority2
	binary.BigEndian.PutUint64(b[n+19:], uint64(p.GrandmasterIdentity))
	binary.BigEndian.PutUint16(b[n+27:], p.StepsRemoved)
	b[n+29] = byte(p.TimeSource)
	return SizeAnnounce, nil
}

// MarshalBinary converts Announce to []byte
func (p *Announce) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SizeAnnounce)
	n, err := p.MarshalBinaryTo(buf)
	return buf[:n], err
}

// UnmarshalBinary parses []byte into Announce
func (p *Announce) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if err := checkedRegion(&p.Header, b, SizeAnnounce); err != nil {
		return err
	}
	n := SizeHeader
	p.OriginTimestamp = getTimestamp(b[n:])
	p.CurrentUTCOffset = int16(binary.BigEndian.Uint16(b[n+10:]))
	p.Reserved = b[n+12]
	p.GrandmasterPriority1 = b[n+13]
	p.GrandmasterClockQuality.ClockClass = ClockClass(b[n+14])
	p.GrandmasterClockQuality.ClockAccuracy = ClockAccuracy(b[n+15])
	p.GrandmasterClockQuality.OffsetScaledLogVariance = binary.BigEndian.Uint16(b[n+16:])
	p.GrandmasterPriority2 = b[n+18]
	p.GrandmasterIdentity = ClockIdentity(binary.BigEndian.Uint64(b[n+19:]))
	p.StepsRemoved = binary.BigEndian.Uint16(b[n+27:])
	p.TimeSource = TimeSource(b[n+29])
	return nil
}

// UTCOffsetValid reports the currentUtcOffsetValid flag of the Announce
func (p *Announce) UTCOffsetValid() bool {
	return p.FlagField&FlagCurrentUtcOffsetValid != 0
}

// PDelayReq is a Pdelay_Req message, Table 29
type PDelayReq struct {
	Header
	OriginTimestamp Timestamp
	Reserved        [10]uint8
}

// MarshalBinaryTo marshals PDelayReq into b
func (p *PDelayReq) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < SizePDelayReq {
		return 0, fmt.Errorf("not enough buffer to write PDelayReq")
	}
	n := headerMarshalTo(&p.Header, b)
	putTimestamp(b[n:], p.OriginTimestamp)
	copy(b[n+10:], p.Reserved[:])
	return SizePDelayReq, nil
}

// MarshalBinary converts PDelayReq to []byte
func (p *PDelayReq) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SizePDelayReq)
	n, err := p.MarshalBinaryTo(buf)
	return buf[:n], err
}

// UnmarshalBinary parses []byte into PDelayReq
func (p *PDelayReq) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if err := checkedRegion(&p.Header, b, SizePDelayReq); err != nil {
		return err
	}
	p.OriginTimestamp = getTimestamp(b[SizeHeader:])
	copy(p.Reserved[:], b[SizeHeader+10:])
	return nil
}

// PDelayResp is a Pdelay_Resp message, Table 30
type PDelayResp struct {
	Header
	RequestReceiptTimestamp Timestamp
	RequestingPortIdentity  PortIdentity
}

// MarshalBinaryTo marshals PDelayResp into b
func (p *PDelayResp) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < SizePDelayResp {
		return 0, fmt.Errorf("not enough buffer to write PDelayResp")
	}
	n := headerMarshalTo(&p.Header, b)
	putTimestamp(b[n:], p.RequestReceiptTimestamp)
	putPortIdentity(b[n+10:], p.RequestingPortIdentity)
	return SizePDelayResp, nil
}

// MarshalBinary converts PDelayResp to []byte
func (p *PDelayResp) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SizePDelayResp)
	n, err := p.MarshalBinaryTo(buf)
	return buf[:n], err
}

// UnmarshalBinary parses []byte into PDelayResp
func (p *PDelayResp) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if err := checkedRegion(&p.Header, b, SizePDelayResp); err != nil {
		return err
	}
	p.RequestReceiptTimestamp = getTimestamp(b[SizeHeader:])
	p.RequestingPortIdentity = getPortIdentity(b[SizeHeader+10:])
	return nil
}

// PDelayRespFollowUp is a Pdelay_Resp_Follow_Up message, Table 31
type PDelayRespFollowUp struct {
	Header
	ResponseOriginTimestamp Timestamp
	RequestingPortIdentity  PortIdentity
}

// MarshalBinaryTo marshals PDelayRespFollowUp into b
func (p *PDelayRespFollowUp) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < SizePDelayRespFollowUp {
		return 0, fmt.Errorf("not enough buffer to write PDelayRespFollowUp")
	}
	n := headerMarshalTo(&p.Header, b)
	putTimestamp(b[n:], p.ResponseOriginTimestamp)
	putPortIdentity(b[n+10:], p.RequestingPortIdentity)
	return SizePDelayRespFollowUp, nil
}

// MarshalBinary converts PDelayRespFollowUp to []byte
func (p *PDelayRespFollowUp) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SizePDelayRespFollowUp)
	n, err := p.MarshalBinaryTo(buf)
	return buf[:n], err
}

// UnmarshalBinary parses []byte into PDelayRespFollowUp
func (p *PDelayRespFollowUp) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if err := checkedRegion(&p.Header, b, SizePDelayRespFollowUp); err != nil {
		return err
	}
	p.ResponseOriginTimestamp = getTimestamp(b[SizeHeader:])
	p.RequestingPortIdentity = getPortIdentity(b[SizeHeader+10:])
	return nil
}

// Signaling is a Signaling message, Table 33. The core decodes only the
// target port identity; TLV processing belongs to the management subsystem.
type Signaling struct {
	Header
	TargetPortIdentity PortIdentity
}

// MarshalBinaryTo marshals Signaling into b
func (p *Signaling) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < SizeSignaling {
		return 0, fmt.Errorf("not enough buffer to write Signaling")
	}
	n := headerMarshalTo(&p.Header, b)
	putPortIdentity(b[n:], p.TargetPortIdentity)
	return SizeSignaling, nil
}

// MarshalBinary converts Signaling to []byte
func (p *Signaling) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SizeSignaling)
	n, err := p.MarshalBinaryTo(buf)
	return buf[:n], err
}

// UnmarshalBinary parses []byte into Signaling
func (p *Signaling) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if err := checkedRegion(&p.Header, b, SizeSignaling); err != nil {
		return err
	}
	p.TargetPortIdentity = getPortIdentity(b[SizeHeader:])
	return nil
}

// Management is a Management message, Table 37. Only the fixed fields are
// decoded; the management TLV payload is handed off elsewhere.
type Management struct {
	Header
	TargetPortIdentity   PortIdentity
	StartingBoundaryHops uint8
	BoundaryHops         uint8
	ActionField          uint8
	Reserved             uint8
}

// MarshalBinaryTo marshals Management into b
func (p *Management) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < SizeManagement {
		return 0, fmt.Errorf("not enough buffer to write Management")
	}
	n := headerMarshalTo(&p.Header, b)
	putPortIdentity(b[n:], p.TargetPortIdentity)
	b[n+10] = p.StartingBoundaryHops
	b[n+11] = p.BoundaryHops
	b[n+12] = p.ActionField & 0x1f
	b[n+13] = p.Reserved
	return SizeManagement, nil
}

// MarshalBinary converts Management to []byte
func (p *Management) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SizeManagement)
	n, err := p.MarshalBinaryTo(buf)
	return buf[:n], err
}

// UnmarshalBinary parses []byte into Management
func (p *Management) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if err := checkedRegion(&p.Header, b, SizeManagement); err != nil {
		return err
	}
	p.TargetPortIdentity = getPortIdentity(b[SizeHeader:])
	p.StartingBoundaryHops = b[SizeHeader+10]
	p.BoundaryHops = b[SizeHeader+11]
	p.ActionField = b[SizeHeader+12] & 0x1f
	p.Reserved = b[SizeHeader+13]
	return nil
}

// DecodePacket is the single entry point to decode any []byte into a PTP
// packet. The caller switches on the concrete type or MessageType().
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
	case MessagePDelayReq:
		p = &PDelayReq{}
	case MessagePDelayResp:
		p = &PDelayResp{}
	case MessagePDelayRespFollowUp:
		p = &PDelayRespFollowUp{}
	case MessageSignaling:
		p = &Signaling{}
	case MessageManagement:
		p = &Management{}
	default:
		return nil, fmt.Errorf("unsupported type %s", msgType)
	}
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return p, nil
}

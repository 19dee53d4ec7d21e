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
	"math"
	"net"
	"time"

	"github.com/opensync/ptpd/ptptime"
)

// Version of the PTP protocol we implement
const Version uint8 = 2

// VersionMask extracts the versionPTP nibble from the version byte
const VersionMask uint8 = 0x0f

// UDP ports: event messages go to 319, general messages to 320
var (
	PortEvent   = 319
	PortGeneral = 320
)

// Multicast groups and link-layer constants
var (
	// DefaultMulticastAddr is the primary PTP multicast group
	DefaultMulticastAddr = "224.0.1.129"
	// PDelayMulticastAddr is the peer-delay multicast group
	PDelayMulticastAddr = "224.0.0.107"
	// EtherDst is the destination MAC for PTP over IEEE 802.3
	EtherDst = net.HardwareAddr{0x01, 0x1b, 0x19, 0x00, 0x00, 0x00}
	// EtherPeerDst is the destination MAC for peer-delay messages over IEEE 802.3
	EtherPeerDst = net.HardwareAddr{0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e}
)

// EtherType for PTP over IEEE 802.3
const EtherType = 0x88f7

// 2 ** 16, scaling factor of TimeInterval and Correction
const twoPow16 = 65536

// MessageType is type for Message Types, Table 19
type MessageType uint8

// Values of messageType field
const (
	MessageSync               MessageType = 0x0
	MessageDelayReq           MessageType = 0x1
	MessagePDelayReq          MessageType = 0x2
	MessagePDelayResp         MessageType = 0x3
	MessageFollowUp           MessageType = 0x8
	MessageDelayResp          MessageType = 0x9
	MessagePDelayRespFollowUp MessageType = 0xA
	MessageAnnounce           MessageType = 0xB
	MessageSignaling          MessageType = 0xC
	MessageManagement         MessageType = 0xD
)

// MessageTypeToString is a map from MessageType to string
var MessageTypeToString = map[MessageType]string{
	MessageSync:               "SYNC",
	MessageDelayReq:           "DELAY_REQ",
	MessagePDelayReq:          "PDELAY_REQ",
	MessagePDelayResp:         "PDELAY_RESP",
	MessageFollowUp:           "FOLLOW_UP",
	MessageDelayResp:          "DELAY_RESP",
	MessagePDelayRespFollowUp: "PDELAY_RESP_FOLLOW_UP",
	MessageAnnounce:           "ANNOUNCE",
	MessageSignaling:          "SIGNALING",
	MessageManagement:         "MANAGEMENT",
}

func (m MessageType) String() string {
	return MessageTypeToString[m]
}

// Event reports whether messages of this type are timestamped on the wire
// and therefore travel on the event port
func (m MessageType) Event() bool {
	switch m {
	case MessageSync, MessageDelayReq, MessagePDelayReq, MessagePDelayResp:
		return true
	}
	return false
}

// ProbeMsgType decodes the message type from the first byte of a packet
func ProbeMsgType(data []byte) (MessageType, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("not enough data to probe MsgType")
	}
	return MessageType(data[0] & 0xf), nil
}

// ControlField values for the obsolete header field, Table 23.
// Still expected on the wire by v1-era hardware.
var controlField = map[MessageType]uint8{
	MessageSync:      0x0,
	MessageDelayReq:  0x1,
	MessageFollowUp:  0x2,
	MessageDelayResp: 0x3,
	MessageManagement: 0x4,
}

// ControlFieldFor returns the control field value for a message type,
// 0x5 ("all others") when the type has no dedicated value
func ControlFieldFor(t MessageType) uint8 {
	if v, ok := controlField[t]; ok {
		return v
	}
	return 0x5
}

// flags used in FlagField as per Table 20
const (
	// first octet
	FlagAlternateMaster uint16 = 1 << (8 + 0)
	FlagTwoStep         uint16 = 1 << (8 + 1)
	FlagUnicast         uint16 = 1 << (8 + 2)
	// second octet
	FlagLeap61                uint16 = 1 << 0
	FlagLeap59                uint16 = 1 << 1
	FlagCurrentUtcOffsetValid uint16 = 1 << 2
	FlagPTPTimescale          uint16 = 1 << 3
	FlagTimeTraceable         uint16 = 1 << 4
	FlagFrequencyTraceable    uint16 = 1 << 5
)

// MsgIntervalAbsent is logMessageInterval value for messages where the
// interval does not apply, Table 24
const MsgIntervalAbsent LogInterval = 0x7f

// IntFloat is a float64 stored in int64
type IntFloat int64

// Value decodes IntFloat to float64
func (t IntFloat) Value() float64 {
	return float64(t) / twoPow16
}

// TimeInterval is the time interval expressed in nanoseconds multiplied by 2**16
type TimeInterval IntFloat

// Nanoseconds decodes TimeInterval to nanoseconds
func (t TimeInterval) Nanoseconds() float64 {
	return IntFloat(t).Value()
}

// NewTimeInterval returns TimeInterval built from nanoseconds
func NewTimeInterval(ns float64) TimeInterval {
	return TimeInterval(ns * twoPow16)
}

// Correction is the value of the correction measured in nanoseconds and
// multiplied by 2**16. All ones except the most significant bit means the
// correction is too big to be represented.
type Correction IntFloat

// TooBig means correction is too big to be represented
func (t Correction) TooBig() bool {
	return t == 0x7fffffffffffffff
}

// Nanoseconds decodes Correction to nanoseconds
func (t Correction) Nanoseconds() float64 {
	if t.TooBig() {
		return math.Inf(1)
	}
	return IntFloat(t).Value()
}

// Internal converts the correction to the internal time representation,
// dropping sub-nanosecond resolution. Too-big corrections collapse to zero.
func (t Correction) Internal() ptptime.Time {
	if t.TooBig() {
		return ptptime.Time{}
	}
	return ptptime.Time{Seconds: 0, Nanoseconds: int64(t) / twoPow16}.Normalize()
}

// NewCorrection returns Correction built from nanoseconds
func NewCorrection(ns float64) Correction {
	t := ns * twoPow16
	if t > 0x7fffffffffffffff {
		return Correction(0x7fffffffffffffff)
	}
	return Correction(t)
}

func (t Correction) String() string {
	if t.TooBig() {
		return "Correction(Too big)"
	}
	return fmt.Sprintf("Correction(%.3fns)", t.Nanoseconds())
}

// ClockIdentity identifies unique entities within a PTP network
type ClockIdentity uint64

// String formats ClockIdentity the way ptp4l pmc does
func (c ClockIdentity) String() string {
	ptr := make([]byte, 8)
	binary.BigEndian.PutUint64(ptr, uint64(c))
	return fmt.Sprintf("%02x%02x%02x.%02x%02x.%02x%02x%02x",
		ptr[0], ptr[1], ptr[2], ptr[3],
		ptr[4], ptr[5], ptr[6], ptr[7],
	)
}

// NewClockIdentity creates new ClockIdentity from a MAC address
func NewClockIdentity(mac net.HardwareAddr) (ClockIdentity, error) {
	b := [8]byte{}
	switch len(mac) {
	case 6: // EUI-48
		b[0], b[1], b[2] = mac[0], mac[1], mac[2]
		b[3], b[4] = 0xFF, 0xFE
		b[5], b[6], b[7] = mac[3], mac[4], mac[5]
	case 8: // EUI-64
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

// Compare returns an integer comparing two port identities
func (p PortIdentity) Compare(q PortIdentity) int {
	switch {
	case p.ClockIdentity < q.ClockIdentity:
		return -1
	case p.ClockIdentity > q.ClockIdentity:
		return 1
	case p.PortNumber < q.PortNumber:
		return -1
	case p.PortNumber > q.PortNumber:
		return 1
	}
	return 0
}

// PTPSeconds is the 48-bit seconds field of a wire timestamp
type PTPSeconds [6]uint8

// Seconds returns number of seconds as uint64
func (s PTPSeconds) Seconds() uint64 {
	return uint64(s[5]) | uint64(s[4])<<8 | uint64(s[3])<<16 | uint64(s[2])<<24 |
		uint64(s[1])<<32 | uint64(s[0])<<40
}

// NewPTPSeconds packs a second count into the 48-bit wire form
func NewPTPSeconds(v uint64) PTPSeconds {
	s := PTPSeconds{}
	s[0] = byte(v >> 40)
	s[1] = byte(v >> 32)
	s[2] = byte(v >> 24)
	s[3] = byte(v >> 16)
	s[4] = byte(v >> 8)
	s[5] = byte(v)
	return s
}

// Timestamp is the wire form of a positive time with respect to the epoch:
// 48 bits of seconds and 32 bits of nanoseconds, 10 bytes total
type Timestamp struct {
	Seconds     PTPSeconds
	Nanoseconds uint32
}

// Empty reports a zero timestamp
func (t Timestamp) Empty() bool {
	return t.Nanoseconds == 0 && t.Seconds == PTPSeconds{}
}

// Time turns Timestamp into time.Time
func (t Timestamp) Time() time.Time {
	if t.Empty() {
		return time.Time{}
	}
	return time.Unix(int64(t.Seconds.Seconds()), int64(t.Nanoseconds))
}

// Internal converts the wire timestamp to the internal representation
func (t Timestamp) Internal() ptptime.Time {
	return ptptime.Time{Seconds: int64(t.Seconds.Seconds()), Nanoseconds: int64(t.Nanoseconds)}
}

// NewTimestamp creates a wire Timestamp from time.Time
func NewTimestamp(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{
		Seconds:     NewPTPSeconds(uint64(t.Unix())),
		Nanoseconds: uint32(t.Nanosecond()),
	}
}

// NewTimestampFromInternal creates a wire Timestamp from the internal
// representation. Negative values have no wire form and encode as zero.
func NewTimestampFromInternal(t ptptime.Time) Timestamp {
	n := t.Normalize()
	if n.IsNegative() {
		return Timestamp{}
	}
	return Timestamp{
		Seconds:     NewPTPSeconds(uint64(n.Seconds)),
		Nanoseconds: uint32(n.Nanoseconds),
	}
}

func (t Timestamp) String() string {
	if t.Empty() {
		return "Timestamp(empty)"
	}
	return fmt.Sprintf("Timestamp(%s)", t.Time())
}

// ClockClass represents a PTP clock class, Table 5
type ClockClass uint8

// Commonly used clock classes
const (
	ClockClass6         ClockClass = 6
	ClockClass7         ClockClass = 7
	ClockClass13        ClockClass = 13
	ClockClass52        ClockClass = 52
	ClockClassDefault   ClockClass = 187
	ClockClassSlaveOnly ClockClass = 255
)

// ClockAccuracy represents a PTP clock accuracy, Table 6
type ClockAccuracy uint8

// ClockAccuracyUnknown means accuracy is not known
const ClockAccuracyUnknown ClockAccuracy = 0xFE

// ClockQuality represents the quality of a clock
type ClockQuality struct {
	ClockClass              ClockClass
	ClockAccuracy           ClockAccuracy
	OffsetScaledLogVariance uint16
}

// TimeSource indicates the source of time used by the grandmaster, Table 7
type TimeSource uint8

// TimeSource values
const (
	TimeSourceAtomicClock        TimeSource = 0x10
	TimeSourceGNSS               TimeSource = 0x20
	TimeSourceTerrestrialRadio   TimeSource = 0x30
	TimeSourcePTP                TimeSource = 0x40
	TimeSourceNTP                TimeSource = 0x50
	TimeSourceHandSet            TimeSource = 0x60
	TimeSourceOther              TimeSource = 0x90
	TimeSourceInternalOscillator TimeSource = 0xa0
)

// LogInterval is the logarithm, base 2, of the message period in seconds
type LogInterval int8

// Duration returns LogInterval as time.Duration
func (i LogInterval) Duration() time.Duration {
	secs := math.Pow(2, float64(i))
	return time.Duration(secs * float64(time.Second))
}

// Seconds returns LogInterval as floating point seconds
func (i LogInterval) Seconds() float64 {
	return math.Pow(2, float64(i))
}

// PortState is one of the possible states of the port state machine
type PortState uint8

// Table 8 PTP state enumeration
const (
	PortStateInitializing PortState = iota + 1
	PortStateFaulty
	PortStateDisabled
	PortStateListening
	PortStatePreMaster
	PortStateMaster
	PortStatePassive
	PortStateUncalibrated
	PortStateSlave
)

// PortStateToString is a map from PortState to string
var PortStateToString = map[PortState]string{
	PortStateInitializing: "INITIALIZING",
	PortStateFaulty:       "FAULTY",
	PortStateDisabled:     "DISABLED",
	PortStateListening:    "LISTENING",
	PortStatePreMaster:    "PRE_MASTER",
	PortStateMaster:       "MASTER",
	PortStatePassive:      "PASSIVE",
	PortStateUncalibrated: "UNCALIBRATED",
	PortStateSlave:        "SLAVE",
}

func (ps PortState) String() string {
	return PortStateToString[ps]
}

// DelayMechanism is the path delay measuring mechanism of a port, Table 21
type DelayMechanism uint8

// Delay mechanisms
const (
	DelayMechanismE2E      DelayMechanism = 0x01
	DelayMechanismP2P      DelayMechanism = 0x02
	DelayMechanismDisabled DelayMechanism = 0xFE
)

// DelayMechanismToString is a map from DelayMechanism to string
var DelayMechanismToString = map[DelayMechanism]string{
	DelayMechanismE2E:      "E2E",
	DelayMechanismP2P:      "P2P",
	DelayMechanismDisabled: "DISABLED",
}

func (m DelayMechanism) String() string {
	return DelayMechanismToString[m]
}

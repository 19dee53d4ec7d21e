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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mkHeader(t MessageType, length int, seq uint16) Header {
	h := Header{
		Version:            Version,
		MessageLength:      uint16(length),
		DomainNumber:       0,
		SourcePortIdentity: PortIdentity{ClockIdentity: 0x0102030405060708, PortNumber: 1},
		SequenceID:         seq,
		ControlField:       ControlFieldFor(t),
		LogMessageInterval: 0,
	}
	h.SetMessageType(t)
	return h
}

func TestSyncRoundTrip(t *testing.T) {
	p := &SyncDelayReq{
		Header:          mkHeader(MessageSync, SizeSync, 100),
		OriginTimestamp: NewTimestamp(time.Unix(1700000000, 500000000)),
	}
	p.FlagField = FlagTwoStep
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, SizeSync)

	var got SyncDelayReq
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, *p, got)
	require.True(t, got.TwoStep())
	require.Equal(t, MessageSync, got.MessageType())
}

func TestAnnounceRoundTrip(t *testing.T) {
	p := &Announce{
		Header:               mkHeader(MessageAnnounce, SizeAnnounce, 7),
		CurrentUTCOffset:     37,
		GrandmasterPriority1: 128,
		GrandmasterClockQuality: ClockQuality{
			ClockClass:              ClockClass6,
			ClockAccuracy:           0x21,
			OffsetScaledLogVariance: 0x436a,
		},
		GrandmasterPriority2: 128,
		GrandmasterIdentity:  0x0102030405060708,
		StepsRemoved:         1,
		TimeSource:           TimeSourceGNSS,
	}
	p.FlagField = FlagCurrentUtcOffsetValid | FlagPTPTimescale
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, SizeAnnounce)

	var got Announce
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, *p, got)
	require.True(t, got.UTCOffsetValid())
}

func TestDelayRespRoundTrip(t *testing.T) {
	p := &DelayResp{
		Header:                 mkHeader(MessageDelayResp, SizeDelayResp, 55),
		ReceiveTimestamp:       NewTimestamp(time.Unix(1700000001, 42)),
		RequestingPortIdentity: PortIdentity{ClockIdentity: 0xaabbccddeeff0011, PortNumber: 1},
	}
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, SizeDelayResp)

	var got DelayResp
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, *p, got)
}

func TestPDelayRoundTrips(t *testing.T) {
	req := &PDelayReq{Header: mkHeader(MessagePDelayReq, SizePDelayReq, 1)}
	b, err := req.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, SizePDelayReq)
	var gotReq PDelayReq
	require.NoError(t, gotReq.UnmarshalBinary(b))
	require.Equal(t, *req, gotReq)

	resp := &PDelayResp{
		Header:                  mkHeader(MessagePDelayResp, SizePDelayResp, 1),
		RequestReceiptTimestamp: NewTimestamp(time.Unix(1700000002, 0)),
		RequestingPortIdentity:  PortIdentity{ClockIdentity: 1, PortNumber: 1},
	}
	b, err = resp.MarshalBinary()
	require.NoError(t, err)
	var gotResp PDelayResp
	require.NoError(t, gotResp.UnmarshalBinary(b))
	require.Equal(t, *resp, gotResp)

	fu := &PDelayRespFollowUp{
		Header:                  mkHeader(MessagePDelayRespFollowUp, SizePDelayRespFollowUp, 1),
		ResponseOriginTimestamp: NewTimestamp(time.Unix(1700000002, 10)),
		RequestingPortIdentity:  PortIdentity{ClockIdentity: 1, PortNumber: 1},
	}
	b, err = fu.MarshalBinary()
	require.NoError(t, err)
	var gotFu PDelayRespFollowUp
	require.NoError(t, gotFu.UnmarshalBinary(b))
	require.Equal(t, *fu, gotFu)
}

func TestFollowUpRoundTrip(t *testing.T) {
	p := &FollowUp{
		Header:                 mkHeader(MessageFollowUp, SizeFollowUp, 100),
		PreciseOriginTimestamp: NewTimestamp(time.Unix(1699999999, 999000000)),
	}
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	var got FollowUp
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, *p, got)
}

func TestSignalingManagementRoundTrip(t *testing.T) {
	s := &Signaling{
		Header:             mkHeader(MessageSignaling, SizeSignaling, 3),
		TargetPortIdentity: PortIdentity{ClockIdentity: 0xffffffffffffffff, PortNumber: 0xffff},
	}
	b, err := s.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, SizeSignaling)
	var gotS Signaling
	require.NoError(t, gotS.UnmarshalBinary(b))
	require.Equal(t, *s, gotS)

	m := &Management{
		Header:               mkHeader(MessageManagement, SizeManagement, 4),
		TargetPortIdentity:   PortIdentity{ClockIdentity: 1, PortNumber: 1},
		StartingBoundaryHops: 1,
		BoundaryHops:         1,
		ActionField:          0, // GET
	}
	b, err = m.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, SizeManagement)
	var gotM Management
	require.NoError(t, gotM.UnmarshalBinary(b))
	require.Equal(t, *m, gotM)
}

func TestTruncationIsErrorNotPanic(t *testing.T) {
	p := &Announce{Header: mkHeader(MessageAnnounce, SizeAnnounce, 1)}
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	for i := 0; i < len(b); i++ {
		_, err := DecodePacket(b[:i])
		require.Error(t, err, "truncated to %d bytes", i)
	}
}

func TestDeclaredLengthChecks(t *testing.T) {
	p := &SyncDelayReq{Header: mkHeader(MessageSync, SizeSync, 1)}
	b, err := p.MarshalBinary()
	require.NoError(t, err)

	// header declares more than captured
	b2 := make([]byte, len(b))
	copy(b2, b)
	b2[2], b2[3] = 0x01, 0x00
	var got SyncDelayReq
	require.Error(t, got.UnmarshalBinary(b2))

	// header declares less than the fixed size
	copy(b2, b)
	b2[2], b2[3] = 0x00, 0x10
	require.Error(t, got.UnmarshalBinary(b2))
}

func TestDecodePacketDispatch(t *testing.T) {
	a := &Announce{Header: mkHeader(MessageAnnounce, SizeAnnounce, 9)}
	b, err := a.MarshalBinary()
	require.NoError(t, err)
	p, err := DecodePacket(b)
	require.NoError(t, err)
	got, ok := p.(*Announce)
	require.True(t, ok)
	require.Equal(t, uint16(9), got.SequenceID)

	_, err = DecodePacket([]byte{})
	require.Error(t, err)

	// unknown message type
	bad := make([]byte, SizeHeader)
	bad[0] = 0x7
	_, err = DecodePacket(bad)
	require.Error(t, err)
}

func TestTimestampConversions(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	ts := NewTimestamp(now)
	require.Equal(t, now.Unix(), int64(ts.Seconds.Seconds()))
	require.True(t, ts.Time().Equal(now))
	internal := ts.Internal()
	require.Equal(t, int64(1700000000), internal.Seconds)
	require.Equal(t, int64(123456789), internal.Nanoseconds)
	require.Equal(t, ts, NewTimestampFromInternal(internal))
}

func TestCorrection(t *testing.T) {
	c := NewCorrection(2.5)
	require.InDelta(t, 2.5, c.Nanoseconds(), 1e-9)
	require.Equal(t, int64(2), c.Internal().Nanoseconds)
	require.True(t, Correction(0x7fffffffffffffff).TooBig())
	require.True(t, Correction(0x7fffffffffffffff).Internal().IsZero())
}

func TestClockIdentity(t *testing.T) {
	mac := []byte{0x0c, 0x42, 0xa1, 0x6d, 0x1b, 0xa0}
	ci, err := NewClockIdentity(mac)
	require.NoError(t, err)
	require.Equal(t, "0c42a1.fffe.6d1ba0", ci.String())
	_, err = NewClockIdentity([]byte{1, 2, 3})
	require.Error(t, err)
}

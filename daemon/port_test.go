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

package daemon

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opensync/ptpd/drivers"
	ptp "github.com/opensync/ptpd/ptp/protocol"
	"github.com/opensync/ptpd/ptptime"
)

const (
	localClockID  = ptp.ClockIdentity(0x00ff00ff00ff00ff)
	masterClockID = ptp.ClockIdentity(0x0102030405060708)
)

var masterAddr = netip.MustParseAddr("192.168.1.10")

// testClock is a drivers.Clock backed by variables
type testClock struct {
	time ptptime.Time
	freq float64
}

func (c *testClock) Init() error                        { return nil }
func (c *testClock) Shutdown() error                    { return nil }
func (c *testClock) GetTime() (ptptime.Time, error)     { return c.time, nil }
func (c *testClock) SetTime(t ptptime.Time) error       { c.time = t; return nil }
func (c *testClock) StepTime(d ptptime.Time) error      { c.time = c.time.Add(d); return nil }
func (c *testClock) SetFrequency(ppb float64) error     { c.freq = ppb; return nil }
func (c *testClock) GetFrequency() (float64, error)     { return c.freq, nil }
func (c *testClock) MaxFrequency() float64              { return 500000 }
func (c *testClock) HealthCheck() bool                  { return true }
func (c *testClock) IsThisMe(search string) bool        { return search == "test" }

// fakeTransport records what the port sends
type fakeTransport struct {
	sentEvent      [][]byte
	sentEventDst   []netip.Addr
	sentGeneral    [][]byte
	sentGeneralDst []netip.Addr
	txTS           time.Time
	refreshCount   int
}

func (f *fakeTransport) SendEvent(b []byte, dst netip.Addr) (time.Time, error) {
	f.sentEvent = append(f.sentEvent, append([]byte{}, b...))
	f.sentEventDst = append(f.sentEventDst, dst)
	return f.txTS, nil
}

func (f *fakeTransport) SendGeneral(b []byte, dst netip.Addr) error {
	f.sentGeneral = append(f.sentGeneral, append([]byte{}, b...))
	f.sentGeneralDst = append(f.sentGeneralDst, dst)
	return nil
}

func (f *fakeTransport) Refresh() error {
	f.refreshCount++
	return nil
}

func (f *fakeTransport) Packets() <-chan Packet { return nil }
func (f *fakeTransport) Close() error           { return nil }

type env struct {
	port *Port
	ft   *fakeTransport
	hw   *testClock
	now  time.Time
}

func (e *env) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func newEnv(t *testing.T, mutate func(cfg *Config)) *env {
	e := &env{now: time.Unix(1000, 0)}
	nowFn := func() time.Time { return e.now }

	cfg := DefaultConfig()
	cfg.Iface = "test0"
	cfg.LogAnnounceInterval = 1
	cfg.AnnounceReceiptTimeout = 3
	cfg.AnnounceTimeoutGracePeriod = 2
	if mutate != nil {
		mutate(cfg)
	}

	e.ft = &fakeTransport{txTS: e.now}
	e.hw = &testClock{}

	reg := drivers.NewRegistry(nowFn)
	drv, err := reg.Create(e.hw, "syst", cfg.DriverConfig(), true)
	require.NoError(t, err)

	p, err := newPort(cfg, e.ft, reg, drv, localClockID, nowFn)
	require.NoError(t, err)
	e.port = p
	p.Start()
	return e
}

func announceFrom(gm ptp.ClockIdentity, seq uint16) *ptp.Announce {
	ann := &ptp.Announce{
		CurrentUTCOffset:     37,
		GrandmasterPriority1: 128,
		GrandmasterClockQuality: ptp.ClockQuality{
			ClockClass:              6,
			ClockAccuracy:           0x21,
			OffsetScaledLogVariance: 0x436a,
		},
		GrandmasterPriority2: 128,
		GrandmasterIdentity:  gm,
		StepsRemoved:         0,
		TimeSource:           ptp.TimeSourceGNSS,
	}
	ann.Header = ptp.Header{
		Version:            ptp.Version,
		MessageLength:      ptp.SizeAnnounce,
		SourcePortIdentity: ptp.PortIdentity{ClockIdentity: gm, PortNumber: 1},
		SequenceID:         seq,
		LogMessageInterval: 1,
	}
	ann.SetMessageType(ptp.MessageAnnounce)
	ann.FlagField = ptp.FlagCurrentUtcOffsetValid | ptp.FlagPTPTimescale
	return ann
}

func deliver(e *env, msg interface{ MarshalBinary() ([]byte, error) }, rxTS time.Time, src netip.Addr) {
	b, err := msg.MarshalBinary()
	if err != nil {
		panic(err)
	}
	e.port.ProcessPacket(Packet{Data: b, Source: src, RXTimestamp: rxTS, Event: true})
}

// makeSlave walks the port from LISTENING to SLAVE with qualifying
// announces
func makeSlave(t *testing.T, e *env) {
	for i := 0; i < 3; i++ {
		deliver(e, announceFrom(masterClockID, uint16(i)), e.now, masterAddr)
		e.port.Tick()
	}
	require.Equal(t, ptp.PortStateSlave, e.port.State())
}

func syncTwoStep(seq uint16) *ptp.SyncDelayReq {
	s := &ptp.SyncDelayReq{}
	s.Header = ptp.Header{
		Version:            ptp.Version,
		MessageLength:      ptp.SizeSync,
		SourcePortIdentity: ptp.PortIdentity{ClockIdentity: masterClockID, PortNumber: 1},
		SequenceID:         seq,
		FlagField:          ptp.FlagTwoStep,
	}
	s.SetMessageType(ptp.MessageSync)
	return s
}

func followUp(seq uint16, origin time.Time) *ptp.FollowUp {
	f := &ptp.FollowUp{PreciseOriginTimestamp: ptp.NewTimestamp(origin)}
	f.Header = ptp.Header{
		Version:            ptp.Version,
		MessageLength:      ptp.SizeFollowUp,
		SourcePortIdentity: ptp.PortIdentity{ClockIdentity: masterClockID, PortNumber: 1},
		SequenceID:         seq,
	}
	f.SetMessageType(ptp.MessageFollowUp)
	return f
}

func delayRespFor(e *env, seq uint16, t4 time.Time) *ptp.DelayResp {
	r := &ptp.DelayResp{
		ReceiveTimestamp:       ptp.NewTimestamp(t4),
		RequestingPortIdentity: e.port.portDS.PortIdentity,
	}
	r.Header = ptp.Header{
		Version:            ptp.Version,
		MessageLength:      ptp.SizeDelayResp,
		SourcePortIdentity: ptp.PortIdentity{ClockIdentity: masterClockID, PortNumber: 1},
		SequenceID:         seq,
		LogMessageInterval: 0,
	}
	r.SetMessageType(ptp.MessageDelayResp)
	return r
}

// S1: a cold slave finds a master through announce qualification
func TestColdSlaveFindsMaster(t *testing.T) {
	e := newEnv(t, nil)
	require.Equal(t, ptp.PortStateListening, e.port.State())

	deliver(e, announceFrom(masterClockID, 0), e.now, masterAddr)
	require.Equal(t, 1, e.port.fmr.Len())
	rec := e.port.fmr.Get(ptp.PortIdentity{ClockIdentity: masterClockID, PortNumber: 1})
	require.NotNil(t, rec)
	require.Equal(t, 0, rec.AnnounceCount)
	e.port.Tick()
	require.Equal(t, ptp.PortStateListening, e.port.State())

	deliver(e, announceFrom(masterClockID, 1), e.now, masterAddr)
	require.Equal(t, 1, rec.AnnounceCount)
	e.port.Tick()
	require.Equal(t, ptp.PortStateListening, e.port.State())

	deliver(e, announceFrom(masterClockID, 2), e.now, masterAddr)
	require.Equal(t, 2, rec.AnnounceCount)
	e.port.Tick()
	require.Equal(t, ptp.PortStateSlave, e.port.State())

	// parent and time properties adopted
	require.Equal(t, masterClockID, e.port.ParentDS().GrandmasterIdentity)
	require.Equal(t, int16(37), e.port.TimePropertiesDS().CurrentUTCOffset)
	require.True(t, e.port.TimePropertiesDS().CurrentUTCOffsetValid)
	require.Equal(t, uint16(1), e.port.CurrentDS().StepsRemoved)
}

// S2: the two step Sync/Follow_Up exchange produces the offset
func TestTwoStepSyncExchange(t *testing.T) {
	e := newEnv(t, nil)
	makeSlave(t, e)

	t2 := time.Unix(1700000000, 0)
	t1 := time.Unix(1699999999, 999000000)

	deliver(e, syncTwoStep(100), t2, masterAddr)
	require.True(t, e.port.waitingForFollow)
	require.Equal(t, uint16(100), e.port.recvSyncSequenceID)

	deliver(e, followUp(100, t1), time.Time{}, masterAddr)
	require.False(t, e.port.waitingForFollow)
	// offset = T2 - T1, no path delay measured yet
	require.Equal(t, ptptime.Time{Seconds: 0, Nanoseconds: 1000000}, e.port.CurrentDS().OffsetFromMaster)

	// once the mean path delay is known, the offset shrinks by it;
	// repeat the exchange until the two sample FIR settles
	e.port.currentDS.MeanPathDelay = ptptime.Time{Seconds: 0, Nanoseconds: 500000}
	for seq := uint16(101); seq < 104; seq++ {
		deliver(e, syncTwoStep(seq), t2, masterAddr)
		deliver(e, followUp(seq, t1), time.Time{}, masterAddr)
	}
	require.Equal(t, ptptime.Time{Seconds: 0, Nanoseconds: 500000}, e.port.CurrentDS().OffsetFromMaster)
}

// S3: hybrid transport sends Delay_Req unicast to the master
func TestHybridDelayReq(t *testing.T) {
	e := newEnv(t, func(cfg *Config) {
		cfg.Transport = TransportHybrid
	})
	makeSlave(t, e)

	// first Sync reveals the master's address
	deliver(e, syncTwoStep(1), e.now, masterAddr)
	deliver(e, followUp(1, e.now.Add(-time.Millisecond)), time.Time{}, masterAddr)

	e.ft.txTS = e.now
	e.port.issueDelayReq()
	require.Len(t, e.ft.sentEvent, 1)
	require.Equal(t, masterAddr, e.ft.sentEventDst[0])

	var req ptp.SyncDelayReq
	require.NoError(t, req.UnmarshalBinary(e.ft.sentEvent[0]))
	require.Equal(t, ptp.MessageDelayReq, req.MessageType())
	require.True(t, req.Unicast())
	require.Equal(t, ptp.MsgIntervalAbsent, req.LogMessageInterval)

	// matching response is accepted and T4 recorded
	t4 := e.now.Add(time.Millisecond)
	deliver(e, delayRespFor(e, req.SequenceID, t4), time.Time{}, masterAddr)
	require.Equal(t, ptptime.FromTime(t4), e.port.delayReqReceiveTime)

	// master asks for a slower delay request cadence: adopted
	resp := delayRespFor(e, req.SequenceID, t4)
	resp.LogMessageInterval = 3
	deliver(e, resp, time.Time{}, masterAddr)
	require.Equal(t, ptp.LogInterval(3), e.port.logDelayReqInterval)
}

// S4: announce timeouts first disqualify the master, then reset the port
func TestAnnounceTimeoutGrace(t *testing.T) {
	e := newEnv(t, nil)
	makeSlave(t, e)
	resetsBefore := e.port.Counters().ResetCount

	// 3 * 2^1 = 6 seconds with no announce
	e.advance(6100 * time.Millisecond)
	e.port.Tick()
	require.Equal(t, ptp.PortStateSlave, e.port.State())
	require.Equal(t, 1, e.port.announceTimeouts)
	// current GM disqualified in place
	require.Equal(t, ptp.ClockClass(255), e.port.bestMaster.LastAnnounce.GrandmasterClockQuality.ClockClass)
	require.Equal(t, uint8(255), e.port.bestMaster.LastAnnounce.GrandmasterPriority1)

	e.advance(6100 * time.Millisecond)
	e.port.Tick()
	require.Equal(t, 2, e.port.announceTimeouts)
	require.Equal(t, ptp.PortStateSlave, e.port.State())

	// grace exhausted: port resets
	e.advance(6100 * time.Millisecond)
	e.port.Tick()
	require.Equal(t, ptp.PortStateListening, e.port.State())
	require.Equal(t, 0, e.port.fmr.Len())
	require.Greater(t, e.port.Counters().ResetCount, resetsBefore)
}

// I3: sequence ids are strictly increasing per message type
func TestSequenceIDsMonotonic(t *testing.T) {
	e := newEnv(t, nil)
	e.ft.txTS = e.now

	for i := 0; i < 3; i++ {
		e.port.issueDelayReq()
	}
	var seqs []uint16
	for _, b := range e.ft.sentEvent {
		var m ptp.SyncDelayReq
		require.NoError(t, m.UnmarshalBinary(b))
		seqs = append(seqs, m.SequenceID)
	}
	require.Equal(t, []uint16{0, 1, 2}, seqs)
}

// I9: a Delay_Resp not matching our identity or outstanding sequence is
// rejected
func TestDelayRespValidation(t *testing.T) {
	e := newEnv(t, nil)
	makeSlave(t, e)
	deliver(e, syncTwoStep(1), e.now, masterAddr)
	e.ft.txTS = e.now
	e.port.issueDelayReq()

	// wrong requesting identity
	resp := delayRespFor(e, 0, e.now)
	resp.RequestingPortIdentity.PortNumber = 99
	before := e.port.Counters().DiscardedMessages
	deliver(e, resp, time.Time{}, masterAddr)
	require.Greater(t, e.port.Counters().DiscardedMessages, before)
	require.True(t, e.port.delayReqReceiveTime.IsZero())

	// wrong sequence
	resp = delayRespFor(e, 17, e.now)
	deliver(e, resp, time.Time{}, masterAddr)
	require.Greater(t, e.port.Counters().SequenceMismatchErrors, uint64(0))
	require.True(t, e.port.delayReqReceiveTime.IsZero())

	// not from the current parent
	resp = delayRespFor(e, 0, e.now)
	resp.SourcePortIdentity.ClockIdentity = 0xdeadbeef
	deliver(e, resp, time.Time{}, masterAddr)
	require.True(t, e.port.delayReqReceiveTime.IsZero())

	// the real one is accepted
	resp = delayRespFor(e, 0, e.now)
	deliver(e, resp, time.Time{}, masterAddr)
	require.False(t, e.port.delayReqReceiveTime.IsZero())
}

func TestVersionAndDomainRejects(t *testing.T) {
	e := newEnv(t, nil)

	ann := announceFrom(masterClockID, 0)
	ann.Version = 1
	deliver(e, ann, e.now, masterAddr)
	require.Equal(t, uint64(1), e.port.Counters().VersionMismatchErrors)
	require.Equal(t, 0, e.port.fmr.Len())

	ann = announceFrom(masterClockID, 1)
	ann.DomainNumber = 42
	deliver(e, ann, e.now, masterAddr)
	require.Equal(t, uint64(1), e.port.Counters().DomainMismatchErrors)
	require.Equal(t, 0, e.port.fmr.Len())
}

func TestTruncatedPacketCounted(t *testing.T) {
	e := newEnv(t, nil)
	ann := announceFrom(masterClockID, 0)
	b, err := ann.MarshalBinary()
	require.NoError(t, err)
	e.port.ProcessPacket(Packet{Data: b[:40], Source: masterAddr, Event: true})
	require.Equal(t, uint64(1), e.port.Counters().MessageFormatErrors)
}

func TestMasterEmitsAnnounceAndSync(t *testing.T) {
	e := newEnv(t, func(cfg *Config) {
		cfg.SlaveOnly = false
		cfg.ClockClass = 187
	})
	e.port.m1()
	e.port.toState(ptp.PortStateMaster)
	e.ft.txTS = e.now

	e.port.issueAnnounce()
	require.Len(t, e.ft.sentGeneral, 1)
	var ann ptp.Announce
	require.NoError(t, ann.UnmarshalBinary(e.ft.sentGeneral[0]))
	require.Equal(t, localClockID, ann.GrandmasterIdentity)
	require.Equal(t, ptp.LogInterval(1), ann.LogMessageInterval)

	e.port.issueSync()
	require.Len(t, e.ft.sentEvent, 1)
	var sync ptp.SyncDelayReq
	require.NoError(t, sync.UnmarshalBinary(e.ft.sentEvent[0]))
	require.Equal(t, ptp.MessageSync, sync.MessageType())
	require.True(t, sync.TwoStep())
	// the follow up carrying the TX timestamp went out on the general
	// channel
	require.Len(t, e.ft.sentGeneral, 2)
	var fu ptp.FollowUp
	require.NoError(t, fu.UnmarshalBinary(e.ft.sentGeneral[1]))
	require.Equal(t, sync.SequenceID, fu.SequenceID)
	require.Equal(t, e.now.Unix(), fu.PreciseOriginTimestamp.Time().Unix())
}

func TestMasterAnswersDelayReq(t *testing.T) {
	e := newEnv(t, func(cfg *Config) {
		cfg.SlaveOnly = false
		cfg.ClockClass = 187
	})
	e.port.m1()
	e.port.toState(ptp.PortStateMaster)

	req := &ptp.SyncDelayReq{}
	req.Header = ptp.Header{
		Version:            ptp.Version,
		MessageLength:      ptp.SizeDelayReq,
		SourcePortIdentity: ptp.PortIdentity{ClockIdentity: 0xabcdef, PortNumber: 2},
		SequenceID:         7,
	}
	req.SetMessageType(ptp.MessageDelayReq)
	rx := e.now.Add(3 * time.Millisecond)
	deliver(e, req, rx, netip.MustParseAddr("192.168.1.20"))

	require.Len(t, e.ft.sentGeneral, 1)
	var resp ptp.DelayResp
	require.NoError(t, resp.UnmarshalBinary(e.ft.sentGeneral[0]))
	require.Equal(t, uint16(7), resp.SequenceID)
	require.Equal(t, req.SourcePortIdentity, resp.RequestingPortIdentity)
	require.Equal(t, rx.Unix(), resp.ReceiveTimestamp.Time().Unix())
	// multicast answer carries our delay request interval
	require.Equal(t, e.port.portDS.LogMinDelayReqInterval, resp.LogMessageInterval)
}

func TestMaxDelayDropsAndReset(t *testing.T) {
	e := newEnv(t, func(cfg *Config) {
		cfg.MaxDelay = time.Millisecond
		cfg.MaxDelayMaxRejected = 2
	})
	makeSlave(t, e)

	// a sane sync first so delayMS exists
	deliver(e, syncTwoStep(1), e.now, masterAddr)
	deliver(e, followUp(1, e.now), time.Time{}, masterAddr)

	// delay exchange with a huge slave to master delay
	e.ft.txTS = e.now
	e.port.issueDelayReq()
	deliver(e, delayRespFor(e, 0, e.now.Add(50*time.Millisecond)), time.Time{}, masterAddr)
	require.Equal(t, uint64(1), e.port.Counters().MaxDelayDrops)
	require.Equal(t, ptp.PortStateSlave, e.port.State())

	e.port.issueDelayReq()
	deliver(e, delayRespFor(e, 1, e.now.Add(50*time.Millisecond)), time.Time{}, masterAddr)
	require.Equal(t, uint64(2), e.port.Counters().MaxDelayDrops)
	// second consecutive rejection trips the limit
	require.Equal(t, ptp.PortStateListening, e.port.State())
}

func TestSlaveDisciplinesClock(t *testing.T) {
	e := newEnv(t, nil)
	makeSlave(t, e)

	// slave is ahead of the master by 1ms: positive offset, clock slowed down
	t2 := time.Unix(1700000000, 1000000)
	t1 := time.Unix(1700000000, 0)
	for seq := uint16(1); seq < 5; seq++ {
		deliver(e, syncTwoStep(seq), t2, masterAddr)
		deliver(e, followUp(seq, t1), time.Time{}, masterAddr)
	}
	require.Negative(t, e.hw.freq)
	require.Equal(t, drivers.StateTracking, e.port.driver.State)
}

func TestLeapPauseGatesUpdates(t *testing.T) {
	e := newEnv(t, nil)
	makeSlave(t, e)
	e.port.leapSecondInProgress = true

	deliver(e, syncTwoStep(1), time.Unix(1700000000, 1000000), masterAddr)
	deliver(e, followUp(1, time.Unix(1700000000, 0)), time.Time{}, masterAddr)
	// offset is computed but the clock is left alone
	require.Equal(t, 0.0, e.hw.freq)
}

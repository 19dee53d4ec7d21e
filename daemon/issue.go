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
	"time"

	log "github.com/sirupsen/logrus"

	ptp "github.com/opensync/ptpd/ptp/protocol"
	"github.com/opensync/ptpd/ptptime"
)

func (p *Port) newHeader(t ptp.MessageType, length int, seq uint16) ptp.Header {
	h := ptp.Header{
		Version:            ptp.Version,
		MessageLength:      uint16(length),
		DomainNumber:       p.defaultDS.DomainNumber,
		SourcePortIdentity: p.portDS.PortIdentity,
		SequenceID:         seq,
		ControlField:       ptp.ControlFieldFor(t),
		LogMessageInterval: ptp.MsgIntervalAbsent,
	}
	h.SetMessageType(t)
	return h
}

// timePropertiesFlags renders the timePropertiesDS into announce flags
func (p *Port) timePropertiesFlags() uint16 {
	var f uint16
	if p.timePropertiesDS.Leap61 {
		f |= ptp.FlagLeap61
	}
	if p.timePropertiesDS.Leap59 {
		f |= ptp.FlagLeap59
	}
	if p.timePropertiesDS.CurrentUTCOffsetValid {
		f |= ptp.FlagCurrentUtcOffsetValid
	}
	if p.timePropertiesDS.PTPTimescale {
		f |= ptp.FlagPTPTimescale
	}
	if p.timePropertiesDS.TimeTraceable {
		f |= ptp.FlagTimeTraceable
	}
	if p.timePropertiesDS.FrequencyTraceable {
		f |= ptp.FlagFrequencyTraceable
	}
	return f
}

func (p *Port) sendGeneral(msg interface{ MarshalBinary() ([]byte, error) }, t ptp.MessageType, dst netip.Addr) {
	b, err := msg.MarshalBinary()
	if err != nil {
		log.Errorf("marshalling %s: %v", t, err)
		return
	}
	if err := p.transport.SendGeneral(b, dst); err != nil {
		log.Errorf("sending %s: %v", t, err)
		p.counters.MessageSendErrors++
		p.toState(ptp.PortStateFaulty)
		return
	}
	p.counters.MessagesSent[t]++
}

func (p *Port) sendEvent(msg interface{ MarshalBinary() ([]byte, error) }, t ptp.MessageType, dst netip.Addr) (time.Time, bool) {
	b, err := msg.MarshalBinary()
	if err != nil {
		log.Errorf("marshalling %s: %v", t, err)
		return time.Time{}, false
	}
	txTS, err := p.transport.SendEvent(b, dst)
	if err != nil {
		log.Errorf("sending %s: %v", t, err)
		p.counters.MessageSendErrors++
		p.toState(ptp.PortStateFaulty)
		return time.Time{}, false
	}
	p.counters.MessagesSent[t]++
	if txTS.IsZero() {
		p.counters.TXTimestampFailures++
		return time.Time{}, false
	}
	return txTS, true
}

func (p *Port) issueAnnounce() {
	ann := &ptp.Announce{
		Header:                  p.newHeader(ptp.MessageAnnounce, ptp.SizeAnnounce, p.sentAnnounceSequenceID),
		CurrentUTCOffset:        p.timePropertiesDS.CurrentUTCOffset,
		GrandmasterPriority1:    p.parentDS.GrandmasterPriority1,
		GrandmasterClockQuality: p.parentDS.GrandmasterClockQuality,
		GrandmasterPriority2:    p.parentDS.GrandmasterPriority2,
		GrandmasterIdentity:     p.parentDS.GrandmasterIdentity,
		StepsRemoved:            p.currentDS.StepsRemoved,
		TimeSource:              p.timePropertiesDS.TimeSource,
	}
	ann.FlagField = p.timePropertiesFlags()
	ann.LogMessageInterval = p.portDS.LogAnnounceInterval
	p.sentAnnounceSequenceID++
	p.sendGeneral(ann, ptp.MessageAnnounce, netip.Addr{})
}

// issueSync sends a two step Sync: the precise origin goes out in the
// Follow_Up carrying the Sync's TX timestamp. The TX timestamp of Sync N
// is always consumed before Sync N+1 is issued.
func (p *Port) issueSync() {
	seq := p.sentSyncSequenceID
	sync := &ptp.SyncDelayReq{
		Header: p.newHeader(ptp.MessageSync, ptp.SizeSync, seq),
	}
	sync.FlagField |= ptp.FlagTwoStep
	sync.LogMessageInterval = p.portDS.LogSyncInterval
	p.sentSyncSequenceID++

	txTS, ok := p.sendEvent(sync, ptp.MessageSync, netip.Addr{})
	if !ok {
		return
	}
	p.issueFollowUp(ptptime.FromTime(txTS).Add(ptptime.FromDuration(p.cfg.OutboundLatency)), seq)
}

func (p *Port) issueFollowUp(preciseOrigin ptptime.Time, seq uint16) {
	fu := &ptp.FollowUp{
		Header:                 p.newHeader(ptp.MessageFollowUp, ptp.SizeFollowUp, seq),
		PreciseOriginTimestamp: ptp.NewTimestampFromInternal(preciseOrigin),
	}
	fu.LogMessageInterval = p.portDS.LogSyncInterval
	p.sendGeneral(fu, ptp.MessageFollowUp, netip.Addr{})
}

// issueDelayReq sends a Delay_Req, unicast to the master in hybrid mode.
// T3 is the TX timestamp; without one the exchange is abandoned rather
// than fed a made up number.
func (p *Port) issueDelayReq() {
	seq := p.sentDelayReqSequenceID
	req := &ptp.SyncDelayReq{
		Header: p.newHeader(ptp.MessageDelayReq, ptp.SizeDelayReq, seq),
	}
	p.sentDelayReqSequenceID++

	dst := netip.Addr{}
	if p.cfg.Transport == TransportHybrid && p.masterAddress.IsValid() {
		dst = p.masterAddress
		req.FlagField |= ptp.FlagUnicast
	}

	txTS, ok := p.sendEvent(req, ptp.MessageDelayReq, dst)
	if !ok {
		p.delayReqSendTime = ptptime.Time{}
		return
	}
	p.delayReqSendTime = ptptime.FromTime(txTS).Add(ptptime.FromDuration(p.cfg.OutboundLatency))
	p.alarms.SetCondition(AlarmNoDelay, false, p.alarmSnapshot())
}

// issueDelayResp answers a Delay_Req as master with its receive
// timestamp as T4
func (p *Port) issueDelayResp(req *ptp.SyncDelayReq, pkt Packet) {
	resp := &ptp.DelayResp{
		Header:                 p.newHeader(ptp.MessageDelayResp, ptp.SizeDelayResp, req.SequenceID),
		ReceiveTimestamp:       ptp.NewTimestamp(pkt.RXTimestamp),
		RequestingPortIdentity: req.SourcePortIdentity,
	}
	resp.CorrectionField = req.CorrectionField

	dst := netip.Addr{}
	if req.Unicast() {
		// unicast request gets a unicast answer with no interval
		resp.FlagField |= ptp.FlagUnicast
		resp.LogMessageInterval = ptp.MsgIntervalAbsent
		dst = pkt.Source
	} else {
		resp.LogMessageInterval = p.portDS.LogMinDelayReqInterval
	}
	p.sendGeneral(resp, ptp.MessageDelayResp, dst)
}

// issuePdelayReq starts a peer delay measurement
func (p *Port) issuePdelayReq() {
	seq := p.sentPdelayReqSequenceID
	req := &ptp.PDelayReq{
		Header: p.newHeader(ptp.MessagePDelayReq, ptp.SizePDelayReq, seq),
	}
	p.sentPdelayReqSequenceID++
	p.waitingForPdelayFollow = false

	txTS, ok := p.sendEvent(req, ptp.MessagePDelayReq, netip.Addr{})
	if !ok {
		p.pdelayT1 = ptptime.Time{}
		return
	}
	p.pdelayT1 = ptptime.FromTime(txTS).Add(ptptime.FromDuration(p.cfg.OutboundLatency))
}

// handlePdelayReq answers a peer delay request: a two step response
// carrying the request receipt time, followed by the response TX time
func (p *Port) handlePdelayReq(m *ptp.PDelayReq, pkt Packet) {
	if p.portDS.DelayMechanism != ptp.DelayMechanismP2P {
		p.counters.DiscardedMessages++
		return
	}
	if p.isFromSelf(&m.Header) {
		return
	}

	resp := &ptp.PDelayResp{
		Header:                  p.newHeader(ptp.MessagePDelayResp, ptp.SizePDelayResp, m.SequenceID),
		RequestReceiptTimestamp: ptp.NewTimestamp(pkt.RXTimestamp),
		RequestingPortIdentity:  m.SourcePortIdentity,
	}
	resp.FlagField |= ptp.FlagTwoStep

	txTS, ok := p.sendEvent(resp, ptp.MessagePDelayResp, netip.Addr{})
	if !ok {
		return
	}

	fu := &ptp.PDelayRespFollowUp{
		Header:                  p.newHeader(ptp.MessagePDelayRespFollowUp, ptp.SizePDelayRespFollowUp, m.SequenceID),
		ResponseOriginTimestamp: ptp.NewTimestamp(txTS),
		RequestingPortIdentity:  m.SourcePortIdentity,
	}
	p.sendGeneral(fu, ptp.MessagePDelayRespFollowUp, netip.Addr{})
}

func (p *Port) handlePdelayResp(m *ptp.PDelayResp, pkt Packet) {
	if p.portDS.DelayMechanism != ptp.DelayMechanismP2P {
		p.counters.DiscardedMessages++
		return
	}
	if p.isFromSelf(&m.Header) {
		return
	}
	if m.RequestingPortIdentity != p.portDS.PortIdentity {
		p.counters.DiscardedMessages++
		return
	}
	if m.SequenceID+1 != p.sentPdelayReqSequenceID {
		p.counters.SequenceMismatchErrors++
		return
	}

	p.pdelayT4 = ptptime.FromTime(pkt.RXTimestamp)
	p.pdelayT2 = m.RequestReceiptTimestamp.Internal()
	p.recvPdelayRespSequenceID = m.SequenceID

	if m.TwoStep() {
		p.waitingForPdelayFollow = true
		p.lastPdelayCorrection = m.CorrectionField.Internal()
		return
	}
	// one step responder: the correction carries the whole turnaround
	turnaround := m.CorrectionField.Internal()
	p.finishPdelay(p.pdelayT4.Sub(p.pdelayT1).Sub(turnaround).Halve())
}

func (p *Port) handlePdelayRespFollowUp(m *ptp.PDelayRespFollowUp) {
	if p.portDS.DelayMechanism != ptp.DelayMechanismP2P {
		p.counters.DiscardedMessages++
		return
	}
	if p.isFromSelf(&m.Header) {
		return
	}
	if !p.waitingForPdelayFollow || m.SequenceID != p.recvPdelayRespSequenceID ||
		m.RequestingPortIdentity != p.portDS.PortIdentity {
		p.counters.SequenceMismatchErrors++
		return
	}
	p.waitingForPdelayFollow = false
	p.pdelayT3 = m.ResponseOriginTimestamp.Internal()

	correction := m.CorrectionField.Internal().Add(p.lastPdelayCorrection)
	turnaround := p.pdelayT3.Sub(p.pdelayT2)
	total := p.pdelayT4.Sub(p.pdelayT1).Sub(turnaround).Sub(correction)
	p.finishPdelay(total.Halve())
}

func (p *Port) finishPdelay(meanPath ptptime.Time) {
	if meanPath.Seconds != 0 {
		p.owdFilter.Reset()
		return
	}
	if meanPath.IsNegative() {
		meanPath = ptptime.Time{}
	}
	filtered := p.owdFilter.Feed(meanPath.Nanoseconds)
	p.currentDS.MeanPathDelay = ptptime.Time{Seconds: 0, Nanoseconds: filtered}
	p.alarms.SetCondition(AlarmNoDelay, false, p.alarmSnapshot())
}

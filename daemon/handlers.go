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
	log "github.com/sirupsen/logrus"

	ptp "github.com/opensync/ptpd/ptp/protocol"
	"github.com/opensync/ptpd/ptptime"
)

func (p *Port) isFromSelf(h *ptp.Header) bool {
	return h.SourcePortIdentity.ClockIdentity == p.defaultDS.ClockIdentity
}

func (p *Port) isFromCurrentParent(h *ptp.Header) bool {
	return h.SourcePortIdentity == p.parentDS.ParentPortIdentity
}

// ProcessPacket validates and dispatches one received message
func (p *Port) ProcessPacket(pkt Packet) {
	switch p.portDS.PortState {
	case ptp.PortStateInitializing, ptp.PortStateDisabled, ptp.PortStateFaulty:
		p.counters.DiscardedMessages++
		return
	}

	msgType, err := ptp.ProbeMsgType(pkt.Data)
	if err != nil {
		p.counters.MessageFormatErrors++
		return
	}

	// ACL check before any parsing effort
	if pkt.Source.IsValid() {
		if msgType == ptp.MessageManagement {
			if !p.mgmtACL.Matches(pkt.Source) {
				p.counters.ACLManagementDiscardedMessages++
				return
			}
		} else if !p.timingACL.Matches(pkt.Source) {
			p.counters.ACLTimingDiscardedMessages++
			return
		}
	}

	msg, err := ptp.DecodePacket(pkt.Data)
	if err != nil {
		p.counters.MessageFormatErrors++
		return
	}

	header := headerOf(msg)
	if header.Version&ptp.VersionMask != ptp.Version {
		p.counters.VersionMismatchErrors++
		return
	}
	if header.DomainNumber != p.defaultDS.DomainNumber {
		p.counters.DomainMismatchErrors++
		p.alarms.SetCondition(AlarmDomainMismatch, true, p.alarmSnapshot())
		return
	}
	p.alarms.SetCondition(AlarmDomainMismatch, false, p.alarmSnapshot())

	p.counters.MessagesReceived[msgType]++

	switch m := msg.(type) {
	case *ptp.Announce:
		p.handleAnnounce(m)
	case *ptp.SyncDelayReq:
		if msgType == ptp.MessageSync {
			p.handleSync(m, pkt)
		} else {
			p.handleDelayReq(m, pkt)
		}
	case *ptp.FollowUp:
		p.handleFollowUp(m)
	case *ptp.DelayResp:
		p.handleDelayResp(m)
	case *ptp.PDelayReq:
		p.handlePdelayReq(m, pkt)
	case *ptp.PDelayResp:
		p.handlePdelayResp(m, pkt)
	case *ptp.PDelayRespFollowUp:
		p.handlePdelayRespFollowUp(m)
	case *ptp.Signaling, *ptp.Management:
		// management TLV processing happens outside the core
		p.counters.DiscardedMessages++
	default:
		p.counters.DiscardedMessages++
	}
}

func headerOf(msg ptp.Packet) *ptp.Header {
	switch m := msg.(type) {
	case *ptp.Announce:
		return &m.Header
	case *ptp.SyncDelayReq:
		return &m.Header
	case *ptp.FollowUp:
		return &m.Header
	case *ptp.DelayResp:
		return &m.Header
	case *ptp.PDelayReq:
		return &m.Header
	case *ptp.PDelayResp:
		return &m.Header
	case *ptp.PDelayRespFollowUp:
		return &m.Header
	case *ptp.Signaling:
		return &m.Header
	case *ptp.Management:
		return &m.Header
	}
	return nil
}

func (p *Port) handleAnnounce(m *ptp.Announce) {
	if p.isFromSelf(&m.Header) {
		return
	}
	if p.cfg.RequireUTCValid && !m.UTCOffsetValid() {
		p.counters.DiscardedMessages++
		return
	}

	switch p.portDS.PortState {
	case ptp.PortStateSlave, ptp.PortStateUncalibrated, ptp.PortStatePassive:
		if p.isFromCurrentParent(&m.Header) {
			p.s1(m)
			// keep the qualification count fresh for future elections
			p.fmr.Update(m)
			p.timers.Start(timerAnnounceReceipt, p.announceReceiptInterval())
			p.announceTimeouts = 0
			p.recordUpdate = true
			return
		}
		p.fmr.Update(m)
		p.recordUpdate = true
	case ptp.PortStateListening, ptp.PortStateMaster:
		p.fmr.Update(m)
		p.recordUpdate = true
	default:
		p.counters.DiscardedMessages++
	}
}

func (p *Port) handleSync(m *ptp.SyncDelayReq, pkt Packet) {
	switch p.portDS.PortState {
	case ptp.PortStateSlave, ptp.PortStateUncalibrated:
		if p.isFromSelf(&m.Header) {
			return
		}
		if !p.isFromCurrentParent(&m.Header) {
			p.counters.DiscardedMessages++
			return
		}

		if p.waitingForFirstSync {
			p.waitingForFirstSync = false
			log.Infof("received first Sync from master")
			p.masterAddress = pkt.Source
			if p.portDS.DelayMechanism == ptp.DelayMechanismE2E {
				p.timers.RandomStart(timerDelayReq, p.logDelayReqInterval.Seconds())
			} else if p.portDS.DelayMechanism == ptp.DelayMechanismP2P {
				p.timers.Start(timerPdelayReq, p.portDS.LogMinPdelayReqInterval.Seconds())
			}
		}

		p.logSyncInterval = m.LogMessageInterval
		p.syncReceiveTime = ptptime.FromTime(pkt.RXTimestamp).Add(ptptime.FromDuration(p.cfg.InboundLatency))

		if m.TwoStep() {
			p.waitingForFollow = true
			p.recvSyncSequenceID = m.SequenceID
			p.lastSyncCorrection = m.CorrectionField.Internal()
			return
		}
		p.waitingForFollow = false
		p.updateOffset(m.OriginTimestamp.Internal(), p.syncReceiveTime, m.CorrectionField.Internal())

	case ptp.PortStateMaster:
		if !p.isFromSelf(&m.Header) {
			// we are master but somebody else is sending Syncs
			p.counters.DiscardedMessages++
		}
	default:
		p.counters.DiscardedMessages++
	}
}

func (p *Port) handleFollowUp(m *ptp.FollowUp) {
	if p.isFromSelf(&m.Header) {
		return
	}
	switch p.portDS.PortState {
	case ptp.PortStateSlave, ptp.PortStateUncalibrated:
		if !p.isFromCurrentParent(&m.Header) {
			p.counters.DiscardedMessages++
			return
		}
		if !p.waitingForFollow {
			p.counters.DiscardedMessages++
			return
		}
		if p.recvSyncSequenceID != m.SequenceID {
			log.Infof("ignored Follow_Up, sequence doesn't match last Sync")
			p.counters.SequenceMismatchErrors++
			return
		}
		p.waitingForFollow = false
		// corrections of the Sync and its Follow_Up add up
		correction := m.CorrectionField.Internal().Add(p.lastSyncCorrection)
		p.updateOffset(m.PreciseOriginTimestamp.Internal(), p.syncReceiveTime, correction)
	default:
		p.counters.DiscardedMessages++
	}
}

// handleDelayReq serves delay requests as master, and picks up our own
// looped back requests as slave to recover T3 when TX timestamps come
// back through the receive path
func (p *Port) handleDelayReq(m *ptp.SyncDelayReq, pkt Packet) {
	if p.portDS.DelayMechanism != ptp.DelayMechanismE2E {
		p.counters.DiscardedMessages++
		return
	}
	switch p.portDS.PortState {
	case ptp.PortStateMaster:
		if p.isFromSelf(&m.Header) {
			return
		}
		p.issueDelayResp(m, pkt)
	case ptp.PortStateSlave:
		if !p.isFromSelf(&m.Header) {
			p.counters.DiscardedMessages++
			return
		}
		if m.SequenceID+1 != p.sentDelayReqSequenceID {
			p.counters.SequenceMismatchErrors++
			return
		}
		p.delayReqSendTime = ptptime.FromTime(pkt.RXTimestamp).Add(ptptime.FromDuration(p.cfg.OutboundLatency))
	default:
		p.counters.DiscardedMessages++
	}
}

func (p *Port) handleDelayResp(m *ptp.DelayResp) {
	if p.portDS.DelayMechanism != ptp.DelayMechanismE2E {
		p.counters.DiscardedMessages++
		return
	}
	switch p.portDS.PortState {
	case ptp.PortStateSlave, ptp.PortStateUncalibrated:
		if m.RequestingPortIdentity != p.portDS.PortIdentity {
			p.counters.DiscardedMessages++
			return
		}
		if !p.isFromCurrentParent(&m.Header) {
			p.counters.DiscardedMessages++
			return
		}
		if m.SequenceID+1 != p.sentDelayReqSequenceID {
			p.counters.SequenceMismatchErrors++
			return
		}
		p.delayReqReceiveTime = m.ReceiveTimestamp.Internal()
		p.alarms.SetCondition(AlarmNoDelay, false, p.alarmSnapshot())

		// adopt the master's delay request interval unless told not to
		if m.LogMessageInterval != p.logDelayReqInterval && !p.cfg.IgnoreDelayReqIntervalMaster &&
			m.LogMessageInterval != ptp.MsgIntervalAbsent {
			log.Infof("adopting master's logMinDelayReqInterval %d", m.LogMessageInterval)
			p.logDelayReqInterval = m.LogMessageInterval
		}

		p.updateDelay(m.CorrectionField.Internal())
	default:
		p.counters.DiscardedMessages++
	}
}

// updateOffset computes offset from master from a completed Sync (T1,T2),
// feeds the FIR filter and drives the clock
func (p *Port) updateOffset(t1, t2, correction ptptime.Time) {
	// master to slave delay, later combined with slave to master for the
	// mean path delay
	p.lastDelayMS = t2.Sub(t1).Sub(correction)
	p.haveDelayMS = true

	offset := p.lastDelayMS.Sub(p.currentDS.MeanPathDelay)

	filtered, bypassed := p.ofmFilter.FilterOffset(offset)
	p.currentDS.OffsetFromMaster = filtered
	if bypassed {
		log.Debugf("offset carries whole seconds (%s), filter bypassed for step decision", filtered)
	}

	p.updateClock()
}

// updateDelay computes the mean path delay from a completed Delay
// exchange (T3,T4) and refilters it
func (p *Port) updateDelay(correction ptptime.Time) {
	if p.delayReqSendTime.IsZero() || p.delayReqReceiveTime.IsZero() || !p.haveDelayMS {
		return
	}

	p.lastDelaySM = p.delayReqReceiveTime.Sub(p.delayReqSendTime).Sub(correction)

	// maxDelay guard: a delay sample above the limit means congestion or
	// asymmetry, both poison the servo
	if p.cfg.MaxDelay > 0 && (!p.cfg.MaxDelayStableOnly || p.driver.Servo.IsStable()) {
		if p.lastDelaySM.Abs().Cmp(ptptime.FromDuration(p.cfg.MaxDelay)) > 0 {
			p.counters.MaxDelayDrops++
			p.maxDelayRejected++
			log.Debugf("delay sample %s above maxDelay %v, dropped (%d consecutive)",
				p.lastDelaySM, p.cfg.MaxDelay, p.maxDelayRejected)
			if p.cfg.MaxDelayMaxRejected > 0 && p.maxDelayRejected >= p.cfg.MaxDelayMaxRejected {
				log.Warningf("too many delay samples above maxDelay, resetting port")
				p.maxDelayRejected = 0
				p.toState(ptp.PortStateListening)
			}
			return
		}
		p.maxDelayRejected = 0
	}

	meanPath := p.lastDelayMS.Add(p.lastDelaySM).Halve()

	// a second and up means garbage timestamps, the filter state is no
	// longer meaningful
	if meanPath.Seconds != 0 {
		p.owdFilter.Reset()
		p.currentDS.MeanPathDelay = ptptime.Time{}
		return
	}
	if meanPath.IsNegative() {
		log.Debugf("negative mean path delay %s clamped to zero", meanPath)
		meanPath = ptptime.Time{}
	}

	filtered := p.owdFilter.Feed(meanPath.Nanoseconds)
	p.currentDS.MeanPathDelay = ptptime.Time{Seconds: 0, Nanoseconds: filtered}
}

// updateClock pushes the current offset into the clock driver unless a
// leap second gate is active
func (p *Port) updateClock() {
	if p.leapSecondInProgress {
		log.Debugf("leap second in progress, clock update skipped")
		return
	}
	tau := p.logSyncInterval.Seconds()
	if tau <= 0 {
		tau = 1
	}
	p.driver.Servo.DT = tau
	p.driver.SyncExternal(p.currentDS.OffsetFromMaster, tau)
}

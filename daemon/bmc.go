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

// Best Master Clock Algorithm, 1588-2008 9.3.2 and J.1

import (
	log "github.com/sirupsen/logrus"

	ptp "github.com/opensync/ptpd/ptp/protocol"
)

// ComparisonResult is the outcome of a dataset comparison
type ComparisonResult int8

// Comparison outcomes
const (
	// ABetterTopo means A wins on network topology
	ABetterTopo ComparisonResult = 2
	// ABetter means A wins on announced attributes
	ABetter ComparisonResult = 1
	// Unknown means neither could be ranked
	Unknown ComparisonResult = 0
	// BBetter means B wins on announced attributes
	BBetter ComparisonResult = -1
	// BBetterTopo means B wins on network topology
	BBetterTopo ComparisonResult = -2
)

// Dscmp2 ranks two Announces describing the same grandmaster by network
// topology: fewer steps removed wins beyond a tolerance of one, then the
// lower sender identity
func Dscmp2(a, b *ptp.Announce) ComparisonResult {
	if a.StepsRemoved+1 < b.StepsRemoved {
		return ABetter
	}
	if b.StepsRemoved+1 < a.StepsRemoved {
		return BBetter
	}
	diff := a.SourcePortIdentity.Compare(b.SourcePortIdentity)
	if diff < 0 {
		return ABetterTopo
	}
	if diff > 0 {
		return BBetterTopo
	}
	return Unknown
}

// Dscmp ranks two Announces over the standard attribute ordering:
// priority1, clock class, accuracy, variance, priority2, identity
func Dscmp(a, b *ptp.Announce) ComparisonResult {
	if a.GrandmasterIdentity == b.GrandmasterIdentity {
		return Dscmp2(a, b)
	}
	if a.GrandmasterPriority1 != b.GrandmasterPriority1 {
		if a.GrandmasterPriority1 < b.GrandmasterPriority1 {
			return ABetter
		}
		return BBetter
	}
	aq, bq := a.GrandmasterClockQuality, b.GrandmasterClockQuality
	if aq.ClockClass != bq.ClockClass {
		if aq.ClockClass < bq.ClockClass {
			return ABetter
		}
		return BBetter
	}
	if aq.ClockAccuracy != bq.ClockAccuracy {
		if aq.ClockAccuracy < bq.ClockAccuracy {
			return ABetter
		}
		return BBetter
	}
	if aq.OffsetScaledLogVariance != bq.OffsetScaledLogVariance {
		if aq.OffsetScaledLogVariance < bq.OffsetScaledLogVariance {
			return ABetter
		}
		return BBetter
	}
	if a.GrandmasterPriority2 != b.GrandmasterPriority2 {
		if a.GrandmasterPriority2 < b.GrandmasterPriority2 {
			return ABetter
		}
		return BBetter
	}
	if a.GrandmasterIdentity < b.GrandmasterIdentity {
		return ABetter
	}
	return BBetter
}

// localAnnounce synthesizes the Announce the local clock would send, for
// comparison against foreign masters (the D0 dataset)
func (p *Port) localAnnounce() ptp.Announce {
	ann := ptp.Announce{}
	ann.SourcePortIdentity = p.portDS.PortIdentity
	ann.GrandmasterIdentity = p.defaultDS.ClockIdentity
	ann.GrandmasterClockQuality = p.defaultDS.ClockQuality
	ann.GrandmasterPriority1 = p.defaultDS.Priority1
	ann.GrandmasterPriority2 = p.defaultDS.Priority2
	ann.StepsRemoved = 0
	return ann
}

// electBest picks the best qualified foreign master, nil when none
func (p *Port) electBest() *ForeignMasterRecord {
	var best *ForeignMasterRecord
	for i := range p.fmr.records {
		rec := &p.fmr.records[i]
		if !rec.Qualified() {
			continue
		}
		if p.cfg.RequireUTCValid && !rec.LastAnnounce.UTCOffsetValid() {
			continue
		}
		if best == nil || Dscmp(&rec.LastAnnounce, &best.LastAnnounce) > 0 {
			best = rec
		}
	}
	return best
}

// bmc runs the state decision event and returns the recommended port
// state per Table 26, plus the elected master when the recommendation
// is SLAVE
func (p *Port) bmc() (ptp.PortState, *ForeignMasterRecord) {
	best := p.electBest()

	if best == nil {
		// nobody qualified: masters stay masters, everyone else listens
		if p.defaultDS.SlaveOnly {
			return ptp.PortStateListening, nil
		}
		if p.portDS.PortState == ptp.PortStateMaster {
			return ptp.PortStateMaster, nil
		}
		return ptp.PortStateListening, nil
	}

	local := p.localAnnounce()

	if p.defaultDS.SlaveOnly {
		return ptp.PortStateSlave, best
	}

	// master-capable local clock classes compare via the close-call
	// branch of the standard
	if p.defaultDS.ClockQuality.ClockClass < 128 {
		if Dscmp(&local, &best.LastAnnounce) > 0 {
			return ptp.PortStateMaster, nil
		}
		return ptp.PortStatePassive, best
	}

	if Dscmp(&local, &best.LastAnnounce) > 0 {
		return ptp.PortStateMaster, nil
	}
	return ptp.PortStateSlave, best
}

// runBMCA processes a pending state decision event
func (p *Port) runBMCA() {
	if !p.recordUpdate {
		return
	}
	p.recordUpdate = false

	switch p.portDS.PortState {
	case ptp.PortStateListening, ptp.PortStatePassive, ptp.PortStateSlave, ptp.PortStateMaster, ptp.PortStateUncalibrated:
	default:
		return
	}

	state, best := p.bmc()
	if best != nil {
		if p.bestMaster == nil || p.bestMaster.PortIdentity != best.PortIdentity {
			log.Infof("new best master selected: %s (GM %s)",
				best.PortIdentity, best.LastAnnounce.GrandmasterIdentity)
			p.counters.BestMasterChanges++
			p.alarms.SetCondition(AlarmMasterChange, true, p.alarmSnapshot())
		}
		p.bestMaster = best
		p.s1(&best.LastAnnounce)
	}

	if state == ptp.PortStateSlave && p.portDS.PortState != ptp.PortStateSlave {
		// a freshly elected master is adopted through UNCALIBRATED
		p.toState(ptp.PortStateUncalibrated)
		p.toState(ptp.PortStateSlave)
		return
	}
	if state != p.portDS.PortState {
		p.toState(state)
	}
}

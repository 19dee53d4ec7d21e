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

// PTP data sets, 1588-2008 clause 8

import (
	ptp "github.com/opensync/ptpd/ptp/protocol"
	"github.com/opensync/ptpd/ptptime"
)

// DefaultDS describes the local clock
type DefaultDS struct {
	ClockIdentity ptp.ClockIdentity
	Priority1     uint8
	Priority2     uint8
	ClockQuality  ptp.ClockQuality
	DomainNumber  uint8
	SlaveOnly     bool
	TwoStep       bool
}

// CurrentDS is the synchronization state against the current master
type CurrentDS struct {
	StepsRemoved     uint16
	OffsetFromMaster ptptime.Time
	MeanPathDelay    ptptime.Time
}

// ParentDS describes the elected parent and grandmaster
type ParentDS struct {
	ParentPortIdentity      ptp.PortIdentity
	GrandmasterIdentity     ptp.ClockIdentity
	GrandmasterClockQuality ptp.ClockQuality
	GrandmasterPriority1    uint8
	GrandmasterPriority2    uint8
}

// TimePropertiesDS carries the grandmaster's timescale properties
type TimePropertiesDS struct {
	CurrentUTCOffset      int16
	CurrentUTCOffsetValid bool
	Leap59                bool
	Leap61                bool
	TimeTraceable         bool
	FrequencyTraceable    bool
	PTPTimescale          bool
	TimeSource            ptp.TimeSource
}

// PortDS describes the port itself
type PortDS struct {
	PortIdentity            ptp.PortIdentity
	PortState               ptp.PortState
	LogAnnounceInterval     ptp.LogInterval
	AnnounceReceiptTimeout  int
	LogSyncInterval         ptp.LogInterval
	LogMinDelayReqInterval  ptp.LogInterval
	LogMinPdelayReqInterval ptp.LogInterval
	DelayMechanism          ptp.DelayMechanism
	VersionNumber           uint8
}

// s1 runs the "recommended state is slave" dataset updates: copy the
// elected master's Announce into parent, current and time properties
// data sets
func (p *Port) s1(ann *ptp.Announce) {
	prevProps := p.timePropertiesDS

	p.currentDS.StepsRemoved = ann.StepsRemoved + 1

	p.parentDS.ParentPortIdentity = ann.SourcePortIdentity
	p.parentDS.GrandmasterIdentity = ann.GrandmasterIdentity
	p.parentDS.GrandmasterClockQuality = ann.GrandmasterClockQuality
	p.parentDS.GrandmasterPriority1 = ann.GrandmasterPriority1
	p.parentDS.GrandmasterPriority2 = ann.GrandmasterPriority2

	p.timePropertiesDS.CurrentUTCOffset = ann.CurrentUTCOffset
	p.timePropertiesDS.CurrentUTCOffsetValid = ann.FlagField&ptp.FlagCurrentUtcOffsetValid != 0
	p.timePropertiesDS.Leap59 = ann.FlagField&ptp.FlagLeap59 != 0
	p.timePropertiesDS.Leap61 = ann.FlagField&ptp.FlagLeap61 != 0
	p.timePropertiesDS.TimeTraceable = ann.FlagField&ptp.FlagTimeTraceable != 0
	p.timePropertiesDS.FrequencyTraceable = ann.FlagField&ptp.FlagFrequencyTraceable != 0
	p.timePropertiesDS.PTPTimescale = ann.FlagField&ptp.FlagPTPTimescale != 0
	p.timePropertiesDS.TimeSource = ann.TimeSource

	if prevProps != p.timePropertiesDS {
		p.alarms.SetCondition(AlarmTimePropChange, true, p.alarmSnapshot())
	}
}

// m1 runs the "recommended state is master" dataset updates: we are our
// own grandmaster
func (p *Port) m1() {
	p.currentDS.StepsRemoved = 0
	p.currentDS.OffsetFromMaster = ptptime.Time{}
	p.currentDS.MeanPathDelay = ptptime.Time{}

	p.parentDS.ParentPortIdentity = p.portDS.PortIdentity
	p.parentDS.GrandmasterIdentity = p.defaultDS.ClockIdentity
	p.parentDS.GrandmasterClockQuality = p.defaultDS.ClockQuality
	p.parentDS.GrandmasterPriority1 = p.defaultDS.Priority1
	p.parentDS.GrandmasterPriority2 = p.defaultDS.Priority2

	p.timePropertiesDS.CurrentUTCOffset = int16(p.cfg.UTCOffset)
	p.timePropertiesDS.CurrentUTCOffsetValid = false
	p.timePropertiesDS.PTPTimescale = true
	p.timePropertiesDS.TimeSource = ptp.TimeSourceInternalOscillator
}

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
	"fmt"
	"net"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opensync/ptpd/acl"
	"github.com/opensync/ptpd/drivers"
	ptp "github.com/opensync/ptpd/ptp/protocol"
	"github.com/opensync/ptpd/ptptime"
	"github.com/opensync/ptpd/servo"
	"github.com/opensync/ptpd/timers"
)

// Timer names of the port timer set
const (
	timerAnnounceReceipt  = "announce_receipt"
	timerAnnounceInterval = "announce_interval"
	timerSyncInterval     = "sync_interval"
	timerDelayReq         = "delay_req"
	timerPdelayReq        = "pdelay_req"
	timerMasterNetRefresh = "master_netrefresh"
	timerStatsUpdate      = "statistics_update"
	timerStatusFile       = "statusfile_update"
	timerAlarmUpdate      = "alarm_update"
	timerClockUpdate      = "clock_update"
)

// delayFilterStiffness is the log2 stiffness of the one-way delay filter
const delayFilterStiffness = 6

// Port is one PTP port: the central aggregate tying the wire protocol to
// the clock discipline. All state is owned by the single port loop.
type Port struct {
	cfg *Config

	defaultDS        DefaultDS
	currentDS        CurrentDS
	parentDS         ParentDS
	timePropertiesDS TimePropertiesDS
	portDS           PortDS

	fmr          *ForeignMasterTable
	bestMaster   *ForeignMasterRecord
	recordUpdate bool

	counters *Counters
	alarms   *AlarmSet
	timers   *timers.Set

	transport Transport
	timingACL *acl.ACL
	mgmtACL   *acl.ACL

	registry *drivers.Registry
	driver   *drivers.Driver

	owdFilter *servo.DelayFilter
	ofmFilter *servo.OffsetFilter

	// Sync/Follow_Up exchange state
	syncReceiveTime    ptptime.Time // T2
	lastSyncCorrection ptptime.Time
	recvSyncSequenceID uint16
	waitingForFollow   bool
	waitingForFirstSync bool

	// Delay_Req/Delay_Resp exchange state
	delayReqSendTime    ptptime.Time // T3
	delayReqReceiveTime ptptime.Time // T4
	lastDelayMS         ptptime.Time // (T2-T1) - correction, master to slave
	lastDelaySM         ptptime.Time // (T4-T3) - correction, slave to master
	haveDelayMS         bool

	// peer delay quadruple
	pdelayT1, pdelayT2, pdelayT3, pdelayT4 ptptime.Time
	lastPdelayCorrection                   ptptime.Time
	waitingForPdelayFollow                 bool
	recvPdelayRespSequenceID               uint16

	// master address for hybrid unicast delay requests
	masterAddress netip.Addr

	// sequence ids we emit, strictly monotonic per message type
	sentSyncSequenceID      uint16
	sentAnnounceSequenceID  uint16
	sentDelayReqSequenceID  uint16
	sentPdelayReqSequenceID uint16

	// announce timeout grace accounting
	announceTimeouts int

	// consecutive maxDelay rejections
	maxDelayRejected int

	// adopted from the master at run time
	logSyncInterval     ptp.LogInterval
	logDelayReqInterval ptp.LogInterval

	leap                 *LeapFile
	leapSecondInProgress bool

	monitoring *Monitoring

	monotonic func() time.Time
}

// NewPort builds a port from config, wiring the transport, the clock
// driver registry and the driver this port disciplines. The clock
// identity is derived from the interface MAC.
func NewPort(cfg *Config, transport Transport, registry *drivers.Registry, driver *drivers.Driver, monotonic func() time.Time) (*Port, error) {
	iface, err := net.InterfaceByName(cfg.Iface)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %s: %w", cfg.Iface, err)
	}
	clockID, err := ptp.NewClockIdentity(iface.HardwareAddr)
	if err != nil {
		return nil, err
	}
	return newPort(cfg, transport, registry, driver, clockID, monotonic)
}

func newPort(cfg *Config, transport Transport, registry *drivers.Registry, driver *drivers.Driver, clockID ptp.ClockIdentity, monotonic func() time.Time) (*Port, error) {
	if monotonic == nil {
		monotonic = time.Now
	}

	p := &Port{
		cfg:       cfg,
		fmr:       NewForeignMasterTable(cfg.FMRCapacity),
		counters:  NewCounters(),
		alarms:    NewAlarmSet(cfg.AlarmMinAge, cfg.AlarmsEnabled),
		timers:    timers.NewSet(monotonic),
		transport: transport,
		registry:  registry,
		driver:    driver,
		owdFilter: servo.NewDelayFilter(delayFilterStiffness),
		ofmFilter: &servo.OffsetFilter{},
		monotonic: monotonic,
	}

	p.defaultDS = DefaultDS{
		ClockIdentity: clockID,
		Priority1:     cfg.Priority1,
		Priority2:     cfg.Priority2,
		ClockQuality: ptp.ClockQuality{
			ClockClass:              cfg.ClockClass,
			ClockAccuracy:           cfg.ClockAccuracy,
			OffsetScaledLogVariance: 0xffff,
		},
		DomainNumber: cfg.DomainNumber,
		SlaveOnly:    cfg.SlaveOnly,
		TwoStep:      false,
	}
	p.portDS = PortDS{
		PortIdentity:            ptp.PortIdentity{ClockIdentity: clockID, PortNumber: cfg.PortNumber},
		PortState:               ptp.PortStateInitializing,
		LogAnnounceInterval:     cfg.LogAnnounceInterval,
		AnnounceReceiptTimeout:  cfg.AnnounceReceiptTimeout,
		LogSyncInterval:         cfg.LogSyncInterval,
		LogMinDelayReqInterval:  cfg.LogMinDelayReqInterval,
		LogMinPdelayReqInterval: cfg.LogMinPdelayReqInterval,
		DelayMechanism:          cfg.DelayMechanism,
		VersionNumber:           ptp.Version,
	}
	p.logSyncInterval = cfg.LogSyncInterval
	p.logDelayReqInterval = cfg.LogMinDelayReqInterval

	if err := p.compileACLs(); err != nil {
		return nil, err
	}

	// servo tuning beyond the gains the driver config carries
	switch cfg.Servo.DtMethod {
	case "none":
		driver.Servo.DtMethod = servo.DtNone
	case "measured":
		driver.Servo.DtMethod = servo.DtMeasured
	default:
		driver.Servo.DtMethod = servo.DtConstant
	}
	if cfg.Servo.MaxDt > 0 {
		driver.Servo.MaxdT = cfg.Servo.MaxDt
	}
	if cfg.Servo.MaxPPB > 0 && cfg.Servo.MaxPPB < driver.Servo.MaxOutput {
		driver.Servo.MaxOutput = cfg.Servo.MaxPPB
	}
	driver.Servo.SetStability(servo.StabilityConfig{
		Threshold: cfg.Servo.StabilityThreshold,
		Period:    cfg.Servo.StabilityPeriod,
		Timeout:   cfg.Servo.StabilityTimeout,
	})

	if cfg.LeapFile != "" {
		leap, err := ParseLeapFile(cfg.LeapFile)
		if err != nil {
			log.Warningf("cannot read leap file %q: %v", cfg.LeapFile, err)
		} else {
			p.leap = leap
			if leap.Expired(time.Now()) {
				log.Warningf("leap file %q has expired", cfg.LeapFile)
			}
		}
	}

	return p, nil
}

func (p *Port) compileACLs() error {
	if !p.cfg.ACL.Enabled {
		p.timingACL = nil
		p.mgmtACL = nil
		return nil
	}
	timingOrder, err := p.cfg.TimingACLOrder()
	if err != nil {
		return err
	}
	mgmtOrder, err := p.cfg.ManagementACLOrder()
	if err != nil {
		return err
	}
	p.timingACL, err = acl.New(p.cfg.ACL.TimingPermit, p.cfg.ACL.TimingDeny, timingOrder)
	if err != nil {
		return fmt.Errorf("compiling timing ACL: %w", err)
	}
	p.mgmtACL, err = acl.New(p.cfg.ACL.ManagementPermit, p.cfg.ACL.ManagementDeny, mgmtOrder)
	if err != nil {
		return fmt.Errorf("compiling management ACL: %w", err)
	}
	return nil
}

// State returns the current port state
func (p *Port) State() ptp.PortState {
	return p.portDS.PortState
}

// Counters exposes the port counter set
func (p *Port) Counters() *Counters {
	return p.counters
}

// CurrentDS exposes the current data set
func (p *Port) CurrentDS() CurrentDS {
	return p.currentDS
}

// ParentDS exposes the parent data set
func (p *Port) ParentDS() ParentDS {
	return p.parentDS
}

// TimePropertiesDS exposes the time properties data set
func (p *Port) TimePropertiesDS() TimePropertiesDS {
	return p.timePropertiesDS
}

// Alarms exposes the port alarm set
func (p *Port) Alarms() *AlarmSet {
	return p.alarms
}

func (p *Port) alarmSnapshot() AlarmEventData {
	return AlarmEventData{
		PortState:        p.portDS.PortState.String(),
		OffsetFromMaster: p.currentDS.OffsetFromMaster.String(),
		MeanPathDelay:    p.currentDS.MeanPathDelay.String(),
		GrandmasterID:    p.parentDS.GrandmasterIdentity.String(),
	}
}

// announceReceiptInterval is announceReceiptTimeout * 2^logAnnounceInterval
func (p *Port) announceReceiptInterval() float64 {
	return float64(p.portDS.AnnounceReceiptTimeout) * p.portDS.LogAnnounceInterval.Seconds()
}

// initClock resets every filter and exchange timestamp, called when the
// port acquires or loses a master
func (p *Port) initClock() {
	p.owdFilter.Reset()
	p.ofmFilter.Reset()
	p.syncReceiveTime = ptptime.Time{}
	p.lastSyncCorrection = ptptime.Time{}
	p.delayReqSendTime = ptptime.Time{}
	p.delayReqReceiveTime = ptptime.Time{}
	p.lastDelayMS = ptptime.Time{}
	p.lastDelaySM = ptptime.Time{}
	p.haveDelayMS = false
	p.pdelayT1 = ptptime.Time{}
	p.pdelayT2 = ptptime.Time{}
	p.pdelayT3 = ptptime.Time{}
	p.pdelayT4 = ptptime.Time{}
	p.waitingForFollow = false
	p.waitingForPdelayFollow = false
	p.maxDelayRejected = 0
	p.currentDS.OffsetFromMaster = ptptime.Time{}
	p.currentDS.MeanPathDelay = ptptime.Time{}
}

// toState transitions the port, running exit actions for the old state
// and entry actions for the new one
func (p *Port) toState(state ptp.PortState) {
	if p.portDS.PortState == state {
		return
	}
	log.Infof("port state change: %s -> %s", p.portDS.PortState, state)
	p.counters.StateTransitions++

	// exit actions
	switch p.portDS.PortState {
	case ptp.PortStateMaster:
		p.timers.Stop(timerAnnounceInterval)
		p.timers.Stop(timerSyncInterval)
		p.timers.Stop(timerPdelayReq)
		p.timers.Stop(timerMasterNetRefresh)
	case ptp.PortStateSlave, ptp.PortStateUncalibrated:
		if state != ptp.PortStateSlave && state != ptp.PortStateUncalibrated {
			p.timers.Stop(timerAnnounceReceipt)
			p.timers.Stop(timerDelayReq)
			p.timers.Stop(timerPdelayReq)
			p.driver.StoreFrequency()
			p.initClock()
			// cancel panic mode, the pending step belonged to the old master
			if p.driver.State == drivers.StateStep {
				p.driver.SetState(drivers.StateFreeRun)
			}
			p.driver.SetReference(nil)
		}
	}

	p.portDS.PortState = state

	// entry actions
	switch state {
	case ptp.PortStateInitializing:
		p.timers.StopAll()
	case ptp.PortStateListening:
		p.timers.Start(timerAnnounceReceipt, p.announceReceiptInterval())
		p.counters.ResetCount++
		if p.cfg.IGMPRefresh {
			if err := p.transport.Refresh(); err != nil {
				log.Warningf("IGMP refresh: %v", err)
			}
		}
	case ptp.PortStateMaster:
		p.m1()
		p.timers.Start(timerAnnounceInterval, p.portDS.LogAnnounceInterval.Seconds())
		p.timers.Start(timerSyncInterval, p.portDS.LogSyncInterval.Seconds())
		if p.portDS.DelayMechanism == ptp.DelayMechanismP2P {
			p.timers.Start(timerPdelayReq, p.portDS.LogMinPdelayReqInterval.Seconds())
		}
		if p.cfg.IGMPRefresh && p.cfg.MasterRefreshInterval > 0 {
			p.timers.Start(timerMasterNetRefresh, p.cfg.MasterRefreshInterval)
		}
	case ptp.PortStateSlave:
		p.initClock()
		p.waitingForFirstSync = true
		p.announceTimeouts = 0
		p.timers.Start(timerAnnounceReceipt, p.announceReceiptInterval())
		// the Delay_Req timer is armed only after the first Sync, so we
		// don't ask a master that isn't serving us yet
		p.driver.SetExternalReference("PTP", drivers.RefClassPTP)
	case ptp.PortStatePassive:
		p.timers.Start(timerAnnounceReceipt, p.announceReceiptInterval())
	case ptp.PortStateFaulty:
		p.alarms.SetCondition(AlarmNetworkFault, true, p.alarmSnapshot())
	}
}

// Start brings the port up into LISTENING and arms the housekeeping
// timers
func (p *Port) Start() {
	p.timers.Start(timerAlarmUpdate, AlarmUpdateInterval)
	p.timers.Start(timerClockUpdate, drivers.UpdateInterval.Seconds())
	if p.cfg.StatsUpdateInterval > 0 {
		p.timers.Start(timerStatsUpdate, p.cfg.StatsUpdateInterval)
	}
	if p.cfg.StatusFileUpdateInterval > 0 {
		p.timers.Start(timerStatusFile, p.cfg.StatusFileUpdateInterval)
	}
	p.toState(ptp.PortStateListening)
}

// Tick runs one port loop iteration: timer bookkeeping, pending BMCA,
// timer driven actions. Received packets go through ProcessPacket.
func (p *Port) Tick() {
	p.timers.Tick()
	p.runBMCA()
	p.handleTimers()
}

// NextDeadline bounds how long the loop may sleep in the socket wait
func (p *Port) NextDeadline() time.Duration {
	d, ok := p.timers.NextDeadline()
	if !ok {
		return time.Second
	}
	if d > time.Second {
		return time.Second
	}
	return d
}

func (p *Port) handleTimers() {
	if p.timers.Expired(timerAnnounceReceipt) {
		p.handleAnnounceReceiptTimeout()
	}

	if p.timers.Expired(timerAnnounceInterval) && p.portDS.PortState == ptp.PortStateMaster {
		p.issueAnnounce()
	}
	if p.timers.Expired(timerSyncInterval) && p.portDS.PortState == ptp.PortStateMaster {
		p.issueSync()
	}
	if p.timers.Expired(timerDelayReq) && p.portDS.PortState == ptp.PortStateSlave &&
		p.portDS.DelayMechanism == ptp.DelayMechanismE2E {
		p.issueDelayReq()
		// re-arm with the uniform 0..2*interval jitter, 1588 9.5.11.2
		p.timers.RandomStart(timerDelayReq, p.logDelayReqInterval.Seconds())
	}
	if p.timers.Expired(timerPdelayReq) && p.portDS.DelayMechanism == ptp.DelayMechanismP2P {
		if p.portDS.PortState == ptp.PortStateSlave || p.portDS.PortState == ptp.PortStateMaster {
			p.issuePdelayReq()
		}
	}
	if p.timers.Expired(timerMasterNetRefresh) && p.portDS.PortState == ptp.PortStateMaster {
		if err := p.transport.Refresh(); err != nil {
			log.Warningf("IGMP refresh: %v", err)
		}
	}
	if p.timers.Expired(timerClockUpdate) {
		p.registry.Update()
		p.registry.SyncClocks(drivers.UpdateInterval.Seconds())
	}
	if p.timers.Expired(timerAlarmUpdate) {
		p.updateAlarmConditions()
		p.alarms.Update()
		p.updateLeapPause()
	}
	if p.timers.Expired(timerStatsUpdate) {
		p.logStats()
		if p.monitoring != nil {
			p.monitoring.Collect()
		}
	}
	if p.timers.Expired(timerStatusFile) {
		// status file writing is an external collaborator; the hook
		// stays so the wiring point is obvious
		log.Debugf("status: port %s offset %s delay %s alarms [%s]",
			p.portDS.PortState, p.currentDS.OffsetFromMaster, p.currentDS.MeanPathDelay, p.alarms.Summary())
	}
}

// handleAnnounceReceiptTimeout implements the grace period: first
// disqualify the current master in place, only reset the port once the
// grace attempts are exhausted
func (p *Port) handleAnnounceReceiptTimeout() {
	if p.portDS.PortState != ptp.PortStateSlave &&
		p.portDS.PortState != ptp.PortStatePassive &&
		p.portDS.PortState != ptp.PortStateUncalibrated {
		if p.portDS.PortState == ptp.PortStateListening {
			// force a reset, refreshing multicast membership
			p.toState(ptp.PortStateInitializing)
			p.toState(ptp.PortStateListening)
		}
		return
	}

	if !p.defaultDS.SlaveOnly && p.defaultDS.ClockQuality.ClockClass != ptp.ClockClassSlaveOnly {
		p.fmr.Clear()
		p.m1()
		p.toState(ptp.PortStateMaster)
		return
	}

	p.counters.AnnounceTimeouts++

	if p.announceTimeouts < p.cfg.AnnounceTimeoutGracePeriod {
		// don't reset yet: disqualify the current master and let BMCA
		// pick another live one if it can
		if p.bestMaster != nil {
			p.bestMaster.Disqualify()
			p.parentDS.GrandmasterClockQuality.ClockClass = 255
			p.parentDS.GrandmasterPriority1 = 255
			p.parentDS.GrandmasterPriority2 = 255
			log.Warningf("GM announce timeout, disqualified current best GM")
		}
		if p.cfg.IGMPRefresh {
			if err := p.transport.Refresh(); err != nil {
				log.Warningf("IGMP refresh: %v", err)
			}
		}
		if p.cfg.AnnounceTimeoutGracePeriod > 0 {
			p.announceTimeouts++
			log.Infof("waiting for new master, %d of %d attempts", p.announceTimeouts, p.cfg.AnnounceTimeoutGracePeriod)
		}
		p.recordUpdate = true
		p.timers.Start(timerAnnounceReceipt, p.announceReceiptInterval())
		return
	}

	log.Warningf("no active masters present, resetting port")
	p.fmr.Clear()
	p.bestMaster = nil
	p.toState(ptp.PortStateListening)
}

func (p *Port) updateAlarmConditions() {
	snap := p.alarmSnapshot()
	ofm := p.currentDS.OffsetFromMaster
	p.alarms.SetCondition(AlarmOFMSeconds, p.portDS.PortState == ptp.PortStateSlave && ofm.Seconds != 0, snap)
	p.alarms.SetCondition(AlarmNoSync, p.portDS.PortState == ptp.PortStateSlave && p.waitingForFirstSync, snap)
	// a locked up driver (refused negative step) is adjusting nothing,
	// surface it until the operator clears it
	p.alarms.SetCondition(AlarmFastAdj, p.driver.LockedUp, snap)
	p.alarms.SetCondition(AlarmPortState, p.cfg.SlaveOnly && p.portDS.PortState != ptp.PortStateSlave, snap)
}

func (p *Port) updateLeapPause() {
	if p.leap == nil || p.cfg.LeapSecondPauseSeconds <= 0 {
		return
	}
	pause := time.Duration(p.cfg.LeapSecondPauseSeconds * float64(time.Second))
	inPause := p.leap.InLeapPause(time.Now(), pause)
	if inPause && !p.leapSecondInProgress {
		log.Warningf("leap second window entered, pausing clock updates")
	}
	if !inPause && p.leapSecondInProgress {
		log.Infof("leap second window passed, resuming clock updates")
	}
	p.leapSecondInProgress = inPause
}

func (p *Port) logStats() {
	log.Infof("state %s, offset %s, delay %s, servo drift %.03f, adev %.03f",
		p.portDS.PortState, p.currentDS.OffsetFromMaster, p.currentDS.MeanPathDelay,
		p.driver.Servo.ObservedDrift, p.driver.Adev)
}

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
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	ptp "github.com/opensync/ptpd/ptp/protocol"
)

// RestartFlags is the bitmask of pending hot reconfiguration work.
// Signal handlers and the config reload path only set bits; all actual
// work happens at the top of the port loop.
type RestartFlags uint32

// Restart subsystems, drained in this priority order
const (
	// RestartNetwork rebuilds the transport
	RestartNetwork RestartFlags = 1 << iota
	// RestartProtocol cycles the port through INITIALIZING
	RestartProtocol
	// RestartACLs recompiles the access lists
	RestartACLs
	// RestartFilters rebuilds the statistical filters
	RestartFilters
	// RestartDatasets copies mutable config into the live port without
	// cycling state
	RestartDatasets
	// RestartNTPEngine re-initializes the NTP coexistence helper
	RestartNTPEngine
	// RestartLogging reopens log files
	RestartLogging
)

// RestartAll requests every subsystem
const RestartAll = RestartNetwork | RestartProtocol | RestartACLs |
	RestartFilters | RestartDatasets | RestartNTPEngine | RestartLogging

// RestartController accumulates restart requests from signal context
// and hands them to the loop atomically
type RestartController struct {
	pending atomic.Uint32
}

// Request adds flags to the pending set; safe from signal handlers
func (c *RestartController) Request(flags RestartFlags) {
	for {
		old := c.pending.Load()
		if c.pending.CompareAndSwap(old, old|uint32(flags)) {
			return
		}
	}
}

// Drain atomically takes and clears the pending set
func (c *RestartController) Drain() RestartFlags {
	return RestartFlags(c.pending.Swap(0))
}

// applyRestart drains the pending subsystems in priority order.
// RestartNetwork is handled by the caller (it owns the transport);
// everything else is applied here.
func (p *Port) applyRestart(flags RestartFlags, cfg *Config) {
	if flags&(RestartProtocol|RestartNetwork) != 0 {
		log.Infof("restart: protocol reset")
		p.toState(ptp.PortStateInitializing)
		p.toState(ptp.PortStateListening)
	}
	if flags&RestartACLs != 0 {
		log.Infof("restart: recompiling access lists")
		p.cfg.ACL = cfg.ACL
		if err := p.compileACLs(); err != nil {
			log.Errorf("recompiling ACLs: %v", err)
		}
	}
	if flags&RestartFilters != 0 {
		log.Infof("restart: rebuilding filters")
		p.owdFilter.Reset()
		p.ofmFilter.Reset()
	}
	if flags&RestartDatasets != 0 {
		log.Infof("restart: updating data sets")
		p.applyDatasetConfig(cfg)
	}
	if flags&RestartNTPEngine != 0 {
		// NTP coexistence lives outside the core; just acknowledge
		log.Infof("restart: NTP engine reinit requested")
	}
	if flags&RestartLogging != 0 {
		log.Infof("restart: logging roll requested")
	}
}

// applyDatasetConfig copies the mutable config fields into the live port
// without cycling port state
func (p *Port) applyDatasetConfig(cfg *Config) {
	p.cfg = cfg

	p.defaultDS.Priority1 = cfg.Priority1
	p.defaultDS.Priority2 = cfg.Priority2
	p.defaultDS.ClockQuality.ClockClass = cfg.ClockClass
	p.defaultDS.ClockQuality.ClockAccuracy = cfg.ClockAccuracy
	p.defaultDS.SlaveOnly = cfg.SlaveOnly
	p.defaultDS.DomainNumber = cfg.DomainNumber

	p.portDS.DelayMechanism = cfg.DelayMechanism
	p.portDS.LogAnnounceInterval = cfg.LogAnnounceInterval
	p.portDS.AnnounceReceiptTimeout = cfg.AnnounceReceiptTimeout
	p.portDS.LogSyncInterval = cfg.LogSyncInterval
	p.portDS.LogMinDelayReqInterval = cfg.LogMinDelayReqInterval
	p.portDS.LogMinPdelayReqInterval = cfg.LogMinPdelayReqInterval

	// the master side picks new intervals up on the next timer rearm;
	// restart them in place when acting as master
	if p.portDS.PortState == ptp.PortStateMaster {
		p.timers.Start(timerAnnounceInterval, p.portDS.LogAnnounceInterval.Seconds())
		p.timers.Start(timerSyncInterval, p.portDS.LogSyncInterval.Seconds())
	}
}

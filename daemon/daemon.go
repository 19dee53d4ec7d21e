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

/*
Package daemon ties the PTP port, the transport and the clock driver
framework together into the running ordinary clock.
*/
package daemon

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opensync/ptpd/drivers"
	ptp "github.com/opensync/ptpd/ptp/protocol"
	"github.com/opensync/ptpd/timestamp"
)

// ProgramName is used in lock file names
const ProgramName = "ptpd"

// Daemon is the assembled ordinary clock
type Daemon struct {
	cfg       *Config
	transport *UDPTransport
	registry  *drivers.Registry
	port      *Port
	lock      *LockFile
	restart   *RestartController

	reloadConfig func() (*Config, error)
}

// New assembles a daemon from config. With hardware timestamping the
// port disciplines the interface PHC and the system clock follows it
// through the registry; with software timestamping the port disciplines
// the system clock directly.
func New(cfg *Config) (*Daemon, error) {
	registry := drivers.NewRegistry(drivers.MonotonicNow)

	driverCfg := cfg.DriverConfig()
	sysDriver, err := registry.Create(drivers.NewSystemClock(), drivers.SystemClockName, driverCfg, true)
	if err != nil {
		return nil, err
	}

	disciplined := sysDriver
	clockName := drivers.SystemClockName
	if cfg.Timestamping == timestamp.HW || cfg.Timestamping == timestamp.HWRX {
		phcDriver, err := registry.Create(drivers.NewPHCClock(cfg.Iface), cfg.Iface, driverCfg, false)
		if err != nil {
			return nil, fmt.Errorf("creating PHC driver: %w", err)
		}
		disciplined = phcDriver
		clockName = cfg.Iface
	}

	lock, err := AcquireLock(LockFilePath(cfg.LockDir, ProgramName, clockName, cfg.Iface))
	if err != nil {
		return nil, err
	}

	transport, err := NewUDPTransport(cfg)
	if err != nil {
		lock.Release()
		return nil, err
	}

	port, err := NewPort(cfg, transport, registry, disciplined, drivers.MonotonicNow)
	if err != nil {
		transport.Close()
		lock.Release()
		return nil, err
	}

	return &Daemon{
		cfg:       cfg,
		transport: transport,
		registry:  registry,
		port:      port,
		lock:      lock,
		restart:   &RestartController{},
	}, nil
}

// Port exposes the daemon's PTP port
func (d *Daemon) Port() *Port {
	return d.port
}

// Registry exposes the clock driver registry
func (d *Daemon) Registry() *drivers.Registry {
	return d.registry
}

// RequestReload queues a full reconfiguration; safe from signal context
func (d *Daemon) RequestReload(reload func() (*Config, error)) {
	d.reloadConfig = reload
	d.restart.Request(RestartAll)
}

// RequestRestart queues specific restart work; safe from signal context
func (d *Daemon) RequestRestart(flags RestartFlags) {
	d.restart.Request(flags)
}

// ForceStep clears negative step lockups and steps the clocks once,
// the operator's answer to NEGSTEP
func (d *Daemon) ForceStep() {
	log.Warningf("operator requested forced clock step")
	d.registry.UnlockAll()
	d.registry.StepAll(true)
}

// rebuildTransport tears the sockets down and brings them back up,
// the FAULTY state recovery path
func (d *Daemon) rebuildTransport() error {
	log.Warningf("rebuilding network transport")
	if d.transport != nil {
		d.transport.Close()
	}
	t, err := NewUDPTransport(d.cfg)
	if err != nil {
		return err
	}
	d.transport = t
	d.port.transport = t
	return nil
}

func (d *Daemon) drainRestart() {
	flags := d.restart.Drain()
	if flags == 0 {
		return
	}
	cfg := d.cfg
	if d.reloadConfig != nil {
		newCfg, err := d.reloadConfig()
		if err != nil {
			log.Errorf("config reload failed, keeping current config: %v", err)
		} else {
			cfg = newCfg
			d.cfg = newCfg
		}
		d.reloadConfig = nil
	}
	if flags&RestartNetwork != 0 {
		if err := d.rebuildTransport(); err != nil {
			log.Errorf("transport rebuild failed: %v", err)
			d.port.toState(ptp.PortStateFaulty)
			return
		}
	}
	d.port.applyRestart(flags, cfg)
}

// Run is the daemon main loop; it returns when done is closed
func (d *Daemon) Run(done <-chan struct{}) error {
	if d.cfg.MonitoringPort > 0 {
		// counters are collected from inside the port loop, only the
		// HTTP listener runs on the side
		d.port.monitoring = NewMonitoring(d.port)
		go d.port.monitoring.Serve(d.cfg.MonitoringPort)
	}

	d.port.Start()

	for {
		d.drainRestart()

		if d.port.State() == ptp.PortStateFaulty {
			if err := d.rebuildTransport(); err != nil {
				log.Errorf("cannot recover transport: %v", err)
				time.Sleep(time.Second)
			} else {
				d.port.toState(ptp.PortStateInitializing)
				d.port.toState(ptp.PortStateListening)
			}
		}

		select {
		case <-done:
			log.Infof("shutting down")
			d.shutdown()
			return nil
		case pkt, ok := <-d.transport.Packets():
			if !ok {
				d.port.toState(ptp.PortStateFaulty)
				continue
			}
			d.port.ProcessPacket(pkt)
			// the wakeup reads everything that is ready before
			// returning to the timer work
			for drained := false; !drained; {
				select {
				case pkt, ok := <-d.transport.Packets():
					if !ok {
						drained = true
						break
					}
					d.port.ProcessPacket(pkt)
				default:
					drained = true
				}
			}
		case <-time.After(d.port.NextDeadline()):
		}

		d.port.Tick()
	}
}

func (d *Daemon) shutdown() {
	d.port.toState(ptp.PortStateDisabled)
	d.transport.Close()
	d.registry.Shutdown()
	if err := d.lock.Release(); err != nil {
		log.Errorf("releasing lock file: %v", err)
	}
}

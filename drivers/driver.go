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

package drivers

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opensync/ptpd/ptptime"
	"github.com/opensync/ptpd/servo"
	"github.com/opensync/ptpd/stats"
)

// maxReferenceHops bounds the reference chain walk during loop detection
const maxReferenceHops = 255

// orphanDistance marks a driver with no path to a reference
const orphanDistance = 255

// warningTimeout silences repeated cannot-step warnings, seconds
const warningTimeout = 60.0

// Driver is one disciplined clock: hardware access, PI servo, stability
// tracking and the per-clock state machine
type Driver struct {
	Name          string
	IsSystemClock bool
	Config        Config

	State     State
	LastState State

	// reference bookkeeping. References are recorded by name and
	// resolved through the registry on use, a freed driver simply stops
	// resolving.
	RefName           string
	RefClass          RefClass
	ExternalReference bool
	Distance          int

	RefOffset ptptime.Time
	RawOffset ptptime.Time

	Adev         float64
	TotalAdev    float64
	MinAdev      float64
	MaxAdev      float64
	MinAdevTotal float64
	MaxAdevTotal float64

	Servo *servo.PIServo

	LastFrequency   float64
	StoredFrequency float64
	MaxFrequency    float64

	LockedUp  bool
	InUse     bool
	BestClock bool

	hw  Clock
	reg *Registry

	adevValid    bool
	adevAcc      stats.Adev
	totalAdevAcc stats.Adev

	filter    *stats.Filter
	madFilter *stats.MovingStdDev

	updated    bool
	stepped    bool
	everLocked bool
	canResume  bool

	lastUpdate  time.Time
	age         time.Duration
	warningLeft float64
	tau         float64
}

// Hardware exposes the underlying clock
func (d *Driver) Hardware() Clock {
	return d.hw
}

// RefClock resolves the driver's internal reference through the registry.
// Nil when the reference is external, unset, or gone.
func (d *Driver) RefClock() *Driver {
	if d.ExternalReference || d.RefName == "" {
		return nil
	}
	return d.reg.Get(d.RefName)
}

// Age is the time spent in the current state
func (d *Driver) Age() time.Duration {
	return d.age
}

// SetState moves the driver to a new state, running entry actions
func (d *Driver) SetState(newState State) {
	if newState > StateFreeRun && d.Config.Disabled {
		return
	}
	if d.State == newState {
		return
	}

	log.Infof("clock %s changed state from %s to %s", d.Name, d.State, newState)

	d.lastUpdate = d.reg.now()
	d.age = 0

	// going into FREERUN from anywhere but a good state: restore the
	// last known good frequency
	if newState == StateFreeRun && !(d.State == StateLocked || d.State == StateHoldover) {
		d.RestoreFrequency()
	}

	if newState == StateLocked && !d.everLocked {
		d.everLocked = true
		d.MinAdev = d.Adev
		d.MaxAdev = d.Adev
	}

	if newState == StateHWFault {
		d.SetReference(nil)
	}

	d.LastState = d.State
	d.State = newState

	// entering or leaving LOCKED changes the best clock picture
	if newState == StateLocked || d.LastState == StateLocked {
		d.reg.findBestClock()
	}
}

// SetReference points the driver at another driver as its reference.
// Passing nil clears the reference. A reference that would create a cycle
// is refused and the driver is left untouched.
func (d *Driver) SetReference(b *Driver) {
	if d.Config.Disabled {
		return
	}
	if b != nil && d.Config.ExternalOnly {
		log.Debugf("clock %s only accepts external reference clocks", d.Name)
		return
	}
	if d == b {
		log.Errorf("cannot set reference of clock %s to self", d.Name)
		return
	}

	// loop detection: refuse a reference which references us, directly
	// or through a chain
	if b != nil {
		hops := 0
		for cd := b.RefClock(); cd != nil; cd = cd.RefClock() {
			hops++
			if cd == d || hops > maxReferenceHops {
				log.Warningf("cannot set reference of clock %s to %s: %s already references %s (%d hops)",
					d.Name, b.Name, b.Name, d.Name, hops)
				return
			}
		}
	}

	// no change
	if b != nil && !d.ExternalReference && d.RefName == b.Name {
		return
	}

	if b == nil {
		if d.RefName == "" && !d.ExternalReference {
			return
		}
		log.Infof("clock %s lost reference %s", d.Name, d.RefName)
		d.RefName = ""
		d.ExternalReference = false
		d.RefClass = RefClassNone
		if d.State == StateLocked {
			d.SetState(StateHoldover)
			d.adevAcc.Reset()
		} else {
			d.Distance = orphanDistance
		}
		return
	}

	log.Infof("clock %s changing reference to %s", d.Name, b.Name)
	d.ExternalReference = false
	d.RefName = b.Name
	d.RefClass = RefClassInternal
	d.Distance = b.Distance + 1
	if d.Distance > orphanDistance {
		d.Distance = orphanDistance
	}
	d.SetState(StateFreeRun)
}

// SetExternalReference marks the driver as steered from outside the
// registry, e.g. by the PTP port
func (d *Driver) SetExternalReference(name string, class RefClass) {
	if d.Config.Disabled {
		return
	}
	if d.Config.InternalOnly {
		log.Debugf("clock %s only accepts internal reference clocks", d.Name)
		return
	}
	if !d.ExternalReference || d.RefName != name {
		log.Infof("clock %s changing to external reference %s", d.Name, name)
		d.SetState(StateFreeRun)
	}
	d.RefName = name
	d.ExternalReference = true
	d.RefClass = class
	d.Distance = 1
}

func (d *Driver) frequencyPath() string {
	return filepath.Join(d.Config.FrequencyDir, fmt.Sprintf("ptpd_%s.frequency", d.Name))
}

// RestoreFrequency primes the servo with the persisted frequency, falling
// back to what the kernel currently runs at
func (d *Driver) RestoreFrequency() {
	if d.Config.Disabled {
		return
	}
	frequency := 0.0
	if d.Config.StoreToFile {
		if v, err := frequencyFromFile(d.frequencyPath()); err == nil {
			frequency = v
		}
	}
	if frequency == 0 {
		if v, err := d.hw.GetFrequency(); err == nil {
			frequency = v
		}
	}
	d.Servo.Prime(frequency)
	d.StoredFrequency = d.Servo.Output
	if !d.Config.ReadOnly {
		if err := d.hw.SetFrequency(d.StoredFrequency); err != nil {
			log.Errorf("clock %s failed to restore frequency: %v", d.Name, err)
		}
	}
	d.LastFrequency = d.StoredFrequency
}

// StoreFrequency persists the current frequency as known good
func (d *Driver) StoreFrequency() {
	if d.Config.Disabled {
		return
	}
	if d.Config.StoreToFile {
		if err := frequencyToFile(d.frequencyPath(), d.LastFrequency); err != nil {
			log.Errorf("clock %s failed to store frequency: %v", d.Name, err)
		}
	}
	d.StoredFrequency = d.LastFrequency
}

// Touch marks the driver as updated without adjusting anything
func (d *Driver) Touch() {
	if d.Config.Disabled {
		return
	}
	now := d.reg.now()
	d.age = now.Sub(d.lastUpdate)
	d.lastUpdate = now
	d.updated = true
}

// AdjustFrequency clamps and applies a frequency adjustment
func (d *Driver) AdjustFrequency(adj float64, tau float64) bool {
	if d.Config.Disabled || d.Config.ReadOnly {
		return false
	}
	if adj > d.MaxFrequency {
		adj = d.MaxFrequency
	} else if adj < -d.MaxFrequency {
		adj = -d.MaxFrequency
	}
	if err := d.hw.SetFrequency(adj); err != nil {
		log.Errorf("clock %s failed to adjust frequency: %v", d.Name, err)
		d.SetState(StateHWFault)
		return false
	}
	d.LastFrequency = adj
	d.tau = tau
	d.processUpdate()
	return true
}

// StepTime jumps the clock. A negative delta with negativeStep disabled
// locks the driver up in NEGSTEP unless forced.
func (d *Driver) StepTime(delta ptptime.Time, force bool) bool {
	if d.Config.Disabled || d.Config.ReadOnly {
		return false
	}
	if delta.IsZero() {
		return true
	}
	if force {
		d.LockedUp = false
	}
	if !force && !d.Config.NegativeStep && delta.IsNegative() {
		log.Errorf("clock %s refused negative step, clock locked up until operator clears it", d.Name)
		d.LockedUp = true
		d.SetState(StateNegStep)
		return false
	}
	if err := d.hw.StepTime(delta); err != nil {
		log.Errorf("clock %s failed to step: %v", d.Name, err)
		d.SetState(StateHWFault)
		return false
	}
	log.Warningf("clock %s stepped by %s s", d.Name, delta)
	d.stepped = true
	d.Servo.Reset()
	if d.filter != nil {
		d.filter.Reset()
	}
	d.Touch()
	d.SetState(StateFreeRun)
	return true
}

// Unlock clears a NEGSTEP lockup, operator action
func (d *Driver) Unlock() {
	if !d.LockedUp && d.State != StateNegStep {
		return
	}
	log.Warningf("clock %s unlocked by operator", d.Name)
	d.LockedUp = false
	if d.State == StateNegStep {
		d.SetState(StateFreeRun)
	}
}

// processUpdate runs after every applied adjustment: it feeds the Allan
// deviation accumulators and drives the adev based state transitions
func (d *Driver) processUpdate() {
	if d.State == StateHWFault {
		return
	}

	d.adevAcc.Feed(d.LastFrequency)
	d.TotalAdev = d.totalAdevAcc.Feed(d.LastFrequency)

	// enough samples to represent the adev period
	if d.tau > 0 && float64(d.adevAcc.Count)*d.tau > d.Config.AdevPeriod {
		d.Adev = d.adevAcc.Adev

		if d.Adev > 0 {
			if !d.adevValid {
				d.MinAdevTotal = d.Adev
				d.MaxAdevTotal = d.Adev
			}
			if d.Adev > d.MaxAdevTotal {
				d.MaxAdevTotal = d.Adev
			}
			if d.Adev < d.MinAdevTotal {
				d.MinAdevTotal = d.Adev
			}
		}

		if d.State == StateLocked {
			if d.Adev > d.MaxAdev {
				d.MaxAdev = d.Adev
			}
			if d.Adev < d.MinAdev {
				d.MinAdev = d.Adev
			}
		}

		switch {
		case d.State == StateStep || d.State == StateNegStep:
			// suspended: no adev driven transitions
		case d.Adev <= d.Config.StableAdev && (d.State == StateTracking || d.State == StateFreeRun):
			d.StoreFrequency()
			d.SetState(StateLocked)
		case d.Adev >= d.Config.UnstableAdev && d.State == StateLocked:
			d.SetState(StateTracking)
		}

		d.adevValid = true
		d.adevAcc.Reset()
	}

	if d.State == StateFreeRun {
		d.SetState(StateTracking)
	}

	if d.State == StateLocked && d.Servo.RunningMaxOutput {
		d.SetState(StateTracking)
	}

	if d.State == StateNegStep && !d.RefOffset.IsNegative() {
		d.LockedUp = false
		d.SetState(StateFreeRun)
	}

	d.Touch()
}

// DisciplineClock feeds one offset observation into the driver,
// stepping or slewing as policy dictates
func (d *Driver) DisciplineClock(offset ptptime.Time, tau float64) bool {
	if d.Config.Disabled {
		return false
	}

	d.RefOffset = offset
	d.RawOffset = offset
	d.tau = tau

	// locked up after a refused negative step: nothing is applied until
	// the operator unlocks the driver
	if d.State == StateNegStep {
		return false
	}

	// a zero offset would drag linked clocks around for nothing
	if offset.IsZero() {
		if v, err := d.hw.GetFrequency(); err == nil {
			d.LastFrequency = v
		}
		d.processUpdate()
		return true
	}

	if d.Config.ReadOnly {
		return false
	}

	// forced step on first update, regardless of magnitude
	if d.Config.StepType == StepStartupForce && !d.updated && !d.stepped && !d.LockedUp {
		return d.StepTime(offset, false)
	}

	if offset.Seconds != 0 {
		return d.handleLargeOffset(offset, tau)
	}

	if d.State == StateStep {
		// leaving panic mode early once inside the exit threshold
		if d.Config.StepExitThreshold != 0 && abs64ns(offset) > d.Config.StepExitThreshold {
			return false
		}
		log.Infof("clock %s offset below 1 second, resuming clock control", d.Name)
		d.SetState(StateFreeRun)
	}

	input := offset
	if !d.ExternalReference {
		if d.Config.OutlierFilter && stats.IsPeirceOutlier(d.madFilter, offset.Float(), d.Config.MadMax) {
			d.madFilter.Feed(offset.Float())
			return false
		}
		if d.madFilter != nil {
			d.madFilter.Feed(offset.Float())
		}
		if d.filter != nil {
			if !d.filter.Feed(offset.Float()) {
				return false
			}
			input = ptptime.FromFloat(d.filter.Output)
			d.RefOffset = input
		}
	}

	adj := d.Servo.Feed(input.Nanoseconds)
	return d.AdjustFrequency(adj, tau)
}

// handleLargeOffset deals with whole second offsets: panic mode, step
// policies and the no-step slew
func (d *Driver) handleLargeOffset(offset ptptime.Time, tau float64) bool {
	sign := 1
	if offset.IsNegative() {
		sign = -1
	}

	// step on first update
	if d.Config.StepType == StepStartup && !d.updated && !d.stepped && !d.LockedUp {
		return d.StepTime(offset, true)
	}

	if d.Config.StepType == StepNever {
		return d.slewAtMaxRate(sign, tau)
	}

	// panic mode: suspended, wait it out
	if d.State == StateStep {
		return false
	}

	// we refused to step backwards and the offset is still negative
	if sign == -1 && d.State == StateNegStep {
		return false
	}

	// going into panic mode, unless we were just cleared to resume
	if d.Config.StepTimeout > 0 && !d.canResume {
		log.Warningf("clock %s offset above 1 second (%s s), suspending clock control for %.0f seconds (panic mode)",
			d.Name, offset, d.Config.StepTimeout)
		d.SetState(StateStep)
		return false
	}

	if d.Config.NoStep {
		return d.slewAtMaxRate(sign, tau)
	}

	log.Warningf("clock %s offset above 1 second (%s s), attempting to step the clock", d.Name, offset)
	if d.StepTime(offset, false) {
		d.canResume = false
		d.RefOffset = ptptime.Time{}
		return true
	}
	return false
}

func (d *Driver) slewAtMaxRate(sign int, tau float64) bool {
	if d.warningLeft <= 0 {
		d.warningLeft = warningTimeout
		log.Warningf("clock %s offset above 1 second and cannot step clock, slewing at maximum rate (%d us/s)",
			d.Name, int(float64(sign)*d.Servo.MaxOutput)/1000)
	}
	d.Servo.Prime(float64(sign) * d.Servo.MaxOutput)
	d.canResume = false
	return d.AdjustFrequency(float64(sign)*d.Servo.MaxOutput, tau)
}

// Sync disciplines the driver against its internal reference clock
func (d *Driver) Sync(tau float64) bool {
	if d.Config.Disabled || d.ExternalReference {
		return false
	}
	ref := d.RefClock()
	if ref == nil {
		return false
	}
	delta, err := OffsetBetween(d.hw, ref.hw)
	if err != nil {
		log.Errorf("clock %s failed to compare with %s: %v", d.Name, ref.Name, err)
		return false
	}
	return d.DisciplineClock(delta, tau)
}

// SyncExternal disciplines the driver from an externally measured offset,
// the PTP port's offset from master
func (d *Driver) SyncExternal(offset ptptime.Time, tau float64) bool {
	if d.Config.Disabled || !d.ExternalReference {
		return false
	}
	return d.DisciplineClock(offset, tau)
}

// HealthCheck verifies the hardware still responds
func (d *Driver) HealthCheck() bool {
	return d.hw.HealthCheck()
}

// update advances the per-driver state machine by one registry pass
func (d *Driver) update() {
	if d.Config.Disabled {
		return
	}
	if d.warningLeft > 0 {
		d.warningLeft -= d.reg.updateInterval.Seconds()
	}

	d.age = d.reg.now().Sub(d.lastUpdate)
	ageSec := d.age.Seconds()

	switch d.State {
	case StateHWFault:
		if ageSec >= d.Config.FailureDelay {
			if d.HealthCheck() {
				d.SetState(StateFreeRun)
			} else {
				d.Touch()
			}
		}
	case StateInit:
	case StateStep:
		if ageSec >= d.Config.StepTimeout {
			log.Warningf("clock %s suspension delay timeout, resuming clock updates", d.Name)
			d.SetState(StateFreeRun)
			d.canResume = true
		}
	case StateNegStep:
	case StateFreeRun:
		if d.RefName == "" && !d.ExternalReference && d.reg.best != nil && d.reg.best != d {
			d.SetReference(d.reg.best)
		}
	case StateLocked:
		ref := d.RefClock()
		if ref == nil && !d.ExternalReference {
			d.SetState(StateHoldover)
			d.adevAcc.Reset()
			break
		}
		if ref != nil && ref.State != StateLocked && ref.State != StateHoldover {
			d.SetState(StateHoldover)
			d.adevAcc.Reset()
			d.SetReference(nil)
			break
		}
		if ageSec > d.Config.LockedAge {
			d.adevAcc.Reset()
			d.SetState(StateHoldover)
		}
	case StateTracking:
		if d.RefClock() == nil && !d.ExternalReference {
			d.adevAcc.Reset()
			d.SetState(StateFreeRun)
		}
	case StateHoldover:
		if ageSec > d.Config.HoldoverAge {
			d.SetState(StateFreeRun)
		}
	}
}

// StatusLine is the one line status output for the driver
func (d *Driver) StatusLine() string {
	marker := " "
	switch {
	case d.BestClock:
		marker = "*"
	case d.State <= StateInit:
		marker = "!"
	case d.Config.Excluded:
		marker = "-"
	}
	ref := d.RefName
	if ref == "" {
		ref = "none"
	}
	return fmt.Sprintf("%sname: %-12s state: %-9s ref: %-7s offs: %-13s adev: %-8.3f freq: %.03f",
		marker, d.Name, d.State, ref, d.RefOffset, d.Adev, d.LastFrequency)
}

func abs64ns(t ptptime.Time) int64 {
	a := t.Abs()
	return a.Seconds*1000000000 + a.Nanoseconds
}

// frequencyFromFile reads a stored frequency, decimal PPB
func frequencyFromFile(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing frequency file %q: %w", path, err)
	}
	return v, nil
}

// frequencyToFile stores a frequency as decimal PPB rounded to integer
func frequencyToFile(path string, frequency float64) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", int64(math.Round(frequency)))), 0644)
}

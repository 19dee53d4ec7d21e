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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opensync/ptpd/servo"
	"github.com/opensync/ptpd/stats"
)

// UpdateInterval is how often the registry walks its drivers
const UpdateInterval = time.Second

// Registry owns every clock driver in the process. Drivers address each
// other by name through it, and the best clock is recomputed here.
type Registry struct {
	now            func() time.Time
	drivers        []*Driver
	byName         map[string]*Driver
	best           *Driver
	updateInterval time.Duration
	electing       bool
}

// NewRegistry creates an empty driver registry with the given monotonic
// time source, or time.Now when nil
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:            now,
		byName:         map[string]*Driver{},
		updateInterval: UpdateInterval,
	}
}

// Create builds a driver around a hardware clock and registers it.
// Exactly one driver may be the system clock.
func (r *Registry) Create(hw Clock, name string, cfg Config, isSystemClock bool) (*Driver, error) {
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("clock driver %q already exists", name)
	}
	if isSystemClock {
		if sys := r.SystemClock(); sys != nil {
			return nil, fmt.Errorf("system clock driver already exists: %q", sys.Name)
		}
	}
	if err := hw.Init(); err != nil {
		return nil, fmt.Errorf("initializing clock %q: %w", name, err)
	}

	maxFreq := hw.MaxFrequency()
	d := &Driver{
		Name:          name,
		IsSystemClock: isSystemClock,
		Config:        cfg,
		State:         StateInit,
		RefClass:      RefClassNone,
		Distance:      orphanDistance,
		MaxFrequency:  maxFreq,
		InUse:         true,
		hw:            hw,
		reg:           r,
		lastUpdate:    r.now(),
	}
	d.Servo = servo.NewPIServo(cfg.ServoKP, cfg.ServoKI, maxFreq, r.now)
	if cfg.MadWindowSize > 1 {
		d.madFilter = stats.NewMovingStdDev(cfg.MadWindowSize)
	}
	if cfg.StatFilter {
		ftype, err := stats.FilterTypeFromString(cfg.Filter.Type)
		if err != nil {
			return nil, err
		}
		wtype := stats.WindowSliding
		if cfg.Filter.Interval {
			wtype = stats.WindowInterval
		}
		d.filter = stats.NewFilter(stats.FilterConfig{
			Type:       ftype,
			WindowSize: cfg.Filter.WindowSize,
			WindowType: wtype,
		})
	}

	r.drivers = append(r.drivers, d)
	r.byName[name] = d
	log.Infof("clock driver %s starting", name)
	d.SetState(StateFreeRun)
	return d, nil
}

// Get returns a driver by name, nil when absent
func (r *Registry) Get(name string) *Driver {
	return r.byName[name]
}

// Find returns the first driver whose hardware answers to the search
// string (a device path or interface name)
func (r *Registry) Find(search string) *Driver {
	for _, d := range r.drivers {
		if d.hw.IsThisMe(search) {
			return d
		}
	}
	return nil
}

// SystemClock returns the driver marked as the system clock
func (r *Registry) SystemClock() *Driver {
	for _, d := range r.drivers {
		if d.IsSystemClock {
			return d
		}
	}
	return nil
}

// All returns every registered driver
func (r *Registry) All() []*Driver {
	return r.drivers
}

// BestClock returns the currently elected best clock, nil when none
func (r *Registry) BestClock() *Driver {
	return r.best
}

// Update advances every driver's state machine and re-elects the best
// clock. Call once per UpdateInterval.
func (r *Registry) Update() {
	for _, d := range r.drivers {
		d.update()
	}
	r.findBestClock()
}

// SyncClocks disciplines every internally referenced driver against its
// reference. Locked clocks go first, in case they are about to unlock.
func (r *Registry) SyncClocks(tau float64) {
	for _, d := range r.drivers {
		if d.Config.Disabled || d.State != StateLocked {
			continue
		}
		d.Sync(tau)
	}
	for _, d := range r.drivers {
		if d.Config.Disabled || d.State == StateLocked || d.State == StateHWFault {
			continue
		}
		if d.ExternalReference || d.RefClock() == nil {
			continue
		}
		d.Sync(tau)
	}
}

// StepAll steps every driver to its last known offset, operator action
func (r *Registry) StepAll(force bool) {
	for _, d := range r.drivers {
		if d.Config.Disabled || d.State == StateHWFault {
			continue
		}
		if d != r.best && (d.RefClock() != nil || d.ExternalReference) {
			d.StepTime(d.RefOffset, force)
		}
	}
	if r.best != nil {
		r.best.StepTime(r.best.RefOffset, force)
	}
	r.findBestClock()
}

// UnlockAll clears NEGSTEP lockups on every driver, operator action
func (r *Registry) UnlockAll() {
	for _, d := range r.drivers {
		d.Unlock()
	}
}

// MarkAllNotInUse flags every non-required driver for the next Cleanup
func (r *Registry) MarkAllNotInUse() {
	for _, d := range r.drivers {
		if !d.Config.Required && !d.IsSystemClock {
			d.InUse = false
		}
	}
}

// Cleanup removes drivers no longer in use, detaching them as everyone
// else's reference first
func (r *Registry) Cleanup() {
	var keep []*Driver
	for _, d := range r.drivers {
		if d.InUse {
			keep = append(keep, d)
			continue
		}
		log.Infof("clock driver %s removed", d.Name)
		for _, other := range r.drivers {
			if other != d && !other.ExternalReference && other.RefName == d.Name {
				other.SetReference(nil)
			}
		}
		if r.best == d {
			r.best = nil
		}
		if err := d.hw.Shutdown(); err != nil {
			log.Errorf("clock driver %s shutdown: %v", d.Name, err)
		}
		delete(r.byName, d.Name)
	}
	r.drivers = keep
	r.findBestClock()
}

// Shutdown stops every driver
func (r *Registry) Shutdown() {
	for _, d := range r.drivers {
		if err := d.hw.Shutdown(); err != nil {
			log.Errorf("clock driver %s shutdown: %v", d.Name, err)
		}
	}
	r.drivers = nil
	r.byName = map[string]*Driver{}
	r.best = nil
}

// compareClockDriver picks the better of two drivers, nil when neither
// qualifies
func (r *Registry) compareClockDriver(a, b *Driver) *Driver {
	switch {
	case a.Config.Disabled && b.Config.Disabled:
		return nil
	case a.Config.Disabled:
		return b
	case b.Config.Disabled:
		return a
	}
	switch {
	case a.Config.Excluded && b.Config.Excluded:
		return nil
	case a.Config.Excluded:
		return b
	case b.Config.Excluded:
		return a
	}

	// better state wins, with one exception: a locked clock further from
	// the reference does not beat a closer holdover clock
	if a.State < b.State && b.State > StateFreeRun {
		if a.State == StateHoldover && b.State == StateLocked && a.Distance < b.Distance {
			return a
		}
		return b
	}
	if b.State < a.State && a.State > StateFreeRun {
		if b.State == StateHoldover && a.State == StateLocked && b.Distance < a.Distance {
			return b
		}
		return a
	}

	if a.State == b.State && (a.State == StateLocked || a.State == StateHoldover) {
		// external reference is better
		if a.ExternalReference != b.ExternalReference {
			if a.ExternalReference {
				return a
			}
			return b
		}
		// lower reference class is better
		if a.ExternalReference && b.ExternalReference {
			if a.RefClass < b.RefClass {
				return a
			}
			if b.RefClass < a.RefClass {
				return b
			}
		}
		// referencing the current best clock is better than not
		aRefsBest := a.RefClock() != nil && a.RefClock() == r.best
		bRefsBest := b.RefClock() != nil && b.RefClock() == r.best
		if aRefsBest != bRefsBest {
			if aRefsBest {
				return a
			}
			return b
		}
		// referencing the system clock is worse
		if a.RefClock() != nil && b.RefClock() != nil {
			if !a.RefClock().IsSystemClock && b.RefClock().IsSystemClock {
				return a
			}
			if a.RefClock().IsSystemClock && !b.RefClock().IsSystemClock {
				return b
			}
		}
		// tiebreaker 1: lower reference chain hop count
		if a.Distance != b.Distance {
			if a.Distance < b.Distance {
				return a
			}
			return b
		}
		// tiebreaker 2: the system clock loses
		if a.IsSystemClock != b.IsSystemClock {
			if b.IsSystemClock {
				return a
			}
			return b
		}
		// tiebreaker 3: lower Allan deviation
		if a.Adev > 0 && b.Adev > 0 && a.Adev != b.Adev {
			if a.Adev < b.Adev {
				return a
			}
			return b
		}
		// final tiebreaker: longer in state
		if a.age != b.age {
			if a.age > b.age {
				return a
			}
			return b
		}
	}
	return a
}

// findBestClock elects the best clock among LOCKED and HOLDOVER drivers
// and re-points everyone else at it
func (r *Registry) findBestClock() {
	// election mutates references which mutates states, guard against
	// re-entering through SetState
	if r.electing {
		return
	}
	r.electing = true
	defer func() { r.electing = false }()

	var newBest *Driver
	for _, d := range r.drivers {
		if d.Config.Disabled || d.Config.Excluded {
			continue
		}
		if d.State == StateLocked {
			newBest = d
			break
		}
	}
	if newBest == nil {
		for _, d := range r.drivers {
			if d.Config.Disabled || d.Config.Excluded {
				continue
			}
			if d.State == StateHoldover {
				newBest = d
				break
			}
		}
	}
	if newBest != nil {
		for _, d := range r.drivers {
			if d.Config.Disabled || d.Config.Excluded || d.State == StateHWFault {
				continue
			}
			if d != newBest {
				newBest = r.compareClockDriver(newBest, d)
			}
		}
	}

	if newBest == r.best {
		return
	}

	if newBest != nil {
		log.Infof("new best clock selected: %s", newBest.Name)
	} else {
		log.Infof("no best clock available")
	}

	if r.best != nil {
		r.best.BestClock = false
		// the old best is no longer a valid reference for anybody
		for _, d := range r.drivers {
			if d.Config.Disabled {
				continue
			}
			if !d.ExternalReference && d.RefClock() == r.best &&
				d.State != StateLocked && d.State != StateHoldover {
				d.SetReference(nil)
			}
		}
	}
	r.best = newBest
	if r.best != nil {
		r.best.BestClock = true
	}

	for _, d := range r.drivers {
		if d.Config.Disabled || d == r.best || d.ExternalReference {
			continue
		}
		d.SetReference(nil)
		if r.best != nil {
			d.SetReference(r.best)
		}
	}
}

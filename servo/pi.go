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
Package servo implements the two-term PI controller disciplining a clock
from offset measurements, plus the two small filters sitting in front of
it: the adaptive one-way-delay IIR filter and the offset-from-master FIR.
*/
package servo

import (
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"
)

// DtMethod selects how the integration step is measured
type DtMethod int

// Supported dt methods
const (
	// DtNone integrates with a fixed step of 1
	DtNone DtMethod = iota
	// DtConstant integrates with the configured interval
	DtConstant
	// DtMeasured integrates with the wall time since the last update
	DtMeasured
)

const minKGain = 1e-6

// minimum measured dt, guards against duplicate timestamps
const minDt = 1.0 / 1000

// PIServo is a proportional-integral controller. Feed it the offset in
// nanoseconds, apply the returned frequency adjustment in PPB.
type PIServo struct {
	KP        float64
	KI        float64
	MaxOutput float64
	DtMethod  DtMethod
	// DT is the nominal update interval in seconds, used by DtConstant
	// and as the cap base for DtMeasured
	DT float64
	// MaxdT caps a measured dt at MaxdT*DT update intervals
	MaxdT float64

	ObservedDrift    float64
	Input            int64
	Output           float64
	RunningMaxOutput bool

	lastUpdate time.Time
	now        func() time.Time

	stability stabilityDetector
}

// StabilityConfig tunes the servo stability detector
type StabilityConfig struct {
	// Threshold is the drift standard deviation (PPB) below which an
	// update counts as stable; 0 disables the detector
	Threshold float64
	// Period is the number of consecutive stable updates after which
	// the servo is declared stable
	Period int
	// Timeout is the number of updates without reaching Period after
	// which the servo is declared unstable
	Timeout int
}

type stabilityDetector struct {
	cfg         StabilityConfig
	driftStats  *welford.Stats
	stableCount int
	updateCount int
	isStable    bool
	everStable  bool
}

// NewPIServo creates a servo with the given gains and output clamp
func NewPIServo(kp, ki, maxOutput float64, now func() time.Time) *PIServo {
	if now == nil {
		now = time.Now
	}
	return &PIServo{
		KP:        kp,
		KI:        ki,
		MaxOutput: maxOutput,
		DtMethod:  DtMeasured,
		DT:        1.0,
		MaxdT:     5.0,
		now:       now,
		stability: stabilityDetector{driftStats: welford.New()},
	}
}

// SetStability configures the stability detector
func (s *PIServo) SetStability(cfg StabilityConfig) {
	s.stability.cfg = cfg
}

// Prime seeds the integrator with a known good frequency, clamped to the
// output limit, and makes it the current output
func (s *PIServo) Prime(frequency float64) {
	if frequency > s.MaxOutput {
		frequency = s.MaxOutput
	} else if frequency < -s.MaxOutput {
		frequency = -s.MaxOutput
	}
	s.ObservedDrift = frequency
	s.Output = frequency
}

// Reset clears the servo run state, preserving the integrator: the
// accumulated drift survives state transitions on purpose
func (s *PIServo) Reset() {
	s.Input = 0
	s.Output = 0
	s.lastUpdate = time.Time{}
}

func (s *PIServo) dt() float64 {
	switch s.DtMethod {
	case DtMeasured:
		now := s.now()
		defer func() { s.lastUpdate = now }()
		if s.lastUpdate.IsZero() {
			return s.DT
		}
		dt := now.Sub(s.lastUpdate).Seconds()
		if dt < minDt {
			dt = minDt
		}
		if dt > s.MaxdT*s.DT {
			dt = s.MaxdT * s.DT
		}
		return dt
	case DtConstant:
		return s.DT
	}
	return 1.0
}

// Feed runs one servo iteration on an offset sample in nanoseconds and
// returns the frequency adjustment in PPB. The polarity is flipped so a
// positive offset (we are ahead) slows the clock down.
func (s *PIServo) Feed(input int64) float64 {
	dt := s.dt()
	if dt <= 0 {
		dt = 1.0
	}

	s.Input = input

	if s.KP < minKGain {
		s.KP = minKGain
	}
	if s.KI < minKGain {
		s.KI = minKGain
	}

	s.ObservedDrift += dt * float64(input) * s.KI
	switch {
	case s.ObservedDrift >= s.MaxOutput:
		s.ObservedDrift = s.MaxOutput
		s.RunningMaxOutput = true
		s.stability.reset()
	case s.ObservedDrift <= -s.MaxOutput:
		s.ObservedDrift = -s.MaxOutput
		s.RunningMaxOutput = true
		s.stability.reset()
	default:
		s.RunningMaxOutput = false
	}

	s.Output = s.KP*float64(input) + s.ObservedDrift
	s.stability.feed(s.ObservedDrift)

	log.Debugf("servo dt: %.09f, input (ofm): %d, output (adj): %.09f, accumulator (observed drift): %.09f",
		dt, input, s.Output, s.ObservedDrift)

	return -s.Output
}

// IsStable reports whether the stability detector currently considers the
// servo stable
func (s *PIServo) IsStable() bool {
	return s.stability.isStable
}

// EverStable reports whether the servo reached stability at least once
func (s *PIServo) EverStable() bool {
	return s.stability.everStable
}

// DriftStdDev returns the standard deviation of the accumulated drift
// since the detector was last reset
func (s *PIServo) DriftStdDev() float64 {
	return s.stability.driftStats.Stddev()
}

func (d *stabilityDetector) feed(drift float64) {
	if d.cfg.Threshold == 0 {
		return
	}
	d.driftStats.Add(drift)
	d.updateCount++
	if d.driftStats.Stddev() <= d.cfg.Threshold {
		d.stableCount++
	} else {
		d.stableCount = 0
	}

	if d.stableCount >= d.cfg.Period {
		if !d.isStable {
			log.Infof("servo is now within stability threshold of %.03f PPB", d.cfg.Threshold)
		}
		d.isStable = true
		d.everStable = true
	} else if d.cfg.Timeout > 0 && d.updateCount >= d.cfg.Timeout {
		if d.isStable {
			log.Warningf("servo left stability threshold of %.03f PPB", d.cfg.Threshold)
		}
		d.isStable = false
		d.updateCount = 0
		d.driftStats = welford.New()
	}
}

func (d *stabilityDetector) reset() {
	d.stableCount = 0
	d.updateCount = 0
	d.isStable = false
	d.driftStats = welford.New()
}

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
	"github.com/opensync/ptpd/ptptime"
)

// Clock is the hardware capability set a clock driver steers. The two
// real implementations are the system clock and a PHC device; tests plug
// in fakes.
type Clock interface {
	// Init prepares the clock for use
	Init() error
	// Shutdown releases whatever Init acquired
	Shutdown() error
	// GetTime reads the current clock time
	GetTime() (ptptime.Time, error)
	// SetTime sets the clock to an absolute time
	SetTime(t ptptime.Time) error
	// StepTime jumps the clock by a delta
	StepTime(delta ptptime.Time) error
	// SetFrequency sets the frequency offset in PPB
	SetFrequency(ppb float64) error
	// GetFrequency reads the current frequency offset in PPB
	GetFrequency() (float64, error)
	// MaxFrequency is the largest |PPB| the clock accepts
	MaxFrequency() float64
	// HealthCheck verifies the clock still responds
	HealthCheck() bool
	// IsThisMe reports whether the search string (a device path, an
	// interface name) refers to this clock
	IsThisMe(search string) bool
}

// OffsetBetween measures the offset a - b by reading both clocks
// back to back
func OffsetBetween(a, b Clock) (ptptime.Time, error) {
	ta, err := a.GetTime()
	if err != nil {
		return ptptime.Time{}, err
	}
	tb, err := b.GetTime()
	if err != nil {
		return ptptime.Time{}, err
	}
	return ta.Sub(tb), nil
}

// Config is the per-driver configuration
type Config struct {
	// Disabled skips the clock from sync and selection entirely
	Disabled bool
	// Excluded keeps the clock out of best clock selection
	Excluded bool
	// ReadOnly observes the clock but never adjusts it
	ReadOnly bool
	// ExternalOnly means the clock only accepts an external reference
	ExternalOnly bool
	// InternalOnly means the clock only accepts an internal reference
	InternalOnly bool
	// Required means the clock cannot be removed on cleanup
	Required bool
	// NoStep forbids stepping; large offsets slew at maximum rate
	NoStep bool
	// NegativeStep allows stepping the clock backwards
	NegativeStep bool
	// StepType is the reaction to a 1 s+ offset
	StepType StepType
	// StepTimeout is the panic mode suspension period, seconds
	StepTimeout float64
	// StepExitThreshold allows leaving panic mode early once a sub-second
	// offset is at or below this many nanoseconds; with 0 any sub-second
	// offset ends panic mode
	StepExitThreshold int64
	// StoreToFile persists a good frequency estimate to FrequencyDir
	StoreToFile bool
	// FrequencyDir is where frequency files live
	FrequencyDir string
	// AdevPeriod is the Allan deviation measurement period, seconds
	AdevPeriod float64
	// StableAdev is the deviation at or below which the clock is LOCKED
	StableAdev float64
	// UnstableAdev is the deviation at or above which a LOCKED clock
	// falls back to TRACKING
	UnstableAdev float64
	// LockedAge is the maximum time without updates in LOCKED, seconds
	LockedAge float64
	// HoldoverAge is the maximum time in HOLDOVER, seconds
	HoldoverAge float64
	// FailureDelay is the HWFAULT recovery countdown, seconds
	FailureDelay float64
	// OutlierFilter enables the deviation based outlier filter
	OutlierFilter bool
	// MadMax scales the outlier cutoff, the windowed deviation times
	// Peirce's criterion
	MadMax float64
	// MadWindowSize is the outlier filter window
	MadWindowSize int
	// StatFilter enables the configurable offset filter
	StatFilter bool
	// Filter configures the offset filter
	Filter struct {
		Type       string `yaml:"type"`
		WindowSize int    `yaml:"window_size"`
		Interval   bool   `yaml:"interval"`
	}
	// ServoKP and ServoKI are the PI servo gains
	ServoKP float64
	ServoKI float64
}

// DefaultConfig returns the config a driver starts from
func DefaultConfig() Config {
	c := Config{
		NegativeStep:  false,
		StepType:      StepAlways,
		StepTimeout:   600,
		AdevPeriod:    10,
		StableAdev:    200,
		UnstableAdev:  2000,
		LockedAge:     10,
		HoldoverAge:   300,
		FailureDelay:  300,
		MadMax:        10,
		MadWindowSize: 10,
		ServoKP:       0.1,
		ServoKI:       0.001,
	}
	return c
}

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
	"time"

	"golang.org/x/sys/unix"

	"github.com/opensync/ptpd/clock"
	"github.com/opensync/ptpd/ptptime"
)

// SystemClockName is the conventional driver name of the system clock
const SystemClockName = "syst"

// SystemClock steers CLOCK_REALTIME. Large slews are applied as a
// tick+frequency combination since the kernel frequency range alone
// stops at 512 ppm.
type SystemClock struct {
	maxFreq float64
}

// NewSystemClock creates the system clock hardware accessor
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// Init reads the kernel reported adjustment range
func (c *SystemClock) Init() error {
	maxFreq, err := clock.MaxFreqPPB(unix.CLOCK_REALTIME)
	if err != nil {
		return err
	}
	c.maxFreq = maxFreq
	return nil
}

// Shutdown is a no-op for the system clock
func (c *SystemClock) Shutdown() error {
	return nil
}

// GetTime reads CLOCK_REALTIME
func (c *SystemClock) GetTime() (ptptime.Time, error) {
	t, err := clock.GetTime(unix.CLOCK_REALTIME)
	if err != nil {
		return ptptime.Time{}, err
	}
	return ptptime.FromTime(t), nil
}

// SetTime sets CLOCK_REALTIME to an absolute time
func (c *SystemClock) SetTime(t ptptime.Time) error {
	return clock.SetTime(unix.CLOCK_REALTIME, t.Time())
}

// StepTime jumps CLOCK_REALTIME by a delta
func (c *SystemClock) StepTime(delta ptptime.Time) error {
	return clock.Step(unix.CLOCK_REALTIME, delta.Duration())
}

// SetFrequency applies a frequency adjustment, moving whole ticks when
// the slew is outside the kernel frequency range
func (c *SystemClock) SetFrequency(ppb float64) error {
	return clock.AdjFreqTickPPB(unix.CLOCK_REALTIME, ppb)
}

// GetFrequency reads the current frequency adjustment
func (c *SystemClock) GetFrequency() (float64, error) {
	return clock.FrequencyPPB(unix.CLOCK_REALTIME)
}

// MaxFrequency is the kernel reported adjustment range
func (c *SystemClock) MaxFrequency() float64 {
	if c.maxFreq == 0 {
		return clock.MaxFreqAdjPPB
	}
	return c.maxFreq
}

// HealthCheck verifies the clock can be read
func (c *SystemClock) HealthCheck() bool {
	_, err := c.GetTime()
	return err == nil
}

// IsThisMe matches the conventional system clock names
func (c *SystemClock) IsThisMe(search string) bool {
	return search == SystemClockName || search == "system" || search == "CLOCK_REALTIME"
}

// MonotonicNow reads CLOCK_MONOTONIC, the time source for ages and timer
// deadlines. Not affected by anything this daemon does to the clocks it
// disciplines.
func MonotonicNow() time.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now()
	}
	return time.Unix(ts.Unix())
}

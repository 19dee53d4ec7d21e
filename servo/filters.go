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

package servo

import (
	"math"

	"github.com/opensync/ptpd/ptptime"
)

// DelayFilter is the adaptive IIR filter smoothing one-way delay samples.
// Stiffness ramps up to 2^s as samples arrive and backs off when the
// accumulated value would overflow into the sign bit.
type DelayFilter struct {
	// S is the log2 of the maximum stiffness
	S uint

	y        int64
	nsecPrev int64
	sExp     int64
}

// NewDelayFilter creates a delay filter with the given log2 stiffness
func NewDelayFilter(s uint) *DelayFilter {
	if s > 16 {
		s = 16
	}
	return &DelayFilter{S: s}
}

// Reset clears the filter state. Call when the current state is invalid,
// e.g. after a delay of a second or more was observed.
func (f *DelayFilter) Reset() {
	f.y = 0
	f.nsecPrev = 0
	f.sExp = 0
}

// Feed filters a one-way delay sample in nanoseconds
func (f *DelayFilter) Feed(sample int64) int64 {
	s := f.S

	// avoid overflowing the accumulator into the sign bit
	for s > 0 && abs64(f.y)>>(31-s) != 0 {
		s--
	}

	if f.sExp < 1 {
		f.sExp = 1
	} else if f.sExp < 1<<s {
		f.sExp++
	} else if f.sExp > 1<<s {
		f.sExp = 1 << s
	}

	fy := float64(f.sExp-1)*float64(f.y)/float64(f.sExp) +
		(float64(sample)/2.0+float64(f.nsecPrev)/2.0)/float64(f.sExp)

	f.nsecPrev = sample
	f.y = int64(math.Round(fy))
	return f.y
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// OffsetFilter is the two-sample FIR smoothing the offset from master
type OffsetFilter struct {
	nsecPrev int64
	seeded   bool
}

// Feed filters an offset sample in nanoseconds
func (f *OffsetFilter) Feed(sample int64) int64 {
	if !f.seeded {
		f.nsecPrev = sample
		f.seeded = true
		return sample
	}
	y := (sample + f.nsecPrev) / 2
	f.nsecPrev = sample
	return y
}

// Reset clears the filter state
func (f *OffsetFilter) Reset() {
	f.nsecPrev = 0
	f.seeded = false
}

// FilterOffset runs the offset through the FIR unless it carries a whole
// seconds component, which bypasses the filter so step detection sees the
// raw value. The bool result reports whether the filter was bypassed.
func (f *OffsetFilter) FilterOffset(offset ptptime.Time) (ptptime.Time, bool) {
	if offset.Seconds != 0 {
		return offset, true
	}
	return ptptime.Time{Seconds: 0, Nanoseconds: f.Feed(offset.Nanoseconds)}.Normalize(), false
}

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
Package ptptime implements the fixed-point internal time representation used
throughout the daemon. Unlike time.Duration it survives sums of absolute
timestamps far outside the int64 nanosecond range, and unlike time.Time it
can be negative, which offsets from a reference clock routinely are.
*/
package ptptime

import (
	"fmt"
	"time"
)

const nsPerSecond = 1000000000

// Time is a signed second/nanosecond pair. A normalized value has both
// fields sharing sign and |Nanoseconds| < 1e9; all arithmetic methods
// return normalized values.
type Time struct {
	Seconds     int64
	Nanoseconds int64
}

// Normalize carries whole seconds out of the nanosecond field and makes
// both fields share sign.
func (t Time) Normalize() Time {
	t.Seconds += t.Nanoseconds / nsPerSecond
	t.Nanoseconds %= nsPerSecond

	if t.Seconds > 0 && t.Nanoseconds < 0 {
		t.Seconds--
		t.Nanoseconds += nsPerSecond
	} else if t.Seconds < 0 && t.Nanoseconds > 0 {
		t.Seconds++
		t.Nanoseconds -= nsPerSecond
	}
	return t
}

// Add returns t + u
func (t Time) Add(u Time) Time {
	return Time{t.Seconds + u.Seconds, t.Nanoseconds + u.Nanoseconds}.Normalize()
}

// Sub returns t - u
func (t Time) Sub(u Time) Time {
	return Time{t.Seconds - u.Seconds, t.Nanoseconds - u.Nanoseconds}.Normalize()
}

// Negate returns -t
func (t Time) Negate() Time {
	return Time{-t.Seconds, -t.Nanoseconds}
}

// Abs returns |t|
func (t Time) Abs() Time {
	if t.IsNegative() {
		return t.Negate()
	}
	return t
}

// Halve returns t / 2
func (t Time) Halve() Time {
	ns := t.Seconds*nsPerSecond + t.Nanoseconds
	return Time{0, ns / 2}.Normalize()
}

// IsZero reports whether both fields are zero
func (t Time) IsZero() bool {
	return t.Seconds == 0 && t.Nanoseconds == 0
}

// IsNegative reports whether t is below zero
func (t Time) IsNegative() bool {
	return t.Seconds < 0 || t.Nanoseconds < 0
}

// Cmp returns -1 if t < u, 0 if equal, +1 if t > u
func (t Time) Cmp(u Time) int {
	d := t.Sub(u)
	switch {
	case d.IsZero():
		return 0
	case d.IsNegative():
		return -1
	}
	return 1
}

// Float returns t as floating point seconds
func (t Time) Float() float64 {
	return float64(t.Seconds) + float64(t.Nanoseconds)/nsPerSecond
}

// FromFloat builds a Time from floating point seconds
func FromFloat(s float64) Time {
	sec := int64(s)
	ns := int64((s - float64(sec)) * nsPerSecond)
	return Time{sec, ns}.Normalize()
}

// Duration converts t to time.Duration, saturating far outside the
// representable range is the caller's problem: offsets this large mean
// the clock is getting stepped anyway.
func (t Time) Duration() time.Duration {
	return time.Duration(t.Seconds)*time.Second + time.Duration(t.Nanoseconds)
}

// FromDuration builds a Time from time.Duration
func FromDuration(d time.Duration) Time {
	return Time{0, int64(d)}.Normalize()
}

// FromTime builds a Time from an absolute time.Time
func FromTime(t time.Time) Time {
	return Time{t.Unix(), int64(t.Nanosecond())}.Normalize()
}

// Time converts t to an absolute time.Time
func (t Time) Time() time.Time {
	return time.Unix(t.Seconds, t.Nanoseconds)
}

func (t Time) String() string {
	n := t.Normalize()
	sign := ""
	if n.IsNegative() {
		sign = "-"
		n = n.Abs()
	}
	return fmt.Sprintf("%s%d.%09d", sign, n.Seconds, n.Nanoseconds)
}

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
Package clock wraps the clock_adjtime(2) interface for both the system
clock and PHC clock ids: reading and setting frequency, stepping, and the
tick+frequency combination used to slew the system clock harder than the
kernel frequency range allows.
*/
package clock

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PPBToTimexPPM converts PPB to the timex scaled PPM unit.
// man clock_adjtime(2): freq is ppm with a 16-bit fractional part,
// so 2^16=65536 is 1 ppm, which is 1000 ppb.
const PPBToTimexPPM = 65.536

// MaxFreqAdjPPB is the portable kernel frequency adjustment range,
// +/-512 ppm. Larger slews need tick adjustment on top.
const MaxFreqAdjPPB = 512000.0

// userHZ is the kernel USER_HZ the tick value is based on. Stock Linux
// has used 100 for user-visible tick accounting since 2.6.
const userHZ = 100

// clock_adjtime modes from usr/include/linux/timex.h
const (
	// AdjOffset adds 'time' to the current time
	AdjOffset uint32 = 0x0001
	// AdjFrequency sets the frequency offset
	AdjFrequency uint32 = 0x0002
	// AdjMaxError sets the maximum time error
	AdjMaxError uint32 = 0x0004
	// AdjStatus sets the clock status bits
	AdjStatus uint32 = 0x0010
	// AdjSetOffset steps the clock by 'time'
	AdjSetOffset uint32 = 0x0100
	// AdjNano selects nanosecond resolution
	AdjNano uint32 = 0x2000
	// AdjTick sets the tick value
	AdjTick uint32 = 0x4000
)

// Adjtime issues the CLOCK_ADJTIME syscall to either adjust the
// parameters of the given clock, or read them if buf is empty.
func Adjtime(clockid int32, buf *unix.Timex) (state int, err error) {
	r0, _, errno := unix.Syscall(unix.SYS_CLOCK_ADJTIME, uintptr(clockid), uintptr(unsafe.Pointer(buf)), 0)
	state = int(r0)
	if errno != 0 {
		err = errno
	}
	return state, err
}

// FrequencyPPB reads the clock frequency in PPB
func FrequencyPPB(clockid int32) (freqPPB float64, err error) {
	tx := &unix.Timex{}
	_, err = Adjtime(clockid, tx)
	return float64(tx.Freq) / PPBToTimexPPM, err
}

// AdjFreqPPB adjusts the clock frequency in PPB
func AdjFreqPPB(clockid int32, freqPPB float64) error {
	tx := &unix.Timex{}
	tx.Freq = int64(freqPPB * PPBToTimexPPM)
	tx.Modes = AdjFrequency
	state, err := Adjtime(clockid, tx)
	if err == nil && state != unix.TIME_OK {
		return fmt.Errorf("clock state %d is not TIME_OK after frequency adjustment", state)
	}
	return err
}

// AdjFreqTickPPB adjusts the system clock frequency, moving whole ticks
// when the requested slew is outside the +/-512 ppm frequency range. One
// tick is 1/userHZ s, so moving the tick value by 1 us shifts frequency
// by userHZ*1000 PPB. The residual stays in the freq field, total output
// matches the request.
func AdjFreqTickPPB(clockid int32, freqPPB float64) error {
	var tickAdj int64
	// offset caused by changing the tick value by 1
	const tickRes = userHZ * 1000

	adj := freqPPB
	for adj > MaxFreqAdjPPB {
		tickAdj++
		adj -= tickRes
	}
	for adj < -MaxFreqAdjPPB {
		tickAdj--
		adj += tickRes
	}

	tx := &unix.Timex{}
	tx.Tick = 1e6/userHZ + tickAdj
	tx.Freq = int64(adj * PPBToTimexPPM)
	tx.Modes = AdjTick | AdjFrequency
	state, err := Adjtime(clockid, tx)
	if err == nil && state != unix.TIME_OK {
		return fmt.Errorf("clock state %d is not TIME_OK after tick adjustment", state)
	}
	return err
}

// SplitTickFreq returns the tick and residual frequency that
// AdjFreqTickPPB would apply for the given slew
func SplitTickFreq(freqPPB float64) (tick int64, residualPPB float64) {
	var tickAdj int64
	const tickRes = userHZ * 1000
	adj := freqPPB
	for adj > MaxFreqAdjPPB {
		tickAdj++
		adj -= tickRes
	}
	for adj < -MaxFreqAdjPPB {
		tickAdj--
		adj += tickRes
	}
	return 1e6/userHZ + tickAdj, adj
}

// Step steps the clock by the given offset
func Step(clockid int32, step time.Duration) error {
	tx := &unix.Timex{}
	tx.Modes = AdjSetOffset | AdjNano
	tx.Time.Sec = int64(step / time.Second)
	tx.Time.Usec = int64(step % time.Second)
	// the kernel wants the nanosecond field non-negative
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += 1000000000
	}
	state, err := Adjtime(clockid, tx)
	if err == nil && state != unix.TIME_OK {
		return fmt.Errorf("clock state %d is not TIME_OK after step", state)
	}
	return err
}

// GetTime reads the current time of the clock
func GetTime(clockid int32) (time.Time, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockid, &ts); err != nil {
		return time.Time{}, fmt.Errorf("failed clock_gettime: %w", err)
	}
	return time.Unix(ts.Unix()), nil
}

// SetTime sets the clock to the given absolute time
func SetTime(clockid int32, t time.Time) error {
	ts := unix.NsecToTimespec(t.UnixNano())
	if err := unix.ClockSettime(clockid, &ts); err != nil {
		return fmt.Errorf("failed clock_settime: %w", err)
	}
	return nil
}

// MaxFreqPPB returns the maximum frequency adjustment the clock reports
// supporting, with the conventional 500 ppm fallback when it reports none
func MaxFreqPPB(clockid int32) (freqPPB float64, err error) {
	tx := &unix.Timex{}
	if _, err = Adjtime(clockid, tx); err != nil {
		return 0.0, err
	}
	freqPPB = float64(tx.Tolerance) / PPBToTimexPPM
	if freqPPB == 0 {
		freqPPB = 500000
	}
	return freqPPB, nil
}

// SetSync marks the system clock as synchronized, clearing the unsync
// status and the max error estimate
func SetSync() error {
	tx := &unix.Timex{}
	tx.Modes = AdjStatus | AdjMaxError
	state, err := Adjtime(unix.CLOCK_REALTIME, tx)
	if err == nil && state != unix.TIME_OK {
		return fmt.Errorf("clock state %d is not TIME_OK after setting sync state", state)
	}
	return err
}

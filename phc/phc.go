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
Package phc gives access to a NIC hardware clock exposed as a /dev/ptpN
character device: reading time, adjusting frequency, stepping, and the
capability query for the supported adjustment range.
*/
package phc

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/vtolstov/go-ioctl"
	"golang.org/x/sys/unix"

	"github.com/opensync/ptpd/clock"
)

// DefaultMaxClockFreqPPB is used when the device does not report its own
// adjustment range. Value comes from the linuxptp project (clockadj.c).
const DefaultMaxClockFreqPPB = 500000.0

// ptpClkMagic is the PTP clock ioctl magic from linux/ptp_clock.h
const ptpClkMagic = '='

// ClockCaps is struct ptp_clock_caps from linux/ptp_clock.h
type ClockCaps struct {
	MaxAdj            int32
	NAlarm            int32
	NExtTS            int32
	NPerOut           int32
	PPS               int32
	NPins             int32
	CrossTimestamping int32
	AdjustPhase       int32
	MaxPhaseAdj       int32
	Rsv               [11]int32
}

var ioctlClockGetcaps = ioctl.IOR(ptpClkMagic, 1, unsafe.Sizeof(ClockCaps{}))

// IfaceToPHCDevice returns the path of the PHC device associated with the
// given network interface
func IfaceToPHCDevice(iface string) (string, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return "", fmt.Errorf("opening socket for ethtool: %w", err)
	}
	defer unix.Close(fd)

	info, err := unix.IoctlGetEthtoolTsInfo(fd, iface)
	if err != nil {
		return "", fmt.Errorf("getting timestamping info of %s: %w", iface, err)
	}
	if info.Phc_index < 0 {
		return "", fmt.Errorf("interface %s doesn't support PHC", iface)
	}
	return fmt.Sprintf("/dev/ptp%d", info.Phc_index), nil
}

// Device represents an open PHC device
type Device os.File

// Open opens a PHC device by path, read-write: frequency adjustments
// need it even for reads
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening PHC device %q: %w", path, err)
	}
	return FromFile(f), nil
}

// FromFile returns a *Device corresponding to an *os.File
func FromFile(file *os.File) *Device { return (*Device)(file) }

// File returns the underlying *os.File
func (dev *Device) File() *os.File { return (*os.File)(dev) }

// Fd returns the underlying file descriptor
func (dev *Device) Fd() uintptr { return dev.File().Fd() }

// ClockID derives the clock id from the file descriptor number,
// see the FD_TO_CLOCKID macro in clock_gettime(3)
func (dev *Device) ClockID() int32 { return int32((int(^dev.Fd()) << 3) | 3) }

// Close closes the underlying device file
func (dev *Device) Close() error { return dev.File().Close() }

func (dev *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, dev.Fd(), req, uintptr(arg))
	if errno != 0 {
		return fmt.Errorf("errno %w during ioctl %d on %s", errno, req, dev.File().Name())
	}
	return nil
}

// Caps reads the device capabilities
func (dev *Device) Caps() (*ClockCaps, error) {
	caps := &ClockCaps{}
	if err := dev.ioctl(ioctlClockGetcaps, unsafe.Pointer(caps)); err != nil {
		return nil, fmt.Errorf("PTP_CLOCK_GETCAPS: %w", err)
	}
	return caps, nil
}

// MaxFreqAdjPPB reads the maximum frequency adjustment the device
// supports, in PPB
func (dev *Device) MaxFreqAdjPPB() (float64, error) {
	caps, err := dev.Caps()
	if err != nil {
		return 0, err
	}
	if caps.MaxAdj == 0 {
		return DefaultMaxClockFreqPPB, nil
	}
	return float64(caps.MaxAdj), nil
}

// Time reads the current time of the device clock
func (dev *Device) Time() (time.Time, error) {
	return clock.GetTime(dev.ClockID())
}

// SetTime sets the device clock to the given time
func (dev *Device) SetTime(t time.Time) error {
	return clock.SetTime(dev.ClockID(), t)
}

// FreqPPB reads the device frequency in PPB
func (dev *Device) FreqPPB() (float64, error) {
	return clock.FrequencyPPB(dev.ClockID())
}

// AdjFreqPPB adjusts the device clock frequency in PPB
func (dev *Device) AdjFreqPPB(freqPPB float64) error {
	return clock.AdjFreqPPB(dev.ClockID(), freqPPB)
}

// Step steps the device clock by the given offset
func (dev *Device) Step(step time.Duration) error {
	return clock.Step(dev.ClockID(), step)
}

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

	"github.com/opensync/ptpd/phc"
	"github.com/opensync/ptpd/ptptime"
)

// PHCClock steers a NIC hardware clock through its /dev/ptpN device.
// The open file descriptor is held for the driver's lifetime; the device
// is serialized per process by it.
type PHCClock struct {
	// Iface is the network interface the PHC belongs to, may be empty
	// when the device path was given directly
	Iface string
	// Path is the character device path
	Path string

	dev     *phc.Device
	maxFreq float64
}

// NewPHCClock creates a PHC accessor from an interface name
func NewPHCClock(iface string) *PHCClock {
	return &PHCClock{Iface: iface}
}

// NewPHCClockFromDevice creates a PHC accessor from a device path
func NewPHCClockFromDevice(path string) *PHCClock {
	return &PHCClock{Path: path}
}

// Init resolves and opens the device and reads its adjustment range
func (c *PHCClock) Init() error {
	if c.Path == "" {
		path, err := phc.IfaceToPHCDevice(c.Iface)
		if err != nil {
			return err
		}
		c.Path = path
	}
	dev, err := phc.Open(c.Path)
	if err != nil {
		return err
	}
	c.dev = dev
	maxFreq, err := dev.MaxFreqAdjPPB()
	if err != nil {
		c.maxFreq = phc.DefaultMaxClockFreqPPB
	} else {
		c.maxFreq = maxFreq
	}
	return nil
}

// Shutdown closes the device
func (c *PHCClock) Shutdown() error {
	if c.dev == nil {
		return nil
	}
	err := c.dev.Close()
	c.dev = nil
	return err
}

func (c *PHCClock) device() (*phc.Device, error) {
	if c.dev == nil {
		return nil, fmt.Errorf("PHC device %q is not open", c.Path)
	}
	return c.dev, nil
}

// GetTime reads the PHC time
func (c *PHCClock) GetTime() (ptptime.Time, error) {
	dev, err := c.device()
	if err != nil {
		return ptptime.Time{}, err
	}
	t, err := dev.Time()
	if err != nil {
		return ptptime.Time{}, err
	}
	return ptptime.FromTime(t), nil
}

// SetTime sets the PHC to an absolute time
func (c *PHCClock) SetTime(t ptptime.Time) error {
	dev, err := c.device()
	if err != nil {
		return err
	}
	return dev.SetTime(t.Time())
}

// StepTime jumps the PHC by a delta
func (c *PHCClock) StepTime(delta ptptime.Time) error {
	dev, err := c.device()
	if err != nil {
		return err
	}
	return dev.Step(delta.Duration())
}

// SetFrequency applies a frequency adjustment in PPB
func (c *PHCClock) SetFrequency(ppb float64) error {
	dev, err := c.device()
	if err != nil {
		return err
	}
	return dev.AdjFreqPPB(ppb)
}

// GetFrequency reads the current frequency adjustment
func (c *PHCClock) GetFrequency() (float64, error) {
	dev, err := c.device()
	if err != nil {
		return 0, err
	}
	return dev.FreqPPB()
}

// MaxFrequency is the device reported adjustment range
func (c *PHCClock) MaxFrequency() float64 {
	if c.maxFreq == 0 {
		return phc.DefaultMaxClockFreqPPB
	}
	return c.maxFreq
}

// HealthCheck verifies the device still answers
func (c *PHCClock) HealthCheck() bool {
	_, err := c.GetTime()
	return err == nil
}

// IsThisMe matches the device path or the owning interface name
func (c *PHCClock) IsThisMe(search string) bool {
	return search == c.Path || (c.Iface != "" && search == c.Iface)
}

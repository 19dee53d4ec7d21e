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

package stats

import (
	"fmt"
	"math"
)

// FilterType selects the windowed statistic produced by a Filter
type FilterType int

// Supported filter types
const (
	FilterNone FilterType = iota
	FilterMean
	FilterMedian
	FilterMin
	FilterMax
	FilterAbsMin
	FilterAbsMax
)

var filterTypeToString = map[FilterType]string{
	FilterNone:   "none",
	FilterMean:   "mean",
	FilterMedian: "median",
	FilterMin:    "min",
	FilterMax:    "max",
	FilterAbsMin: "absmin",
	FilterAbsMax: "absmax",
}

func (t FilterType) String() string {
	return filterTypeToString[t]
}

// FilterTypeFromString parses a filter type name
func FilterTypeFromString(value string) (FilterType, error) {
	for k, v := range filterTypeToString {
		if v == value {
			return k, nil
		}
	}
	return FilterNone, fmt.Errorf("unknown filter type %q", value)
}

// WindowType controls when a Filter emits output
type WindowType int

// Window types
const (
	// WindowSliding emits an output for every sample
	WindowSliding WindowType = iota
	// WindowInterval emits an output once per full window
	WindowInterval
)

// FilterConfig describes a Filter
type FilterConfig struct {
	Type       FilterType `yaml:"type"`
	WindowSize int        `yaml:"window_size"`
	WindowType WindowType `yaml:"window_type"`
}

// Filter condenses a stream of samples into a windowed statistic.
// With WindowInterval only every WindowSize-th sample produces output.
type Filter struct {
	cfg     FilterConfig
	window  *MovingStdDev
	counter int
	Output  float64
}

// NewFilter creates a filter from config. A window below 2 samples forces
// sliding mode, interval windowing makes no sense there.
func NewFilter(cfg FilterConfig) *Filter {
	if cfg.WindowSize < 2 {
		cfg.WindowType = WindowSliding
	}
	return &Filter{
		cfg:    cfg,
		window: NewMovingStdDev(cfg.WindowSize),
	}
}

// Feed adds a sample. The bool result tells the caller whether Output was
// updated on this sample.
func (f *Filter) Feed(sample float64) bool {
	if f.cfg.Type == FilterNone {
		f.Output = sample
		return true
	}

	f.window.Feed(sample)
	f.counter = (f.counter + 1) % f.cfg.WindowSize

	switch f.cfg.Type {
	case FilterMean:
		f.Output = f.window.Mean()
	case FilterMedian:
		f.Output = f.window.Median()
	case FilterMin:
		f.Output = f.pick(func(best, v float64) bool { return v < best })
	case FilterMax:
		f.Output = f.pick(func(best, v float64) bool { return v > best })
	case FilterAbsMin:
		f.Output = f.pick(func(best, v float64) bool { return math.Abs(v) < math.Abs(best) })
	case FilterAbsMax:
		f.Output = f.pick(func(best, v float64) bool { return math.Abs(v) > math.Abs(best) })
	}

	if f.cfg.WindowType == WindowInterval && f.counter != 0 {
		return false
	}
	return true
}

func (f *Filter) pick(better func(best, v float64) bool) float64 {
	w := f.window.MeanContainer.window()
	if len(w) == 0 {
		return 0
	}
	best := w[0]
	for _, v := range w[1:] {
		if better(best, v) {
			best = v
		}
	}
	return best
}

// Reset empties the filter window
func (f *Filter) Reset() {
	f.window.Reset()
	f.counter = 0
	f.Output = 0
}

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

package daemon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlarmLifecycle(t *testing.T) {
	s := NewAlarmSet(3, true)
	var fired, cleared int
	s.AddHandler(AlarmNoSync, func(a *AlarmEntry, c bool) {
		if c {
			cleared++
		} else {
			fired++
		}
	})

	s.SetCondition(AlarmNoSync, true, AlarmEventData{})
	s.Update()
	require.Equal(t, AlarmSet, s.Get(AlarmNoSync).State)
	require.Equal(t, 1, fired)

	// condition still true: no repeated notification
	s.Update()
	s.Update()
	require.Equal(t, 1, fired)

	// condition clears: CLEARED, debouncing
	s.SetCondition(AlarmNoSync, false, AlarmEventData{})
	s.Update()
	require.Equal(t, AlarmCleared, s.Get(AlarmNoSync).State)
	require.Equal(t, 0, cleared)

	// stays CLEARED until minAge passes
	s.Update()
	s.Update()
	require.Equal(t, AlarmCleared, s.Get(AlarmNoSync).State)

	s.Update()
	require.Equal(t, AlarmUnset, s.Get(AlarmNoSync).State)
	require.Equal(t, 1, cleared)
}

func TestAlarmFlappingDebounce(t *testing.T) {
	s := NewAlarmSet(5, true)
	var fired int
	s.AddHandler(AlarmNoSync, func(a *AlarmEntry, c bool) {
		if !c {
			fired++
		}
	})

	s.SetCondition(AlarmNoSync, true, AlarmEventData{})
	s.Update()
	s.SetCondition(AlarmNoSync, false, AlarmEventData{})
	s.Update()
	// flap back on while CLEARED: re-arms without a second notification
	s.SetCondition(AlarmNoSync, true, AlarmEventData{})
	s.Update()
	require.Equal(t, AlarmSet, s.Get(AlarmNoSync).State)
	require.Equal(t, 1, fired)
}

func TestEventOnlyAlarm(t *testing.T) {
	s := NewAlarmSet(3, true)
	var fired int
	s.AddHandler(AlarmClockStep, func(a *AlarmEntry, c bool) { fired++ })

	s.SetCondition(AlarmClockStep, true, AlarmEventData{})
	s.Update()
	require.Equal(t, 1, fired)
	// the condition was consumed, no repeat without a new event
	s.Update()
	require.Equal(t, 1, fired)
	require.Equal(t, AlarmUnset, s.Get(AlarmClockStep).State)

	s.SetCondition(AlarmClockStep, true, AlarmEventData{})
	s.Update()
	require.Equal(t, 2, fired)
}

func TestAlarmNoOpTransitionIgnored(t *testing.T) {
	s := NewAlarmSet(3, true)
	s.SetCondition(AlarmNoSync, true, AlarmEventData{})
	s.Update()
	age := s.Get(AlarmNoSync).Age
	// setting the same condition again must not reset the age
	s.SetCondition(AlarmNoSync, true, AlarmEventData{})
	require.Equal(t, age, s.Get(AlarmNoSync).Age)
}

func TestAlarmDisabled(t *testing.T) {
	s := NewAlarmSet(3, false)
	s.SetCondition(AlarmNoSync, true, AlarmEventData{})
	s.Update()
	require.Equal(t, AlarmUnset, s.Get(AlarmNoSync).State)
}

func TestAlarmSummary(t *testing.T) {
	s := NewAlarmSet(3, true)
	s.SetCondition(AlarmNoSync, true, AlarmEventData{})
	s.SetCondition(AlarmDomainMismatch, true, AlarmEventData{})
	s.Update()
	sum := s.Summary()
	require.Contains(t, sum, "SYN[!]")
	require.Contains(t, sum, "DOM[!]")

	s.SetCondition(AlarmNoSync, false, AlarmEventData{})
	s.Update()
	require.Contains(t, s.Summary(), "SYN[.]")
}

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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opensync/ptpd/ptptime"
)

func TestBestClockPrefersLocked(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	b := e.create(t, "b", false)
	a.SetState(StateHoldover)
	b.SetState(StateTracking)
	b.SetState(StateLocked)
	e.reg.Update()
	require.Equal(t, b, e.reg.BestClock())
	require.True(t, b.BestClock)
	require.False(t, a.BestClock)
}

func TestBestClockHoldoverBeatsTracking(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	b := e.create(t, "b", false)
	a.SetState(StateHoldover)
	b.SetState(StateTracking)
	e.reg.Update()
	require.Equal(t, a, e.reg.BestClock())
}

func TestBestClockExternalReferenceWins(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	b := e.create(t, "b", false)
	a.SetExternalReference("gps", RefClassExternal)
	a.SetState(StateTracking)
	a.SetState(StateLocked)
	b.SetState(StateTracking)
	b.SetState(StateLocked)
	e.reg.Update()
	require.Equal(t, a, e.reg.BestClock())
}

func TestBestClockLowerRefClassWins(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	b := e.create(t, "b", false)
	a.SetExternalReference("ptp", RefClassExternal)
	b.SetExternalReference("ntp", RefClassInternal)
	a.SetState(StateLocked)
	b.SetState(StateLocked)
	e.reg.Update()
	require.Equal(t, a, e.reg.BestClock())
}

func TestBestClockSystemClockLoses(t *testing.T) {
	e := newTestEnv()
	sys := e.create(t, "syst", true)
	phc := e.create(t, "phc0", false)
	sys.SetExternalReference("x", RefClassExternal)
	phc.SetExternalReference("x", RefClassExternal)
	sys.SetState(StateLocked)
	phc.SetState(StateLocked)
	e.reg.Update()
	require.Equal(t, phc, e.reg.BestClock())
}

func TestNonBestFollowsBest(t *testing.T) {
	e := newTestEnv()
	sys := e.create(t, "syst", true)
	phc := e.create(t, "phc0", false)
	phc.SetExternalReference("ptp", RefClassExternal)
	phc.SetState(StateTracking)
	phc.SetState(StateLocked)
	e.reg.Update()
	require.Equal(t, phc, e.reg.BestClock())
	// the system clock is re-pointed at the new best
	require.Equal(t, phc, sys.RefClock())
	require.Equal(t, phc.Distance+1, sys.Distance)
}

func TestCleanupDetachesReferences(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	b := e.create(t, "b", false)
	a.SetReference(b)
	e.reg.MarkAllNotInUse()
	a.InUse = true
	e.reg.Cleanup()
	require.Nil(t, e.reg.Get("b"))
	require.Nil(t, a.RefClock())
	require.Len(t, e.reg.All(), 1)
}

func TestFindBySearchString(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	require.Equal(t, a, e.reg.Find("a"))
	require.Nil(t, e.reg.Find("nope"))
}

func TestSyncClocksDisciplinesFollowers(t *testing.T) {
	e := newTestEnv()
	sys := e.create(t, "syst", true)
	phc := e.create(t, "phc0", false)
	phc.SetExternalReference("ptp", RefClassExternal)
	phc.SetState(StateTracking)
	phc.SetState(StateLocked)
	e.reg.Update()
	require.Equal(t, phc, sys.RefClock())

	// make the system clock 1 ms behind the best clock
	sysHW := sys.Hardware().(*fakeClock)
	phcHW := phc.Hardware().(*fakeClock)
	phcHW.time = ptptime.Time{Seconds: 1000, Nanoseconds: 1000000}
	sysHW.time = ptptime.Time{Seconds: 1000, Nanoseconds: 0}

	e.reg.SyncClocks(1.0)
	// offset sys - phc is negative: frequency must be pulled up
	require.Positive(t, sysHW.freq)
}

func TestUnlockAll(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	a.Config.StepTimeout = 0
	a.DisciplineClock(ptptime.Time{Seconds: -2}, 1.0)
	require.Equal(t, StateNegStep, a.State)
	e.reg.UnlockAll()
	require.Equal(t, StateFreeRun, a.State)
	require.False(t, a.LockedUp)
}

func TestFreerunAttachesToBest(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	b := e.create(t, "b", false)
	b.SetExternalReference("gps", RefClassExternal)
	b.SetState(StateTracking)
	b.SetState(StateLocked)
	e.reg.Update()
	e.now = e.now.Add(time.Second)
	e.reg.Update()
	require.Equal(t, b, a.RefClock())
}

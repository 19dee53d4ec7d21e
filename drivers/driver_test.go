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

// fakeClock is a Clock backed by plain variables
type fakeClock struct {
	name      string
	time      ptptime.Time
	freq      float64
	healthy   bool
	stepCount int
	failStep  bool
}

func newFakeClock(name string) *fakeClock {
	return &fakeClock{name: name, healthy: true}
}

func (f *fakeClock) Init() error     { return nil }
func (f *fakeClock) Shutdown() error { return nil }
func (f *fakeClock) GetTime() (ptptime.Time, error) {
	return f.time, nil
}
func (f *fakeClock) SetTime(t ptptime.Time) error {
	f.time = t
	return nil
}
func (f *fakeClock) StepTime(delta ptptime.Time) error {
	if f.failStep {
		return errFailStep
	}
	f.time = f.time.Add(delta)
	f.stepCount++
	return nil
}
func (f *fakeClock) SetFrequency(ppb float64) error {
	f.freq = ppb
	return nil
}
func (f *fakeClock) GetFrequency() (float64, error)  { return f.freq, nil }
func (f *fakeClock) MaxFrequency() float64           { return 500000 }
func (f *fakeClock) HealthCheck() bool               { return f.healthy }
func (f *fakeClock) IsThisMe(search string) bool     { return search == f.name }

var errFailStep = &fakeError{"step failed"}

type fakeError struct{ s string }

func (e *fakeError) Error() string { return e.s }

type testEnv struct {
	reg *Registry
	now time.Time
}

func newTestEnv() *testEnv {
	e := &testEnv{now: time.Unix(1000, 0)}
	e.reg = NewRegistry(func() time.Time { return e.now })
	return e
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func (e *testEnv) create(t *testing.T, name string, system bool) *Driver {
	cfg := DefaultConfig()
	d, err := e.reg.Create(newFakeClock(name), name, cfg, system)
	require.NoError(t, err)
	return d
}

func TestCreateAndStates(t *testing.T) {
	e := newTestEnv()
	d := e.create(t, "syst", true)
	require.Equal(t, StateFreeRun, d.State)
	require.Equal(t, orphanDistance, d.Distance)
	require.Equal(t, RefClassNone, d.RefClass)
}

func TestSingleSystemClock(t *testing.T) {
	e := newTestEnv()
	e.create(t, "syst", true)
	_, err := e.reg.Create(newFakeClock("other"), "other", DefaultConfig(), true)
	require.Error(t, err)
}

func TestSetReferenceDistance(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	b := e.create(t, "b", false)
	b.Distance = 1
	a.SetReference(b)
	require.Equal(t, 2, a.Distance)
	require.Equal(t, b, a.RefClock())
	a.SetReference(nil)
	require.Nil(t, a.RefClock())
	require.Equal(t, orphanDistance, a.Distance)
}

func TestReferenceLoopRefused(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	b := e.create(t, "b", false)
	a.SetReference(b)
	require.Equal(t, b, a.RefClock())
	// b -> a would close the loop
	b.SetReference(a)
	require.Nil(t, b.RefClock())
	// a unaffected
	require.Equal(t, b, a.RefClock())
}

func TestSelfReferenceRefused(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	a.SetReference(a)
	require.Nil(t, a.RefClock())
}

func TestLockedLosingRefGoesHoldover(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	b := e.create(t, "b", false)
	a.SetReference(b)
	a.SetState(StateLocked)
	a.SetReference(nil)
	require.Equal(t, StateHoldover, a.State)
}

func TestHoldoverExpiresToFreerun(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	a.Config.HoldoverAge = 10
	a.SetState(StateTracking)
	a.SetState(StateLocked)
	a.SetState(StateHoldover)
	e.advance(11 * time.Second)
	a.update()
	require.Equal(t, StateFreeRun, a.State)
}

func TestNegativeStepRefusal(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	a.Config.NegativeStep = false
	a.Config.StepTimeout = 0
	hw := a.Hardware().(*fakeClock)

	ok := a.DisciplineClock(ptptime.Time{Seconds: -3, Nanoseconds: 0}, 1.0)
	require.False(t, ok)
	require.Equal(t, StateNegStep, a.State)
	require.True(t, a.LockedUp)
	require.Equal(t, 0, hw.stepCount)

	// further negative offsets stay refused
	ok = a.DisciplineClock(ptptime.Time{Seconds: -3, Nanoseconds: 0}, 1.0)
	require.False(t, ok)
	require.Equal(t, StateNegStep, a.State)

	// operator unlock clears the lockup
	a.Unlock()
	require.False(t, a.LockedUp)
	require.Equal(t, StateFreeRun, a.State)
}

func TestPositiveStep(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	a.Config.StepTimeout = 0
	hw := a.Hardware().(*fakeClock)

	ok := a.DisciplineClock(ptptime.Time{Seconds: 3, Nanoseconds: 0}, 1.0)
	require.True(t, ok)
	require.Equal(t, 1, hw.stepCount)
	require.Equal(t, ptptime.Time{Seconds: 3, Nanoseconds: 0}, hw.time)
}

func TestPanicMode(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	a.Config.StepTimeout = 60
	hw := a.Hardware().(*fakeClock)

	// first large offset suspends updates instead of stepping
	ok := a.DisciplineClock(ptptime.Time{Seconds: 3, Nanoseconds: 0}, 1.0)
	require.False(t, ok)
	require.Equal(t, StateStep, a.State)
	require.Equal(t, 0, hw.stepCount)

	// updates stay suspended during the panic window
	ok = a.DisciplineClock(ptptime.Time{Seconds: 3, Nanoseconds: 0}, 1.0)
	require.False(t, ok)

	// after the timeout the clock resumes and may step
	e.advance(61 * time.Second)
	a.update()
	require.Equal(t, StateFreeRun, a.State)
	ok = a.DisciplineClock(ptptime.Time{Seconds: 3, Nanoseconds: 0}, 1.0)
	require.True(t, ok)
	require.Equal(t, 1, hw.stepCount)
}

func TestNoStepSlewsAtMaxRate(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	a.Config.NoStep = true
	a.Config.StepTimeout = 0
	hw := a.Hardware().(*fakeClock)

	ok := a.DisciplineClock(ptptime.Time{Seconds: 3, Nanoseconds: 0}, 1.0)
	require.True(t, ok)
	require.Equal(t, 0, hw.stepCount)
	require.Equal(t, a.MaxFrequency, hw.freq)
}

func TestStepStartupForce(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	a.Config.StepType = StepStartupForce
	hw := a.Hardware().(*fakeClock)

	// small offset still steps on the very first update
	ok := a.DisciplineClock(ptptime.Time{Seconds: 0, Nanoseconds: 1000}, 1.0)
	require.True(t, ok)
	require.Equal(t, 1, hw.stepCount)

	// second update no longer steps
	ok = a.DisciplineClock(ptptime.Time{Seconds: 0, Nanoseconds: 1000}, 1.0)
	require.True(t, ok)
	require.Equal(t, 1, hw.stepCount)
}

func TestHWFaultConfinesToDriver(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	b := e.create(t, "b", false)
	hw := a.Hardware().(*fakeClock)
	hw.failStep = true
	a.Config.StepTimeout = 0

	a.DisciplineClock(ptptime.Time{Seconds: 3, Nanoseconds: 0}, 1.0)
	require.Equal(t, StateHWFault, a.State)
	require.Nil(t, a.RefClock())
	// the other driver is untouched
	require.NotEqual(t, StateHWFault, b.State)

	// recovery after failureDelay once the health check passes
	a.Config.FailureDelay = 30
	hw.failStep = false
	e.advance(31 * time.Second)
	a.update()
	require.Equal(t, StateFreeRun, a.State)
}

func TestFrequencyFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := newTestEnv()
	a := e.create(t, "a", false)
	a.Config.StoreToFile = true
	a.Config.FrequencyDir = dir

	a.LastFrequency = 1234.6
	a.StoreFrequency()
	v, err := frequencyFromFile(a.frequencyPath())
	require.NoError(t, err)
	require.Equal(t, 1235.0, v)

	a.RestoreFrequency()
	require.Equal(t, 1235.0, a.StoredFrequency)
}

func TestRestoreFrequencyWithoutFile(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	hw := a.Hardware().(*fakeClock)
	hw.freq = 42.0
	a.RestoreFrequency()
	require.Equal(t, 42.0, a.StoredFrequency)
}

func TestDisciplineSmallOffsetAdjustsFrequency(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	hw := a.Hardware().(*fakeClock)
	ok := a.DisciplineClock(ptptime.Time{Seconds: 0, Nanoseconds: 100000}, 1.0)
	require.True(t, ok)
	// positive offset: the clock is slowed down
	require.Negative(t, hw.freq)
	require.NotEqual(t, StateFreeRun, a.State)
}

func TestZeroOffsetOnlyTouches(t *testing.T) {
	e := newTestEnv()
	a := e.create(t, "a", false)
	hw := a.Hardware().(*fakeClock)
	hw.freq = 7.0
	ok := a.DisciplineClock(ptptime.Time{}, 1.0)
	require.True(t, ok)
	require.Equal(t, 7.0, a.LastFrequency)
	require.Equal(t, 0, hw.stepCount)
}

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

package timers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time            { return f.t }
func (f *fakeClock) advance(d time.Duration)   { f.t = f.t.Add(d) }

func TestStartExpire(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := NewSet(clk.now)

	s.Start("announce", 2.0)
	require.True(t, s.Running("announce"))
	s.Tick()
	require.False(t, s.Expired("announce"))

	clk.advance(2 * time.Second)
	s.Tick()
	require.True(t, s.Expired("announce"))
	// level-triggered once: reading cleared it
	require.False(t, s.Expired("announce"))

	// periodic re-arm
	clk.advance(2 * time.Second)
	s.Tick()
	require.True(t, s.Expired("announce"))
}

func TestStopClearsPending(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := NewSet(clk.now)
	s.Start("sync", 1.0)
	clk.advance(time.Second)
	s.Tick()
	s.Stop("sync")
	require.False(t, s.Running("sync"))
	require.False(t, s.Expired("sync"))
}

func TestRestartReArms(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := NewSet(clk.now)
	s.Start("delayreq", 4.0)
	clk.advance(3 * time.Second)
	s.Start("delayreq", 4.0)
	clk.advance(2 * time.Second)
	s.Tick()
	// only 2s since restart, not due yet
	require.False(t, s.Expired("delayreq"))
	clk.advance(2 * time.Second)
	s.Tick()
	require.True(t, s.Expired("delayreq"))
}

func TestRandomStartBounds(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := NewSet(clk.now)
	for i := 0; i < 50; i++ {
		s.RandomStart("jittered", 1.0)
		// after 2*interval the timer is always due
		clk.advance(2 * time.Second)
		s.Tick()
		require.True(t, s.Expired("jittered"))
	}
}

func TestNextDeadline(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := NewSet(clk.now)
	_, ok := s.NextDeadline()
	require.False(t, ok)

	s.Start("a", 5.0)
	s.Start("b", 2.0)
	d, ok := s.NextDeadline()
	require.True(t, ok)
	require.Equal(t, 2*time.Second, d)

	clk.advance(3 * time.Second)
	d, ok = s.NextDeadline()
	require.True(t, ok)
	// "b" is overdue: zero wait
	require.Equal(t, time.Duration(0), d)
}

func TestStopAll(t *testing.T) {
	s := NewSet(nil)
	s.Start("a", 1.0)
	s.Start("b", 1.0)
	s.StopAll()
	require.False(t, s.Running("a"))
	require.False(t, s.Running("b"))
}

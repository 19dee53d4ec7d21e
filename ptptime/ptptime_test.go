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

package ptptime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	require.Equal(t, Time{2, 500000000}, Time{1, 1500000000}.Normalize())
	require.Equal(t, Time{-2, -500000000}, Time{-1, -1500000000}.Normalize())
	// mixed signs collapse to shared sign
	require.Equal(t, Time{0, 999999999}, Time{1, -1}.Normalize())
	require.Equal(t, Time{0, -999999999}, Time{-1, 1}.Normalize())
	require.Equal(t, Time{0, 0}, Time{0, 0}.Normalize())
}

func TestAddSub(t *testing.T) {
	a := Time{1, 999999999}
	b := Time{0, 2}
	require.Equal(t, Time{2, 1}, a.Add(b))
	require.Equal(t, Time{1, 999999997}, a.Sub(b))
	require.True(t, a.Sub(a).IsZero())
	// add then subtract is identity
	require.Equal(t, b.Normalize(), a.Add(b).Add(a.Negate()).Normalize())
}

func TestNegateAbs(t *testing.T) {
	a := Time{-3, -100}
	require.Equal(t, Time{3, 100}, a.Negate())
	require.Equal(t, Time{3, 100}, a.Abs())
	require.Equal(t, Time{3, 100}, Time{3, 100}.Abs())
}

func TestHalve(t *testing.T) {
	require.Equal(t, Time{0, 500000000}, Time{1, 0}.Halve())
	require.Equal(t, Time{1, 0}, Time{2, 0}.Halve())
	require.Equal(t, Time{0, -500000001}, Time{-1, -2}.Halve())
}

func TestCmp(t *testing.T) {
	require.Equal(t, -1, Time{0, 1}.Cmp(Time{0, 2}))
	require.Equal(t, 1, Time{1, 0}.Cmp(Time{0, 999999999}))
	require.Equal(t, 0, Time{1, 0}.Cmp(Time{0, 1000000000}))
}

func TestIsNegative(t *testing.T) {
	require.True(t, Time{-1, 0}.IsNegative())
	require.True(t, Time{0, -1}.IsNegative())
	require.False(t, Time{0, 0}.IsNegative())
	require.False(t, Time{0, 1}.IsNegative())
}

func TestFloatRoundTrip(t *testing.T) {
	a := Time{12, 250000000}
	require.InDelta(t, 12.25, a.Float(), 1e-9)
	require.Equal(t, a, FromFloat(12.25))
	require.Equal(t, Time{-1, -500000000}, FromFloat(-1.5))
}

func TestDuration(t *testing.T) {
	require.Equal(t, 1500*time.Millisecond, Time{1, 500000000}.Duration())
	require.Equal(t, Time{1, 500000000}, FromDuration(1500*time.Millisecond))
	require.Equal(t, Time{0, -1000}, FromDuration(-time.Microsecond))
}

func TestFromTime(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	ts := FromTime(now)
	require.Equal(t, Time{1700000000, 123456789}, ts)
	require.True(t, ts.Time().Equal(now))
}

func TestString(t *testing.T) {
	require.Equal(t, "1.000000002", Time{1, 2}.String())
	require.Equal(t, "-0.000000002", Time{0, -2}.String())
}

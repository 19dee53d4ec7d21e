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

package acl

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptyPermitsAll(t *testing.T) {
	a, err := New("", "", OrderDenyPermit)
	require.NoError(t, err)
	require.True(t, a.Matches(netip.MustParseAddr("10.0.0.1")))
	require.Equal(t, uint64(1), a.PassedCounter)
}

func TestPermitDenyOrder(t *testing.T) {
	// permit the /24, punch out one host
	a, err := New("192.168.1.0/24", "192.168.1.13/32", OrderPermitDeny)
	require.NoError(t, err)
	require.True(t, a.Matches(netip.MustParseAddr("192.168.1.5")))
	require.False(t, a.Matches(netip.MustParseAddr("192.168.1.13")))
	// outside the permit list
	require.False(t, a.Matches(netip.MustParseAddr("10.0.0.1")))
	require.Equal(t, uint64(1), a.PassedCounter)
	require.Equal(t, uint64(2), a.DroppedCounter)
}

func TestDenyPermitOrder(t *testing.T) {
	// deny the /24 except one host
	a, err := New("192.168.1.13/32", "192.168.1.0/24", OrderDenyPermit)
	require.NoError(t, err)
	require.False(t, a.Matches(netip.MustParseAddr("192.168.1.5")))
	require.True(t, a.Matches(netip.MustParseAddr("192.168.1.13")))
	// not on the deny list at all
	require.True(t, a.Matches(netip.MustParseAddr("10.0.0.1")))
}

func TestNetmaskForm(t *testing.T) {
	a, err := New("172.16.0.0/255.255.0.0", "", OrderPermitDeny)
	require.NoError(t, err)
	require.True(t, a.Matches(netip.MustParseAddr("172.16.20.5")))
	require.False(t, a.Matches(netip.MustParseAddr("172.17.0.1")))

	_, err = New("172.16.0.0/255.0.255.0", "", OrderPermitDeny)
	require.Error(t, err)
}

func TestBareHost(t *testing.T) {
	a, err := New("10.1.2.3", "", OrderPermitDeny)
	require.NoError(t, err)
	require.True(t, a.Matches(netip.MustParseAddr("10.1.2.3")))
	require.False(t, a.Matches(netip.MustParseAddr("10.1.2.4")))
}

func TestSeparators(t *testing.T) {
	a, err := New("10.0.0.0/8;192.168.0.0/16, 172.16.0.0/12", "", OrderPermitDeny)
	require.NoError(t, err)
	permit, _ := a.Entries()
	require.Len(t, permit, 3)
}

func TestHitCounters(t *testing.T) {
	a, err := New("10.0.0.0/8", "", OrderPermitDeny)
	require.NoError(t, err)
	a.Matches(netip.MustParseAddr("10.0.0.1"))
	a.Matches(netip.MustParseAddr("10.0.0.2"))
	a.Matches(netip.MustParseAddr("11.0.0.1"))
	permit, _ := a.Entries()
	require.Equal(t, uint64(2), permit[0].HitCount)
	a.ResetCounters()
	permit, _ = a.Entries()
	require.Equal(t, uint64(0), permit[0].HitCount)
	require.Equal(t, uint64(0), a.PassedCounter)
}

func TestBadInput(t *testing.T) {
	_, err := New("not-an-ip", "", OrderPermitDeny)
	require.Error(t, err)
	_, err = New("10.0.0.0/33", "", OrderPermitDeny)
	require.Error(t, err)
}

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

// Package timestamp provides HW and SW packet timestamping support
package timestamp

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// ControlSizeBytes is the size of the socket control message buffer
	// holding a TX/RX timestamp. If a read fails we may end up with
	// several timestamps queued, so it's sized for more than one.
	ControlSizeBytes = 128
	// PayloadSizeBytes fits any PTP packet of the core protocol
	PayloadSizeBytes = 128
)

// Timestamp is a kind of packet timestamping
type Timestamp int

// Supported timestamping kinds
const (
	// SW is software TX+RX timestamping
	SW Timestamp = iota
	// SWRX is software RX-only timestamping
	SWRX
	// HW is hardware TX+RX timestamping
	HW
	// HWRX is hardware RX-only timestamping
	HWRX
)

var timestampToString = map[Timestamp]string{
	SW:   "software",
	SWRX: "software_rx",
	HW:   "hardware",
	HWRX: "hardware_rx",
}

func (t Timestamp) String() string {
	v, ok := timestampToString[t]
	if !ok {
		return "Unsupported"
	}
	return v
}

// MarshalText implements encoding.TextMarshaler
func (t Timestamp) MarshalText() ([]byte, error) {
	if _, ok := timestampToString[t]; !ok {
		return nil, fmt.Errorf("unknown timestamp type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Timestamp) UnmarshalText(value []byte) error {
	return t.Set(string(value))
}

// Set timestamp kind from string
func (t *Timestamp) Set(value string) error {
	for k, v := range timestampToString {
		if v == value {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown timestamp type %q", value)
}

// Type is required by the cobra.Value interface
func (t *Timestamp) Type() string {
	return "timestamp"
}

// LateTXTimestampRetries is the bound on error queue polls for a TX
// timestamp before the sample is declared lost
var LateTXTimestampRetries = 10

// TXTimestampBackoffStart is the first TX timestamp poll interval;
// subsequent polls back off exponentially
var TXTimestampBackoffStart = 10 * time.Microsecond

// ConnFd returns the file descriptor of a UDP connection
func ConnFd(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var intfd int
	err = sc.Control(func(fd uintptr) {
		intfd = int(fd)
	})
	if err != nil {
		return -1, err
	}
	return intfd, nil
}

// IPToSockaddr converts IP + port into a socket address
func IPToSockaddr(ip net.IP, port int) unix.Sockaddr {
	if ip.To4() != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip.To4())
		return sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa
}

// AddrToSockaddr converts netip.Addr + port into a socket address
func AddrToSockaddr(ip netip.Addr, port int) unix.Sockaddr {
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: port, Addr: ip.As4()}
	}
	return &unix.SockaddrInet6{Port: port, Addr: ip.As16()}
}

// SockaddrToAddr converts a socket address to a netip.Addr
func SockaddrToAddr(sa unix.Sockaddr) netip.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(sa.Addr).Unmap()
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(sa.Addr).Unmap()
	}
	return netip.Addr{}
}

// SockaddrToPort extracts the port from a socket address
func SockaddrToPort(sa unix.Sockaddr) int {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port
	case *unix.SockaddrInet6:
		return sa.Port
	}
	return 0
}

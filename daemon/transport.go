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
	"fmt"
	"net"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	ptp "github.com/opensync/ptpd/ptp/protocol"
	"github.com/opensync/ptpd/timestamp"
)

// igmpRejoinPause is how long memberships stay dropped during a refresh
const igmpRejoinPause = 100 * time.Millisecond

// Packet is one received PTP message with its receive metadata
type Packet struct {
	Data        []byte
	Source      netip.Addr
	RXTimestamp time.Time
	Event       bool
}

// Transport is the port's view of the network: two message channels and
// a membership refresh. Implemented over UDP below; tests use a fake.
type Transport interface {
	// SendEvent sends on the event channel and returns the TX
	// timestamp from the socket error queue
	SendEvent(b []byte, dst netip.Addr) (time.Time, error)
	// SendGeneral sends on the general channel
	SendGeneral(b []byte, dst netip.Addr) error
	// Refresh drops and re-joins multicast memberships
	Refresh() error
	// Packets is the stream of received messages, event and general
	// channels drained together
	Packets() <-chan Packet
	// Close shuts the transport down
	Close() error
}

// UDPTransport is PTP over UDP/IPv4 multicast with optional hybrid
// unicast delay requests
type UDPTransport struct {
	cfg   *Config
	iface *net.Interface

	eventConn   *net.UDPConn
	generalConn *net.UDPConn
	eventFd     int
	generalFd   int

	primaryGroup netip.Addr
	pdelayGroup  netip.Addr

	packets chan Packet
	done    chan struct{}
}

// NewUDPTransport binds the event and general sockets, enables
// timestamping and joins the PTP multicast groups
func NewUDPTransport(cfg *Config) (*UDPTransport, error) {
	iface, err := net.InterfaceByName(cfg.Iface)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %s: %w", cfg.Iface, err)
	}
	t := &UDPTransport{
		cfg:          cfg,
		iface:        iface,
		primaryGroup: netip.MustParseAddr(ptp.DefaultMulticastAddr),
		pdelayGroup:  netip.MustParseAddr(ptp.PDelayMulticastAddr),
		packets:      make(chan Packet, 128),
		done:         make(chan struct{}),
	}

	t.eventConn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: ptp.PortEvent})
	if err != nil {
		return nil, fmt.Errorf("binding event port: %w", err)
	}
	t.generalConn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: ptp.PortGeneral})
	if err != nil {
		t.eventConn.Close()
		return nil, fmt.Errorf("binding general port: %w", err)
	}

	t.eventFd, err = timestamp.ConnFd(t.eventConn)
	if err != nil {
		t.Close()
		return nil, err
	}
	t.generalFd, err = timestamp.ConnFd(t.generalConn)
	if err != nil {
		t.Close()
		return nil, err
	}

	// event messages need timestamps; if hardware timestamping is asked
	// for but unsupported, fall back to software receive timestamps and
	// keep going without hardware TX
	if err := timestamp.EnableTimestamps(cfg.Timestamping, t.eventFd, iface); err != nil {
		if cfg.Timestamping == timestamp.HW || cfg.Timestamping == timestamp.HWRX {
			log.Warningf("%v, falling back to software timestamps", err)
			cfg.Timestamping = timestamp.SW
			if err := timestamp.EnableTimestamps(cfg.Timestamping, t.eventFd, iface); err != nil {
				t.Close()
				return nil, err
			}
		} else {
			t.Close()
			return nil, err
		}
	}

	if err := t.joinGroups(); err != nil {
		t.Close()
		return nil, err
	}

	// multicast TTL of 1, PTP does not cross routers
	_ = unix.SetsockoptInt(t.eventFd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, 1)
	_ = unix.SetsockoptInt(t.generalFd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, 1)

	go t.receiveLoop(t.eventFd, true)
	go t.receiveLoop(t.generalFd, false)
	return t, nil
}

func (t *UDPTransport) mreq(group netip.Addr) *unix.IPMreqn {
	m := &unix.IPMreqn{Ifindex: int32(t.iface.Index)}
	copy(m.Multiaddr[:], group.AsSlice())
	return m
}

func (t *UDPTransport) joinGroups() error {
	for _, fd := range []int{t.eventFd, t.generalFd} {
		if err := unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, t.mreq(t.primaryGroup)); err != nil {
			return fmt.Errorf("joining %s: %w", t.primaryGroup, err)
		}
		if t.cfg.DelayMechanism == ptp.DelayMechanismP2P {
			if err := unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, t.mreq(t.pdelayGroup)); err != nil {
				return fmt.Errorf("joining %s: %w", t.pdelayGroup, err)
			}
		}
	}
	return nil
}

func (t *UDPTransport) dropGroups() {
	for _, fd := range []int{t.eventFd, t.generalFd} {
		_ = unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, t.mreq(t.primaryGroup))
		if t.cfg.DelayMechanism == ptp.DelayMechanismP2P {
			_ = unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, t.mreq(t.pdelayGroup))
		}
	}
}

// Refresh drops the multicast memberships, waits briefly and re-joins,
// nudging switches into refreshing their IGMP state
func (t *UDPTransport) Refresh() error {
	log.Debugf("refreshing multicast memberships on %s", t.iface.Name)
	t.dropGroups()
	time.Sleep(igmpRejoinPause)
	return t.joinGroups()
}

func (t *UDPTransport) receiveLoop(fd int, event bool) {
	buf := make([]byte, timestamp.PayloadSizeBytes)
	oob := make([]byte, timestamp.ControlSizeBytes)
	for {
		select {
		case <-t.done:
			return
		default:
		}
		var pkt Packet
		if event {
			n, saddr, rxTS, err := timestamp.ReadPacketWithRXTimestampBuf(fd, buf, oob)
			if err != nil {
				select {
				case <-t.done:
					return
				default:
				}
				log.Debugf("reading event packet: %v", err)
				continue
			}
			pkt = Packet{Data: append([]byte{}, buf[:n]...), Source: timestamp.SockaddrToAddr(saddr), RXTimestamp: rxTS, Event: true}
		} else {
			n, saddr, err := unix.Recvfrom(fd, buf, 0)
			if err != nil {
				select {
				case <-t.done:
					return
				default:
				}
				log.Debugf("reading general packet: %v", err)
				continue
			}
			pkt = Packet{Data: append([]byte{}, buf[:n]...), Source: timestamp.SockaddrToAddr(saddr), Event: false}
		}
		select {
		case t.packets <- pkt:
		case <-t.done:
			return
		}
	}
}

// Packets returns the received message stream
func (t *UDPTransport) Packets() <-chan Packet {
	return t.packets
}

func (t *UDPTransport) destination(dst netip.Addr, port int) unix.Sockaddr {
	if !dst.IsValid() {
		dst = t.primaryGroup
	}
	return timestamp.AddrToSockaddr(dst, port)
}

// SendEvent sends an event message and retrieves its TX timestamp from
// the error queue. A missing timestamp is not a send error: the zero time
// is returned and the caller counts it and drops the sample.
func (t *UDPTransport) SendEvent(b []byte, dst netip.Addr) (time.Time, error) {
	if err := unix.Sendto(t.eventFd, b, 0, t.destination(dst, ptp.PortEvent)); err != nil {
		return time.Time{}, fmt.Errorf("sending event message: %w", err)
	}
	if t.cfg.Timestamping == timestamp.HWRX || t.cfg.Timestamping == timestamp.SWRX {
		// no TX timestamping: use our best estimate
		return time.Now(), nil
	}
	ts, _, err := timestamp.ReadTXtimestamp(t.eventFd)
	if err != nil {
		log.Warningf("getting TX timestamp: %v", err)
		return time.Time{}, nil
	}
	return ts, nil
}

// SendGeneral sends a general message
func (t *UDPTransport) SendGeneral(b []byte, dst netip.Addr) error {
	if err := unix.Sendto(t.generalFd, b, 0, t.destination(dst, ptp.PortGeneral)); err != nil {
		return fmt.Errorf("sending general message: %w", err)
	}
	return nil
}

// Close shuts down the sockets and the receive loops
func (t *UDPTransport) Close() error {
	close(t.done)
	var err error
	if t.eventConn != nil {
		err = t.eventConn.Close()
	}
	if t.generalConn != nil {
		if cerr := t.generalConn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

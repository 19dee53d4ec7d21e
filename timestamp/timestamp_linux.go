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

package timestamp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// unix.Cmsghdr size differs between platforms
var socketControlMessageHeaderOffset = binary.Size(unix.Cmsghdr{})

var timestamping = unix.SO_TIMESTAMPING_NEW

var errNoTimestamp = errors.New("failed to find timestamp in socket control message")

func init() {
	// kernels older than 5 don't support SO_TIMESTAMPING_NEW
	var uname unix.Utsname
	if err := unix.Uname(&uname); err == nil {
		if uname.Release[0] < '5' {
			timestamping = unix.SO_TIMESTAMPING
		}
	}
}

// byteToTime converts a __kernel_timespec into a timestamp
func byteToTime(data []byte) (time.Time, error) {
	if len(data) < 16 {
		return time.Time{}, errNoTimestamp
	}
	sec := *(*int64)(unsafe.Pointer(&data[0]))
	nsec := *(*int64)(unsafe.Pointer(&data[8]))
	return time.Unix(sec, nsec), nil
}

/*
scmDataToTime parses a SO_TIMESTAMPING control message into time.Time.
The structure carries up to three timestamps; only one is non-zero at any
time. Software timestamps come in ts[0], hardware ones in ts[2].
*/
func scmDataToTime(data []byte) (time.Time, error) {
	// 2 x 64bit ints per timespec
	size := 16
	if len(data) < size*3 {
		return time.Time{}, errNoTimestamp
	}
	// hardware timestamp first
	ts, err := byteToTime(data[size*2 : size*3])
	if err != nil {
		return ts, err
	}
	if ts.UnixNano() == 0 {
		// fall back to the software timestamp
		ts, err = byteToTime(data[0:size])
		if err != nil {
			return ts, err
		}
		if ts.UnixNano() == 0 {
			return ts, fmt.Errorf("got zero timestamp")
		}
	}
	return ts, nil
}

// socketControlMessageTimestamp walks the control messages and returns the
// first timestamp found
func socketControlMessageTimestamp(b []byte, boob int) (time.Time, error) {
	mlen := 0
	for i := 0; i < boob; i += unix.CmsgSpace(mlen - unix.SizeofCmsghdr) {
		h := (*unix.Cmsghdr)(unsafe.Pointer(&b[i]))
		mlen = int(h.Len)
		if mlen == 0 {
			break
		}
		// even when we ask for SO_TIMESTAMPING_NEW some kernels answer
		// with SO_TIMESTAMPING
		if h.Level == unix.SOL_SOCKET && (int(h.Type) == unix.SO_TIMESTAMPING_NEW || int(h.Type) == unix.SO_TIMESTAMPING) {
			return scmDataToTime(b[i+socketControlMessageHeaderOffset : i+mlen])
		}
	}
	return time.Time{}, errNoTimestamp
}

// ReadPacketWithRXTimestampBuf reads a packet into buf and returns the
// number of bytes, the peer address and the RX timestamp from the control
// message. The oob buffer can be reused afterwards.
func ReadPacketWithRXTimestampBuf(connFd int, buf, oob []byte) (int, unix.Sockaddr, time.Time, error) {
	bbuf, boob, _, saddr, err := unix.Recvmsg(connFd, buf, oob, 0)
	if err != nil {
		return 0, nil, time.Time{}, fmt.Errorf("failed to read timestamp: %w", err)
	}
	ts, err := socketControlMessageTimestamp(oob, boob)
	return bbuf, saddr, ts, err
}

// ioctlHWTimestampCaps asks the NIC what timestamping it supports
func ioctlHWTimestampCaps(fd int, ifname string) (rxFilter int32, txType int32, err error) {
	hw, err := unix.IoctlGetEthtoolTsInfo(fd, ifname)
	if err != nil {
		return 0, 0, fmt.Errorf("SIOCETHTOOL to see what is supported: %w", err)
	}

	if hw.Tx_types&(1<<unix.HWTSTAMP_TX_ON) > 0 {
		txType = unix.HWTSTAMP_TX_ON
	}

	if hw.Rx_filters&(1<<unix.HWTSTAMP_FILTER_PTP_V2_L4_EVENT) > 0 {
		rxFilter = unix.HWTSTAMP_FILTER_PTP_V2_L4_EVENT
	} else if hw.Rx_filters&(1<<unix.HWTSTAMP_FILTER_PTP_V2_EVENT) > 0 {
		rxFilter = unix.HWTSTAMP_FILTER_PTP_V2_EVENT
	} else if hw.Rx_filters&(1<<unix.HWTSTAMP_FILTER_ALL) > 0 {
		rxFilter = unix.HWTSTAMP_FILTER_ALL
	}

	if txType == 0 || rxFilter == 0 {
		return rxFilter, txType, fmt.Errorf("hardware timestamping is not supported on %s", ifname)
	}
	return rxFilter, txType, nil
}

func ioctlEnableHWTimestamps(fd int, ifname string, filter int32) error {
	hw, err := unix.IoctlGetHwTstamp(fd, ifname)
	if errors.Is(err, unix.ENOTSUP) {
		// the loopback interface
		hw = &unix.HwTstampConfig{}
	} else if err != nil {
		return fmt.Errorf("SIOCGHWTSTAMP to see what is enabled: %w", err)
	}

	if hw.Tx_type == unix.HWTSTAMP_TX_ON && hw.Rx_filter == filter {
		return nil
	}
	hw.Tx_type = unix.HWTSTAMP_TX_ON
	hw.Rx_filter = filter
	if err := unix.IoctlSetHwTstamp(fd, ifname, hw); err != nil {
		return fmt.Errorf("SIOCSHWTSTAMP to enable timestamps: %w", err)
	}
	return nil
}

// EnableSWTimestampsRx enables SW RX timestamps on the socket
func EnableSWTimestampsRx(connFd int) error {
	flags := unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE
	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags)
}

// EnableSWTimestamps enables SW TX and RX timestamps on the socket
func EnableSWTimestamps(connFd int) error {
	// OPT_TSONLY makes the kernel queue the timestamp with an empty
	// packet instead of a copy of the original
	flags := unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE |
		unix.SOF_TIMESTAMPING_OPT_TSONLY
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}
	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

// EnableHWTimestamps enables HW TX and RX timestamps on the socket
func EnableHWTimestamps(connFd int, iface *net.Interface) error {
	rxFilter, _, err := ioctlHWTimestampCaps(connFd, iface.Name)
	if err != nil {
		return err
	}
	if err := ioctlEnableHWTimestamps(connFd, iface.Name, rxFilter); err != nil {
		return err
	}

	flags := unix.SOF_TIMESTAMPING_TX_HARDWARE |
		unix.SOF_TIMESTAMPING_RX_HARDWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE |
		unix.SOF_TIMESTAMPING_OPT_TSONLY
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}

	_ = unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface.Index)

	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

// EnableHWTimestampsRx enables HW RX timestamps on the socket
func EnableHWTimestampsRx(connFd int, iface *net.Interface) error {
	rxFilter, _, err := ioctlHWTimestampCaps(connFd, iface.Name)
	if err != nil {
		return err
	}
	if err := ioctlEnableHWTimestamps(connFd, iface.Name, rxFilter); err != nil {
		return err
	}

	flags := unix.SOF_TIMESTAMPING_RX_HARDWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}
	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

// EnableTimestamps enables timestamps on the socket based on requested kind
func EnableTimestamps(ts Timestamp, connFd int, iface *net.Interface) error {
	switch ts {
	case HW:
		if err := EnableHWTimestamps(connFd, iface); err != nil {
			return fmt.Errorf("cannot enable hardware timestamps: %w", err)
		}
	case HWRX:
		if err := EnableHWTimestampsRx(connFd, iface); err != nil {
			return fmt.Errorf("cannot enable hardware rx timestamps: %w", err)
		}
	case SW:
		if err := EnableSWTimestamps(connFd); err != nil {
			return fmt.Errorf("cannot enable software timestamps: %w", err)
		}
	case SWRX:
		if err := EnableSWTimestampsRx(connFd); err != nil {
			return fmt.Errorf("cannot enable software rx timestamps: %w", err)
		}
	default:
		return fmt.Errorf("unrecognized timestamp type: %s", ts)
	}
	return nil
}

// recvErrQueue receives only the control message part of an error queue
// entry; TX timestamps travel there and we don't care about the payload
func recvErrQueue(connFd int, oob []byte) (oobn int, err error) {
	var msg unix.Msghdr
	msg.Control = &oob[0]
	msg.SetControllen(len(oob))
	_, _, e1 := unix.Syscall(unix.SYS_RECVMSG, uintptr(connFd), uintptr(unsafe.Pointer(&msg)), uintptr(unix.MSG_ERRQUEUE))
	if e1 != 0 {
		return 0, e1
	}
	return int(msg.Controllen), nil
}

// ReadTXtimestampBuf polls the socket error queue for the TX timestamp of
// the packet just sent. Polling backs off exponentially starting at
// TXTimestampBackoffStart and gives up after LateTXTimestampRetries polls:
// a late timestamp is dropped, never invented. The error queue is drained
// completely so a leftover timestamp can't shift onto the next send.
func ReadTXtimestampBuf(connFd int, oob, toob []byte) (time.Time, int, error) {
	var boob int
	found := false
	backoff := TXTimestampBackoffStart
	attempts := 0
	for ; attempts < LateTXTimestampRetries; attempts++ {
		tboob, err := recvErrQueue(connFd, toob)
		if err != nil {
			if found {
				// we have a timestamp and the queue is empty now
				break
			}
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		// found one; keep draining in case there is a newer one queued
		found = true
		boob = tboob
		copy(oob, toob)
	}

	if !found {
		return time.Time{}, attempts, fmt.Errorf("no TX timestamp found after %d tries", attempts)
	}
	ts, err := socketControlMessageTimestamp(oob, boob)
	return ts, attempts, err
}

// ReadTXtimestamp returns the TX timestamp from the socket error queue
func ReadTXtimestamp(connFd int) (time.Time, int, error) {
	oob := make([]byte, ControlSizeBytes)
	toob := make([]byte, ControlSizeBytes)
	return ReadTXtimestampBuf(connFd, oob, toob)
}

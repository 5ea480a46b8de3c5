//go:build linux

// Package natlookup recovers the pre-NAT destination of a redirected
// TCP socket (spec §2 C7, §4.7) and sniffs an optional TLS SNI from
// the first bytes a client sends.
//
// Copyright (c) 2017-2020 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package natlookup

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SO_ORIGINAL_DST is the Linux netfilter sockopt that recovers the
// destination a redirected TCP socket was originally dialled to,
// before the kernel's REDIRECT target rewrote it to the local
// listener (spec §4.7).
const soOriginalDst = 80

// OriginalDst recovers the original (pre-REDIRECT) destination IP and
// port of conn. golang.org/x/sys/unix has no typed sockaddr_in
// accessor for SO_ORIGINAL_DST, but unix.GetsockoptIPv6Mreq reads
// exactly the 16 bytes struct sockaddr_in occupies once padded, which
// is the standard trick Go transparent proxies use to fetch it
// without cgo.
func OriginalDst(conn *net.TCPConn) (net.IP, uint16, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, 0, errors.Wrap(err, "natlookup: obtaining raw conn")
	}

	var ip net.IP
	var port uint16
	var sockErr error

	ctrlErr := raw.Control(func(fd uintptr) {
		mreq, goErr := unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, soOriginalDst)
		if goErr != nil {
			sockErr = errors.Wrap(goErr, "natlookup: getsockopt(SO_ORIGINAL_DST)")
			return
		}
		// struct sockaddr_in { sa_family_t; in_port_t port; struct
		// in_addr addr; ... } laid out in Multiaddr[16]:
		// [0:2]=family [2:4]=port(BE) [4:8]=addr
		b := mreq.Multiaddr
		port = binary.BigEndian.Uint16(b[2:4])
		ip = net.IPv4(b[4], b[5], b[6], b[7])
	})
	if ctrlErr != nil {
		return nil, 0, errors.Wrap(ctrlErr, "natlookup: raw conn control")
	}
	if sockErr != nil {
		return nil, 0, sockErr
	}
	return ip, port, nil
}

// Supported reports whether this platform implements OriginalDst.
func Supported() bool { return true }

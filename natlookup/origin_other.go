//go:build !linux

package natlookup

import "net"

// OriginalDst always fails on non-Linux platforms.
func OriginalDst(conn *net.TCPConn) (net.IP, uint16, error) {
	return nil, 0, ErrUnsupportedPlatform
}

// Supported reports whether this platform implements OriginalDst.
func Supported() bool { return false }

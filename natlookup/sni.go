package natlookup

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrNotTLS is returned by SniffSNI when the leading bytes are not a
// TLS ClientHello record.
var ErrNotTLS = errors.New("natlookup: not a TLS ClientHello")

const (
	recordTypeHandshake  = 0x16
	handshakeTypeClient  = 0x01
	extensionServerName  = 0
	serverNameTypeHostname = 0
)

// SniffSNI parses b as a TLS ClientHello (spec §4.7: "if the first
// client bytes form a TLS ClientHello (record type 0x16, handshake
// type 0x01), parse the SNI extension") and returns the server_name
// extension value. It never mutates b; the bridge is responsible for
// buffering and forwarding the sniffed bytes verbatim after dial.
func SniffSNI(b []byte) (string, error) {
	if len(b) < 5 || b[0] != recordTypeHandshake {
		return "", ErrNotTLS
	}
	recordLen := int(binary.BigEndian.Uint16(b[3:5]))
	if len(b) < 5+recordLen {
		return "", ErrNotTLS
	}
	hs := b[5 : 5+recordLen]
	if len(hs) < 4 || hs[0] != handshakeTypeClient {
		return "", ErrNotTLS
	}
	hsLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	if len(hs) < 4+hsLen {
		return "", ErrNotTLS
	}
	body := hs[4 : 4+hsLen]

	// ClientHello: version(2) random(32) session_id(1+n) cipher_suites(2+n)
	// compression_methods(1+n) extensions(2+n)
	off := 2 + 32
	if len(body) < off+1 {
		return "", ErrNotTLS
	}
	off += 1 + int(body[off]) // session id
	if len(body) < off+2 {
		return "", ErrNotTLS
	}
	off += 2 + int(binary.BigEndian.Uint16(body[off:off+2])) // cipher suites
	if len(body) < off+1 {
		return "", ErrNotTLS
	}
	off += 1 + int(body[off]) // compression methods
	if len(body) < off+2 {
		return "", ErrNotTLS
	}
	extTotal := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if len(body) < off+extTotal {
		return "", ErrNotTLS
	}
	extensions := body[off : off+extTotal]

	for len(extensions) >= 4 {
		extType := binary.BigEndian.Uint16(extensions[0:2])
		extLen := int(binary.BigEndian.Uint16(extensions[2:4]))
		if len(extensions) < 4+extLen {
			break
		}
		extData := extensions[4 : 4+extLen]
		if extType == extensionServerName {
			return parseServerNameList(extData)
		}
		extensions = extensions[4+extLen:]
	}
	return "", ErrNotTLS
}

func parseServerNameList(b []byte) (string, error) {
	if len(b) < 2 {
		return "", ErrNotTLS
	}
	listLen := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	if len(b) < listLen {
		return "", ErrNotTLS
	}
	for len(b) >= 3 {
		nameType := b[0]
		nameLen := int(binary.BigEndian.Uint16(b[1:3]))
		if len(b) < 3+nameLen {
			break
		}
		name := b[3 : 3+nameLen]
		if nameType == serverNameTypeHostname {
			return string(name), nil
		}
		b = b[3+nameLen:]
	}
	return "", ErrNotTLS
}

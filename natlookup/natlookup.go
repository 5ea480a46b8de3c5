package natlookup

import "github.com/pkg/errors"

// ErrUnsupportedPlatform is returned by OriginalDst on platforms with
// no NAT-origin-lookup facility wired up (spec §7 "Platform" errors:
// fatal at startup on the client, exit 4).
var ErrUnsupportedPlatform = errors.New("natlookup: NAT origin lookup unsupported on this platform")

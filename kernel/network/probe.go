package network

import (
	"net/netip"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// AddressInUse sends a single echo request to addr and reports whether anything answered.
// It is a variable so tests can run without raw socket privileges.
var AddressInUse = func(addr netip.Addr) bool {
	pinger, err := probing.NewPinger(addr.String())
	if err != nil {
		return false
	}
	pinger.Count = 1
	pinger.Timeout = 500 * time.Millisecond
	pinger.SetPrivileged(false)
	if err := pinger.Run(); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

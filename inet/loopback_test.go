package inet

import "gokern/defs"

// pairedDriver links two Stacks directly: Send on one synchronously
// invokes the peer's OnRX, standing in for a loopback Ethernet segment
// between two hosts.
type pairedDriver struct {
	mac  MAC
	peer **Stack
}

func (d *pairedDriver) Send(frame []byte) defs.Err_t {
	(*d.peer).OnRX(frame)
	return 0
}

func (d *pairedDriver) MACAddress() MAC { return d.mac }

func newLoopbackPair(ipA, ipB, netmask IPv4) (*Stack, *Stack) {
	var a, b *Stack
	driverA := &pairedDriver{mac: MAC{0, 1, 2, 3, 4, 0xA}, peer: &b}
	driverB := &pairedDriver{mac: MAC{0, 1, 2, 3, 4, 0xB}, peer: &a}
	a = NewStack(driverA, ipA, netmask, ipA, nil, nil)
	b = NewStack(driverB, ipB, netmask, ipB, nil, nil)
	return a, b
}

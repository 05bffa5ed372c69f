package inet

import (
	"time"

	"gokern/ksyslimit"
)

// Stack is the network stack instance: one Ethernet driver, one ARP
// cache, one IPv4/ICMP/UDP/TCP demux, and one socket table -- all the
// stack's mutable state confined behind this one type.
type Stack struct {
	Driver  Driver
	LocalIP IPv4
	Netmask IPv4
	Gateway IPv4

	Limits *ksyslimit.Limits_t

	arp     *arpCache
	sockets *socketTable

	now     func() time.Time
	yieldFn func()

	icmpTap func(id, seq uint16, payload []byte)
}

// NewStack constructs a stack bound to driver with the given address
// configuration and system-wide limits: the ARP table size, per-socket
// RX ring, and accept backlog are sized from limits rather than
// hardcoded -- one Limits_t built at boot and handed by reference into
// every subsystem's Init. limits may be nil for tests wanting the package's
// own defaults and no socket-count enforcement. yieldFn is called by the
// polling waits (ARP resolution and a stream socket's Close) to give up
// the CPU between polls; socket connect/accept/recv park on a
// ksync.WaiterSlot instead -- in the kernel proper this is
// proc.Scheduler.Yield on the calling task; tests may supply a no-op or a
// short sleep.
func NewStack(driver Driver, localIP, netmask, gateway IPv4, limits *ksyslimit.Limits_t, yieldFn func()) *Stack {
	if yieldFn == nil {
		yieldFn = func() { time.Sleep(time.Millisecond) }
	}
	arpSize := arpTableSize
	if limits != nil && limits.MaxArpEntries > 0 {
		arpSize = limits.MaxArpEntries
	}
	return &Stack{
		Driver:  driver,
		LocalIP: localIP,
		Netmask: netmask,
		Gateway: gateway,
		Limits:  limits,
		arp:     newARPCache(arpSize),
		sockets: newSocketTable(),
		now:     time.Now,
		yieldFn: yieldFn,
	}
}

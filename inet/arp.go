package inet

import (
	"time"

	"gokern/defs"
	"gokern/hashtable"
)

// IPv4 is a 4-byte address in network (big-endian) order.
type IPv4 [4]byte

func ipHash(ip IPv4) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

const (
	arpHTypeEthernet  uint16 = 1
	arpOpRequest      uint16 = 1
	arpOpReply        uint16 = 2
	arpTableSize             = 64
	arpResolveTimeout        = 500 * time.Millisecond
)

// arpPacket is the fixed 28-byte ARP-over-Ethernet payload.
type arpPacket struct {
	hwType, protoType uint16
	hwLen, protoLen   uint8
	op                uint16
	senderMAC         MAC
	senderIP          IPv4
	targetMAC         MAC
	targetIP          IPv4
}

func (p arpPacket) encode() []byte {
	b := make([]byte, 28)
	b[0], b[1] = byte(p.hwType>>8), byte(p.hwType)
	b[2], b[3] = byte(p.protoType>>8), byte(p.protoType)
	b[4] = p.hwLen
	b[5] = p.protoLen
	b[6], b[7] = byte(p.op>>8), byte(p.op)
	copy(b[8:14], p.senderMAC[:])
	copy(b[14:18], p.senderIP[:])
	copy(b[18:24], p.targetMAC[:])
	copy(b[24:28], p.targetIP[:])
	return b
}

func decodeARP(b []byte) (arpPacket, bool) {
	if len(b) < 28 {
		return arpPacket{}, false
	}
	var p arpPacket
	p.hwType = uint16(b[0])<<8 | uint16(b[1])
	p.protoType = uint16(b[2])<<8 | uint16(b[3])
	p.hwLen, p.protoLen = b[4], b[5]
	p.op = uint16(b[6])<<8 | uint16(b[7])
	copy(p.senderMAC[:], b[8:14])
	copy(p.senderIP[:], b[14:18])
	copy(p.targetMAC[:], b[18:24])
	copy(p.targetIP[:], b[24:28])
	return p, true
}

// arpCache maps IPv4 to MAC. The size given to newARPCache is the
// hashtable's bucket count, not a cap on entries: the generic hashtable
// has no built-in eviction and Learn never evicts, so entries for
// distinct IPs accumulate without bound; only a re-learned IP replaces
// its own earlier entry.
type arpCache struct {
	table *hashtable.Table[IPv4, MAC]
}

func newARPCache(size int) *arpCache {
	if size <= 0 {
		size = arpTableSize
	}
	return &arpCache{
		table: hashtable.New[IPv4, MAC](size, ipHash),
	}
}

// Learn records sender's mapping, overwriting any prior entry: every
// received ARP packet teaches us the sender.
func (c *arpCache) Learn(ip IPv4, mac MAC) {
	if _, existed := c.table.Get(ip); existed {
		c.table.Del(ip)
	}
	c.table.Set(ip, mac)
}

func (c *arpCache) lookup(ip IPv4) (MAC, bool) {
	return c.table.Get(ip)
}

func (s *Stack) handleARP(_ MAC, payload []byte) {
	p, ok := decodeARP(payload)
	if !ok {
		return
	}
	s.arp.Learn(p.senderIP, p.senderMAC)

	if p.op == arpOpRequest && p.targetIP == s.LocalIP {
		reply := arpPacket{
			hwType: arpHTypeEthernet, protoType: EtherTypeIPv4,
			hwLen: 6, protoLen: 4, op: arpOpReply,
			senderMAC: s.Driver.MACAddress(), senderIP: s.LocalIP,
			targetMAC: p.senderMAC, targetIP: p.senderIP,
		}
		frame := buildEthernet(p.senderMAC, s.Driver.MACAddress(), EtherTypeARP, reply.encode())
		s.Driver.Send(frame)
	}
}

// resolve implements resolve(ip): route off-subnet
// destinations to the gateway, return a cached mapping immediately, or
// broadcast a request and wait up to arpResolveTimeout, yielding between
// polls of the cache, for Learn (driven by the eventual reply) to fill
// it in. Only one resolution is modeled in flight at a time per caller
// (a known scaling limit) -- there is no queue of pending resolvers,
// each caller simply polls its own target.
func (s *Stack) resolve(ip IPv4) (MAC, defs.Err_t) {
	target := ip
	if !s.sameSubnet(ip) {
		target = s.Gateway
	}
	if mac, ok := s.arp.lookup(target); ok {
		return mac, 0
	}

	req := arpPacket{
		hwType: arpHTypeEthernet, protoType: EtherTypeIPv4,
		hwLen: 6, protoLen: 4, op: arpOpRequest,
		senderMAC: s.Driver.MACAddress(), senderIP: s.LocalIP,
		targetMAC: MAC{}, targetIP: target,
	}
	frame := buildEthernet(Broadcast, s.Driver.MACAddress(), EtherTypeARP, req.encode())
	s.Driver.Send(frame)

	deadline := s.now().Add(arpResolveTimeout)
	for s.now().Before(deadline) {
		if mac, ok := s.arp.lookup(target); ok {
			return mac, 0
		}
		s.yieldFn()
	}
	if mac, ok := s.arp.lookup(target); ok {
		return mac, 0
	}
	return MAC{}, -defs.EHOSTUNREACH
}

func (s *Stack) sameSubnet(ip IPv4) bool {
	for i := 0; i < 4; i++ {
		if (ip[i] & s.Netmask[i]) != (s.LocalIP[i] & s.Netmask[i]) {
			return false
		}
	}
	return true
}

package inet

import "gokern/defs"

const (
	protoICMP uint8 = 1
	protoTCP  uint8 = 6
	protoUDP  uint8 = 17

	ipv4HeaderLen = 20
)

type ipv4Header struct {
	ihl      uint8
	totalLen uint16
	id       uint16
	ttl      uint8
	proto    uint8
	checksum uint16
	src      IPv4
	dst      IPv4
}

func ipChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// buildIPv4 implements "IPv4 emit": IHL=5, TTL=64, DF=0,
// checksummed header.
func buildIPv4(src, dst IPv4, proto uint8, payload []byte) []byte {
	total := ipv4HeaderLen + len(payload)
	b := make([]byte, total)
	b[0] = 0x45 // version 4, IHL 5
	b[1] = 0    // DSCP/ECN
	b[2], b[3] = byte(total>>8), byte(total)
	b[4], b[5] = 0, 0 // identification
	b[6], b[7] = 0, 0 // flags (DF=0) / fragment offset
	b[8] = 64         // TTL
	b[9] = proto
	b[10], b[11] = 0, 0 // checksum placeholder
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	cksum := ipChecksum(b[0:20])
	b[10], b[11] = byte(cksum>>8), byte(cksum)
	copy(b[20:], payload)
	return b
}

func parseIPv4(b []byte) (ipv4Header, []byte, bool) {
	if len(b) < ipv4HeaderLen {
		return ipv4Header{}, nil, false
	}
	var h ipv4Header
	h.ihl = b[0] & 0x0f
	h.totalLen = uint16(b[2])<<8 | uint16(b[3])
	h.ttl = b[8]
	h.proto = b[9]
	h.checksum = uint16(b[10])<<8 | uint16(b[11])
	copy(h.src[:], b[12:16])
	copy(h.dst[:], b[16:20])
	hlen := int(h.ihl) * 4
	if hlen < ipv4HeaderLen || len(b) < hlen {
		return ipv4Header{}, nil, false
	}
	end := int(h.totalLen)
	if end > len(b) || end < hlen {
		end = len(b)
	}
	return h, b[hlen:end], true
}

// emitIPv4 resolves dst's MAC (via ARP, possibly through the gateway)
// and hands the completed frame to the Ethernet driver.
func (s *Stack) emitIPv4(dst IPv4, proto uint8, payload []byte) defs.Err_t {
	mac, err := s.resolve(dst)
	if err != 0 {
		return err
	}
	ipPkt := buildIPv4(s.LocalIP, dst, proto, payload)
	frame := buildEthernet(mac, s.Driver.MACAddress(), EtherTypeIPv4, ipPkt)
	return s.Driver.Send(frame)
}

// handleIPv4 implements "IPv4 ingress": parse, drop if not
// addressed to us or broadcast, demux by protocol.
func (s *Stack) handleIPv4(b []byte) {
	h, payload, ok := parseIPv4(b)
	if !ok {
		return
	}
	broadcast := IPv4{255, 255, 255, 255}
	if h.dst != s.LocalIP && h.dst != broadcast {
		return
	}
	switch h.proto {
	case protoICMP:
		s.handleICMP(h.src, payload)
	case protoUDP:
		s.handleUDP(h.src, payload)
	case protoTCP:
		s.handleTCP(h.src, payload)
	}
}

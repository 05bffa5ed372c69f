package inet

import "gokern/defs"

const udpHeaderLen = 8

// handleUDP implements "UDP": find a bound socket by
// destination port, push payload into its RX ring, record the remote
// endpoint for subsequent send.
func (s *Stack) handleUDP(src IPv4, b []byte) {
	if len(b) < udpHeaderLen {
		return
	}
	srcPort := uint16(b[0])<<8 | uint16(b[1])
	dstPort := uint16(b[2])<<8 | uint16(b[3])
	length := uint16(b[4])<<8 | uint16(b[5])
	end := int(length)
	if end > len(b) || end < udpHeaderLen {
		end = len(b)
	}
	payload := b[udpHeaderLen:end]

	t := s.sockets
	t.lock.Lock()
	sk, ok := t.udpByPort[dstPort]
	t.lock.Unlock()
	if !ok {
		return
	}

	sk.lock.Lock()
	sk.Remote = Endpoint{IP: src, Port: srcPort}
	sk.rx.Write(payload)
	sk.lock.Unlock()
	sk.rxWaiter.Wake()
}

// sendUDP implements send for a datagram socket: one UDP packet; the UDP
// checksum is optional on emit and omitted.
func (s *Stack) sendUDP(srcPort uint16, dst Endpoint, payload []byte) defs.Err_t {
	length := udpHeaderLen + len(payload)
	b := make([]byte, length)
	b[0], b[1] = byte(srcPort>>8), byte(srcPort)
	b[2], b[3] = byte(dst.Port>>8), byte(dst.Port)
	b[4], b[5] = byte(length>>8), byte(length)
	b[6], b[7] = 0, 0 // checksum omitted (optional on emit)
	copy(b[udpHeaderLen:], payload)
	return s.emitIPv4(dst.IP, protoUDP, b)
}

package inet

import "testing"

// TestICMPEchoRoundTrip: an echo request with identifier 0x1234,
// sequence 1, and a 32-byte 0x00..0x1F payload gets an echo reply with
// identical identifier, sequence, and payload.
func TestICMPEchoRoundTrip(t *testing.T) {
	a, b := newLoopbackPair(IPv4{10, 0, 2, 2}, IPv4{10, 0, 2, 15}, IPv4{255, 255, 255, 0})
	// Prime ARP so the reply doesn't itself trigger a nested resolve.
	if _, err := a.resolve(b.LocalIP); err != 0 {
		t.Fatalf("resolve: %v", err)
	}

	var received []byte

	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}
	req := make([]byte, 8+len(payload))
	req[0] = icmpEchoRequest
	req[4], req[5] = 0x12, 0x34
	req[6], req[7] = 0x00, 0x01
	copy(req[8:], payload)
	cksum := ipChecksum(req)
	req[2], req[3] = byte(cksum>>8), byte(cksum)

	// Install a's icmpTap hook, which records ICMP echo replies delivered
	// back to a's IP stack.
	a.icmpTap = func(id, seq uint16, pl []byte) {
		if id == 0x1234 {
			received = append([]byte(nil), pl...)
		}
	}

	if err := a.emitIPv4(b.LocalIP, protoICMP, req); err != 0 {
		t.Fatalf("emitIPv4: %v", err)
	}

	if len(received) != len(payload) {
		t.Fatalf("echo reply payload len = %d, want %d", len(received), len(payload))
	}
	for i := range payload {
		if received[i] != payload[i] {
			t.Fatalf("echo reply payload[%d] = %#x, want %#x", i, received[i], payload[i])
		}
	}
}

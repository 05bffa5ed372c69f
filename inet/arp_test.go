package inet

import "testing"

func TestResolveLearnsFromReply(t *testing.T) {
	a, b := newLoopbackPair(IPv4{10, 0, 2, 15}, IPv4{10, 0, 2, 1}, IPv4{255, 255, 255, 0})

	mac, err := a.resolve(b.LocalIP)
	if err != 0 {
		t.Fatalf("resolve: %v", err)
	}
	if mac != b.Driver.MACAddress() {
		t.Fatalf("resolved MAC = %v, want %v", mac, b.Driver.MACAddress())
	}
}

func TestResolveCachesResult(t *testing.T) {
	a, b := newLoopbackPair(IPv4{10, 0, 2, 15}, IPv4{10, 0, 2, 1}, IPv4{255, 255, 255, 0})
	if _, err := a.resolve(b.LocalIP); err != 0 {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := a.arp.lookup(b.LocalIP); !ok {
		t.Fatalf("expected ARP cache to retain the resolved entry")
	}
}

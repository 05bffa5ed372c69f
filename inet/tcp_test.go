package inet

import (
	"testing"
	"time"
)

// TestTCPLoopbackEcho: send followed by recv on a loopback stream socket
// yields identical bytes in order.
func TestTCPLoopbackEcho(t *testing.T) {
	server, client := newLoopbackPair(IPv4{10, 0, 0, 1}, IPv4{10, 0, 0, 2}, IPv4{255, 255, 255, 0})

	listener, err := server.Create(SockStream)
	if err != 0 {
		t.Fatalf("Create: %v", err)
	}
	if err := listener.Bind(server.LocalIP, 7000); err != 0 {
		t.Fatalf("Bind: %v", err)
	}
	if err := listener.Listen(4); err != 0 {
		t.Fatalf("Listen: %v", err)
	}

	acceptedCh := make(chan *Socket, 1)
	go func() {
		child, err := listener.Accept()
		if err != 0 {
			t.Errorf("Accept: %v", err)
			acceptedCh <- nil
			return
		}
		acceptedCh <- child
	}()

	time.Sleep(5 * time.Millisecond) // let Accept() reach its Park

	conn, err := client.Create(SockStream)
	if err != 0 {
		t.Fatalf("Create: %v", err)
	}
	if err := conn.Connect(server.LocalIP, 7000); err != 0 {
		t.Fatalf("Connect: %v", err)
	}

	var child *Socket
	select {
	case child = <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("Accept never returned")
	}
	if child == nil {
		t.Fatalf("Accept returned a nil child")
	}

	msg := []byte("0123456789ABCDEFGH") // 18 bytes
	if _, err := conn.Send(msg); err != 0 {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 64)
	n, err := child.Recv(buf)
	if err != 0 {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("Recv = %q, want %q", buf[:n], msg)
	}
}

// TestAcceptQueueFullDropsSYN: once the accept queue holds backlog
// children, a further SYN is silently dropped without altering the
// listener's state.
func TestAcceptQueueFullDropsSYN(t *testing.T) {
	server, client := newLoopbackPair(IPv4{10, 0, 3, 1}, IPv4{10, 0, 3, 2}, IPv4{255, 255, 255, 0})

	listener, err := server.Create(SockStream)
	if err != 0 {
		t.Fatalf("Create: %v", err)
	}
	if err := listener.Bind(server.LocalIP, 8080); err != 0 {
		t.Fatalf("Bind: %v", err)
	}
	if err := listener.Listen(1); err != 0 {
		t.Fatalf("Listen: %v", err)
	}

	syn := func(port uint16) []byte {
		return encodeTCP(tcpSegment{srcPort: port, dstPort: 8080, seq: 1000, flags: tcpFlagSYN, window: 512})
	}
	server.handleTCP(client.LocalIP, syn(40000))
	server.handleTCP(client.LocalIP, syn(40001))

	listener.lock.Lock()
	queued := len(listener.acceptQueue)
	state := listener.State
	listener.lock.Unlock()
	if queued != 1 {
		t.Fatalf("accept queue holds %d children, want 1 (excess SYN dropped)", queued)
	}
	if state != Listen {
		t.Fatalf("listener state = %v after dropped SYN, want Listen", state)
	}
}

// TestDuplicateAckKeepsSndUnaMonotonic: a second ACK carrying an old ack
// number must not move snd_una.
func TestDuplicateAckKeepsSndUnaMonotonic(t *testing.T) {
	server, client := newLoopbackPair(IPv4{10, 0, 4, 1}, IPv4{10, 0, 4, 2}, IPv4{255, 255, 255, 0})

	listener, err := server.Create(SockStream)
	if err != 0 {
		t.Fatalf("Create: %v", err)
	}
	if err := listener.Bind(server.LocalIP, 7001); err != 0 {
		t.Fatalf("Bind: %v", err)
	}
	if err := listener.Listen(2); err != 0 {
		t.Fatalf("Listen: %v", err)
	}

	conn, err := client.Create(SockStream)
	if err != 0 {
		t.Fatalf("Create: %v", err)
	}
	if err := conn.Connect(server.LocalIP, 7001); err != 0 {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := conn.Send([]byte("abcdef")); err != 0 {
		t.Fatalf("Send: %v", err)
	}

	conn.lock.Lock()
	una := conn.sndUna
	localPort := conn.Local.Port
	conn.lock.Unlock()

	stale := encodeTCP(tcpSegment{srcPort: 7001, dstPort: localPort, seq: 0, ack: una - 4, flags: tcpFlagACK, window: 512})
	client.handleTCP(server.LocalIP, stale)

	conn.lock.Lock()
	after := conn.sndUna
	conn.lock.Unlock()
	if after != una {
		t.Fatalf("snd_una moved from %d to %d on a stale duplicate ACK", una, after)
	}
}

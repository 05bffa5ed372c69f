package inet

import (
	"gokern/circbuf"
	"gokern/defs"
	"gokern/ksync"
	"gokern/util"
)

// noTask is the sentinel WaiterSlot tid used by sockets, which are not
// wired to a particular proc.Task id. WaiterSlot treats tid 0 as "no
// waiter" (ksync.WaiterSlot.Occupied), so any nonzero constant works here.
const noTask defs.Tid_t = -1

// SockType distinguishes stream (TCP) and datagram (UDP) sockets.
type SockType int

const (
	SockStream SockType = iota
	SockDatagram
)

// TCPState names the TCP state machine's states.
type TCPState int

const (
	Closed TCPState = iota
	Listen
	SynSent
	SynRecv
	Established
	FinWait1
	FinWait2
	TimeWait
	CloseWait
	LastAck
)

// Endpoint is an IP/port pair.
type Endpoint struct {
	IP   IPv4
	Port uint16
}

const (
	rxRingSize     = 16 * 1024
	acceptQueueCap = 8
	mss            = 1460
)

// Socket is one socket-table slot. Opaque to callers outside this
// package: callers hold an opaque handle, and use-after-close is
// undefined.
type Socket struct {
	lock ksync.Spinlock_t

	stack *Stack
	Type  SockType
	State TCPState

	Local  Endpoint
	Remote Endpoint

	sndNxt, sndUna, rcvNxt uint32
	window                 uint16

	rx *circbuf.Circbuf_t

	acceptQueue []*Socket
	backlog     int

	rxWaiter      *ksync.WaiterSlot
	connectWaiter *ksync.WaiterSlot
	acceptWaiter  *ksync.WaiterSlot

	eof      bool
	closed   bool
	released bool
}

func newSocket(stack *Stack, typ SockType) *Socket {
	ring := rxRingSize
	win := rxRingSize
	if stack.Limits != nil {
		if stack.Limits.RXRingBytes > 0 {
			ring = stack.Limits.RXRingBytes
		}
		if stack.Limits.TCPWindow > 0 {
			win = stack.Limits.TCPWindow
		}
	}
	return &Socket{
		stack:         stack,
		Type:          typ,
		rx:            circbuf.New(ring),
		window:        uint16(win),
		rxWaiter:      ksync.NewWaiterSlot(),
		connectWaiter: ksync.NewWaiterSlot(),
		acceptWaiter:  ksync.NewWaiterSlot(),
	}
}

// acceptBacklogCap returns the default listen() backlog used when none is
// requested, sized from stack.Limits.AcceptBacklog (falls back to
// acceptQueueCap with no Limits configured).
func (s *Stack) acceptBacklogCap() int {
	if s.Limits != nil && s.Limits.AcceptBacklog > 0 {
		return s.Limits.AcceptBacklog
	}
	return acceptQueueCap
}

// socketTable exclusively owns every live Socket. Its own spinlock
// covers allocation only; mutation of an individual socket's fields is
// guarded by that socket's own spinlock instead.
type socketTable struct {
	lock      ksync.Spinlock_t
	udpByPort map[uint16]*Socket
	tcpByPort map[uint16]*Socket                // bound/listening sockets, keyed by local port
	tcpConns  map[Endpoint]map[Endpoint]*Socket // local -> remote -> connected socket
	nextPort  uint16
}

func newSocketTable() *socketTable {
	return &socketTable{
		udpByPort: make(map[uint16]*Socket),
		tcpByPort: make(map[uint16]*Socket),
		tcpConns:  make(map[Endpoint]map[Endpoint]*Socket),
		nextPort:  49152,
	}
}

// Create allocates a socket of the given type. It is the socket-table
// allocation point for the out-of-socket-slots resource-exhaustion case:
// if s.Limits is configured and the system-wide socket count is already
// at capacity, Create refuses rather than growing the table unbounded.
func (s *Stack) Create(typ SockType) (*Socket, defs.Err_t) {
	return s.createSocket(typ)
}

// createSocket reserves one socket-table slot via s.Limits (when
// configured) before allocating, and is the single entry point both
// Create (explicit socket() syscalls) and acceptNewConn (TCP-driven child
// sockets spawned off a listener) go through, so every live Socket --
// parent or accepted child -- counts against the same limit and is
// released exactly once: stream sockets in releaseConn, datagram sockets
// in Close.
func (s *Stack) createSocket(typ SockType) (*Socket, defs.Err_t) {
	if s.Limits != nil && !s.Limits.SocketReserve() {
		return nil, -defs.EAGAIN
	}
	return newSocket(s, typ), 0
}

// Bind implements bind(ip, port).
func (sk *Socket) Bind(ip IPv4, port uint16) defs.Err_t {
	t := sk.stack.sockets
	t.lock.Lock()
	defer t.lock.Unlock()

	if port == 0 {
		port = t.nextPort
		t.nextPort++
	}
	switch sk.Type {
	case SockDatagram:
		if _, taken := t.udpByPort[port]; taken {
			return -defs.EINVAL
		}
		t.udpByPort[port] = sk
	case SockStream:
		if _, taken := t.tcpByPort[port]; taken {
			return -defs.EINVAL
		}
		t.tcpByPort[port] = sk
	}
	sk.Local = Endpoint{IP: ip, Port: port}
	return 0
}

// Listen implements listen(backlog).
func (sk *Socket) Listen(backlog int) defs.Err_t {
	sk.lock.Lock()
	defer sk.lock.Unlock()
	if sk.Type != SockStream {
		return -defs.EINVAL
	}
	if backlog <= 0 {
		backlog = sk.stack.acceptBacklogCap()
	}
	sk.State = Listen
	sk.backlog = backlog
	return 0
}

// Accept implements accept: blocks until a child exists in
// the accept queue. The waiter slot is marked before the queue is
// re-checked, so a wake racing with the park is never lost: a wake that
// happens-before the park leaves the slot already cleared and the park
// returns without blocking.
func (sk *Socket) Accept() (*Socket, defs.Err_t) {
	for {
		sk.acceptWaiter.Mark(noTask)
		sk.lock.Lock()
		if len(sk.acceptQueue) > 0 {
			child := sk.acceptQueue[0]
			sk.acceptQueue = sk.acceptQueue[1:]
			sk.lock.Unlock()
			sk.acceptWaiter.Clear()
			return child, 0
		}
		if sk.closed {
			sk.lock.Unlock()
			sk.acceptWaiter.Clear()
			return nil, -defs.EINVAL
		}
		sk.lock.Unlock()
		sk.acceptWaiter.WaitParked(noTask)
	}
}

// Connect implements connect(ip, port): blocks until
// Established or Closed.
func (sk *Socket) Connect(ip IPv4, port uint16) defs.Err_t {
	sk.lock.Lock()
	if sk.Local.Port == 0 {
		sk.lock.Unlock()
		if err := sk.Bind(sk.stack.LocalIP, 0); err != 0 {
			return err
		}
		sk.lock.Lock()
	}
	sk.Remote = Endpoint{IP: ip, Port: port}
	sk.State = SynSent
	iss := initialSeq()
	sk.sndUna = iss
	sk.sndNxt = iss + 1 // SYN consumes one sequence number
	sk.lock.Unlock()

	t := sk.stack.sockets
	t.lock.Lock()
	if t.tcpConns[sk.Local] == nil {
		t.tcpConns[sk.Local] = make(map[Endpoint]*Socket)
	}
	t.tcpConns[sk.Local][sk.Remote] = sk
	t.lock.Unlock()

	sk.stack.sendTCP(sk, tcpFlagSYN, iss, 0, nil)

	for {
		sk.connectWaiter.Mark(noTask)
		sk.lock.Lock()
		state := sk.State
		sk.lock.Unlock()
		if state == Established {
			sk.connectWaiter.Clear()
			return 0
		}
		if state == Closed {
			sk.connectWaiter.Clear()
			return -defs.ENOTCONN
		}
		sk.connectWaiter.WaitParked(noTask)
	}
}

// Send implements send: stream sockets segment into ≤ MSS
// chunks with PSH+ACK; datagram sockets send one UDP packet.
func (sk *Socket) Send(data []byte) (int, defs.Err_t) {
	if sk.Type == SockDatagram {
		if err := sk.stack.sendUDP(sk.Local.Port, sk.Remote, data); err != 0 {
			return 0, err
		}
		return len(data), 0
	}

	sk.lock.Lock()
	if sk.State != Established {
		sk.lock.Unlock()
		return 0, -defs.ENOTCONN
	}
	sk.lock.Unlock()

	sent := 0
	for sent < len(data) {
		end := util.Min(sent+mss, len(data))
		chunk := data[sent:end]

		sk.lock.Lock()
		seq := sk.sndNxt
		sk.sndNxt += uint32(len(chunk))
		sk.lock.Unlock()

		sk.stack.sendTCP(sk, tcpFlagPSH|tcpFlagACK, seq, sk.rcvNxtSnapshot(), chunk)
		sent = end
	}
	return sent, 0
}

func (sk *Socket) rcvNxtSnapshot() uint32 {
	sk.lock.Lock()
	defer sk.lock.Unlock()
	return sk.rcvNxt
}

// Recv implements recv: blocks until bytes are available or
// the connection is closed/EOF.
func (sk *Socket) Recv(buf []byte) (int, defs.Err_t) {
	for {
		sk.rxWaiter.Mark(noTask)
		sk.lock.Lock()
		n := sk.rx.Read(buf)
		done := sk.eof || sk.closed
		sk.lock.Unlock()
		if n > 0 {
			sk.rxWaiter.Clear()
			return n, 0
		}
		if done {
			sk.rxWaiter.Clear()
			return 0, 0
		}
		sk.rxWaiter.WaitParked(noTask)
	}
}

// Close implements close: stream sockets send FIN+ACK and
// wait briefly for TimeWait; datagram sockets simply release their slot.
func (sk *Socket) Close() defs.Err_t {
	sk.lock.Lock()
	sk.closed = true
	typ := sk.Type
	state := sk.State
	local := sk.Local
	sk.lock.Unlock()

	// Anyone parked in Accept/Recv on this socket observes closed and
	// returns rather than staying blocked on a handle that is now invalid.
	sk.acceptWaiter.Wake()
	sk.rxWaiter.Wake()

	if typ == SockDatagram {
		t := sk.stack.sockets
		t.lock.Lock()
		delete(t.udpByPort, local.Port)
		t.lock.Unlock()
		if sk.stack.Limits != nil {
			sk.stack.Limits.SocketRelease()
		}
		return 0
	}

	if state == Established || state == CloseWait {
		sk.lock.Lock()
		seq := sk.sndNxt
		sk.sndNxt++
		if state == Established {
			sk.State = FinWait1
		} else {
			sk.State = LastAck
		}
		ack := sk.rcvNxt
		sk.lock.Unlock()
		sk.stack.sendTCP(sk, tcpFlagFIN|tcpFlagACK, seq, ack, nil)
	}

	deadline := 10
	for i := 0; i < deadline; i++ {
		sk.lock.Lock()
		s := sk.State
		sk.lock.Unlock()
		if s == Closed {
			break
		}
		sk.stack.yieldFn()
	}
	sk.releaseSelf()
	return 0
}

// releaseSelf is the socket's own teardown half of releaseConn: Close ends
// through here, while the TCP state machine's spontaneous Closed
// transitions go through the stack's releaseConn directly.
func (sk *Socket) releaseSelf() {
	sk.stack.releaseConn(sk)
}

// releaseConn tears down a TCP socket's table entries and releases its
// ksyslimit reservation exactly once. Both the TCP state machine (handleTCP's
// spontaneous Closed transitions, e.g. a peer RST) and the application's
// explicit Close() can each observe State == Closed and call this, so sk's
// own released flag -- not State -- guards the one-time SocketRelease.
func (s *Stack) releaseConn(sk *Socket) {
	sk.lock.Lock()
	if sk.released {
		sk.lock.Unlock()
		return
	}
	sk.released = true
	sk.lock.Unlock()

	t := s.sockets
	t.lock.Lock()
	if conns, ok := t.tcpConns[sk.Local]; ok {
		delete(conns, sk.Remote)
		if len(conns) == 0 {
			delete(t.tcpConns, sk.Local)
		}
	}
	if t.tcpByPort[sk.Local.Port] == sk {
		delete(t.tcpByPort, sk.Local.Port)
	}
	t.lock.Unlock()
	if s.Limits != nil {
		s.Limits.SocketRelease()
	}
}

package inet

import "time"

const (
	tcpFlagFIN uint8 = 1 << 0
	tcpFlagSYN uint8 = 1 << 1
	tcpFlagRST uint8 = 1 << 2
	tcpFlagPSH uint8 = 1 << 3
	tcpFlagACK uint8 = 1 << 4

	tcpHeaderLen = 20
)

// initialSeq chooses an initial sequence number from a clock-derived
// mixer.
func initialSeq() uint32 {
	return uint32(time.Now().UnixNano())
}

type tcpSegment struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            uint8
	window           uint16
	payload          []byte
}

func encodeTCP(seg tcpSegment) []byte {
	b := make([]byte, tcpHeaderLen+len(seg.payload))
	b[0], b[1] = byte(seg.srcPort>>8), byte(seg.srcPort)
	b[2], b[3] = byte(seg.dstPort>>8), byte(seg.dstPort)
	b[4], b[5], b[6], b[7] = byte(seg.seq>>24), byte(seg.seq>>16), byte(seg.seq>>8), byte(seg.seq)
	b[8], b[9], b[10], b[11] = byte(seg.ack>>24), byte(seg.ack>>16), byte(seg.ack>>8), byte(seg.ack)
	b[12] = 5 << 4 // data offset = 5 words, no options
	b[13] = seg.flags
	b[14], b[15] = byte(seg.window>>8), byte(seg.window)
	// b[16:18] checksum left zero -- this minimal stack computes no TCP
	// checksum over the IPv4 pseudo-header, the same stance it takes on
	// the optional UDP checksum.
	copy(b[tcpHeaderLen:], seg.payload)
	return b
}

func decodeTCP(b []byte) (tcpSegment, bool) {
	if len(b) < tcpHeaderLen {
		return tcpSegment{}, false
	}
	var seg tcpSegment
	seg.srcPort = uint16(b[0])<<8 | uint16(b[1])
	seg.dstPort = uint16(b[2])<<8 | uint16(b[3])
	seg.seq = uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7])
	seg.ack = uint32(b[8])<<24 | uint32(b[9])<<16 | uint32(b[10])<<8 | uint32(b[11])
	dataOff := int(b[12]>>4) * 4
	seg.flags = b[13]
	seg.window = uint16(b[14])<<8 | uint16(b[15])
	if dataOff < tcpHeaderLen || dataOff > len(b) {
		dataOff = tcpHeaderLen
	}
	seg.payload = b[dataOff:]
	return seg, true
}

func (s *Stack) sendTCP(sk *Socket, flags uint8, seq, ack uint32, payload []byte) {
	seg := tcpSegment{
		srcPort: sk.Local.Port, dstPort: sk.Remote.Port,
		seq: seq, ack: ack, flags: flags, window: sk.window, payload: payload,
	}
	s.emitIPv4(sk.Remote.IP, protoTCP, encodeTCP(seg))
}

func (s *Stack) sendTCPRaw(localPort uint16, remote Endpoint, flags uint8, seq, ack uint32) {
	seg := tcpSegment{srcPort: localPort, dstPort: remote.Port, seq: seq, ack: ack, flags: flags, window: s.defaultWindow()}
	s.emitIPv4(remote.IP, protoTCP, encodeTCP(seg))
}

// defaultWindow returns the advertised TCP window used when no socket is
// available to read one from (e.g. a bare RST), sized from
// s.Limits.TCPWindow.
func (s *Stack) defaultWindow() uint16 {
	if s.Limits != nil && s.Limits.TCPWindow > 0 {
		return uint16(s.Limits.TCPWindow)
	}
	return uint16(rxRingSize)
}

// handleTCP applies one received segment to the owning socket's TCP
// state machine.
func (s *Stack) handleTCP(src IPv4, b []byte) {
	seg, ok := decodeTCP(b)
	if !ok {
		return
	}
	remote := Endpoint{IP: src, Port: seg.srcPort}
	local := Endpoint{IP: s.LocalIP, Port: seg.dstPort}

	t := s.sockets
	t.lock.Lock()
	var sk *Socket
	if conns, ok := t.tcpConns[local]; ok {
		sk = conns[remote]
	}
	listener := t.tcpByPort[local.Port]
	t.lock.Unlock()

	if sk == nil {
		if listener == nil {
			return
		}
		listener.lock.Lock()
		isListening := listener.State == Listen
		backlog := listener.backlog
		queued := len(listener.acceptQueue)
		listener.lock.Unlock()
		if !isListening || seg.flags&tcpFlagSYN == 0 || queued >= backlog {
			return
		}
		s.acceptNewConn(listener, local, remote, seg)
		return
	}

	sk.lock.Lock()
	defer func() {
		state := sk.State
		sk.lock.Unlock()
		if state == Closed {
			s.releaseConn(sk)
		}
	}()

	switch sk.State {
	case SynRecv:
		if seg.flags&tcpFlagSYN == 0 && seg.flags&tcpFlagACK != 0 {
			sk.State = Established
		}

	case SynSent:
		if seg.flags&tcpFlagSYN != 0 && seg.flags&tcpFlagACK != 0 {
			sk.rcvNxt = seg.seq + 1
			sk.sndUna = seg.ack
			sk.State = Established
			ack := sk.rcvNxt
			seq := sk.sndNxt
			sk.lock.Unlock()
			s.sendTCP(sk, tcpFlagACK, seq, ack, nil)
			sk.connectWaiter.Wake()
			sk.lock.Lock()
		} else if seg.flags&tcpFlagRST != 0 {
			sk.State = Closed
			sk.connectWaiter.Wake()
		}

	case Established:
		if seg.flags&tcpFlagACK != 0 && int32(seg.ack-sk.sndUna) > 0 {
			// snd_una is monotonic: a duplicate ACK never moves it back
			// and never re-advances it.
			sk.sndUna = seg.ack
		}
		if seg.flags&tcpFlagFIN != 0 {
			if seg.seq != sk.rcvNxt {
				break // out-of-window, drop
			}
			sk.rcvNxt = seg.seq + 1
			ack := sk.rcvNxt
			seq := sk.sndNxt
			sk.sndNxt++
			sk.State = LastAck
			sk.eof = true
			sk.lock.Unlock()
			s.sendTCP(sk, tcpFlagACK, seq, ack, nil)
			s.sendTCP(sk, tcpFlagFIN|tcpFlagACK, seq, ack, nil)
			sk.rxWaiter.Wake()
			sk.lock.Lock()
		} else if len(seg.payload) > 0 {
			if seg.seq != sk.rcvNxt {
				break // out-of-window, drop (no reassembly)
			}
			sk.rx.Write(seg.payload)
			sk.rcvNxt = seg.seq + uint32(len(seg.payload))
			ack := sk.rcvNxt
			seq := sk.sndNxt
			sk.lock.Unlock()
			s.sendTCP(sk, tcpFlagACK, seq, ack, nil)
			sk.rxWaiter.Wake()
			sk.lock.Lock()
		}

	case FinWait1:
		if seg.flags&tcpFlagACK != 0 {
			sk.State = FinWait2
		}
		if seg.flags&tcpFlagFIN != 0 {
			sk.rcvNxt = seg.seq + 1
			sk.State = TimeWait
			ack := sk.rcvNxt
			seq := sk.sndNxt
			sk.lock.Unlock()
			s.sendTCP(sk, tcpFlagACK, seq, ack, nil)
			sk.lock.Lock()
			sk.State = Closed
		}

	case FinWait2:
		if seg.flags&tcpFlagFIN != 0 {
			sk.rcvNxt = seg.seq + 1
			sk.State = TimeWait
			ack := sk.rcvNxt
			seq := sk.sndNxt
			sk.lock.Unlock()
			s.sendTCP(sk, tcpFlagACK, seq, ack, nil)
			sk.lock.Lock()
			// No 2MSL timer: nothing else in the core could drive one
			// yet, so TimeWait collapses straight to Closed and the slot
			// is reusable immediately.
			sk.State = Closed
		}

	case LastAck:
		if seg.flags&tcpFlagACK != 0 {
			sk.State = Closed
		}
	}
}

// acceptNewConn allocates a child socket for a listener's accept queue.
// Allocation goes through the same createSocket reservation as an
// explicit socket() syscall -- socket exhaustion applies to TCP-spawned
// children too. If the system-wide socket limit is already exhausted,
// the SYN is dropped exactly like a SYN against a full accept queue,
// leaving the listener's own state untouched.
func (s *Stack) acceptNewConn(listener *Socket, local, remote Endpoint, seg tcpSegment) {
	child, err := s.createSocket(SockStream)
	if err != 0 {
		return
	}
	child.Local = local
	child.Remote = remote
	child.State = SynRecv
	child.rcvNxt = seg.seq + 1
	iss := initialSeq()
	child.sndUna = iss
	child.sndNxt = iss + 1 // SYN consumes one sequence number

	t := s.sockets
	t.lock.Lock()
	if t.tcpConns[local] == nil {
		t.tcpConns[local] = make(map[Endpoint]*Socket)
	}
	t.tcpConns[local][remote] = child
	t.lock.Unlock()

	listener.lock.Lock()
	listener.acceptQueue = append(listener.acceptQueue, child)
	listener.lock.Unlock()

	s.sendTCP(child, tcpFlagSYN|tcpFlagACK, iss, child.rcvNxt, nil)
	listener.acceptWaiter.Wake()
}

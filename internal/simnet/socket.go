package simnet

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/coopnet/internal"
	"github.com/soypat/coopnet/sched"
	"github.com/soypat/coopnet/stack"
	"github.com/soypat/lneto/tcp"
)

const (
	stateClosed      = tcp.StateClosed
	stateSynSent     = tcp.StateSynSent
	stateEstablished = tcp.StateEstablished
	stateFinWait1    = tcp.StateFinWait1
	stateFinWait2    = tcp.StateFinWait2
	stateTimeWait    = tcp.StateTimeWait
	stateCloseWait   = tcp.StateCloseWait
	stateLastAck     = tcp.StateLastAck
)

// Socket is a simulated client socket implementing stack.Socket.
type Socket struct {
	e      *Engine
	state  tcp.State
	local  endpoint
	remote endpoint
	tx     internal.Ring
	rx     internal.Ring
	// sndNxt is the sequence number of the next payload byte to send and sndEdge
	// the right edge of the peer's receive window.
	sndNxt, sndEdge uint32
	rcvNxt          uint32
	// advEdge is the right edge of the receive window last advertised to the peer.
	advEdge    uint32
	synSent    bool
	finPending bool
	finSent    bool
	finRcvd    bool
	needAck    bool
	needRst    bool
	twDeadline time.Time

	sendWaker, recvWaker sched.Waker
	sendState, recvState tcp.State
	sendArmed, recvArmed bool
}

var _ stack.Socket = (*Socket)(nil)

// Connect implements stack.Socket. The handshake is performed by the engine.
func (s *Socket) Connect(remote netip.AddrPort, localPort uint16) error {
	if s.state != stateClosed {
		return stack.ErrInvalidState
	} else if !remote.Addr().Is4() || remote.Port() == 0 || localPort == 0 {
		return stack.ErrUnaddressable
	}
	s.local = newEndpoint(netip.AddrPortFrom(s.e.addr, localPort))
	s.remote = newEndpoint(remote)
	s.tx.Reset()
	s.rx.Reset()
	s.sndNxt, s.sndEdge, s.rcvNxt, s.advEdge = 0, 0, 0, 0
	s.synSent, s.finPending, s.finSent, s.finRcvd = false, false, false, false
	s.needAck, s.needRst = false, false
	s.setState(stateSynSent)
	return nil
}

// SendSlice implements stack.Socket.
func (s *Socket) SendSlice(b []byte) (int, error) {
	if s.state != stateEstablished && s.state != stateCloseWait {
		return 0, stack.ErrInvalidState
	} else if len(b) == 0 || s.tx.Free() == 0 {
		return 0, nil
	}
	n, err := s.tx.Write(b)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RecvSlice implements stack.Socket.
func (s *Socket) RecvSlice(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if s.rx.Buffered() > 0 {
		return s.rx.Read(b)
	}
	switch {
	case s.finRcvd:
		return 0, stack.ErrFinished
	case s.state == stateEstablished || s.state == stateFinWait1 || s.state == stateFinWait2:
		return 0, nil
	}
	return 0, stack.ErrInvalidState
}

// State implements stack.Socket.
func (s *Socket) State() tcp.State { return s.state }

// RegisterSendWaker implements stack.Socket.
func (s *Socket) RegisterSendWaker(w sched.Waker) {
	s.sendWaker, s.sendState, s.sendArmed = w, s.state, true
}

// RegisterRecvWaker implements stack.Socket.
func (s *Socket) RegisterRecvWaker(w sched.Waker) {
	s.recvWaker, s.recvState, s.recvArmed = w, s.state, true
}

// Close starts an orderly close. Buffered data is sent before the FIN.
func (s *Socket) Close() error {
	switch s.state {
	case stateSynSent:
		s.setState(stateClosed)
	case stateEstablished:
		s.finPending = true
		s.setState(stateFinWait1)
	case stateCloseWait:
		s.finPending = true
		s.setState(stateLastAck)
	default:
		return stack.ErrInvalidState
	}
	return nil
}

// Abort resets the connection and discards all buffered data.
func (s *Socket) Abort() {
	if s.state == stateClosed {
		return
	}
	s.needRst = s.synSent
	s.tx.Reset()
	s.rx.Reset()
	s.setState(stateClosed)
}

// Local returns the socket's local address.
func (s *Socket) Local() netip.AddrPort { return s.local.addr }

func (s *Socket) setState(state tcp.State) {
	if state == s.state {
		return
	}
	s.e.debug("simnet:state", slog.String("local", s.local.addr.String()),
		slog.Any("old", s.state), slog.Any("new", state))
	s.state = state
	switch state {
	case stateTimeWait:
		s.twDeadline = s.e.now.Add(s.e.timeWait)
	case stateClosed:
		s.needAck = false
		s.finPending = false
	}
}

func (s *Socket) matches(seg *segment) bool {
	return s.state != stateClosed && seg.dst == s.local.addr && seg.src == s.remote.addr
}

func (s *Socket) synchronized() bool {
	return s.state != stateClosed && s.state != stateSynSent
}

func (s *Socket) handle(seg *segment) {
	if seg.has(flagRst) {
		s.e.debug("simnet:reset", slog.String("local", s.local.addr.String()))
		s.synSent = false // Peer already forgot us.
		s.Abort()
		return
	}
	if s.state == stateSynSent {
		if seg.has(flagSyn) && seg.has(flagAck) {
			s.rcvNxt = seg.seq
			s.sndEdge = seg.ack + uint32(seg.wnd)
			s.needAck = true
			s.setState(stateEstablished)
		}
		return
	}
	if seg.has(flagAck) {
		s.sndEdge = seg.ack + uint32(seg.wnd)
		if s.finSent {
			switch s.state {
			case stateFinWait1:
				s.setState(stateFinWait2)
			case stateLastAck:
				s.setState(stateClosed)
				return
			}
		}
	}
	canRecv := s.state == stateEstablished || s.state == stateFinWait1 || s.state == stateFinWait2
	if len(seg.payload) > 0 && canRecv && seg.seq == s.rcvNxt {
		n, _ := s.rx.Write(seg.payload)
		s.rcvNxt += uint32(n)
		if n < len(seg.payload) {
			s.e.debug("simnet:rx-overrun", slog.Int("dropped", len(seg.payload)-n))
		}
	}
	if seg.has(flagFin) && !s.finRcvd {
		s.finRcvd = true
		s.needAck = true
		switch s.state {
		case stateEstablished:
			s.setState(stateCloseWait)
		case stateFinWait1, stateFinWait2:
			s.setState(stateTimeWait)
		}
	}
}

// expire moves sockets out of TIME-WAIT.
func (s *Socket) expire(now time.Time) bool {
	if s.state == stateTimeWait && !now.Before(s.twDeadline) {
		s.setState(stateClosed)
		return true
	}
	return false
}

func (s *Socket) rcvEdge() uint32 { return s.rcvNxt + uint32(s.rx.Free()) }

func (s *Socket) usableWindow() int {
	return int(int32(s.sndEdge - s.sndNxt))
}

func (s *Socket) sendsData() bool {
	switch s.state {
	case stateEstablished, stateCloseWait, stateFinWait1, stateLastAck:
		return true
	}
	return false
}

func (s *Socket) hasOutput() bool {
	switch {
	case s.needRst, s.needAck:
		return true
	case s.state == stateSynSent:
		return !s.synSent
	case !s.synchronized():
		return false
	case s.sendsData() && s.tx.Buffered() > 0 && s.usableWindow() > 0:
		return true
	case s.finPending && !s.finSent && s.tx.Buffered() == 0:
		return true
	}
	return s.rcvEdge() != s.advEdge
}

// emit transmits everything the socket has ready. Output that does not fit in the
// device is retried on the next poll.
func (s *Socket) emit(dev stack.Device) (sent bool) {
	if s.needRst {
		if s.send(dev, flagRst, nil) != nil {
			return false
		}
		s.needRst = false
		s.synSent = false
		sent = true
	}
	switch {
	case s.state == stateSynSent:
		if !s.synSent && s.send(dev, flagSyn, nil) == nil {
			s.synSent = true
			sent = true
		}
		return sent
	case !s.synchronized():
		return sent
	}
	for s.sendsData() && s.tx.Buffered() > 0 {
		n := min(s.tx.Buffered(), s.e.mss, s.usableWindow())
		if n <= 0 {
			break
		}
		payload := s.e.scratch[:n]
		s.tx.ReadPeek(payload)
		if s.send(dev, flagAck|flagPsh, payload) != nil {
			return sent
		}
		s.tx.ReadDiscard(n)
		s.sndNxt += uint32(n)
		sent = true
	}
	if s.finPending && !s.finSent && s.tx.Buffered() == 0 {
		if s.send(dev, flagFin|flagAck, nil) != nil {
			return sent
		}
		s.finSent = true
		sent = true
	}
	if s.needAck || s.rcvEdge() != s.advEdge {
		if s.send(dev, flagAck, nil) == nil {
			sent = true
		}
	}
	return sent
}

func (s *Socket) send(dev stack.Device, flags uint8, payload []byte) error {
	edge := s.rcvEdge()
	err := s.e.transmit(dev, s.local, s.remote, flags, s.sndNxt, s.rcvNxt, s.rx.Free(), payload)
	if err != nil {
		return err
	}
	if flags&flagAck != 0 {
		s.advEdge = edge
		s.needAck = false
	}
	return nil
}

// fireWakers wakes registered tasks whose condition may hold.
func (s *Socket) fireWakers() {
	if s.sendArmed && (s.state != s.sendState || (s.sendsData() && s.tx.Free() > 0)) {
		s.sendArmed = false
		s.sendWaker.Wake()
	}
	if s.recvArmed && (s.state != s.recvState || s.rx.Buffered() > 0 || s.finRcvd) {
		s.recvArmed = false
		s.recvWaker.Wake()
	}
}

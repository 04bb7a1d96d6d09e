package lnetostack

import (
	"net/netip"

	"github.com/soypat/coopnet/sched"
	"github.com/soypat/coopnet/stack"
	"github.com/soypat/lneto/tcp"
)

// Socket is an lneto TCP connection implementing stack.Socket. Its methods must be
// called while the stack is borrowed; data is moved with the connection's
// non-blocking handler.
type Socket struct {
	e    *Engine
	conn tcp.Conn

	sendWaker, recvWaker sched.Waker
	sendState, recvState tcp.State
	sendArmed, recvArmed bool
}

var _ stack.Socket = (*Socket)(nil)

// Connect implements stack.Socket. The SYN is sent on the next poll.
func (s *Socket) Connect(remote netip.AddrPort, localPort uint16) error {
	if s.State() != tcp.StateClosed {
		return stack.ErrInvalidState
	} else if !remote.Addr().Is4() || remote.Port() == 0 || localPort == 0 {
		return stack.ErrUnaddressable
	}
	return s.e.stack.DialTCP(&s.conn, localPort, remote)
}

// Listen opens the socket passively on port. The socket reaches Established when a
// remote connects.
func (s *Socket) Listen(port uint16) error {
	if s.State() != tcp.StateClosed {
		return stack.ErrInvalidState
	} else if port == 0 {
		return stack.ErrUnaddressable
	}
	return s.e.stack.ListenTCP(&s.conn, port)
}

// SendSlice implements stack.Socket.
func (s *Socket) SendSlice(b []byte) (int, error) {
	state := s.conn.State()
	if state != tcp.StateEstablished && state != tcp.StateCloseWait {
		return 0, stack.ErrInvalidState
	}
	n := min(len(b), s.conn.AvailableOutput())
	if n == 0 {
		return 0, nil
	}
	return s.conn.InternalHandler().Write(b[:n])
}

// RecvSlice implements stack.Socket.
func (s *Socket) RecvSlice(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if s.conn.BufferedInput() > 0 {
		return s.conn.InternalHandler().Read(b)
	}
	switch s.conn.State() {
	case tcp.StateEstablished, tcp.StateFinWait1, tcp.StateFinWait2:
		return 0, nil
	case tcp.StateCloseWait, tcp.StateLastAck, tcp.StateClosing, tcp.StateTimeWait:
		return 0, stack.ErrFinished
	}
	return 0, stack.ErrInvalidState
}

// State implements stack.Socket. A dialed socket that has not sent its SYN yet
// reports SynSent.
func (s *Socket) State() tcp.State {
	state := s.conn.State()
	if state == tcp.StateClosed && s.conn.InternalHandler().AwaitingSynSend() {
		return tcp.StateSynSent
	}
	return state
}

// RegisterSendWaker implements stack.Socket.
func (s *Socket) RegisterSendWaker(w sched.Waker) {
	s.sendWaker, s.sendState, s.sendArmed = w, s.State(), true
}

// RegisterRecvWaker implements stack.Socket.
func (s *Socket) RegisterRecvWaker(w sched.Waker) {
	s.recvWaker, s.recvState, s.recvArmed = w, s.State(), true
}

// Close starts an orderly close.
func (s *Socket) Close() error {
	switch s.State() {
	case tcp.StateClosed, tcp.StateTimeWait:
		return stack.ErrInvalidState
	}
	return s.conn.Close()
}

// Abort resets the connection.
func (s *Socket) Abort() { s.conn.Abort() }

func (s *Socket) fireWakers() {
	state := s.State()
	canSend := state == tcp.StateEstablished || state == tcp.StateCloseWait
	if s.sendArmed && (state != s.sendState || (canSend && s.conn.AvailableOutput() > 0)) {
		s.sendArmed = false
		s.sendWaker.Wake()
	}
	if s.recvArmed && (state != s.recvState || s.conn.BufferedInput() > 0) {
		s.recvArmed = false
		s.recvWaker.Wake()
	}
}

package stack

import (
	"net/netip"
	"time"

	"github.com/soypat/coopnet/sched"
	"github.com/soypat/lneto/tcp"
)

type errGeneric uint8

// Socket errors. Device operations that cannot make progress return iox.ErrWouldBlock.
const (
	_                errGeneric = iota // non-initialized err
	ErrInvalidState                    // invalid socket state
	ErrFinished                        // remote finished sending
	ErrUnaddressable                   // unaddressable endpoint
	ErrTableFull                       // socket table full
	ErrBadHandle                       // bad socket handle
)

func (err errGeneric) Error() string {
	return err.String()
}

func (err errGeneric) String() string {
	switch err {
	case ErrInvalidState:
		return "invalid socket state"
	case ErrFinished:
		return "remote finished sending"
	case ErrUnaddressable:
		return "unaddressable endpoint"
	case ErrTableFull:
		return "socket table full"
	case ErrBadHandle:
		return "bad socket handle"
	}
	return "errGeneric(?)"
}

// Device moves Ethernet frames between the protocol engine and the hardware.
// Both methods are non-blocking and return iox.ErrWouldBlock when no frame is
// available or the transmit ring is full.
type Device interface {
	ReceiveFrame(dst []byte) (int, error)
	TransmitFrame(frame []byte) error
	MTU() int
}

// Engine is a polled protocol engine. It performs all protocol work when polled and
// never blocks.
type Engine interface {
	// Poll processes frames received by dev, updates socket state machines and
	// transmits pending frames. It returns true if anything observable happened.
	Poll(now time.Time, dev Device, sockets *SocketSet) (progressed bool)
	// PollDelay returns how long the caller may wait before the engine needs to be
	// polled again in the absence of device activity. ok is false if there is no
	// protocol deadline.
	PollDelay(now time.Time, sockets *SocketSet) (delay time.Duration, ok bool)
}

// Socket is an engine-owned TCP socket state machine. Methods never block.
// Wakers are fired by the engine during [Engine.Poll] when the registered condition
// may hold and are then forgotten.
type Socket interface {
	// Connect starts an active open to remote from localPort.
	Connect(remote netip.AddrPort, localPort uint16) error
	// SendSlice enqueues as much of b as fits in the transmit buffer and returns
	// the number of bytes accepted, possibly 0.
	SendSlice(b []byte) (int, error)
	// RecvSlice dequeues up to len(b) received bytes, possibly 0. It returns
	// ErrFinished once the remote closed its sending side and all data was read.
	RecvSlice(b []byte) (int, error)
	State() tcp.State
	// RegisterSendWaker registers w to be fired when transmit space frees or the
	// state changes. Replaces a previous send registration.
	RegisterSendWaker(w sched.Waker)
	// RegisterRecvWaker registers w to be fired when data arrives or the state
	// changes. Replaces a previous receive registration.
	RegisterRecvWaker(w sched.Waker)
	Close() error
	Abort()
}

// Handle identifies a socket within a [SocketSet]. It stays valid for the lifetime of the set.
type Handle int

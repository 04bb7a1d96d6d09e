// Package tcpclient exposes TCP connect, send and receive on a shared network stack
// as operations that suspend the calling task until they can make progress.
//
// Every attempt borrows the stack, tries the operation once and, if nothing could be
// done, registers the task's waker with the socket before releasing the stack. The
// registration and the failed attempt happen inside the same borrow so a wake
// triggered by the next engine poll cannot be missed.
package tcpclient

import (
	"errors"
	"net/netip"

	"github.com/soypat/coopnet/sched"
	"github.com/soypat/coopnet/stack"
	"github.com/soypat/lneto/tcp"
)

var errNilStack = errors.New("tcpclient: nil stack or socket")

// Client is a handle to one socket of a shared stack. It owns no buffers; the
// socket's buffers are fixed when the socket is configured.
type Client struct {
	s *stack.Stack
	h stack.Handle
}

// New adds sock to the stack's socket table and returns a client for it.
func New(s *stack.Stack, sock stack.Socket) (*Client, error) {
	if s == nil || sock == nil {
		return nil, errNilStack
	}
	var h stack.Handle
	var err error
	s.Borrow(func(st *stack.State) {
		h, err = st.Sockets.Add(sock)
	})
	if err != nil {
		return nil, err
	}
	return &Client{s: s, h: h}, nil
}

// FromHandle returns a client for a socket already in the stack's table.
func FromHandle(s *stack.Stack, h stack.Handle) *Client {
	return &Client{s: s, h: h}
}

// Handle returns the client's socket handle.
func (c *Client) Handle() stack.Handle { return c.h }

// socket must be called inside a borrow.
func (c *Client) socket(st *stack.State) stack.Socket {
	sock, err := st.Sockets.Get(c.h)
	if err != nil {
		panic("tcpclient: socket handle not in table")
	}
	return sock
}

// Connect opens a connection to remote from localPort and suspends t until the
// handshake completes. It returns [stack.ErrInvalidState] without suspending if the
// socket ends up closed or in TIME-WAIT. Errors from starting the open are returned
// unchanged.
func (c *Client) Connect(t *sched.Task, remote netip.AddrPort, localPort uint16) error {
	var err error
	c.s.Borrow(func(st *stack.State) {
		err = c.socket(st).Connect(remote, localPort)
	})
	if err != nil {
		return err
	}
	for {
		var state tcp.State
		c.s.Borrow(func(st *stack.State) {
			sock := c.socket(st)
			state = sock.State()
			if state == tcp.StateSynSent || state == tcp.StateSynRcvd {
				w := t.Waker()
				sock.RegisterSendWaker(w)
				sock.RegisterRecvWaker(w)
			}
		})
		switch state {
		case tcp.StateClosed, tcp.StateTimeWait:
			return stack.ErrInvalidState
		case tcp.StateListen:
			panic("tcpclient: socket listening during connect")
		case tcp.StateSynSent, tcp.StateSynRcvd:
			t.Suspend()
		default:
			return nil
		}
	}
}

// Accept suspends t until a socket opened passively by its engine completes a
// handshake with a remote. It returns [stack.ErrInvalidState] if the socket is
// not listening or gets closed.
func (c *Client) Accept(t *sched.Task) error {
	for {
		var state tcp.State
		c.s.Borrow(func(st *stack.State) {
			sock := c.socket(st)
			state = sock.State()
			if state == tcp.StateListen || state == tcp.StateSynRcvd {
				sock.RegisterRecvWaker(t.Waker())
			}
		})
		switch state {
		case tcp.StateListen, tcp.StateSynRcvd:
			t.Suspend()
		case tcp.StateClosed, tcp.StateTimeWait, tcp.StateSynSent:
			return stack.ErrInvalidState
		default:
			return nil
		}
	}
}

// Send enqueues data from buf and returns the number of bytes accepted, suspending t
// while the transmit buffer has no space. It returns fewer than len(buf) bytes when
// buf does not fit. An empty buf returns 0 immediately.
func (c *Client) Send(t *sched.Task, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		var n int
		var err error
		c.s.Borrow(func(st *stack.State) {
			sock := c.socket(st)
			n, err = sock.SendSlice(buf)
			if err == nil && n == 0 {
				sock.RegisterSendWaker(t.Waker())
			}
		})
		if err != nil || n > 0 {
			return n, err
		}
		t.Suspend()
	}
}

// SendAll sends all of buf, suspending as many times as needed.
func (c *Client) SendAll(t *sched.Task, buf []byte) (int, error) {
	sent := 0
	for sent < len(buf) {
		n, err := c.Send(t, buf[sent:])
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// Recv reads received data into buf, suspending t until at least one byte is
// available. It returns 0 and a nil error once the remote closed its side and
// all data was read. An empty buf returns 0 immediately.
func (c *Client) Recv(t *sched.Task, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		var n int
		var err error
		c.s.Borrow(func(st *stack.State) {
			sock := c.socket(st)
			n, err = sock.RecvSlice(buf)
			if err == nil && n == 0 {
				sock.RegisterRecvWaker(t.Waker())
			}
		})
		if err == stack.ErrFinished {
			return 0, nil
		} else if err != nil || n > 0 {
			return n, err
		}
		t.Suspend()
	}
}

// State returns the socket's state.
func (c *Client) State() tcp.State {
	return stack.With(c.s, func(st *stack.State) tcp.State {
		return c.socket(st).State()
	})
}

// Close starts an orderly close of the connection. It does not suspend.
func (c *Client) Close() error {
	return stack.With(c.s, func(st *stack.State) error {
		return c.socket(st).Close()
	})
}

// Abort resets the connection. It does not suspend.
func (c *Client) Abort() {
	c.s.Borrow(func(st *stack.State) {
		c.socket(st).Abort()
	})
}

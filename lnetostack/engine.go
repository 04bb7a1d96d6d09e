// Package lnetostack adapts the lneto TCP/IP stack to the stack.Engine interface so
// that cooperative tasks can drive real lneto TCP connections over an ethdev device.
package lnetostack

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"code.hybscloud.com/iox"
	"github.com/soypat/coopnet/ethdev"
	"github.com/soypat/coopnet/internal"
	"github.com/soypat/coopnet/stack"
	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	defaultFrameBudget = 4
	defaultRetryDelay  = 10 * time.Millisecond
	defaultMaxSockets  = 4
	defaultMTU         = 1500
	txPacketQueueSize  = 3
)

var (
	errZeroSeed = errors.New("lnetostack: zero random seed")
	errMTU      = errors.New("lnetostack: MTU exceeds device frame size")
)

// Config configures an [Engine].
type Config struct {
	// Addr is the static IPv4 address of the stack.
	Addr netip.Addr
	// Subnet enables ARP resolution for remote addresses inside it. Remote
	// addresses outside the subnet are sent to Gateway.
	Subnet          netip.Prefix
	HardwareAddress [6]byte
	// Gateway is the hardware address frames are sent to when no ARP entry applies.
	Gateway  [6]byte
	Hostname string
	// MTU defaults to 1500.
	MTU int
	// MaxSockets bounds the number of TCP connections registered with the stack.
	MaxSockets int
	// RandSeed seeds initial sequence numbers. Must be non-zero.
	RandSeed int64
	// FrameBudget is the maximum number of frames received and sent per poll.
	FrameBudget int
	// RetryDelay is how long to wait before polling again while a connection
	// awaits a reply and there is nothing new to send.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Engine is a stack.Engine backed by an lneto stack.
type Engine struct {
	stack  xnet.StackAsync
	budget int
	retry  time.Duration
	rxbuf  [ethdev.MaxFrameSize]byte
	txbuf  [ethdev.MaxFrameSize]byte
	// pending is the length of an encapsulated frame the device did not accept.
	pending int
	// lastSent is the number of frames sent by the last poll and unsent the total
	// unsent socket data after it.
	lastSent int
	unsent   int
	logger
}

// New configures an lneto stack with a static address.
func New(cfg Config) (*Engine, error) {
	if cfg.RandSeed == 0 {
		return nil, errZeroSeed
	}
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	}
	if cfg.MTU+14 > ethdev.MaxFrameSize {
		return nil, errMTU
	}
	if cfg.MaxSockets <= 0 {
		cfg.MaxSockets = defaultMaxSockets
	}
	if cfg.FrameBudget <= 0 {
		cfg.FrameBudget = defaultFrameBudget
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	e := &Engine{
		budget: cfg.FrameBudget,
		retry:  cfg.RetryDelay,
		logger: logger{log: cfg.Logger},
	}
	err := e.stack.Reset(xnet.StackConfig{
		StaticAddress:   cfg.Addr,
		Hostname:        cfg.Hostname,
		MaxTCPConns:     cfg.MaxSockets,
		RandSeed:        cfg.RandSeed,
		HardwareAddress: cfg.HardwareAddress,
		MTU:             uint16(cfg.MTU),
	})
	if err != nil {
		return nil, err
	}
	if cfg.Subnet.IsValid() {
		e.stack.SetSubnet(cfg.Subnet)
	}
	if cfg.Gateway != [6]byte{} {
		e.stack.SetGateway6(cfg.Gateway)
	}
	return e, nil
}

// Addr returns the stack's IP address.
func (e *Engine) Addr() netip.Addr { return e.stack.Addr() }

// NewSocket returns a closed socket using txbuf and rxbuf as its buffers. The
// socket must be added to the stack's socket table.
func (e *Engine) NewSocket(txbuf, rxbuf []byte) (*Socket, error) {
	s := &Socket{e: e}
	err := s.conn.Configure(tcp.ConnConfig{
		RxBuf:             rxbuf,
		TxBuf:             txbuf,
		TxPacketQueueSize: txPacketQueueSize,
		Logger:            e.log,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Poll implements stack.Engine.
func (e *Engine) Poll(now time.Time, dev stack.Device, sockets *stack.SocketSet) bool {
	progressed := false
	for i := 0; i < e.budget; i++ {
		n, err := dev.ReceiveFrame(e.rxbuf[:])
		if err != nil {
			if !iox.IsWouldBlock(err) {
				e.logerr("lnetostack:receive", err)
			}
			break
		}
		progressed = true
		err = e.stack.Demux(e.rxbuf[:n], 0)
		if err != nil {
			e.debug("lnetostack:demux", slog.String("err", err.Error()), slog.Int("len", n))
		}
	}
	sent := 0
	for i := 0; i < e.budget; i++ {
		if e.pending == 0 {
			n, err := e.stack.Encapsulate(e.txbuf[:], -1, 0)
			if err != nil {
				e.debug("lnetostack:encapsulate", slog.String("err", err.Error()))
			}
			if n == 0 {
				break
			}
			e.pending = n
		}
		err := dev.TransmitFrame(e.txbuf[:e.pending])
		if err != nil {
			if !iox.IsWouldBlock(err) {
				e.logerr("lnetostack:transmit", err)
				e.pending = 0 // Frame cannot be sent at all, TCP retransmits.
			}
			break
		}
		e.trace("lnetostack:tx", slog.Int("len", e.pending))
		e.pending = 0
		sent++
	}
	e.lastSent = sent
	e.unsent = 0
	sockets.Range(func(h stack.Handle, s stack.Socket) bool {
		if sock, ok := s.(*Socket); ok {
			e.unsent += sock.conn.BufferedUnsent()
			sock.fireWakers()
		}
		return true
	})
	return progressed || sent > 0
}

// PollDelay implements stack.Engine. It returns zero when a connection is waiting
// to send its SYN, when new data was written since the last poll or when the last
// poll sent frames. Connections awaiting a reply are polled every RetryDelay.
func (e *Engine) PollDelay(now time.Time, sockets *stack.SocketSet) (time.Duration, bool) {
	urgent, waiting := false, e.pending > 0
	unsent := 0
	sockets.Range(func(h stack.Handle, s stack.Socket) bool {
		sock, ok := s.(*Socket)
		if !ok {
			return true
		}
		if sock.conn.InternalHandler().AwaitingSynSend() {
			urgent = true
			return false
		}
		unsent += sock.conn.BufferedUnsent()
		switch sock.conn.State() {
		case tcp.StateSynSent, tcp.StateSynRcvd, tcp.StateFinWait1, tcp.StateClosing, tcp.StateLastAck:
			waiting = true
		}
		return true
	})
	switch {
	case urgent:
		return 0, true
	case unsent > 0 && (unsent != e.unsent || e.lastSent > 0):
		return 0, true
	case e.pending > 0 && e.lastSent > 0:
		return 0, true
	case waiting || unsent > 0:
		return e.retry, true
	}
	return 0, false
}

type logger struct {
	log *slog.Logger
}

func (l logger) logerr(msg string, err error) {
	internal.LogAttrs(l.log, slog.LevelError, msg, slog.String("err", err.Error()))
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}

func (l logger) trace(msg string, attrs ...slog.Attr) {
	if internal.LogEnabled(l.log, internal.LevelTrace) {
		internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
	}
}

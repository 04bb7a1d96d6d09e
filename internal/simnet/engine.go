// Package simnet implements a deterministic in-process protocol engine for tests.
//
// The engine speaks a reduced TCP over Ethernet/IPv4 frames: three way handshake,
// cumulative acknowledgement with window based flow control, FIN and RST. There is
// no retransmission; the device is expected to be lossless, and a full transmit
// ring just postpones output to the next poll. Sequence numbers count payload bytes
// only and start at zero.
//
// Besides client sockets the engine hosts echo services. A frame addressed to a
// service is consumed by the engine itself, so with a loopback device a client
// socket talks to a service through real frames without any other network party.
package simnet

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/soypat/coopnet/ethdev"
	"github.com/soypat/coopnet/internal"
	"github.com/soypat/coopnet/stack"
)

const (
	defaultMSS         = 536
	defaultFrameBudget = 8
	defaultMaxServices = 2
	defaultTimeWait    = 100 * time.Millisecond
	maxResets          = 4
)

var (
	errMSS          = errors.New("simnet: MSS too large for a frame")
	errServiceTaken = errors.New("simnet: service address in use")
	errNoService    = errors.New("simnet: no service at address")
	errTooMany      = errors.New("simnet: service table full")
	errBadAddr      = errors.New("simnet: address must be IPv4")
	errBacklog      = errors.New("simnet: backlog must be positive")
)

// Config configures an [Engine].
type Config struct {
	// Addr is the local IPv4 address of client sockets.
	Addr            netip.Addr
	HardwareAddress [6]byte
	// MSS is the maximum payload per segment. Defaults to 536.
	MSS int
	// FrameBudget is the maximum number of frames received per poll. Defaults to 8.
	FrameBudget int
	// MaxServices defaults to 2.
	MaxServices int
	// TimeWait is how long sockets linger in TIME-WAIT. Defaults to 100ms.
	TimeWait time.Duration
	Logger   *slog.Logger
}

// Engine is a simulated protocol engine implementing stack.Engine.
type Engine struct {
	addr     netip.Addr
	hw       tcpip.LinkAddress
	mss      int
	budget   int
	timeWait time.Duration
	services []Service
	nsvc     int
	resets   [maxResets]reset
	nresets  int
	rxbuf    [ethdev.MaxFrameSize]byte
	txbuf    [ethdev.MaxFrameSize]byte
	scratch  [ethdev.MaxFrameSize]byte
	now      time.Time
	logger
}

type reset struct {
	src, dst endpoint
	ack      uint32
}

// New returns an engine with no sockets or services.
func New(cfg Config) (*Engine, error) {
	if !cfg.Addr.Is4() {
		return nil, errBadAddr
	}
	if cfg.MSS == 0 {
		cfg.MSS = defaultMSS
	}
	if cfg.FrameBudget <= 0 {
		cfg.FrameBudget = defaultFrameBudget
	}
	if cfg.MaxServices <= 0 {
		cfg.MaxServices = defaultMaxServices
	}
	if cfg.TimeWait <= 0 {
		cfg.TimeWait = defaultTimeWait
	}
	if cfg.MSS < 0 || cfg.MSS+hdrLen > ethdev.MaxFrameSize {
		return nil, errMSS
	}
	e := &Engine{
		addr:     cfg.Addr,
		hw:       tcpip.LinkAddress(cfg.HardwareAddress[:]),
		mss:      cfg.MSS,
		budget:   cfg.FrameBudget,
		timeWait: cfg.TimeWait,
		services: make([]Service, cfg.MaxServices),
		logger:   logger{log: cfg.Logger},
	}
	return e, nil
}

// NewSocket returns a closed socket using txbuf and rxbuf as its transmit and
// receive buffers. The socket must be added to the stack's socket table.
func (e *Engine) NewSocket(txbuf, rxbuf []byte) *Socket {
	if len(txbuf) == 0 || len(rxbuf) == 0 {
		panic("simnet: zero length socket buffer")
	}
	return &Socket{
		e:     e,
		state: stateClosed,
		tx:    internal.Ring{Buf: txbuf},
		rx:    internal.Ring{Buf: rxbuf},
	}
}

// Poll implements stack.Engine.
func (e *Engine) Poll(now time.Time, dev stack.Device, sockets *stack.SocketSet) bool {
	e.now = now
	progressed := false
	for i := 0; i < e.budget; i++ {
		n, err := dev.ReceiveFrame(e.rxbuf[:])
		if err != nil {
			break
		}
		progressed = true
		e.demux(e.rxbuf[:n], sockets)
	}
	sockets.Range(func(h stack.Handle, s stack.Socket) bool {
		if sock, ok := s.(*Socket); ok {
			progressed = sock.expire(now) || progressed
			progressed = sock.emit(dev) || progressed
		}
		return true
	})
	for i := range e.services[:e.nsvc] {
		progressed = e.services[i].emit(dev) || progressed
	}
	progressed = e.emitResets(dev) || progressed
	sockets.Range(func(h stack.Handle, s stack.Socket) bool {
		if sock, ok := s.(*Socket); ok {
			sock.fireWakers()
		}
		return true
	})
	return progressed
}

// PollDelay implements stack.Engine. It returns zero while there is output ready
// to be sent and the time left until the earliest TIME-WAIT expiry otherwise.
func (e *Engine) PollDelay(now time.Time, sockets *stack.SocketSet) (delay time.Duration, ok bool) {
	if e.nresets > 0 {
		return 0, true
	}
	for i := range e.services[:e.nsvc] {
		if e.services[i].hasOutput() {
			return 0, true
		}
	}
	sockets.Range(func(h stack.Handle, s stack.Socket) bool {
		sock, isSim := s.(*Socket)
		if !isSim {
			return true
		}
		if sock.hasOutput() {
			delay, ok = 0, true
			return false
		}
		if sock.state == stateTimeWait {
			d := max(sock.twDeadline.Sub(now), 0)
			if !ok || d < delay {
				delay, ok = d, true
			}
		}
		return true
	})
	return delay, ok
}

// Listen starts an echo service at addr that buffers up to backlog bytes.
func (e *Engine) Listen(addr netip.AddrPort, backlog int) (*Service, error) {
	if !addr.Addr().Is4() {
		return nil, errBadAddr
	} else if backlog <= 0 {
		return nil, errBacklog
	} else if e.service(addr) != nil {
		return nil, errServiceTaken
	} else if e.nsvc == len(e.services) {
		return nil, errTooMany
	}
	svc := &e.services[e.nsvc]
	svc.reset(e, addr, backlog)
	e.nsvc++
	e.info("simnet:listen", slog.String("addr", addr.String()), slog.Int("backlog", backlog))
	return svc, nil
}

// CloseService stops the service at addr. A connected peer receives a FIN once all
// echoed data was sent. New connections are refused.
func (e *Engine) CloseService(addr netip.AddrPort) error {
	svc := e.service(addr)
	if svc == nil {
		return errNoService
	}
	svc.closing = true
	return nil
}

// ResetService aborts the connection of the service at addr, sending a reset to its
// peer on the next poll. The service keeps listening.
func (e *Engine) ResetService(addr netip.AddrPort) error {
	svc := e.service(addr)
	if svc == nil {
		return errNoService
	}
	svc.needRst = svc.Connected()
	return nil
}

func (e *Engine) service(addr netip.AddrPort) *Service {
	for i := range e.services[:e.nsvc] {
		if e.services[i].local.addr == addr {
			return &e.services[i]
		}
	}
	return nil
}

func (e *Engine) demux(frame []byte, sockets *stack.SocketSet) {
	seg, ok := parseFrame(frame)
	if !ok {
		e.debug("simnet:drop-frame", slog.Int("len", len(frame)))
		return
	}
	e.trace("simnet:rx", slog.String("src", seg.src.String()), slog.String("dst", seg.dst.String()),
		slog.Uint64("flags", uint64(seg.flags)), slog.Int("payload", len(seg.payload)))
	if svc := e.service(seg.dst); svc != nil {
		svc.handle(&seg)
		return
	}
	handled := false
	sockets.Range(func(h stack.Handle, s stack.Socket) bool {
		sock, ok := s.(*Socket)
		if ok && sock.matches(&seg) {
			sock.handle(&seg)
			handled = true
			return false
		}
		return true
	})
	if !handled && !seg.has(flagRst) {
		e.queueReset(&seg)
	}
}

// queueReset schedules a RST in reply to seg.
func (e *Engine) queueReset(seg *segment) {
	if e.nresets == len(e.resets) {
		e.debug("simnet:reset-queue-full")
		return
	}
	e.resets[e.nresets] = reset{src: newEndpoint(seg.dst), dst: newEndpoint(seg.src), ack: seg.seq}
	e.nresets++
}

func (e *Engine) emitResets(dev stack.Device) (sent bool) {
	i := 0
	for ; i < e.nresets; i++ {
		r := &e.resets[i]
		if e.transmit(dev, r.src, r.dst, flagRst|flagAck, 0, r.ack, 0, nil) != nil {
			break
		}
		sent = true
	}
	n := copy(e.resets[:], e.resets[i:e.nresets])
	e.nresets = n
	return sent
}

func (e *Engine) transmit(dev stack.Device, src, dst endpoint, flags uint8, seq, ack uint32, wnd int, payload []byte) error {
	frame := encodeFrame(e.txbuf[:], e.hw, src, dst, flags, seq, ack, wnd, payload)
	err := dev.TransmitFrame(frame)
	if err != nil {
		return err
	}
	e.trace("simnet:tx", slog.String("src", src.addr.String()), slog.String("dst", dst.addr.String()),
		slog.Uint64("flags", uint64(flags)), slog.Int("payload", len(payload)))
	return nil
}

type logger struct {
	log *slog.Logger
}

func (l logger) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelInfo, msg, attrs...)
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}

func (l logger) trace(msg string, attrs ...slog.Attr) {
	if internal.LogEnabled(l.log, internal.LevelTrace) {
		internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
	}
}

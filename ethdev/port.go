// Package ethdev implements Ethernet frame devices that raise interrupts on an
// [irq.Line] the way a MAC with a DMA engine does.
//
// Devices queue frames in fixed-capacity lock-free rings allocated at construction.
// Receive and transmit never block: an empty receive ring or a full transmit path
// is reported as [iox.ErrWouldBlock].
package ethdev

import (
	"errors"
	"log/slog"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/soypat/coopnet/internal"
	"github.com/soypat/coopnet/irq"
)

// MaxFrameSize is the largest Ethernet frame a device can carry: 1500 byte payload,
// 14 byte header, 4 byte VLAN tag and 4 byte FCS.
const MaxFrameSize = 1522

const (
	defaultQueueSize = 8
	defaultMTU       = 1500
)

var (
	errFrameTooLarge = errors.New("ethdev: frame too large")
	errShortBuffer   = errors.New("ethdev: receive buffer shorter than frame")
	errQueueSize     = errors.New("ethdev: queue size must be a power of two")
	errMTU           = errors.New("ethdev: MTU out of range")
)

// Events is the interrupt status of a device.
type Events uint32

const (
	EventRx   Events = 1 << iota // frame received
	EventTx                      // frame transmitted
	EventLink                    // link status changed
)

func (ev Events) Has(flag Events) bool { return ev&flag != 0 }

// LinkStatuser is implemented by devices that can report link status.
type LinkStatuser interface {
	LinkUp() bool
}

// Frame is a single ring slot.
type Frame struct {
	n    int
	data [MaxFrameSize]byte
}

// Payload returns the frame bytes.
func (f *Frame) Payload() []byte { return f.data[:f.n] }

func (f *Frame) set(b []byte) error {
	if len(b) > len(f.data) {
		return errFrameTooLarge
	}
	f.n = copy(f.data[:], b)
	return nil
}

// Config configures a device.
type Config struct {
	// QueueSize is the receive ring capacity in frames. Must be a power of two. Defaults to 8.
	QueueSize int
	// MTU defaults to 1500.
	MTU int
	// Line is triggered whenever the device raises an event. May be nil.
	Line *irq.Line
	// Logger traces every frame at trace level.
	Logger *slog.Logger
}

func (cfg *Config) validate() error {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	}
	if cfg.QueueSize < 0 || cfg.QueueSize&(cfg.QueueSize-1) != 0 {
		return errQueueSize
	} else if cfg.MTU < 68 || cfg.MTU+18 > MaxFrameSize {
		return errMTU
	}
	return nil
}

// latch accumulates device events and asserts the interrupt line.
type latch struct {
	status atomix.Uint32
	line   *irq.Line
}

func (l *latch) raise(ev Events) {
	for {
		old := l.status.Load()
		if old&uint32(ev) == uint32(ev) || l.status.CompareAndSwap(old, old|uint32(ev)) {
			break
		}
	}
	if l.line != nil {
		l.line.Trigger()
	}
}

// ServiceInterrupt acknowledges and returns all events raised since the last call.
// It is called from the device's interrupt handler and does a bounded amount of work.
func (l *latch) ServiceInterrupt() Events {
	return Events(l.status.Swap(0))
}

// Port is an in-memory device whose transmitted frames land in a peer port's receive ring.
type Port struct {
	latch
	rx     lfq.SPSC[Frame]
	peer   *Port
	txslot Frame
	mtu    int
	down   atomix.Uint32
	stats  portStats
	logger
}

type portStats struct {
	rx    atomix.Uint32
	tx    atomix.Uint32
	drops atomix.Uint32
}

// NewLoopback returns a port that receives every frame it transmits.
func NewLoopback(cfg Config) (*Port, error) {
	p, err := newPort(cfg)
	if err != nil {
		return nil, err
	}
	p.peer = p
	return p, nil
}

// NewPipe returns two ports connected back to back. Each port has its own
// interrupt line.
func NewPipe(a, b Config) (*Port, *Port, error) {
	pa, err := newPort(a)
	if err != nil {
		return nil, nil, err
	}
	pb, err := newPort(b)
	if err != nil {
		return nil, nil, err
	}
	pa.peer, pb.peer = pb, pa
	return pa, pb, nil
}

func newPort(cfg Config) (*Port, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Port{
		latch:  latch{line: cfg.Line},
		mtu:    cfg.MTU,
		logger: logger{log: cfg.Logger},
	}
	p.rx.Init(cfg.QueueSize)
	return p, nil
}

// SetLine sets the interrupt line. Must be called before the port is used.
func (p *Port) SetLine(line *irq.Line) { p.line = line }

// MTU returns the port's maximum transmission unit.
func (p *Port) MTU() int { return p.mtu }

// TransmitFrame copies frame into the peer's receive ring. It returns
// iox.ErrWouldBlock if the peer ring is full or the link is down.
func (p *Port) TransmitFrame(frame []byte) error {
	if p.down.Load() != 0 {
		p.stats.drops.Add(1)
		return iox.ErrWouldBlock
	}
	err := p.txslot.set(frame)
	if err != nil {
		return err
	}
	err = p.peer.rx.Enqueue(&p.txslot)
	if err != nil {
		p.stats.drops.Add(1)
		return iox.ErrWouldBlock
	}
	p.stats.tx.Add(1)
	p.traceFrame("ethdev:tx", frame)
	p.peer.raise(EventRx)
	p.raise(EventTx)
	return nil
}

// ReceiveFrame copies the oldest received frame into dst and returns its length.
// It returns iox.ErrWouldBlock if no frame is queued.
func (p *Port) ReceiveFrame(dst []byte) (int, error) {
	f, err := p.rx.Dequeue()
	if err != nil {
		return 0, iox.ErrWouldBlock
	}
	if len(dst) < f.n {
		p.stats.drops.Add(1)
		return 0, errShortBuffer
	}
	n := copy(dst, f.data[:f.n])
	p.stats.rx.Add(1)
	p.traceFrame("ethdev:rx", dst[:n])
	return n, nil
}

// SetLink changes the link status and raises EventLink. While down, TransmitFrame
// refuses frames with iox.ErrWouldBlock so the caller may keep and retry them.
func (p *Port) SetLink(up bool) {
	var v uint32
	if !up {
		v = 1
	}
	if p.down.Swap(v) != v {
		internal.LogAttrs(p.log, slog.LevelInfo, "ethdev:link", slog.Bool("up", up))
		p.raise(EventLink)
	}
}

// LinkUp reports whether the link is up. Ports start with the link up.
func (p *Port) LinkUp() bool { return p.down.Load() == 0 }

// Stats returns the number of frames received, transmitted and dropped.
func (p *Port) Stats() (rx, tx, drops uint32) {
	return p.stats.rx.Load(), p.stats.tx.Load(), p.stats.drops.Load()
}

package simnet

import (
	"log/slog"
	"net/netip"

	"github.com/smallnest/ringbuffer"
	"github.com/soypat/coopnet/stack"
)

// Service is an echo service hosted by the engine. It serves one connection at a
// time and echoes every byte it receives, bounded by its backlog.
type Service struct {
	e       *Engine
	local   endpoint
	peer    endpoint
	backlog *ringbuffer.RingBuffer
	// pend holds a segment read from the backlog that the device did not accept yet.
	pend    []byte
	pendBuf []byte

	sndNxt, sndEdge uint32
	rcvNxt, advEdge uint32
	needSynAck      bool
	needAck         bool
	needRst         bool
	peerFin         bool
	closing         bool
	closed          bool

	accepted uint32
	received uint64
	echoed   uint64
}

func (svc *Service) reset(e *Engine, addr netip.AddrPort, backlog int) {
	*svc = Service{
		e:       e,
		local:   newEndpoint(addr),
		backlog: ringbuffer.New(backlog),
		pendBuf: make([]byte, e.mss),
	}
}

// Addr returns the address the service listens on.
func (svc *Service) Addr() netip.AddrPort { return svc.local.addr }

// Connected reports whether the service has a peer.
func (svc *Service) Connected() bool { return svc.peer.addr.IsValid() }

// Accepted returns the number of connections accepted.
func (svc *Service) Accepted() uint32 { return svc.accepted }

// Received returns the number of payload bytes received.
func (svc *Service) Received() uint64 { return svc.received }

// Echoed returns the number of payload bytes sent back.
func (svc *Service) Echoed() uint64 { return svc.echoed }

func (svc *Service) handle(seg *segment) {
	isPeer := svc.Connected() && seg.src == svc.peer.addr
	switch {
	case seg.has(flagRst):
		if isPeer {
			svc.e.debug("simnet:service-reset", slog.String("peer", seg.src.String()))
			svc.dropPeer()
		}
		return
	case seg.has(flagSyn):
		if isPeer {
			svc.needSynAck = true // Duplicate SYN.
		} else if svc.Connected() || svc.closing || svc.closed {
			svc.e.queueReset(seg)
		} else {
			svc.accept(seg)
		}
		return
	case !isPeer:
		if seg.has(flagFin) || len(seg.payload) > 0 {
			svc.e.queueReset(seg)
		}
		return
	}
	if seg.has(flagAck) {
		svc.sndEdge = seg.ack + uint32(seg.wnd)
	}
	if len(seg.payload) > 0 && seg.seq == svc.rcvNxt && !svc.peerFin {
		n, err := svc.backlog.Write(seg.payload)
		if err != nil {
			svc.e.debug("simnet:backlog-overrun", slog.Int("dropped", len(seg.payload)-n))
		}
		svc.rcvNxt += uint32(n)
		svc.received += uint64(n)
	} else if len(seg.payload) > 0 {
		svc.needAck = true // Unexpected sequence, reassert our state.
	}
	if seg.has(flagFin) {
		svc.peerFin = true
	}
}

func (svc *Service) accept(seg *segment) {
	svc.peer = newEndpoint(seg.src)
	svc.backlog.Reset()
	svc.pend = svc.pend[:0]
	svc.sndNxt, svc.rcvNxt, svc.advEdge = 0, seg.seq, 0
	svc.sndEdge = seg.ack + uint32(seg.wnd)
	svc.needSynAck = true
	svc.needAck = false
	svc.peerFin = false
	svc.accepted++
	svc.e.info("simnet:accept", slog.String("svc", svc.local.addr.String()), slog.String("peer", seg.src.String()))
}

func (svc *Service) dropPeer() {
	svc.peer = endpoint{}
	svc.backlog.Reset()
	svc.pend = svc.pend[:0]
	svc.needSynAck, svc.needAck, svc.needRst, svc.peerFin = false, false, false, false
	if svc.closing {
		svc.closed = true
	}
}

func (svc *Service) rcvEdge() uint32 { return svc.rcvNxt + uint32(svc.backlog.Free()) }

func (svc *Service) usableWindow() int { return int(int32(svc.sndEdge - svc.sndNxt)) }

func (svc *Service) finishing() bool {
	return (svc.peerFin || svc.closing) && svc.backlog.IsEmpty() && len(svc.pend) == 0
}

func (svc *Service) hasOutput() bool {
	switch {
	case !svc.Connected():
		return svc.closing && !svc.closed
	case svc.needRst, svc.needSynAck, svc.needAck, len(svc.pend) > 0, svc.finishing():
		return true
	case !svc.backlog.IsEmpty() && svc.usableWindow() > 0:
		return true
	}
	return svc.rcvEdge() != svc.advEdge
}

func (svc *Service) emit(dev stack.Device) (sent bool) {
	if !svc.Connected() {
		if svc.closing {
			svc.closed = true
		}
		return false
	}
	if svc.needRst {
		if svc.send(dev, flagRst|flagAck, nil) != nil {
			return false
		}
		svc.e.info("simnet:service-rst", slog.String("peer", svc.peer.addr.String()))
		svc.dropPeer()
		return true
	}
	if svc.needSynAck {
		if svc.send(dev, flagSyn|flagAck, nil) != nil {
			return false
		}
		svc.needSynAck = false
		sent = true
	}
	for {
		if len(svc.pend) == 0 {
			n := min(svc.backlog.Length(), len(svc.pendBuf), svc.usableWindow())
			if n <= 0 {
				break
			}
			n, _ = svc.backlog.Read(svc.pendBuf[:n])
			svc.pend = svc.pendBuf[:n]
		}
		if svc.send(dev, flagAck|flagPsh, svc.pend) != nil {
			return sent
		}
		svc.sndNxt += uint32(len(svc.pend))
		svc.echoed += uint64(len(svc.pend))
		svc.pend = svc.pend[:0]
		sent = true
	}
	if svc.finishing() {
		if svc.send(dev, flagFin|flagAck, nil) != nil {
			return sent
		}
		svc.e.info("simnet:service-fin", slog.String("peer", svc.peer.addr.String()))
		svc.dropPeer()
		return true
	}
	if svc.needAck || svc.rcvEdge() != svc.advEdge {
		if svc.send(dev, flagAck, nil) == nil {
			sent = true
		}
	}
	return sent
}

func (svc *Service) send(dev stack.Device, flags uint8, payload []byte) error {
	edge := svc.rcvEdge()
	err := svc.e.transmit(dev, svc.local, svc.peer, flags, svc.sndNxt, svc.rcvNxt, svc.backlog.Free(), payload)
	if err != nil {
		return err
	}
	svc.advEdge = edge
	svc.needAck = false
	return nil
}

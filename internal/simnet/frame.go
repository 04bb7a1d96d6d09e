package simnet

import (
	"net/netip"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
)

const (
	hdrLen = header.EthernetMinimumSize + header.IPv4MinimumSize + header.TCPMinimumSize

	flagFin = header.TCPFlagFin
	flagSyn = header.TCPFlagSyn
	flagRst = header.TCPFlagRst
	flagPsh = header.TCPFlagPsh
	flagAck = header.TCPFlagAck
)

// segment is a parsed frame. payload aliases the engine's receive buffer.
type segment struct {
	src, dst netip.AddrPort
	flags    uint8
	seq, ack uint32
	wnd      int
	payload  []byte
}

func (seg *segment) has(flag uint8) bool { return seg.flags&flag != 0 }

// endpoint is one side of a simulated connection with its IP address in wire form.
type endpoint struct {
	addr netip.AddrPort
	ip   tcpip.Address
}

func newEndpoint(addr netip.AddrPort) endpoint {
	ip4 := addr.Addr().As4()
	return endpoint{addr: addr, ip: tcpip.Address(ip4[:])}
}

// parseFrame decodes an Ethernet/IPv4/TCP frame. ok is false for anything else.
func parseFrame(frame []byte) (seg segment, ok bool) {
	if len(frame) < hdrLen {
		return seg, false
	}
	eth := header.Ethernet(frame)
	if eth.Type() != header.IPv4ProtocolNumber {
		return seg, false
	}
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	if !ip.IsValid(len(ip)) || ip.Protocol() != uint8(header.TCPProtocolNumber) {
		return seg, false
	}
	tcp := header.TCP(ip.Payload())
	if len(tcp) < header.TCPMinimumSize || int(tcp.DataOffset()) > len(tcp) {
		return seg, false
	}
	srcIP, ok1 := netip.AddrFromSlice([]byte(ip.SourceAddress()))
	dstIP, ok2 := netip.AddrFromSlice([]byte(ip.DestinationAddress()))
	if !ok1 || !ok2 {
		return seg, false
	}
	seg = segment{
		src:     netip.AddrPortFrom(srcIP, tcp.SourcePort()),
		dst:     netip.AddrPortFrom(dstIP, tcp.DestinationPort()),
		flags:   tcp.Flags(),
		seq:     tcp.SequenceNumber(),
		ack:     tcp.AckNumber(),
		wnd:     int(tcp.WindowSize()),
		payload: tcp.Payload(),
	}
	return seg, true
}

// encodeFrame writes an Ethernet/IPv4/TCP frame into dst and returns it.
func encodeFrame(dst []byte, hw tcpip.LinkAddress, src, to endpoint, flags uint8, seq, ack uint32, wnd int, payload []byte) []byte {
	frame := dst[:hdrLen+len(payload)]
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: hw,
		DstAddr: hw,
		Type:    header.IPv4ProtocolNumber,
	})
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(len(ip)),
		TTL:         64,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     src.ip,
		DstAddr:     to.ip,
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	tcp := header.TCP(ip[header.IPv4MinimumSize:])
	tcp.Encode(&header.TCPFields{
		SrcPort:    src.addr.Port(),
		DstPort:    to.addr.Port(),
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: uint16(min(wnd, 0xffff)),
	})
	copy(tcp[header.TCPMinimumSize:], payload)
	return frame
}

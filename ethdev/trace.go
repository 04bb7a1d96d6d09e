package ethdev

import (
	"log/slog"

	"github.com/google/netstack/tcpip/header"
	"github.com/soypat/coopnet/internal"
)

type logger struct {
	log *slog.Logger
}

func (l logger) logerr(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelError, msg, attrs...)
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}

// traceFrame logs the Ethernet, IPv4 and TCP headers of frame at trace level.
func (l logger) traceFrame(msg string, frame []byte) {
	if !internal.LogEnabled(l.log, internal.LevelTrace) {
		return
	}
	attrs := frameAttrs(frame)
	internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
}

func frameAttrs(frame []byte) []slog.Attr {
	attrs := []slog.Attr{slog.Int("len", len(frame))}
	if len(frame) < header.EthernetMinimumSize {
		return append(attrs, slog.Bool("runt", true))
	}
	eth := header.Ethernet(frame)
	attrs = append(attrs,
		slog.String("dst", eth.DestinationAddress().String()),
		slog.String("src", eth.SourceAddress().String()),
		slog.Uint64("ethertype", uint64(eth.Type())),
	)
	if eth.Type() != header.IPv4ProtocolNumber {
		return attrs
	}
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	if !ip.IsValid(len(ip)) {
		return append(attrs, slog.Bool("badip", true))
	}
	attrs = append(attrs,
		slog.String("ipsrc", ip.SourceAddress().String()),
		slog.String("ipdst", ip.DestinationAddress().String()),
	)
	if ip.Protocol() != uint8(header.TCPProtocolNumber) {
		return attrs
	}
	tcp := header.TCP(ip.Payload())
	if len(tcp) < header.TCPMinimumSize {
		return attrs
	}
	return append(attrs,
		slog.Uint64("sport", uint64(tcp.SourcePort())),
		slog.Uint64("dport", uint64(tcp.DestinationPort())),
		slog.Uint64("seq", uint64(tcp.SequenceNumber())),
		slog.Uint64("ack", uint64(tcp.AckNumber())),
		slog.Uint64("flags", uint64(tcp.Flags())),
		slog.Int("payload", len(tcp.Payload())),
	)
}

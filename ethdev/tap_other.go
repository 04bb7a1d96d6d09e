//go:build !linux || tinygo

package ethdev

import (
	"errors"
	"net/netip"

	"github.com/soypat/coopnet/irq"
)

type Tap struct {
}

func NewTap(name string, ip netip.Prefix, cfg Config) (*Tap, error) {
	return nil, errors.ErrUnsupported
}

func (tap *Tap) SetLine(line *irq.Line) {}
func (tap *Tap) Name() string           { return "" }
func (tap *Tap) MTU() int               { return 0 }
func (tap *Tap) Serve() error           { return errors.ErrUnsupported }
func (tap *Tap) LinkUp() bool           { return false }
func (tap *Tap) Close() error           { return errors.ErrUnsupported }
func (tap *Tap) ServiceInterrupt() Events {
	return 0
}
func (tap *Tap) ReceiveFrame(dst []byte) (int, error) {
	return 0, errors.ErrUnsupported
}
func (tap *Tap) TransmitFrame(frame []byte) error {
	return errors.ErrUnsupported
}
func (tap *Tap) Stats() (rx, tx, drops uint32) { return 0, 0, 0 }

//go:build linux && !tinygo

package ethdev

import (
	"log/slog"
	"net/netip"
	"os/exec"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/pkg/errors"
	"github.com/soypat/coopnet/irq"
	"golang.org/x/sys/unix"
)

const tapPollTimeoutMillis = 100

// Tap is a Linux TAP interface. A goroutine running [Tap.Serve] plays the part of
// the receive DMA engine: it moves frames from the kernel into the receive ring and
// asserts the interrupt line.
type Tap struct {
	latch
	fd      int
	name    string
	mtu     int
	rx      lfq.SPSC[Frame]
	serving atomix.Uint32
	closed  atomix.Uint32
	stats   portStats
	logger
}

// NewTap creates the TAP interface name. If ip is valid the interface is brought up
// and assigned the address using the ip command.
func NewTap(name string, ip netip.Prefix, cfg Config) (*Tap, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "opening tun device")
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "tap name")
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "creating tap interface %s", name)
	}
	err = unix.SetNonblock(fd, true)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "tap nonblock")
	}
	if ip.IsValid() {
		err = exec.Command("ip", "link", "set", "dev", name, "up").Run()
		if err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "setting ip link up")
		}
		err = exec.Command("ip", "addr", "add", ip.String(), "dev", name).Run()
		if err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "assigning ip address")
		}
	}
	tap := &Tap{
		latch:  latch{line: cfg.Line},
		fd:     fd,
		name:   name,
		mtu:    cfg.MTU,
		logger: logger{log: cfg.Logger},
	}
	tap.rx.Init(cfg.QueueSize)
	if mtu, err := tap.kernelMTU(); err == nil && mtu < tap.mtu {
		tap.mtu = mtu
	}
	tap.debug("ethdev:tap-open", slog.String("name", name), slog.Int("mtu", tap.mtu))
	return tap, nil
}

// SetLine sets the interrupt line. Must be called before Serve.
func (tap *Tap) SetLine(line *irq.Line) { tap.line = line }

// Name returns the interface name.
func (tap *Tap) Name() string { return tap.name }

// MTU returns the interface's maximum transmission unit.
func (tap *Tap) MTU() int { return tap.mtu }

// Serve reads frames from the interface until [Tap.Close] is called. Only one
// goroutine may call Serve.
func (tap *Tap) Serve() error {
	if !tap.serving.CompareAndSwap(0, 1) {
		panic("ethdev: tap served twice")
	}
	var slot Frame
	var bo iox.Backoff
	fds := []unix.PollFd{{Fd: int32(tap.fd), Events: unix.POLLIN}}
	for tap.closed.Load() == 0 {
		n, err := unix.Poll(fds, tapPollTimeoutMillis)
		if err == unix.EINTR || n == 0 {
			continue
		} else if err != nil {
			return errors.Wrap(err, "tap poll")
		}
		n, err = unix.Read(tap.fd, slot.data[:])
		if err == unix.EAGAIN {
			continue
		} else if err != nil {
			if tap.closed.Load() != 0 {
				return nil
			}
			return errors.Wrap(err, "tap read")
		}
		slot.n = n
		// A full ring stalls reception until the foreground drains it, as DMA does
		// when it runs out of descriptors.
		for tap.rx.Enqueue(&slot) != nil {
			if tap.closed.Load() != 0 {
				return nil
			}
			tap.raise(EventRx)
			bo.Wait()
		}
		bo.Reset()
		tap.raise(EventRx)
	}
	return nil
}

// ReceiveFrame copies the oldest received frame into dst. It returns
// iox.ErrWouldBlock if no frame is queued.
func (tap *Tap) ReceiveFrame(dst []byte) (int, error) {
	f, err := tap.rx.Dequeue()
	if err != nil {
		return 0, iox.ErrWouldBlock
	}
	if len(dst) < f.n {
		tap.stats.drops.Add(1)
		return 0, errShortBuffer
	}
	n := copy(dst, f.data[:f.n])
	tap.stats.rx.Add(1)
	tap.traceFrame("ethdev:tap-rx", dst[:n])
	return n, nil
}

// TransmitFrame writes frame to the interface. It returns iox.ErrWouldBlock if the
// kernel queue is full.
func (tap *Tap) TransmitFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return errFrameTooLarge
	}
	_, err := unix.Write(tap.fd, frame)
	if err == unix.EAGAIN {
		tap.stats.drops.Add(1)
		return iox.ErrWouldBlock
	} else if err != nil {
		tap.logerr("ethdev:tap-tx", slog.String("err", err.Error()))
		return errors.Wrap(err, "tap write")
	}
	tap.stats.tx.Add(1)
	tap.traceFrame("ethdev:tap-tx", frame)
	tap.raise(EventTx)
	return nil
}

// LinkUp reports whether the interface is open.
func (tap *Tap) LinkUp() bool { return tap.closed.Load() == 0 }

// Stats returns the number of frames received, transmitted and dropped.
func (tap *Tap) Stats() (rx, tx, drops uint32) {
	return tap.stats.rx.Load(), tap.stats.tx.Load(), tap.stats.drops.Load()
}

// Close closes the interface and stops Serve.
func (tap *Tap) Close() error {
	if !tap.closed.CompareAndSwap(0, 1) {
		return nil
	}
	tap.raise(EventLink)
	return unix.Close(tap.fd)
}

func (tap *Tap) kernelMTU() (int, error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_IP)
	if err != nil {
		return 0, err
	}
	defer unix.Close(sock)
	ifr, err := unix.NewIfreq(tap.name)
	if err != nil {
		return 0, err
	}
	err = unix.IoctlIfreq(sock, unix.SIOCGIFMTU, ifr)
	if err != nil {
		return 0, err
	}
	return int(ifr.Uint32()), nil
}

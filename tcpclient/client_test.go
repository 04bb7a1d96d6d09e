package tcpclient

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/soypat/coopnet/bridge"
	"github.com/soypat/coopnet/ethdev"
	"github.com/soypat/coopnet/internal/simnet"
	"github.com/soypat/coopnet/irq"
	"github.com/soypat/coopnet/sched"
	"github.com/soypat/coopnet/stack"
	"github.com/soypat/lneto/tcp"
)

const (
	localPort = 1234
	maxIter   = 4000
)

var (
	localAddr = netip.MustParseAddr("10.106.0.251")
	svcAddr   = netip.MustParseAddrPort("10.106.0.1:8001")
)

type harness struct {
	sched  *sched.Scheduler
	engine *simnet.Engine
	svc    *simnet.Service
	stack  *stack.Stack
	client *Client
	bridge *bridge.Bridge
}

type harnessConfig struct {
	txSize, rxSize int
	backlog        int
	mss            int
}

// newHarness wires a loopback device, a simulated engine hosting an echo service,
// one client socket and the poll task. app runs as task 0 and the poller as task 1.
func newHarness(t *testing.T, cfg harnessConfig, app func(h *harness, t *sched.Task)) *harness {
	t.Helper()
	if cfg.txSize == 0 {
		cfg.txSize = 1024
	}
	if cfg.rxSize == 0 {
		cfg.rxSize = 1024
	}
	if cfg.backlog == 0 {
		cfg.backlog = 512
	}
	line := irq.NewLine("eth", nil)
	dev, err := ethdev.NewLoopback(ethdev.Config{Line: line, QueueSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	var notify sched.Notify
	h := &harness{}
	h.bridge = bridge.New(dev, &notify, nil)
	line.SetHandler(h.bridge.Handle)
	h.engine, err = simnet.New(simnet.Config{
		Addr:            localAddr,
		HardwareAddress: [6]byte{0x12, 1, 2, 3, 4, 5},
		MSS:             cfg.mss,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.svc, err = h.engine.Listen(svcAddr, cfg.backlog)
	if err != nil {
		t.Fatal(err)
	}
	var slots [2]stack.Socket
	h.stack = stack.NewStack(line, h.engine, slots[:])
	sock := h.engine.NewSocket(make([]byte, cfg.txSize), make([]byte, cfg.rxSize))
	h.client, err = New(h.stack, sock)
	if err != nil {
		t.Fatal(err)
	}
	poller := &stack.Poller{Stack: h.stack, Device: dev, Notify: &notify}
	var done bool
	appTask := func(tk *sched.Task) {
		if done {
			tk.Suspend()
			return
		}
		app(h, tk)
		done = true
	}
	h.sched, err = sched.New(sched.Config{}, appTask, poller.Run)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) run(t *testing.T, cond func() bool) {
	t.Helper()
	if err := h.sched.RunUntil(cond, maxIter); err != nil {
		t.Fatal(err)
	}
}

func TestLoopbackEcho(t *testing.T) {
	const size = 1024
	sent := make([]byte, size)
	for i := range sent {
		sent[i] = byte(i * 7)
	}
	got := make([]byte, 0, size)
	var finished bool
	h := newHarness(t, harnessConfig{}, func(h *harness, tk *sched.Task) {
		if err := h.client.Connect(tk, svcAddr, localPort); err != nil {
			t.Error("connect:", err)
			finished = true
			return
		}
		n, err := h.client.Send(tk, sent)
		if err != nil || n != size {
			t.Errorf("send n=%d err=%v", n, err)
		}
		var buf [256]byte
		for len(got) < size {
			n, err := h.client.Recv(tk, buf[:])
			if err != nil || n == 0 {
				t.Errorf("recv n=%d err=%v", n, err)
				break
			}
			got = append(got, buf[:n]...)
		}
		finished = true
	})
	h.run(t, func() bool { return finished })
	if !bytes.Equal(got, sent) {
		t.Fatalf("echo mismatch: got %d bytes", len(got))
	}
	if h.svc.Echoed() != size || h.svc.Received() != size {
		t.Fatalf("service received=%d echoed=%d", h.svc.Received(), h.svc.Echoed())
	}
	if h.bridge.Stats().Interrupts == 0 {
		t.Fatal("no interrupts serviced")
	}
}

func TestSequentialSendsInOrder(t *testing.T) {
	chunks := []string{"first|", "second|", "third|", "fourth"}
	var want string
	for _, c := range chunks {
		want += c
	}
	var got []byte
	var finished bool
	// Small segments and backlog force several round trips.
	h := newHarness(t, harnessConfig{txSize: 16, backlog: 8, mss: 5}, func(h *harness, tk *sched.Task) {
		defer func() { finished = true }()
		if err := h.client.Connect(tk, svcAddr, localPort); err != nil {
			t.Error(err)
			return
		}
		for _, c := range chunks {
			if _, err := h.client.SendAll(tk, []byte(c)); err != nil {
				t.Error(err)
				return
			}
		}
		var buf [32]byte
		for len(got) < len(want) {
			n, err := h.client.Recv(tk, buf[:])
			if err != nil || n == 0 {
				t.Errorf("recv n=%d err=%v", n, err)
				return
			}
			got = append(got, buf[:n]...)
		}
	})
	h.run(t, func() bool { return finished })
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestOversizedSendPartial(t *testing.T) {
	const txSize = 64
	var n int
	var err error
	var suspended uint64
	var finished bool
	h := newHarness(t, harnessConfig{txSize: txSize}, func(h *harness, tk *sched.Task) {
		defer func() { finished = true }()
		if err := h.client.Connect(tk, svcAddr, localPort); err != nil {
			t.Error(err)
			return
		}
		before := tk.Resumptions()
		n, err = h.client.Send(tk, make([]byte, 100))
		suspended = tk.Resumptions() - before
	})
	h.run(t, func() bool { return finished })
	if err != nil {
		t.Fatal(err)
	}
	if n != txSize {
		t.Fatalf("send accepted %d bytes, want %d", n, txSize)
	}
	if suspended != 0 {
		t.Fatal("send with free buffer space suspended")
	}
}

func TestRecvEmptyBuffer(t *testing.T) {
	var n int
	var err error
	var suspended uint64
	var finished bool
	h := newHarness(t, harnessConfig{}, func(h *harness, tk *sched.Task) {
		defer func() { finished = true }()
		if err := h.client.Connect(tk, svcAddr, localPort); err != nil {
			t.Error(err)
			return
		}
		before := tk.Resumptions()
		n, err = h.client.Recv(tk, nil)
		suspended = tk.Resumptions() - before
	})
	h.run(t, func() bool { return finished })
	if n != 0 || err != nil || suspended != 0 {
		t.Fatalf("n=%d err=%v suspended=%d", n, err, suspended)
	}
}

func TestRecvAfterRemoteClose(t *testing.T) {
	var n int
	var err error
	var state tcp.State
	var finished bool
	h := newHarness(t, harnessConfig{}, func(h *harness, tk *sched.Task) {
		defer func() { finished = true }()
		if err := h.client.Connect(tk, svcAddr, localPort); err != nil {
			t.Error(err)
			return
		}
		h.stack.Borrow(func(*stack.State) {
			h.engine.CloseService(svcAddr)
		})
		var buf [16]byte
		n, err = h.client.Recv(tk, buf[:])
		state = h.client.State()
		// A second read after end of stream must still not fail.
		if n2, err2 := h.client.Recv(tk, buf[:]); n2 != 0 || err2 != nil {
			t.Errorf("second recv n=%d err=%v", n2, err2)
		}
	})
	h.run(t, func() bool { return finished })
	if n != 0 || err != nil {
		t.Fatalf("recv after close n=%d err=%v, want 0 nil", n, err)
	}
	if state != tcp.StateCloseWait {
		t.Fatalf("state=%v, want CloseWait", state)
	}
}

func TestConnectRefused(t *testing.T) {
	var err error
	var finished bool
	h := newHarness(t, harnessConfig{}, func(h *harness, tk *sched.Task) {
		defer func() { finished = true }()
		err = h.client.Connect(tk, netip.MustParseAddrPort("10.106.0.1:9999"), localPort)
	})
	h.run(t, func() bool { return finished })
	if err != stack.ErrInvalidState {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
	if h.client.State() != tcp.StateClosed {
		t.Fatalf("state=%v after refused connect", h.client.State())
	}
}

func TestActiveClose(t *testing.T) {
	var finished bool
	var states []tcp.State
	h := newHarness(t, harnessConfig{}, func(h *harness, tk *sched.Task) {
		defer func() { finished = true }()
		if err := h.client.Connect(tk, svcAddr, localPort); err != nil {
			t.Error(err)
			return
		}
		h.client.SendAll(tk, []byte("bye"))
		if err := h.client.Close(); err != nil {
			t.Error(err)
			return
		}
		var buf [8]byte
		n, err := h.client.Recv(tk, buf[:])
		if err != nil || string(buf[:n]) != "bye" {
			t.Errorf("echo before close n=%d err=%v", n, err)
		}
		n, err = h.client.Recv(tk, buf[:])
		if n != 0 || err != nil {
			t.Errorf("end of stream n=%d err=%v", n, err)
		}
		states = append(states, h.client.State())
		// TIME-WAIT refuses a new connect without suspending.
		before := tk.Resumptions()
		err = h.client.Connect(tk, svcAddr, localPort)
		if err != stack.ErrInvalidState || tk.Resumptions() != before {
			t.Errorf("connect in TIME-WAIT err=%v suspended=%v", err, tk.Resumptions() != before)
		}
	})
	h.run(t, func() bool { return finished })
	if len(states) != 1 || states[0] != tcp.StateTimeWait {
		t.Fatalf("states=%v, want [TimeWait]", states)
	}
}

func TestSendAfterAbort(t *testing.T) {
	var err error
	var finished bool
	h := newHarness(t, harnessConfig{}, func(h *harness, tk *sched.Task) {
		defer func() { finished = true }()
		if err := h.client.Connect(tk, svcAddr, localPort); err != nil {
			t.Error(err)
			return
		}
		h.client.Abort()
		_, err = h.client.Send(tk, []byte("x"))
	})
	h.run(t, func() bool { return finished })
	if err != stack.ErrInvalidState {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
	// The abort reset reaches the service.
	h.run(t, func() bool { return !h.svc.Connected() })
}

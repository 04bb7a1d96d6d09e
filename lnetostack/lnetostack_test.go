package lnetostack

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/soypat/coopnet/bridge"
	"github.com/soypat/coopnet/ethdev"
	"github.com/soypat/coopnet/irq"
	"github.com/soypat/coopnet/sched"
	"github.com/soypat/coopnet/stack"
	"github.com/soypat/coopnet/tcpclient"
	"github.com/soypat/lneto/tcp"
)

var (
	clientHW = [6]byte{0x12, 1, 2, 3, 4, 5}
	serverHW = [6]byte{0x12, 1, 2, 3, 4, 6}
	serverAP = netip.MustParseAddrPort("10.0.0.1:8001")
)

// node is one side of a pipe: device, interrupt bridge, engine and stack.
type node struct {
	engine *Engine
	stack  *stack.Stack
	poller *stack.Poller
	sock   *Socket
	client *tcpclient.Client
}

func newNode(t *testing.T, dev *ethdev.Port, line *irq.Line, addr netip.Addr, hw, gw [6]byte) *node {
	t.Helper()
	var notify sched.Notify
	b := bridge.New(dev, &notify, nil)
	line.SetHandler(b.Handle)
	dev.SetLine(line)
	engine, err := New(Config{
		Addr:            addr,
		HardwareAddress: hw,
		Gateway:         gw,
		Hostname:        "coopnet-test",
		RandSeed:        int64(hw[5]) + 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	sock, err := engine.NewSocket(make([]byte, 1024), make([]byte, 1024))
	if err != nil {
		t.Fatal(err)
	}
	var slots [1]stack.Socket
	n := &node{engine: engine, sock: sock}
	n.stack = stack.NewStack(line, engine, slots[:])
	n.client, err = tcpclient.New(n.stack, sock)
	if err != nil {
		t.Fatal(err)
	}
	n.poller = &stack.Poller{Stack: n.stack, Device: dev, Notify: &notify}
	return n
}

func newPair(t *testing.T) (client, server *node) {
	t.Helper()
	devc, devs, err := ethdev.NewPipe(ethdev.Config{QueueSize: 16}, ethdev.Config{QueueSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	client = newNode(t, devc, irq.NewLine("client", nil), netip.MustParseAddr("10.0.0.2"), clientHW, serverHW)
	server = newNode(t, devs, irq.NewLine("server", nil), serverAP.Addr(), serverHW, clientHW)
	server.stack.Borrow(func(*stack.State) {
		err = server.sock.Listen(serverAP.Port())
	})
	if err != nil {
		t.Fatal(err)
	}
	return client, server
}

func TestNewConfig(t *testing.T) {
	if _, err := New(Config{Addr: serverAP.Addr()}); err != errZeroSeed {
		t.Errorf("zero seed: %v", err)
	}
	if _, err := New(Config{Addr: serverAP.Addr(), RandSeed: 1, MTU: ethdev.MaxFrameSize}); err != errMTU {
		t.Errorf("oversized MTU: %v", err)
	}
}

func TestSocketClosedErrors(t *testing.T) {
	e, err := New(Config{Addr: serverAP.Addr(), RandSeed: 1})
	if err != nil {
		t.Fatal(err)
	}
	sock, err := e.NewSocket(make([]byte, 64), make([]byte, 64))
	if err != nil {
		t.Fatal(err)
	}
	if sock.State() != tcp.StateClosed {
		t.Fatalf("new socket state %v", sock.State())
	}
	if _, err := sock.SendSlice([]byte("x")); err != stack.ErrInvalidState {
		t.Errorf("send on closed: %v", err)
	}
	if _, err := sock.RecvSlice(make([]byte, 1)); err != stack.ErrInvalidState {
		t.Errorf("recv on closed: %v", err)
	}
	if err := sock.Close(); err != stack.ErrInvalidState {
		t.Errorf("close on closed: %v", err)
	}
	if err := sock.Connect(netip.AddrPortFrom(serverAP.Addr(), 0), 1000); err != stack.ErrUnaddressable {
		t.Errorf("connect to port 0: %v", err)
	}
}

func TestConnectReportsSynSent(t *testing.T) {
	e, err := New(Config{Addr: netip.MustParseAddr("10.0.0.2"), RandSeed: 1, Gateway: serverHW})
	if err != nil {
		t.Fatal(err)
	}
	sock, err := e.NewSocket(make([]byte, 64), make([]byte, 64))
	if err != nil {
		t.Fatal(err)
	}
	var slots [1]stack.Socket
	sockets := stack.NewSocketSet(slots[:])
	sockets.Add(sock)
	if _, ok := e.PollDelay(time.Time{}, &sockets); ok {
		t.Fatal("idle engine asked for a poll")
	}
	if err := sock.Connect(serverAP, 1000); err != nil {
		t.Fatal(err)
	}
	if sock.State() != tcp.StateSynSent {
		t.Fatalf("state after connect %v", sock.State())
	}
	if d, ok := e.PollDelay(time.Time{}, &sockets); !ok || d != 0 {
		t.Fatalf("pending SYN delay=%v ok=%v", d, ok)
	}
	if err := sock.Connect(serverAP, 1000); err != stack.ErrInvalidState {
		t.Fatalf("second connect: %v", err)
	}
}

func TestPipeEcho(t *testing.T) {
	client, server := newPair(t)
	msg := bytes.Repeat([]byte("cooperative "), 40)
	var got []byte
	var clientDone, serverDone bool
	// eofRepeat is the result of reading again after the server saw end of stream.
	eofRepeat := -1

	clientApp := func(tk *sched.Task) {
		if clientDone {
			tk.Suspend()
			return
		}
		defer func() { clientDone = true }()
		if err := client.client.Connect(tk, serverAP, 1234); err != nil {
			t.Error("connect:", err)
			return
		}
		if _, err := client.client.SendAll(tk, msg); err != nil {
			t.Error("send:", err)
			return
		}
		var buf [128]byte
		for len(got) < len(msg) {
			n, err := client.client.Recv(tk, buf[:])
			if err != nil || n == 0 {
				t.Errorf("recv n=%d err=%v", n, err)
				return
			}
			got = append(got, buf[:n]...)
		}
		if err := client.client.Close(); err != nil {
			t.Error("close:", err)
		}
	}
	serverApp := func(tk *sched.Task) {
		if serverDone {
			tk.Suspend()
			return
		}
		defer func() { serverDone = true }()
		if err := server.client.Accept(tk); err != nil {
			t.Error("accept:", err)
			return
		}
		var buf [100]byte
		for {
			n, err := server.client.Recv(tk, buf[:])
			if err != nil {
				t.Error("server recv:", err)
				return
			} else if n == 0 {
				break // Client closed.
			}
			if _, err := server.client.SendAll(tk, buf[:n]); err != nil {
				t.Error("server send:", err)
				return
			}
		}
		n, err := server.client.Recv(tk, buf[:])
		if err != nil {
			t.Error("recv after end of stream:", err)
			return
		}
		eofRepeat = n
		server.client.Close()
	}
	s, err := sched.New(sched.Config{}, clientApp, serverApp, client.poller.Run, server.poller.Run)
	if err != nil {
		t.Fatal(err)
	}
	err = s.RunUntil(func() bool { return clientDone && serverDone }, 20000)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("echo mismatch: got %d of %d bytes", len(got), len(msg))
	}
	if eofRepeat != 0 {
		t.Fatalf("read after end of stream returned %d bytes, want 0", eofRepeat)
	}
}

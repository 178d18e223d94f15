package reactor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lattice-systems/reactornet/internal/conntable"
	"github.com/lattice-systems/reactornet/internal/dispatch"
	"github.com/lattice-systems/reactornet/internal/security"
	"github.com/lattice-systems/reactornet/internal/workerpool"
	"github.com/lattice-systems/reactornet/internal/wsproto"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// fakeConn satisfies rawConn without touching a real socket, for tests that
// drive the reactor's internal event handlers directly.
type fakeConn struct{}

func (fakeConn) Read(b []byte) (int, error)        { return 0, io.EOF }
func (fakeConn) Write(b []byte) (int, error)       { return len(b), nil }
func (fakeConn) Close() error                      { return nil }
func (fakeConn) SetReadDeadline(t time.Time) error { return nil }

func permissiveGate() *security.Gate {
	return security.NewGate(security.Config{
		MaxPerIP:        100,
		ConnectWindow:   time.Second,
		ConnectLimit:    1000,
		RequestWindow:   time.Second,
		RequestLimit:    1000,
		ConnectStrategy: security.FixedWindow,
		RequestStrategy: security.FixedWindow,
	})
}

func newTestReactor(t *testing.T, reg *dispatch.Registry) *Reactor {
	t.Helper()
	r, err := New(Options{
		Addr:     "127.0.0.1:0",
		MaxFD:    64,
		Gate:     permissiveGate(),
		Registry: reg,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.listener.Close() })
	return r
}

func TestHandleAcceptOpensSlotWithHTTPRole(t *testing.T) {
	r := newTestReactor(t, dispatch.New(func(req *dispatch.Request) string { return "" }))

	reply := make(chan acceptReply, 1)
	r.handleAccept(event{kind: evAccept, conn: fakeConn{}, ip: "10.0.0.1", port: 4000, reply: reply})
	rep := <-reply
	if !rep.ok {
		t.Fatal("expected accept to be admitted")
	}

	slot, ok := r.table.Get(rep.fd)
	if !ok {
		t.Fatal("expected an open slot for the accepted fd")
	}
	if slot.Generation != rep.generation {
		t.Fatalf("slot generation %d does not match reply generation %d", slot.Generation, rep.generation)
	}
	if slot.Role != conntable.RoleHTTP {
		t.Fatalf("expected new connections to start in the HTTP role, got %v", slot.Role)
	}
}

func TestPendingTaskBuffersRawBytesUntilCompletionArrives(t *testing.T) {
	var dispatched []string

	reg := dispatch.New(func(req *dispatch.Request) string { return string(req.Payload) })
	reg.On("/work", func(req *dispatch.Request) dispatch.Outcome {
		put := req.Context["put_task"].(func(func() dispatch.Outcome) bool)
		if !put(func() dispatch.Outcome { return dispatch.Ok }) {
			t.Error("expected put_task submit to be accepted")
		}
		return dispatch.Deferred
	})
	reg.On("/ping", func(req *dispatch.Request) dispatch.Outcome {
		dispatched = append(dispatched, "ping")
		return dispatch.Ok
	})

	r := newTestReactor(t, reg)
	r.pool.Start()
	defer r.pool.Stop()

	reply := make(chan acceptReply, 1)
	r.handleAccept(event{kind: evAccept, conn: fakeConn{}, ip: "10.0.0.2", reply: reply})
	rep := <-reply

	r.handleData(event{
		kind: evData, fd: rep.fd, generation: rep.generation,
		data: []byte("GET /work HTTP/1.1\r\nHost: x\r\n\r\n"),
	})

	slot, ok := r.table.Get(rep.fd)
	if !ok || !slot.PendingTask {
		t.Fatal("expected PendingTask to be set after a Deferred outcome")
	}

	r.handleData(event{
		kind: evData, fd: rep.fd, generation: rep.generation,
		data: []byte("GET /ping HTTP/1.1\r\nHost: x\r\n\r\n"),
	})
	if len(dispatched) != 0 {
		t.Fatal("the pipelined request must not dispatch while a task is still pending")
	}
	if len(slot.RecvBuf) == 0 {
		t.Fatal("expected the pipelined request's bytes to be buffered in RecvBuf")
	}

	waitFor(t, func() bool { return r.completions.Len() > 0 })
	r.drainCompletions()

	if slot.PendingTask {
		t.Fatal("expected PendingTask to clear once the completion was applied")
	}
	if len(dispatched) != 1 || dispatched[0] != "ping" {
		t.Fatalf("expected the buffered request to dispatch after resume, got %v", dispatched)
	}
}

// Two pipelined requests delivered in a single read: the first defers to
// a worker, leaving the second already parsed-and-buffered inside the
// httpproto.Parser itself (never touching slot.RecvBuf, since no second
// handleData call ever arrives to populate it). resumePipelined must
// still drain it once the first request's completion lands.
func TestResumePipelinedDrainsParserBufferedSecondRequest(t *testing.T) {
	var dispatched []string

	reg := dispatch.New(func(req *dispatch.Request) string { return string(req.Payload) })
	reg.On("/work", func(req *dispatch.Request) dispatch.Outcome {
		put := req.Context["put_task"].(func(func() dispatch.Outcome) bool)
		if !put(func() dispatch.Outcome { return dispatch.Ok }) {
			t.Error("expected put_task submit to be accepted")
		}
		return dispatch.Deferred
	})
	reg.On("/ping", func(req *dispatch.Request) dispatch.Outcome {
		dispatched = append(dispatched, "ping")
		return dispatch.Ok
	})

	r := newTestReactor(t, reg)
	r.pool.Start()
	defer r.pool.Stop()

	reply := make(chan acceptReply, 1)
	r.handleAccept(event{kind: evAccept, conn: fakeConn{}, ip: "10.0.0.3", reply: reply})
	rep := <-reply

	r.handleData(event{
		kind: evData, fd: rep.fd, generation: rep.generation,
		data: []byte("GET /work HTTP/1.1\r\nHost: x\r\n\r\nGET /ping HTTP/1.1\r\nHost: x\r\n\r\n"),
	})

	slot, ok := r.table.Get(rep.fd)
	if !ok || !slot.PendingTask {
		t.Fatal("expected PendingTask to be set after a Deferred outcome")
	}
	if len(slot.RecvBuf) != 0 {
		t.Fatal("the second request arrived in the same read, so RecvBuf must stay empty")
	}

	waitFor(t, func() bool { return r.completions.Len() > 0 })
	r.drainCompletions()

	if len(dispatched) != 1 || dispatched[0] != "ping" {
		t.Fatalf("expected the parser-buffered second request to dispatch on resume, got %v", dispatched)
	}
}

func TestStaleCompletionIsDroppedAfterFDReuse(t *testing.T) {
	r := newTestReactor(t, dispatch.New(func(req *dispatch.Request) string { return "" }))

	reply1 := make(chan acceptReply, 1)
	r.handleAccept(event{kind: evAccept, conn: fakeConn{}, ip: "10.0.0.3", reply: reply1})
	rep1 := <-reply1

	r.closeConn(rep1.fd, "test")

	reply2 := make(chan acceptReply, 1)
	r.handleAccept(event{kind: evAccept, conn: fakeConn{}, ip: "10.0.0.4", reply: reply2})
	rep2 := <-reply2

	if rep2.fd != rep1.fd {
		t.Fatalf("expected fd reuse (smallest-free-first); old=%d new=%d", rep1.fd, rep2.fd)
	}
	if rep2.generation == rep1.generation {
		t.Fatal("expected the generation to advance across reuse")
	}

	r.completions.Push(workerpool.Completion{FD: rep1.fd, Generation: rep1.generation, Outcome: dispatch.Close})
	r.drainCompletions()

	slot, ok := r.table.Get(rep2.fd)
	if !ok || slot.Generation != rep2.generation {
		t.Fatal("a stale-generation completion must not touch the new occupant of a reused fd")
	}
}

func TestCloseFunnelRunsGateClearThenCallbackThenTableClose(t *testing.T) {
	gate := permissiveGate()
	var sawGateCleared, sawSlotStillOpen bool
	var closedFD int32
	var closedIP string
	var r *Reactor

	r, err := New(Options{
		Addr:     "127.0.0.1:0",
		MaxFD:    64,
		Gate:     gate,
		Registry: dispatch.New(func(req *dispatch.Request) string { return "" }),
		Logger:   zerolog.Nop(),
		OnClose: func(fd int32, ip string) {
			closedFD, closedIP = fd, ip
			sawGateCleared = gate.ActiveConnections(ip) == 0
			_, sawSlotStillOpen = r.table.Get(fd)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.listener.Close() })

	reply := make(chan acceptReply, 1)
	r.handleAccept(event{kind: evAccept, conn: fakeConn{}, ip: "10.2.0.1", reply: reply})
	rep := <-reply

	r.closeConn(rep.fd, "test")

	if closedFD != rep.fd || closedIP != "10.2.0.1" {
		t.Fatalf("OnClose received unexpected fd/ip: %d %q", closedFD, closedIP)
	}
	if !sawGateCleared {
		t.Fatal("expected the gate to already be cleared when OnClose runs")
	}
	if !sawSlotStillOpen {
		t.Fatal("expected the table slot to still be open when OnClose runs")
	}
	if _, ok := r.table.Get(rep.fd); ok {
		t.Fatal("expected the table slot to be closed once closeConn returns")
	}
}

func TestActiveConnectionsBalanceAcrossAcceptAndClose(t *testing.T) {
	r := newTestReactor(t, dispatch.New(func(req *dispatch.Request) string { return "" }))

	var fds []int32
	for i := 0; i < 5; i++ {
		reply := make(chan acceptReply, 1)
		r.handleAccept(event{kind: evAccept, conn: fakeConn{}, ip: fmt.Sprintf("10.1.0.%d", i), reply: reply})
		rep := <-reply
		if !rep.ok {
			t.Fatalf("accept %d was rejected", i)
		}
		fds = append(fds, rep.fd)
	}
	if got := r.ActiveConnections(); got != 5 {
		t.Fatalf("expected 5 active connections, got %d", got)
	}

	for _, fd := range fds[:2] {
		r.closeConn(fd, "test")
	}
	if got := r.ActiveConnections(); got != 3 {
		t.Fatalf("expected 3 active connections after closing 2, got %d", got)
	}
}

// A connection whose bad-score crosses the gate's close threshold gets
// auto-banned (and, on its next accept attempt, rejected outright).
func TestBadScoreThresholdAutoBansIP(t *testing.T) {
	strictGate := security.NewGate(security.Config{
		Open:            true,
		MaxPerIP:        100,
		ConnectWindow:   time.Second,
		ConnectLimit:    1000,
		RequestWindow:   time.Hour,
		RequestLimit:    1,
		ConnectStrategy: security.FixedWindow,
		RequestStrategy: security.FixedWindow,
	})
	reg := dispatch.New(func(req *dispatch.Request) string { return "" })
	reg.Fallback(func(req *dispatch.Request) dispatch.Outcome { return dispatch.Ok })

	r, err := New(Options{
		Addr:     "127.0.0.1:0",
		MaxFD:    64,
		Gate:     strictGate,
		Registry: reg,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.listener.Close() })

	reply := make(chan acceptReply, 1)
	r.handleAccept(event{kind: evAccept, conn: fakeConn{}, ip: "10.5.0.1", reply: reply})
	rep := <-reply

	req := []byte("GET /x HTTP/1.1\r\nHost: x\r\n\r\n")
	for i := 0; i < 6; i++ {
		if _, ok := r.table.Get(rep.fd); !ok {
			break
		}
		r.handleData(event{kind: evData, fd: rep.fd, generation: rep.generation, data: req})
	}

	if !strictGate.IsBanned("10.5.0.1", time.Now()) {
		t.Fatal("expected the IP to be auto-banned once its bad score hit the close threshold")
	}

	reply2 := make(chan acceptReply, 1)
	r.handleAccept(event{kind: evAccept, conn: fakeConn{}, ip: "10.5.0.1", reply: reply2})
	if rep2 := <-reply2; rep2.ok {
		t.Fatal("expected a reconnect attempt from a banned IP to be rejected")
	}
}

func TestEndToEndHTTPRequestAndWebSocketEcho(t *testing.T) {
	reg := dispatch.New(func(req *dispatch.Request) string { return "" })
	reg.Fallback(func(req *dispatch.Request) dispatch.Outcome {
		write := req.Context["write"].(func([]byte) bool)
		if _, isWS := req.Context["opcode"]; isWS {
			write(wsproto.EncodeFrame(wsproto.OpText, true, req.Payload))
			return dispatch.Ok
		}
		body := []byte("pong")
		write([]byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n", len(body))))
		write(body)
		return dispatch.Ok
	})

	r, err := New(Options{
		Addr:     "127.0.0.1:0",
		MaxFD:    64,
		Gate:     permissiveGate(),
		Registry: reg,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(runDone)
	}()
	defer func() {
		cancel()
		r.Shutdown()
		<-runDone
	}()

	addr := r.Addr().String()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET /ping HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.Contains(status, "200") {
		t.Fatalf("expected a 200 response, got %q", status)
	}

	wsConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer wsConn.Close()

	upgrade := "GET /chat HTTP/1.1\r\n" +
		"Host: x\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := wsConn.Write([]byte(upgrade)); err != nil {
		t.Fatalf("write upgrade: %v", err)
	}

	wsReader := bufio.NewReader(wsConn)
	upgradeStatus, err := wsReader.ReadString('\n')
	if err != nil {
		t.Fatalf("read upgrade status: %v", err)
	}
	if !strings.Contains(upgradeStatus, "101") {
		t.Fatalf("expected a 101 response, got %q", upgradeStatus)
	}
	expectedAccept := wsproto.AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	for {
		line, err := wsReader.ReadString('\n')
		if err != nil {
			t.Fatalf("read upgrade headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
		if strings.HasPrefix(line, "Sec-WebSocket-Accept:") && !strings.Contains(line, expectedAccept) {
			t.Fatalf("unexpected Sec-WebSocket-Accept: %q", line)
		}
	}

	frame := wsproto.EncodeFrame(wsproto.OpText, true, []byte("hello"))
	masked := maskClientFrame(frame)
	if _, err := wsConn.Write(masked); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	echoConn := wsproto.New(time.Now())
	readBuf := make([]byte, 256)
	deadline := time.Now().Add(2 * time.Second)
	wsConn.SetReadDeadline(deadline)
	for {
		n, err := wsConn.Read(readBuf)
		if err != nil {
			t.Fatalf("read echo: %v", err)
		}
		res := echoConn.Feed(readBuf[:n])
		if res == wsproto.MessageReady {
			if string(echoConn.Message().Payload) != "hello" {
				t.Fatalf("expected echoed payload %q, got %q", "hello", echoConn.Message().Payload)
			}
			break
		}
	}
}

// maskClientFrame rewrites an unmasked server-style frame (as EncodeFrame
// produces) into a masked client-style frame, since RFC 6455 requires
// every frame a server receives to be masked.
func maskClientFrame(frame []byte) []byte {
	out := append([]byte(nil), frame[:2]...)
	out[1] |= 0x80 // set MASK bit
	key := [4]byte{0x11, 0x22, 0x33, 0x44}
	out = append(out, key[:]...)
	payload := append([]byte(nil), frame[2:]...)
	for i := range payload {
		payload[i] ^= key[i%4]
	}
	out = append(out, payload...)
	return out
}

// Package reactor wires the connection table, security gate, worker pool,
// and dispatch registry into the single-owner event loop (C8). Exactly one
// goroutine — the one running Run — ever touches the connection table, the
// security gate, or a Slot's fields; every other goroutine this package
// spawns (one reader and one writer per connection, plus worker pool
// goroutines) only ever communicates inward through the inbox channel or
// the completion queue.
//
// Go has no portable way to watch an arbitrary net.Conn for readiness the
// way the framework's epoll-based original does, and no portable way to
// read its underlying file descriptor either. Each connection instead gets
// its own goroutine blocked in Read with a short per-call deadline, purely
// so it can notice shutdown promptly; every byte it reads is handed to the
// reactor goroutine as an event rather than parsed in place. fdPool hands
// out the small dense integers internal/conntable is keyed on, standing in
// for the kernel-assigned descriptors the spec was written against.
package reactor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lattice-systems/reactornet/internal/conntable"
	"github.com/lattice-systems/reactornet/internal/dispatch"
	"github.com/lattice-systems/reactornet/internal/events"
	"github.com/lattice-systems/reactornet/internal/httpproto"
	"github.com/lattice-systems/reactornet/internal/ring"
	"github.com/lattice-systems/reactornet/internal/security"
	"github.com/lattice-systems/reactornet/internal/telemetry"
	"github.com/lattice-systems/reactornet/internal/tlsadapt"
	"github.com/lattice-systems/reactornet/internal/workerpool"
	"github.com/lattice-systems/reactornet/internal/wsproto"
)

const (
	defaultMaxFD              = 65536
	defaultBufferSize         = 16 * 1024
	defaultMaxBody            = 4 * 1024 * 1024
	defaultWorkerQueueSize    = 4096
	defaultCompletionQueueCap = 4096
	defaultSendQueueCap       = 64

	eventQueueCap = 4096

	readPollInterval     = time.Second
	handshakeStepTimeout = time.Second
	tlsHandshakeTimeout  = 10 * time.Second

	// autoBanSeconds is how long an IP is banned once its bad-score crosses
	// the gate's close threshold (spec.md §3's badScore escalation path).
	autoBanSeconds = 60
)

// Options configures a Reactor. Gate and Registry are required; everything
// else has a default matching internal/config's.
type Options struct {
	Addr        string
	TLSProvider *tlsadapt.Provider // nil disables TLS

	MaxFD              int
	BufferSize         int // per-connection read chunk size, in bytes
	MaxBody            int // largest HTTP request body accepted, in bytes
	WorkerCount        int
	WorkerQueueSize    int
	CompletionQueueCap int
	SendQueueCap       int // per-connection outbound buffer depth

	HeartbeatIdle       time.Duration
	HeartbeatAckTimeout time.Duration

	// ZombieSweepInterval is spec.md §6's check_frequency: how often the
	// idle-zombie reaper runs. <=0 disables periodic zombie sweeps
	// entirely, matching the spec's "-1 disables" convention (zombie
	// detection itself is separately gated by Gate's ConnectionTimeout).
	ZombieSweepInterval time.Duration

	Gate     *security.Gate
	Registry *dispatch.Registry
	Logger   zerolog.Logger
	Events   *events.Publisher

	// OnClose, if set, runs once per connection as part of the close
	// funnel, after the gate has been cleared and before the fd is
	// released back to the pool.
	OnClose func(fd int32, ip string)
}

type eventKind int

const (
	evAccept eventKind = iota
	evData
	evClosed
)

type acceptReply struct {
	fd         int32
	generation uint64
	ok         bool
}

type event struct {
	kind       eventKind
	fd         int32
	generation uint64
	data       []byte
	conn       rawConn
	ip         string
	port       uint16
	err        error
	reply      chan acceptReply
}

type connHandle struct {
	conn rawConn
	send chan []byte
}

// Reactor is the event loop (C8): one accept goroutine, one reader and one
// writer goroutine per live connection, one worker pool, and exactly one
// goroutine running the select loop in Run.
type Reactor struct {
	opts        Options
	listener    net.Listener
	tlsProvider *tlsadapt.Provider
	readBufSize int

	table *conntable.Table
	fds   *fdPool
	conns map[int32]*connHandle

	gate     *security.Gate
	registry *dispatch.Registry
	pool     *workerpool.Pool

	completions *ring.MPSC[workerpool.Completion]
	logger      zerolog.Logger
	events      *events.Publisher

	inbox chan event
	wg    sync.WaitGroup

	stopOnce sync.Once
	stopc    chan struct{}
	donec    chan struct{}
}

// New builds a Reactor bound to opts.Addr. The listener is opened
// immediately; no connections are accepted until Run is called.
func New(opts Options) (*Reactor, error) {
	if opts.Gate == nil {
		return nil, fmt.Errorf("reactor: Options.Gate is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("reactor: Options.Registry is required")
	}
	if opts.MaxFD <= 0 {
		opts.MaxFD = defaultMaxFD
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = defaultMaxBody
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = runtime.GOMAXPROCS(0)
	}
	if opts.WorkerQueueSize <= 0 {
		opts.WorkerQueueSize = defaultWorkerQueueSize
	}
	if opts.CompletionQueueCap <= 0 {
		opts.CompletionQueueCap = defaultCompletionQueueCap
	}
	if opts.SendQueueCap <= 0 {
		opts.SendQueueCap = defaultSendQueueCap
	}
	if opts.HeartbeatIdle <= 0 {
		opts.HeartbeatIdle = 30 * time.Second
	}
	if opts.HeartbeatAckTimeout <= 0 {
		opts.HeartbeatAckTimeout = 10 * time.Second
	}
	if opts.Events == nil {
		opts.Events = events.Noop()
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, &Error{Kind: Fatal, Op: "listen", Err: err}
	}

	completions := ring.NewMPSC[workerpool.Completion](opts.CompletionQueueCap)
	pool := workerpool.New(opts.WorkerCount, opts.WorkerQueueSize, completions, opts.Logger)

	return &Reactor{
		opts:        opts,
		listener:    ln,
		tlsProvider: opts.TLSProvider,
		readBufSize: opts.BufferSize,
		table:       conntable.New(opts.MaxFD, opts.BufferSize),
		fds:         newFDPool(opts.MaxFD),
		conns:       make(map[int32]*connHandle),
		gate:        opts.Gate,
		registry:    opts.Registry,
		pool:        pool,
		completions: completions,
		logger:      opts.Logger,
		events:      opts.Events,
		inbox:       make(chan event, eventQueueCap),
		stopc:       make(chan struct{}),
		donec:       make(chan struct{}),
	}, nil
}

// Addr returns the listener's bound address.
func (r *Reactor) Addr() net.Addr {
	return r.listener.Addr()
}

// ActiveConnections reports the number of currently open connections. Safe
// to call from any goroutine for diagnostics, but the value may be stale
// by the time it's read.
func (r *Reactor) ActiveConnections() int {
	return r.table.Len()
}

// Run starts accepting connections and drives the event loop until ctx is
// canceled or Shutdown is called. Either path runs the same drain-and-close
// sequence from inside this goroutine before returning, preserving the
// single-owner invariant even during teardown.
func (r *Reactor) Run(ctx context.Context) error {
	r.pool.Start()
	go r.acceptLoop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var zombieTickC <-chan time.Time
	if r.opts.ZombieSweepInterval > 0 {
		zombieTicker := time.NewTicker(r.opts.ZombieSweepInterval)
		defer zombieTicker.Stop()
		zombieTickC = zombieTicker.C
	}

	for {
		select {
		case ev := <-r.inbox:
			r.handleEvent(ev)
			r.drainCompletions()
		case <-ticker.C:
			r.tick()
		case <-zombieTickC:
			r.zombieSweep(time.Now())
		case <-ctx.Done():
			r.drainAndClose()
			close(r.donec)
			return ctx.Err()
		case <-r.stopc:
			r.drainAndClose()
			close(r.donec)
			return nil
		}
	}
}

// Shutdown requests a graceful stop and blocks until Run's drain-and-close
// sequence has finished. Safe to call more than once and from any
// goroutine.
func (r *Reactor) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopc) })
	<-r.donec
}

func (r *Reactor) push(ev event) {
	r.inbox <- ev
}

// acceptLoop only ever calls Accept and hands the raw connection off to
// onAccept; it never touches shared reactor state directly.
func (r *Reactor) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.stopc:
				return
			default:
			}
			r.logger.Warn().Err(err).Msg("reactor: accept failed")
			continue
		}
		go r.onAccept(conn)
	}
}

// onAccept runs the (optional) TLS handshake, asks the reactor goroutine to
// admit the connection, and — only once admitted — starts the blocking
// read loop. It never mutates conntable, the gate, or r.conns itself.
func (r *Reactor) onAccept(raw net.Conn) {
	host, portStr, err := net.SplitHostPort(raw.RemoteAddr().String())
	if err != nil {
		raw.Close()
		return
	}
	portNum, _ := strconv.ParseUint(portStr, 10, 16)

	var rc rawConn = raw
	if r.tlsProvider != nil {
		tc := r.tlsProvider.Accept(raw)
		if err := r.handshakeTLS(tc); err != nil {
			r.logger.Debug().Err(err).Str("ip", host).Msg("reactor: tls handshake failed")
			tc.Shutdown()
			return
		}
		rc = tlsRawConn{c: tc}
	}

	reply := make(chan acceptReply, 1)
	r.push(event{kind: evAccept, conn: rc, ip: host, port: uint16(portNum), reply: reply})

	var rep acceptReply
	select {
	case rep = <-reply:
	case <-r.stopc:
		rc.Close()
		return
	}
	if !rep.ok {
		rc.Close()
		return
	}
	r.readLoop(rep.fd, rep.generation, rc)
}

// handshakeTLS drives tc's handshake to completion, giving the underlying
// socket a bounded deadline per attempt so a slow or silent peer cannot
// wedge this goroutine forever.
func (r *Reactor) handshakeTLS(tc *tlsadapt.Conn) error {
	deadline := time.Now().Add(tlsHandshakeTimeout)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("reactor: tls handshake timeout")
		}
		_ = tc.SetReadDeadline(time.Now().Add(handshakeStepTimeout))
		switch tc.HandshakeStep() {
		case tlsadapt.Done:
			return nil
		case tlsadapt.NeedRead, tlsadapt.NeedWrite:
			continue
		default:
			return fmt.Errorf("reactor: tls handshake failed")
		}
	}
}

// readLoop does nothing but blocking reads and forwarding; it owns no
// shared state and is safe to run concurrently with every other
// connection's readLoop.
func (r *Reactor) readLoop(fd int32, generation uint64, rc rawConn) {
	defer r.wg.Done()
	buf := make([]byte, r.readBufSize)
	for {
		_ = rc.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := rc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.push(event{kind: evData, fd: fd, generation: generation, data: chunk})
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			r.push(event{kind: evClosed, fd: fd, generation: generation, err: err})
			return
		}
	}
}

// writerLoop serializes every write for one connection, so the reactor
// goroutine can hand off response bytes with a non-blocking channel send
// (trySend) instead of risking a slow peer stalling the event loop.
func (r *Reactor) writerLoop(fd int32, generation uint64, h *connHandle) {
	defer r.wg.Done()
	for buf := range h.send {
		if err := writeFull(h.conn, buf); err != nil {
			r.push(event{kind: evClosed, fd: fd, generation: generation, err: err})
			return
		}
		telemetry.BytesWritten.Add(float64(len(buf)))
	}
}

// writeFull drives conn.Write to completion, retrying the TLS
// NeedRead/NeedWrite steps stepErr reports as os.ErrDeadlineExceeded.
func writeFull(conn rawConn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if n > 0 {
			buf = buf[n:]
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return err
		}
	}
	return nil
}

func (r *Reactor) handleEvent(ev event) {
	switch ev.kind {
	case evAccept:
		r.handleAccept(ev)
	case evData:
		r.handleData(ev)
	case evClosed:
		r.handleClosed(ev)
	}
}

// handleAccept is the only place a connection's FD, generation, and Slot
// come into existence. It runs the full admit sequence spec.md §4.3
// describes for a new connection: acquire an FD, check the gate, open the
// table slot, then start this connection's writer and reader.
func (r *Reactor) handleAccept(ev event) {
	now := time.Now()

	fd, ok := r.fds.acquire()
	if !ok {
		telemetry.ConnectionsRejected.WithLabelValues(ResourceExhausted.String()).Inc()
		r.events.ConnectionRejected(ev.ip, ResourceExhausted.String(), now)
		ev.reply <- acceptReply{ok: false}
		return
	}

	if decision := r.gate.AllowConnect(ev.ip, fd, now); decision != security.Allow {
		r.fds.release(fd)
		telemetry.ConnectionsRejected.WithLabelValues(SecurityDeny.String()).Inc()
		r.events.ConnectionRejected(ev.ip, SecurityDeny.String(), now)
		ev.reply <- acceptReply{ok: false}
		return
	}

	slot, ok := r.table.Open(fd, ev.ip, ev.port, now)
	if !ok {
		r.gate.Clear(ev.ip, fd)
		r.fds.release(fd)
		ev.reply <- acceptReply{ok: false}
		return
	}
	slot.Role = conntable.RoleHTTP
	slot.ProtocolState = httpproto.New(r.opts.BufferSize, r.opts.MaxBody)

	h := &connHandle{conn: ev.conn, send: make(chan []byte, r.opts.SendQueueCap)}
	r.conns[fd] = h

	r.wg.Add(2) // writer (below) + reader (started by onAccept once we reply)
	go r.writerLoop(fd, slot.Generation, h)

	telemetry.ConnectionsTotal.Inc()
	telemetry.ConnectionsActive.Inc()

	ev.reply <- acceptReply{fd: fd, generation: slot.Generation, ok: true}
}

// validSlot resolves an event's (fd, generation) pair to its slot, using
// Table.Valid (property 9: a stale generation never resolves to the slot
// a reused fd now holds) before fetching the pointer callers need.
func (r *Reactor) validSlot(fd int32, generation uint64) (*conntable.Slot, bool) {
	if !r.table.Valid(fd, generation) {
		return nil, false
	}
	slot, ok := r.table.Get(fd)
	if !ok {
		return nil, false
	}
	return slot, true
}

func (r *Reactor) handleData(ev event) {
	slot, ok := r.validSlot(ev.fd, ev.generation)
	if !ok {
		return
	}
	if slot.PendingTask {
		// A worker owns this connection's next step; buffer raw bytes
		// until the completion arrives and resumePipelined feeds them.
		if len(slot.RecvBuf)+len(ev.data) > r.opts.BufferSize {
			r.closeConn(ev.fd, ProtocolError.String())
			return
		}
		slot.RecvBuf = append(slot.RecvBuf, ev.data...)
		return
	}
	telemetry.BytesRead.Add(float64(len(ev.data)))
	slot.LastActivity = time.Now()
	r.feedAndDispatch(ev.fd, slot, ev.data)
}

func (r *Reactor) handleClosed(ev event) {
	if _, ok := r.validSlot(ev.fd, ev.generation); !ok {
		return
	}
	r.closeConn(ev.fd, classifyIOErr(ev.err).String())
}

func (r *Reactor) feedAndDispatch(fd int32, slot *conntable.Slot, data []byte) {
	switch slot.Role {
	case conntable.RoleHTTP:
		r.handleHTTPData(fd, slot, data)
	case conntable.RoleWS:
		r.handleWSData(fd, slot, data)
	case conntable.RoleTCP:
		r.handleTCPData(fd, slot, data)
	}
}

func (r *Reactor) handleHTTPData(fd int32, slot *conntable.Slot, data []byte) {
	parser := slot.ProtocolState.(*httpproto.Parser)
	r.runHTTPParser(fd, slot, parser, parser.Feed(data))
}

// runHTTPParser drains an httpproto.Parser starting from res, dispatching
// every fully-parsed request. Shared by handleHTTPData (fresh socket bytes)
// and resumePipelined (a second pipelined request the parser already had
// buffered before the first one deferred to a worker).
func (r *Reactor) runHTTPParser(fd int32, slot *conntable.Slot, parser *httpproto.Parser, res httpproto.Result) {
	for {
		switch res {
		case httpproto.NeedMore:
			return
		case httpproto.ProtocolError:
			r.closeConn(fd, ProtocolError.String())
			return
		case httpproto.RequestReady:
			req := parser.Request()
			if isWebSocketUpgrade(req.Header) {
				r.upgradeToWebSocket(fd, slot, req, parser)
				return
			}
			outcome := r.dispatchHTTP(fd, slot, req)
			if !r.applyOutcome(fd, slot, outcome) {
				return
			}
			res = parser.Feed(nil)
		}
	}
}

func (r *Reactor) handleWSData(fd int32, slot *conntable.Slot, data []byte) {
	conn := slot.ProtocolState.(*wsproto.Conn)
	conn.Touch(time.Now())
	res := conn.Feed(data)

	for {
		switch res {
		case wsproto.NeedMore:
			return
		case wsproto.ProtocolError:
			r.closeConn(fd, ProtocolError.String())
			return
		case wsproto.ControlReady:
			if !r.handleControlFrame(fd, conn, conn.Control()) {
				return
			}
			res = conn.Feed(nil)
		case wsproto.MessageReady:
			outcome := r.dispatchWS(fd, slot, conn.Message())
			if !r.applyOutcome(fd, slot, outcome) {
				return
			}
			res = conn.Feed(nil)
		}
	}
}

func (r *Reactor) handleTCPData(fd int32, slot *conntable.Slot, data []byte) {
	telemetry.RequestsTotal.WithLabelValues("tcp").Inc()
	dreq := &dispatch.Request{
		Payload: data,
		Context: map[string]any{
			"put_task": r.putTaskFunc(fd, slot.Generation),
			"write":    r.writerFor(fd),
		},
	}
	outcome := r.registry.Dispatch(dreq)
	r.applyOutcome(fd, slot, outcome)
}

// handleControlFrame answers pings/pongs/close per RFC 6455 and reports
// whether the caller should keep draining buffered frames.
func (r *Reactor) handleControlFrame(fd int32, conn *wsproto.Conn, ctrl wsproto.Message) bool {
	switch ctrl.Opcode {
	case wsproto.OpPing:
		r.trySend(fd, wsproto.EncodeFrame(wsproto.OpPong, true, ctrl.Payload))
		return true
	case wsproto.OpPong:
		conn.MarkPongReceived(time.Now())
		return true
	case wsproto.OpClose:
		conn.RemoteCloseReceived = true
		if !conn.LocalCloseSent {
			r.trySend(fd, wsproto.EncodeFrame(wsproto.OpClose, true, ctrl.Payload))
			conn.LocalCloseSent = true
		}
		r.closeConn(fd, "ws_close")
		return false
	default:
		return true
	}
}

// applyOutcome resolves a handler's verdict into the next reactor action.
// Returns false when the caller must stop draining this connection's
// buffered input — either the connection is gone or a worker now owns it.
func (r *Reactor) applyOutcome(fd int32, slot *conntable.Slot, outcome dispatch.Outcome) bool {
	switch outcome {
	case dispatch.Close:
		r.closeConn(fd, "handler_close")
		return false
	case dispatch.Deferred:
		slot.PendingTask = true
		return false
	case dispatch.FailKeepOpen, dispatch.Ok:
		return true
	default:
		return true
	}
}

func (r *Reactor) dispatchHTTP(fd int32, slot *conntable.Slot, req httpproto.Request) dispatch.Outcome {
	now := time.Now()
	switch r.gate.AllowRequest(slot.IP, fd, string(req.Location), now) {
	case security.Close:
		telemetry.RequestsDropped.WithLabelValues("security_close").Inc()
		r.registry.SecurityViolation(&dispatch.Request{Key: string(req.Location), Payload: req.Body})
		r.gate.BanIP(slot.IP, autoBanSeconds, now)
		r.events.BanApplied(slot.IP, "bad_score_threshold", now)
		return dispatch.Close
	case security.Drop:
		telemetry.RequestsDropped.WithLabelValues("security_drop").Inc()
		return dispatch.FailKeepOpen
	}

	telemetry.RequestsTotal.WithLabelValues("http").Inc()
	dreq := &dispatch.Request{
		Key:     string(req.Location),
		Payload: req.Body,
		Context: map[string]any{
			"method":   string(req.Method),
			"location": string(req.Location),
			"query":    string(req.Query),
			"header":   string(req.Header),
			"put_task": r.putTaskFunc(fd, slot.Generation),
			"write":    r.writerFor(fd),
		},
	}
	return r.registry.Dispatch(dreq)
}

func (r *Reactor) dispatchWS(fd int32, slot *conntable.Slot, msg wsproto.Message) dispatch.Outcome {
	telemetry.RequestsTotal.WithLabelValues("ws").Inc()
	dreq := &dispatch.Request{
		Payload: msg.Payload,
		Context: map[string]any{
			"opcode":   msg.Opcode,
			"put_task": r.putTaskFunc(fd, slot.Generation),
			"write":    r.writerFor(fd),
		},
	}
	return r.registry.Dispatch(dreq)
}

// putTaskFunc is the put_task primitive spec.md §4.9 gives handlers: call
// it to submit work to the pool and return dispatch.Deferred, instead of
// doing blocking or CPU-heavy work on the reactor goroutine.
func (r *Reactor) putTaskFunc(fd int32, generation uint64) func(func() dispatch.Outcome) bool {
	return func(handler func() dispatch.Outcome) bool {
		return r.pool.Submit(workerpool.Task{FD: fd, Generation: generation, Handler: handler})
	}
}

// writerFor gives a handler a way to send response bytes without blocking
// the reactor goroutine on a slow peer.
func (r *Reactor) writerFor(fd int32) func([]byte) bool {
	return func(b []byte) bool {
		return r.trySend(fd, b)
	}
}

// trySend enqueues b on fd's writer goroutine. Never blocks: a full
// outbound queue means the peer isn't draining fast enough, and the
// connection is the caller's to close if that matters to it.
func (r *Reactor) trySend(fd int32, b []byte) bool {
	h, ok := r.conns[fd]
	if !ok {
		return false
	}
	select {
	case h.send <- b:
		return true
	default:
		return false
	}
}

func (r *Reactor) writeRaw(fd int32, b []byte) bool {
	return r.trySend(fd, b)
}

// upgradeToWebSocket completes the HTTP/1.1 101 handshake and switches the
// slot from the HTTP parser to a fresh wsproto.Conn, handing over any bytes
// the HTTP parser had already buffered past the request (the client is
// free to start sending WS frames the instant it sees the 101 response).
func (r *Reactor) upgradeToWebSocket(fd int32, slot *conntable.Slot, req httpproto.Request, parser *httpproto.Parser) {
	key, ok := headerValue(req.Header, "Sec-WebSocket-Key")
	if !ok {
		r.writeRaw(fd, []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n"))
		r.closeConn(fd, ProtocolError.String())
		return
	}

	accept := wsproto.AcceptKey(key)
	resp := fmt.Sprintf(
		"HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n",
		accept,
	)
	if !r.trySend(fd, []byte(resp)) {
		r.closeConn(fd, ResourceExhausted.String())
		return
	}

	pending := append([]byte(nil), parser.Pending()...)
	slot.Role = conntable.RoleWS
	slot.ProtocolState = wsproto.New(time.Now())

	if len(pending) > 0 {
		r.handleWSData(fd, slot, pending)
	}
}

// drainCompletions applies every completion currently queued, resuming
// pipelined input on any connection a worker just finished with.
func (r *Reactor) drainCompletions() {
	for {
		c, ok := r.completions.Pop()
		if !ok {
			telemetry.CompletionQueueDepth.Set(0)
			return
		}
		telemetry.CompletionQueueDepth.Set(float64(r.completions.Len()))

		slot, ok := r.validSlot(c.FD, c.Generation)
		if !ok {
			telemetry.StaleCompletionsDropped.Inc()
			continue
		}
		slot.PendingTask = false
		if r.applyOutcome(c.FD, slot, c.Outcome) {
			r.resumePipelined(c.FD, slot)
		}
	}
}

// resumePipelined re-feeds bytes that arrived on the wire while a worker
// owned this connection. A socket read is what normally drives
// feedAndDispatch, but a second pipelined HTTP request can already be
// sitting fully-parsed in the parser's buffer before the first one's
// completion arrives here, with no further bytes ever landing on the
// socket to trigger another read. Feeding the parser with nil dispatches
// that already-buffered request instead of leaving it stuck until the
// client sends more data (or never, for a short-lived pipelined client).
func (r *Reactor) resumePipelined(fd int32, slot *conntable.Slot) {
	pending := slot.RecvBuf
	slot.RecvBuf = nil
	if len(pending) > 0 {
		r.feedAndDispatch(fd, slot, pending)
		return
	}
	if slot.Role == conntable.RoleHTTP {
		parser := slot.ProtocolState.(*httpproto.Parser)
		r.runHTTPParser(fd, slot, parser, parser.Feed(nil))
	}
}

// tick runs the once-a-second sweeps spec.md §4.3/§4.7 describe: WS
// heartbeats, completion drain, and worker-queue gauges. Zombie
// detection runs on its own cadence (ZombieSweepInterval, spec.md §6
// check_frequency) rather than every tick.
func (r *Reactor) tick() {
	now := time.Now()
	r.heartbeatSweep(now)
	r.drainCompletions()
	telemetry.WorkerQueueDepth.Set(float64(r.pool.QueueDepth()))
}

type heartbeatAction struct {
	fd       int32
	timedOut bool
}

func (r *Reactor) heartbeatSweep(now time.Time) {
	var actions []heartbeatAction
	r.table.Range(func(fd int32, slot *conntable.Slot) {
		if slot.Role != conntable.RoleWS {
			return
		}
		conn, ok := slot.ProtocolState.(*wsproto.Conn)
		if !ok {
			return
		}
		switch {
		case conn.HeartbeatTimedOut(now, r.opts.HeartbeatAckTimeout):
			actions = append(actions, heartbeatAction{fd: fd, timedOut: true})
		case conn.NeedsHeartbeat(now, r.opts.HeartbeatIdle):
			actions = append(actions, heartbeatAction{fd: fd})
		}
	})

	for _, a := range actions {
		if a.timedOut {
			r.closeConn(a.fd, "heartbeat_timeout")
			continue
		}
		slot, ok := r.table.Get(a.fd)
		if !ok {
			continue
		}
		conn, ok := slot.ProtocolState.(*wsproto.Conn)
		if !ok {
			continue
		}
		if r.trySend(a.fd, wsproto.EncodeFrame(wsproto.OpPing, true, nil)) {
			conn.MarkHeartbeatSent(now)
		}
	}
}

func (r *Reactor) zombieSweep(now time.Time) {
	var zombies []int32
	r.table.Range(func(fd int32, slot *conntable.Slot) {
		if r.gate.ConnectionDetect(slot.IP, fd, now) {
			zombies = append(zombies, fd)
		}
	})

	for _, fd := range zombies {
		slot, ok := r.table.Get(fd)
		if !ok {
			continue
		}
		ip := slot.IP
		r.closeConn(fd, "zombie")
		telemetry.ZombiesReaped.Inc()
		r.events.ZombieReaped(fd, ip, now)
	}

	for _, ip := range r.gate.SweepExpiredBans(now) {
		r.events.BanLifted(ip, now)
	}
}

// closeConn is the close funnel spec.md §4.8 requires: every path that
// ends a connection's life — protocol error, handler verdict, heartbeat
// timeout, zombie sweep, shutdown — routes through here, in this order,
// exactly once per fd.
func (r *Reactor) closeConn(fd int32, reason string) {
	slot, ok := r.table.Get(fd)
	if !ok {
		return
	}
	ip := slot.IP

	if h, ok := r.conns[fd]; ok {
		_ = h.conn.Close()
		close(h.send)
		delete(r.conns, fd)
	}
	r.gate.Clear(ip, fd)
	if r.opts.OnClose != nil {
		r.opts.OnClose(fd, ip)
	}
	r.table.Close(fd)
	r.fds.release(fd)

	telemetry.ConnectionsActive.Dec()
	telemetry.ConnectionsClosed.WithLabelValues(reason).Inc()
}

// drainAndClose runs once, from inside Run, when Shutdown or ctx.Done
// fires: stop accepting, close every live connection through the funnel
// above, stop the worker pool, and wait for every reader/writer goroutine
// to exit. A background goroutine keeps draining the inbox while we wait,
// since a reader or writer that just hit a close error still needs
// somewhere to send its final event.
func (r *Reactor) drainAndClose() {
	_ = r.listener.Close()

	var live []int32
	r.table.Range(func(fd int32, _ *conntable.Slot) {
		live = append(live, fd)
	})
	for _, fd := range live {
		r.closeConn(fd, "shutdown")
	}

	r.pool.Stop()

	drained := make(chan struct{})
	go func() {
		for {
			select {
			case <-r.inbox:
			case <-drained:
				return
			}
		}
	}()
	r.wg.Wait()
	close(drained)

	r.events.Close()
}

func isWebSocketUpgrade(header []byte) bool {
	v, ok := headerValue(header, "Upgrade")
	return ok && strings.EqualFold(v, "websocket")
}

// headerValue does a case-insensitive scan of a raw CRLF-delimited header
// block for key's value. Good enough for the handful of headers the
// reactor itself inspects; full header parsing belongs to handlers.
func headerValue(header []byte, key string) (string, bool) {
	prefix := []byte(key + ":")
	for _, line := range bytes.Split(header, []byte("\r\n")) {
		if len(line) <= len(prefix) {
			continue
		}
		if strings.EqualFold(string(line[:len(prefix)]), string(prefix)) {
			return strings.TrimSpace(string(line[len(prefix):])), true
		}
	}
	return "", false
}

func classifyIOErr(err error) ErrKind {
	switch {
	case err == nil:
		return Transient
	case errors.Is(err, io.EOF):
		return PeerClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		return Transient
	case errors.Is(err, io.ErrClosedPipe):
		return ProtocolError
	default:
		return Fatal
	}
}

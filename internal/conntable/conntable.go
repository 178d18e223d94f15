// Package conntable implements the dense per-FD connection table (C5): a
// fixed-size array addressed directly by file descriptor, sized once at
// startup to max_fd. A hash map would cost an extra indirection and
// iterator-invalidation hazards for no benefit, since FDs are already a
// small dense integer space bounded by the OS file descriptor limit.
//
// Only the reactor goroutine may call Open, Close, or mutate a Slot's
// fields through the pointer Get returns. Worker goroutines reference
// slots by (FD, generation) and must call Valid before trusting a
// completion against live state.
package conntable

import "time"

// Role is the protocol a connection has negotiated into.
type Role int

const (
	RoleTCP Role = iota
	RoleHTTP
	RoleWS
)

// TLSState tracks where a connection sits in the TLS handshake, mirroring
// spec.md §3's Connection.TLS state.
type TLSState int

const (
	TLSNone TLSState = iota
	TLSHandshaking
	TLSEstablished
	TLSError
)

// Slot is one Connection entry, reused across FD lifetimes. Zero value is
// the "closed" / unused state.
type Slot struct {
	InUse      bool
	FD         int32
	Generation uint64

	IP       string
	Port     uint16
	Role     Role
	TLSState TLSState

	// RecvBuf is the capped receive buffer; len(RecvBuf) is the amount of
	// unconsumed data currently buffered. Open allocates it with capacity
	// bufferCap, and the reactor closes the connection rather than buffer
	// more than bufferCap bytes in it.
	RecvBuf []byte

	// ParseState is the component-specific integer state of whichever
	// parser owns this connection's Role (httpproto or wsproto state
	// constants); the reactor does not interpret it, only persists it.
	ParseState int

	// ProtocolState holds the parser's own per-connection context (e.g.
	// an *httpproto.Parser or *wsproto.Conn), opaque to the table.
	ProtocolState any

	LastActivity    time.Time
	PendingTask     bool // at most one outstanding worker task per FD
	CloseSent       bool
	RemoteCloseRecv bool
}

// Table is the connection table (C5).
type Table struct {
	slots     []Slot
	bufferCap int
}

// New allocates a table sized to hold FDs in [0, maxFD).
func New(maxFD, bufferCap int) *Table {
	return &Table{
		slots:     make([]Slot, maxFD),
		bufferCap: bufferCap,
	}
}

// Cap returns the configured max_fd.
func (t *Table) Cap() int {
	return len(t.slots)
}

// Open registers a new connection at fd, bumping its generation so any
// worker completion referencing the slot's previous occupant is rejected
// by Valid. Returns (nil, false) if fd is out of range or already in use.
func (t *Table) Open(fd int32, ip string, port uint16, now time.Time) (*Slot, bool) {
	if fd < 0 || int(fd) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[fd]
	if s.InUse {
		return nil, false
	}
	gen := s.Generation + 1
	*s = Slot{
		InUse:        true,
		FD:           fd,
		Generation:   gen,
		IP:           ip,
		Port:         port,
		Role:         RoleTCP,
		TLSState:     TLSNone,
		RecvBuf:      make([]byte, 0, t.bufferCap),
		LastActivity: now,
	}
	return s, true
}

// Get returns the live slot for fd, or (nil, false) if fd is unused or out
// of range.
func (t *Table) Get(fd int32) (*Slot, bool) {
	if fd < 0 || int(fd) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[fd]
	if !s.InUse {
		return nil, false
	}
	return s, true
}

// Valid reports whether generation still matches the slot currently
// occupying fd — the check worker completions must pass before the
// reactor applies their result (testable property 9: stale generations
// are silently dropped).
func (t *Table) Valid(fd int32, generation uint64) bool {
	s, ok := t.Get(fd)
	return ok && s.Generation == generation
}

// Close zeroes the slot's buffer and marks it free, keeping the
// generation counter so a future Open on the same fd starts one ahead.
func (t *Table) Close(fd int32) {
	if fd < 0 || int(fd) >= len(t.slots) {
		return
	}
	s := &t.slots[fd]
	if !s.InUse {
		return
	}
	gen := s.Generation
	buf := s.RecvBuf[:cap(s.RecvBuf)]
	for i := range buf {
		buf[i] = 0
	}
	*s = Slot{Generation: gen}
}

// Len reports the number of currently-open connections. O(capacity); used
// only by diagnostics/metrics, never on a hot path.
func (t *Table) Len() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].InUse {
			n++
		}
	}
	return n
}

// Range calls fn once for every currently open slot, in fd order. Like
// Len, this is O(capacity) and is only used by the reactor's periodic
// heartbeat/zombie sweeps, never on the read/write hot path. fn must not
// call Open (it may mutate the slot fn was given, including via Close).
func (t *Table) Range(fn func(fd int32, slot *Slot)) {
	for i := range t.slots {
		if t.slots[i].InUse {
			fn(int32(i), &t.slots[i])
		}
	}
}

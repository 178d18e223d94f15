package conntable

import (
	"testing"
	"time"
)

func TestOpenAssignsGenerationOne(t *testing.T) {
	tbl := New(16, 4096)
	s, ok := tbl.Open(3, "10.0.0.1", 5555, time.Unix(0, 0))
	if !ok {
		t.Fatal("expected Open to succeed")
	}
	if s.Generation != 1 {
		t.Fatalf("expected first generation to be 1, got %d", s.Generation)
	}
	if !tbl.Valid(3, 1) {
		t.Fatal("expected slot to be valid for its own generation")
	}
}

func TestOpenRejectsDuplicateFD(t *testing.T) {
	tbl := New(16, 4096)
	tbl.Open(3, "10.0.0.1", 5555, time.Unix(0, 0))
	if _, ok := tbl.Open(3, "10.0.0.2", 6666, time.Unix(0, 0)); ok {
		t.Fatal("expected Open on an already-open fd to fail")
	}
}

func TestOpenRejectsOutOfRangeFD(t *testing.T) {
	tbl := New(4, 4096)
	if _, ok := tbl.Open(10, "10.0.0.1", 1, time.Unix(0, 0)); ok {
		t.Fatal("expected Open beyond capacity to fail")
	}
}

func TestGenerationSafetyAfterReuse(t *testing.T) {
	tbl := New(16, 4096)
	tbl.Open(3, "10.0.0.1", 5555, time.Unix(0, 0))
	tbl.Close(3)

	_, ok := tbl.Open(3, "10.0.0.9", 7777, time.Unix(1, 0))
	if !ok {
		t.Fatal("expected reopen on a closed fd to succeed")
	}

	if tbl.Valid(3, 1) {
		t.Fatal("a completion carrying the stale generation must be rejected")
	}
	if !tbl.Valid(3, 2) {
		t.Fatal("the new occupant's generation must validate")
	}
}

func TestCloseZeroesBuffer(t *testing.T) {
	tbl := New(16, 8)
	s, _ := tbl.Open(1, "127.0.0.1", 1, time.Unix(0, 0))
	s.RecvBuf = append(s.RecvBuf, []byte("abcdefgh")...)
	buf := s.RecvBuf[:cap(s.RecvBuf)]

	tbl.Close(1)

	for i, b := range buf {
		if b != 0 {
			t.Fatalf("expected buffer byte %d to be zeroed, got %q", i, b)
		}
	}
	if got, ok := tbl.Get(1); ok || got != nil {
		t.Fatal("expected slot to be unused after Close")
	}
}

func TestLenTracksOpenSlots(t *testing.T) {
	tbl := New(16, 64)
	tbl.Open(1, "a", 1, time.Unix(0, 0))
	tbl.Open(2, "b", 2, time.Unix(0, 0))
	if got := tbl.Len(); got != 2 {
		t.Fatalf("expected 2 open connections, got %d", got)
	}
	tbl.Close(1)
	if got := tbl.Len(); got != 1 {
		t.Fatalf("expected 1 open connection after close, got %d", got)
	}
}

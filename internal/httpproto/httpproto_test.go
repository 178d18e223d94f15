package httpproto

import (
	"bytes"
	"math/rand"
	"testing"
)

// S1 — HTTP GET delivered in one shot.
func TestScenarioS1GetRequest(t *testing.T) {
	p := New(8192, 1<<20)
	req := []byte("GET /ping HTTP/1.1\r\nHost: x\r\n\r\n")

	if res := p.Feed(req); res != RequestReady {
		t.Fatalf("expected RequestReady, got %v", res)
	}
	got := p.Request()
	if string(got.Method) != "GET" {
		t.Fatalf("expected method GET, got %q", got.Method)
	}
	if string(got.Location) != "/ping" {
		t.Fatalf("expected location /ping, got %q", got.Location)
	}
	if len(got.Body) != 0 {
		t.Fatalf("expected empty body for GET, got %q", got.Body)
	}
}

// S2 — chunked body assembled from multiple chunks.
func TestScenarioS2ChunkedBody(t *testing.T) {
	p := New(8192, 1<<20)
	req := []byte("POST /u HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")

	if res := p.Feed(req); res != RequestReady {
		t.Fatalf("expected RequestReady, got %v", res)
	}
	got := p.Request()
	if string(got.Body) != "hello world" {
		t.Fatalf("expected body %q, got %q", "hello world", got.Body)
	}
}

// Property 2 — arbitrary byte-at-a-time delivery produces the same
// parsed result as one-shot delivery.
func TestByteAtATimeDeliveryMatchesOneShot(t *testing.T) {
	full := []byte("POST /x HTTP/1.1\r\nContent-Length: 11\r\n\r\nhello world")

	p := New(8192, 1<<20)
	var res Result
	for i := 0; i < len(full); i++ {
		res = p.Feed(full[i : i+1])
		if res == RequestReady {
			break
		}
		if res == ProtocolError {
			t.Fatalf("unexpected protocol error feeding byte %d", i)
		}
	}
	if res != RequestReady {
		t.Fatal("expected request to complete after feeding all bytes")
	}
	got := p.Request()
	if string(got.Method) != "POST" || string(got.Location) != "/x" || string(got.Body) != "hello world" {
		t.Fatalf("unexpected parse result: %+v", got)
	}
}

// Property 3 — pipelining: two requests back to back in one segment
// produce two RequestReady results in order, with no byte loss at the
// boundary.
func TestPipeliningTwoRequestsOneSegment(t *testing.T) {
	first := "GET /a HTTP/1.1\r\nHost: x\r\n\r\n"
	second := "GET /b HTTP/1.1\r\nHost: x\r\n\r\n"

	p := New(8192, 1<<20)
	if res := p.Feed([]byte(first + second)); res != RequestReady {
		t.Fatalf("expected first request ready, got %v", res)
	}
	if string(p.Request().Location) != "/a" {
		t.Fatalf("expected first location /a, got %q", p.Request().Location)
	}

	p.Reset()
	if res := p.Feed(nil); res != RequestReady {
		t.Fatalf("expected second request ready from compacted buffer, got %v", res)
	}
	if string(p.Request().Location) != "/b" {
		t.Fatalf("expected second location /b, got %q", p.Request().Location)
	}
}

// Property 4 — chunked encode/decode round-trip for arbitrary chunk
// partitions.
func TestChunkedRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		n := r.Intn(5000)
		data := make([]byte, n)
		r.Read(data)

		maxChunk := 1 + r.Intn(300)
		encoded := EncodeChunked(data, maxChunk)
		decoded, err := DecodeChunked(encoded)
		if err != nil {
			t.Fatalf("trial %d: decode error: %v", trial, err)
		}
		if !bytes.Equal(decoded, data) {
			t.Fatalf("trial %d: round-trip mismatch (maxChunk=%d, n=%d)", trial, maxChunk, n)
		}
	}
}

func TestChunkedResumableAcrossPartialFeeds(t *testing.T) {
	full := []byte("POST /u HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	p := New(8192, 1<<20)

	// Split mid chunk-body and mid chunk-size-line to exercise chunkCursor
	// persistence across resumptions.
	splits := []int{len("POST /u HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhel"), len("POST /u HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6"), len(full)}
	prev := 0
	var res Result
	for _, s := range splits {
		res = p.Feed(full[prev:s])
		prev = s
	}
	if res != RequestReady {
		t.Fatalf("expected RequestReady, got %v", res)
	}
	if string(p.Request().Body) != "hello world" {
		t.Fatalf("expected body %q, got %q", "hello world", p.Request().Body)
	}
}

func TestMissingContentLengthOnGETIsBodyAbsent(t *testing.T) {
	p := New(8192, 1<<20)
	if res := p.Feed([]byte("GET /x HTTP/1.1\r\nHost: y\r\n\r\n")); res != RequestReady {
		t.Fatalf("expected RequestReady, got %v", res)
	}
	if len(p.Request().Body) != 0 {
		t.Fatal("expected empty body")
	}
}

func TestMissingContentLengthOnPOSTIsProtocolError(t *testing.T) {
	p := New(8192, 1<<20)
	if res := p.Feed([]byte("POST /x HTTP/1.1\r\nHost: y\r\n\r\n")); res != ProtocolError {
		t.Fatalf("expected ProtocolError, got %v", res)
	}
}

func TestOversizeHeaderIsProtocolError(t *testing.T) {
	p := New(32, 1<<20)
	longHeader := bytes.Repeat([]byte("A"), 64)
	if res := p.Feed(longHeader); res != ProtocolError {
		t.Fatalf("expected ProtocolError for oversize header, got %v", res)
	}
}

func TestContentLengthOverMaxBodyIsProtocolError(t *testing.T) {
	p := New(8192, 4)
	if res := p.Feed([]byte("POST /x HTTP/1.1\r\nContent-Length: 100\r\n\r\n")); res != ProtocolError {
		t.Fatalf("expected ProtocolError, got %v", res)
	}
}

func TestInvalidChunkHexIsProtocolError(t *testing.T) {
	p := New(8192, 1<<20)
	if res := p.Feed([]byte("POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nZZ\r\ndata\r\n0\r\n\r\n")); res != ProtocolError {
		t.Fatalf("expected ProtocolError for invalid chunk size, got %v", res)
	}
}

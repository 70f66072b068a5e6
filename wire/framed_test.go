package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Version:           ReplicaVersion,
		Opcode:            OpWrite,
		Flags:             FlagRebuild,
		Status:            StatusOK,
		IoSeq:             7,
		CheckpointedIoSeq: 3,
		Offset:            4096,
		Len:               512,
	}
	var got Header
	got.Decode(h.Encode())
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestReadHeaderBadVersion(t *testing.T) {
	h := Header{Version: 0xFFFF, Opcode: OpRead}
	buf := h.Encode()
	r := bytes.NewReader(buf)

	var out Header
	err := ReadHeader(r, &out)
	if !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion, got %v", err)
	}
	// only the version bytes (2) should have been consumed
	if r.Len() != len(buf)-VersionSize {
		t.Fatalf("expected only version bytes consumed, %d bytes remain", r.Len())
	}
}

func TestReadHeaderOK(t *testing.T) {
	want := Header{Version: ReplicaVersion, Opcode: OpSync, Status: StatusOK}
	r := bytes.NewReader(want.Encode())
	var got Header
	if err := ReadHeader(r, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

type shortReader struct{}

func (shortReader) Read(_ []byte) (int, error) { return 0, io.EOF }

func TestReadExactPeerClosed(t *testing.T) {
	buf := make([]byte, 8)
	err := ReadExact(shortReader{}, buf)
	if !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
}

func TestSubHeaderRoundTrip(t *testing.T) {
	s := SubHeader{IoNum: 42, Len: 4096}
	var got SubHeader
	got.Decode(s.Encode())
	if got != s {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, s)
	}
}

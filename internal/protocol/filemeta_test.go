package protocol

import (
	"encoding/binary"
	"testing"
)

func TestFileMetaRoundTrip(t *testing.T) {
	in := FileMeta{Name: "notes.txt", Size: 10}
	payload := in.Encode()
	if got := binary.LittleEndian.Uint32(payload); got != uint32(len(in.Name)) {
		t.Fatalf("name length field = %d", got)
	}
	out, err := ParseFileMeta(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out != in {
		t.Fatalf("round trip: %+v != %+v", out, in)
	}
}

func TestParseFileMetaErrors(t *testing.T) {
	if _, err := ParseFileMeta(nil); err == nil {
		t.Error("nil payload must fail")
	}
	if _, err := ParseFileMeta([]byte{1, 2, 3}); err == nil {
		t.Error("short payload must fail")
	}
	// Name length pointing past the end of the payload.
	bad := make([]byte, 8)
	binary.LittleEndian.PutUint32(bad, 100)
	if _, err := ParseFileMeta(bad); err == nil {
		t.Error("oversized name length must fail")
	}
}

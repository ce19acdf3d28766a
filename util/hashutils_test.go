package util

import "testing"

func TestHashConsistency(t *testing.T) {
	data := []byte("788788")
	if HashCode(data) != HashCode(data) {
		t.Errorf("hash should be deterministic")
	}
}

func TestConvertUInt4BytesRoundTrip(t *testing.T) {
	val := uint32(2)
	buf := ConvertUInt4Bytes(val)
	got := ReadUB4Byte2UInt32(buf)
	if val != got {
		t.Fatalf("expected %d, got %d", val, got)
	}
}

package codec

import (
	"bytes"
	"testing"
)

func TestEncodeDecodePrimitives(t *testing.T) {
	var buf bytes.Buffer

	if err := EncodeByte(&buf, 0x42); err != nil {
		t.Fatalf("EncodeByte failed: %v", err)
	}
	if err := EncodeUint16(&buf, 0xBEEF); err != nil {
		t.Fatalf("EncodeUint16 failed: %v", err)
	}
	if err := EncodeUint32(&buf, 0xDEADBEEF); err != nil {
		t.Fatalf("EncodeUint32 failed: %v", err)
	}
	if err := EncodeUint64(&buf, 0x0123456789ABCDEF); err != nil {
		t.Fatalf("EncodeUint64 failed: %v", err)
	}
	if err := EncodeString(&buf, "persistent://topic-1"); err != nil {
		t.Fatalf("EncodeString failed: %v", err)
	}

	b, err := DecodeByte(&buf)
	if err != nil || b != 0x42 {
		t.Errorf("DecodeByte = %#x, %v; want 0x42", b, err)
	}
	u16, err := DecodeUint16(&buf)
	if err != nil || u16 != 0xBEEF {
		t.Errorf("DecodeUint16 = %#x, %v; want 0xBEEF", u16, err)
	}
	u32, err := DecodeUint32(&buf)
	if err != nil || u32 != 0xDEADBEEF {
		t.Errorf("DecodeUint32 = %#x, %v; want 0xDEADBEEF", u32, err)
	}
	u64, err := DecodeUint64(&buf)
	if err != nil || u64 != 0x0123456789ABCDEF {
		t.Errorf("DecodeUint64 = %#x, %v; want 0x0123456789ABCDEF", u64, err)
	}
	s, err := DecodeString(&buf)
	if err != nil || s != "persistent://topic-1" {
		t.Errorf("DecodeString = %q, %v", s, err)
	}
}

func TestVBIRoundTrip(t *testing.T) {
	values := []int{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, 268435455}

	for _, v := range values {
		var buf bytes.Buffer
		if err := EncodeVBI(&buf, v); err != nil {
			t.Fatalf("EncodeVBI(%d) failed: %v", v, err)
		}
		got, err := DecodeVBI(&buf)
		if err != nil {
			t.Fatalf("DecodeVBI(%d) failed: %v", v, err)
		}
		if got != v {
			t.Errorf("VBI round trip = %d, want %d", got, v)
		}
	}
}

func TestVBIBounds(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeVBI(&buf, maxVBI+1); err != ErrMaxLengthExceeded {
		t.Errorf("EncodeVBI above max should fail, got %v", err)
	}
	if err := EncodeVBI(&buf, -1); err != ErrMaxLengthExceeded {
		t.Errorf("EncodeVBI negative should fail, got %v", err)
	}

	// Four continuation bytes push the length past the four-byte maximum.
	r := bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x01})
	if _, err := DecodeVBI(r); err != ErrMaxLengthExceeded {
		t.Errorf("DecodeVBI overlong should fail, got %v", err)
	}
}

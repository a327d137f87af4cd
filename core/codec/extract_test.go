package codec

import (
	"errors"
	"testing"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		startBit uint
		length   uint
		want     uint64
	}{
		{"nibble straddling two bytes", "1234", 4, 8, 0x23},
		{"first 16 bits", "12340000000000", 0, 16, 0x1234},
		{"single byte", "00FF00", 8, 8, 0xFF},
		{"low two bits of first byte", "C3", 6, 2, 0x3},
		{"high two bits of first byte", "C3", 0, 2, 0x3},
		{"middle of first byte", "5A", 2, 4, 0x6},
		{"single bit", "80", 0, 1, 1},
		{"last bit", "01", 7, 1, 1},
		{"32 bits at odd offset", "123456789A", 4, 32, 0x23456789},
		{"full 32 bits", "DEADBEEF", 0, 32, 0xDEADBEEF},
		{"last byte of eight", "0102030405060708", 56, 8, 0x08},
		{"lower case hex", "abcd", 0, 16, 0xABCD},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.payload, tt.startBit, tt.length)
			if err != nil {
				t.Fatalf("Extract(%q, %d, %d) failed: %v", tt.payload, tt.startBit, tt.length, err)
			}
			if got != tt.want {
				t.Errorf("Extract(%q, %d, %d) = %#x, want %#x", tt.payload, tt.startBit, tt.length, got, tt.want)
			}
		})
	}
}

func TestExtract_Deterministic(t *testing.T) {
	first, err := Extract("1234", 4, 8)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		got, _ := Extract("1234", 4, 8)
		if got != first {
			t.Fatalf("call %d = %#x, want %#x", i, got, first)
		}
	}
}

func TestExtract_Errors(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		startBit uint
		length   uint
		wantErr  error
	}{
		{"past end", "1234", 8, 16, ErrBitRange},
		{"start beyond payload", "12", 8, 1, ErrBitRange},
		{"empty payload", "", 0, 1, ErrBitRange},
		{"zero length", "1234", 0, 0, ErrBitLength},
		{"too wide", "0102030405060708", 0, 33, ErrBitLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract(tt.payload, tt.startBit, tt.length)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExtract_BadHex(t *testing.T) {
	if _, err := Extract("12G4", 0, 8); err == nil {
		t.Error("expected error for non-hex payload")
	}
	if _, err := Extract("123", 0, 8); err == nil {
		t.Error("expected error for odd-length payload")
	}
}

func TestExtractBits(t *testing.T) {
	data := []byte{0x12, 0x34, 0x56}
	got, err := ExtractBits(data, 12, 8)
	if err != nil {
		t.Fatalf("ExtractBits failed: %v", err)
	}
	if got != 0x45 {
		t.Errorf("ExtractBits = %#x, want 0x45", got)
	}
}

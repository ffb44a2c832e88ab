package helpers

import (
	"testing"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{100000000, 8, "1"},
		{50000000, 8, "0.5"},
		{12345678, 8, "0.12345678"},
		{100000, 8, "0.001"},
		{1, 8, "0.00000001"},
		{0, 8, "0"},
		{123, 0, "123"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := FormatAmount(tt.amount, tt.decimals)
			if got != tt.want {
				t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{"1", 8, 100000000, false},
		{"0.5", 8, 50000000, false},
		{".5", 8, 50000000, false},
		{"0.12345678", 8, 12345678, false},
		{"0.00000001", 8, 1, false},
		{"0", 8, 0, false},
		{"123", 0, 123, false},
		{"invalid", 8, 0, true},
		{"1.2.3", 8, 0, true},
		{"", 8, 0, true},
		{"99999999999999999999999", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseAmount(%s, %d) = %d, want %d", tt.input, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestParseSats(t *testing.T) {
	tests := []struct {
		input   string
		want    uint64
		wantErr bool
	}{
		{"50000", 50000, false},
		{" 1000 ", 1000, false},
		{"0", 0, false},
		{"1.5", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSats(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSats(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSats(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestSatoshisBTCConversion(t *testing.T) {
	if got := SatoshisToBTC(100000000); got != "1" {
		t.Errorf("SatoshisToBTC(100000000) = %s, want 1", got)
	}
	if got, err := BTCToSatoshis("0.0005"); err != nil || got != 50000 {
		t.Errorf("BTCToSatoshis(0.0005) = %d, %v, want 50000, nil", got, err)
	}
}

func TestHexToBytes32(t *testing.T) {
	valid := "a4ddaad30ff45cfcc7fbae1d49b78ef717341b2b81fdd73410200788b9220da4"

	got, err := HexToBytes32(valid)
	if err != nil {
		t.Fatalf("HexToBytes32() error = %v", err)
	}
	if BytesToHex(got[:]) != valid {
		t.Errorf("roundtrip = %s, want %s", BytesToHex(got[:]), valid)
	}

	if _, err := HexToBytes32("0x" + valid); err != nil {
		t.Errorf("0x prefix should be accepted: %v", err)
	}
	if _, err := HexToBytes32("abcd"); err == nil {
		t.Error("expected error for short input")
	}
	if _, err := HexToBytes32("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestConstantTimeCompare(t *testing.T) {
	if !ConstantTimeCompare([]byte{1, 2, 3}, []byte{1, 2, 3}) {
		t.Error("equal slices should compare equal")
	}
	if ConstantTimeCompare([]byte{1, 2, 3}, []byte{1, 2, 4}) {
		t.Error("different slices should not compare equal")
	}
	if ConstantTimeCompare([]byte{1, 2}, []byte{1, 2, 3}) {
		t.Error("different lengths should not compare equal")
	}
}

func TestGenerateSecureRandom(t *testing.T) {
	a, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandom() error = %v", err)
	}
	b, _ := GenerateSecureRandom(32)
	if len(a) != 32 {
		t.Errorf("len = %d, want 32", len(a))
	}
	if ConstantTimeCompare(a, b) {
		t.Error("two random draws should differ")
	}
}

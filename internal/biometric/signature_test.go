package biometric_test

import (
	"math"
	"testing"

	"github.com/voterledger/voterledger/internal/biometric"
)

func TestNewValidator_defaultDimension(t *testing.T) {
	if got := biometric.NewValidator(0).Dimension(); got != biometric.DefaultDimension {
		t.Errorf("Dimension = %d, want %d", got, biometric.DefaultDimension)
	}
}

func TestValidate(t *testing.T) {
	v := biometric.NewValidator(3)
	tests := []struct {
		name string
		sig  []float64
		ok   bool
	}{
		{"valid", []float64{0.1, -0.2, 1}, true},
		{"bounds inclusive", []float64{-1, 1, 0}, true},
		{"empty", nil, false},
		{"short", []float64{0.1, 0.2}, false},
		{"long", []float64{0.1, 0.2, 0.3, 0.4}, false},
		{"nan", []float64{0.1, math.NaN(), 0.3}, false},
		{"inf", []float64{math.Inf(1), 0.2, 0.3}, false},
		{"out of range", []float64{0.1, 1.5, 0.3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.sig)
			if tt.ok != (err == nil) {
				t.Errorf("Validate(%v) = %v, want ok=%v", tt.sig, err, tt.ok)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	sig := []float64{0.25, -0.5, 1, 0}
	b := biometric.Encode(sig)
	if len(b) != 32 {
		t.Fatalf("encoded length = %d, want 32", len(b))
	}
	// 0.25 little-endian: 0x3FD0000000000000
	if b[7] != 0x3F || b[6] != 0xD0 || b[0] != 0 {
		t.Errorf("unexpected byte layout: % x", b[:8])
	}

	got, err := biometric.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := range sig {
		if got[i] != sig[i] {
			t.Errorf("component %d = %g, want %g", i, got[i], sig[i])
		}
	}

	if _, err := biometric.Decode(b[:5]); err == nil {
		t.Error("expected error for truncated encoding")
	}
}

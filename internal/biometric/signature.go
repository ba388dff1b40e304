// Package biometric validates and encodes face signatures. Feature
// extraction itself is delegated to an external service; this package only
// enforces the shape of what comes back.
package biometric

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DefaultDimension is the length of a face encoding produced by the
// extraction service.
const DefaultDimension = 128

// MaxComponent bounds the absolute value of every signature component.
const MaxComponent = 1.0

// ErrNoFace is returned by an Extractor when the image contains no
// detectable face.
var ErrNoFace = errors.New("no face detected")

// Validator checks signatures against a fixed dimension.
type Validator struct {
	dim int
}

// NewValidator returns a Validator for signatures of length dim.
// A non-positive dim selects DefaultDimension.
func NewValidator(dim int) *Validator {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Validator{dim: dim}
}

// Dimension returns the expected signature length.
func (v *Validator) Dimension() int { return v.dim }

// Validate returns nil when sig has exactly the expected length and every
// component is finite and within [-MaxComponent, MaxComponent].
func (v *Validator) Validate(sig []float64) error {
	if len(sig) == 0 {
		return fmt.Errorf("signature is empty")
	}
	if len(sig) != v.dim {
		return fmt.Errorf("signature has %d components, want %d", len(sig), v.dim)
	}
	for i, x := range sig {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("component %d is not finite", i)
		}
		if math.Abs(x) > MaxComponent {
			return fmt.Errorf("component %d out of range: %g", i, x)
		}
	}
	return nil
}

// Encode packs sig as little-endian float64 values, the layout the
// extraction service uses for raw encodings.
func Encode(sig []float64) []byte {
	buf := make([]byte, 8*len(sig))
	for i, x := range sig {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(x))
	}
	return buf
}

// Decode is the inverse of Encode.
func Decode(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("encoded signature length %d is not a multiple of 8", len(b))
	}
	sig := make([]float64, len(b)/8)
	for i := range sig {
		sig[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return sig, nil
}

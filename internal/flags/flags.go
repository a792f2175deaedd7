// Package flags provides generic helpers for bit-flag types.
//
// Stage, access and capability masks in taskgraph are all unsigned integer
// types; the helpers here keep set tests and formatting in one place so every
// mask prints and compares the same way.
package flags

import (
	"math/bits"
	"strings"

	"golang.org/x/exp/constraints"
)

// Has reports whether every bit of mask is set in f.
// A zero mask is always contained.
func Has[F constraints.Unsigned](f, mask F) bool {
	return f&mask == mask
}

// Any reports whether f and mask share at least one bit.
func Any[F constraints.Unsigned](f, mask F) bool {
	return f&mask != 0
}

// Without returns f with the bits of mask cleared.
func Without[F constraints.Unsigned](f, mask F) F {
	return f &^ mask
}

// Count returns the number of set bits.
func Count[F constraints.Unsigned](f F) int {
	return bits.OnesCount64(uint64(f))
}

// Each calls fn for every set bit of f, lowest bit first.
func Each[F constraints.Unsigned](f F, fn func(bit F)) {
	v := uint64(f)
	for v != 0 {
		low := v & -v
		fn(F(low))
		v &^= low
	}
}

// Format renders f as names joined by "|".
//
// names[i] is the name of bit 1<<i. Bits without a name are printed as
// hexadecimal. A zero value prints as zero.
func Format[F constraints.Unsigned](f F, names []string, zero string) string {
	if f == 0 {
		return zero
	}
	var sb strings.Builder
	Each(f, func(bit F) {
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		i := bits.TrailingZeros64(uint64(bit))
		if i < len(names) && names[i] != "" {
			sb.WriteString(names[i])
			return
		}
		sb.WriteString("0x")
		sb.WriteString(strings.ToLower(formatHex(uint64(bit))))
	})
	return sb.String()
}

func formatHex(v uint64) string {
	const digits = "0123456789ABCDEF"
	if v == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for v != 0 {
		i--
		buf[i] = digits[v&0xF]
		v >>= 4
	}
	return string(buf[i:])
}

package flags

import "testing"

func TestHasAny(t *testing.T) {
	const a, b, c uint8 = 1, 2, 4

	if !Has(a|b, a) {
		t.Error("Has(a|b, a) = false, want true")
	}
	if Has(a|b, a|c) {
		t.Error("Has(a|b, a|c) = true, want false")
	}
	if !Has(a, 0) {
		t.Error("Has(a, 0) = false, want true")
	}
	if !Any(a|b, b|c) {
		t.Error("Any(a|b, b|c) = false, want true")
	}
	if Any(a, b|c) {
		t.Error("Any(a, b|c) = true, want false")
	}
	if got := Without(a|b|c, b); got != a|c {
		t.Errorf("Without = %d, want %d", got, a|c)
	}
}

func TestCountEach(t *testing.T) {
	var v uint32 = 1 | 8 | 1<<20
	if got := Count(v); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}

	var seen []uint32
	Each(v, func(bit uint32) { seen = append(seen, bit) })
	want := []uint32{1, 8, 1 << 20}
	if len(seen) != len(want) {
		t.Fatalf("Each visited %d bits, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("bit %d = %#x, want %#x", i, seen[i], want[i])
		}
	}
}

func TestFormat(t *testing.T) {
	names := []string{"read", "write", ""}

	tests := []struct {
		name string
		v    uint16
		want string
	}{
		{"zero", 0, "none"},
		{"single", 1, "read"},
		{"pair", 3, "read|write"},
		{"unnamed", 4, "0x4"},
		{"beyond names", 1 << 12, "0x1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.v, names, "none"); got != tt.want {
				t.Errorf("Format(%#x) = %q, want %q", tt.v, got, tt.want)
			}
		})
	}
}

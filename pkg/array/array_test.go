package array

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fs parses a cube string or fails the test.
func fs(t *testing.T, s string) Array {
	t.Helper()
	a, err := FromStr(s)
	if err != nil {
		t.Fatalf("FromStr(%q): %v", s, err)
	}
	return a
}

// cubeMatches reports whether the concrete header byte h (for l=1 cubes)
// belongs to the cube.
func cubeMatches(a Array, h uint8) bool {
	for i := 0; i < 8; i++ {
		bit := h >> (7 - i) & 1
		switch GetBit(a, 0, i) {
		case BitX:
		case Bit1:
			if bit != 1 {
				return false
			}
		case Bit0:
			if bit != 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// cubeSet enumerates the members of an l=1 cube.
func cubeSet(a Array) [256]bool {
	var set [256]bool
	for h := 0; h < 256; h++ {
		set[h] = cubeMatches(a, uint8(h))
	}
	return set
}

func unionSet(arrs []Array) [256]bool {
	var set [256]bool
	for _, a := range arrs {
		s := cubeSet(a)
		for h := range set {
			set[h] = set[h] || s[h]
		}
	}
	return set
}

func TestFromStrToStr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"01xx10z1", "01xx10z1"},
		{"01XX0011", "01xx0011"},
		{"01xx0011,xxxx1011", "01xx0011,xxxx1011"},
		{"xxxxxxxx", "xxxxxxxx"},
		{"00000000,11111111,zzzzzzzz", "00000000,11111111,zzzzzzzz"},
	}
	for _, tc := range tests {
		a := fs(t, tc.in)
		l := (len(tc.in) + 1) / 9
		if l == 0 {
			l = 1
		}
		if got := ToStr(a, l, false); got != tc.want {
			t.Errorf("round-trip %q: got %q", tc.in, got)
		}
	}
}

func TestFromStrErrors(t *testing.T) {
	for _, s := range []string{"", "01", "0101010", "01xx10y1", "01xx0011;xxxx1011"} {
		if _, err := FromStr(s); err == nil {
			t.Errorf("FromStr(%q): expected error", s)
		}
	}
}

func TestToStrDecimal(t *testing.T) {
	a := fs(t, "11000001,10001000,00011111,001101xx")
	want := "D193,D136,D31,001101xx"
	if got := ToStr(a, 4, true); got != want {
		t.Errorf("decimal: got %q want %q", got, want)
	}

	if got := ToStr(New(2, BitX), 2, true); got != "DX,DX" {
		t.Errorf("all-x decimal: got %q", got)
	}
}

func TestIsectLaws(t *testing.T) {
	cubes := []string{"0x1xx0x1", "01xx10x1", "xxxxxxxx", "00000000", "1xxxxxx0"}
	allX := New(1, BitX)

	for _, s := range cubes {
		a := fs(t, s)
		if got := Isect(a, a, 1); got == nil || !IsEq(got, a, 1) {
			t.Errorf("isect(%s, %s) != %s", s, s, s)
		}
		if got := Isect(a, allX, 1); got == nil || !IsEq(got, a, 1) {
			t.Errorf("isect(%s, all-x) != %s", s, s)
		}
		for _, s2 := range cubes {
			b := fs(t, s2)
			ab := Isect(a, b, 1)
			ba := Isect(b, a, 1)
			if (ab == nil) != (ba == nil) {
				t.Fatalf("isect(%s,%s): commutativity broken", s, s2)
			}
			if ab != nil && !IsEq(ab, ba, 1) {
				t.Errorf("isect(%s,%s) not commutative", s, s2)
			}
		}
	}

	if got := Isect(fs(t, "0xxxxxxx"), fs(t, "1xxxxxxx"), 1); got != nil {
		t.Errorf("disjoint isect: got %v, want nil", got)
	}

	// Associative up to emptiness.
	for _, s1 := range cubes {
		for _, s2 := range cubes {
			for _, s3 := range cubes {
				a, b, c := fs(t, s1), fs(t, s2), fs(t, s3)
				var left, right Array
				if ab := Isect(a, b, 1); ab != nil {
					left = Isect(ab, c, 1)
				}
				if bc := Isect(b, c, 1); bc != nil {
					right = Isect(a, bc, 1)
				}
				if (left == nil) != (right == nil) {
					t.Fatalf("isect associativity: (%s,%s,%s)", s1, s2, s3)
				}
				if left != nil && !IsEq(left, right, 1) {
					t.Fatalf("isect associativity values: (%s,%s,%s)", s1, s2, s3)
				}
			}
		}
	}
}

func TestIsectAgainstEnumeration(t *testing.T) {
	cubes := []string{"0x1xx0x1", "01xx10x1", "xx10xxx1", "xxxxxxxx"}
	for _, s1 := range cubes {
		for _, s2 := range cubes {
			a, b := fs(t, s1), fs(t, s2)
			got := Isect(a, b, 1)
			sa, sb := cubeSet(a), cubeSet(b)
			for h := 0; h < 256; h++ {
				want := sa[h] && sb[h]
				have := got != nil && cubeMatches(got, uint8(h))
				if want != have {
					t.Fatalf("isect(%s,%s) member %02x: got %v want %v", s1, s2, h, have, want)
				}
			}
		}
	}
}

func TestNotInvolution(t *testing.T) {
	for _, s := range []string{"01xx10z1", "xxxxxxxx", "10101010"} {
		a := fs(t, s)
		if got := Not(Not(a, 1), 1); !IsEq(got, a, 1) {
			t.Errorf("not(not(%s)) = %s", s, ToStr(got, 1, false))
		}
	}
}

func TestCmpl(t *testing.T) {
	for _, s := range []string{"10xxxxxx", "11111111", "0x1xx0x1"} {
		a := fs(t, s)
		pieces := Cmpl(a, 1)
		set := cubeSet(a)
		union := unionSet(pieces)
		for h := 0; h < 256; h++ {
			if union[h] == set[h] {
				t.Fatalf("cmpl(%s) member %02x: both %v", s, h, set[h])
			}
		}
	}

	if pieces := Cmpl(New(1, BitX), 1); pieces != nil {
		t.Errorf("cmpl(all-x): got %d pieces, want none", len(pieces))
	}
}

func TestDiff(t *testing.T) {
	a, b := fs(t, "10xxxxxx"), fs(t, "101xxxxx")
	pieces := Diff(a, b, 1)
	sa, sb := cubeSet(a), cubeSet(b)
	union := unionSet(pieces)
	for h := 0; h < 256; h++ {
		want := sa[h] && !sb[h]
		if union[h] != want {
			t.Fatalf("diff member %02x: got %v want %v", h, union[h], want)
		}
	}
}

func TestSubset(t *testing.T) {
	tests := []struct {
		inner, outer string
		want         bool
	}{
		{"1010xxxx", "10xxxxxx", true},
		{"10xxxxxx", "1010xxxx", false},
		{"xxxxxxxx", "xxxxxxxx", true},
		{"0xxxxxxx", "1xxxxxxx", false},
	}
	for _, tc := range tests {
		if got := Subset(fs(t, tc.inner), fs(t, tc.outer), 1); got != tc.want {
			t.Errorf("Subset(%s, %s) = %v, want %v", tc.inner, tc.outer, got, tc.want)
		}
	}
}

func TestRewrite(t *testing.T) {
	// Mask 1 keeps, mask 0 takes the rewrite value.
	a := fs(t, "11111111")
	mask := fs(t, "11110000")
	rw := fs(t, "00000000")
	n := Rewrite(a, mask, rw, 1)
	if got := ToStr(a, 1, false); got != "11110000" {
		t.Errorf("rewrite: got %s want 11110000", got)
	}
	if n != 0 {
		t.Errorf("rewrite x-count: got %d want 0", n)
	}

	// x positions under a 0 mask are counted.
	b := fs(t, "1111xxxx")
	if n := Rewrite(b, mask, rw, 1); n != 4 {
		t.Errorf("rewrite x-count: got %d want 4", n)
	}

	// Idempotent for a fixed (mask, rw).
	c := fs(t, "x0x1x0x1")
	mask2 := fs(t, "1100xx11")
	rw2 := fs(t, "00110000")
	Rewrite(c, mask2, rw2, 1)
	once := Copy(c, 1)
	Rewrite(c, mask2, rw2, 1)
	if !IsEq(c, once, 1) {
		t.Errorf("rewrite not idempotent: %s then %s",
			ToStr(once, 1, false), ToStr(c, 1, false))
	}
}

func TestXCount(t *testing.T) {
	a := fs(t, "xx11xx00")
	mask := fs(t, "11000011")
	// x positions of a under mask 0: positions 2..5 are masked, of which
	// positions 4,5 hold x.
	if got := XCount(a, mask, 1); got != 2 {
		t.Errorf("XCount: got %d want 2", got)
	}
}

func TestCombine(t *testing.T) {
	mask := fs(t, "00000000") // every position mergeable

	tests := []struct {
		a, b    string
		dropA   bool
		dropB   bool
		extra   bool
	}{
		{"10x0xxxx", "10x1xxxx", true, true, true},    // widen to 10xxxxxx
		{"1001xxxx", "1xx0xxxx", true, false, true},   // a absorbed into extra
		{"10xxxxxx", "10xxxxxx", false, true, false},  // equal: drop b
		{"10xxxxxx", "1010xxxx", false, true, false},  // b subset of a
		{"1010xxxx", "10xxxxxx", true, false, false},  // a subset of b
		{"10x1xxxx", "1x00xxxx", false, false, true},  // overlap: keep both + extra
	}
	for _, tc := range tests {
		a, b := fs(t, tc.a), fs(t, tc.b)
		before := unionSet([]Array{a, b})

		ra, rb, extra := Combine(a, b, mask, 1)
		if (ra == nil) != tc.dropA || (rb == nil) != tc.dropB || (extra != nil) != tc.extra {
			t.Errorf("Combine(%s,%s): dropA=%v dropB=%v extra=%v",
				tc.a, tc.b, ra == nil, rb == nil, extra != nil)
		}

		var kept []Array
		for _, r := range []Array{ra, rb, extra} {
			if r != nil {
				kept = append(kept, r)
			}
		}
		if diff := cmp.Diff(before, unionSet(kept)); diff != "" {
			t.Errorf("Combine(%s,%s) changed the union (-want +got):\n%s", tc.a, tc.b, diff)
		}
		for i, x := range kept {
			for j, y := range kept {
				if i != j && Subset(x, y, 1) && !IsEq(x, y, 1) {
					t.Errorf("Combine(%s,%s): result %s subset of %s",
						tc.a, tc.b, ToStr(x, 1, false), ToStr(y, 1, false))
				}
			}
		}
	}

	// Without a mask only equality/subset reductions happen.
	a, b := fs(t, "10x0xxxx"), fs(t, "10x1xxxx")
	ra, rb, extra := Combine(a, b, nil, 1)
	if ra == nil || rb == nil || extra != nil {
		t.Errorf("maskless Combine merged disagreeing cubes")
	}
}

func TestShift(t *testing.T) {
	a := fs(t, "1000xxxx,11110000")
	ShiftLeft(a, 2, 4, 8, BitX)
	if got := ToStr(a, 2, false); got != "10000000,xxxxxxxx" {
		t.Errorf("shift left: got %s", got)
	}

	b := fs(t, "1000xxxx,11110000")
	ShiftRight(b, 2, 0, 8, Bit0)
	if got := ToStr(b, 2, false); got != "00000000,1000xxxx" {
		t.Errorf("shift right: got %s", got)
	}
}

func TestGetSetBitByte(t *testing.T) {
	a := New(2, BitX)
	SetBit(a, Bit1, 1, 3)
	if got := GetBit(a, 1, 3); got != Bit1 {
		t.Errorf("GetBit after SetBit: got %d", got)
	}
	if got := ToStr(a, 2, false); got != "xxxxxxxx,xxx1xxxx" {
		t.Errorf("SetBit: got %s", got)
	}

	SetByte(a, GetByte(a, 0), 1)
	if got := ToStr(a, 2, false); got != "xxxxxxxx,xxxxxxxx" {
		t.Errorf("SetByte: got %s", got)
	}
}

func TestHasXHasZ(t *testing.T) {
	if !HasX(fs(t, "000x0000"), 1) || HasX(fs(t, "00000000"), 1) {
		t.Error("HasX wrong")
	}
	if !HasZ(fs(t, "000z0000"), 1) || HasZ(fs(t, "00x00000"), 1) {
		t.Error("HasZ wrong")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	a := fs(t, "01xx10z1,11110000")
	buf := make([]byte, Bytes(2))
	Marshal(a, 2, buf)
	b := Unmarshal(buf, 2)
	if !IsEq(a, b, 2) {
		t.Errorf("marshal round-trip: %s != %s", ToStr(a, 2, false), ToStr(b, 2, false))
	}
}

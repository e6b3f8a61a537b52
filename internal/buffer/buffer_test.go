package buffer

import (
	"bytes"
	"testing"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		size  int
		class int
	}{
		{0, 0},
		{512, 0},
		{513, 1},
		{1024, 1},
		{1 << 20, numClasses - 1},
		{1<<20 + 1, -1},
	}
	for _, tt := range tests {
		if got := classOf(tt.size); got != tt.class {
			t.Errorf("classOf(%d): expected %d, got %d", tt.size, tt.class, got)
		}
	}
}

func TestPooledAllocator(t *testing.T) {
	a := NewPooledAllocator()

	b := a.Allocate(700)
	if len(b) != 0 || cap(b) < 700 {
		t.Fatalf("Expected empty slice with cap >= 700, got len %d cap %d", len(b), cap(b))
	}
	b = append(b, "hello"...)

	g := a.Grow(b, 5000)
	if cap(g) < 5000 {
		t.Errorf("Expected cap >= 5000, got %d", cap(g))
	}
	if string(g) != "hello" {
		t.Errorf("Expected contents to survive Grow, got %q", g)
	}
	if same := a.Grow(g, 10); cap(same) != cap(g) {
		t.Error("Expected Grow to keep a large enough slice")
	}
	a.Release(g)

	huge := a.Allocate(2 << 20)
	if cap(huge) < 2<<20 {
		t.Errorf("Expected an unpooled slice, got cap %d", cap(huge))
	}
	a.Release(huge)
	a.Release(make([]byte, 0, 1000))
}

func TestHeapAllocator(t *testing.T) {
	var a HeapAllocator
	b := append(a.Allocate(4), 1, 2, 3)
	g := a.Grow(b, 64)
	if !bytes.Equal(g, []byte{1, 2, 3}) || cap(g) < 64 {
		t.Errorf("Unexpected grown slice %v (cap %d)", g, cap(g))
	}
}

func TestBytesAppender(t *testing.T) {
	stored := []byte("ab")
	got := Bytes.Append(stored, [][]byte{[]byte("c"), []byte("de")}).([]byte)
	if string(got) != "abcde" {
		t.Errorf("Expected %q, got %q", "abcde", got)
	}
	got[0] = 'X'
	if stored[0] != 'a' {
		t.Error("Expected the merged chunk not to alias the stored one")
	}
}

func TestFlattenAndSize(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{[]byte("abc"), "abc"},
		{[][]byte{[]byte("a"), []byte("bc")}, "abc"},
		{[][]byte{[]byte("solo")}, "solo"},
		{Pooled{[]byte("po"), []byte("oled")}, "pooled"},
	}
	for _, tt := range tests {
		if got := string(Flatten(tt.in)); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
		if Size(tt.in) != len(tt.want) {
			t.Errorf("Expected size %d, got %d", len(tt.want), Size(tt.in))
		}
	}
	if Size("text") != 0 {
		t.Error("Expected non-byte values to have size 0")
	}

	defer func() {
		if recover() == nil {
			t.Error("Expected Flatten to panic on unsupported values")
		}
	}()
	Flatten(42)
}

package usbio

import (
	"errors"
	"testing"
)

func TestBufferGrowsGeometrically(t *testing.T) {
	b := NewBuffer(0)

	got, err := b.Acquire(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	if b.Cap() != 5 {
		t.Errorf("cap = %d, want 5", b.Cap())
	}

	if _, err := b.Acquire(6); err != nil {
		t.Fatal(err)
	}
	if b.Cap() != 10 {
		t.Errorf("cap after grow = %d, want 10 (at least double)", b.Cap())
	}

	if _, err := b.Acquire(32); err != nil {
		t.Fatal(err)
	}
	if b.Cap() != 32 {
		t.Errorf("cap = %d, want 32", b.Cap())
	}
}

func TestBufferNeverShrinks(t *testing.T) {
	b := NewBuffer(0)
	first, _ := b.Acquire(32)
	first[0] = 0xAA

	second, err := b.Acquire(2)
	if err != nil {
		t.Fatal(err)
	}
	if b.Cap() != 32 {
		t.Errorf("cap = %d, want 32", b.Cap())
	}
	if &first[0] != &second[0] {
		t.Error("small acquire reallocated the backing array")
	}
}

func TestBufferLimit(t *testing.T) {
	b := NewBuffer(64)
	if _, err := b.Acquire(40); err != nil {
		t.Fatal(err)
	}
	// Doubling would exceed the limit; growth is capped instead of failing.
	if _, err := b.Acquire(50); err != nil {
		t.Fatalf("acquire within limit: %v", err)
	}
	if b.Cap() != 64 {
		t.Errorf("cap = %d, want 64", b.Cap())
	}

	_, err := b.Acquire(65)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("err = %v, want ErrOutOfMemory", err)
	}
	if !errors.Is(err, ErrTransport) {
		t.Error("out of memory must count as a transport error")
	}
}

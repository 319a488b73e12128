package message

import "testing"

func TestNewZeroed(t *testing.T) {
	t.Parallel()

	m := New(16, 42)
	if m.Len() != 16 {
		t.Fatalf("expected length 16, got %d", m.Len())
	}
	if m.ID() != 42 {
		t.Fatalf("expected id 42, got %d", m.ID())
	}
	for i, b := range m.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, b)
		}
	}
}

func TestFromBytesDefaultsIDToZero(t *testing.T) {
	t.Parallel()

	m := FromBytes([]byte{1, 2, 3})
	if m.ID() != 0 {
		t.Fatalf("expected default id 0, got %d", m.ID())
	}
	if m.Len() != 3 {
		t.Fatalf("expected length 3, got %d", m.Len())
	}
}

func TestCloneIsIndependentAndPreservesID(t *testing.T) {
	t.Parallel()

	m := New(4, 7)
	clone := m.Clone()

	clone.Bytes()[0] = 0xFF
	if m.Bytes()[0] != 0 {
		t.Fatalf("mutating clone affected original")
	}
	if clone.ID() != 7 {
		t.Fatalf("expected clone id 7, got %d", clone.ID())
	}
}

package adjacency

import (
	"slices"
	"testing"
)

func TestSet_AddIdempotent(t *testing.T) {
	s := New(4096)
	if !s.Add(7) || s.Add(7) {
		t.Fatal("Add should report only the first insertion")
	}
	if s.Len() != 1 || !s.Contains(7) || s.Contains(8) {
		t.Errorf("unexpected set state, len %d", s.Len())
	}
	if s.IsDense() {
		t.Error("one element should stay sparse")
	}
}

func TestSet_Promotion(t *testing.T) {
	// 4096 indices take 64 words; the sparse form crosses 512 bytes at 32 elements.
	s := New(4096)
	for i := uint32(0); i < 31; i++ {
		s.Add(i * 100)
	}
	if s.IsDense() {
		t.Fatal("promoted too early")
	}
	s.Add(4095)
	if !s.IsDense() {
		t.Fatal("expected promotion at 32 elements")
	}
	if s.Len() != 32 || !s.Contains(3000) || !s.Contains(4095) || s.Contains(1) {
		t.Error("promotion lost elements")
	}
	if s.Add(3000) {
		t.Error("dense Add should be idempotent")
	}

	got := s.Sorted()
	if len(got) != 32 || !slices.IsSorted(got) || got[31] != 4095 {
		t.Errorf("Sorted = %v", got)
	}
}

func TestSet_SmallUniverse(t *testing.T) {
	s := New(3)
	s.Add(2)
	if !s.IsDense() {
		t.Error("a single word universe should go dense immediately")
	}
	if s.Contains(5) {
		t.Error("Contains outside the universe must be false")
	}

	defer func() {
		if recover() == nil {
			t.Error("Add outside the universe should panic")
		}
	}()
	s.Add(3)
}

func TestSet_ForEach(t *testing.T) {
	s := New(1 << 16)
	want := []uint32{1, 64, 65, 9000}
	for _, i := range want {
		s.Add(i)
	}
	var got []uint32
	s.ForEach(func(i uint32) { got = append(got, i) })
	slices.Sort(got)
	if !slices.Equal(got, want) {
		t.Errorf("ForEach visited %v", got)
	}
}

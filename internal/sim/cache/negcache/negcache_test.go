package negcache

import "testing"

func TestSet_RemoveFunc(t *testing.T) {
	s := New[string]()
	for _, k := range []string{"kush", "kush@Poor", "cocaleaf"} {
		s.Add(k)
	}
	if !s.Has("kush") || s.Len() != 3 {
		t.Fatalf("len=%d", s.Len())
	}
	n := s.RemoveFunc(func(k string) bool { return len(k) >= 4 && k[:4] == "kush" })
	if n != 2 || s.Len() != 1 || !s.Has("cocaleaf") {
		t.Fatalf("removed=%d remaining=%v", n, s.Sorted(func(a, b string) bool { return a < b }))
	}
	if s.Remove("kush") {
		t.Fatalf("remove of absent key reported true")
	}
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("clear failed")
	}
}

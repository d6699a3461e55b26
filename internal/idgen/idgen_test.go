package idgen

import "testing"

func TestNextSequenceIsIncreasing(t *testing.T) {
	if err := Init(7); err != nil {
		t.Fatal(err)
	}
	prev := NextSequence()
	for i := 0; i < 1000; i++ {
		next := NextSequence()
		if next <= prev {
			t.Fatalf("sequence went backwards: %d after %d", next, prev)
		}
		prev = next
	}
}

func TestInitRejectsOutOfRangeNode(t *testing.T) {
	if err := Init(4096); err == nil {
		t.Fatal("expected error for node id out of range")
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewID()
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

package cmdi

import "testing"

func TestIdentityUniqueness(t *testing.T) {
	seen := make(map[Identity]bool)
	for i := 0; i < 1000; i++ {
		id := NewIdentity()
		if id == "" {
			t.Fatal("empty identity")
		}
		if seen[id] {
			t.Fatalf("duplicate identity %s", id)
		}
		seen[id] = true
	}
}

func TestQueueTokenUniqueness(t *testing.T) {
	if NewQueueToken() == NewQueueToken() {
		t.Error("queue tokens must differ")
	}
}

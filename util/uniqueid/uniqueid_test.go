package uniqueid

import (
	"sort"
	"testing"
	"time"
)

func TestUniqueId_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id := UniqueId()
		if seen[id] {
			t.Fatalf("Duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestUniqueId_Format(t *testing.T) {
	id := UniqueId()
	// 16 bytes base64-encoded with padding is 24 characters
	if len(id) != 24 {
		t.Errorf("Expected 24-character id, got %d (%s)", len(id), id)
	}
}

func TestUniqueId_TimeOrdered(t *testing.T) {
	// Ids generated with a measurable gap must sort in generation order,
	// since the timestamp occupies the most significant bytes.
	first := UniqueId()
	time.Sleep(2 * time.Millisecond)
	second := UniqueId()

	ids := []string{second, first}
	sort.Strings(ids)
	if ids[0] != first {
		t.Errorf("Expected ids to sort by generation time: %s should precede %s", first, second)
	}
}

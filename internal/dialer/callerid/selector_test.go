package callerid

import (
	"errors"
	"testing"
)

func testEntries() []Entry {
	return []Entry{
		{Number: "15550000001", Trunk: "SIP/trunk-a", Priority: 1, Capacity: 2, Active: true},
		{Number: "15550000002", Trunk: "SIP/trunk-b", Priority: 2, Capacity: 4, Active: true},
		{Number: "15550000003", Trunk: "SIP/trunk-c", Priority: 3, Capacity: 2, Active: false},
	}
}

func TestAcquireRanksByLoadThenPriority(t *testing.T) {
	s := NewSelector(testEntries(), nil)

	// Both active entries idle: load ratio ties at 0, priority 1 wins.
	first, err := s.Acquire("15551112222")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if first.Number != "15550000001" {
		t.Errorf("first selection = %s, want 15550000001", first.Number)
	}

	// trunk-a now at 1/2 (0.5), trunk-b at 0/4: trunk-b wins.
	second, err := s.Acquire("15551113333")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if second.Number != "15550000002" {
		t.Errorf("second selection = %s, want 15550000002", second.Number)
	}
}

func TestAcquireNeverExceedsCapacityOutsideFallback(t *testing.T) {
	s := NewSelector(testEntries(), nil)

	// Capacity is 2+4 across active entries; six acquisitions fill them.
	for i := 0; i < 6; i++ {
		if _, err := s.Acquire("dest"); err != nil {
			t.Fatalf("Acquire() %d error = %v", i, err)
		}
		for _, st := range s.Stats() {
			if st.InUse > st.Capacity {
				t.Fatalf("entry %s oversubscribed: %d/%d before saturation", st.Number, st.InUse, st.Capacity)
			}
		}
	}
}

func TestAcquireFallsBackWhenSaturated(t *testing.T) {
	s := NewSelector(testEntries(), nil)
	for i := 0; i < 6; i++ {
		if _, err := s.Acquire("dest"); err != nil {
			t.Fatalf("Acquire() %d error = %v", i, err)
		}
	}

	// All active entries at capacity: fallback still selects, preferring the
	// lowest load ratio (trunk-a 2/2 = 1.0 vs trunk-b 4/4 = 1.0, priority 1).
	sel, err := s.Acquire("dest")
	if err != nil {
		t.Fatalf("Acquire() fallback error = %v", err)
	}
	if sel.Number != "15550000001" {
		t.Errorf("fallback selection = %s, want 15550000001", sel.Number)
	}
}

func TestAcquireFailsWithNoActiveEntries(t *testing.T) {
	s := NewSelector([]Entry{
		{Number: "15550000003", Trunk: "SIP/trunk-c", Priority: 1, Capacity: 2, Active: false},
	}, nil)

	_, err := s.Acquire("dest")
	if !errors.Is(err, ErrNoCallerIDAvailable) {
		t.Fatalf("Acquire() error = %v, want ErrNoCallerIDAvailable", err)
	}
}

func TestReleaseFreesSlotOnce(t *testing.T) {
	s := NewSelector(testEntries(), nil)

	sel, err := s.Acquire("dest")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	sel.Release()
	sel.Release() // double release must not underflow

	for _, st := range s.Stats() {
		if st.InUse != 0 {
			t.Errorf("entry %s in_use = %d after release, want 0", st.Number, st.InUse)
		}
	}
}

func TestInactiveEntriesNeverSelected(t *testing.T) {
	s := NewSelector(testEntries(), nil)
	for i := 0; i < 10; i++ {
		sel, err := s.Acquire("dest")
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if sel.Trunk == "SIP/trunk-c" {
			t.Fatal("inactive entry selected")
		}
	}
}

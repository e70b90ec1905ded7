package engine

import "testing"

type counter struct{ n int }

func TestSlotsRoundTrip(t *testing.T) {
	var s Slots

	if _, ok := GetSlot[*counter](&s); ok {
		t.Fatal("empty slots should report missing value")
	}

	c := &counter{n: 3}
	SetSlot(&s, c)
	got, ok := GetSlot[*counter](&s)
	if !ok {
		t.Fatal("slot not found after SetSlot")
	}
	if got != c {
		t.Errorf("GetSlot returned %p, want %p", got, c)
	}
}

func TestSlotsKeyedByType(t *testing.T) {
	var s Slots
	SetSlot(&s, "name")
	SetSlot(&s, 42)

	str, _ := GetSlot[string](&s)
	num, _ := GetSlot[int](&s)
	if str != "name" || num != 42 {
		t.Errorf("slots = (%q, %d), want (\"name\", 42)", str, num)
	}

	SetSlot(&s, 7)
	num, _ = GetSlot[int](&s)
	if num != 7 {
		t.Errorf("overwritten slot = %d, want 7", num)
	}
}

func TestSlotsClear(t *testing.T) {
	var s Slots
	SetSlot(&s, &counter{})
	s.Clear()
	if _, ok := GetSlot[*counter](&s); ok {
		t.Error("slot survived Clear")
	}
}

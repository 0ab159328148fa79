package nav

import "testing"

func TestQueue_PeekAdvance(t *testing.T) {
	q := NewQueue(false)
	if _, ok := q.Peek(); ok {
		t.Fatalf("empty queue must have no target")
	}
	q.Add(Waypoint{Name: "a"})
	q.Add(Waypoint{Name: "b"})

	wp, ok := q.Peek()
	if !ok || wp.Name != "a" {
		t.Fatalf("peek = %+v ok=%v", wp, ok)
	}
	if !q.Advance() {
		t.Fatalf("expected next target")
	}
	wp, _ = q.Peek()
	if wp.Name != "b" {
		t.Fatalf("after advance peek = %+v", wp)
	}
	if q.Advance() {
		t.Fatalf("expected end of path")
	}
	if _, ok := q.Peek(); ok {
		t.Fatalf("exhausted queue must have no target")
	}
	if q.Remaining() != 0 {
		t.Fatalf("remaining = %d", q.Remaining())
	}
}

func TestQueue_LoopWrapsAndCounts(t *testing.T) {
	q := NewQueue(true)
	for _, name := range []string{"a", "b", "c", "d"} {
		q.Add(Waypoint{Name: name})
	}
	// One full cycle.
	for i := 0; i < 4; i++ {
		if !q.Advance() {
			t.Fatalf("advance %d failed in loop mode", i)
		}
	}
	if q.LoopCount() != 1 {
		t.Fatalf("loop count = %d, want 1", q.LoopCount())
	}
	wp, _ := q.Peek()
	if wp.Name != "a" {
		t.Fatalf("after wrap peek = %+v", wp)
	}
	// Second cycle.
	for i := 0; i < 4; i++ {
		q.Advance()
	}
	if q.LoopCount() != 2 {
		t.Fatalf("loop count = %d, want 2", q.LoopCount())
	}
}

func TestQueue_DisableLoopPreservesCursor(t *testing.T) {
	q := NewQueue(true)
	q.Add(Waypoint{Name: "a"})
	q.Add(Waypoint{Name: "b"})
	q.Add(Waypoint{Name: "c"})
	q.Advance()

	q.SetLoop(false)
	wp, ok := q.Peek()
	if !ok || wp.Name != "b" {
		t.Fatalf("cursor not preserved: %+v ok=%v", wp, ok)
	}
	if q.Remaining() != 2 {
		t.Fatalf("remaining = %d, want 2", q.Remaining())
	}
}

func TestQueue_ClearResets(t *testing.T) {
	q := NewQueue(true)
	q.Add(Waypoint{Name: "a"})
	q.Add(Waypoint{Name: "b"})
	q.Advance()
	q.Advance() // wrap, loopCount 1

	q.Clear()
	if q.Len() != 0 || q.LoopCount() != 0 || q.Remaining() != 0 {
		t.Fatalf("clear did not reset: len=%d loops=%d remaining=%d", q.Len(), q.LoopCount(), q.Remaining())
	}
}

func TestQueue_RemainingInLoopMode(t *testing.T) {
	q := NewQueue(true)
	q.Add(Waypoint{Name: "a"})
	q.Add(Waypoint{Name: "b"})
	q.Add(Waypoint{Name: "c"})
	q.Advance()
	// Loop mode reports the remainder of the current cycle.
	if q.Remaining() != 2 {
		t.Fatalf("remaining = %d, want 2", q.Remaining())
	}
}

func TestWaypoint_ToleranceDefault(t *testing.T) {
	if got := (Waypoint{}).Tolerance(); got != DefaultWaypointToleranceM {
		t.Fatalf("default tolerance = %f", got)
	}
	if got := (Waypoint{ToleranceM: 2.5}).Tolerance(); got != 2.5 {
		t.Fatalf("explicit tolerance = %f", got)
	}
}

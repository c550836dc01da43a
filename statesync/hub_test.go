package statesync

import (
	"testing"
	"time"
)

func TestHubDeliversInOrder(t *testing.T) {
	h := newHub(8)
	sub := h.subscribe()
	defer sub.Close()

	for v := uint64(1); v <= 5; v++ {
		h.publish(Change{ID: "chg", Version: v})
	}

	for want := uint64(1); want <= 5; want++ {
		select {
		case c := <-sub.Changes():
			if c.Version != want {
				t.Fatalf("Version = %d, want %d", c.Version, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change")
		}
	}
}

func TestHubDisconnectsSlowSubscriber(t *testing.T) {
	h := newHub(2)
	slow := h.subscribe()
	fast := h.subscribe()

	// fill slow's buffer without draining, then publish one more
	for v := uint64(1); v <= 3; v++ {
		h.publish(Change{Version: v})
		// keep fast drained so only slow overflows
		select {
		case <-fast.Changes():
		case <-time.After(time.Second):
			t.Fatal("fast subscriber starved")
		}
	}

	if h.len() != 1 {
		t.Fatalf("subscribers = %d, want 1 (slow disconnected)", h.len())
	}

	// slow still drains its buffered prefix in order, then sees the close
	got := make([]uint64, 0, 3)
	for c := range slow.Changes() {
		got = append(got, c.Version)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("slow received %v, want the gap-free prefix [1 2]", got)
	}
}

func TestSubCloseIsIdempotent(t *testing.T) {
	h := newHub(1)
	sub := h.subscribe()
	sub.Close()
	sub.Close()

	if h.len() != 0 {
		t.Fatalf("subscribers = %d, want 0", h.len())
	}
	// publishing after close must not panic
	h.publish(Change{Version: 1})
}

func TestHubClose(t *testing.T) {
	h := newHub(1)
	a := h.subscribe()
	b := h.subscribe()
	h.close()

	for _, sub := range []*Sub{a, b} {
		if _, open := <-sub.Changes(); open {
			t.Fatal("channel still open after hub close")
		}
	}

	// a late subscriber gets an already-closed channel
	late := h.subscribe()
	if _, open := <-late.Changes(); open {
		t.Fatal("subscription on a closed hub stayed open")
	}
}

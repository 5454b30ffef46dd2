package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	resets, unsubResets := b.Subscribe(4, MineReset)
	defer unsubAll()
	defer unsubResets()

	b.Publish(Event{Type: MineCreated, Data: MineEvent{Mine: "a"}})
	b.Publish(Event{Type: MineReset, Data: ResetEvent{Mine: "a", Cells: 8}})

	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber: got %d events want 2", len(all))
	}
	if len(resets) != 1 {
		t.Fatalf("filtered subscriber: got %d events want 1", len(resets))
	}
	ev := <-resets
	if ev.Time.IsZero() {
		t.Fatalf("publish should stamp the time")
	}
	if re, ok := ev.Data.(ResetEvent); !ok || re.Cells != 8 {
		t.Fatalf("payload: %#v", ev.Data)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: MineReset})
		}
		unsub()
		b.Publish(Event{Type: MineReset})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full subscriber")
	}
}

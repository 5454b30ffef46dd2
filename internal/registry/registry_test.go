package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"minekeeper/internal/host"
	"minekeeper/internal/mine"
)

type fakeHandle struct{ canceled atomic.Bool }

func (h *fakeHandle) Cancel() bool { return h.canceled.CompareAndSwap(false, true) }

func newMine(t *testing.T, id string) *mine.Mine {
	t.Helper()
	m, err := mine.New(mine.Spec{ID: id, Space: "world", Interval: time.Minute})
	if err != nil {
		t.Fatalf("mine.New: %v", err)
	}
	return m
}

func TestInsertRejectsDuplicate(t *testing.T) {
	t.Parallel()

	r := New()
	if _, err := r.Insert(newMine(t, "a")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := r.Insert(newMine(t, "a")); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate Insert: got %v want ErrExists", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len: got %d", r.Len())
	}
}

func TestArmReplacesPreviousHandle(t *testing.T) {
	t.Parallel()

	r := New()
	e, _ := r.Insert(newMine(t, "a"))

	first := &fakeHandle{}
	var firstGen uint64
	e.Arm(func(gen uint64) host.Handle { firstGen = gen; return first })
	second := &fakeHandle{}
	e.Arm(func(gen uint64) host.Handle { return second })

	if !first.canceled.Load() {
		t.Fatalf("previous handle was not canceled")
	}
	if second.canceled.Load() {
		t.Fatalf("current handle canceled")
	}
	if e.Current(firstGen) {
		t.Fatalf("old generation still reported current")
	}
	if !e.Armed() {
		t.Fatalf("entry should be armed")
	}
}

func TestRemoveCancelsAndBlocksRearm(t *testing.T) {
	t.Parallel()

	r := New()
	e, _ := r.Insert(newMine(t, "a"))
	h := &fakeHandle{}
	var gen uint64
	e.Arm(func(g uint64) host.Handle { gen = g; return h })

	if _, ok := r.Remove("a"); !ok {
		t.Fatalf("Remove: not found")
	}
	if !h.canceled.Load() {
		t.Fatalf("Remove did not cancel the timer")
	}
	if e.Current(gen) {
		t.Fatalf("removed entry still current")
	}
	called := false
	if e.Arm(func(uint64) host.Handle { called = true; return &fakeHandle{} }) || called {
		t.Fatalf("Arm on a removed entry must be a no-op")
	}
	if _, ok := r.Get("a"); ok {
		t.Fatalf("Get after Remove: found")
	}
	if _, ok := r.Remove("a"); ok {
		t.Fatalf("second Remove: found")
	}
}

func TestListIsSortedSnapshot(t *testing.T) {
	t.Parallel()

	r := New()
	for _, id := range []string{"c", "a", "b"} {
		_, _ = r.Insert(newMine(t, id))
	}
	got := r.List()
	if len(got) != 3 || got[0].ID() != "a" || got[2].ID() != "c" {
		t.Fatalf("List: %v", got)
	}
	if removed := r.Clear(); len(removed) != 3 || r.Len() != 0 {
		t.Fatalf("Clear: removed=%d len=%d", len(removed), r.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("m%d", i%4)
			m, err := mine.New(mine.Spec{ID: id, Space: "w", Interval: time.Minute})
			if err != nil {
				return
			}
			if e, err := r.Insert(m); err == nil {
				e.Arm(func(uint64) host.Handle { return &fakeHandle{} })
			}
			_ = r.List()
			if i%3 == 0 {
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()
	if r.Len() != len(r.List()) {
		t.Fatalf("Len %d disagrees with List %d", r.Len(), len(r.List()))
	}
}

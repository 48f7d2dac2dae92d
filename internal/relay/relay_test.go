package relay

import (
	"errors"
	"sync"
	"testing"
	"testing/quick"
)

type recorder struct {
	mu  sync.Mutex
	got []int
}

func (r *recorder) listen(v int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
	return nil
}

func (r *recorder) values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.got...)
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPublishThenAttachDeliversOnce(t *testing.T) {
	r := New[int]()
	rec := &recorder{}

	r.Publish(1)
	r.Attach(rec.listen)

	if got := rec.values(); !equal(got, []int{1}) {
		t.Fatalf("delivered = %v, want [1]", got)
	}

	// Re-attaching must not replay
	r.Detach()
	r.Attach(rec.listen)
	if got := rec.values(); !equal(got, []int{1}) {
		t.Errorf("delivered after re-attach = %v, want [1]", got)
	}
}

func TestAttachedListenerGetsPublishesInOrder(t *testing.T) {
	r := New[int]()
	rec := &recorder{}

	r.Attach(rec.listen)
	r.Publish(1)
	r.Publish(2)

	if got := rec.values(); !equal(got, []int{1, 2}) {
		t.Errorf("delivered = %v, want [1 2]", got)
	}
	if st := r.Stats(); st.Pending || st.Delivered != 2 || st.Dropped != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPendingSlotOverwrites(t *testing.T) {
	r := New[int]()
	rec := &recorder{}

	r.Publish(1)
	r.Publish(2)
	r.Attach(rec.listen)

	if got := rec.values(); !equal(got, []int{2}) {
		t.Fatalf("delivered = %v, want [2]", got)
	}
	if st := r.Stats(); st.Dropped != 1 || st.Published != 2 {
		t.Errorf("stats = %+v, want 1 dropped of 2 published", st)
	}
}

func TestPendingSlotKeepsOnlyLast(t *testing.T) {
	f := func(vals []int) bool {
		if len(vals) == 0 {
			return true
		}
		r := New[int]()
		rec := &recorder{}
		for _, v := range vals {
			r.Publish(v)
		}
		r.Attach(rec.listen)
		return equal(rec.values(), vals[len(vals)-1:]) &&
			r.Stats().Dropped == uint64(len(vals)-1)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestDetachParksLaterPublishes(t *testing.T) {
	r := New[int]()
	first := &recorder{}
	second := &recorder{}

	r.Attach(first.listen)
	r.Publish(1)
	r.Detach()
	r.Publish(2)

	if got := first.values(); !equal(got, []int{1}) {
		t.Errorf("first listener got %v, want [1]", got)
	}
	if !r.Stats().Pending {
		t.Fatal("expected value pending after detach")
	}

	r.Attach(second.listen)
	if got := second.values(); !equal(got, []int{2}) {
		t.Errorf("second listener got %v, want [2]", got)
	}
}

func TestFailedDeliveryIsKeptPending(t *testing.T) {
	r := New[int]()
	calls := 0
	r.Attach(func(int) error {
		calls++
		return errors.New("connection closed")
	})

	r.Publish(7)

	st := r.Stats()
	if st.Attached {
		t.Error("failing listener still attached")
	}
	if !st.Pending {
		t.Fatal("failed value not kept pending")
	}

	rec := &recorder{}
	r.Attach(rec.listen)
	if got := rec.values(); !equal(got, []int{7}) {
		t.Errorf("delivered = %v, want [7]", got)
	}
	if calls != 1 {
		t.Errorf("failing listener called %d times, want 1", calls)
	}
}

func TestListenerMayDetachItself(t *testing.T) {
	r := New[int]()
	rec := &recorder{}
	r.Attach(func(v int) error {
		r.Detach()
		return rec.listen(v)
	})

	r.Publish(1)
	r.Publish(2)

	if got := rec.values(); !equal(got, []int{1}) {
		t.Errorf("delivered = %v, want [1]", got)
	}
	if !r.Stats().Pending {
		t.Error("second publish not pending")
	}
}

func TestConcurrentAttachDetachPreservesOrder(t *testing.T) {
	r := New[int]()
	rec := &recorder{}
	const n = 2000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			r.Publish(i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n/4; i++ {
			r.Attach(rec.listen)
			r.Detach()
		}
	}()
	wg.Wait()
	r.Attach(rec.listen)

	got := rec.values()
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("out of order or duplicate delivery at %d: %d after %d", i, got[i], got[i-1])
		}
	}
	if len(got) == 0 || got[len(got)-1] != n {
		t.Errorf("last delivered value = %v, want %d", got, n)
	}

	st := r.Stats()
	if st.Delivered+st.Dropped != n {
		t.Errorf("delivered %d + dropped %d != published %d", st.Delivered, st.Dropped, n)
	}
}

func TestStaleDetachKeepsNewListener(t *testing.T) {
	r := New[int]()
	first, second := &recorder{}, &recorder{}

	detachFirst := r.Attach(first.listen)
	r.Attach(second.listen)
	detachFirst()

	r.Publish(1)
	if got := second.values(); len(got) != 1 || got[0] != 1 {
		t.Errorf("second listener got %v, want [1]", got)
	}
	if got := first.values(); len(got) != 0 {
		t.Errorf("replaced listener got %v", got)
	}
}

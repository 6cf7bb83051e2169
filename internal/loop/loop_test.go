package loop

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New("test", nil)
	l.Start()
	t.Cleanup(func() {
		l.Stop()
		<-l.Done()
	})
	return l
}

func TestPostRunsInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := range 100 {
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Call(func() {}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran as %d", i, v)
		}
	}
}

func TestPostFromTaskRunsNextTick(t *testing.T) {
	l := startLoop(t)

	var order []string
	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() {
			order = append(order, "deferred")
			close(done)
		})
		order = append(order, "current")
	})
	l.Post(func() { order = append(order, "queued") })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deferred task never ran")
	}
	want := []string{"current", "queued", "deferred"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSingleGoroutineExecution(t *testing.T) {
	l := startLoop(t)

	var wg sync.WaitGroup
	counter := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 250 {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	var got int
	if err := l.Call(func() { got = counter }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != 2000 {
		t.Fatalf("counter = %d, want 2000", got)
	}
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("boom") })
	ran := false
	if err := l.Call(func() { ran = true }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !ran {
		t.Fatal("task after panic did not run")
	}
}

func TestStopRejectsPosts(t *testing.T) {
	l := New("test", nil)
	l.Start()
	l.Stop()
	l.Stop()
	<-l.Done()

	if l.Post(func() {}) {
		t.Fatal("Post succeeded after Stop")
	}
	if err := l.Call(func() {}); err != ErrStopped {
		t.Fatalf("Call err = %v, want ErrStopped", err)
	}
}

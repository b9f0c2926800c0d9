package bus

import (
	"sync"
	"testing"
	"time"
)

func TestEmitDoesNotRunOnCallerGoroutine(t *testing.T) {
	b := New()
	release := make(chan struct{})
	done := make(chan struct{})
	b.Subscribe("ev", func(payload interface{}) {
		<-release
		close(done)
	})

	// The handler blocks until released, so Emit can only return first
	// if it did not run the handler on its own goroutine.
	emitted := make(chan struct{})
	go func() {
		b.Emit("ev", nil)
		close(emitted)
	}()
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on its handler")
	}
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestHandlersRunInRegistrationOrderPerEmit(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		b.Subscribe("ev", func(payload interface{}) {
			mu.Lock()
			order = append(order, i)
			n := len(order)
			mu.Unlock()
			if n == 5 {
				close(done)
			}
		})
	}

	b.Emit("ev", nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handlers never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("handlers ran out of order: %v", order)
		}
	}
}

func TestEmitToUnknownEventIsNoop(t *testing.T) {
	b := New()
	b.Emit("nothing-subscribed", "payload")
}

func TestPanicInHandlerDoesNotStopSiblings(t *testing.T) {
	b := New()
	done := make(chan struct{})
	b.Subscribe("ev", func(payload interface{}) {
		panic("boom")
	})
	b.Subscribe("ev", func(payload interface{}) {
		close(done)
	})

	b.Emit("ev", nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second handler never ran after first panicked")
	}
}

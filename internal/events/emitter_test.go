package events_test

import (
	"sync"
	"testing"

	"github.com/basket/taskpilot/internal/events"
)

func TestEmitter_RegisterAndEmit(t *testing.T) {
	em := events.NewEmitter()

	var got []any
	em.Register("log", func(payload any) {
		got = append(got, payload)
	})

	em.Emit("log", "hello")
	em.Emit("log", "world")
	em.Emit("other", "ignored")

	if len(got) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(got))
	}
	if got[0] != "hello" || got[1] != "world" {
		t.Fatalf("unexpected payloads: %v", got)
	}
}

func TestEmitter_Deregister(t *testing.T) {
	em := events.NewEmitter()

	calls := 0
	reg := em.Register("exit", func(any) { calls++ })

	em.Emit("exit", nil)
	reg.Deregister()
	em.Emit("exit", nil)

	if calls != 1 {
		t.Fatalf("expected 1 call after deregister, got %d", calls)
	}
	if n := em.HandlerCount("exit"); n != 0 {
		t.Fatalf("expected 0 handlers, got %d", n)
	}
}

func TestEmitter_DeregisterTwiceIsNoop(t *testing.T) {
	em := events.NewEmitter()
	reg := em.Register("progress", func(any) {})

	reg.Deregister()
	reg.Deregister()

	if n := em.HandlerCount("progress"); n != 0 {
		t.Fatalf("expected 0 handlers, got %d", n)
	}
}

func TestEmitter_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	em := events.NewEmitter()

	ran := false
	em.Register("error", func(any) { panic("boom") })
	em.Register("error", func(any) { ran = true })

	em.Emit("error", nil)

	if !ran {
		t.Fatal("second handler should still run after a panic")
	}
}

func TestEmitter_ConcurrentEmit(t *testing.T) {
	em := events.NewEmitter()

	var mu sync.Mutex
	count := 0
	em.Register("tick", func(any) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			em.Emit("tick", nil)
		}()
	}
	wg.Wait()

	if count != 20 {
		t.Fatalf("expected 20 emissions, got %d", count)
	}
}

package schedule_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haldis/wireconn/schedule"
)

// TestSerialOrdering exercises spec.md §8 property 4: given inbound
// items [N1(serial), N2(parallel), N3(serial)], handler completions
// observe N1.end <= N2.start and N2.end <= N3.start.
func TestSerialOrdering(t *testing.T) {
	t.Parallel()

	s := schedule.New(8)
	defer s.Shutdown()

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(3)

	s.Enqueue(schedule.Item{Type: schedule.Serial, Run: func(ctx context.Context) {
		defer wg.Done()
		record("n1.start")
		time.Sleep(10 * time.Millisecond)
		record("n1.end")
	}})

	s.Enqueue(schedule.Item{Type: schedule.Parallel, Run: func(ctx context.Context) {
		defer wg.Done()
		record("n2.start")
		time.Sleep(10 * time.Millisecond)
		record("n2.end")
	}})

	s.Enqueue(schedule.Item{Type: schedule.Serial, Run: func(ctx context.Context) {
		defer wg.Done()
		record("n3.start")
	}})

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	idx := func(name string) int {
		for i, e := range events {
			if e == name {
				return i
			}
		}
		t.Fatalf("event %q never recorded, got %v", name, events)
		return -1
	}

	if idx("n1.end") > idx("n2.start") {
		t.Errorf("n1.end must precede n2.start, got %v", events)
	}
	if idx("n2.end") > idx("n3.start") {
		t.Errorf("n2.end must precede n3.start, got %v", events)
	}
}

func TestParallelItemsOverlap(t *testing.T) {
	t.Parallel()

	s := schedule.New(8)
	defer s.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{}, 2)

	var wg sync.WaitGroup
	wg.Add(2)

	for i := 0; i < 2; i++ {
		s.Enqueue(schedule.Item{Type: schedule.Parallel, Run: func(ctx context.Context) {
			defer wg.Done()
			started <- struct{}{}
			<-release
		}})
	}

	// Both parallel items must have started before either is allowed to
	// finish, proving they overlap rather than serialising.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatalf("parallel items did not overlap")
		}
	}

	close(release)
	wg.Wait()
}

func TestShutdownWaitsWithinGrace(t *testing.T) {
	t.Parallel()

	s := schedule.New(4, schedule.WithGrace(200*time.Millisecond))

	done := make(chan struct{})
	s.Enqueue(schedule.Item{Type: schedule.Parallel, Run: func(ctx context.Context) {
		time.Sleep(20 * time.Millisecond)
		close(done)
	}})

	// Give the worker a moment to pick up the item before shutting down.
	time.Sleep(5 * time.Millisecond)

	start := time.Now()
	s.Shutdown()
	elapsed := time.Since(start)

	select {
	case <-done:
	default:
		t.Fatalf("expected outstanding work to finish before Shutdown returns")
	}

	if elapsed > 500*time.Millisecond {
		t.Fatalf("Shutdown took too long: %v", elapsed)
	}
}

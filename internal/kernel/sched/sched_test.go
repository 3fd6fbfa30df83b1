package sched

import (
	"sync"
	"testing"
	"time"
)

func TestHighestPriorityRunsFirst(t *testing.T) {
	s := New(1)

	var mu sync.Mutex
	var order []string

	lo := s.NewThread(1)
	hi := s.NewThread(10)

	var wg sync.WaitGroup
	wg.Add(2)

	// Start the low-priority thread first and give it a moment to
	// actually occupy the single CPU slot, then start the high
	// priority thread: it must still be admitted ahead of anything
	// enqueued later at a lower level once lo yields.
	release := make(chan struct{})
	s.Start(lo, func(th *Thread) {
		defer wg.Done()
		mu.Lock()
		order = append(order, "lo-start")
		mu.Unlock()
		s.Block(th)
		<-release
		s.Resume(th)
		mu.Lock()
		order = append(order, "lo-end")
		mu.Unlock()
	})

	time.Sleep(10 * time.Millisecond)

	s.Start(hi, func(th *Thread) {
		defer wg.Done()
		mu.Lock()
		order = append(order, "hi")
		mu.Unlock()
	})

	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "lo-start" || order[1] != "hi" || order[2] != "lo-end" {
		t.Fatalf("unexpected schedule order: %v", order)
	}
}

func TestSleepWakesAfterClockAdvance(t *testing.T) {
	s := New(2)
	th := s.NewThread(5)

	woke := make(chan struct{})
	s.Start(th, func(t *Thread) {
		if err := s.Sleep(t, 10); err != nil {
			panic(err)
		}
		close(woke)
	})

	select {
	case <-woke:
		t.Fatal("thread woke before clock advanced")
	case <-time.After(20 * time.Millisecond):
	}

	s.Clock().Advance(10)

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("thread never woke after clock advance")
	}
}

func TestJoinWaitsForTermination(t *testing.T) {
	s := New(2)
	th := s.NewThread(1)
	done := make(chan struct{})
	s.Start(th, func(t *Thread) {
		time.Sleep(5 * time.Millisecond)
		close(done)
	})
	if err := s.Join(th); err != nil {
		t.Fatalf("Join: %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("Join returned before thread body finished")
	}
}

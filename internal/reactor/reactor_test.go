package reactor

import (
	"sync"
	"testing"
	"time"
)

func TestStrandRunsJobsInOrder(t *testing.T) {
	pool := NewPool(4)
	defer pool.Close()

	strand := NewStrand(pool)
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		i := i
		strand.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 9 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for jobs to run")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d (jobs ran out of order)", i, v, i)
		}
	}
}

func TestStrandJobsNeverOverlap(t *testing.T) {
	pool := NewPool(8)
	defer pool.Close()

	strand := NewStrand(pool)
	var active int32
	var mu sync.Mutex
	overlapped := false
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		strand.Post(func() {
			defer wg.Done()
			mu.Lock()
			active++
			if active > 1 {
				overlapped = true
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		})
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for jobs to complete")
	}

	if overlapped {
		t.Fatal("strand allowed two jobs to run concurrently")
	}
}

func TestTwoStrandsRunConcurrentlyOnSharedPool(t *testing.T) {
	pool := NewPool(4)
	defer pool.Close()

	a := NewStrand(pool)
	b := NewStrand(pool)

	release := make(chan struct{})
	started := make(chan struct{}, 2)

	a.Post(func() {
		started <- struct{}{}
		<-release
	})
	b.Post(func() {
		started <- struct{}{}
		<-release
	})

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for both strands to start concurrently")
		}
	}
	close(release)
}

func TestPoolCloseWaitsForInFlight(t *testing.T) {
	pool := NewPool(2)
	ran := make(chan struct{})
	pool.submit(func() {
		time.Sleep(50 * time.Millisecond)
		close(ran)
	})
	pool.Close()
	select {
	case <-ran:
	default:
		t.Fatal("expected in-flight job to have completed before Close returned")
	}
}

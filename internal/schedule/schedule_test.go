package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestScheduler_RunsRegisteredJobOnInterval(t *testing.T) {
	s := New(zap.NewNop())
	var calls int64

	if err := s.AddInterval("tick", time.Second, func() {
		atomic.AddInt64(&calls, 1)
	}); err != nil {
		t.Fatal(err)
	}

	s.Start()
	defer s.Stop()

	time.Sleep(2500 * time.Millisecond)
	if atomic.LoadInt64(&calls) < 2 {
		t.Fatalf("expected at least 2 calls in 2.5s at a 1s interval, got %d", calls)
	}
}

func TestScheduler_StopWaitsForInFlightJob(t *testing.T) {
	s := New(zap.NewNop())
	started := make(chan struct{})
	var finished int32

	if err := s.AddInterval("slow", 10*time.Millisecond, func() {
		close1(started)
		time.Sleep(100 * time.Millisecond)
		atomic.StoreInt32(&finished, 1)
	}); err != nil {
		t.Fatal(err)
	}

	s.Start()
	<-started
	s.Stop()

	if atomic.LoadInt32(&finished) != 1 {
		t.Fatal("expected Stop to wait for the in-flight job to finish")
	}
}

func close1(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func TestScheduler_StopWithoutStartIsNoop(t *testing.T) {
	s := New(zap.NewNop())
	s.Stop()
}

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"pixelstudio/domain"
)

func newQueued(requestID string) *domain.ProcessingStatus {
	return &domain.ProcessingStatus{
		RequestID: requestID,
		UserID:    "user-1",
		Status:    domain.ProcessingStateQueued,
		Message:   "queued",
		Timestamp: time.Now(),
	}
}

func TestInMemoryCreateIsSetNX(t *testing.T) {
	s := NewInMemoryStatusStore(time.Minute)
	if err := s.Create(newQueued("req-1")); err != nil {
		t.Fatal(err)
	}

	second := newQueued("req-1")
	second.Message = "overwritten"
	if err := s.Create(second); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Get("req-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Message != "queued" {
		t.Fatalf("second Create replaced the record: message=%q", got.Message)
	}
}

func TestInMemoryClaimExactlyOneWinner(t *testing.T) {
	s := NewInMemoryStatusStore(time.Minute)
	if err := s.Create(newQueued("req-1")); err != nil {
		t.Fatal(err)
	}

	const workers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		holders = make(map[string]struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "worker-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
			claimed, current, err := s.Claim(context.Background(), "req-1", id)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if claimed {
				winners = append(winners, id)
			}
			holders[current] = struct{}{}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d: %v", len(winners), winners)
	}
	// Every caller observed the same current processor.
	if len(holders) != 1 {
		t.Fatalf("inconsistent currentProcessor across callers: %v", holders)
	}
	if _, ok := holders[winners[0]]; !ok {
		t.Fatalf("losers saw %v, winner is %s", holders, winners[0])
	}
}

func TestInMemoryTerminalImmutable(t *testing.T) {
	s := NewInMemoryStatusStore(time.Minute)
	if err := s.Create(newQueued("req-1")); err != nil {
		t.Fatal(err)
	}

	_, ok, err := s.Update("req-1", func(st *domain.ProcessingStatus) {
		st.Status = domain.ProcessingStateComplete
		st.Progress = 100
		st.SetID = "set-1"
	})
	if err != nil || !ok {
		t.Fatalf("terminal write: ok=%v err=%v", ok, err)
	}

	after, ok, err := s.Update("req-1", func(st *domain.ProcessingStatus) {
		st.Status = domain.ProcessingStateFailed
		st.Progress = 0
		st.Error = "should not land"
	})
	if err != nil || !ok {
		t.Fatalf("post-terminal update: ok=%v err=%v", ok, err)
	}
	if after.Status != domain.ProcessingStateComplete || after.Progress != 100 || after.Error != "" {
		t.Fatalf("terminal record mutated: %+v", after)
	}
}

func TestInMemoryTTLExpiry(t *testing.T) {
	s := NewInMemoryStatusStore(20 * time.Millisecond)
	if err := s.Create(newQueued("req-1")); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get("req-1"); !ok {
		t.Fatal("record missing before TTL")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok, _ := s.Get("req-1"); ok {
		t.Fatal("record survived TTL")
	}
	// Expired reads as not-found, same as never-created.
	if _, ok, _ := s.Update("req-1", func(st *domain.ProcessingStatus) {}); ok {
		t.Fatal("update found an expired record")
	}
}

func TestInMemorySubscribeDeliversUpdates(t *testing.T) {
	s := NewInMemoryStatusStore(time.Minute)
	if err := s.Create(newQueued("req-1")); err != nil {
		t.Fatal(err)
	}

	ch, cancel, err := s.Subscribe(context.Background(), "req-1")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	_, _, _ = s.Update("req-1", func(st *domain.ProcessingStatus) {
		st.Status = domain.ProcessingStateProcessing
		st.Progress = 30
	})

	select {
	case st := <-ch:
		if st.Status != domain.ProcessingStateProcessing || st.Progress != 30 {
			t.Fatalf("unexpected update: %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
}

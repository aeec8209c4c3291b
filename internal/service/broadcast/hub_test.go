package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/observability/metrics"
)

func newTestHub(buffer int) *Hub {
	return NewHub("sess-1", buffer, WithMetrics(metrics.NewMetrics(prometheus.NewRegistry())))
}

func TestHub_DeliversInOrder(t *testing.T) {
	h := newTestHub(16)
	a, _ := h.Subscribe()
	b, _ := h.Subscribe()

	for i := 0; i < 5; i++ {
		h.PublishState("s")
	}

	for _, s := range []*Subscription{a, b} {
		for want := uint64(1); want <= 5; want++ {
			ev := <-s.Events()
			if ev.Seq != want {
				t.Errorf("expected seq %d, got %d", want, ev.Seq)
			}
			if ev.SessionID != "sess-1" {
				t.Errorf("expected session id stamped, got %q", ev.SessionID)
			}
		}
	}
}

func TestHub_LateSubscriberMissesEarlierEvents(t *testing.T) {
	h := newTestHub(4)
	h.PublishState("before")

	s, _ := h.Subscribe()
	h.PublishState("after")

	ev := <-s.Events()
	if ev.State != "after" || ev.Seq != 2 {
		t.Errorf("expected only the later event, got %+v", ev)
	}
}

func TestHub_OverflowDropsOldestAndMarksLagging(t *testing.T) {
	h := newTestHub(2)
	s, _ := h.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			h.PublishFlag(models.RiskFlag{ID: "f"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if !s.Lagging() {
		t.Error("expected subscriber marked lagging")
	}
	if s.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", s.Dropped())
	}
	first := <-s.Events()
	second := <-s.Events()
	if first.Seq != 4 || second.Seq != 5 {
		t.Errorf("expected newest events 4 and 5, got %d and %d", first.Seq, second.Seq)
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := newTestHub(4)
	s, _ := h.Subscribe()

	s.Close()
	s.Close()

	if _, ok := <-s.Events(); ok {
		t.Error("expected closed channel")
	}
	if h.Subscribers() != 0 {
		t.Errorf("expected 0 subscribers, got %d", h.Subscribers())
	}
	h.PublishState("x")
}

func TestHub_CloseRejectsSubscribe(t *testing.T) {
	h := newTestHub(4)
	s, _ := h.Subscribe()

	h.Close()

	if _, ok := <-s.Events(); ok {
		t.Error("expected subscriber channel closed")
	}
	if _, err := h.Subscribe(); err != ErrHubClosed {
		t.Errorf("expected ErrHubClosed, got %v", err)
	}
	if seq := h.PublishState("x"); seq != 0 {
		t.Errorf("expected publish on closed hub to return 0, got %d", seq)
	}
	s.Close()
}

func TestHub_ConcurrentSubscribeAndPublish(t *testing.T) {
	h := newTestHub(8)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.PublishState("tick")
		}
	}()
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := h.Subscribe()
			if err != nil {
				return
			}
			var last uint64
			for j := 0; j < 5; j++ {
				select {
				case ev, ok := <-s.Events():
					if !ok {
						return
					}
					if ev.Seq <= last {
						t.Errorf("out of order: %d after %d", ev.Seq, last)
					}
					last = ev.Seq
				case <-time.After(100 * time.Millisecond):
				}
			}
			s.Close()
		}()
	}
	wg.Wait()
	h.Close()
}

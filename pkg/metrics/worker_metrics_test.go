package metrics

import (
	"sync"
	"testing"
)

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Inc(MessagesIngested)
			}
		}()
	}
	wg.Wait()

	if got := r.Get(MessagesIngested); got != 1000 {
		t.Errorf("Get() = %d, want 1000", got)
	}

	snap := r.Snapshot()
	if snap[MessagesIngested] != int64(1000) {
		t.Errorf("Snapshot()[%s] = %v", MessagesIngested, snap[MessagesIngested])
	}
	if _, ok := snap["uptime_sec"]; !ok {
		t.Error("Snapshot() missing uptime_sec")
	}
}

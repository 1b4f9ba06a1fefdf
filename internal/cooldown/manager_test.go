package cooldown

import (
	"sync"
	"testing"
	"time"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func TestCooldownScenario(t *testing.T) {
	m := New(900 * time.Second)
	const entity = "1:usdt:0xa->0xb"

	if !m.ShouldEmit(1, "significant_transfer", entity, t0) {
		t.Fatal("首次告警应发出")
	}
	if m.ShouldEmit(1, "significant_transfer", entity, t0.Add(5*time.Minute)) {
		t.Fatal("5 分钟后的重复告警应被抑制")
	}
	if !m.ShouldEmit(1, "significant_transfer", entity, t0.Add(16*time.Minute)) {
		t.Fatal("16 分钟后冷却已过，应再次发出")
	}
}

func TestCooldownIsScopedByDetectorAndEntity(t *testing.T) {
	m := New(time.Minute)
	if !m.ShouldEmit(1, "a", "x", t0) || !m.ShouldEmit(1, "b", "x", t0) || !m.ShouldEmit(1, "a", "y", t0) {
		t.Fatal("distinct keys must not suppress each other")
	}
	if m.ShouldEmit(1, "a", "x", t0.Add(59*time.Second)) {
		t.Fatal("same key within cooldown should be suppressed")
	}
	if !m.ShouldEmit(1, "a", "x", t0.Add(time.Minute)) {
		t.Fatal("elapsed == cooldown should emit")
	}
}

func TestSuppressedAlertDoesNotExtendCooldown(t *testing.T) {
	m := New(10 * time.Minute)
	m.ShouldEmit(1, "d", "e", t0)
	m.ShouldEmit(1, "d", "e", t0.Add(9*time.Minute))
	if !m.ShouldEmit(1, "d", "e", t0.Add(10*time.Minute)) {
		t.Fatal("cooldown counts from the last emitted alert")
	}
}

func TestPruneForgetsExpiredEntries(t *testing.T) {
	m := New(time.Minute)
	for i, entity := range []string{"a", "b", "c"} {
		m.ShouldEmit(1, "d", entity, t0.Add(time.Duration(i)*time.Second))
	}
	m.ShouldEmit(1, "d", "z", t0.Add(2*time.Minute))
	if m.Len() != 1 {
		t.Fatalf("entries = %d, want 1", m.Len())
	}
}

func TestDisabledCooldown(t *testing.T) {
	m := New(0)
	for i := 0; i < 3; i++ {
		if !m.ShouldEmit(1, "d", "e", t0) {
			t.Fatal("zero cooldown emits everything")
		}
	}
}

func TestConcurrentShouldEmit(t *testing.T) {
	m := New(time.Hour)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		emitted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.ShouldEmit(1, "d", "e", t0) {
				mu.Lock()
				emitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if emitted != 1 {
		t.Fatalf("emitted = %d, want exactly 1", emitted)
	}
}

func TestChainClocksDoNotPruneEachOther(t *testing.T) {
	m := New(15 * time.Minute)
	if !m.ShouldEmit(56, "significant_transfer", "56:k", t0) {
		t.Fatal("first chain 56 alert should emit")
	}
	// Chain 1 is two hours ahead; its prune must not touch chain 56 entries.
	if !m.ShouldEmit(1, "significant_transfer", "1:k", t0.Add(2*time.Hour)) {
		t.Fatal("first chain 1 alert should emit")
	}
	if m.ShouldEmit(56, "significant_transfer", "56:k", t0.Add(5*time.Minute)) {
		t.Fatal("chain 56 alert 5 minutes later is still cooling down")
	}
	if m.Len() != 2 {
		t.Fatalf("entries = %d, want 2", m.Len())
	}
}

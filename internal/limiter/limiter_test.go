package limiter

import (
	"testing"
	"time"
)

func TestBucketBurst(t *testing.T) {
	b := NewBucket(1, 5)

	// Exactly burst immediate calls succeed; the next fails absent refill.
	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("call %d within burst should be allowed", i)
		}
	}
	if b.Allow() {
		t.Error("call past burst should be denied")
	}
}

func TestBucketRefill(t *testing.T) {
	b := NewBucket(100, 1)
	if !b.Allow() {
		t.Fatal("first call should pass")
	}
	if b.Allow() {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(25 * time.Millisecond)
	if !b.Allow() {
		t.Error("bucket should refill at 100/s")
	}
}

func TestBucketDisabled(t *testing.T) {
	b := NewBucket(0, 0)
	for i := 0; i < 1000; i++ {
		if !b.Allow() {
			t.Fatal("disabled bucket must always allow")
		}
	}
}

func TestIPTableIsolatesPeers(t *testing.T) {
	tab := NewIPTable(1, 1)

	if !tab.Allow("10.0.0.1") {
		t.Fatal("first call for peer A should pass")
	}
	if tab.Allow("10.0.0.1") {
		t.Error("peer A burst exhausted")
	}
	if !tab.Allow("10.0.0.2") {
		t.Error("peer B must have its own bucket")
	}
	if tab.Len() != 2 {
		t.Errorf("Len = %d, want 2", tab.Len())
	}
}

func TestIPTablePrune(t *testing.T) {
	tab := NewIPTable(1, 1)
	tab.Allow("10.0.0.1")
	tab.Allow("10.0.0.2")

	if pruned := tab.Prune(time.Hour); pruned != 0 {
		t.Errorf("fresh entries pruned: %d", pruned)
	}
	if pruned := tab.Prune(0); pruned != 2 {
		t.Errorf("Prune(0) = %d, want 2", pruned)
	}
	if tab.Len() != 0 {
		t.Errorf("Len after prune = %d, want 0", tab.Len())
	}
}

func TestIPTablePruneRefreshesOnAllow(t *testing.T) {
	tab := NewIPTable(10, 10)
	tab.Allow("10.0.0.1")
	time.Sleep(10 * time.Millisecond)
	tab.Allow("10.0.0.1")

	if pruned := tab.Prune(5 * time.Millisecond); pruned != 0 {
		t.Error("entry touched within TTL must survive")
	}
}

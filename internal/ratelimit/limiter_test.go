package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryAdmit_NeverExceedsLimit(t *testing.T) {
	l := New(Window{Name: "test", Duration: time.Hour, Limit: 10})
	defer l.Stop()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.TryAdmit(); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := admitted.Load(); n != 10 {
		t.Fatalf("expected exactly 10 admissions, got %d", n)
	}
	if ok, wait := l.TryAdmit(); ok || wait <= 0 {
		t.Fatalf("exhausted limiter should defer with a wait hint, got ok=%v wait=%s", ok, wait)
	}
}

func TestTryAdmit_AllWindowsMustHaveCapacity(t *testing.T) {
	l := New(
		Window{Name: "short", Duration: time.Hour, Limit: 2},
		Window{Name: "long", Duration: 2 * time.Hour, Limit: 5},
	)
	defer l.Stop()

	for i := 0; i < 2; i++ {
		if ok, _ := l.TryAdmit(); !ok {
			t.Fatalf("admission %d should succeed", i)
		}
	}
	// The long window still has capacity but the short one is spent.
	if ok, _ := l.TryAdmit(); ok {
		t.Fatal("admission should fail once any window is exhausted")
	}
}

func TestWait_AdmitsAfterWindowReset(t *testing.T) {
	l := New(Window{Name: "test", Duration: 100 * time.Millisecond, Limit: 1})
	defer l.Stop()

	if ok, _ := l.TryAdmit(); !ok {
		t.Fatal("first admission should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("wait should succeed after window reset: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("wait returned before the window could reset (%s)", elapsed)
	}
}

func TestWait_ContextCancellation(t *testing.T) {
	l := New(Window{Name: "test", Duration: time.Hour, Limit: 1})
	defer l.Stop()

	if ok, _ := l.TryAdmit(); !ok {
		t.Fatal("first admission should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected context error for exhausted window")
	}
}

func TestWait_FIFOOrder(t *testing.T) {
	l := New(Window{Name: "test", Duration: 80 * time.Millisecond, Limit: 1})
	defer l.Stop()

	if ok, _ := l.TryAdmit(); !ok {
		t.Fatal("seed admission should succeed")
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := l.Wait(context.Background()); err != nil {
				t.Errorf("waiter %d: %v", id, err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}(i)
		// Stagger arrivals so queue order is deterministic.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	if len(order) != 3 {
		t.Fatalf("expected 3 admissions, got %d", len(order))
	}
	for i, id := range order {
		if id != i {
			t.Fatalf("waiters admitted out of arrival order: %v", order)
		}
	}
}

func TestUntake_SkipsWindowsThatRolledSinceGrant(t *testing.T) {
	l := New(Window{Name: "test", Duration: 50 * time.Millisecond, Limit: 2})
	defer l.Stop()

	l.mu.Lock()
	p := l.takeLocked()

	// The window resets between the grant and the hand-back, and one
	// fresh call is admitted in the new window.
	l.budgets[0].start = time.Now().Add(-time.Hour)
	l.rollLocked(time.Now())
	l.budgets[0].count = 1

	l.untakeLocked(p)
	got := l.budgets[0].count
	l.mu.Unlock()

	if got != 1 {
		t.Fatalf("stale permit must not release fresh-window capacity: count = %d, want 1", got)
	}
}

func TestUntake_ReleasesCurrentWindowCapacity(t *testing.T) {
	l := New(Window{Name: "test", Duration: time.Hour, Limit: 2})
	defer l.Stop()

	l.mu.Lock()
	p := l.takeLocked()
	l.untakeLocked(p)
	got := l.budgets[0].count
	l.mu.Unlock()

	if got != 0 {
		t.Fatalf("hand-back in the same window must release capacity: count = %d, want 0", got)
	}
}

func TestReconcile_TakesConservativeValues(t *testing.T) {
	l := New(
		Window{Name: "15min", Duration: 15 * time.Minute, Limit: 100},
		Window{Name: "daily", Duration: 24 * time.Hour, Limit: 1000},
	)
	defer l.Stop()

	// Local accounting saw 2 calls, provider saw 90/800.
	l.TryAdmit()
	l.TryAdmit()
	l.Reconcile("100,1000", "90,800")

	snap := l.Snapshot()
	if snap[0].Used != 90 || snap[1].Used != 800 {
		t.Fatalf("provider usage should win when higher, got %d/%d", snap[0].Used, snap[1].Used)
	}

	// Provider reports lower usage than local: local count stands.
	l.Reconcile("100,1000", "10,10")
	snap = l.Snapshot()
	if snap[0].Used != 90 || snap[1].Used != 800 {
		t.Fatalf("lower provider usage must not reset local counts, got %d/%d", snap[0].Used, snap[1].Used)
	}

	// Provider reports a lower limit: adopt it.
	l.Reconcile("95,1000", "")
	snap = l.Snapshot()
	if snap[0].Limit != 95 {
		t.Fatalf("provider limit should be adopted when lower, got %d", snap[0].Limit)
	}
}

func TestRecordResponse_ParsesStravaHeaders(t *testing.T) {
	l := New()
	defer l.Stop()

	h := http.Header{}
	h.Set("X-RateLimit-Limit", "100,1000")
	h.Set("X-RateLimit-Usage", "99,500")
	l.RecordResponse(h)

	if ok, _ := l.TryAdmit(); !ok {
		t.Fatal("one slot should remain in the 15-minute window")
	}
	if ok, _ := l.TryAdmit(); ok {
		t.Fatal("15-minute window should now be exhausted")
	}
}

func TestParseCommaInts(t *testing.T) {
	tests := []struct {
		in   string
		want int // length, -1 for nil
	}{
		{"", -1},
		{"100,1000", 2},
		{" 7 , 8 ", 2},
		{"abc", -1},
		{"1,x", -1},
	}
	for _, tt := range tests {
		got := parseCommaInts(tt.in)
		if tt.want == -1 && got != nil {
			t.Fatalf("parseCommaInts(%q) = %v, want nil", tt.in, got)
		}
		if tt.want >= 0 && len(got) != tt.want {
			t.Fatalf("parseCommaInts(%q) = %v, want %d values", tt.in, got, tt.want)
		}
	}
}

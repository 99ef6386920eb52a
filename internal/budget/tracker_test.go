package budget

import (
	"sync"
	"testing"
)

func TestReserveWithinCap(t *testing.T) {
	tr := New(Config{PerTickCapMicro: 100, PerDayCapMicro: 1000})
	r, err := tr.Reserve(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.AmountMicro != 100 {
		t.Fatalf("amount = %d, want 100", r.AmountMicro)
	}
}

func TestReserveExceedsTickCap(t *testing.T) {
	tr := New(Config{PerTickCapMicro: 100, PerDayCapMicro: 1000})
	if _, err := tr.Reserve(101); err != ErrExceeded {
		t.Fatalf("err = %v, want ErrExceeded", err)
	}
}

func TestReconcileSettlesCounters(t *testing.T) {
	tr := New(Config{PerTickCapMicro: 10_000, PerDayCapMicro: 100_000})
	r, err := tr.Reserve(10_000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := tr.Reconcile(r, 7_000); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	usage := tr.Snapshot()
	if usage.Tick.Reserved != 0 {
		t.Errorf("tick reserved = %d, want 0", usage.Tick.Reserved)
	}
	if usage.Tick.Spent != 7_000 {
		t.Errorf("tick spent = %d, want 7000", usage.Tick.Spent)
	}
}

func TestReconcileActualExceedsReservation(t *testing.T) {
	tr := New(Config{PerTickCapMicro: 10_000, PerDayCapMicro: 100_000})
	r, _ := tr.Reserve(1_000)
	if err := tr.Reconcile(r, 2_000); err != ErrActualExceedsReservation {
		t.Fatalf("err = %v, want ErrActualExceedsReservation", err)
	}
}

func TestReleaseReturnsFullReservation(t *testing.T) {
	tr := New(Config{PerTickCapMicro: 100, PerDayCapMicro: 1000})
	r, err := tr.Reserve(100)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	tr.Release(r)
	if _, err := tr.Reserve(100); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestRolloverTickResetsSpentNotReserved(t *testing.T) {
	tr := New(Config{PerTickCapMicro: 10_000, PerDayCapMicro: 100_000})
	r, _ := tr.Reserve(1_000)
	tr.Reconcile(r, 1_000)
	tr.RolloverTick()
	usage := tr.Snapshot()
	if usage.Tick.Spent != 0 {
		t.Errorf("spent = %d, want 0 after rollover", usage.Tick.Spent)
	}

	r2, err := tr.Reserve(9_999)
	if err != nil {
		t.Fatalf("reserve after rollover: %v", err)
	}
	tr.RolloverTick()
	if got := tr.Snapshot().Tick.Reserved; got != 9_999 {
		t.Errorf("reserved = %d, want 9999 kept across rollover", got)
	}
	tr.Release(r2)
}

func TestConcurrentReserveNeverExceedsCap(t *testing.T) {
	tr := New(Config{PerTickCapMicro: 1000, PerDayCapMicro: 100_000})
	var wg sync.WaitGroup
	successes := make(chan int64, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r, err := tr.Reserve(100); err == nil {
				successes <- r.AmountMicro
			}
		}()
	}
	wg.Wait()
	close(successes)
	var total int64
	for amt := range successes {
		total += amt
	}
	if total > 1000 {
		t.Fatalf("total reserved = %d, exceeds cap of 1000", total)
	}
}

func TestUncappedWindowAlwaysFits(t *testing.T) {
	tr := New(Config{})
	if _, err := tr.Reserve(1_000_000_000); err != nil {
		t.Fatalf("unexpected error on uncapped tracker: %v", err)
	}
}

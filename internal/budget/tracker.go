// Package budget implements the BudgetTracker: reserve/release/reconcile
// of micro-unit amounts against rolling per-tick and per-day caps.
//
// The shape follows the teacher's rate limiter (a mutex-guarded struct of
// counters with a Config/DefaultConfig pair) rather than a ledger library —
// there is no ecosystem package in the pack for this; it is plain
// arithmetic under a lock.
package budget

import (
	"errors"
	"sync"
)

// ErrExceeded is returned by Reserve when the request would push either
// window's reserved+spent total past its cap.
var ErrExceeded = errors.New("budget: cap exceeded")

// ErrActualExceedsReservation is returned by Reconcile when actual > the
// reservation's original amount, which the contract forbids.
var ErrActualExceedsReservation = errors.New("budget: actual exceeds reservation")

// Config holds the per-window caps, in micro-units of the quote currency.
type Config struct {
	PerTickCapMicro int64
	PerDayCapMicro  int64
}

// window tracks one rolling spend window's reserved and spent totals.
type window struct {
	capMicro    int64
	reserved    int64
	spent       int64
}

func (w *window) fits(amount int64) bool {
	if w.capMicro <= 0 {
		return true // uncapped
	}
	return w.reserved+w.spent+amount <= w.capMicro
}

// Snapshot is a point-in-time read of a window's state.
type Snapshot struct {
	Reserved  int64
	Spent     int64
	Limit     int64
	Remaining int64
}

func (w *window) snapshot() Snapshot {
	s := Snapshot{Reserved: w.reserved, Spent: w.spent, Limit: w.capMicro}
	if w.capMicro > 0 {
		s.Remaining = w.capMicro - w.reserved - w.spent
	}
	return s
}

// Reservation is a pending claim on budget, returned by Reserve and
// consumed by exactly one of Reconcile or Release.
type Reservation struct {
	AmountMicro int64
}

// Tracker is the BudgetTracker. Each instance guards its own lock; it is
// never composed with any other subsystem's lock.
type Tracker struct {
	mu  sync.Mutex
	cfg Config
	tick window
	day  window
}

// New creates a Tracker with the given per-window caps.
func New(cfg Config) *Tracker {
	return &Tracker{
		cfg:  cfg,
		tick: window{capMicro: cfg.PerTickCapMicro},
		day:  window{capMicro: cfg.PerDayCapMicro},
	}
}

// Reserve atomically checks reserved+spent+amount <= cap for both windows;
// on success it adds amount to both reserved counters.
func (t *Tracker) Reserve(amountMicro int64) (*Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.tick.fits(amountMicro) || !t.day.fits(amountMicro) {
		return nil, ErrExceeded
	}
	t.tick.reserved += amountMicro
	t.day.reserved += amountMicro
	return &Reservation{AmountMicro: amountMicro}, nil
}

// Recheck re-validates that the current reserved+spent totals still fit
// within caps after a reservation has already been added — used by callers
// that reserve, then perform a second admission check, per the component
// design's "re-check post-reservation" step.
func (t *Tracker) Recheck() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	fits := func(w *window) bool {
		if w.capMicro <= 0 {
			return true
		}
		return w.reserved+w.spent <= w.capMicro
	}
	return fits(&t.tick) && fits(&t.day)
}

// Reconcile removes the reservation's amount from both reserved counters
// and adds actual to both spent counters. actual must not exceed the
// reservation's amount.
func (t *Tracker) Reconcile(r *Reservation, actualMicro int64) error {
	if r == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if actualMicro > r.AmountMicro {
		return ErrActualExceedsReservation
	}
	t.tick.reserved -= r.AmountMicro
	t.day.reserved -= r.AmountMicro
	t.tick.spent += actualMicro
	t.day.spent += actualMicro
	return nil
}

// Release removes the reservation's amount from both reserved counters;
// no spend is recorded.
func (t *Tracker) Release(r *Reservation) {
	if r == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tick.reserved -= r.AmountMicro
	t.day.reserved -= r.AmountMicro
}

// RolloverTick resets the tick window's spent counter; in-flight
// reservations persist. Intended to be invoked by an external scheduler.
func (t *Tracker) RolloverTick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tick.spent = 0
}

// RolloverDay resets the day window's spent counter.
func (t *Tracker) RolloverDay() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.day.spent = 0
}

// Usage is the /usage response shape: tick and day snapshots.
type Usage struct {
	Tick Snapshot
	Day  Snapshot
}

// Snapshot returns the current tick and day window state.
func (t *Tracker) Snapshot() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Usage{Tick: t.tick.snapshot(), Day: t.day.snapshot()}
}

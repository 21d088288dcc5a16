package cost

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrLedgerUnavailable = errors.New("cost ledger unavailable")

// Caps are the configured spend ceilings in cost units. Zero means
// unlimited for that period.
type Caps struct {
	Daily   int64 `yaml:"daily"`
	Monthly int64 `yaml:"monthly"`
}

// Decision is the outcome of a reservation attempt.
type Decision struct {
	Allowed        bool
	Period         string // limiting period when refused: "day" | "month"
	DaySpend       int64
	MonthSpend     int64
	DayRemaining   int64 // -1 when uncapped
	MonthRemaining int64 // -1 when uncapped
}

// Snapshot is a point-in-time view of the ledger for health reporting and
// the orchestrator's cap-reached short circuit.
type Snapshot struct {
	Day        string
	Month      string
	DaySpend   int64
	MonthSpend int64
	Caps       Caps
}

// CapReached reports whether either period is already at its cap.
func (s Snapshot) CapReached() bool {
	if s.Caps.Daily > 0 && s.DaySpend >= s.Caps.Daily {
		return true
	}
	if s.Caps.Monthly > 0 && s.MonthSpend >= s.Caps.Monthly {
		return true
	}
	return false
}

// Ledger is the shared spend accounting structure. Reserve must be an
// atomic check-and-increment: either both period counters advance by units,
// or neither does. A failed provider call refunds its reservation so the
// ledger never records spend for a call that did not complete.
type Ledger interface {
	Reserve(ctx context.Context, units int64) (Decision, error)
	Refund(ctx context.Context, units int64) error
	Snapshot(ctx context.Context) (Snapshot, error)
}

func dayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// MemoryLedger is the single-node Ledger. Period rollover is implicit:
// spend is keyed by day/month strings, stale keys are dropped on access.
type MemoryLedger struct {
	mu    sync.Mutex
	caps  Caps
	now   func() time.Time
	day   string
	month string
	spend map[string]int64
}

func NewMemoryLedger(caps Caps) *MemoryLedger {
	return &MemoryLedger{
		caps:  caps,
		now:   time.Now,
		spend: make(map[string]int64),
	}
}

// roll must be called under mu.
func (l *MemoryLedger) roll() (string, string) {
	t := l.now()
	d, m := dayKey(t), monthKey(t)
	if d != l.day {
		delete(l.spend, l.day)
		l.day = d
	}
	if m != l.month {
		delete(l.spend, l.month)
		l.month = m
	}
	return d, m
}

func (l *MemoryLedger) Reserve(ctx context.Context, units int64) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, m := l.roll()
	dec := decide(l.spend[d], l.spend[m], units, l.caps)
	if dec.Allowed {
		l.spend[d] += units
		l.spend[m] += units
		dec.DaySpend = l.spend[d]
		dec.MonthSpend = l.spend[m]
	}
	return dec, nil
}

func (l *MemoryLedger) Refund(ctx context.Context, units int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, m := l.roll()
	l.spend[d] -= units
	l.spend[m] -= units
	if l.spend[d] < 0 {
		l.spend[d] = 0
	}
	if l.spend[m] < 0 {
		l.spend[m] = 0
	}
	return nil
}

func (l *MemoryLedger) Snapshot(ctx context.Context) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, m := l.roll()
	return Snapshot{
		Day:        d,
		Month:      m,
		DaySpend:   l.spend[d],
		MonthSpend: l.spend[m],
		Caps:       l.caps,
	}, nil
}

// decide applies the cap check without mutating anything. Shared by both
// backends so their refusal semantics cannot drift.
func decide(daySpend, monthSpend, units int64, caps Caps) Decision {
	dec := Decision{
		Allowed:        true,
		DaySpend:       daySpend,
		MonthSpend:     monthSpend,
		DayRemaining:   -1,
		MonthRemaining: -1,
	}
	if caps.Daily > 0 {
		dec.DayRemaining = caps.Daily - daySpend
		if daySpend+units > caps.Daily {
			dec.Allowed = false
			dec.Period = "day"
			return dec
		}
	}
	if caps.Monthly > 0 {
		dec.MonthRemaining = caps.Monthly - monthSpend
		if monthSpend+units > caps.Monthly {
			dec.Allowed = false
			dec.Period = "month"
			return dec
		}
	}
	return dec
}

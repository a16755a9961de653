package clock

import (
	"sort"
	"sync"
	"time"
)

// ManualClock is a Clock that only moves when Advance or Set is called.
// Timer callbacks run synchronously inside Advance, in deadline order.
type ManualClock struct {
	mutex    sync.Mutex
	current  time.Time
	sequence uint64
	timers   map[uint64]*manualTimer
	tickers  map[uint64]*manualTicker
}

type manualTimer struct {
	owner    *ManualClock
	id       uint64
	deadline time.Time
	callback func()
}

type manualTicker struct {
	owner    *ManualClock
	id       uint64
	interval time.Duration
	next     time.Time
	channel  chan time.Time
}

// NewManualClock constructs a ManualClock starting at the supplied instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{
		current: start,
		timers:  make(map[uint64]*manualTimer),
		tickers: make(map[uint64]*manualTicker),
	}
}

// Now returns the manual time.
func (manual *ManualClock) Now() time.Time {
	manual.mutex.Lock()
	defer manual.mutex.Unlock()
	return manual.current
}

// AfterFunc registers a callback fired once the clock reaches now+delay.
func (manual *ManualClock) AfterFunc(delay time.Duration, callback func()) Timer {
	manual.mutex.Lock()
	defer manual.mutex.Unlock()
	manual.sequence++
	timer := &manualTimer{
		owner:    manual,
		id:       manual.sequence,
		deadline: manual.current.Add(delay),
		callback: callback,
	}
	manual.timers[timer.id] = timer
	return timer
}

// NewTicker registers a ticker that emits on every elapsed interval during Advance.
func (manual *ManualClock) NewTicker(interval time.Duration) Ticker {
	manual.mutex.Lock()
	defer manual.mutex.Unlock()
	manual.sequence++
	ticker := &manualTicker{
		owner:    manual,
		id:       manual.sequence,
		interval: interval,
		next:     manual.current.Add(interval),
		channel:  make(chan time.Time, 1),
	}
	manual.tickers[ticker.id] = ticker
	return ticker
}

// PendingTimers reports how many one-shot timers are armed.
func (manual *ManualClock) PendingTimers() int {
	manual.mutex.Lock()
	defer manual.mutex.Unlock()
	return len(manual.timers)
}

// NextDeadline returns the earliest armed timer deadline.
func (manual *ManualClock) NextDeadline() (time.Time, bool) {
	manual.mutex.Lock()
	defer manual.mutex.Unlock()
	var earliest time.Time
	found := false
	for _, timer := range manual.timers {
		if !found || timer.deadline.Before(earliest) {
			earliest = timer.deadline
			found = true
		}
	}
	return earliest, found
}

// Set jumps the clock to an absolute instant without firing timers.
func (manual *ManualClock) Set(instant time.Time) {
	manual.mutex.Lock()
	defer manual.mutex.Unlock()
	manual.current = instant
}

// Advance moves the clock forward, firing due timers and ticking due tickers.
func (manual *ManualClock) Advance(duration time.Duration) {
	manual.mutex.Lock()
	target := manual.current.Add(duration)
	manual.mutex.Unlock()

	for {
		manual.mutex.Lock()
		due := manual.dueTimersLocked(target)
		if len(due) == 0 {
			manual.current = target
			manual.tickLocked()
			manual.mutex.Unlock()
			return
		}
		next := due[0]
		delete(manual.timers, next.id)
		if next.deadline.After(manual.current) {
			manual.current = next.deadline
		}
		manual.mutex.Unlock()
		next.callback()
	}
}

func (manual *ManualClock) dueTimersLocked(target time.Time) []*manualTimer {
	due := make([]*manualTimer, 0)
	for _, timer := range manual.timers {
		if !timer.deadline.After(target) {
			due = append(due, timer)
		}
	}
	sort.Slice(due, func(left, right int) bool {
		if due[left].deadline.Equal(due[right].deadline) {
			return due[left].id < due[right].id
		}
		return due[left].deadline.Before(due[right].deadline)
	})
	return due
}

func (manual *ManualClock) tickLocked() {
	for _, ticker := range manual.tickers {
		if ticker.next.After(manual.current) {
			continue
		}
		for !ticker.next.After(manual.current) {
			ticker.next = ticker.next.Add(ticker.interval)
		}
		select {
		case ticker.channel <- manual.current:
		default:
		}
	}
}

func (timer *manualTimer) Stop() bool {
	timer.owner.mutex.Lock()
	defer timer.owner.mutex.Unlock()
	if _, pending := timer.owner.timers[timer.id]; !pending {
		return false
	}
	delete(timer.owner.timers, timer.id)
	return true
}

func (ticker *manualTicker) C() <-chan time.Time {
	return ticker.channel
}

func (ticker *manualTicker) Stop() {
	ticker.owner.mutex.Lock()
	defer ticker.owner.mutex.Unlock()
	delete(ticker.owner.tickers, ticker.id)
}

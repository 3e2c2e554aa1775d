// Package ratelimit enforces Strava's overlapping fixed-window quotas
// (15-minute and daily) for all outbound API calls. Local counts are
// advisory; provider-reported usage headers are the source of truth
// and always win when they are more conservative.
package ratelimit

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Window defines one quota window.
type Window struct {
	Name     string
	Duration time.Duration
	Limit    int
}

// DefaultWindows matches Strava's published application limits.
func DefaultWindows() []Window {
	return []Window{
		{Name: "15min", Duration: 15 * time.Minute, Limit: 100},
		{Name: "daily", Duration: 24 * time.Hour, Limit: 1000},
	}
}

type budget struct {
	window Window
	start  time.Time
	count  int
	epoch  int // bumped on every reset, so stale permits are detectable
}

func (b *budget) roll(now time.Time) {
	if now.Sub(b.start) >= b.window.Duration {
		b.start = now
		b.count = 0
		b.epoch++
	}
}

func (b *budget) resetAt() time.Time {
	return b.start.Add(b.window.Duration)
}

// permit records the window epochs a reservation was counted against.
type permit []int

// waiter is one queued admission request. The permit is written by
// dispatch before the channel closes, under the limiter mutex.
type waiter struct {
	ch     chan struct{}
	permit permit
}

// Limiter admits calls only when every window has capacity. Waiters
// are served strictly in arrival order.
type Limiter struct {
	mu      sync.Mutex
	budgets []*budget
	queue   []*waiter
	timer   *time.Timer
	stopped bool
}

// New creates a limiter over the given windows, or DefaultWindows when
// none are given.
func New(windows ...Window) *Limiter {
	if len(windows) == 0 {
		windows = DefaultWindows()
	}
	now := time.Now()
	l := &Limiter{}
	for _, w := range windows {
		l.budgets = append(l.budgets, &budget{window: w, start: now})
	}
	return l
}

func (l *Limiter) rollLocked(now time.Time) {
	for _, b := range l.budgets {
		b.roll(now)
	}
}

func (l *Limiter) hasCapacityLocked() bool {
	for _, b := range l.budgets {
		if b.count >= b.window.Limit {
			return false
		}
	}
	return true
}

func (l *Limiter) takeLocked() permit {
	p := make(permit, len(l.budgets))
	for i, b := range l.budgets {
		b.count++
		p[i] = b.epoch
	}
	return p
}

// untakeLocked hands back a reservation, skipping any window that has
// rolled since the grant: its fresh count never included this permit.
func (l *Limiter) untakeLocked(p permit) {
	for i, b := range l.budgets {
		if i < len(p) && b.epoch == p[i] && b.count > 0 {
			b.count--
		}
	}
}

// waitHintLocked reports how long until the earliest exhausted window
// frees capacity.
func (l *Limiter) waitHintLocked(now time.Time) time.Duration {
	var hint time.Duration
	for _, b := range l.budgets {
		if b.count < b.window.Limit {
			continue
		}
		d := b.resetAt().Sub(now)
		if hint == 0 || d < hint {
			hint = d
		}
	}
	if hint < 0 {
		hint = 0
	}
	return hint
}

// TryAdmit reserves capacity across all windows if available. When a
// window is exhausted it returns false plus a hint for how long the
// caller should wait before the earliest window frees capacity.
func (l *Limiter) TryAdmit() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.rollLocked(now)
	if len(l.queue) == 0 && l.hasCapacityLocked() {
		l.takeLocked()
		return true, 0
	}
	return false, l.waitHintLocked(now)
}

// Wait blocks until capacity is reserved for the caller or ctx is
// done. Admission is first-requested, first-admitted.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	l.rollLocked(now)
	if len(l.queue) == 0 && l.hasCapacityLocked() {
		l.takeLocked()
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.scheduleWakeLocked(now)
	l.mu.Unlock()

	select {
	case <-w.ch:
		// dispatch reserved capacity on our behalf
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-w.ch:
			// Lost the race: dispatch already granted us a permit.
			// Hand it back so it is not leaked.
			l.untakeLocked(w.permit)
			l.dispatchLocked()
		default:
			l.removeWaiterLocked(w)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *Limiter) removeWaiterLocked(w *waiter) {
	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}

// dispatchLocked grants permits to queued waiters in arrival order
// while capacity lasts.
func (l *Limiter) dispatchLocked() {
	now := time.Now()
	l.rollLocked(now)
	for len(l.queue) > 0 && l.hasCapacityLocked() {
		w := l.queue[0]
		l.queue = l.queue[1:]
		w.permit = l.takeLocked()
		close(w.ch)
	}
	l.scheduleWakeLocked(now)
}

// scheduleWakeLocked arms the single wake-up timer for the head of the
// queue. Capacity only frees when a window resets, so the next reset
// is the only event worth waking for.
func (l *Limiter) scheduleWakeLocked(now time.Time) {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if len(l.queue) == 0 || l.stopped {
		return
	}
	d := l.waitHintLocked(now)
	if d <= 0 {
		d = time.Millisecond
	}
	l.timer = time.AfterFunc(d, func() {
		l.mu.Lock()
		l.dispatchLocked()
		l.mu.Unlock()
	})
}

// Stop releases the wake-up timer. Pending waiters are left to their
// contexts.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// RecordResponse reconciles budgets from a provider response.
func (l *Limiter) RecordResponse(h http.Header) {
	l.Reconcile(h.Get("X-RateLimit-Limit"), h.Get("X-RateLimit-Usage"))
}

// Reconcile merges Strava's comma-paired rate headers into the local
// budgets, e.g. limit "100,1000" and usage "27,412" for the 15-minute
// and daily windows in order. The merge always biases conservative:
// higher usage and lower limits win.
func (l *Limiter) Reconcile(limitHeader, usageHeader string) {
	limits := parseCommaInts(limitHeader)
	usages := parseCommaInts(usageHeader)
	if limits == nil && usages == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollLocked(time.Now())
	for i, b := range l.budgets {
		if i < len(limits) && limits[i] > 0 && limits[i] < b.window.Limit {
			log.Printf("⚠️ Provider reports lower %s limit (%d < %d), adopting it", b.window.Name, limits[i], b.window.Limit)
			b.window.Limit = limits[i]
		}
		if i < len(usages) && usages[i] > b.count {
			b.count = usages[i]
		}
	}
}

func parseCommaInts(s string) []int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil
		}
		out = append(out, n)
	}
	return out
}

// BudgetStatus is a read-only snapshot of one window, for status
// endpoints.
type BudgetStatus struct {
	Name     string    `json:"name"`
	Limit    int       `json:"limit"`
	Used     int       `json:"used"`
	ResetsAt time.Time `json:"resets_at"`
}

// Snapshot reports current window usage.
func (l *Limiter) Snapshot() []BudgetStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollLocked(time.Now())
	out := make([]BudgetStatus, 0, len(l.budgets))
	for _, b := range l.budgets {
		out = append(out, BudgetStatus{
			Name:     b.window.Name,
			Limit:    b.window.Limit,
			Used:     b.count,
			ResetsAt: b.resetAt(),
		})
	}
	return out
}

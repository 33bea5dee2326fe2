package cache

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/polyclob/internal/marketdata"
)

// ActivityTracker estimates each market's event rate from the committed
// event stream. It is a marketdata.Sink.
type ActivityTracker struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// window counts events in the current and previous minute.
type window struct {
	start time.Time
	cur   float64
	prev  float64
}

// NewActivityTracker creates an empty tracker.
func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{windows: make(map[string]*window), now: time.Now}
}

func (a *ActivityTracker) Name() string { return "activity" }

// Deliver counts trades and book changes toward their market's rate.
func (a *ActivityTracker) Deliver(_ context.Context, ev marketdata.Event) error {
	if ev.Kind == marketdata.KindTrade || ev.Kind == marketdata.KindBook {
		a.Record(ev.MarketID, 1)
	}
	return nil
}

// Record adds n events for marketID.
func (a *ActivityTracker) Record(marketID string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	w, ok := a.windows[marketID]
	if !ok {
		w = &window{start: now}
		a.windows[marketID] = w
	}
	w.roll(now)
	w.cur += float64(n)
}

// Rate returns the estimated events per minute for marketID: the previous
// minute weighted by how much of it still overlaps the trailing minute, plus
// the current minute so far.
func (a *ActivityTracker) Rate(marketID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.windows[marketID]
	if !ok {
		return 0
	}
	now := a.now()
	w.roll(now)
	elapsed := now.Sub(w.start).Seconds() / 60
	return w.prev*(1-elapsed) + w.cur
}

func (w *window) roll(now time.Time) {
	switch age := now.Sub(w.start); {
	case age >= 2*time.Minute:
		w.prev, w.cur = 0, 0
		w.start = now
	case age >= time.Minute:
		w.prev, w.cur = w.cur, 0
		w.start = w.start.Add(time.Minute)
	}
}

// Forget drops markets with no events in the last two minutes.
func (a *ActivityTracker) Forget() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	for id, w := range a.windows {
		w.roll(now)
		if w.cur == 0 && w.prev == 0 {
			delete(a.windows, id)
		}
	}
}

// TTLPolicy maps a market's event rate to a cache entry lifetime.
type TTLPolicy struct {
	MinTTL  time.Duration // at or above HotRate
	MaxTTL  time.Duration // for idle markets
	HotRate float64       // events per minute
}

// TTL interpolates linearly between MaxTTL at rate 0 and MinTTL at HotRate.
func (p TTLPolicy) TTL(rate float64) time.Duration {
	if p.HotRate <= 0 || rate >= p.HotRate {
		return p.MinTTL
	}
	if rate <= 0 {
		return p.MaxTTL
	}
	span := float64(p.MaxTTL - p.MinTTL)
	return p.MaxTTL - time.Duration(span*rate/p.HotRate)
}

// Package orderbook holds the canonical open-order set of one
// (market, outcome) book together with its derived price-level aggregates.
//
// A Book is not safe for concurrent use. It is owned by exactly one matching
// actor; everything else reads committed snapshots.
package orderbook

import (
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// level is one price on one side. orders is FIFO by arrival; open is the sum
// of remaining quantity and depth the cumulative open quantity from the best
// price up to and including this level.
type level struct {
	price  int64
	orders []*domain.Order
	open   int64
	depth  int64
}

type side struct {
	buy    bool
	levels []*level // best first
}

// better reports whether price a is ahead of price b on this side.
func (s *side) better(a, b int64) bool {
	if s.buy {
		return a > b
	}
	return a < b
}

// search returns the index of the first level not ahead of price.
func (s *side) search(price int64) int {
	return sort.Search(len(s.levels), func(i int) bool {
		return !s.better(s.levels[i].price, price)
	})
}

func (s *side) find(price int64) (int, bool) {
	i := s.search(price)
	return i, i < len(s.levels) && s.levels[i].price == price
}

// adjust changes open quantity at level i by delta and shifts the cumulative
// depth of i and every level behind it. An emptied level is removed.
func (s *side) adjust(i int, delta int64) {
	s.levels[i].open += delta
	for j := i; j < len(s.levels); j++ {
		s.levels[j].depth += delta
	}
	if len(s.levels[i].orders) == 0 {
		s.levels = append(s.levels[:i], s.levels[i+1:]...)
	}
}

// Book is the open-order set of one market outcome.
type Book struct {
	key   domain.BookKey
	bids  side
	asks  side
	index map[string]*domain.Order
	seq   uint64 // last arrival sequence handed out
}

// New creates an empty book.
func New(key domain.BookKey) *Book {
	return &Book{
		key:   key,
		bids:  side{buy: true},
		asks:  side{buy: false},
		index: make(map[string]*domain.Order),
	}
}

// Key returns the book's (market, outcome).
func (b *Book) Key() domain.BookKey { return b.key }

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

// NextSeq hands out the next arrival sequence number.
func (b *Book) NextSeq() uint64 {
	b.seq++
	return b.seq
}

func (b *Book) sideOf(s domain.OrderSide) *side {
	if s == domain.OrderSideBuy {
		return &b.bids
	}
	return &b.asks
}

// Get returns the resting order with id. The pointer is owned by the book
// and must not be modified.
func (b *Book) Get(id string) (*domain.Order, bool) {
	o, ok := b.index[id]
	return o, ok
}

// Best returns the best price on a side.
func (b *Book) Best(s domain.OrderSide) (int64, bool) {
	sd := b.sideOf(s)
	if len(sd.levels) == 0 {
		return 0, false
	}
	return sd.levels[0].price, true
}

// Insert rests o at the back of its price level. The book keeps o; callers
// hand over ownership.
func (b *Book) Insert(o *domain.Order) error {
	if o.MarketID != b.key.MarketID || o.Outcome != b.key.Outcome {
		return fmt.Errorf("%w: order %s belongs to %s, not %s", domain.ErrInvariant, o.ID, o.Key(), b.key)
	}
	if _, dup := b.index[o.ID]; dup {
		return fmt.Errorf("%w: order %s already resting", domain.ErrInvariant, o.ID)
	}
	rem := o.Remaining()
	if rem <= 0 || o.Status.Terminal() {
		return fmt.Errorf("%w: order %s has nothing to rest", domain.ErrInvariant, o.ID)
	}
	if o.Seq > b.seq {
		b.seq = o.Seq
	}

	sd := b.sideOf(o.Side)
	i, ok := sd.find(o.PriceTicks)
	if !ok {
		lv := &level{price: o.PriceTicks}
		if i > 0 {
			lv.depth = sd.levels[i-1].depth
		}
		sd.levels = append(sd.levels, nil)
		copy(sd.levels[i+1:], sd.levels[i:])
		sd.levels[i] = lv
	}
	sd.levels[i].orders = append(sd.levels[i].orders, o)
	sd.adjust(i, rem)
	b.index[o.ID] = o
	return nil
}

// Fill records units traded against a resting order. The order leaves the
// book when nothing remains. It returns the order's updated state.
func (b *Book) Fill(id string, units int64, at time.Time) (*domain.Order, error) {
	o, ok := b.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: fill of unknown order %s", domain.ErrInvariant, id)
	}
	if units <= 0 || units > o.Remaining() {
		return nil, fmt.Errorf("%w: fill of %d exceeds remaining %d on %s", domain.ErrInvariant, units, o.Remaining(), id)
	}
	sd := b.sideOf(o.Side)
	i, found := sd.find(o.PriceTicks)
	if !found {
		return nil, fmt.Errorf("%w: order %s has no level at %d", domain.ErrInvariant, id, o.PriceTicks)
	}

	o.FilledUnits += units
	o.UpdatedAt = at
	if o.Remaining() == 0 {
		o.Status = domain.OrderStatusFilled
		b.unlink(sd, i, o)
	} else {
		o.Status = domain.OrderStatusPartial
	}
	sd.adjust(i, -units)
	return o.Clone(), nil
}

// Remove takes a resting order out of the book, for cancel or expiry, and
// sets its terminal status.
func (b *Book) Remove(id string, status domain.OrderStatus, at time.Time) (*domain.Order, error) {
	o, ok := b.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: remove of unknown order %s", domain.ErrInvariant, id)
	}
	sd := b.sideOf(o.Side)
	i, found := sd.find(o.PriceTicks)
	if !found {
		return nil, fmt.Errorf("%w: order %s has no level at %d", domain.ErrInvariant, id, o.PriceTicks)
	}
	rem := o.Remaining()
	b.unlink(sd, i, o)
	sd.adjust(i, -rem)
	o.Status = status
	o.UpdatedAt = at
	return o.Clone(), nil
}

// unlink drops o from level i's queue and the index. Aggregates are left to
// the caller's adjust.
func (b *Book) unlink(sd *side, i int, o *domain.Order) {
	lv := sd.levels[i]
	for j, q := range lv.orders {
		if q.ID == o.ID {
			lv.orders = append(lv.orders[:j], lv.orders[j+1:]...)
			break
		}
	}
	delete(b.index, o.ID)
}

// Walk visits resting orders on one side best price first and FIFO within a
// price, stopping when fn returns false. fn must not mutate the book.
func (b *Book) Walk(s domain.OrderSide, fn func(o *domain.Order) bool) {
	for _, lv := range b.sideOf(s).levels {
		for _, o := range lv.orders {
			if !fn(o) {
				return
			}
		}
	}
}

// Orders returns copies of every resting order.
func (b *Book) Orders() []*domain.Order {
	out := make([]*domain.Order, 0, len(b.index))
	for _, s := range []domain.OrderSide{domain.OrderSideBuy, domain.OrderSideSell} {
		b.Walk(s, func(o *domain.Order) bool {
			out = append(out, o.Clone())
			return true
		})
	}
	return out
}

// Levels returns the aggregated levels of a side, best first.
func (b *Book) Levels(s domain.OrderSide) []domain.BookLevel {
	sd := b.sideOf(s)
	out := make([]domain.BookLevel, len(sd.levels))
	for i, lv := range sd.levels {
		out[i] = domain.BookLevel{
			PriceTicks: lv.price,
			SizeUnits:  lv.open,
			DepthUnits: lv.depth,
			Orders:     len(lv.orders),
		}
	}
	return out
}

// Snapshot returns an immutable copy of the book's aggregates.
func (b *Book) Snapshot(at time.Time) domain.BookSnapshot {
	snap := domain.BookSnapshot{
		MarketID:  b.key.MarketID,
		Outcome:   b.key.Outcome,
		Bids:      b.Levels(domain.OrderSideBuy),
		Asks:      b.Levels(domain.OrderSideSell),
		Seq:       b.seq,
		Timestamp: at,
	}
	if p, ok := b.Best(domain.OrderSideBuy); ok {
		snap.BestBid = p
	}
	if p, ok := b.Best(domain.OrderSideSell); ok {
		snap.BestAsk = p
	}
	return snap
}

// Check recomputes every derived aggregate from the order set and reports the
// first mismatch.
func (b *Book) Check() error {
	seen := 0
	for _, sd := range []*side{&b.bids, &b.asks} {
		var depth int64
		for i, lv := range sd.levels {
			if i > 0 && !sd.better(sd.levels[i-1].price, lv.price) {
				return fmt.Errorf("%w: levels out of order at %d", domain.ErrInvariant, lv.price)
			}
			if len(lv.orders) == 0 {
				return fmt.Errorf("%w: empty level at %d", domain.ErrInvariant, lv.price)
			}
			var open int64
			var lastSeq uint64
			for _, o := range lv.orders {
				if b.index[o.ID] != o {
					return fmt.Errorf("%w: order %s missing from index", domain.ErrInvariant, o.ID)
				}
				if o.PriceTicks != lv.price || o.Remaining() <= 0 || o.FilledUnits < 0 || o.Status.Terminal() {
					return fmt.Errorf("%w: order %s does not belong at %d", domain.ErrInvariant, o.ID, lv.price)
				}
				if o.Seq < lastSeq {
					return fmt.Errorf("%w: level %d not in arrival order", domain.ErrInvariant, lv.price)
				}
				lastSeq = o.Seq
				open += o.Remaining()
				seen++
			}
			depth += open
			if lv.open != open || lv.depth != depth {
				return fmt.Errorf("%w: level %d open=%d/%d depth=%d/%d", domain.ErrInvariant, lv.price, lv.open, open, lv.depth, depth)
			}
		}
	}
	if seen != len(b.index) {
		return fmt.Errorf("%w: index holds %d orders, levels hold %d", domain.ErrInvariant, len(b.index), seen)
	}
	return nil
}

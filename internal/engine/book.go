package engine

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"stock-exchange/internal/model"
)

// BookEntry is a resting LIMIT order projected into the book. WalletID is
// carried so settlement never has to look an owner up per fill.
type BookEntry struct {
	OrderID   uuid.UUID
	UserID    uuid.UUID
	WalletID  int64
	Direction model.Direction
	Price     int64
	Remaining int64
	Seq       int64
}

// priceLevel holds the FIFO queue of one price on one side.
type priceLevel struct {
	price  int64
	orders []*BookEntry
}

func (l *priceLevel) totalQty() int64 {
	var t int64
	for _, e := range l.orders {
		t += e.Remaining
	}
	return t
}

// Fill is one step of a match plan: consume Qty from Maker at the maker's
// quoted price.
type Fill struct {
	Maker *BookEntry
	Qty   int64
	Price int64
}

// Book is the in-memory order book of a single instrument. It is a
// projection: the ledger stays the source of truth, and the book is
// rebuilt from open orders on boot. All access is confined to the owning
// instrument goroutine, so there is no locking here.
type Book struct {
	bids  *btree.BTreeG[*priceLevel] // sorted highest price first
	asks  *btree.BTreeG[*priceLevel] // sorted lowest price first
	index map[uuid.UUID]*BookEntry
}

func NewBook() *Book {
	return &Book{
		bids: btree.NewBTreeG(func(a, b *priceLevel) bool {
			return a.price > b.price
		}),
		asks: btree.NewBTreeG(func(a, b *priceLevel) bool {
			return a.price < b.price
		}),
		index: make(map[uuid.UUID]*BookEntry),
	}
}

func (b *Book) side(dir model.Direction) *btree.BTreeG[*priceLevel] {
	if dir == model.Buy {
		return b.bids
	}
	return b.asks
}

func (b *Book) Len() int { return len(b.index) }

// entryBefore orders entries within a level: earlier seq first, order id
// as the final tie-break so the ordering is total.
func entryBefore(a, e *BookEntry) bool {
	if a.Seq != e.Seq {
		return a.Seq < e.Seq
	}
	return bytes.Compare(a.OrderID[:], e.OrderID[:]) < 0
}

// Insert adds a resting order. Rebuild may replay orders out of enqueue
// order, so the level queue keeps itself sorted.
func (b *Book) Insert(e *BookEntry) {
	if _, dup := b.index[e.OrderID]; dup {
		return
	}
	b.index[e.OrderID] = e

	tree := b.side(e.Direction)
	level, ok := tree.Get(&priceLevel{price: e.Price})
	if !ok {
		level = &priceLevel{price: e.Price}
		tree.Set(level)
	}
	at := sort.Search(len(level.orders), func(i int) bool {
		return !entryBefore(level.orders[i], e)
	})
	level.orders = append(level.orders, nil)
	copy(level.orders[at+1:], level.orders[at:])
	level.orders[at] = e
}

// Remove deletes an order from the book, dropping its price level when it
// empties. Returns nil when the order is not resting.
func (b *Book) Remove(orderID uuid.UUID) *BookEntry {
	e, ok := b.index[orderID]
	if !ok {
		return nil
	}
	delete(b.index, orderID)

	tree := b.side(e.Direction)
	level, ok := tree.Get(&priceLevel{price: e.Price})
	if !ok {
		return e
	}
	for i, o := range level.orders {
		if o.OrderID == orderID {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			break
		}
	}
	if len(level.orders) == 0 {
		tree.Delete(level)
	}
	return e
}

// Reduce shrinks a resting order's remaining quantity, removing it when
// it reaches zero. Returns the quantity left.
func (b *Book) Reduce(orderID uuid.UUID, qty int64) int64 {
	e, ok := b.index[orderID]
	if !ok {
		return 0
	}
	e.Remaining -= qty
	if e.Remaining <= 0 {
		b.Remove(orderID)
		return 0
	}
	return e.Remaining
}

// BestPrice returns the top of one side: highest bid or lowest ask.
func (b *Book) BestPrice(dir model.Direction) (int64, bool) {
	level, ok := b.side(dir).Min()
	if !ok {
		return 0, false
	}
	return level.price, true
}

// MatchPlan walks the side opposite to dir in price-time order and
// returns the fills a taker of the given size would produce, without
// mutating the book. A nil limit (MARKET) accepts any maker; otherwise
// makers qualify while their price is within the taker's limit. The plan
// ends early when the book runs out of qualifying liquidity.
func (b *Book) MatchPlan(dir model.Direction, limit *int64, qty int64) []Fill {
	opposite := model.Sell
	if dir == model.Sell {
		opposite = model.Buy
	}

	var plan []Fill
	rem := qty
	b.side(opposite).Scan(func(level *priceLevel) bool {
		if rem <= 0 {
			return false
		}
		if limit != nil {
			if dir == model.Buy && level.price > *limit {
				return false
			}
			if dir == model.Sell && level.price < *limit {
				return false
			}
		}
		for _, maker := range level.orders {
			if rem <= 0 {
				break
			}
			fq := min64(rem, maker.Remaining)
			plan = append(plan, Fill{Maker: maker, Qty: fq, Price: level.price})
			rem -= fq
		}
		return true
	})
	return plan
}

// Snapshot aggregates remaining quantity by price: top depth bids in
// descending price, top depth asks in ascending price.
func (b *Book) Snapshot(depth int) (bids, asks []model.Level) {
	bids = make([]model.Level, 0, depth)
	asks = make([]model.Level, 0, depth)
	b.bids.Scan(func(level *priceLevel) bool {
		if len(bids) >= depth {
			return false
		}
		bids = append(bids, model.Level{Price: level.price, Qty: level.totalQty()})
		return true
	})
	b.asks.Scan(func(level *priceLevel) bool {
		if len(asks) >= depth {
			return false
		}
		asks = append(asks, model.Level{Price: level.price, Qty: level.totalQty()})
		return true
	})
	return bids, asks
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Entries returns every resting order, in no particular order.
func (b *Book) Entries() []*BookEntry {
	out := make([]*BookEntry, 0, len(b.index))
	for _, e := range b.index {
		out = append(out, e)
	}
	return out
}

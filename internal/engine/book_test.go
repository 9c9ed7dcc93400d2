package engine

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-exchange/internal/model"
)

func fixedID(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
}

func entry(n int, dir model.Direction, price, remaining, seq int64) *BookEntry {
	return &BookEntry{
		OrderID:   fixedID(n),
		UserID:    fixedID(1000 + n),
		WalletID:  int64(n),
		Direction: dir,
		Price:     price,
		Remaining: remaining,
		Seq:       seq,
	}
}

func TestInsertAndBestPrice(t *testing.T) {
	b := NewBook()
	b.Insert(entry(1, model.Buy, 40, 10, 1))
	b.Insert(entry(2, model.Buy, 45, 5, 2))
	b.Insert(entry(3, model.Sell, 55, 10, 3))
	b.Insert(entry(4, model.Sell, 60, 5, 4))

	assert.Equal(t, 4, b.Len())

	bid, ok := b.BestPrice(model.Buy)
	require.True(t, ok)
	assert.Equal(t, int64(45), bid)

	ask, ok := b.BestPrice(model.Sell)
	require.True(t, ok)
	assert.Equal(t, int64(55), ask)
}

func TestBestPriceEmptySide(t *testing.T) {
	b := NewBook()
	b.Insert(entry(1, model.Buy, 40, 10, 1))

	_, ok := b.BestPrice(model.Sell)
	assert.False(t, ok)
}

func TestDuplicateInsertIgnored(t *testing.T) {
	b := NewBook()
	b.Insert(entry(1, model.Buy, 50, 5, 1))
	b.Insert(entry(1, model.Buy, 50, 5, 2))

	assert.Equal(t, 1, b.Len())
}

func TestMatchPlanFIFOWithinLevel(t *testing.T) {
	b := NewBook()
	b.Insert(entry(1, model.Sell, 50, 3, 1))
	b.Insert(entry(2, model.Sell, 50, 3, 2))

	limit := int64(50)
	plan := b.MatchPlan(model.Buy, &limit, 4)
	require.Len(t, plan, 2)
	assert.Equal(t, fixedID(1), plan[0].Maker.OrderID)
	assert.Equal(t, int64(3), plan[0].Qty)
	assert.Equal(t, fixedID(2), plan[1].Maker.OrderID)
	assert.Equal(t, int64(1), plan[1].Qty)
}

func TestSeqTieBrokenByOrderID(t *testing.T) {
	b := NewBook()
	// Same price, same enqueue instant: the lower order id serves first,
	// regardless of insertion order.
	b.Insert(entry(9, model.Sell, 50, 1, 7))
	b.Insert(entry(2, model.Sell, 50, 1, 7))

	plan := b.MatchPlan(model.Buy, nil, 2)
	require.Len(t, plan, 2)
	assert.Equal(t, fixedID(2), plan[0].Maker.OrderID)
	assert.Equal(t, fixedID(9), plan[1].Maker.OrderID)
}

func TestRebuildOutOfOrderKeepsSeqOrder(t *testing.T) {
	b := NewBook()
	b.Insert(entry(3, model.Sell, 50, 1, 30))
	b.Insert(entry(1, model.Sell, 50, 1, 10))
	b.Insert(entry(2, model.Sell, 50, 1, 20))

	plan := b.MatchPlan(model.Buy, nil, 3)
	require.Len(t, plan, 3)
	assert.Equal(t, fixedID(1), plan[0].Maker.OrderID)
	assert.Equal(t, fixedID(2), plan[1].Maker.OrderID)
	assert.Equal(t, fixedID(3), plan[2].Maker.OrderID)
}

func TestMatchPlanBuyRespectsLimit(t *testing.T) {
	b := NewBook()
	b.Insert(entry(1, model.Sell, 50, 2, 1))
	b.Insert(entry(2, model.Sell, 55, 3, 2))
	b.Insert(entry(3, model.Sell, 60, 5, 3))

	limit := int64(55)
	plan := b.MatchPlan(model.Buy, &limit, 10)
	require.Len(t, plan, 2)
	assert.Equal(t, int64(50), plan[0].Price)
	assert.Equal(t, int64(55), plan[1].Price)
}

func TestMatchPlanSellWalksBidsDown(t *testing.T) {
	b := NewBook()
	b.Insert(entry(1, model.Buy, 60, 5, 1))
	b.Insert(entry(2, model.Buy, 55, 5, 2))
	b.Insert(entry(3, model.Buy, 50, 5, 3))

	limit := int64(55)
	plan := b.MatchPlan(model.Sell, &limit, 8)
	require.Len(t, plan, 2)
	assert.Equal(t, int64(60), plan[0].Price)
	assert.Equal(t, int64(5), plan[0].Qty)
	assert.Equal(t, int64(55), plan[1].Price)
	assert.Equal(t, int64(3), plan[1].Qty)
}

func TestMatchPlanMarketTakesAnyPrice(t *testing.T) {
	b := NewBook()
	b.Insert(entry(1, model.Sell, 50, 1, 1))
	b.Insert(entry(2, model.Sell, 60, 1, 2))

	plan := b.MatchPlan(model.Buy, nil, 2)
	require.Len(t, plan, 2)
	assert.Equal(t, int64(50), plan[0].Price)
	assert.Equal(t, int64(60), plan[1].Price)
}

func TestMatchPlanDoesNotMutate(t *testing.T) {
	b := NewBook()
	b.Insert(entry(1, model.Sell, 50, 5, 1))

	_ = b.MatchPlan(model.Buy, nil, 5)

	assert.Equal(t, 1, b.Len())
	e := b.Entries()[0]
	assert.Equal(t, int64(5), e.Remaining)
}

func TestReducePartialAndFull(t *testing.T) {
	b := NewBook()
	b.Insert(entry(1, model.Sell, 50, 10, 1))

	assert.Equal(t, int64(7), b.Reduce(fixedID(1), 3))
	assert.Equal(t, 1, b.Len())

	assert.Equal(t, int64(0), b.Reduce(fixedID(1), 7))
	assert.Equal(t, 0, b.Len())

	_, ok := b.BestPrice(model.Sell)
	assert.False(t, ok)
}

func TestRemoveKeepsRemainderOfLevel(t *testing.T) {
	b := NewBook()
	b.Insert(entry(1, model.Buy, 50, 5, 1))
	b.Insert(entry(2, model.Buy, 50, 3, 2))

	removed := b.Remove(fixedID(1))
	require.NotNil(t, removed)
	assert.Equal(t, fixedID(1), removed.OrderID)
	assert.Equal(t, 1, b.Len())

	bid, ok := b.BestPrice(model.Buy)
	require.True(t, ok)
	assert.Equal(t, int64(50), bid)
}

func TestRemoveLastAtLevelDropsLevel(t *testing.T) {
	b := NewBook()
	b.Insert(entry(1, model.Sell, 50, 5, 1))
	b.Remove(fixedID(1))

	_, ok := b.BestPrice(model.Sell)
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len())

	assert.Nil(t, b.Remove(fixedID(1)))
}

func TestSnapshotDepthAndOrdering(t *testing.T) {
	b := NewBook()
	for i := 1; i <= 5; i++ {
		b.Insert(entry(i, model.Buy, int64(40+i), 1, int64(i)))
	}
	for i := 1; i <= 5; i++ {
		b.Insert(entry(10+i, model.Sell, int64(50+i), 1, int64(10+i)))
	}

	bids, asks := b.Snapshot(3)
	require.Len(t, bids, 3)
	require.Len(t, asks, 3)
	assert.Equal(t, int64(45), bids[0].Price)
	assert.Equal(t, int64(44), bids[1].Price)
	assert.Equal(t, int64(51), asks[0].Price)
	assert.Equal(t, int64(52), asks[1].Price)
}

func TestSnapshotAggregatesLevelQty(t *testing.T) {
	b := NewBook()
	b.Insert(entry(1, model.Sell, 50, 2, 1))
	b.Insert(entry(2, model.Sell, 50, 3, 2))

	_, asks := b.Snapshot(10)
	require.Len(t, asks, 1)
	assert.Equal(t, model.Level{Price: 50, Qty: 5}, asks[0])
}

package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncumbrance(t *testing.T) {
	assert.Equal(t, int64(500), Encumbrance(Buy, 10, 50))
	assert.Equal(t, int64(10), Encumbrance(Sell, 10, 50))
	assert.Equal(t, int64(100), Encumbrance(Buy, 1, 100))
}

func TestStatusForFill(t *testing.T) {
	assert.Equal(t, StatusNew, StatusForFill(10, 0))
	assert.Equal(t, StatusPartial, StatusForFill(10, 3))
	assert.Equal(t, StatusExecuted, StatusForFill(10, 10))
}

func TestStatusActive(t *testing.T) {
	assert.True(t, StatusNew.Active())
	assert.True(t, StatusPartial.Active())
	assert.False(t, StatusExecuted.Active())
	assert.False(t, StatusCancelled.Active())
}

func TestPlaceOrderRequestType(t *testing.T) {
	price := int64(50)
	assert.Equal(t, TypeLimit, PlaceOrderRequest{Price: &price}.Type())
	assert.Equal(t, TypeMarket, PlaceOrderRequest{}.Type())
}

func TestViewOfLimitIncludesPriceAndFilled(t *testing.T) {
	o := Order{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Ticker:    "BTC",
		OrderType: TypeLimit,
		Direction: Buy,
		Status:    StatusPartial,
		Qty:       3,
		Price:     100,
		Filled:    2,
	}
	v := ViewOf(o)
	require.NotNil(t, v.Body.Price)
	assert.Equal(t, int64(100), *v.Body.Price)
	require.NotNil(t, v.Filled)
	assert.Equal(t, int64(2), *v.Filled)
}

func TestViewOfMarketOmitsPriceAndFilled(t *testing.T) {
	o := Order{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Ticker:    "BTC",
		OrderType: TypeMarket,
		Direction: Sell,
		Status:    StatusExecuted,
		Qty:       2,
		Filled:    2,
	}
	v := ViewOf(o)
	assert.Nil(t, v.Body.Price)
	assert.Nil(t, v.Filled)
}

func TestOrderRemaining(t *testing.T) {
	assert.Equal(t, int64(7), Order{Qty: 10, Filled: 3}.Remaining())
}

func TestBalanceAvailable(t *testing.T) {
	assert.Equal(t, int64(60), Balance{Amount: 100, Reserved: 40}.Available())
}

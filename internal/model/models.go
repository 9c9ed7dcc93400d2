package model

import (
	"time"

	"github.com/google/uuid"
)

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusPartial   OrderStatus = "PARTIALLY_EXECUTED"
	StatusExecuted  OrderStatus = "EXECUTED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Active reports whether an order in this status still rests on the book.
func (s OrderStatus) Active() bool {
	return s == StatusNew || s == StatusPartial
}

// QuoteTicker is the cash instrument; all trade prices are units of it.
const QuoteTicker = "RUB"

// ── Domain Objects ───────────────────────────────────

type User struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	APIKey    string    `json:"api_key"`
	CreatedAt time.Time `json:"-"`
}

type Instrument struct {
	ID     int64  `json:"-"`
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

type Wallet struct {
	ID     int64     `json:"id"`
	UserID uuid.UUID `json:"user_id"`
}

// Balance is one (wallet, instrument) row. Reserved never exceeds Amount.
type Balance struct {
	WalletID     int64 `json:"wallet_id"`
	InstrumentID int64 `json:"instrument_id"`
	Amount       int64 `json:"amount"`
	Reserved     int64 `json:"reserved"`
}

func (b Balance) Available() int64 { return b.Amount - b.Reserved }

type Order struct {
	ID           uuid.UUID   `json:"id"`
	UserID       uuid.UUID   `json:"user_id"`
	InstrumentID int64       `json:"-"`
	Ticker       string      `json:"ticker"`
	OrderType    OrderType   `json:"order_type"`
	Direction    Direction   `json:"direction"`
	Status       OrderStatus `json:"status"`
	Qty          int64       `json:"qty"`
	Price        int64       `json:"price"` // 0 for MARKET
	Filled       int64       `json:"filled"`
	Seq          int64       `json:"-"`
	Timestamp    time.Time   `json:"timestamp"`
}

func (o Order) Remaining() int64 { return o.Qty - o.Filled }

// Trade is one matched fill, priced at the maker's quote. The wallet
// reference is the selling side.
type Trade struct {
	ID           int64     `json:"-"`
	InstrumentID int64     `json:"-"`
	WalletID     int64     `json:"-"`
	Amount       int64     `json:"amount"`
	Price        int64     `json:"price"`
	Timestamp    time.Time `json:"timestamp"`
}

// ── Encumbrance ──────────────────────────────────────

// Encumbrance returns how much a resting LIMIT order of the given shape
// keeps reserved: qty*price of the quote instrument for a BUY, qty of the
// traded instrument for a SELL. MARKET orders never reserve.
func Encumbrance(dir Direction, qty, price int64) int64 {
	if dir == Buy {
		return qty * price
	}
	return qty
}

// StatusForFill derives the order status from its fill progress.
func StatusForFill(qty, filled int64) OrderStatus {
	switch {
	case filled >= qty:
		return StatusExecuted
	case filled > 0:
		return StatusPartial
	default:
		return StatusNew
	}
}

// ── API Types ────────────────────────────────────────

type RegisterRequest struct {
	Name string `json:"name"`
}

type InstrumentCreate struct {
	Name   string `json:"name"`
	Ticker string `json:"ticker"`
}

// PlaceOrderRequest covers both order kinds: a present price means LIMIT,
// an absent one means MARKET.
type PlaceOrderRequest struct {
	Direction Direction `json:"direction"`
	Ticker    string    `json:"ticker"`
	Qty       int64     `json:"qty"`
	Price     *int64    `json:"price,omitempty"`
}

func (r PlaceOrderRequest) Type() OrderType {
	if r.Price == nil {
		return TypeMarket
	}
	return TypeLimit
}

type PlaceOrderResponse struct {
	Success bool      `json:"success"`
	OrderID uuid.UUID `json:"order_id"`
}

// OrderBody is the echoed request inside an order view; Price is omitted
// for MARKET orders.
type OrderBody struct {
	Direction Direction `json:"direction"`
	Ticker    string    `json:"ticker"`
	Qty       int64     `json:"qty"`
	Price     *int64    `json:"price,omitempty"`
}

type OrderView struct {
	ID        uuid.UUID   `json:"id"`
	Status    OrderStatus `json:"status"`
	UserID    uuid.UUID   `json:"user_id"`
	Timestamp time.Time   `json:"timestamp"`
	Body      OrderBody   `json:"body"`
	Filled    *int64      `json:"filled,omitempty"`
}

// ViewOf shapes an order the way the read endpoints present it.
func ViewOf(o Order) OrderView {
	v := OrderView{
		ID:        o.ID,
		Status:    o.Status,
		UserID:    o.UserID,
		Timestamp: o.Timestamp,
		Body: OrderBody{
			Direction: o.Direction,
			Ticker:    o.Ticker,
			Qty:       o.Qty,
		},
	}
	if o.OrderType == TypeLimit {
		price := o.Price
		filled := o.Filled
		v.Body.Price = &price
		v.Filled = &filled
	}
	return v
}

type Level struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

type BookSnapshot struct {
	BidLevels []Level `json:"bid_levels"`
	AskLevels []Level `json:"ask_levels"`
}

type TradeView struct {
	Ticker    string    `json:"ticker"`
	Amount    int64     `json:"amount"`
	Price     int64     `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

type BalanceChange struct {
	UserID uuid.UUID `json:"user_id"`
	Ticker string    `json:"ticker"`
	Amount int64     `json:"amount"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

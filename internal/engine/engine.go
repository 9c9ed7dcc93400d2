package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stock-exchange/internal/apperr"
	"stock-exchange/internal/db"
	"stock-exchange/internal/model"
)

// PublishFunc broadcasts a market-data message for a ticker.
type PublishFunc func(ticker, msgType string, data any)

// ── Manager ──────────────────────────────────────────

// Manager owns one InstrumentEngine per tradable ticker. The quote
// instrument has no engine: nothing trades against itself.
type Manager struct {
	mu      sync.RWMutex
	engines map[string]*InstrumentEngine
	store   *db.Store
	publish PublishFunc
	depth   int
}

func NewManager(store *db.Store, pub PublishFunc, depthCap int) *Manager {
	return &Manager{
		engines: make(map[string]*InstrumentEngine),
		store:   store,
		publish: pub,
		depth:   depthCap,
	}
}

// Boot starts an engine for every known instrument, rebuilding each book
// from the resting orders in the ledger.
func (m *Manager) Boot(ctx context.Context) error {
	instruments, err := m.store.Instruments(ctx)
	if err != nil {
		return err
	}
	for _, in := range instruments {
		if in.Ticker == model.QuoteTicker {
			continue
		}
		if err := m.Start(ctx, in); err != nil {
			return fmt.Errorf("boot %s: %w", in.Ticker, err)
		}
	}
	log.Info().Int("engines", len(m.engines)).Msg("engine manager booted")
	return nil
}

func (m *Manager) Start(ctx context.Context, instrument model.Instrument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[instrument.Ticker]; ok {
		return nil
	}
	eng, err := newInstrumentEngine(ctx, instrument, m.store, m.publish)
	if err != nil {
		return err
	}
	m.engines[instrument.Ticker] = eng
	// The engine outlives the request that created it.
	runCtx, cancel := context.WithCancel(context.Background())
	eng.cancel = cancel
	go eng.run(runCtx)
	return nil
}

// Stop shuts an engine down and forgets it. In-flight commands already
// accepted by the goroutine finish first.
func (m *Manager) Stop(ticker string) {
	m.mu.Lock()
	eng := m.engines[ticker]
	delete(m.engines, ticker)
	m.mu.Unlock()
	if eng != nil {
		eng.cancel()
	}
}

func (m *Manager) Get(ticker string) *InstrumentEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[ticker]
}

// Ensure returns the engine for an instrument, starting one if the
// instrument was created after boot.
func (m *Manager) Ensure(ctx context.Context, instrument model.Instrument) (*InstrumentEngine, error) {
	if eng := m.Get(instrument.Ticker); eng != nil {
		return eng, nil
	}
	if err := m.Start(ctx, instrument); err != nil {
		return nil, err
	}
	return m.Get(instrument.Ticker), nil
}

// DepthCap bounds snapshot depth requested by clients.
func (m *Manager) DepthCap() int { return m.depth }

// ── InstrumentEngine ─────────────────────────────────

// InstrumentEngine serialises all order flow of one instrument: a single
// goroutine consumes commands, so two placements on the same ticker can
// never interleave, while distinct tickers match in parallel. This
// goroutine-per-instrument queue is the only serialisation mechanism;
// the book is touched by no other code.
type InstrumentEngine struct {
	instrument model.Instrument
	quoteID    int64 // resolved lazily; the quote instrument may be seeded late
	book       *Book
	seq        int64
	cmds       chan command
	done       chan struct{}
	cancel     context.CancelFunc
	store      *db.Store
	publish    PublishFunc
}

func newInstrumentEngine(ctx context.Context, instrument model.Instrument, store *db.Store, pub PublishFunc) (*InstrumentEngine, error) {
	e := &InstrumentEngine{
		instrument: instrument,
		book:       NewBook(),
		cmds:       make(chan command, 64),
		done:       make(chan struct{}),
		store:      store,
		publish:    pub,
	}

	open, err := store.OpenOrders(ctx, instrument.ID)
	if err != nil {
		return nil, err
	}
	for _, o := range open {
		e.book.Insert(&BookEntry{
			OrderID:   o.ID,
			UserID:    o.UserID,
			WalletID:  o.WalletID,
			Direction: o.Direction,
			Price:     o.Price,
			Remaining: o.Remaining(),
			Seq:       o.Seq,
		})
	}
	if e.seq, err = store.MaxSeq(ctx, instrument.ID); err != nil {
		return nil, err
	}
	log.Info().Str("ticker", instrument.Ticker).Int("resting", e.book.Len()).
		Int64("seq", e.seq).Msg("order book rebuilt")
	return e, nil
}

func (e *InstrumentEngine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmds:
			cmd.exec(e)
		}
	}
}

func (e *InstrumentEngine) nextSeq() int64 {
	e.seq++
	return e.seq
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *InstrumentEngine) }

type placeResult struct {
	orderID uuid.UUID
	err     error
}

type placeCmd struct {
	userID uuid.UUID
	req    model.PlaceOrderRequest
	ch     chan<- placeResult
}

type cancelCmd struct {
	orderID uuid.UUID
	userID  uuid.UUID
	ch      chan<- error
}

type drainCmd struct {
	ch chan<- error
}

type snapshotCmd struct {
	depth int
	ch    chan<- model.BookSnapshot
}

func (c placeCmd) exec(e *InstrumentEngine) {
	id, err := e.processOrder(c.userID, c.req)
	c.ch <- placeResult{orderID: id, err: err}
}

func (c cancelCmd) exec(e *InstrumentEngine) { c.ch <- e.cancelOrder(c.orderID, c.userID, true) }
func (c drainCmd) exec(e *InstrumentEngine)  { c.ch <- e.drain() }

func (c snapshotCmd) exec(e *InstrumentEngine) {
	bids, asks := e.book.Snapshot(c.depth)
	c.ch <- model.BookSnapshot{BidLevels: bids, AskLevels: asks}
}

var errEngineStopped = apperr.NotFound("Instrument")

// PlaceOrder hands the order to the instrument goroutine and waits for
// the placement transaction to finish.
func (e *InstrumentEngine) PlaceOrder(userID uuid.UUID, req model.PlaceOrderRequest) (uuid.UUID, error) {
	ch := make(chan placeResult, 1)
	select {
	case e.cmds <- placeCmd{userID: userID, req: req, ch: ch}:
	case <-e.done:
		return uuid.Nil, errEngineStopped
	}
	select {
	case r := <-ch:
		return r.orderID, r.err
	case <-e.done:
		return uuid.Nil, errEngineStopped
	}
}

func (e *InstrumentEngine) CancelOrder(orderID, userID uuid.UUID) error {
	ch := make(chan error, 1)
	select {
	case e.cmds <- cancelCmd{orderID: orderID, userID: userID, ch: ch}:
	case <-e.done:
		return errEngineStopped
	}
	select {
	case err := <-ch:
		return err
	case <-e.done:
		return errEngineStopped
	}
}

// Drain cancels every resting order, releasing all reservations. Used
// before an instrument is deleted.
func (e *InstrumentEngine) Drain() error {
	ch := make(chan error, 1)
	select {
	case e.cmds <- drainCmd{ch: ch}:
	case <-e.done:
		return errEngineStopped
	}
	select {
	case err := <-ch:
		return err
	case <-e.done:
		return errEngineStopped
	}
}

// Snapshot reads the book through the command queue, so it can never
// observe a half-applied placement.
func (e *InstrumentEngine) Snapshot(depth int) model.BookSnapshot {
	ch := make(chan model.BookSnapshot, 1)
	select {
	case e.cmds <- snapshotCmd{depth: depth, ch: ch}:
	case <-e.done:
		return model.BookSnapshot{BidLevels: []model.Level{}, AskLevels: []model.Level{}}
	}
	select {
	case snap := <-ch:
		return snap
	case <-e.done:
		return model.BookSnapshot{BidLevels: []model.Level{}, AskLevels: []model.Level{}}
	}
}

// ── Placement ────────────────────────────────────────

// takerCtx is the settlement-relevant shape of the incoming order.
type takerCtx struct {
	orderID   uuid.UUID
	walletID  int64
	direction model.Direction
	orderType model.OrderType
	price     int64
}

func (e *InstrumentEngine) processOrder(userID uuid.UUID, req model.PlaceOrderRequest) (uuid.UUID, error) {
	if req.Direction != model.Buy && req.Direction != model.Sell {
		return uuid.Nil, apperr.E(apperr.KindValidation, "direction must be BUY or SELL")
	}
	if req.Qty < 1 {
		return uuid.Nil, apperr.E(apperr.KindValidation, "qty must be >= 1")
	}
	if req.Price != nil && *req.Price <= 0 {
		return uuid.Nil, apperr.E(apperr.KindValidation, "limit price must be > 0")
	}

	ctx := context.Background()
	quoteID, err := e.ensureQuote(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	wallet, err := e.store.WalletByUserID(ctx, userID)
	if err != nil {
		return uuid.Nil, err
	}
	if wallet == nil {
		return uuid.Nil, apperr.NotFound("Wallet")
	}

	orderType := req.Type()
	var price int64
	var limit *int64
	if orderType == model.TypeLimit {
		price = *req.Price
		limit = &price
	}

	// Non-mutating scan: the book is only touched after commit, so a
	// rolled-back placement leaves it exactly as it was.
	plan := e.book.MatchPlan(req.Direction, limit, req.Qty)

	order := &model.Order{
		ID:           uuid.New(),
		UserID:       userID,
		InstrumentID: e.instrument.ID,
		Ticker:       e.instrument.Ticker,
		OrderType:    orderType,
		Direction:    req.Direction,
		Status:       model.StatusNew,
		Qty:          req.Qty,
		Price:        price,
		Seq:          e.nextSeq(),
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback()

	if err := e.admit(tx, wallet.ID, quoteID, order, plan); err != nil {
		return uuid.Nil, err
	}
	if err := db.InsertOrder(tx, order); err != nil {
		return uuid.Nil, err
	}

	taker := takerCtx{
		orderID:   order.ID,
		walletID:  wallet.ID,
		direction: order.Direction,
		orderType: orderType,
		price:     price,
	}

	var filled int64
	trades := make([]model.TradeView, 0, len(plan))
	for _, f := range plan {
		trade, err := e.settleFill(tx, quoteID, taker, f)
		if err != nil {
			return uuid.Nil, err
		}
		filled += f.Qty
		trades = append(trades, trade)
	}

	if remaining := order.Qty - filled; orderType == model.TypeMarket && remaining > 0 {
		// A MARKET SELL is not walked at admission, so it lands here when
		// the bids run out. A MARKET BUY was walked against this same book,
		// so a shortfall for a BUY means admission and matching disagreed.
		log.Warn().Str("ticker", e.instrument.Ticker).Stringer("order", order.ID).
			Int64("remaining", remaining).Msg("market order short of liquidity, aborting placement")
		return uuid.Nil, apperr.E(apperr.KindInsufficientLiquidity, "not enough liquidity for market order")
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("commit placement: %w", err)
	}

	// Ledger committed: fold the fills into the book and rest the
	// remainder of a LIMIT taker.
	for _, f := range plan {
		e.book.Reduce(f.Maker.OrderID, f.Qty)
	}
	if remaining := order.Qty - filled; orderType == model.TypeLimit && remaining > 0 {
		e.book.Insert(&BookEntry{
			OrderID:   order.ID,
			UserID:    userID,
			WalletID:  wallet.ID,
			Direction: order.Direction,
			Price:     price,
			Remaining: remaining,
			Seq:       order.Seq,
		})
	}

	if e.publish != nil {
		bids, asks := e.book.Snapshot(20)
		e.publish(e.instrument.Ticker, "book_snapshot", model.BookSnapshot{BidLevels: bids, AskLevels: asks})
		for _, t := range trades {
			e.publish(e.instrument.Ticker, "trade", t)
		}
	}
	return order.ID, nil
}

// admit runs the pre-trade checks: reserve the encumbrance for a LIMIT
// order, or prove feasibility for a MARKET one.
func (e *InstrumentEngine) admit(tx *sql.Tx, walletID, quoteID int64, order *model.Order, plan []Fill) error {
	if order.OrderType == model.TypeLimit {
		need := model.Encumbrance(order.Direction, order.Qty, order.Price)
		reserveOn := quoteID
		if order.Direction == model.Sell {
			reserveOn = e.instrument.ID
		}
		return db.Reserve(tx, walletID, reserveOn, need)
	}

	// MARKET: nothing is reserved; the walk proves the order can settle.
	if order.Direction == model.Buy {
		var planned, cost int64
		for _, f := range plan {
			planned += f.Qty
			cost += f.Qty * f.Price
		}
		if planned < order.Qty {
			return apperr.E(apperr.KindInsufficientLiquidity, "not enough liquidity for market order")
		}
		b, err := db.BalanceForUpdate(tx, walletID, quoteID)
		if err != nil {
			return err
		}
		if b == nil || b.Available() < cost {
			return apperr.E(apperr.KindInsufficientFunds, "insufficient funds")
		}
		return nil
	}

	b, err := db.BalanceForUpdate(tx, walletID, e.instrument.ID)
	if err != nil {
		return err
	}
	if b == nil || b.Available() < order.Qty {
		return apperr.E(apperr.KindInsufficientFunds, "insufficient funds")
	}
	return nil
}

// settleFill executes one fill: unreserve both sides at their
// own quoted prices, swap instrument against cash at the maker's price,
// record the trade, and advance both fill counters.
func (e *InstrumentEngine) settleFill(tx *sql.Tx, quoteID int64, taker takerCtx, f Fill) (model.TradeView, error) {
	none := model.TradeView{}
	maker := f.Maker

	// Maker's encumbrance was taken at the maker's own price.
	if maker.Direction == model.Buy {
		if err := db.Release(tx, maker.WalletID, quoteID, f.Qty*maker.Price); err != nil {
			return none, err
		}
	} else {
		if err := db.Release(tx, maker.WalletID, e.instrument.ID, f.Qty); err != nil {
			return none, err
		}
	}

	// A LIMIT taker reserved at its own limit; the spread between that
	// and the maker price stays in its free balance. MARKET takers never
	// reserved anything.
	if taker.orderType == model.TypeLimit {
		if taker.direction == model.Buy {
			if err := db.Release(tx, taker.walletID, quoteID, f.Qty*taker.price); err != nil {
				return none, err
			}
		} else {
			if err := db.Release(tx, taker.walletID, e.instrument.ID, f.Qty); err != nil {
				return none, err
			}
		}
	}

	buyerWallet, sellerWallet := taker.walletID, maker.WalletID
	if taker.direction == model.Sell {
		buyerWallet, sellerWallet = maker.WalletID, taker.walletID
	}

	if err := db.Transfer(tx, sellerWallet, buyerWallet, e.instrument.ID, f.Qty); err != nil {
		return none, err
	}
	if err := db.Transfer(tx, buyerWallet, sellerWallet, quoteID, f.Qty*f.Price); err != nil {
		return none, err
	}

	trade := &model.Trade{
		InstrumentID: e.instrument.ID,
		WalletID:     sellerWallet,
		Amount:       f.Qty,
		Price:        f.Price,
	}
	if err := db.InsertTrade(tx, trade); err != nil {
		return none, err
	}

	if _, err := db.UpdateOrderFilled(tx, maker.OrderID, f.Qty); err != nil {
		return none, err
	}
	if _, err := db.UpdateOrderFilled(tx, taker.orderID, f.Qty); err != nil {
		return none, err
	}

	return model.TradeView{
		Ticker:    e.instrument.Ticker,
		Amount:    trade.Amount,
		Price:     trade.Price,
		Timestamp: trade.Timestamp,
	}, nil
}

// ── Cancellation ─────────────────────────────────────

func (e *InstrumentEngine) cancelOrder(orderID, userID uuid.UUID, enforceOwner bool) error {
	ctx := context.Background()
	quoteID, err := e.ensureQuote(ctx)
	if err != nil {
		return err
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	o, err := db.OrderForUpdate(tx, orderID)
	if err != nil {
		return err
	}
	if o == nil {
		return apperr.NotFound("Order")
	}
	if enforceOwner && o.UserID != userID {
		return apperr.E(apperr.KindAccessDenied, "can't cancel other user's order")
	}
	if o.OrderType == model.TypeMarket {
		return apperr.E(apperr.KindInvalidOrderState, "can't cancel market order")
	}
	if !o.Status.Active() {
		return apperr.E(apperr.KindInvalidOrderState, "can't cancel executed or cancelled order")
	}

	wallet, err := e.store.WalletByUserID(ctx, o.UserID)
	if err != nil {
		return err
	}
	if wallet == nil {
		return apperr.NotFound("Wallet")
	}

	remaining := o.Remaining()
	if o.Direction == model.Buy {
		err = db.Release(tx, wallet.ID, quoteID, remaining*o.Price)
	} else {
		err = db.Release(tx, wallet.ID, o.InstrumentID, remaining)
	}
	if err != nil {
		return err
	}
	if err := db.SetOrderStatus(tx, orderID, model.StatusCancelled); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}

	e.book.Remove(orderID)
	if e.publish != nil {
		bids, asks := e.book.Snapshot(20)
		e.publish(e.instrument.Ticker, "book_snapshot", model.BookSnapshot{BidLevels: bids, AskLevels: asks})
	}
	return nil
}

// drain cancels every resting order on behalf of its owner.
func (e *InstrumentEngine) drain() error {
	for _, entry := range e.book.Entries() {
		if err := e.cancelOrder(entry.OrderID, entry.UserID, false); err != nil {
			return fmt.Errorf("drain %s: %w", entry.OrderID, err)
		}
	}
	return nil
}

// ensureQuote resolves the cash instrument, caching its id.
func (e *InstrumentEngine) ensureQuote(ctx context.Context) (int64, error) {
	if e.quoteID != 0 {
		return e.quoteID, nil
	}
	quote, err := e.store.InstrumentByTicker(ctx, model.QuoteTicker)
	if err != nil {
		return 0, err
	}
	if quote == nil {
		return 0, apperr.E(apperr.KindInternal, "quote instrument not configured")
	}
	e.quoteID = quote.ID
	return e.quoteID, nil
}

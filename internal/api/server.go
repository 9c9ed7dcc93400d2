package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stock-exchange/internal/apperr"
	"stock-exchange/internal/db"
	"stock-exchange/internal/engine"
	"stock-exchange/internal/model"
	"stock-exchange/internal/ws"
)

var tickerRe = regexp.MustCompile(`^[A-Z]{2,10}$`)

type Server struct {
	store   *db.Store
	manager *engine.Manager
	hub     *ws.Hub
	timeout time.Duration
}

func NewServer(store *db.Store, mgr *engine.Manager, hub *ws.Hub, timeout time.Duration) *Server {
	return &Server{store: store, manager: mgr, hub: hub, timeout: timeout}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/public/register", s.register)
		r.Get("/public/instrument", s.listInstruments)
		r.Get("/public/orderbook/{ticker}", s.getOrderbook)
		r.Get("/public/transactions/{ticker}", s.getTransactions)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/balance", s.getBalances)

			r.Post("/order", s.placeOrder)
			r.Get("/order", s.listOrders)
			r.Get("/order/{id}", s.getOrder)
			r.Delete("/order/{id}", s.cancelOrder)

			r.Group(func(r chi.Router) {
				r.Use(s.adminOnly)
				r.Post("/admin/balance/deposit", s.deposit)
				r.Post("/admin/balance/withdraw", s.withdraw)
				r.Post("/admin/instrument", s.createInstrument)
				r.Delete("/admin/instrument/{ticker}", s.deleteInstrument)
				r.Delete("/admin/user/{id}", s.deleteUser)
			})
		})
	})

	return r
}

// ── Middleware ───────────────────────────────────────

type ctxKey string

const ctxUser ctxKey = "user"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "TOKEN ") {
			writeErr(w, apperr.E(apperr.KindInvalidAuthFormat, "Invalid authorization format"))
			return
		}
		key := strings.TrimPrefix(auth, "TOKEN ")
		user, err := s.store.UserByAPIKey(r.Context(), key)
		if err != nil {
			writeErr(w, err)
			return
		}
		if user == nil {
			writeErr(w, apperr.E(apperr.KindInvalidAPIKey, "Invalid API key"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUser, user)))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userFrom(r).Role != model.RoleAdmin {
			writeErr(w, apperr.E(apperr.KindAccessDenied, "Access denied: Admin rights required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// ── Public ───────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.E(apperr.KindValidation, "invalid json"))
		return
	}
	if len(req.Name) < 3 {
		writeErr(w, apperr.E(apperr.KindValidation, "name must be at least 3 characters"))
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) listInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.store.Instruments(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if instruments == nil {
		instruments = []model.Instrument{}
	}
	writeJSON(w, http.StatusOK, instruments)
}

func (s *Server) getOrderbook(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	instrument, err := s.store.InstrumentByTicker(r.Context(), ticker)
	if err != nil {
		writeErr(w, err)
		return
	}
	if instrument == nil {
		writeErr(w, apperr.NotFound("Instrument"))
		return
	}

	depth := queryLimit(r, 10, s.manager.DepthCap())
	eng := s.manager.Get(ticker)
	if eng == nil {
		writeJSON(w, http.StatusOK, model.BookSnapshot{BidLevels: []model.Level{}, AskLevels: []model.Level{}})
		return
	}
	writeJSON(w, http.StatusOK, eng.Snapshot(depth))
}

func (s *Server) getTransactions(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	instrument, err := s.store.InstrumentByTicker(r.Context(), ticker)
	if err != nil {
		writeErr(w, err)
		return
	}
	if instrument == nil {
		writeErr(w, apperr.NotFound("Instrument"))
		return
	}

	limit := queryLimit(r, 10, 200)
	trades, err := s.store.Trades(r.Context(), instrument.ID, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]model.TradeView, len(trades))
	for i, t := range trades {
		out[i] = model.TradeView{Ticker: ticker, Amount: t.Amount, Price: t.Price, Timestamp: t.Timestamp}
	}
	writeJSON(w, http.StatusOK, out)
}

// ── Balance ──────────────────────────────────────────

func (s *Server) getBalances(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	wallet, err := s.store.WalletByUserID(r.Context(), user.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if wallet == nil {
		writeErr(w, apperr.NotFound("Wallet"))
		return
	}
	balances, err := s.store.Balances(r.Context(), wallet.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// ── Orders ───────────────────────────────────────────

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	var req model.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.E(apperr.KindValidation, "invalid json"))
		return
	}
	if req.Direction != model.Buy && req.Direction != model.Sell {
		writeErr(w, apperr.E(apperr.KindValidation, "direction must be BUY or SELL"))
		return
	}
	if req.Qty < 1 {
		writeErr(w, apperr.E(apperr.KindValidation, "qty must be >= 1"))
		return
	}
	if req.Price != nil && *req.Price <= 0 {
		writeErr(w, apperr.E(apperr.KindValidation, "price must be > 0"))
		return
	}
	if !tickerRe.MatchString(req.Ticker) {
		writeErr(w, apperr.E(apperr.KindValidation, "ticker must match ^[A-Z]{2,10}$"))
		return
	}
	if req.Ticker == model.QuoteTicker {
		writeErr(w, apperr.E(apperr.KindValidation, "can't trade the quote instrument"))
		return
	}

	instrument, err := s.store.InstrumentByTicker(r.Context(), req.Ticker)
	if err != nil {
		writeErr(w, err)
		return
	}
	if instrument == nil {
		writeErr(w, apperr.NotFound("Instrument"))
		return
	}

	eng, err := s.manager.Ensure(r.Context(), *instrument)
	if err != nil {
		writeErr(w, err)
		return
	}
	orderID, err := eng.PlaceOrder(user.ID, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.PlaceOrderResponse{Success: true, OrderID: orderID})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	orders, err := s.store.UserOrders(r.Context(), user.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]model.OrderView, len(orders))
	for i, o := range orders {
		out[i] = model.ViewOf(o)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, apperr.E(apperr.KindValidation, "invalid order id"))
		return
	}
	order, err := s.store.OrderByID(r.Context(), orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if order == nil {
		writeErr(w, apperr.NotFound("Order"))
		return
	}
	if order.UserID != user.ID {
		writeErr(w, apperr.E(apperr.KindAccessDenied, "can't get other user's order"))
		return
	}
	writeJSON(w, http.StatusOK, model.ViewOf(*order))
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, apperr.E(apperr.KindValidation, "invalid order id"))
		return
	}
	order, err := s.store.OrderByID(r.Context(), orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if order == nil {
		writeErr(w, apperr.NotFound("Order"))
		return
	}
	if order.UserID != user.ID {
		writeErr(w, apperr.E(apperr.KindAccessDenied, "can't cancel other user's order"))
		return
	}

	eng := s.manager.Get(order.Ticker)
	if eng == nil {
		writeErr(w, apperr.NotFound("Instrument"))
		return
	}
	if err := eng.CancelOrder(orderID, user.ID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.SuccessResponse{Success: true})
}

// ── Admin ────────────────────────────────────────────

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	s.adjustBalance(w, r, false)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	s.adjustBalance(w, r, true)
}

func (s *Server) adjustBalance(w http.ResponseWriter, r *http.Request, withdraw bool) {
	var req model.BalanceChange
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.E(apperr.KindValidation, "invalid json"))
		return
	}
	if req.Amount <= 0 {
		writeErr(w, apperr.E(apperr.KindValidation, "amount must be > 0"))
		return
	}

	user, err := s.store.UserByID(r.Context(), req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if user == nil {
		writeErr(w, apperr.NotFound("User"))
		return
	}
	wallet, err := s.store.WalletByUserID(r.Context(), req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if wallet == nil {
		writeErr(w, apperr.NotFound("Wallet"))
		return
	}
	instrument, err := s.store.InstrumentByTicker(r.Context(), req.Ticker)
	if err != nil {
		writeErr(w, err)
		return
	}
	if instrument == nil {
		writeErr(w, apperr.NotFound("Instrument"))
		return
	}

	if withdraw {
		err = s.store.Withdraw(r.Context(), wallet.ID, instrument.ID, req.Amount)
	} else {
		err = s.store.Deposit(r.Context(), wallet.ID, instrument.ID, req.Amount)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.SuccessResponse{Success: true})
}

func (s *Server) createInstrument(w http.ResponseWriter, r *http.Request) {
	var req model.InstrumentCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.E(apperr.KindValidation, "invalid json"))
		return
	}
	if req.Name == "" {
		writeErr(w, apperr.E(apperr.KindValidation, "name is required"))
		return
	}
	if !tickerRe.MatchString(req.Ticker) {
		writeErr(w, apperr.E(apperr.KindValidation, "ticker must match ^[A-Z]{2,10}$"))
		return
	}

	instrument, err := s.store.CreateInstrument(r.Context(), req.Name, req.Ticker)
	if err != nil {
		writeErr(w, err)
		return
	}
	if instrument.Ticker != model.QuoteTicker {
		if err := s.manager.Start(r.Context(), *instrument); err != nil {
			log.Error().Err(err).Str("ticker", instrument.Ticker).Msg("start engine")
		}
	}
	writeJSON(w, http.StatusOK, model.SuccessResponse{Success: true})
}

func (s *Server) deleteInstrument(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	instrument, err := s.store.InstrumentByTicker(r.Context(), ticker)
	if err != nil {
		writeErr(w, err)
		return
	}
	if instrument == nil {
		writeErr(w, apperr.NotFound("Instrument"))
		return
	}

	// Cancel resting orders first so reservations are released; only then
	// let the FK cascade take the rows.
	if eng := s.manager.Get(ticker); eng != nil {
		if err := eng.Drain(); err != nil {
			writeErr(w, err)
			return
		}
		s.manager.Stop(ticker)
	}
	if err := s.store.DeleteInstrument(r.Context(), ticker); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.SuccessResponse{Success: true})
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, apperr.E(apperr.KindValidation, "invalid user id"))
		return
	}
	user, err := s.store.UserByID(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if user == nil {
		writeErr(w, apperr.NotFound("User"))
		return
	}

	// Cancel the user's resting orders through their engines so book
	// entries and reservations go together; the cascade then removes the
	// wallet and what is left.
	open, err := s.store.OpenOrdersByUser(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	for _, o := range open {
		if eng := s.manager.Get(o.Ticker); eng != nil {
			if err := eng.CancelOrder(o.ID, userID); err != nil {
				writeErr(w, err)
				return
			}
		}
	}
	if err := s.store.DeleteUser(r.Context(), userID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ── Helpers ──────────────────────────────────────────

func userFrom(r *http.Request) *model.User {
	return r.Context().Value(ctxUser).(*model.User)
}

func queryLimit(r *http.Request, def, max int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		if n > max {
			return max
		}
		return n
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		log.Error().Err(err).Msg("internal error")
	}
	writeJSON(w, apperr.HTTPStatus(kind), map[string]string{"detail": apperr.Detail(err)})
}

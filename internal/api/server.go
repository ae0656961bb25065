package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"outcome-exchange/internal/config"
	"outcome-exchange/internal/db"
	"outcome-exchange/internal/engine"
	"outcome-exchange/internal/model"
	"outcome-exchange/internal/ws"
)

type Server struct {
	store  *db.Store
	eng    *engine.Engine
	hub    *ws.Hub
	secret []byte
	cfg    *config.Config
}

func NewServer(store *db.Store, eng *engine.Engine, hub *ws.Hub, cfg *config.Config) *Server {
	return &Server{store: store, eng: eng, hub: hub, secret: []byte(cfg.JWTSecret), cfg: cfg}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	// Health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	// Auth (public)
	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	// WebSocket
	r.Get("/ws", s.hub.HandleWS)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Wallet
		r.Get("/api/wallet", s.getWallet)
		r.Post("/api/wallet/transfer", s.transfer)

		// Faucet
		r.Post("/api/faucet/claim", s.claimFaucet)
		r.Get("/api/faucet", s.getFaucet)

		// Markets
		r.Get("/api/markets", s.listMarkets)
		r.Post("/api/markets", s.createMarket)
		r.Get("/api/markets/{id}", s.getMarket)
		r.Get("/api/markets/{id}/orders", s.listOrders)
		r.Post("/api/markets/{id}/stake", s.stake)
		r.Post("/api/markets/{id}/orders", s.createOrder)
		r.Post("/api/markets/{id}/settle", s.settleMarket)
		r.Post("/api/markets/{id}/cancel", s.cancelMarket)
		r.Post("/api/markets/{id}/claim", s.claimReward)

		// Orders
		r.Post("/api/orders/{id}/fill", s.fillOrder)
		r.Delete("/api/orders/{id}", s.cancelOrder)

		// Positions
		r.Get("/api/positions", s.listPositions)

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/withdraw", s.adminWithdraw)
			r.Get("/api/admin/users", s.listUsers)
			r.Get("/api/admin/events", s.listEvents)
			r.Get("/api/admin/metrics", s.metrics)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required")
		return
	}

	existing, _ := s.store.GetUserByEmail(r.Context(), req.Email)
	if existing != nil {
		jsonErr(w, 409, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}

	user, err := s.store.CreateUser(r.Context(), uuid.New().String(), req.Email, string(hash), model.RoleUser)
	if err != nil {
		jsonErr(w, 500, "create user failed: "+err.Error())
		return
	}

	token := s.makeToken(user.ID, user.Role)
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || user == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}

	token := s.makeToken(user.ID, user.Role)
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) makeToken(userID string, role model.Role) string {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(72 * time.Hour).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxAccount ctxKey = "account"
	ctxRole    ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		sub, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxAccount, model.Account(sub))
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) model.Account {
	acct, _ := r.Context().Value(ctxAccount).(model.Account)
	return acct
}

// ── Wallet / Faucet ──────────────────────────────────

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	acct := caller(r)
	json200(w, map[string]any{"account": acct, "balance": s.eng.BalanceOf(acct)})
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	var req model.TransferReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.To == "" {
		jsonErr(w, 400, "to required")
		return
	}
	if err := s.eng.Transfer(caller(r), req.To, req.Amount); err != nil {
		engineErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "transferred"})
}

func (s *Server) claimFaucet(w http.ResponseWriter, r *http.Request) {
	acct := caller(r)
	claims, ok, err := s.store.ClaimFaucet(r.Context(), string(acct), s.cfg.FaucetMaxClaims)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if !ok {
		jsonErr(w, 409, "maximum faucet claims reached")
		return
	}
	if err := s.eng.Mint(acct, s.cfg.FaucetAmount); err != nil {
		engineErr(w, err)
		return
	}
	json200(w, map[string]any{
		"amount":           s.cfg.FaucetAmount,
		"remaining_claims": s.cfg.FaucetMaxClaims - claims,
	})
}

func (s *Server) getFaucet(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), string(caller(r)))
	if err != nil || user == nil {
		jsonErr(w, 404, "user not found")
		return
	}
	json200(w, map[string]any{
		"claim_amount":     s.cfg.FaucetAmount,
		"remaining_claims": s.cfg.FaucetMaxClaims - user.FaucetClaims,
	})
}

// ── Markets ──────────────────────────────────────────

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	json200(w, s.eng.ListMarkets())
}

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var req model.CreateMarketReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Name == "" {
		jsonErr(w, 400, "name required")
		return
	}
	mkt, err := s.eng.CreateMarket(caller(r), req.Name, req.Description, req.Options,
		time.Duration(req.DurationSeconds)*time.Second, req.BaseReward)
	if err != nil {
		engineErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(mkt)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	mkt, err := s.eng.GetMarket(id)
	if err != nil {
		engineErr(w, err)
		return
	}
	json200(w, mkt)
}

func (s *Server) stake(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req model.StakeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if err := s.eng.Stake(caller(r), id, req.OptionIndex, req.Amount); err != nil {
		engineErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "staked"})
}

func (s *Server) settleMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req model.SettleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if err := s.eng.Settle(caller(r), id, req.WinningOption); err != nil {
		engineErr(w, err)
		return
	}
	json200(w, map[string]any{"status": "settled", "winning_option": req.WinningOption})
}

func (s *Server) cancelMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	if err := s.eng.CancelMarket(caller(r), id); err != nil {
		engineErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "cancelled"})
}

func (s *Server) claimReward(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req model.ClaimReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	payout, err := s.eng.ClaimReward(caller(r), id, req.OptionIndex)
	if err != nil {
		engineErr(w, err)
		return
	}
	json200(w, map[string]any{"status": "claimed", "payout": payout})
}

// ── Orders ───────────────────────────────────────────

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	orders, err := s.eng.OrdersForMarket(id)
	if err != nil {
		engineErr(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	json200(w, orders)
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req model.CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	order, err := s.eng.CreateOrder(caller(r), id, req.OptionIndex, req.Amount, req.Price)
	if err != nil {
		engineErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(order)
}

func (s *Server) fillOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	if err := s.eng.FillOrder(caller(r), id); err != nil {
		engineErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "filled"})
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	if err := s.eng.CancelOrder(caller(r), id); err != nil {
		engineErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "cancelled"})
}

// ── Positions ────────────────────────────────────────

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.eng.PositionsOf(caller(r))
	if positions == nil {
		positions = []model.Position{}
	}
	json200(w, positions)
}

// ── Admin ────────────────────────────────────────────

func (s *Server) adminWithdraw(w http.ResponseWriter, r *http.Request) {
	var req model.WithdrawReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	withdrawn, err := s.eng.AdminWithdraw(caller(r), req.Amount)
	if err != nil {
		engineErr(w, err)
		return
	}
	json200(w, map[string]any{"status": "withdrawn", "amount": withdrawn})
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	type userRow struct {
		ID           string    `json:"id"`
		Email        string    `json:"email"`
		Role         string    `json:"role"`
		FaucetClaims int       `json:"faucet_claims"`
		CreatedAt    time.Time `json:"created_at"`
		Balance      int64     `json:"balance"`
	}
	out := make([]userRow, len(users))
	for i, u := range users {
		out[i] = userRow{
			ID: u.ID, Email: u.Email, Role: string(u.Role),
			FaucetClaims: u.FaucetClaims, CreatedAt: u.CreatedAt,
			Balance: s.eng.BalanceOf(model.Account(u.ID)),
		}
	}
	json200(w, out)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	limit := 100
	if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 500 {
		limit = n
	}
	var mp *uint64
	if idStr := r.URL.Query().Get("market_id"); idStr != "" {
		if id, err := strconv.ParseUint(idStr, 10, 64); err == nil {
			mp = &id
		}
	}
	events, err := s.store.ListEvents(r.Context(), mp, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if events == nil {
		events = []model.EventLog{}
	}
	json200(w, events)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	stats := s.eng.Stats()
	json200(w, map[string]any{
		"minted":    stats.Minted,
		"balances":  stats.Balances,
		"pools":     stats.Pools,
		"treasury":  stats.Treasury,
		"markets":   stats.Markets,
		"orders":    stats.Orders,
		"conserved": stats.Conserved(),
	})
}

// ── Helpers ──────────────────────────────────────────

func marketID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonErr(w, 400, "invalid market id")
		return 0, false
	}
	return id, true
}

func orderID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonErr(w, 400, "invalid order id")
		return 0, false
	}
	return id, true
}

// engineErr maps engine error kinds to HTTP statuses: 404 for unknown
// references, 403 for authorization, 400 for malformed input or ledger
// guards, 409 for state-machine and policy conflicts.
func engineErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		jsonErr(w, 404, err.Error())
	case errors.Is(err, engine.ErrUnauthorized):
		jsonErr(w, 403, err.Error())
	case errors.Is(err, engine.ErrInvalidOptions),
		errors.Is(err, engine.ErrInvalidDuration),
		errors.Is(err, engine.ErrInvalidOption),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInsufficientBalance),
		errors.Is(err, engine.ErrBelowMinimum),
		errors.Is(err, engine.ErrInsufficientPosition):
		jsonErr(w, 400, err.Error())
	default:
		jsonErr(w, 409, err.Error())
	}
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Package api is the REST surface (spec §6): request attribution via a JWT
// bearer token, JSON bodies, one route per RPC endpoint named in §6.
// Grounded in the teacher's chi router + bcrypt/JWT auth boundary
// (internal/api/server.go), generalized from wallet/market handlers to the
// trading core's submit/cancel/book/ticker/orders/balances/ledger surface.
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
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"spotexchange/internal/engine"
	"spotexchange/internal/ledger"
	"spotexchange/internal/model"
	"spotexchange/internal/query"
	"spotexchange/internal/store"
	"spotexchange/internal/wsapi"
)

type Server struct {
	store   *store.Store
	ledger  *ledger.Ledger
	manager *engine.Manager
	query   *query.Query
	hub     *wsapi.Hub
	log     zerolog.Logger
	secret  []byte
}

func NewServer(st *store.Store, lg *ledger.Ledger, mgr *engine.Manager, q *query.Query, hub *wsapi.Hub, jwtSecret string, log zerolog.Logger) *Server {
	return &Server{
		store: st, ledger: lg, manager: mgr, query: q, hub: hub,
		log:    log.With().Str("component", "api").Logger(),
		secret: []byte(jwtSecret),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	r.Get("/ws", s.hub.ServeHTTP)

	// Public market-data reads need no principal.
	r.Get("/api/orderbook/{base}/{quote}", s.getOrderBook)
	r.Get("/api/ticker/{base}/{quote}", s.getTicker)
	r.Get("/api/pairs", s.listPairs)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/api/orders", s.submitOrder)
		r.Delete("/api/orders/{id}", s.cancelOrder)
		r.Get("/api/orders", s.listOrders)

		r.Get("/api/balances", s.listBalances)
		r.Get("/api/ledger", s.ledgerHistory)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Username == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "username and password (min 6 chars) required")
		return
	}

	existing, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		jsonErr(w, 503, "store unavailable")
		return
	}
	if existing != nil {
		jsonErr(w, 409, "username already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}

	u := &model.User{ID: uuid.New().String(), Username: req.Username, PasswordHash: string(hash), CreatedAt: time.Now()}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		jsonErr(w, 500, "create user failed: "+err.Error())
		return
	}

	json200(w, map[string]any{"user": u, "token": s.makeToken(u.ID)})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	u, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil || u == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}

	json200(w, map[string]any{"user": u, "token": s.makeToken(u.ID)})
}

func (s *Server) makeToken(userID string) string {
	claims := jwt.MapClaims{"sub": userID, "exp": time.Now().Add(72 * time.Hour).Unix()}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ───────────────────────────────────────

type ctxKey string

const ctxUserID ctxKey = "userID"

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
		userID, _ := claims["sub"].(string)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUserID, userID)))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	v, _ := r.Context().Value(ctxUserID).(string)
	return v
}

// ── Orders ───────────────────────────────────────────

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	res, err := s.manager.Submit(r.Context(), userID(r), req)
	if err != nil {
		s.writeTradingError(w, err)
		return
	}
	json200(w, res)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.manager.Cancel(r.Context(), userID(r), id)
	if err != nil {
		s.writeTradingError(w, err)
		return
	}
	json200(w, map[string]any{"status": status})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pg := pagination(q)
	orders, err := s.query.UserOrders(r.Context(), userID(r), q.Get("pair"), q.Get("status"), pg)
	if err != nil {
		jsonErr(w, 503, err.Error())
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	json200(w, orders)
}

// ── Market data ──────────────────────────────────────

func (s *Server) getOrderBook(w http.ResponseWriter, r *http.Request) {
	pair := chi.URLParam(r, "base") + "/" + chi.URLParam(r, "quote")
	depth := 20
	if d, err := strconv.Atoi(r.URL.Query().Get("depth")); err == nil && d > 0 {
		depth = d
	}
	snap, err := s.query.BookSnapshot(r.Context(), pair, depth)
	if err != nil {
		s.writeTradingError(w, err)
		return
	}
	json200(w, snap)
}

func (s *Server) getTicker(w http.ResponseWriter, r *http.Request) {
	pair := chi.URLParam(r, "base") + "/" + chi.URLParam(r, "quote")
	stats, err := s.query.PairStats(r.Context(), pair)
	if err != nil {
		s.writeTradingError(w, err)
		return
	}
	json200(w, stats)
}

func (s *Server) listPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.store.ListActivePairs(r.Context())
	if err != nil {
		jsonErr(w, 503, err.Error())
		return
	}
	json200(w, pairs)
}

// ── Balances / ledger ────────────────────────────────

func (s *Server) listBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.query.Balances(r.Context(), userID(r))
	if err != nil {
		jsonErr(w, 503, err.Error())
		return
	}
	json200(w, balances)
}

func (s *Server) ledgerHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pg := pagination(q)
	entries, err := s.query.LedgerHistory(r.Context(), userID(r), q.Get("asset"), q.Get("kind"), pg)
	if err != nil {
		jsonErr(w, 503, err.Error())
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	json200(w, entries)
}

// ── Helpers ──────────────────────────────────────────

func pagination(q interface{ Get(string) string }) store.Pagination {
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	return store.Pagination{Page: page, PageSize: pageSize}
}

// writeTradingError maps an engine.TradingError's Kind to an HTTP status
// (spec §7: "the API layer maps Kind to an HTTP status once, centrally").
func (s *Server) writeTradingError(w http.ResponseWriter, err error) {
	var te *engine.TradingError
	if !errors.As(err, &te) {
		jsonErr(w, 500, err.Error())
		return
	}
	switch te.Kind {
	case engine.KindValidation, engine.KindInsufficientAvailable, engine.KindInsufficientLocked, engine.KindNoLiquidity:
		jsonErr(w, 400, te.Message)
	case engine.KindNotFound:
		jsonErr(w, 404, te.Message)
	case engine.KindLedgerInconsistent:
		s.log.Error().Str("kind", te.Kind).Msg(te.Message)
		jsonErr(w, 500, "internal error")
	case engine.KindUnavailable:
		jsonErr(w, 503, te.Message)
	default:
		jsonErr(w, 500, te.Message)
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

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/dexlabs/tokendex/pkg/crypto"
	"github.com/dexlabs/tokendex/pkg/exchange"
	"github.com/dexlabs/tokendex/pkg/token"
)

// Server exposes the exchange engine over REST and WebSocket.
type Server struct {
	engine *exchange.Engine
	tokens *token.Registry
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger

	// requireSigs forces every mutation to carry a valid signature from
	// the account it acts on, with a strictly increasing nonce.
	requireSigs bool

	nonceMu sync.Mutex
	nonces  map[common.Address]uint64
}

type Options struct {
	RequireSignatures bool
	Logger            *zap.SugaredLogger
}

func NewServer(engine *exchange.Engine, tokens *token.Registry, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	s := &Server{
		engine:      engine,
		tokens:      tokens,
		router:      mux.NewRouter(),
		hub:         NewHub(opts.Logger),
		log:         opts.Logger,
		requireSigs: opts.RequireSignatures,
		nonces:      make(map[common.Address]uint64),
	}

	engine.SetEventSink(s.broadcastEvent)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Queries
	api.HandleFunc("/tokens", s.handleGetTokens).Methods("GET")
	api.HandleFunc("/exchange", s.handleGetExchange).Methods("GET")
	api.HandleFunc("/balances/{token}/{user}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")

	// Mutations
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/orders", s.handleMakeOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/fill", s.handleFillOrder).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Router returns the HTTP handler without the CORS wrapper, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the hub and serves HTTP until the listener fails.
func (s *Server) Start(addr string, origins []string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// broadcastEvent is the engine's event sink: every committed record goes
// to the firehose channel and to a kind-specific channel.
func (s *Server) broadcastEvent(ev exchange.Event) {
	record, err := json.Marshal(ev)
	if err != nil {
		s.log.Errorw("event_marshal_failed", "err", err)
		return
	}
	kind := string(ev.Kind())
	s.hub.BroadcastToChannel("events", WSEventMessage{Channel: "events", Kind: kind, Record: record})
	s.hub.BroadcastToChannel(kind, WSEventMessage{Channel: kind, Kind: kind, Record: record})
}

// ==============================
// Query handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	toks := s.tokens.Tokens()
	response := make([]TokenInfo, len(toks))
	for i, t := range toks {
		response[i] = TokenInfo{
			Address:     t.Address().Hex(),
			Name:        t.Name(),
			Symbol:      t.Symbol(),
			Decimals:    t.Decimals(),
			TotalSupply: t.TotalSupply().String(),
		}
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ExchangeInfo{
		FeeAccount: s.engine.FeeAccount().Hex(),
		FeePercent: s.engine.FeePercent(),
		OrderCount: s.engine.OrderCount(),
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tok, err := parseAddress(vars["token"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_token", err.Error())
		return
	}
	user, err := parseAddress(vars["user"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_user", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, BalanceInfo{
		Token:   tok.Hex(),
		User:    user.Hex(),
		Balance: s.engine.BalanceOf(tok, user).String(),
	})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	var userFilter *common.Address
	if v := r.URL.Query().Get("user"); v != "" {
		addr, err := parseAddress(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_user", err.Error())
			return
		}
		userFilter = &addr
	}
	statusFilter := r.URL.Query().Get("status")

	response := make([]OrderInfo, 0)
	for _, o := range s.engine.Orders() {
		if userFilter != nil && o.User != *userFilter {
			continue
		}
		if statusFilter != "" && o.Status() != statusFilter {
			continue
		}
		response = append(response, orderInfo(o))
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	o, err := s.engine.Order(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orderInfo(o))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	response := make([]TradeInfo, 0)
	for _, ev := range s.engine.Events() {
		trade, ok := ev.(*exchange.TradeEvent)
		if !ok {
			continue
		}
		response = append(response, TradeInfo{
			OrderID:    trade.ID,
			Taker:      trade.User.Hex(),
			Maker:      trade.Creator.Hex(),
			TokenGet:   trade.TokenGet.Hex(),
			AmountGet:  trade.AmountGet.String(),
			TokenGive:  trade.TokenGive.Hex(),
			AmountGive: trade.AmountGive.String(),
			Timestamp:  trade.Timestamp,
		})
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	events := s.engine.Events()
	response := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		data, err := exchange.EncodeEvent(ev)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "encode_failed", err.Error())
			return
		}
		response = append(response, data)
	}
	respondJSON(w, http.StatusOK, response)
}

// ==============================
// Mutation handlers
// ==============================

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	tok, user, amount, err := parseTransfer(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	digest := crypto.DepositDigest(tok, user, amount, req.Nonce)
	if err := s.checkAuth(user, digest, req.Nonce, req.Signature); err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized_request", err.Error())
		return
	}

	if err := s.engine.Deposit(tok, user, amount); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, BalanceInfo{
		Token:   tok.Hex(),
		User:    user.Hex(),
		Balance: s.engine.BalanceOf(tok, user).String(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	tok, user, amount, err := parseTransfer(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	digest := crypto.WithdrawDigest(tok, user, amount, req.Nonce)
	if err := s.checkAuth(user, digest, req.Nonce, req.Signature); err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized_request", err.Error())
		return
	}

	if err := s.engine.Withdraw(tok, user, amount); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, BalanceInfo{
		Token:   tok.Hex(),
		User:    user.Hex(),
		Balance: s.engine.BalanceOf(tok, user).String(),
	})
}

func (s *Server) handleMakeOrder(w http.ResponseWriter, r *http.Request) {
	var req MakeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	user, err := parseAddress(req.User)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_user", err.Error())
		return
	}
	tokenGet, err := parseAddress(req.TokenGet)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_token", err.Error())
		return
	}
	tokenGive, err := parseAddress(req.TokenGive)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_token", err.Error())
		return
	}
	amountGet, err := parseAmount(req.AmountGet)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}
	amountGive, err := parseAmount(req.AmountGive)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}

	digest := crypto.MakeOrderDigest(user, tokenGet, amountGet, tokenGive, amountGive, req.Nonce)
	if err := s.checkAuth(user, digest, req.Nonce, req.Signature); err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized_request", err.Error())
		return
	}

	id, err := s.engine.MakeOrder(user, tokenGet, amountGet, tokenGive, amountGive)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, OrderCreatedResponse{ID: id})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	s.handleOrderAction(w, r, "cancel")
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	s.handleOrderAction(w, r, "fill")
}

func (s *Server) handleOrderAction(w http.ResponseWriter, r *http.Request, action string) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)

	var req OrderActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	user, err := parseAddress(req.User)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_user", err.Error())
		return
	}

	var digest []byte
	if action == "cancel" {
		digest = crypto.CancelOrderDigest(user, id, req.Nonce)
	} else {
		digest = crypto.FillOrderDigest(user, id, req.Nonce)
	}
	if err := s.checkAuth(user, digest, req.Nonce, req.Signature); err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized_request", err.Error())
		return
	}

	if action == "cancel" {
		err = s.engine.CancelOrder(user, id)
	} else {
		err = s.engine.FillOrder(user, id)
	}
	if err != nil {
		respondEngineError(w, err)
		return
	}

	o, err := s.engine.Order(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orderInfo(o))
}

// checkAuth verifies a request signature when present, and demands one
// when the server is configured to. Nonces must strictly increase per
// address so a captured signature cannot be replayed.
func (s *Server) checkAuth(user common.Address, digest []byte, nonce uint64, sigHex string) error {
	if sigHex == "" {
		if s.requireSigs {
			return fmt.Errorf("signature required")
		}
		return nil
	}

	sig := common.FromHex(sigHex)
	if !crypto.Verify(user, digest, sig) {
		return fmt.Errorf("signature does not match %s", user.Hex())
	}

	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	if nonce <= s.nonces[user] {
		return fmt.Errorf("stale nonce %d (last %d)", nonce, s.nonces[user])
	}
	s.nonces[user] = nonce
	return nil
}

// ==============================
// Helpers
// ==============================

func orderInfo(o *exchange.Order) OrderInfo {
	return OrderInfo{
		ID:         o.ID,
		User:       o.User.Hex(),
		TokenGet:   o.TokenGet.Hex(),
		AmountGet:  o.AmountGet.String(),
		TokenGive:  o.TokenGive.Hex(),
		AmountGive: o.AmountGive.String(),
		Timestamp:  o.Timestamp,
		Status:     o.Status(),
	}
}

func parseTransfer(req TransferRequest) (tok, user common.Address, amount *big.Int, err error) {
	if tok, err = parseAddress(req.Token); err != nil {
		return
	}
	if user, err = parseAddress(req.User); err != nil {
		return
	}
	amount, err = parseAmount(req.Amount)
	return
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address: %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", s)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %q", s)
	}
	return amount, nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, kind, detail string) {
	respondJSON(w, status, ErrorResponse{Error: kind, Detail: detail})
}

// respondEngineError maps the engine's error taxonomy onto HTTP statuses.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exchange.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, exchange.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, exchange.ErrAlreadyFinalized):
		respondError(w, http.StatusConflict, "already_finalized", err.Error())
	case errors.Is(err, exchange.ErrInsufficientBalance):
		respondError(w, http.StatusUnprocessableEntity, "insufficient_balance", err.Error())
	case errors.Is(err, exchange.ErrTransferFailed):
		respondError(w, http.StatusUnprocessableEntity, "transfer_failed", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
	}
}

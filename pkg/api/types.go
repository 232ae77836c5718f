package api

import "encoding/json"

// Wire types for REST endpoints and WebSocket messages. Token amounts are
// base-10 strings end to end so arbitrary-precision values survive JSON.

// ==============================
// REST response types
// ==============================

type TokenInfo struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"totalSupply"`
}

type BalanceInfo struct {
	Token   string `json:"token"`
	User    string `json:"user"`
	Balance string `json:"balance"`
}

type OrderInfo struct {
	ID         uint64 `json:"id"`
	User       string `json:"user"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"`
}

type TradeInfo struct {
	OrderID    uint64 `json:"orderId"`
	Taker      string `json:"taker"`
	Maker      string `json:"maker"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	Timestamp  int64  `json:"timestamp"`
}

type ExchangeInfo struct {
	FeeAccount string `json:"feeAccount"`
	FeePercent uint64 `json:"feePercent"`
	OrderCount uint64 `json:"orderCount"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// ==============================
// REST request types
// ==============================

// TransferRequest submits a deposit or withdrawal. Nonce and Signature are
// required when the server enforces signed requests.
type TransferRequest struct {
	Token     string `json:"token"`
	User      string `json:"user"`
	Amount    string `json:"amount"`
	Nonce     uint64 `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"` // hex, 65 bytes
}

type MakeOrderRequest struct {
	User       string `json:"user"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	Nonce      uint64 `json:"nonce,omitempty"`
	Signature  string `json:"signature,omitempty"`
}

// OrderActionRequest targets an existing order (cancel or fill); the order
// id comes from the URL.
type OrderActionRequest struct {
	User      string `json:"user"`
	Nonce     uint64 `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type OrderCreatedResponse struct {
	ID uint64 `json:"id"`
}

// ==============================
// WebSocket types
// ==============================

type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSEventMessage wraps one committed engine event for subscribers.
type WSEventMessage struct {
	Channel string          `json:"channel"`
	Kind    string          `json:"kind"`
	Record  json.RawMessage `json:"record"`
}

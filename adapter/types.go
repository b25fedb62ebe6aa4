package ctrader

import (
	"fmt"
	"strings"
)

// PayloadType is the numeric code carried in every envelope's payloadType field.
// The set is closed: codes outside it still decode, but IsKnown reports false.
type PayloadType int

const (
	// Core communication
	PayloadHeartbeatEvent PayloadType = 51
	PayloadErrorRes       PayloadType = 2142
	PayloadSymbolsListReq PayloadType = 2114
	PayloadSymbolsListRes PayloadType = 2115

	// Application and account authentication
	PayloadApplicationAuthReq PayloadType = 2100
	PayloadApplicationAuthRes PayloadType = 2101
	PayloadAccountAuthReq     PayloadType = 2102
	PayloadAccountAuthRes     PayloadType = 2103

	// Account listing
	PayloadGetAccountsByAccessTokenReq PayloadType = 2149
	PayloadGetAccountsByAccessTokenRes PayloadType = 2150

	// Trading operations
	PayloadNewOrderReq            PayloadType = 2106
	PayloadAmendPositionSLTPReq   PayloadType = 2110
	PayloadClosePositionReq       PayloadType = 2111
	PayloadAccountDisconnectEvent PayloadType = 2164

	// Trading events
	PayloadOrderErrorEvent PayloadType = 2132
	PayloadExecutionEvent  PayloadType = 2126
)

var payloadTypeNames = map[PayloadType]string{
	PayloadHeartbeatEvent:              "PROTO_HEARTBEAT_EVENT",
	PayloadErrorRes:                    "PROTO_OA_ERROR_RES",
	PayloadSymbolsListReq:              "PROTO_OA_SYMBOLS_LIST_REQ",
	PayloadSymbolsListRes:              "PROTO_OA_SYMBOLS_LIST_RES",
	PayloadApplicationAuthReq:          "PROTO_OA_APPLICATION_AUTH_REQ",
	PayloadApplicationAuthRes:          "PROTO_OA_APPLICATION_AUTH_RES",
	PayloadAccountAuthReq:              "PROTO_OA_ACCOUNT_AUTH_REQ",
	PayloadAccountAuthRes:              "PROTO_OA_ACCOUNT_AUTH_RES",
	PayloadGetAccountsByAccessTokenReq: "PROTO_OA_GET_ACCOUNTS_BY_ACCESS_TOKEN_REQ",
	PayloadGetAccountsByAccessTokenRes: "PROTO_OA_GET_ACCOUNTS_BY_ACCESS_TOKEN_RES",
	PayloadNewOrderReq:                 "PROTO_OA_NEW_ORDER_REQ",
	PayloadAmendPositionSLTPReq:        "PROTO_OA_AMEND_POSITION_SLTP_REQ",
	PayloadClosePositionReq:            "PROTO_OA_CLOSE_POSITION_REQ",
	PayloadAccountDisconnectEvent:      "PROTO_OA_ACCOUNT_DISCONNECT_EVENT",
	PayloadOrderErrorEvent:             "PROTO_OA_ORDER_ERROR_EVENT",
	PayloadExecutionEvent:              "PROTO_OA_EXECUTION_EVENT",
}

// IsKnown reports whether the code belongs to the registry.
func (p PayloadType) IsKnown() bool {
	_, ok := payloadTypeNames[p]
	return ok
}

func (p PayloadType) String() string {
	if name, ok := payloadTypeNames[p]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_PAYLOAD_TYPE(%d)", int(p))
}

// LotSize converts a trade size tier into the protocol's volume field.
// The API expresses volume in 0.01 of a unit (actual units * 100).
type LotSize int64

const (
	StandardLot LotSize = 10_000_000
	MiniLot     LotSize = 1_000_000
	MicroLot    LotSize = 100_000
	NanoLot     LotSize = 10_000
)

// ParseLotSize maps a configuration name ("nano", "micro", "mini", "standard") to its LotSize.
func ParseLotSize(name string) (LotSize, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "standard":
		return StandardLot, nil
	case "mini":
		return MiniLot, nil
	case "", "micro":
		return MicroLot, nil
	case "nano":
		return NanoLot, nil
	default:
		return 0, fmt.Errorf("unknown lot size %q (must be nano, micro, mini or standard)", name)
	}
}

// TradeSide is the direction of a new order
type TradeSide string

const (
	Buy  TradeSide = "BUY"
	Sell TradeSide = "SELL"
)

// ExecutionType as reported in execution events
type ExecutionType int

const (
	ExecutionAccepted  ExecutionType = 2
	ExecutionFilled    ExecutionType = 3
	ExecutionCancelled ExecutionType = 5
)

// PositionStatus is the remote lifecycle code of a position
type PositionStatus int

const (
	PositionOpen   PositionStatus = 1
	PositionClosed PositionStatus = 2
)

// OrderTypeMarket is the only order type this client submits.
const OrderTypeMarket = "MARKET"

// ForexPairs is the whitelist of currency pairs whose symbol ids are tracked.
var ForexPairs = []string{
	"CADJPY",
	"GBPCAD",
	"EURUSD",
	"GBPUSD",
	"GBPJPY",
	"EURCAD",
	"NZDJPY",
	"EURJPY",
	"AUDJPY",
	"USDJPY",
	"NZDCAD",
	"NZDUSD",
	"AUDUSD",
	"GBPAUD",
}

var forexPairSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(ForexPairs))
	for _, pair := range ForexPairs {
		set[pair] = struct{}{}
	}
	return set
}()

// IsWhitelistedPair reports whether name is one of ForexPairs.
func IsWhitelistedPair(name string) bool {
	_, ok := forexPairSet[name]
	return ok
}

// NormalizeSymbolName strips the separators traders commonly use ("EUR/USD", "EUR-USD").
func NormalizeSymbolName(name string) string {
	return strings.NewReplacer("/", "", "-", "").Replace(name)
}

// ============================================================================
// Inbound payloads. Only the fields the session reads are modelled.
// ============================================================================

// TraderAccount is one entry of the accounts-by-token response
type TraderAccount struct {
	CtidTraderAccountID int64 `json:"ctidTraderAccountId"`
	IsLive              bool  `json:"isLive"`
	TraderLogin         int64 `json:"traderLogin,omitempty"`
}

// AccountsByAccessTokenRes is the payload of PayloadGetAccountsByAccessTokenRes
type AccountsByAccessTokenRes struct {
	AccessToken       string          `json:"accessToken,omitempty"`
	CtidTraderAccount []TraderAccount `json:"ctidTraderAccount"`
}

// AccountAuthRes is the payload of PayloadAccountAuthRes
type AccountAuthRes struct {
	CtidTraderAccountID *int64 `json:"ctidTraderAccountId,omitempty"`
}

// LightSymbol is one entry of the symbols-list response
type LightSymbol struct {
	SymbolID   int64  `json:"symbolId"`
	SymbolName string `json:"symbolName"`
	Enabled    bool   `json:"enabled,omitempty"`
}

// SymbolsListRes is the payload of PayloadSymbolsListRes
type SymbolsListRes struct {
	CtidTraderAccountID int64         `json:"ctidTraderAccountId,omitempty"`
	Symbol              []LightSymbol `json:"symbol"`
}

// ErrorRes is the payload of PayloadErrorRes
type ErrorRes struct {
	CtidTraderAccountID *int64 `json:"ctidTraderAccountId,omitempty"`
	ErrorCode           string `json:"errorCode"`
	Description         string `json:"description"`
}

// OrderErrorEvent is the payload of PayloadOrderErrorEvent
type OrderErrorEvent struct {
	CtidTraderAccountID int64  `json:"ctidTraderAccountId,omitempty"`
	ErrorCode           string `json:"errorCode"`
	OrderID             *int64 `json:"orderId,omitempty"`
	PositionID          *int64 `json:"positionId,omitempty"`
	Description         string `json:"description"`
}

// ClosePositionDetail carries the realized amounts of a closing deal, in cents
type ClosePositionDetail struct {
	GrossProfit int64 `json:"grossProfit"`
	Commission  int64 `json:"commission"`
	Swap        int64 `json:"swap,omitempty"`
	Balance     int64 `json:"balance,omitempty"`
}

// Deal is the fill information attached to an execution event
type Deal struct {
	DealID              int64                `json:"dealId"`
	OrderID             int64                `json:"orderId"`
	PositionID          int64                `json:"positionId"`
	FilledVolume        int64                `json:"filledVolume,omitempty"`
	ExecutionPrice      float64              `json:"executionPrice,omitempty"`
	ClosePositionDetail *ClosePositionDetail `json:"closePositionDetail,omitempty"`
}

// Position as carried by an execution event
type Position struct {
	PositionID     int64          `json:"positionId"`
	PositionStatus PositionStatus `json:"positionStatus"`
	StopLoss       float64        `json:"stopLoss,omitempty"`
	TakeProfit     float64        `json:"takeProfit,omitempty"`
}

// Order as carried by an execution event
type Order struct {
	OrderID     int64  `json:"orderId"`
	OrderStatus int    `json:"orderStatus,omitempty"`
	OrderType   string `json:"orderType,omitempty"`
}

// ExecutionEvent is the payload of PayloadExecutionEvent
type ExecutionEvent struct {
	CtidTraderAccountID int64         `json:"ctidTraderAccountId,omitempty"`
	ExecutionType       ExecutionType `json:"executionType"`
	Position            *Position     `json:"position,omitempty"`
	Order               *Order        `json:"order,omitempty"`
	Deal                *Deal         `json:"deal,omitempty"`
}

// ============================================================================
// Outbound payloads
// ============================================================================

// ApplicationAuthReq is the payload of PayloadApplicationAuthReq
type ApplicationAuthReq struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// AccountsByAccessTokenReq is the payload of PayloadGetAccountsByAccessTokenReq
type AccountsByAccessTokenReq struct {
	AccessToken string `json:"accessToken"`
}

// AccountAuthReq is the payload of PayloadAccountAuthReq
type AccountAuthReq struct {
	AccessToken         string `json:"accessToken"`
	CtidTraderAccountID *int64 `json:"ctidTraderAccountId"`
}

// SymbolsListReq is the payload of PayloadSymbolsListReq
type SymbolsListReq struct {
	CtidTraderAccountID    *int64 `json:"ctidTraderAccountId"`
	IncludeArchivedSymbols bool   `json:"includeArchivedSymbols"`
}

// NewOrderReq is the payload of PayloadNewOrderReq. Stop loss and take
// profit are relative distances in 1/100000 of a price unit.
type NewOrderReq struct {
	CtidTraderAccountID int64     `json:"ctidTraderAccountId"`
	SymbolID            int64     `json:"symbolId"`
	OrderType           string    `json:"orderType"`
	TradeSide           TradeSide `json:"tradeSide"`
	Volume              LotSize   `json:"volume"`
	RelativeStopLoss    int64     `json:"relativeStopLoss"`
	RelativeTakeProfit  int64     `json:"relativeTakeProfit"`
}

// ClosePositionReq is the payload of PayloadClosePositionReq
type ClosePositionReq struct {
	CtidTraderAccountID int64   `json:"ctidTraderAccountId"`
	PositionID          int64   `json:"positionId"`
	Volume              LotSize `json:"volume"`
}

// AmendPositionSLTPReq is the payload of PayloadAmendPositionSLTPReq
type AmendPositionSLTPReq struct {
	CtidTraderAccountID int64   `json:"ctidTraderAccountId"`
	PositionID          int64   `json:"positionId"`
	StopLoss            float64 `json:"stopLoss"`
	TakeProfit          float64 `json:"takeProfit"`
}

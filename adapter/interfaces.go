package ctrader

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// INTERFACES - contracts between the session, trading logic and storage
// ============================================================================

// TokenStorage persists OAuth tokens between process runs
type TokenStorage interface {
	SaveToken(filename string, token *TokenInfo) error
	LoadToken(filename string) (*TokenInfo, error)
	DeleteToken(filename string) error
}

// TokenProvider hands out a currently valid access token
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// TradingClient is what trading logic needs from a ready session.
// All calls are fire-and-forget: results arrive on the update channels.
type TradingClient interface {
	OpenTrade(ctx context.Context, side TradeSide, symbolName string, stopLoss, takeProfit int64) error
	ClosePosition(ctx context.Context, positionID int64) error
	AmendPositionSLTP(ctx context.Context, positionID int64, stopLoss, takeProfit float64) error
}

// UpdateSource delivers asynchronous trading events
type UpdateSource interface {
	Executions() <-chan ExecutionUpdate
	OrderErrors() <-chan OrderErrorUpdate
}

// ============================================================================
// DATA TYPES
// ============================================================================

// TokenInfo is the persisted form of an OAuth token
type TokenInfo struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Environment  string    `json:"environment"`
}

// Valid reports whether the access token is present and not yet expired
func (t *TokenInfo) Valid() bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return t.Expiry.IsZero() || time.Now().Before(t.Expiry)
}

// ExecutionUpdate is published for accepted and filled execution events
type ExecutionUpdate struct {
	ExecutionType  ExecutionType
	PositionID     int64
	OrderID        int64
	PositionStatus PositionStatus
	// Profit is (grossProfit + commission) / 100 for closed positions, zero otherwise
	Profit     decimal.Decimal
	ReceivedAt time.Time
}

// OrderErrorUpdate is published for every order error event
type OrderErrorUpdate struct {
	ErrorCode   string
	OrderID     *int64
	PositionID  *int64
	Description string
	ReceivedAt  time.Time
}

package websocket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	ctrader "github.com/bjoelf/ctrader-adapter/adapter"
)

// EmitterConfig carries the per-application values the Emitter puts on the wire
type EmitterConfig struct {
	ClientID     string
	ClientSecret string
	LotSize      ctrader.LotSize
}

// Emitter builds envelopes and writes them to one Transport. Sends are
// fire-and-forget: responses arrive through the Dispatcher.
type Emitter struct {
	transport Transport
	state     *AccountState
	config    EmitterConfig
	limiter   *rate.Limiter
	metrics   *Metrics
	logger    logrus.FieldLogger
	now       func() time.Time
}

// NewEmitter creates an Emitter. limiter may be nil for unthrottled sends;
// a nil metrics gets an unregistered set.
func NewEmitter(transport Transport, state *AccountState, config EmitterConfig, limiter *rate.Limiter, metrics *Metrics, logger logrus.FieldLogger) *Emitter {
	if config.LotSize == 0 {
		config.LotSize = ctrader.MicroLot
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Emitter{
		transport: transport,
		state:     state,
		config:    config,
		limiter:   limiter,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// SendEnvelope encodes payload under payloadType and writes it. The returned
// client message id is informational only.
func (e *Emitter) SendEnvelope(ctx context.Context, payloadType ctrader.PayloadType, payload any) (string, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", fmt.Errorf("rate limiter: %w", ctxErr)
			}
			// The limiter refuses up front when the wait would pass the deadline
			if _, ok := ctx.Deadline(); ok {
				return "", fmt.Errorf("rate limiter: %v: %w", err, context.DeadlineExceeded)
			}
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	clientMsgID := newClientMsgID(payloadType, e.now())
	frame, err := encodeEnvelope(clientMsgID, payloadType, payload)
	if err != nil {
		return "", err
	}

	log := e.logger.WithFields(logrus.Fields{
		"function":      "SendEnvelope",
		"payload_type":  payloadType.String(),
		"client_msg_id": clientMsgID,
	})
	if payloadType == ctrader.PayloadHeartbeatEvent {
		log.Debug("Sending heartbeat")
	} else {
		log.Info("Sending message")
	}

	if err := e.transport.Send(ctx, frame); err != nil {
		return clientMsgID, err
	}
	e.metrics.frameSent(payloadType)
	return clientMsgID, nil
}

// RequestApplicationAuth authenticates the application with its client credentials
func (e *Emitter) RequestApplicationAuth(ctx context.Context) (string, error) {
	return e.SendEnvelope(ctx, ctrader.PayloadApplicationAuthReq, ctrader.ApplicationAuthReq{
		ClientID:     e.config.ClientID,
		ClientSecret: e.config.ClientSecret,
	})
}

// RequestAccountsByToken asks for the trading accounts the access token grants
func (e *Emitter) RequestAccountsByToken(ctx context.Context) (string, error) {
	return e.SendEnvelope(ctx, ctrader.PayloadGetAccountsByAccessTokenReq, ctrader.AccountsByAccessTokenReq{
		AccessToken: e.state.AccessToken(),
	})
}

// RequestAccountAuth authorizes the resolved account. With no account resolved
// the id goes out as null and the server answers with an error response.
func (e *Emitter) RequestAccountAuth(ctx context.Context) (string, error) {
	return e.SendEnvelope(ctx, ctrader.PayloadAccountAuthReq, ctrader.AccountAuthReq{
		AccessToken:         e.state.AccessToken(),
		CtidTraderAccountID: e.accountIDPtr(),
	})
}

// RequestSymbolsList asks for the symbol list of the resolved account, archived symbols included
func (e *Emitter) RequestSymbolsList(ctx context.Context) (string, error) {
	return e.SendEnvelope(ctx, ctrader.PayloadSymbolsListReq, ctrader.SymbolsListReq{
		CtidTraderAccountID:    e.accountIDPtr(),
		IncludeArchivedSymbols: true,
	})
}

// SendHeartbeat sends an empty heartbeat event
func (e *Emitter) SendHeartbeat(ctx context.Context) (string, error) {
	return e.SendEnvelope(ctx, ctrader.PayloadHeartbeatEvent, struct{}{})
}

// OpenTrade places a market order for symbolName ("EURUSD", "EUR/USD" and
// "EUR-USD" are equivalent) with relative stop loss and take profit.
func (e *Emitter) OpenTrade(ctx context.Context, side ctrader.TradeSide, symbolName string, stopLoss, takeProfit int64) (string, error) {
	name := ctrader.NormalizeSymbolName(symbolName)
	symbolID, ok := e.state.SymbolID(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, symbolName)
	}
	accountID, ok := e.state.AccountID()
	if !ok {
		return "", ErrAccountNotResolved
	}

	return e.SendEnvelope(ctx, ctrader.PayloadNewOrderReq, ctrader.NewOrderReq{
		CtidTraderAccountID: accountID,
		SymbolID:            symbolID,
		OrderType:           ctrader.OrderTypeMarket,
		TradeSide:           side,
		Volume:              e.config.LotSize,
		RelativeStopLoss:    stopLoss,
		RelativeTakeProfit:  takeProfit,
	})
}

// ClosePosition closes the configured lot volume of positionID
func (e *Emitter) ClosePosition(ctx context.Context, positionID int64) (string, error) {
	accountID, ok := e.state.AccountID()
	if !ok {
		return "", ErrAccountNotResolved
	}
	return e.SendEnvelope(ctx, ctrader.PayloadClosePositionReq, ctrader.ClosePositionReq{
		CtidTraderAccountID: accountID,
		PositionID:          positionID,
		Volume:              e.config.LotSize,
	})
}

// AmendPositionSLTP moves the stop loss of positionID, resending its current take profit
func (e *Emitter) AmendPositionSLTP(ctx context.Context, positionID int64, newStopLoss, sameTakeProfit float64) (string, error) {
	accountID, ok := e.state.AccountID()
	if !ok {
		return "", ErrAccountNotResolved
	}
	return e.SendEnvelope(ctx, ctrader.PayloadAmendPositionSLTPReq, ctrader.AmendPositionSLTPReq{
		CtidTraderAccountID: accountID,
		PositionID:          positionID,
		StopLoss:            newStopLoss,
		TakeProfit:          sameTakeProfit,
	})
}

// RunHeartbeat sends a heartbeat every interval while the transport is open.
// It returns nil when ctx is cancelled; send failures are logged only.
func (e *Emitter) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	log := e.logger.WithField("function", "RunHeartbeat")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Heartbeat sender stopped.")
			return nil
		case <-ticker.C:
			if !e.transport.IsOpen() {
				continue
			}
			if _, err := e.SendHeartbeat(ctx); err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					log.Info("Heartbeat sender stopped.")
					return nil
				}
				log.WithError(err).Error("Error in heartbeat sender")
			}
		}
	}
}

func (e *Emitter) accountIDPtr() *int64 {
	id, ok := e.state.AccountID()
	if !ok {
		return nil
	}
	return &id
}

package websocket

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	ctrader "github.com/bjoelf/ctrader-adapter/adapter"
)

// Handler processes one decoded inbound envelope
type Handler func(ctx context.Context, env *Envelope) error

// Dispatcher reads frames from a Transport and routes them by payload type.
// The handler table is built once in NewDispatcher and never changes.
type Dispatcher struct {
	transport Transport
	emitter   *Emitter
	state     *AccountState
	gates     *EventGates
	handlers  map[ctrader.PayloadType]Handler

	executions  chan<- ctrader.ExecutionUpdate
	orderErrors chan<- ctrader.OrderErrorUpdate

	metrics *Metrics
	logger  logrus.FieldLogger
	now     func() time.Time
}

// UpdateSinks are the channels trading events are published on. Nil
// channels disable publishing; sends never block.
type UpdateSinks struct {
	Executions  chan<- ctrader.ExecutionUpdate
	OrderErrors chan<- ctrader.OrderErrorUpdate
}

// NewDispatcher wires the handler table to emitter, state and gates.
// A nil metrics gets an unregistered set.
func NewDispatcher(transport Transport, emitter *Emitter, state *AccountState, gates *EventGates, sinks UpdateSinks, metrics *Metrics, logger logrus.FieldLogger) *Dispatcher {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	d := &Dispatcher{
		transport:   transport,
		emitter:     emitter,
		state:       state,
		gates:       gates,
		executions:  sinks.Executions,
		orderErrors: sinks.OrderErrors,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}

	d.handlers = map[ctrader.PayloadType]Handler{
		ctrader.PayloadApplicationAuthRes:          d.handleApplicationAuthRes,
		ctrader.PayloadGetAccountsByAccessTokenRes: d.handleAccountsByAccessTokenRes,
		ctrader.PayloadAccountAuthRes:              d.handleAccountAuthRes,
		ctrader.PayloadAccountDisconnectEvent:      d.handleAccountDisconnectEvent,
		ctrader.PayloadSymbolsListRes:              d.handleSymbolsListRes,
		ctrader.PayloadErrorRes:                    d.handleErrorRes,
		ctrader.PayloadExecutionEvent:              d.handleExecutionEvent,
		ctrader.PayloadOrderErrorEvent:             d.handleOrderErrorEvent,
		ctrader.PayloadHeartbeatEvent:              d.handleHeartbeatEvent,
	}
	return d
}

// Run receives until the transport fails or ctx is cancelled. On exit all
// gates are cleared and the receive error (or ctx.Err()) is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	log := d.logger.WithField("function", "Dispatcher.Run")

	for {
		frame, err := d.transport.Receive(ctx)
		if err != nil {
			d.gates.ClearAll()
			if ctx.Err() != nil {
				log.Debug("Receive loop cancelled")
				return ctx.Err()
			}
			log.WithError(err).Warn("Connection closed")
			return err
		}

		d.Dispatch(ctx, frame)
	}
}

// Dispatch decodes one frame and invokes its handler. Failures are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, frame []byte) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		d.metrics.decodeError()
		d.logger.WithFields(logrus.Fields{
			"function": "Dispatch",
			"error":    err,
			"frame":    truncate(frame, 256),
		}).Warn("Dropping undecodable frame")
		return
	}
	d.metrics.frameReceived(env.PayloadType)

	handler, ok := d.handlers[env.PayloadType]
	if !ok {
		if env.PayloadType != ctrader.PayloadHeartbeatEvent {
			d.logger.WithFields(logrus.Fields{
				"function":     "Dispatch",
				"payload_type": int(env.PayloadType),
				"known":        env.PayloadType.IsKnown(),
			}).Info("Unhandled payload type")
		}
		return
	}

	if err := handler(ctx, env); err != nil {
		d.metrics.handlerError(env.PayloadType)
		d.logger.WithFields(logrus.Fields{
			"function":     "Dispatch",
			"payload_type": env.PayloadType.String(),
			"error":        err,
		}).Error("Handler failed")
	}
}

func (d *Dispatcher) handleApplicationAuthRes(ctx context.Context, env *Envelope) error {
	d.logger.WithField("function", "handleApplicationAuthRes").Info("Application authorized")
	d.gates.AppAuth.Set()
	_, err := d.emitter.RequestAccountsByToken(ctx)
	return err
}

func (d *Dispatcher) handleAccountsByAccessTokenRes(ctx context.Context, env *Envelope) error {
	log := d.logger.WithField("function", "handleAccountsByAccessTokenRes")

	var res ctrader.AccountsByAccessTokenRes
	if err := decodePayload(env, &res); err != nil {
		return err
	}

	for _, account := range res.CtidTraderAccount {
		if account.IsLive {
			continue
		}
		d.state.SetAccountID(account.CtidTraderAccountID)
		log.WithField("account_id", account.CtidTraderAccountID).Info("Using demo account")
		_, err := d.emitter.RequestAccountAuth(ctx)
		return err
	}

	log.WithField("accounts", len(res.CtidTraderAccount)).
		Warn("No demo account available for this token; account authorization will not complete")
	return nil
}

func (d *Dispatcher) handleAccountAuthRes(ctx context.Context, env *Envelope) error {
	log := d.logger.WithField("function", "handleAccountAuthRes")

	var res ctrader.AccountAuthRes
	if err := decodePayload(env, &res); err != nil {
		log.WithError(err).Warn("Malformed account auth response")
	}
	if res.CtidTraderAccountID == nil {
		log.Info("Account auth response carries no ctidTraderAccountId")
	} else {
		log.WithField("account_id", *res.CtidTraderAccountID).Info("Account authorized")
	}

	d.gates.AccountAuth.Set()
	return nil
}

func (d *Dispatcher) handleAccountDisconnectEvent(ctx context.Context, env *Envelope) error {
	d.logger.WithField("function", "handleAccountDisconnectEvent").Warn("Account disconnected, re-authorizing")
	d.gates.AccountAuth.Clear()
	_, err := d.emitter.RequestAccountAuth(ctx)
	return err
}

func (d *Dispatcher) handleSymbolsListRes(ctx context.Context, env *Envelope) error {
	log := d.logger.WithField("function", "handleSymbolsListRes")

	var res ctrader.SymbolsListRes
	if err := decodePayload(env, &res); err != nil {
		log.WithError(err).Warn("Malformed symbols list response")
	}

	recorded := 0
	for _, symbol := range res.Symbol {
		if !ctrader.IsWhitelistedPair(symbol.SymbolName) {
			continue
		}
		d.state.SetSymbolID(symbol.SymbolName, symbol.SymbolID)
		recorded++
	}
	log.WithFields(logrus.Fields{
		"received": len(res.Symbol),
		"recorded": recorded,
	}).Info("Symbols list received")

	d.gates.SymbolsList.Set()
	return nil
}

func (d *Dispatcher) handleErrorRes(ctx context.Context, env *Envelope) error {
	var res ctrader.ErrorRes
	decodeErr := decodePayload(env, &res)

	fields := logrus.Fields{
		"function":    "handleErrorRes",
		"error_code":  res.ErrorCode,
		"description": res.Description,
	}
	if res.CtidTraderAccountID != nil {
		fields["account_id"] = *res.CtidTraderAccountID
	}
	if decodeErr != nil {
		fields["decode_error"] = decodeErr
	}
	d.logger.WithFields(fields).Error("Error response from server")

	// Release the handshake; the server will not answer the pending request
	d.gates.SetAll()
	return nil
}

func (d *Dispatcher) handleExecutionEvent(ctx context.Context, env *Envelope) error {
	var event ctrader.ExecutionEvent
	if err := decodePayload(env, &event); err != nil {
		return err
	}

	log := d.logger.WithFields(logrus.Fields{
		"function":       "handleExecutionEvent",
		"execution_type": int(event.ExecutionType),
	})

	if event.ExecutionType != ctrader.ExecutionAccepted && event.ExecutionType != ctrader.ExecutionFilled {
		log.Debug("Ignoring execution event")
		return nil
	}
	if event.Position == nil {
		log.Warn("Execution event without position")
		return nil
	}

	update := ctrader.ExecutionUpdate{
		ExecutionType:  event.ExecutionType,
		PositionID:     event.Position.PositionID,
		PositionStatus: event.Position.PositionStatus,
		Profit:         decimal.Zero,
		ReceivedAt:     d.now(),
	}
	if event.Order != nil {
		update.OrderID = event.Order.OrderID
	}
	log = log.WithField("position_id", update.PositionID)

	switch event.Position.PositionStatus {
	case ctrader.PositionClosed:
		if event.Deal == nil || event.Deal.ClosePositionDetail == nil {
			log.Warn("Closed position without close detail")
		} else {
			update.Profit = realizedProfit(event.Deal.ClosePositionDetail)
		}
		if update.OrderID == 0 && event.Deal != nil {
			update.OrderID = event.Deal.OrderID
		}
		log.WithField("profit", update.Profit.StringFixed(2)).Info("Position closed")
	case ctrader.PositionOpen:
		log.Info("Position opened")
	default:
		log.WithField("position_status", int(event.Position.PositionStatus)).Debug("Execution event for position")
	}

	d.publishExecution(update)
	return nil
}

func (d *Dispatcher) handleOrderErrorEvent(ctx context.Context, env *Envelope) error {
	var event ctrader.OrderErrorEvent
	if err := decodePayload(env, &event); err != nil {
		return err
	}

	fields := logrus.Fields{
		"function":    "handleOrderErrorEvent",
		"error_code":  event.ErrorCode,
		"description": event.Description,
	}
	if event.OrderID != nil {
		fields["order_id"] = *event.OrderID
	}
	d.logger.WithFields(fields).Error("Order error")

	d.publishOrderError(ctrader.OrderErrorUpdate{
		ErrorCode:   event.ErrorCode,
		OrderID:     event.OrderID,
		PositionID:  event.PositionID,
		Description: event.Description,
		ReceivedAt:  d.now(),
	})
	return nil
}

func (d *Dispatcher) handleHeartbeatEvent(ctx context.Context, env *Envelope) error {
	_, err := d.emitter.SendHeartbeat(ctx)
	return err
}

func (d *Dispatcher) publishExecution(update ctrader.ExecutionUpdate) {
	if d.executions == nil {
		return
	}
	select {
	case d.executions <- update:
	default:
		d.metrics.droppedUpdate("executions")
		d.logger.WithFields(logrus.Fields{
			"function":    "publishExecution",
			"position_id": update.PositionID,
		}).Warn("Execution update channel full, dropping update")
	}
}

func (d *Dispatcher) publishOrderError(update ctrader.OrderErrorUpdate) {
	if d.orderErrors == nil {
		return
	}
	select {
	case d.orderErrors <- update:
	default:
		d.metrics.droppedUpdate("order_errors")
		d.logger.WithFields(logrus.Fields{
			"function":   "publishOrderError",
			"error_code": update.ErrorCode,
		}).Warn("Order error channel full, dropping update")
	}
}

// realizedProfit is (grossProfit + commission) / 100, exact
func realizedProfit(detail *ctrader.ClosePositionDetail) decimal.Decimal {
	return decimal.New(detail.GrossProfit+detail.Commission, -2)
}

func truncate(frame []byte, n int) string {
	if len(frame) <= n {
		return string(frame)
	}
	return string(frame[:n]) + "..."
}

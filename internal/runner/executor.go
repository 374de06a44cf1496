package runner

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"topstepx-trading-bot/internal/logging"
	"topstepx-trading-bot/internal/position"
	"topstepx-trading-bot/internal/projectx"
)

// brokerExecutor adapts the gateway client to one account's order intents.
type brokerExecutor struct {
	broker    Broker
	accountID int64
}

func (e *brokerExecutor) PlaceLimitOrder(ctx context.Context, contractID string, side position.Side, quantity int, price float64) (string, error) {
	orderSide := projectx.OrderSideBuy
	if side == position.SideShort {
		orderSide = projectx.OrderSideSell
	}
	limitPrice := price
	orderID, err := e.broker.PlaceOrder(ctx, projectx.OrderRequest{
		AccountID:  e.accountID,
		ContractID: contractID,
		Type:       projectx.OrderTypeLimit,
		Side:       orderSide,
		Size:       quantity,
		LimitPrice: &limitPrice,
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(orderID, 10), nil
}

func (e *brokerExecutor) CancelOrder(ctx context.Context, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed order id %q: %w", orderID, err)
	}
	return e.broker.CancelOrder(ctx, e.accountID, id)
}

func (e *brokerExecutor) ClosePosition(ctx context.Context, contractID string) error {
	return e.broker.CloseContract(ctx, e.accountID, contractID)
}

// dryRunExecutor places no real orders: limit orders are acknowledged with a
// synthetic id and filled at their limit price a moment later, so the full
// position lifecycle can be observed against live market data.
type dryRunExecutor struct {
	accountID int64
	seq       atomic.Int64
	fill      func(accountID int64, orderID string, price float64)
	log       *logging.Logger
}

func (e *dryRunExecutor) PlaceLimitOrder(_ context.Context, contractID string, side position.Side, quantity int, price float64) (string, error) {
	orderID := fmt.Sprintf("DRY-%d", e.seq.Add(1))
	e.log.Info("dry-run order placed",
		"contract_id", contractID, "side", string(side), "quantity", quantity, "price", price, "order_id", orderID)

	// Delayed so the caller finishes registering the order first.
	go func() {
		time.Sleep(250 * time.Millisecond)
		e.fill(e.accountID, orderID, price)
	}()
	return orderID, nil
}

func (e *dryRunExecutor) CancelOrder(_ context.Context, orderID string) error {
	e.log.Info("dry-run order cancelled", "order_id", orderID)
	return nil
}

func (e *dryRunExecutor) ClosePosition(_ context.Context, contractID string) error {
	e.log.Info("dry-run position closed", "contract_id", contractID)
	return nil
}

// newExecutor builds the order executor for one account, honoring dry-run.
func (r *Runner) newExecutor(accountID int64) position.OrderExecutor {
	if !r.cfg.TradingConfig.DryRun {
		return &brokerExecutor{broker: r.broker, accountID: accountID}
	}
	return &dryRunExecutor{
		accountID: accountID,
		fill:      r.onDryFill,
		log:       r.log.WithField("mode", "dry_run"),
	}
}

// onDryFill routes a simulated fill to the owning machine.
func (r *Runner) onDryFill(accountID int64, orderID string, price float64) {
	for _, res := range r.resources() {
		if res.account.ID == accountID {
			res.machine.OnOrderFilled(orderID, price)
			return
		}
	}
}

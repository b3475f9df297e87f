package dispatcher

import (
	"fmt"

	"trading_engine/internal/core"

	"github.com/shopspring/decimal"
)

// minNotionalMargin pads the exchange minimum so a small adverse price move
// between sizing and execution does not reject the order.
var minNotionalMargin = decimal.NewFromFloat(1.05)

// CalculateMinOrderAmount sizes the smallest order the exchange accepts at
// the given price: the padded minimum notional converted to quantity, rounded
// up to the lot step, never below the minimum lot.
func CalculateMinOrderAmount(info *core.SymbolInfo, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("cannot size order at non-positive price %s", price)
	}
	qty := info.MinNotional.Mul(minNotionalMargin).Div(price)
	if info.StepSize.IsPositive() {
		steps := qty.Div(info.StepSize).Ceil()
		qty = steps.Mul(info.StepSize)
	}
	if qty.LessThan(info.MinQty) {
		qty = info.MinQty
	}
	return qty, nil
}

// defaultBracketPrices derives stop-loss and take-profit from the entry price
// and percentage distances, flipped for shorts.
func defaultBracketPrices(side core.PositionSide, entry decimal.Decimal, slPct, tpPct float64) (sl, tp decimal.Decimal) {
	slDelta := entry.Mul(decimal.NewFromFloat(slPct))
	tpDelta := entry.Mul(decimal.NewFromFloat(tpPct))
	if side == core.PositionSideShort {
		return entry.Add(slDelta), entry.Sub(tpDelta)
	}
	return entry.Sub(slDelta), entry.Add(tpDelta)
}

// buildOrder converts a validated signal into an internal order. A buy signal
// opens or accumulates the LONG side, a sell signal the SHORT side; reducing
// an open position is the bracket monitor's job, not the dispatcher's.
func buildOrder(signal *core.Signal, orderType core.OrderType, tif core.TimeInForce, amount, refPrice decimal.Decimal, slPct, tpPct float64) (*core.Order, error) {
	var side core.OrderSide
	var posSide core.PositionSide
	switch signal.Action {
	case core.ActionBuy:
		side = core.SideBuy
		posSide = core.PositionSideLong
	case core.ActionSell:
		side = core.SideSell
		posSide = core.PositionSideShort
	default:
		return nil, fmt.Errorf("cannot build order for action %q", signal.Action)
	}

	if !amount.IsPositive() {
		return nil, fmt.Errorf("order amount must be positive, got %s", amount)
	}

	targetPrice := refPrice
	if orderType == core.OrderTypeLimit && signal.Price.IsPositive() {
		targetPrice = signal.Price
	}

	sl := signal.StopLoss
	tp := signal.TakeProfit
	if sl.IsZero() || tp.IsZero() {
		dsl, dtp := defaultBracketPrices(posSide, targetPrice, slPct, tpPct)
		if sl.IsZero() {
			sl = dsl
		}
		if tp.IsZero() {
			tp = dtp
		}
	}

	return &core.Order{
		Symbol:           signal.Symbol,
		Side:             side,
		PositionSide:     posSide,
		Type:             orderType,
		Amount:           amount,
		TargetPrice:      targetPrice,
		StopLoss:         sl,
		TakeProfit:       tp,
		TimeInForce:      tif,
		StrategyMetadata: signal.Metadata,
	}, nil
}

// validateSignal rejects signals the engine cannot act on before any store
// or exchange round trip.
func validateSignal(signal *core.Signal) error {
	if signal.Symbol == "" {
		return fmt.Errorf("signal symbol is required")
	}
	switch signal.Action {
	case core.ActionBuy, core.ActionSell, core.ActionHold:
	default:
		return fmt.Errorf("unknown signal action %q", signal.Action)
	}
	if _, err := signal.ParsedTimestamp(); err != nil {
		return err
	}
	if signal.Confidence < 0 || signal.Confidence > 1 {
		return fmt.Errorf("signal confidence %v outside [0, 1]", signal.Confidence)
	}
	return nil
}

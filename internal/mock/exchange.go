package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"trading_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Exchange is a scripted core.IExchange. Market orders fill immediately at
// the scripted price; stop and take-profit orders rest on the book until a
// test fills or cancels them.
type Exchange struct {
	mu sync.Mutex

	prices     map[string]decimal.Decimal
	symbolInfo map[string]*core.SymbolInfo
	account    *core.AccountInfo
	hedgeMode  bool
	commission decimal.Decimal // per-fill commission charged on every execution

	nextID     int64
	openOrders map[string]*core.ExchangeOrder // resting orders by id
	allOrders  map[string]*core.ExchangeOrder

	executeErrs []error // consumed one per Execute call
	cancelErrs  []error
	healthErr   error

	Executed  []*core.Order // every order passed to Execute, in call order
	Cancelled []string
}

// NewExchange creates a mock with a generous account and sane defaults.
func NewExchange() *Exchange {
	return &Exchange{
		prices:     make(map[string]decimal.Decimal),
		symbolInfo: make(map[string]*core.SymbolInfo),
		account: &core.AccountInfo{
			TotalWalletBalance: decimal.NewFromInt(100000),
			AvailableBalance:   decimal.NewFromInt(100000),
		},
		hedgeMode:  true,
		openOrders: make(map[string]*core.ExchangeOrder),
		allOrders:  make(map[string]*core.ExchangeOrder),
	}
}

func (e *Exchange) GetName() string { return "mock" }

func (e *Exchange) CheckHealth(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthErr
}

// SetPrice scripts the mark price for a symbol.
func (e *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
}

// SetSymbolInfo scripts the trading filters for a symbol.
func (e *Exchange) SetSymbolInfo(info *core.SymbolInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.symbolInfo[info.Symbol] = info
}

// SetWalletBalance scripts the account balance.
func (e *Exchange) SetWalletBalance(balance decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.account.TotalWalletBalance = balance
	e.account.AvailableBalance = balance
}

// SetCommission scripts the commission charged on each fill.
func (e *Exchange) SetCommission(commission decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commission = commission
}

// SetHedgeMode scripts the position mode.
func (e *Exchange) SetHedgeMode(hedge bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hedgeMode = hedge
}

// FailNextExecute queues errors returned by upcoming Execute calls.
func (e *Exchange) FailNextExecute(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executeErrs = append(e.executeErrs, errs...)
}

// FailNextCancel queues errors returned by upcoming CancelOrder calls.
func (e *Exchange) FailNextCancel(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelErrs = append(e.cancelErrs, errs...)
}

// SetHealthErr scripts CheckHealth.
func (e *Exchange) SetHealthErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthErr = err
}

func (e *Exchange) Execute(ctx context.Context, order *core.Order) (*core.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Executed = append(e.Executed, order)
	if len(e.executeErrs) > 0 {
		err := e.executeErrs[0]
		e.executeErrs = e.executeErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	e.nextID++
	id := strconv.FormatInt(e.nextID, 10)

	price := order.TargetPrice
	if scripted, ok := e.prices[order.Symbol]; ok && order.Type == core.OrderTypeMarket {
		price = scripted
	}

	resting := order.Type != core.OrderTypeMarket && order.Type != core.OrderTypeLimit
	status := core.OrderStatusFilled
	if resting {
		status = core.OrderStatusNew
	}

	exchangeOrder := &core.ExchangeOrder{
		OrderID:      id,
		Symbol:       order.Symbol,
		Side:         order.Side,
		PositionSide: order.PositionSide,
		Type:         order.Type,
		Status:       status,
		Price:        order.TargetPrice,
		StopPrice:    order.TargetPrice,
		OrigQty:      order.Amount,
		ReduceOnly:   order.ReduceOnly,
	}
	e.allOrders[id] = exchangeOrder
	if resting {
		e.openOrders[id] = exchangeOrder
		return &core.ExecutionResult{
			OrderID: id,
			Status:  core.OrderStatusNew,
			Amount:  order.Amount,
			Symbol:  order.Symbol,
		}, nil
	}

	exchangeOrder.ExecutedQty = order.Amount
	exchangeOrder.AvgFillPrice = price
	exchangeOrder.Commission = e.commission
	return &core.ExecutionResult{
		OrderID:    id,
		Status:     core.OrderStatusFilled,
		FillPrice:  price,
		Amount:     order.Amount,
		Symbol:     order.Symbol,
		Commission: e.commission,
	}, nil
}

// FillOrder marks a resting order as filled at the given price, removing it
// from the open book. Tests use it to trigger one OCO leg.
func (e *Exchange) FillOrder(orderID string, fillPrice decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.allOrders[orderID]
	if !ok {
		return fmt.Errorf("mock: no such order %s", orderID)
	}
	order.Status = core.OrderStatusFilled
	order.ExecutedQty = order.OrigQty
	order.AvgFillPrice = fillPrice
	order.Commission = e.commission
	delete(e.openOrders, orderID)
	return nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.cancelErrs) > 0 {
		err := e.cancelErrs[0]
		e.cancelErrs = e.cancelErrs[1:]
		if err != nil {
			return err
		}
	}

	e.Cancelled = append(e.Cancelled, orderID)
	if order, ok := e.allOrders[orderID]; ok && order.Status == core.OrderStatusNew {
		order.Status = core.OrderStatusCancelled
	}
	delete(e.openOrders, orderID)
	return nil
}

func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*core.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.allOrders[orderID]
	if !ok {
		return nil, fmt.Errorf("mock: no such order %s", orderID)
	}
	cp := *order
	return &cp, nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*core.ExchangeOrder, 0, len(e.openOrders))
	for _, order := range e.openOrders {
		if symbol == "" || order.Symbol == symbol {
			cp := *order
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (e *Exchange) GetSymbolPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if price, ok := e.prices[symbol]; ok {
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("mock: no price for %s", symbol)
}

func (e *Exchange) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if info, ok := e.symbolInfo[symbol]; ok {
		return info, nil
	}
	return &core.SymbolInfo{
		Symbol:       symbol,
		MinQty:       decimal.NewFromFloat(0.001),
		StepSize:     decimal.NewFromFloat(0.001),
		MinNotional:  decimal.NewFromInt(100),
		TickSize:     decimal.NewFromFloat(0.01),
		PricePrec:    2,
		QuantityPrec: 3,
	}, nil
}

func (e *Exchange) GetAccountInfo(ctx context.Context) (*core.AccountInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.account
	return &cp, nil
}

func (e *Exchange) GetPositionInfo(ctx context.Context) ([]*core.ExchangePosition, error) {
	return nil, nil
}

func (e *Exchange) VerifyHedgeMode(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hedgeMode, nil
}

var _ core.IExchange = (*Exchange)(nil)

// Package binance binds the engine to Binance USD-M futures.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// Exchange implements core.IExchange on the Binance futures REST API.
type Exchange struct {
	client *futures.Client
	logger core.ILogger

	mu         sync.RWMutex
	symbolInfo map[string]*core.SymbolInfo
	hedgeMode  *bool
}

// New creates a Binance futures binding. Testnet routing is process-global in
// the underlying client, set it before any client exists.
func New(cfg config.ExchangeConfig, logger core.ILogger) (*Exchange, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("binance: %w: api key and secret are required", apperrors.ErrAuthenticationFailed)
	}
	futures.UseTestnet = cfg.Testnet

	client := futures.NewClient(string(cfg.APIKey), string(cfg.SecretKey))
	if _, err := client.NewSetServerTimeService().Do(context.Background()); err != nil {
		logger.Warn("Failed to sync Binance server time", "error", err)
	}

	return &Exchange{
		client:     client,
		logger:     logger.WithField("component", "binance_exchange"),
		symbolInfo: make(map[string]*core.SymbolInfo),
	}, nil
}

func (e *Exchange) GetName() string { return "binance" }

// CheckHealth pings the REST endpoint.
func (e *Exchange) CheckHealth(ctx context.Context) error {
	if err := e.client.NewPingService().Do(ctx); err != nil {
		return translateError(err)
	}
	return nil
}

// VerifyHedgeMode queries and caches the account's dual-side position mode.
// Hedge mode changes order parameters: position side is mandatory and
// reduce-only must be omitted.
func (e *Exchange) VerifyHedgeMode(ctx context.Context) (bool, error) {
	e.mu.RLock()
	cached := e.hedgeMode
	e.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}

	mode, err := e.client.NewGetPositionModeService().Do(ctx)
	if err != nil {
		return false, translateError(err)
	}
	dual := mode.DualSidePosition
	e.mu.Lock()
	e.hedgeMode = &dual
	e.mu.Unlock()
	e.logger.Info("Verified position mode", "hedge_mode", dual)
	return dual, nil
}

// Execute places the order and returns the fill outcome. Market orders use
// the RESULT response type so the average fill price comes back in one call.
func (e *Exchange) Execute(ctx context.Context, order *core.Order) (*core.ExecutionResult, error) {
	info, err := e.GetSymbolInfo(ctx, order.Symbol)
	if err != nil {
		return nil, err
	}
	hedge, err := e.VerifyHedgeMode(ctx)
	if err != nil {
		return nil, err
	}

	binType, err := toBinanceOrderType(order.Type)
	if err != nil {
		return nil, err
	}

	qty := order.Amount.Truncate(int32(info.QuantityPrec))
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %s truncates to zero at precision %d",
			apperrors.ErrInvalidOrderParameter, order.Amount, info.QuantityPrec)
	}

	svc := e.client.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(toBinanceSide(order.Side)).
		Type(binType).
		Quantity(qty.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	if hedge {
		svc = svc.PositionSide(toBinancePositionSide(order.PositionSide))
	} else if order.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	switch binType {
	case futures.OrderTypeLimit:
		svc = svc.
			Price(order.TargetPrice.Truncate(int32(info.PricePrec)).String()).
			TimeInForce(toBinanceTIF(order.TimeInForce))
	case futures.OrderTypeStopMarket, futures.OrderTypeTakeProfitMarket:
		svc = svc.StopPrice(order.TargetPrice.Truncate(int32(info.PricePrec)).String())
	case futures.OrderTypeStop, futures.OrderTypeTakeProfit:
		svc = svc.
			StopPrice(order.StopLoss.Truncate(int32(info.PricePrec)).String()).
			Price(order.TargetPrice.Truncate(int32(info.PricePrec)).String()).
			TimeInForce(toBinanceTIF(order.TimeInForce))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, translateError(err)
	}

	fillPrice, _ := decimal.NewFromString(resp.AvgPrice)
	executed, _ := decimal.NewFromString(resp.ExecutedQuantity)
	if executed.IsZero() {
		executed = qty
	}

	return &core.ExecutionResult{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		Status:    fromBinanceStatus(resp.Status),
		FillPrice: fillPrice,
		Amount:    executed,
		Symbol:    order.Symbol,
	}, nil
}

// CancelOrder cancels an order. An already-gone order is treated as
// cancelled, not an error.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: order id %q", apperrors.ErrInvalidOrderParameter, orderID)
	}
	_, err = e.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		translated := translateError(err)
		if errors.Is(translated, apperrors.ErrOrderNotFound) {
			return nil
		}
		return translated
	}
	return nil
}

func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*core.ExchangeOrder, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: order id %q", apperrors.ErrInvalidOrderParameter, orderID)
	}
	order, err := e.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return fromBinanceOrder(order), nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.ExchangeOrder, error) {
	orders, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]*core.ExchangeOrder, 0, len(orders))
	for _, order := range orders {
		out = append(out, fromBinanceOrder(order))
	}
	return out, nil
}

func (e *Exchange) GetSymbolPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, translateError(err)
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return decimal.NewFromString(prices[0].Price)
}

// GetSymbolInfo fetches and caches the trading filters. Filters change rarely
// enough that the cache lives for the process lifetime.
func (e *Exchange) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	e.mu.RLock()
	if info, ok := e.symbolInfo[symbol]; ok {
		e.mu.RUnlock()
		return info, nil
	}
	e.mu.RUnlock()

	exchangeInfo, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	for _, s := range exchangeInfo.Symbols {
		if s.Symbol != symbol {
			continue
		}
		info := &core.SymbolInfo{
			Symbol:       s.Symbol,
			PricePrec:    s.PricePrecision,
			QuantityPrec: s.QuantityPrecision,
			BaseAsset:    s.BaseAsset,
			QuoteAsset:   s.QuoteAsset,
		}
		if f := s.LotSizeFilter(); f != nil {
			info.MinQty, _ = decimal.NewFromString(f.MinQuantity)
			info.StepSize, _ = decimal.NewFromString(f.StepSize)
		}
		if f := s.MinNotionalFilter(); f != nil {
			info.MinNotional, _ = decimal.NewFromString(f.Notional)
		}
		if f := s.PriceFilter(); f != nil {
			info.TickSize, _ = decimal.NewFromString(f.TickSize)
		}
		e.mu.Lock()
		e.symbolInfo[symbol] = info
		e.mu.Unlock()
		return info, nil
	}
	return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
}

func (e *Exchange) GetAccountInfo(ctx context.Context) (*core.AccountInfo, error) {
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	total, _ := decimal.NewFromString(account.TotalWalletBalance)
	available, _ := decimal.NewFromString(account.AvailableBalance)

	assets := make([]core.AssetBalance, 0, len(account.Assets))
	for _, asset := range account.Assets {
		wallet, _ := decimal.NewFromString(asset.WalletBalance)
		avail, _ := decimal.NewFromString(asset.AvailableBalance)
		if wallet.IsZero() && avail.IsZero() {
			continue
		}
		assets = append(assets, core.AssetBalance{
			Asset:            asset.Asset,
			WalletBalance:    wallet,
			AvailableBalance: avail,
		})
	}
	return &core.AccountInfo{
		TotalWalletBalance: total,
		AvailableBalance:   available,
		Assets:             assets,
	}, nil
}

func (e *Exchange) GetPositionInfo(ctx context.Context) ([]*core.ExchangePosition, error) {
	risks, err := e.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]*core.ExchangePosition, 0, len(risks))
	for _, pos := range risks {
		amt, _ := decimal.NewFromString(pos.PositionAmt)
		if amt.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(pos.EntryPrice)
		mark, _ := decimal.NewFromString(pos.MarkPrice)
		upnl, _ := decimal.NewFromString(pos.UnRealizedProfit)
		leverage, _ := strconv.Atoi(pos.Leverage)
		out = append(out, &core.ExchangePosition{
			Symbol:           pos.Symbol,
			PositionSide:     core.PositionSide(pos.PositionSide),
			PositionAmt:      amt,
			EntryPrice:       entry,
			MarkPrice:        mark,
			UnrealizedProfit: upnl,
			Leverage:         leverage,
		})
	}
	return out, nil
}

func toBinanceSide(side core.OrderSide) futures.SideType {
	if side == core.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func toBinancePositionSide(side core.PositionSide) futures.PositionSideType {
	if side == core.PositionSideShort {
		return futures.PositionSideTypeShort
	}
	return futures.PositionSideTypeLong
}

func toBinanceOrderType(t core.OrderType) (futures.OrderType, error) {
	switch t {
	case core.OrderTypeMarket:
		return futures.OrderTypeMarket, nil
	case core.OrderTypeLimit:
		return futures.OrderTypeLimit, nil
	case core.OrderTypeStop:
		return futures.OrderTypeStopMarket, nil
	case core.OrderTypeStopLimit:
		return futures.OrderTypeStop, nil
	case core.OrderTypeTakeProfit:
		return futures.OrderTypeTakeProfitMarket, nil
	case core.OrderTypeTakeProfitLimit:
		return futures.OrderTypeTakeProfit, nil
	default:
		return "", fmt.Errorf("%w: unsupported order type %q", apperrors.ErrInvalidOrderParameter, t)
	}
}

func toBinanceTIF(tif core.TimeInForce) futures.TimeInForceType {
	switch tif {
	case core.TimeInForceIOC:
		return futures.TimeInForceTypeIOC
	case core.TimeInForceFOK:
		return futures.TimeInForceTypeFOK
	default:
		return futures.TimeInForceTypeGTC
	}
}

func fromBinanceStatus(status futures.OrderStatusType) core.OrderStatus {
	switch status {
	case futures.OrderStatusTypeFilled:
		return core.OrderStatusFilled
	case futures.OrderStatusTypePartiallyFilled:
		return core.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return core.OrderStatusCancelled
	case futures.OrderStatusTypeRejected:
		return core.OrderStatusRejected
	default:
		return core.OrderStatusNew
	}
}

func fromBinanceOrderType(t futures.OrderType) core.OrderType {
	switch t {
	case futures.OrderTypeLimit:
		return core.OrderTypeLimit
	case futures.OrderTypeStopMarket:
		return core.OrderTypeStop
	case futures.OrderTypeStop:
		return core.OrderTypeStopLimit
	case futures.OrderTypeTakeProfitMarket:
		return core.OrderTypeTakeProfit
	case futures.OrderTypeTakeProfit:
		return core.OrderTypeTakeProfitLimit
	default:
		return core.OrderTypeMarket
	}
}

func fromBinanceOrder(order *futures.Order) *core.ExchangeOrder {
	price, _ := decimal.NewFromString(order.Price)
	stopPrice, _ := decimal.NewFromString(order.StopPrice)
	origQty, _ := decimal.NewFromString(order.OrigQuantity)
	executedQty, _ := decimal.NewFromString(order.ExecutedQuantity)
	avgPrice, _ := decimal.NewFromString(order.AvgPrice)

	side := core.SideBuy
	if order.Side == futures.SideTypeSell {
		side = core.SideSell
	}
	return &core.ExchangeOrder{
		OrderID:      strconv.FormatInt(order.OrderID, 10),
		Symbol:       order.Symbol,
		Side:         side,
		PositionSide: core.PositionSide(order.PositionSide),
		Type:         fromBinanceOrderType(order.Type),
		Status:       fromBinanceStatus(order.Status),
		Price:        price,
		StopPrice:    stopPrice,
		OrigQty:      origQty,
		ExecutedQty:  executedQty,
		AvgFillPrice: avgPrice,
		ReduceOnly:   order.ReduceOnly,
	}
}

// translateError maps Binance API errors onto the engine's error taxonomy so
// the retry layer can tell transient failures from permanent rejections.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -2019:
			return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Message)
		case -1121:
			return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, apiErr.Message)
		case -2011, -2013:
			return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Message)
		case -1003:
			return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Message)
		case -4164:
			return fmt.Errorf("%w: %s", apperrors.ErrMinNotional, apiErr.Message)
		case -2010:
			return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, apiErr.Message)
		case -1001, -1008:
			return fmt.Errorf("%w: %s", apperrors.ErrSystemOverload, apiErr.Message)
		case -1002, -2014, -2015:
			return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, apiErr.Message)
		}
		return fmt.Errorf("binance api error %d: %s", apiErr.Code, apiErr.Message)
	}
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(msg, "context deadline exceeded"):
		return fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "EOF"), strings.Contains(msg, "reset by peer"):
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	return err
}

var _ core.IExchange = (*Exchange)(nil)

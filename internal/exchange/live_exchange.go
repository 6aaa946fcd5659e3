package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"perp-signal-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// LiveExchange 实现了 Exchange 接口，用于与币安 U 本位合约进行交互。
// 订单的 Hash 使用我们自己生成的 clientOrderId。
type LiveExchange struct {
	client *futures.Client
	logger *zap.Logger
}

// NewLiveExchange 创建一个新的 LiveExchange 实例，并与服务器同步时间。
func NewLiveExchange(ctx context.Context, cfg *models.Config, logger *zap.Logger) (*LiveExchange, error) {
	if cfg.IsTestnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	e := &LiveExchange{client: client, logger: logger}

	offset, err := client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("与币安服务器同步时间失败: %w", gatewayError("sync_time", err))
	}
	logger.Sugar().Infof("与币安服务器时间偏移: %dms", offset)
	return e, nil
}

// gatewayError 把币安的 APIError 转换为 models.Error 后再包装, 上层无需依赖 SDK 类型
func gatewayError(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		err = &models.Error{Code: int(apiErr.Code), Msg: apiErr.Message}
	}
	return models.NewGatewayError(op, err)
}

// newClientOrderID 生成一个符合币安规则 (<=36 字符) 的唯一ID
func newClientOrderID() string {
	id := uuid.New()
	return "psb" + base62.EncodeToString(id[:])
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func toFuturesSide(s models.Side) futures.SideType {
	if s == models.Sell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func fromFuturesStatus(s futures.OrderStatusType) models.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return models.StatusOpen
	case futures.OrderStatusTypePartiallyFilled:
		return models.StatusPartialFilled
	case futures.OrderStatusTypeFilled:
		return models.StatusFilled
	case futures.OrderStatusTypeCanceled:
		return models.StatusCancelled
	case futures.OrderStatusTypeExpired:
		return models.StatusExpired
	case futures.OrderStatusTypeRejected:
		return models.StatusRejected
	}
	return models.StatusPending
}

func fromFuturesType(t futures.OrderType) models.OrderType {
	switch t {
	case futures.OrderTypeMarket:
		return models.Market
	case futures.OrderTypeStop, futures.OrderTypeStopMarket:
		return models.StopLimit
	}
	return models.Limit
}

// SubmitOrder 下单。STOP_LIMIT 映射为币安的 STOP 订单, post-only 使用 GTX。
func (e *LiveExchange) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	clientID := newClientOrderID()
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(toFuturesSide(req.Side)).
		Quantity(formatFloat(req.Quantity)).
		NewClientOrderID(clientID)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	tif := futures.TimeInForceTypeGTC
	if req.PostOnly {
		tif = futures.TimeInForceTypeGTX
	}
	switch req.Type {
	case models.Market:
		svc = svc.Type(futures.OrderTypeMarket)
	case models.Limit:
		svc = svc.Type(futures.OrderTypeLimit).Price(formatFloat(req.Price)).TimeInForce(tif)
	case models.StopLimit:
		svc = svc.Type(futures.OrderTypeStop).
			Price(formatFloat(req.Price)).
			StopPrice(formatFloat(req.TriggerPrice)).
			TimeInForce(tif).
			WorkingType(futures.WorkingTypeMarkPrice)
	default:
		return nil, gatewayError("submit_order", fmt.Errorf("不支持的订单类型 %s", req.Type))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, gatewayError("submit_order", err)
	}
	e.logger.Sugar().Debugf("下单成功: %s %s %s qty=%s 状态=%s", res.ClientOrderID, res.Side, res.Type, res.OrigQuantity, res.Status)

	return &models.Order{
		Hash:         res.ClientOrderID,
		Symbol:       res.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Price:        parseFloat(res.Price),
		TriggerPrice: parseFloat(res.StopPrice),
		Quantity:     parseFloat(res.OrigQuantity),
		FilledQty:    parseFloat(res.ExecutedQuantity),
		AvgFillPrice: parseFloat(res.AvgPrice),
		Status:       fromFuturesStatus(res.Status),
		PostOnly:     req.PostOnly,
		CreatedAt:    time.UnixMilli(res.UpdateTime),
	}, nil
}

// CancelAllOrders 撤销该交易对的所有挂单。币安按交易对撤单, hashes 仅用于日志。
func (e *LiveExchange) CancelAllOrders(ctx context.Context, symbol string, hashes []string) error {
	if err := e.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return gatewayError("cancel_all_orders", err)
	}
	e.logger.Sugar().Infof("已撤销 %s 的所有挂单 (%s)", symbol, strings.Join(hashes, ","))
	return nil
}

func (e *LiveExchange) GetOpenOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	res, err := e.client.NewListOpenOrdersService().Symbol(filter.Symbol).Do(ctx)
	if err != nil {
		return nil, gatewayError("get_open_orders", err)
	}
	orders := make([]models.Order, 0, len(res))
	for _, o := range res {
		side := models.Buy
		if o.Side == futures.SideTypeSell {
			side = models.Sell
		}
		order := models.Order{
			Hash:         o.ClientOrderID,
			Symbol:       o.Symbol,
			Side:         side,
			Type:         fromFuturesType(o.Type),
			Price:        parseFloat(o.Price),
			TriggerPrice: parseFloat(o.StopPrice),
			Quantity:     parseFloat(o.OrigQuantity),
			FilledQty:    parseFloat(o.ExecutedQuantity),
			AvgFillPrice: parseFloat(o.AvgPrice),
			Status:       fromFuturesStatus(o.Status),
			PostOnly:     o.TimeInForce == futures.TimeInForceTypeGTX,
			CreatedAt:    time.UnixMilli(o.Time),
		}
		if filter.Matches(order) {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

// GetPosition 返回单向持仓模式下的仓位。币安返回的是十进制字符串, Scale 为 0。
func (e *LiveExchange) GetPosition(ctx context.Context, symbol string) (*models.RawPosition, error) {
	risks, err := e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, gatewayError("get_position", err)
	}
	for _, p := range risks {
		if p.Symbol != symbol {
			continue
		}
		amt, err := strconv.ParseFloat(p.PositionAmt, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: positionAmt %q", models.ErrDataConversion, p.PositionAmt)
		}
		raw := &models.RawPosition{
			Symbol:           symbol,
			Quantity:         formatFloat(math.Abs(amt)),
			AvgEntryPrice:    p.EntryPrice,
			PositionValue:    strings.TrimPrefix(p.Notional, "-"),
			Leverage:         p.Leverage,
			LiquidationPrice: p.LiquidationPrice,
			MarkPrice:        p.MarkPrice,
			UnrealizedProfit: p.UnRealizedProfit,
		}
		switch {
		case amt > 0:
			raw.Side = string(models.Buy)
		case amt < 0:
			raw.Side = string(models.Sell)
		}
		return raw, nil
	}
	return &models.RawPosition{Symbol: symbol, Quantity: "0"}, nil
}

func (e *LiveExchange) GetLeverage(ctx context.Context, symbol string) (int, error) {
	risks, err := e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, gatewayError("get_leverage", err)
	}
	for _, p := range risks {
		if p.Symbol == symbol {
			lev, err := strconv.Atoi(p.Leverage)
			if err != nil {
				return 0, fmt.Errorf("%w: leverage %q", models.ErrDataConversion, p.Leverage)
			}
			return lev, nil
		}
	}
	return 0, gatewayError("get_leverage", fmt.Errorf("未找到 %s 的杠杆信息", symbol))
}

// SetLeverage 在启动时设置杠杆倍数
func (e *LiveExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if _, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return gatewayError("set_leverage", err)
	}
	return nil
}

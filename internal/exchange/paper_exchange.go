package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"perp-signal-bot-go/internal/models"

	"go.uber.org/zap"
)

const dust = 1e-9

// PaperTrade 记录一笔平仓（或减仓）成交
type PaperTrade struct {
	Symbol     string
	Side       models.PositionSide
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	Profit     float64
	Fee        float64
	ExitTime   time.Time
}

// PaperExchange 实现了 Exchange 接口，用于模拟永续合约交易所的行为。
// 它的持仓字段与 Bluefin 一样以 10^18 定点字符串返回，
// 已成交的订单会从挂单列表中消失。
type PaperExchange struct {
	Symbol         string
	InitialBalance float64
	Cash           float64
	CurrentPrice   float64
	CurrentTime    time.Time
	Leverage       int
	SlippageRate   float64
	TakerFeeRate   float64
	MakerFeeRate   float64
	TotalFees      float64
	TradeLog       []PaperTrade

	position float64 // 带符号的持仓量, 正数为多头
	avgEntry float64
	orders   map[string]*models.Order
	history  map[string]*models.Order
	nextID   int64
	logger   *zap.Logger
	mu       sync.Mutex
	failures map[string]error
}

// NewPaperExchange 创建一个新的模拟交易所实例。
func NewPaperExchange(cfg *models.Config, logger *zap.Logger) *PaperExchange {
	leverage := cfg.Paper.Leverage
	if leverage <= 0 {
		leverage = cfg.Leverage
	}
	return &PaperExchange{
		Symbol:         cfg.Symbol,
		InitialBalance: 1000,
		Cash:           1000,
		CurrentPrice:   cfg.Paper.InitialPrice,
		CurrentTime:    time.Now(),
		Leverage:       leverage,
		SlippageRate:   cfg.Paper.SlippageRate,
		TakerFeeRate:   0.0005,
		MakerFeeRate:   0.0002,
		orders:         make(map[string]*models.Order),
		history:        make(map[string]*models.Order),
		nextID:         1,
		logger:         logger,
		failures:       make(map[string]error),
	}
}

// SetPrice 模拟价格变动并触发挂单成交检查。
func (e *PaperExchange) SetPrice(price float64, timestamp time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.CurrentPrice = price
	e.CurrentTime = timestamp
	e.checkRestingOrders(price)
}

// FailNext 让下一次指定操作返回错误，用于模拟网关故障。
func (e *PaperExchange) FailNext(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = err
}

// takeFailure 必须在持有锁的情况下调用
func (e *PaperExchange) takeFailure(op string) error {
	if err, ok := e.failures[op]; ok {
		delete(e.failures, op)
		return models.NewGatewayError(op, err)
	}
	return nil
}

// checkRestingOrders 按下单顺序检查挂单是否在当前价格成交。必须在持有锁的情况下调用。
func (e *PaperExchange) checkRestingOrders(price float64) {
	hashes := make([]string, 0, len(e.orders))
	for h := range e.orders {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return e.orders[hashes[i]].CreatedAt.Before(e.orders[hashes[j]].CreatedAt) ||
			(e.orders[hashes[i]].CreatedAt.Equal(e.orders[hashes[j]].CreatedAt) && hashes[i] < hashes[j])
	})

	for _, h := range hashes {
		order, ok := e.orders[h]
		if !ok {
			continue // 已在本轮被撤销
		}
		if order.ReduceOnly && !e.reduces(order.Side) {
			continue
		}
		switch order.Type {
		case models.Limit:
			if (order.Side == models.Buy && price <= order.Price) || (order.Side == models.Sell && price >= order.Price) {
				e.fill(order, order.Price, e.MakerFeeRate)
			}
		case models.StopLimit:
			if (order.Side == models.Sell && price <= order.TriggerPrice) || (order.Side == models.Buy && price >= order.TriggerPrice) {
				e.fill(order, e.slipped(order.Side, order.Price), e.TakerFeeRate)
			}
		}
	}
}

func (e *PaperExchange) slipped(side models.Side, price float64) float64 {
	if side == models.Buy {
		return price * (1 + e.SlippageRate)
	}
	return price * (1 - e.SlippageRate)
}

// reduces 判断该方向的订单是否会减少当前持仓。必须在持有锁的情况下调用。
func (e *PaperExchange) reduces(side models.Side) bool {
	return (side == models.Sell && e.position > 0) || (side == models.Buy && e.position < 0)
}

// fill 处理一个成交的订单，更新持仓和现金。必须在持有锁的情况下调用。
// 只减仓订单的成交量不超过当前持仓。
func (e *PaperExchange) fill(order *models.Order, price float64, feeRate float64) {
	qty := order.Quantity
	if order.ReduceOnly {
		qty = math.Min(qty, math.Abs(e.position))
	}
	fee := price * qty * feeRate
	e.TotalFees += fee
	e.Cash -= fee

	delta := qty
	if order.Side == models.Sell {
		delta = -qty
	}

	// 减仓部分计算已实现盈亏
	if e.position != 0 && math.Signbit(e.position) != math.Signbit(delta) {
		closing := math.Min(math.Abs(delta), math.Abs(e.position))
		side := models.Long
		pnl := (price - e.avgEntry) * closing
		if e.position < 0 {
			side = models.Short
			pnl = -pnl
		}
		e.Cash += pnl
		e.TradeLog = append(e.TradeLog, PaperTrade{
			Symbol:     order.Symbol,
			Side:       side,
			Quantity:   closing,
			EntryPrice: e.avgEntry,
			ExitPrice:  price,
			Profit:     pnl - fee,
			Fee:        fee,
			ExitTime:   e.CurrentTime,
		})
	}

	newPos := e.position + delta
	switch {
	case math.Abs(newPos) < dust:
		newPos = 0
		e.avgEntry = 0
	case e.position == 0 || math.Signbit(newPos) != math.Signbit(e.position):
		// 新开仓或穿过零点翻仓
		e.avgEntry = price
	case math.Signbit(delta) == math.Signbit(e.position):
		// 加仓，重新计算均价
		e.avgEntry = (e.avgEntry*math.Abs(e.position) + price*qty) / math.Abs(newPos)
	}
	e.position = newPos

	order.Status = models.StatusFilled
	order.FilledQty = qty
	order.AvgFillPrice = price
	delete(e.orders, order.Hash)
	e.history[order.Hash] = order

	e.logger.Sugar().Infof("[模拟盘] 订单成交: %s %s %s %.5f @ %.4f, 持仓: %.5f, 均价: %.4f",
		order.Hash, order.Side, order.Type, qty, price, e.position, e.avgEntry)

	// 仓位归零后撤掉剩余的保护单，避免它们反向开仓
	if e.position == 0 {
		for h, o := range e.orders {
			if o.Symbol == order.Symbol && o.Type != models.Market {
				o.Status = models.StatusCancelled
				delete(e.orders, h)
				e.history[h] = o
			}
		}
	}
}

// --- Exchange 接口实现 ---

func (e *PaperExchange) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.takeFailure("submit_order"); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, models.NewGatewayError("submit_order", fmt.Errorf("%w: %v", models.ErrInvalidQuantity, req.Quantity))
	}
	if req.Symbol != e.Symbol {
		return nil, models.NewGatewayError("submit_order", fmt.Errorf("未知交易对 %s", req.Symbol))
	}

	if req.ReduceOnly && !e.reduces(req.Side) {
		return nil, models.NewGatewayError("submit_order", fmt.Errorf("%w: 只减仓订单 %s 不会减少当前持仓 %.5f", models.ErrOrderRejected, req.Side, e.position))
	}

	order := &models.Order{
		Hash:         fmt.Sprintf("0x%016x", e.nextID),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Quantity:     req.Quantity,
		Status:       models.StatusPending,
		PostOnly:     req.PostOnly,
		ReduceOnly:   req.ReduceOnly,
		CreatedAt:    e.CurrentTime.Add(time.Duration(e.nextID)),
	}
	e.nextID++

	switch req.Type {
	case models.Market:
		if e.CurrentPrice <= 0 {
			return nil, models.NewGatewayError("submit_order", fmt.Errorf("模拟盘尚无价格"))
		}
		resp := *order
		e.orders[order.Hash] = order
		e.fill(order, e.slipped(order.Side, e.CurrentPrice), e.TakerFeeRate)
		// 与真实交易所一样，下单响应里是受理时的状态
		return &resp, nil
	case models.StopLimit:
		order.Status = models.StatusStandbyPending
	case models.Limit:
		if req.PostOnly && ((req.Side == models.Buy && req.Price >= e.CurrentPrice) || (req.Side == models.Sell && req.Price <= e.CurrentPrice)) {
			return nil, models.NewGatewayError("submit_order", fmt.Errorf("%w: post-only 限价单会立即成交", models.ErrOrderRejected))
		}
	default:
		return nil, models.NewGatewayError("submit_order", fmt.Errorf("不支持的订单类型 %s", req.Type))
	}

	e.orders[order.Hash] = order
	resp := *order
	return &resp, nil
}

func (e *PaperExchange) CancelAllOrders(ctx context.Context, symbol string, hashes []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.takeFailure("cancel_all_orders"); err != nil {
		return err
	}
	for h, o := range e.orders {
		if o.Symbol == symbol {
			o.Status = models.StatusCancelled
			delete(e.orders, h)
			e.history[h] = o
		}
	}
	return nil
}

func (e *PaperExchange) GetOpenOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.takeFailure("get_open_orders"); err != nil {
		return nil, err
	}
	open := make([]models.Order, 0, len(e.orders))
	for _, o := range e.orders {
		if filter.Matches(*o) {
			open = append(open, *o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	return open, nil
}

func (e *PaperExchange) GetPosition(ctx context.Context, symbol string) (*models.RawPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.takeFailure("get_position"); err != nil {
		return nil, err
	}
	raw := &models.RawPosition{Symbol: symbol, Quantity: "0", Scale: models.BluefinScale}
	if symbol != e.Symbol || e.position == 0 {
		return raw, nil
	}
	qty := math.Abs(e.position)
	raw.Side = string(models.Buy)
	upnl := (e.CurrentPrice - e.avgEntry) * qty
	if e.position < 0 {
		raw.Side = string(models.Sell)
		upnl = -upnl
	}
	raw.Quantity = models.FormatScaled(qty, models.BluefinScale)
	raw.AvgEntryPrice = models.FormatScaled(e.avgEntry, models.BluefinScale)
	raw.PositionValue = models.FormatScaled(qty*e.CurrentPrice, models.BluefinScale)
	raw.Leverage = models.FormatScaled(float64(e.Leverage), models.BluefinScale)
	raw.MarkPrice = models.FormatScaled(e.CurrentPrice, models.BluefinScale)
	raw.UnrealizedProfit = models.FormatScaled(upnl, models.BluefinScale)
	return raw, nil
}

func (e *PaperExchange) GetLeverage(ctx context.Context, symbol string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure("get_leverage"); err != nil {
		return 0, err
	}
	return e.Leverage, nil
}

// --- 其他方法 ---

// GetOrder 返回订单的最新记录（包括已成交和已撤销的）
func (e *PaperExchange) GetOrder(hash string) (*models.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[hash]; ok {
		cpy := *o
		return &cpy, true
	}
	if o, ok := e.history[hash]; ok {
		cpy := *o
		return &cpy, true
	}
	return nil, false
}

// Equity 返回账户总权益 (现金 + 未实现盈亏)
func (e *PaperExchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	upnl := (e.CurrentPrice - e.avgEntry) * e.position
	return e.Cash + upnl
}

// Trades 返回平仓记录的副本
func (e *PaperExchange) Trades() []PaperTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	cpy := make([]PaperTrade, len(e.TradeLog))
	copy(cpy, e.TradeLog)
	return cpy
}

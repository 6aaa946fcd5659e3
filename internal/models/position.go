package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// BluefinScale 是 Bluefin 风格交易所数值字段的定点位数 (10^18)
const BluefinScale int32 = 18

// PositionSide 持仓方向
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
	None  PositionSide = "none"
)

// CloseSide 返回平仓需要使用的下单方向
func (p PositionSide) CloseSide() Side {
	if p == Long {
		return Sell
	}
	return Buy
}

// RawPosition 是交易所返回的原始持仓，数值均为按 Scale 位定点放大的十进制字符串。
// Side 为 "BUY" 表示多头, "SELL" 表示空头。
type RawPosition struct {
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	Quantity         string `json:"quantity"`
	AvgEntryPrice    string `json:"avgEntryPrice"`
	PositionValue    string `json:"positionValue"`
	Leverage         string `json:"leverage"`
	LiquidationPrice string `json:"liquidationPrice"`
	MarkPrice        string `json:"midMarketPrice"`
	UnrealizedProfit string `json:"unrealizedProfit"`
	Scale            int32  `json:"-"`
}

// Position 是换算后的持仓快照
type Position struct {
	Symbol     string
	Side       PositionSide
	Quantity   float64 // 持仓数量的绝对值
	EntryPrice float64
	Notional   float64

	Leverage         float64
	LiquidationPrice float64
	MarkPrice        float64
	UnrealizedProfit float64

	// Unparsed 保存换算失败的辅助字段的原始值, 不参与任何计算
	Unparsed map[string]string
}

// IsOpen 是否存在持仓
func (p Position) IsOpen() bool {
	return p.Side == Long || p.Side == Short
}

// ParseScaled 将定点字符串按 10^scale 缩小为浮点数
func ParseScaled(raw string, scale int32) (float64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrDataConversion, raw, err)
	}
	return d.Shift(-scale).InexactFloat64(), nil
}

// FormatScaled 是 ParseScaled 的逆操作
func FormatScaled(v float64, scale int32) string {
	return decimal.NewFromFloat(v).Shift(scale).Truncate(0).String()
}

// ParsePosition 把原始持仓换算成 Position。
// 数量为 0 (或没有持仓) 时一律返回无持仓且其余字段为 0。
// 数量、方向和开仓均价属于核心字段，换算失败时返回错误；
// 其余辅助字段换算失败时把原始值放进 Unparsed, 由调用方记录日志。
func ParsePosition(raw *RawPosition) (Position, error) {
	if raw == nil {
		return Position{Side: None}, nil
	}
	qty, err := ParseScaled(raw.Quantity, raw.Scale)
	if err != nil {
		return Position{Symbol: raw.Symbol, Side: None}, fmt.Errorf("quantity: %w", err)
	}
	if qty == 0 {
		return Position{Symbol: raw.Symbol, Side: None}, nil
	}
	if qty < 0 {
		qty = -qty
	}

	pos := Position{Symbol: raw.Symbol, Quantity: qty}
	switch strings.ToUpper(strings.TrimSpace(raw.Side)) {
	case string(Buy):
		pos.Side = Long
	case string(Sell):
		pos.Side = Short
	default:
		return Position{Symbol: raw.Symbol, Side: None}, fmt.Errorf("%w: side %q with quantity %v", ErrInvalidPositionState, raw.Side, qty)
	}

	if pos.EntryPrice, err = ParseScaled(raw.AvgEntryPrice, raw.Scale); err != nil {
		return Position{Symbol: raw.Symbol, Side: None}, fmt.Errorf("avgEntryPrice: %w", err)
	}

	aux := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"positionValue", raw.PositionValue, &pos.Notional},
		{"leverage", raw.Leverage, &pos.Leverage},
		{"liquidationPrice", raw.LiquidationPrice, &pos.LiquidationPrice},
		{"midMarketPrice", raw.MarkPrice, &pos.MarkPrice},
		{"unrealizedProfit", raw.UnrealizedProfit, &pos.UnrealizedProfit},
	}
	for _, f := range aux {
		v, err := ParseScaled(f.raw, raw.Scale)
		if err != nil {
			if pos.Unparsed == nil {
				pos.Unparsed = make(map[string]string)
			}
			pos.Unparsed[f.name] = f.raw
			continue
		}
		*f.dst = v
	}
	return pos, nil
}

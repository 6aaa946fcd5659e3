package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PriceTarget 是一个可能未设置的价格。未设置时不能参与比较，必须先判断 IsSet。
type PriceTarget struct {
	value float64
	set   bool
}

// Unset 返回未设置的价格
func Unset() PriceTarget { return PriceTarget{} }

// PriceOf 返回已设置的价格
func PriceOf(v float64) PriceTarget { return PriceTarget{value: v, set: true} }

// IsSet 是否已设置
func (p PriceTarget) IsSet() bool { return p.set }

// Value 返回价格和是否已设置
func (p PriceTarget) Value() (float64, bool) { return p.value, p.set }

// Equal 两个未设置的价格相等；已设置与未设置永不相等
func (p PriceTarget) Equal(o PriceTarget) bool {
	if p.set != o.set {
		return false
	}
	return !p.set || p.value == o.value
}

// TrailUp 只允许价格上移 (多头)。未设置时直接采用候选价。
func (p PriceTarget) TrailUp(candidate float64) PriceTarget {
	if !p.set || candidate > p.value {
		return PriceOf(candidate)
	}
	return p
}

// TrailDown 只允许价格下移 (空头)。未设置时直接采用候选价。
func (p PriceTarget) TrailDown(candidate float64) PriceTarget {
	if !p.set || candidate < p.value {
		return PriceOf(candidate)
	}
	return p
}

func (p PriceTarget) String() string {
	if !p.set {
		return "unset"
	}
	return fmt.Sprintf("%g", p.value)
}

// MarshalJSON 未设置时输出 null
func (p PriceTarget) MarshalJSON() ([]byte, error) {
	if !p.set {
		return []byte("null"), nil
	}
	return json.Marshal(p.value)
}

// UnmarshalJSON null 还原为未设置
func (p *PriceTarget) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = Unset()
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = PriceOf(v)
	return nil
}

// ProtectiveTargets 是本地认为当前挂着的止损/止盈价格以及它们覆盖的数量
type ProtectiveTargets struct {
	StopLoss   PriceTarget `json:"stop_loss"`
	TakeProfit PriceTarget `json:"take_profit"`
	Quantity   float64     `json:"quantity"`
}

// IsSet 止损和止盈都已设置
func (t ProtectiveTargets) IsSet() bool {
	return t.StopLoss.IsSet() && t.TakeProfit.IsSet()
}

// StrategyRuntimeState 是单个策略实例的运行时状态。
// 只由对账 tick 修改：每次 tick 传入一份，返回修改后的一份。
type StrategyRuntimeState struct {
	Symbol             string            `json:"symbol"`
	CurrentSignal      Signal            `json:"current_signal"`
	EntryTime          time.Time         `json:"entry_time"`
	NeutralSignalCount int               `json:"neutral_signal_count"`
	ReverseSignalCount int               `json:"reverse_signal_count"`
	SentNeutralNotice  bool              `json:"sent_neutral_notice"`
	SentReverseNotice  bool              `json:"sent_reverse_notice"`
	Targets            ProtectiveTargets `json:"targets"`
	LastPrice          float64           `json:"last_price"`
	LastUpdateTime     time.Time         `json:"last_update_time"`
}

// NewRuntimeState 创建一个全新的运行时状态
func NewRuntimeState(symbol string) StrategyRuntimeState {
	return StrategyRuntimeState{Symbol: symbol}
}

// ResetCounters 清空中性/反向计数以及一次性通知标记
func (s *StrategyRuntimeState) ResetCounters() {
	s.NeutralSignalCount = 0
	s.ReverseSignalCount = 0
	s.SentNeutralNotice = false
	s.SentReverseNotice = false
}

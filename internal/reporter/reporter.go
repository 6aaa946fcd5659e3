package reporter

import (
	"fmt"
	"math"
	"time"

	"perp-signal-bot-go/internal/exchange"
	"perp-signal-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics 存储模拟盘的绩效指标
type Metrics struct {
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	AvgProfitLoss    float64
	MaxDrawdown      float64
	TotalFees        float64
}

// StatusTable 渲染当前持仓、保护价与计数器
func StatusTable(state models.StrategyRuntimeState, pos models.Position) string {
	t := newTable()
	t.SetTitle(fmt.Sprintf("%s @ %s", state.Symbol, time.Now().Format("2006-01-02 15:04:05")))
	t.AppendHeader(table.Row{"项目", "值"})
	t.AppendRows([]table.Row{
		{"当前价格", fmt.Sprintf("%.2f", state.LastPrice)},
		{"当前信号", state.CurrentSignal.String()},
		{"持仓方向", string(pos.Side)},
		{"持仓数量", fmt.Sprintf("%g", pos.Quantity)},
		{"开仓均价", fmt.Sprintf("%.2f", pos.EntryPrice)},
		{"未实现盈亏", fmt.Sprintf("%.4f", pos.UnrealizedProfit)},
		{"止损价", state.Targets.StopLoss.String()},
		{"止盈价", state.Targets.TakeProfit.String()},
		{"保护单数量", fmt.Sprintf("%g", state.Targets.Quantity)},
		{"中性计数", fmt.Sprintf("%d", state.NeutralSignalCount)},
		{"反向计数", fmt.Sprintf("%d", state.ReverseSignalCount)},
	})
	if !state.EntryTime.IsZero() {
		t.AppendRow(table.Row{"开仓时间", state.EntryTime.Format("2006-01-02 15:04:05")})
	}
	return t.Render()
}

// JournalTable 渲染订单动作记录
func JournalTable(entries []models.JournalEntry) string {
	t := newTable()
	t.AppendHeader(table.Row{"时间", "动作", "信号", "方向", "数量", "价格", "止损", "止盈", "订单", "备注"})
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.Time.Format("01-02 15:04:05"),
			string(e.Action),
			e.Signal.String(),
			string(e.Side),
			optional(e.Quantity),
			optional(e.Price),
			optional(e.StopLoss),
			optional(e.TakeProfit),
			e.OrderHash,
			e.Note,
		})
	}
	t.AppendFooter(table.Row{"共", fmt.Sprintf("%d 条", len(entries))})
	return t.Render()
}

// PaperReport 根据模拟交易所的状态计算并渲染绩效报告
func PaperReport(pe *exchange.PaperExchange) string {
	m := CalculateMetrics(pe)
	t := newTable()
	t.SetTitle("模拟盘结果报告 " + pe.Symbol)
	t.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f USDT", m.InitialBalance)},
		{"最终权益", fmt.Sprintf("%.2f USDT", m.FinalBalance)},
		{"总利润", fmt.Sprintf("%.2f USDT", m.TotalProfit)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
		{"总交易次数", m.TotalTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
		{"手续费", fmt.Sprintf("%.4f USDT", m.TotalFees)},
	})
	return t.Render()
}

func CalculateMetrics(pe *exchange.PaperExchange) *Metrics {
	trades := pe.Trades()
	m := &Metrics{
		InitialBalance: pe.InitialBalance,
		FinalBalance:   pe.Equity(),
		TotalTrades:    len(trades),
		TotalFees:      pe.TotalFees,
	}

	var totalProfit, totalLoss float64
	curve := []float64{pe.InitialBalance}
	equity := pe.InitialBalance
	for _, trade := range trades {
		if trade.Profit > 0 {
			m.WinningTrades++
			totalProfit += trade.Profit
		} else {
			m.LosingTrades++
			totalLoss += trade.Profit
		}
		equity += trade.Profit
		curve = append(curve, equity)
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}

	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = (m.TotalProfit / m.InitialBalance) * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(curve) * 100
	return m
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.Style().Title.Align = text.AlignCenter
	return t
}

func optional(v float64) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("%g", v)
}

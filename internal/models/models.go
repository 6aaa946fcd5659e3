package models

import (
	"fmt"
	"time"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	Exchange      string `json:"exchange"`   // 交易所实现: "binance" 或 "paper"
	IsTestnet     bool   `json:"is_testnet"` // 是否使用测试网
	DBPath        string `json:"db_path"`    // badger 数据目录
	RestoreState  bool   `json:"restore_state"`
	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`

	Symbol        string `json:"symbol"`         // 下单交易对，如 "ETHUSDT"
	KlineSymbol   string `json:"kline_symbol"`   // 行情交易对，为空时与 Symbol 相同
	KlineAPIURL   string `json:"kline_api_url"`  // K线使用的现货 REST 地址，为空时使用币安默认地址
	KlineInterval string `json:"kline_interval"` // K线周期，如 "5m"
	KlineLimit    int    `json:"kline_limit"`    // 每次拉取的K线数量

	Quantity         float64 `json:"quantity"`          // 每次开仓/翻仓的固定数量
	StopLoss         float64 `json:"stop_loss"`         // 止损比例, 0.0075 表示 0.75%
	TakeProfit       float64 `json:"take_profit"`       // 止盈比例
	NeutralTolerance int     `json:"neutral_tolerance"` // 连续中性信号容忍次数
	ReverseTolerance int     `json:"reverse_tolerance"` // 反向信号容忍次数, 0 表示立即翻仓
	PricePrecision   int32   `json:"price_precision"`   // 触发价小数位数
	Leverage         int     `json:"leverage"`          // 交易所查询失败时使用的杠杆
	OrderExpiryHours int     `json:"order_expiry_hours"`

	SignalIntervalSec  int `json:"signal_interval_sec"`   // 信号周期
	SignalOffsetSec    int `json:"signal_offset_sec"`     // K线收盘后的等待秒数
	MonitorIntervalSec int `json:"monitor_interval_sec"`  // 持仓监控间隔
	StatusIntervalSec  int `json:"status_interval_sec"`   // 状态表打印间隔
	FillTimeoutSec     int `json:"fill_timeout_sec"`      // 等待成交超时
	FillPollIntervalMs int `json:"fill_poll_interval_ms"` // 成交轮询间隔

	Signal    SignalConfig `json:"signal"`
	Notify    NotifyConfig `json:"notify"`
	Paper     PaperConfig  `json:"paper"`
	LogConfig LogConfig    `json:"log"`

	// 以下字段由程序从环境变量中填充，不写入配置文件
	APIKey    string `json:"-"`
	SecretKey string `json:"-"`
	BaseURL   string `json:"-"`
	WSBaseURL string `json:"-"`
}

// SignalConfig 定义了信号源的配置
type SignalConfig struct {
	Kind       string  `json:"kind"`        // "ema" 或 "static"
	FastPeriod int     `json:"fast_period"` // 快线周期
	SlowPeriod int     `json:"slow_period"` // 慢线周期
	Band       float64 `json:"band"`        // 快慢线相对差值小于该比例时视为中性
	Static     int     `json:"static"`      // static 模式下固定输出的信号
}

// NotifyConfig 定义了通知相关的配置
type NotifyConfig struct {
	DiscordWebhook     string `json:"discord_webhook"`
	DiscordLogsWebhook string `json:"discord_logs_webhook"`
	TelegramToken      string `json:"-"`
	TelegramChatID     int64  `json:"telegram_chat_id"`
	Mention            string `json:"mention"` // 交易通知后缀, 如 "<@1234>"
}

// PaperConfig 是模拟交易所的参数
type PaperConfig struct {
	InitialPrice float64 `json:"initial_price"`
	SlippageRate float64 `json:"slippage_rate"`
	Leverage     int     `json:"leverage"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回相反方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType 订单类型
type OrderType string

const (
	Market    OrderType = "MARKET"
	Limit     OrderType = "LIMIT"
	StopLimit OrderType = "STOP_LIMIT"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	StatusPending        OrderStatus = "PENDING"
	StatusStandbyPending OrderStatus = "STANDBY_PENDING"
	StatusOpen           OrderStatus = "OPEN"
	StatusPartialFilled  OrderStatus = "PARTIAL_FILLED"
	StatusFilled         OrderStatus = "FILLED"
	StatusCancelled      OrderStatus = "CANCELLED"
	StatusExpired        OrderStatus = "EXPIRED"
	StatusRejected       OrderStatus = "REJECTED"
)

// IsTerminal 表示订单是否已经不会再成交
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// OrderRequest 是提交给交易所的下单请求
type OrderRequest struct {
	Symbol       string
	Side         Side
	Type         OrderType
	Quantity     float64
	Price        float64 // 市价单为 0
	TriggerPrice float64 // 仅止损限价单使用
	Leverage     int
	PostOnly     bool
	ReduceOnly   bool      // 平仓和保护单只减仓
	Expiration   time.Time // 零值表示使用交易所默认值
}

// Order 定义了订单信息
type Order struct {
	Hash         string      `json:"hash"` // 交易所侧的唯一标识
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	Type         OrderType   `json:"type"`
	Price        float64     `json:"price"`
	TriggerPrice float64     `json:"trigger_price"`
	Quantity     float64     `json:"quantity"`
	FilledQty    float64     `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	Status       OrderStatus `json:"status"`
	PostOnly     bool        `json:"post_only"`
	ReduceOnly   bool        `json:"reduce_only"`
	CreatedAt    time.Time   `json:"created_at"`
}

// OrderFilter 用于查询挂单
type OrderFilter struct {
	Symbol   string
	Statuses []OrderStatus // 为空表示不过滤
}

// Matches 判断订单是否满足过滤条件
func (f OrderFilter) Matches(o Order) bool {
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if o.Status == s {
			return true
		}
	}
	return false
}

// Bar 是一根已收盘的K线
type Bar struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Signal 是方向性交易信号: 1 做多, 0 中性, -1 做空
type Signal int

const (
	SignalShort   Signal = -1
	SignalNeutral Signal = 0
	SignalLong    Signal = 1
)

// Valid 判断信号是否在 {-1, 0, 1} 之内
func (s Signal) Valid() bool {
	return s >= SignalShort && s <= SignalLong
}

// Side 返回开仓方向, 中性信号返回空字符串
func (s Signal) Side() Side {
	switch s {
	case SignalLong:
		return Buy
	case SignalShort:
		return Sell
	}
	return ""
}

// PositionSide 返回信号对应的持仓方向
func (s Signal) PositionSide() PositionSide {
	switch s {
	case SignalLong:
		return Long
	case SignalShort:
		return Short
	}
	return None
}

func (s Signal) String() string {
	switch s {
	case SignalLong:
		return "long(+1)"
	case SignalShort:
		return "short(-1)"
	case SignalNeutral:
		return "neutral(0)"
	}
	return fmt.Sprintf("invalid(%d)", int(s))
}

// NotifyTarget 区分通知的去向
type NotifyTarget string

const (
	TargetTrades NotifyTarget = "trades" // 开仓/平仓/翻仓
	TargetLogs   NotifyTarget = "logs"   // 运行日志类通知
)

// JournalAction 是交易日志中的动作类型
type JournalAction string

const (
	ActionOpen             JournalAction = "OPEN"
	ActionFlipClose        JournalAction = "FLIP_CLOSE"
	ActionFlipOpen         JournalAction = "FLIP_OPEN"
	ActionNeutralExit      JournalAction = "NEUTRAL_EXIT"
	ActionProtectiveUpdate JournalAction = "PROTECTIVE_UPDATE"
	ActionProtectiveHit    JournalAction = "PROTECTIVE_HIT"
)

// JournalEntry 记录一次由对账逻辑发出的订单动作
type JournalEntry struct {
	ID         string        `json:"id"`
	Time       time.Time     `json:"time"`
	Symbol     string        `json:"symbol"`
	Action     JournalAction `json:"action"`
	Signal     Signal        `json:"signal"`
	Side       Side          `json:"side,omitempty"`
	Quantity   float64       `json:"quantity"`
	Price      float64       `json:"price"`
	OrderHash  string        `json:"order_hash,omitempty"`
	StopLoss   float64       `json:"stop_loss,omitempty"`
	TakeProfit float64       `json:"take_profit,omitempty"`
	Note       string        `json:"note,omitempty"`
}

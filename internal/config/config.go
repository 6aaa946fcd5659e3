package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"perp-signal-bot-go/internal/models"
)

const (
	defaultLiveAPIURL    = "https://fapi.binance.com"
	defaultLiveWSURL     = "wss://fstream.binance.com"
	defaultTestnetAPIURL = "https://testnet.binancefuture.com"
	defaultTestnetWSURL  = "wss://stream.binancefuture.com"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中，
// 随后补齐默认值、读取环境变量中的密钥并校验。
func LoadConfig(path string) (*models.Config, error) {
	config, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFile 与 LoadConfig 相同但不做校验，调用方可以在校验前覆盖部分字段
func LoadFile(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyEnv(config, os.Getenv)
	ApplyDefaults(config)
	return config, nil
}

// ApplyDefaults 为未填写的字段设置默认值
func ApplyDefaults(c *models.Config) {
	if c.Exchange == "" {
		c.Exchange = "paper"
	}
	if c.Symbol == "" {
		c.Symbol = "ETHUSDT"
	}
	if c.KlineSymbol == "" {
		c.KlineSymbol = c.Symbol
	}
	if c.KlineInterval == "" {
		c.KlineInterval = "5m"
	}
	if c.KlineLimit <= 0 {
		c.KlineLimit = 200
	}
	if c.DBPath == "" {
		c.DBPath = "data/state"
	}

	if c.Quantity == 0 {
		c.Quantity = 0.01
	}
	if c.StopLoss == 0 {
		c.StopLoss = 0.0075
	}
	if c.TakeProfit == 0 {
		c.TakeProfit = 0.0075
	}
	if c.NeutralTolerance == 0 {
		c.NeutralTolerance = 3
	}
	if c.PricePrecision == 0 {
		c.PricePrecision = 1
	}
	if c.Leverage == 0 {
		c.Leverage = 20
	}
	if c.OrderExpiryHours == 0 {
		c.OrderExpiryHours = 240
	}

	if c.SignalIntervalSec == 0 {
		c.SignalIntervalSec = 300
	}
	if c.SignalOffsetSec == 0 {
		c.SignalOffsetSec = 2
	}
	if c.MonitorIntervalSec == 0 {
		c.MonitorIntervalSec = 10
	}
	if c.StatusIntervalSec == 0 {
		c.StatusIntervalSec = 30
	}
	if c.FillTimeoutSec == 0 {
		c.FillTimeoutSec = 30
	}
	if c.FillPollIntervalMs == 0 {
		c.FillPollIntervalMs = 2000
	}

	if c.Signal.Kind == "" {
		c.Signal.Kind = "ema"
	}
	if c.Signal.FastPeriod == 0 {
		c.Signal.FastPeriod = 12
	}
	if c.Signal.SlowPeriod == 0 {
		c.Signal.SlowPeriod = 26
	}

	if c.Paper.Leverage == 0 {
		c.Paper.Leverage = c.Leverage
	}

	if c.LiveAPIURL == "" {
		c.LiveAPIURL = defaultLiveAPIURL
	}
	if c.LiveWSURL == "" {
		c.LiveWSURL = defaultLiveWSURL
	}
	if c.TestnetAPIURL == "" {
		c.TestnetAPIURL = defaultTestnetAPIURL
	}
	if c.TestnetWSURL == "" {
		c.TestnetWSURL = defaultTestnetWSURL
	}
	// 根据配置设置API URL
	if c.IsTestnet {
		c.BaseURL, c.WSBaseURL = c.TestnetAPIURL, c.TestnetWSURL
	} else {
		c.BaseURL, c.WSBaseURL = c.LiveAPIURL, c.LiveWSURL
	}

	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.LogConfig.Output == "" {
		c.LogConfig.Output = "console"
	}
}

// ApplyEnv 从环境变量中读取密钥。getenv 通常为 os.Getenv，测试时可替换。
// 环境变量中的 webhook 优先于配置文件。
func ApplyEnv(c *models.Config, getenv func(string) string) {
	c.APIKey = getenv("BINANCE_API_KEY")
	c.SecretKey = getenv("BINANCE_SECRET_KEY")

	if v := getenv("DISCORD_WEBHOOK_URL"); v != "" {
		c.Notify.DiscordWebhook = v
	}
	if v := getenv("DISCORD_LOGS_WEBHOOK_URL"); v != "" {
		c.Notify.DiscordLogsWebhook = v
	}
	c.Notify.TelegramToken = getenv("TELEGRAM_BOT_TOKEN")
	if v := getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			c.Notify.TelegramChatID = id
		}
	}
}

// Validate 校验配置是否可用
func Validate(c *models.Config) error {
	var errs []error

	switch c.Exchange {
	case "binance", "paper":
	default:
		errs = append(errs, fmt.Errorf("未知的交易所实现 %q, 只支持 binance 或 paper", c.Exchange))
	}
	if c.Quantity <= 0 {
		errs = append(errs, fmt.Errorf("%w: quantity 必须大于 0, 当前为 %v", models.ErrInvalidQuantity, c.Quantity))
	}
	if c.StopLoss <= 0 || c.StopLoss >= 1 {
		errs = append(errs, fmt.Errorf("stop_loss 必须在 (0,1) 之间, 当前为 %v", c.StopLoss))
	}
	if c.TakeProfit <= 0 || c.TakeProfit >= 1 {
		errs = append(errs, fmt.Errorf("take_profit 必须在 (0,1) 之间, 当前为 %v", c.TakeProfit))
	}
	if c.NeutralTolerance < 1 {
		errs = append(errs, fmt.Errorf("neutral_tolerance 至少为 1, 当前为 %d", c.NeutralTolerance))
	}
	if c.ReverseTolerance < 0 {
		errs = append(errs, fmt.Errorf("reverse_tolerance 不能为负数, 当前为 %d", c.ReverseTolerance))
	}
	if c.PricePrecision < 0 {
		errs = append(errs, fmt.Errorf("price_precision 不能为负数, 当前为 %d", c.PricePrecision))
	}

	switch c.Signal.Kind {
	case "ema":
		if c.Signal.FastPeriod >= c.Signal.SlowPeriod {
			errs = append(errs, fmt.Errorf("signal.fast_period (%d) 必须小于 slow_period (%d)", c.Signal.FastPeriod, c.Signal.SlowPeriod))
		}
	case "static":
		if !models.Signal(c.Signal.Static).Valid() {
			errs = append(errs, fmt.Errorf("%w: signal.static=%d", models.ErrInvalidSignal, c.Signal.Static))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的信号源 %q, 只支持 ema 或 static", c.Signal.Kind))
	}

	if c.Exchange == "binance" && (c.APIKey == "" || c.SecretKey == "") {
		errs = append(errs, errors.New("binance 模式下必须设置 BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量"))
	}

	return errors.Join(errs...)
}

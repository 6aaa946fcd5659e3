package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"perp-signal-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
)

// KlineFeed 从币安现货公共接口拉取K线, 公共接口不需要 API Key
type KlineFeed struct {
	client   *binance.Client
	symbol   string
	interval string
	limit    int
	now      func() time.Time
}

// NewKlineFeed 创建一个新的K线源, baseURL 为空时使用币安默认地址
func NewKlineFeed(baseURL, symbol, interval string, limit int) *KlineFeed {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	if limit <= 0 {
		limit = 200
	}
	return &KlineFeed{client: client, symbol: symbol, interval: interval, limit: limit, now: time.Now}
}

// ClosedBars 返回已收盘的K线 (按时间升序)。最后一根尚未收盘的K线会被丢弃。
func (f *KlineFeed) ClosedBars(ctx context.Context) ([]models.Bar, error) {
	klines, err := f.client.NewKlinesService().
		Symbol(f.symbol).
		Interval(f.interval).
		Limit(f.limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下载K线数据失败: %w", err)
	}
	return closedBars(klines, f.now())
}

// LastPrice 返回最新成交价
func (f *KlineFeed) LastPrice(ctx context.Context) (float64, error) {
	prices, err := f.client.NewListPricesService().Symbol(f.symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取价格失败: %w", err)
	}
	for _, p := range prices {
		if p.Symbol == f.symbol {
			v, err := strconv.ParseFloat(p.Price, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: price %q", models.ErrDataConversion, p.Price)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("未返回 %s 的价格", f.symbol)
}

func closedBars(klines []*binance.Kline, now time.Time) ([]models.Bar, error) {
	bars := make([]models.Bar, 0, len(klines))
	for _, k := range klines {
		closeTime := time.UnixMilli(k.CloseTime)
		if closeTime.After(now) {
			continue
		}
		bar := models.Bar{OpenTime: time.UnixMilli(k.OpenTime), CloseTime: closeTime}
		fields := []struct {
			raw string
			dst *float64
		}{
			{k.Open, &bar.Open}, {k.High, &bar.High}, {k.Low, &bar.Low}, {k.Close, &bar.Close}, {k.Volume, &bar.Volume},
		}
		for _, fld := range fields {
			v, err := strconv.ParseFloat(fld.raw, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: kline %d: %q", models.ErrDataConversion, k.OpenTime, fld.raw)
			}
			*fld.dst = v
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

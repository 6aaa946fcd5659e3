package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait
	reconnectDelay = 5 * time.Second
)

// PriceStream 订阅币安 aggTrade 推送并缓存最新成交价, 断线后自动重连
type PriceStream struct {
	url        string
	logger     *zap.Logger
	onPrice    func(price float64, at time.Time)
	fallback   func(ctx context.Context) (float64, error)
	staleAfter time.Duration

	mu     sync.RWMutex
	last   float64
	lastAt time.Time
}

func NewPriceStream(wsBaseURL, symbol string, logger *zap.Logger) *PriceStream {
	return &PriceStream{
		url:    fmt.Sprintf("%s/ws/%s@aggTrade", strings.TrimRight(wsBaseURL, "/"), strings.ToLower(symbol)),
		logger: logger,
	}
}

// OnPrice 注册每条成交推送的回调, 须在 Run 之前调用
func (s *PriceStream) OnPrice(fn func(price float64, at time.Time)) {
	s.onPrice = fn
}

// WithFallback 在推送价格超过 staleAfter 未更新时改用 fn 获取价格
func (s *PriceStream) WithFallback(fn func(ctx context.Context) (float64, error), staleAfter time.Duration) {
	s.fallback = fn
	s.staleAfter = staleAfter
}

// LastPrice 返回最新价格
func (s *PriceStream) LastPrice(ctx context.Context) (float64, error) {
	s.mu.RLock()
	price, at := s.last, s.lastAt
	s.mu.RUnlock()

	fresh := price > 0 && (s.staleAfter <= 0 || time.Since(at) <= s.staleAfter)
	if fresh {
		return price, nil
	}
	if s.fallback != nil {
		return s.fallback(ctx)
	}
	if price > 0 {
		return price, nil
	}
	return 0, fmt.Errorf("尚未收到价格推送")
}

// Run 维持 WebSocket 连接直到 ctx 被取消
func (s *PriceStream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.logger.Info("WebSocket循环已停止。")
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Sugar().Warnf("WebSocket连接失败: %v。%s后重试...", err, reconnectDelay)
		} else {
			s.logger.Info("WebSocket连接成功。", zap.String("url", s.url))
			if err := s.handleMessages(ctx, conn); err != nil {
				s.logger.Sugar().Warnf("WebSocket处理时发生错误: %v", err)
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
			s.logger.Info("WebSocket循环已停止。")
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// handleMessages 处理一个已建立连接上的消息，并实现心跳机制。连接断开时返回。
func (s *PriceStream) handleMessages(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		pingTicker := time.NewTicker(pingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					s.logger.Sugar().Warnf("发送Ping失败: %v", err)
					return
				}
			case <-ctx.Done():
				// 优雅关闭, 关闭帧会让 ReadMessage 返回
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}

		var trade struct {
			Price     json.Number `json:"p"` // "p"代表价格
			TradeTime int64       `json:"T"`
		}
		if err := json.Unmarshal(message, &trade); err != nil {
			s.logger.Sugar().Debugf("解析价格信息失败: %v", err)
			continue
		}
		price, err := trade.Price.Float64()
		if err != nil || price <= 0 {
			continue
		}
		at := time.Now()
		if trade.TradeTime > 0 {
			at = time.UnixMilli(trade.TradeTime)
		}
		s.update(price, at)
	}
}

func (s *PriceStream) update(price float64, at time.Time) {
	s.mu.Lock()
	s.last = price
	s.lastAt = time.Now()
	s.mu.Unlock()
	if s.onPrice != nil {
		s.onPrice(price, at)
	}
}

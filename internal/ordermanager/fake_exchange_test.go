package ordermanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"perp-signal-bot-go/internal/models"
)

// fakeExchange 记录每一次调用。非市价单会留在挂单列表中直到被撤销;
// 设置了 openScript 时, GetOpenOrders 按顺序返回脚本里的结果 (最后一项重复)。
type fakeExchange struct {
	mu sync.Mutex

	calls      []string
	submitted  []models.OrderRequest
	cancels    int
	open       []models.Order
	openScript [][]models.Order
	openCalls  int
	openErrAt  int // 从第 n 次查询挂单 (从 1 开始) 起一直返回错误, 0 表示不出错
	nextHash   int
	emptyHash  bool

	leverage   int
	levErr     error
	submitErrs map[int]error // 第 n 次下单 (从 1 开始) 返回的错误
	cancelErr  error
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{leverage: 10, submitErrs: map[int]error{}}
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "submit:"+string(req.Type))
	f.submitted = append(f.submitted, req)
	if err, ok := f.submitErrs[len(f.submitted)]; ok {
		return nil, models.NewGatewayError("submit_order", err)
	}
	f.nextHash++
	o := models.Order{
		Hash:         fmt.Sprintf("0x%x", f.nextHash),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Quantity:     req.Quantity,
		Status:       models.StatusPending,
		PostOnly:     req.PostOnly,
	}
	if f.emptyHash {
		o.Hash = ""
	}
	if req.Type != models.Market {
		f.open = append(f.open, o)
	}
	return &o, nil
}

func (f *fakeExchange) CancelAllOrders(ctx context.Context, symbol string, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "cancel_all")
	f.cancels++
	if f.cancelErr != nil {
		return models.NewGatewayError("cancel_all_orders", f.cancelErr)
	}
	f.open = nil
	return nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	if f.openErrAt > 0 && f.openCalls >= f.openErrAt {
		return nil, models.NewGatewayError("get_open_orders", errors.New("503 service unavailable"))
	}
	if len(f.openScript) > 0 {
		i := f.openCalls - 1
		if i >= len(f.openScript) {
			i = len(f.openScript) - 1
		}
		return append([]models.Order(nil), f.openScript[i]...), nil
	}
	return append([]models.Order(nil), f.open...), nil
}

func (f *fakeExchange) GetPosition(ctx context.Context, symbol string) (*models.RawPosition, error) {
	return &models.RawPosition{Symbol: symbol, Quantity: "0"}, nil
}

func (f *fakeExchange) GetLeverage(ctx context.Context, symbol string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.levErr != nil {
		return 0, models.NewGatewayError("get_leverage", f.levErr)
	}
	return f.leverage, nil
}

// orderCalls 只返回下单和撤单调用
func (f *fakeExchange) orderCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExchange) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.submitted = nil
	f.cancels = 0
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs map[models.NotifyTarget][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{msgs: map[models.NotifyTarget][]string{}}
}

func (n *recordingNotifier) Send(ctx context.Context, target models.NotifyTarget, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs[target] = append(n.msgs[target], msg)
}

func (n *recordingNotifier) count(target models.NotifyTarget) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs[target])
}

func testConfig() *models.Config {
	return &models.Config{
		Symbol:             "ETH-PERP",
		Quantity:           0.01,
		StopLoss:           0.0075,
		TakeProfit:         0.0075,
		PricePrecision:     1,
		Leverage:           20,
		OrderExpiryHours:   240,
		FillTimeoutSec:     1,
		FillPollIntervalMs: 5,
	}
}

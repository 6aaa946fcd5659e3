package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"perp-signal-bot-go/internal/bot"
	"perp-signal-bot-go/internal/config"
	"perp-signal-bot-go/internal/exchange"
	"perp-signal-bot-go/internal/logger"
	"perp-signal-bot-go/internal/marketdata"
	"perp-signal-bot-go/internal/models"
	"perp-signal-bot-go/internal/notify"
	"perp-signal-bot-go/internal/persistence"
	"perp-signal-bot-go/internal/reporter"
	"perp-signal-bot-go/internal/signal"
	"perp-signal-bot-go/internal/statemanager"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "", "running mode: live, paper or report (defaults to the config's exchange)")
	once := flag.Bool("once", false, "run a single signal tick and exit")
	journalLimit := flag.Int("limit", 50, "number of journal entries to print in report mode")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	// 在加载配置之前先使用默认日志配置
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	switch *mode {
	case "live":
		cfg.Exchange = "binance"
	case "paper":
		cfg.Exchange = "paper"
	}
	// 报告模式只读取本地数据库，不需要交易所密钥
	if *mode != "report" {
		if err := config.Validate(cfg); err != nil {
			logger.S().Fatalf("配置校验失败: %v", err)
		}
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "report":
		err = runReport(cfg, *journalLimit)
	case "", "live", "paper":
		err = runBot(ctx, cfg, *once)
	default:
		err = fmt.Errorf("未知的运行模式: %s。请选择 'live'、'paper' 或 'report'。", *mode)
	}
	if err != nil {
		logger.S().Fatal(err)
	}
}

// runReport 打印本地数据库中的状态和交易日志
func runReport(cfg *models.Config, limit int) error {
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("打开数据库 %s 失败: %w", cfg.DBPath, err)
	}
	defer repo.Close()

	state, err := repo.LoadState(cfg.Symbol)
	if err != nil {
		return fmt.Errorf("读取状态失败: %w", err)
	}
	if state == nil {
		fmt.Printf("数据库中没有 %s 的状态记录。\n", cfg.Symbol)
	} else {
		fmt.Println(reporter.StatusTable(*state, models.Position{Symbol: cfg.Symbol, Side: models.None}))
	}

	entries, err := repo.LoadJournal(cfg.Symbol, limit)
	if err != nil {
		return fmt.Errorf("读取交易日志失败: %w", err)
	}
	fmt.Println(reporter.JournalTable(entries))
	return nil
}

// runBot 组装所有组件并运行信号机器人，直到收到退出信号
func runBot(ctx context.Context, cfg *models.Config, once bool) error {
	log := logger.L()
	logger.S().Infof("--- 启动信号机器人 (%s) ---", cfg.Exchange)

	// --- 行情 ---
	klines := marketdata.NewKlineFeed(cfg.KlineAPIURL, cfg.KlineSymbol, cfg.KlineInterval, cfg.KlineLimit)
	stream := marketdata.NewPriceStream(cfg.WSBaseURL, cfg.Symbol, logger.Named("stream"))
	stream.WithFallback(klines.LastPrice, 30*time.Second)

	// --- 交易所 ---
	var (
		ex    exchange.Exchange
		paper *exchange.PaperExchange
	)
	switch cfg.Exchange {
	case "binance":
		live, err := exchange.NewLiveExchange(ctx, cfg, logger.Named("exchange"))
		if err != nil {
			return fmt.Errorf("初始化交易所失败: %w", err)
		}
		if err := live.SetLeverage(ctx, cfg.Symbol, cfg.Leverage); err != nil {
			logger.S().Warnf("设置杠杆失败, 将使用交易所当前杠杆: %v", err)
		}
		ex = live
	default:
		paper = exchange.NewPaperExchange(cfg, logger.Named("paper"))
		if paper.CurrentPrice <= 0 {
			price, err := klines.LastPrice(ctx)
			if err != nil {
				return fmt.Errorf("获取模拟交易初始价格失败: %w", err)
			}
			paper.SetPrice(price, time.Now())
		}
		stream.OnPrice(paper.SetPrice)
		ex = paper
	}

	// --- 信号与通知 ---
	signals, err := signal.New(cfg, klines, logger.Named("signal"))
	if err != nil {
		return fmt.Errorf("初始化信号源失败: %w", err)
	}
	notifier, err := notify.FromConfig(cfg.Notify, logger.Named("notify"))
	if err != nil {
		return fmt.Errorf("初始化通知失败: %w", err)
	}

	// --- 持久化 ---
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("打开数据库 %s 失败: %w", cfg.DBPath, err)
	}
	defer repo.Close()

	initial := models.NewRuntimeState(cfg.Symbol)
	if cfg.RestoreState {
		saved, err := repo.LoadState(cfg.Symbol)
		if err != nil {
			logger.S().Warnf("无法加载状态: %v，将以全新状态启动。", err)
		} else if saved != nil {
			initial = *saved
			logger.S().Infof("已恢复状态: 信号 %s, 止损 %s, 止盈 %s", initial.CurrentSignal, initial.Targets.StopLoss, initial.Targets.TakeProfit)
		}
	}

	manager := statemanager.NewStateManager(&initial, repo, logger.Named("state"))
	manager.Start()
	defer manager.Stop()

	signalBot := bot.NewSignalBot(cfg, ex, signals, stream, notifier, manager, logger.Named("bot"))
	signalBot.Restore(initial)

	if once {
		// 单次模式不需要行情流, 价格由K线接口兜底
		if err := signalBot.SignalTick(ctx); err != nil {
			return fmt.Errorf("信号处理失败: %w", err)
		}
	} else {
		// 行情流和机器人共享生命周期: 任一方返回错误都会取消另一方
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			stream.Run(gctx)
			return nil
		})
		g.Go(func() error {
			return signalBot.Run(gctx)
		})
		if err := g.Wait(); err != nil {
			return err
		}
	}

	log.Info("机器人已停止，正在保存状态。")
	if paper != nil {
		fmt.Println(reporter.PaperReport(paper))
	}
	return nil
}

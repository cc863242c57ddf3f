package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/OvictorVieira/backbot-sub005/internal/config"
	"github.com/OvictorVieira/backbot-sub005/internal/engine"
	"github.com/OvictorVieira/backbot-sub005/internal/events"
	"github.com/OvictorVieira/backbot-sub005/internal/exchange"
	"github.com/OvictorVieira/backbot-sub005/internal/logger"
	"github.com/OvictorVieira/backbot-sub005/internal/marketdata"
	"github.com/OvictorVieira/backbot-sub005/internal/models"
	"github.com/OvictorVieira/backbot-sub005/internal/opsserver"
	"github.com/OvictorVieira/backbot-sub005/internal/persistence"
	"github.com/OvictorVieira/backbot-sub005/internal/pricefeed"
	"github.com/OvictorVieira/backbot-sub005/internal/reporter"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const eventBuffer = 256

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file (.json or .yaml)")
	mode := flag.String("mode", "live", "running mode: live, replay, inspect or reset")
	dataPath := flag.String("data", "", "kline CSV for replay")
	symbol := flag.String("symbol", "", "symbol to replay, or to reset")
	startDate := flag.String("start", "", "replay start date (YYYY-MM-DD)")
	endDate := flag.String("end", "", "replay end date (YYYY-MM-DD)")
	interval := flag.String("interval", "30m", "kline interval downloaded for replay")
	botID := flag.String("bot", "", "bot id used by replay and inspect (default: first configured bot)")
	qty := flag.Float64("qty", 1, "replay position size")
	side := flag.String("side", "long", "replay position side: long or short")
	balance := flag.Float64("balance", 1000, "replay initial balance")
	leverage := flag.Float64("leverage", 10, "replay leverage")
	flag.Parse()

	// 先用默认配置初始化日志, 加载配置后再重建
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	log := logger.InitLogger(cfg.LogConfig)
	defer log.Sync()

	switch *mode {
	case "live":
		err = runLiveMode(cfg, log)
	case "replay":
		_, err = runReplayMode(cfg, log, replayOptions{
			dataPath: *dataPath,
			symbol:   *symbol,
			start:    *startDate,
			end:      *endDate,
			interval: *interval,
			botID:    *botID,
			qty:      *qty,
			side:     *side,
			balance:  *balance,
			leverage: *leverage,
		}, os.Stdout)
	case "inspect":
		err = runInspectMode(cfg, *botID)
	case "reset":
		err = runResetMode(cfg, log, *symbol)
	default:
		err = fmt.Errorf("未知的运行模式: %s。请选择 live, replay, inspect 或 reset", *mode)
	}
	if err != nil {
		log.Fatal("运行失败", zap.String("mode", *mode), zap.Error(err))
	}
}

// openStore 根据配置选择状态存储后端
func openStore(cfg models.StoreConfig) (persistence.StateRepository, error) {
	switch cfg.Backend {
	case "postgres":
		return persistence.NewPostgresRepository(cfg.DSN)
	case "", "badger":
		return persistence.NewBadgerRepository(cfg.Path)
	}
	return nil, &models.ConfigurationError{Field: "store.backend", Msg: fmt.Sprintf("unknown backend %q", cfg.Backend)}
}

func newEventBus(log *zap.Logger) *events.Bus {
	bus := events.NewBus(eventBuffer, log)
	bus.Subscribe(events.LogSink(log.Named("events")))
	bus.Start()
	return bus
}

// runLiveMode 运行实时风控引擎, 直到收到中断信号
func runLiveMode(cfg *models.Config, log *zap.Logger) error {
	log.Info("--- 启动实时风控模式 ---", zap.Bool("testnet", cfg.Exchange.Testnet))

	bots, err := config.BotContexts(cfg, os.Getenv)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("打开状态存储失败: %w", err)
	}

	// K线是公共接口, ATR 使用无密钥客户端
	public := exchange.NewBinanceFuturesClient(models.Credentials{}, cfg.Exchange, log)
	deps := engine.Deps{
		Store:   store,
		Factory: exchange.NewBinanceFactory(cfg.Exchange, log),
		ATR:     marketdata.NewATRProvider(public, log),
		Events:  newEventBus(log),
		Logger:  log,
	}
	if cfg.PriceFeed.Enabled {
		deps.Feed = pricefeed.NewFeed(cfg.PriceFeed, log)
	}

	eng := engine.New(*cfg, deps)
	if err := eng.Start(); err != nil {
		_ = eng.Stop()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := 0
	for _, bot := range bots {
		if err := eng.StartBot(ctx, bot); err != nil {
			log.Error("机器人启动失败", zap.String("botId", bot.ID), zap.Error(err))
			continue
		}
		started++
	}
	if started == 0 {
		_ = eng.Stop()
		return fmt.Errorf("没有可运行的机器人")
	}

	if cfg.Ops.ListenAddr != "" {
		opsserver.New(cfg.Ops.ListenAddr, eng, store, log).Start(ctx)
	}

	<-ctx.Done()
	log.Info("收到退出信号, 正在停止...")
	if err := eng.Stop(); err != nil {
		return err
	}
	log.Info("风控引擎已成功停止。")
	return nil
}

// runInspectMode 打印持久化的状态表
func runInspectMode(cfg *models.Config, botID string) error {
	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	states, err := store.ListAll()
	if err != nil {
		return err
	}
	if botID != "" {
		filtered := states[:0]
		for _, s := range states {
			if s.BotID == botID {
				filtered = append(filtered, s)
			}
		}
		states = filtered
	}
	reporter.StatesTable(os.Stdout, states)
	return nil
}

// runResetMode 清除状态: 指定 symbol 时只删除该交易对, 否则全部清空
func runResetMode(cfg *models.Config, log *zap.Logger, symbol string) error {
	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}

	if symbol != "" {
		defer store.Close()
		n, err := store.DeleteBySymbol(symbol)
		if err != nil {
			return err
		}
		log.Warn("已删除交易对的状态", zap.String("symbol", symbol), zap.Int("deleted", n))
		return nil
	}

	eng := engine.New(*cfg, engine.Deps{Store: store, Logger: log})
	n, err := eng.ForceReset()
	if stopErr := eng.Stop(); err == nil {
		err = stopErr
	}
	if err != nil {
		return err
	}
	log.Warn("已清空全部状态", zap.Int("deleted", n))
	return nil
}

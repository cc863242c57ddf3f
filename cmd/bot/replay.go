package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/engine"
	"github.com/OvictorVieira/backbot-sub005/internal/exchange"
	"github.com/OvictorVieira/backbot-sub005/internal/marketdata"
	"github.com/OvictorVieira/backbot-sub005/internal/models"
	"github.com/OvictorVieira/backbot-sub005/internal/monitor"
	"github.com/OvictorVieira/backbot-sub005/internal/persistence"
	"github.com/OvictorVieira/backbot-sub005/internal/reporter"

	"go.uber.org/zap"
)

const replayTakerFee = 0.0004

// 回放时每根K线依次执行的任务
var replayJobs = []string{monitor.KindCycle, monitor.KindTakeProfit, monitor.KindPendingOrders, monitor.KindOrphanOrders}

type replayOptions struct {
	dataPath string
	symbol   string
	start    string
	end      string
	interval string
	botID    string
	qty      float64
	side     string
	balance  float64
	leverage float64
}

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-30m-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".csv")
	return strings.Split(name, "-")[0]
}

// resolveReplayData 返回回放使用的数据文件, 需要时先下载
func resolveReplayData(ctx context.Context, cfg *models.Config, log *zap.Logger, opts replayOptions) (string, error) {
	if opts.symbol != "" && opts.start != "" && opts.end != "" {
		startTime, err1 := time.Parse("2006-01-02", opts.start)
		endTime, err2 := time.Parse("2006-01-02", opts.end)
		if err1 != nil || err2 != nil {
			return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
		}
		fileName := filepath.Join("data", fmt.Sprintf("%s-%s-%s-%s.csv", opts.symbol, opts.interval, opts.start, opts.end))
		downloader := marketdata.NewKlineDownloader(cfg.Exchange.BaseURL, log)
		if err := downloader.DownloadKlines(ctx, opts.symbol, opts.interval, fileName, startTime, endTime); err != nil {
			return "", fmt.Errorf("下载数据失败: %w", err)
		}
		return fileName, nil
	}
	if opts.dataPath == "" {
		return "", fmt.Errorf("回放模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}
	return opts.dataPath, nil
}

// replayBot 选出回放使用的机器人配置, 凭证使用占位值
func replayBot(cfg *models.Config, botID string) (models.BotContext, error) {
	for _, b := range cfg.Bots {
		if botID == "" || b.ID == botID {
			return models.BotContext{
				ID:          b.ID,
				Strategy:    b.Strategy,
				Risk:        b.Risk,
				Credentials: models.Credentials{APIKey: "replay", APISecret: "replay"},
			}, nil
		}
	}
	if botID == "" {
		return models.BotContext{}, &models.ConfigurationError{Field: "bots", Msg: "no bot configured"}
	}
	return models.BotContext{}, &models.ConfigurationError{Field: "bots", Msg: fmt.Sprintf("bot %q not found", botID)}
}

// runReplayMode 用模拟交易所按K线驱动引擎, 结束后打印报告
func runReplayMode(cfg *models.Config, log *zap.Logger, opts replayOptions, out io.Writer) (*reporter.Metrics, error) {
	log.Info("--- 启动回放模式 ---")
	ctx := context.Background()

	dataPath, err := resolveReplayData(ctx, cfg, log, opts)
	if err != nil {
		return nil, err
	}
	symbol := opts.symbol
	if symbol == "" {
		symbol = extractSymbolFromPath(dataPath)
	}
	if symbol == "" {
		return nil, fmt.Errorf("无法从数据文件路径 %s 中提取交易对", dataPath)
	}

	candles, err := marketdata.LoadCandles(dataPath)
	if err != nil {
		return nil, fmt.Errorf("无法读取历史数据: %w", err)
	}
	if len(candles) < 2 {
		return nil, fmt.Errorf("历史数据文件 %s 为空或只有一根K线", dataPath)
	}

	bot, err := replayBot(cfg, opts.botID)
	if err != nil {
		return nil, err
	}
	// 回放使用独立的内存存储, 不影响实盘状态
	store, err := persistence.NewBadgerRepository("")
	if err != nil {
		return nil, err
	}

	sim := exchange.NewSimExchange(opts.leverage, log.Named("sim"))
	sim.TakerFeeRate = replayTakerFee
	qty := opts.qty
	if strings.EqualFold(opts.side, "short") {
		qty = -qty
	}
	sim.OpenPosition(symbol, qty, candles[0].Open)

	atr := marketdata.NewHistoryATR(marketdata.DefaultATRPeriod)
	eng := engine.New(*cfg, engine.Deps{
		Store:   store,
		Factory: func(models.Credentials) (exchange.Client, error) { return sim, nil },
		ATR:     atr,
		Events:  newEventBus(log),
		Logger:  log,
		Manual:  true,
	})
	defer eng.Stop()
	if err := eng.Start(); err != nil {
		return nil, err
	}
	if err := eng.StartBot(ctx, bot); err != nil {
		return nil, err
	}

	log.Info("开始回放...",
		zap.String("symbol", symbol),
		zap.String("botId", bot.ID),
		zap.Float64("qty", qty),
		zap.Int("candles", len(candles)),
	)
	for _, c := range candles {
		sim.SetCandle(symbol, c.Open, c.High, c.Low, c.Close, c.CloseTime)
		atr.Push(c)
		for _, kind := range replayJobs {
			if err := eng.RunMonitor(ctx, bot.ID, kind); err != nil {
				log.Debug("回放任务失败", zap.String("job", kind), zap.Time("at", c.CloseTime), zap.Error(err))
			}
		}
		if sim.PositionQty(symbol) == 0 {
			log.Info("仓位已平, 提前结束回放", zap.Time("at", c.CloseTime))
			break
		}
	}
	log.Info("回放结束。")

	return reporter.GenerateReport(out, sim, opts.balance, dataPath, candles[0].OpenTime, candles[len(candles)-1].CloseTime), nil
}

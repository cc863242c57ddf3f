package reporter

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/exchange"
	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics 存储回放结束后计算出的性能指标
type Metrics struct {
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64
	TotalFees        float64
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	AvgProfitLoss    float64
	MaxDrawdown      float64
	StopExits        int // 由止损单平仓的次数
	StartTime        time.Time
	EndTime          time.Time
}

// CalculateMetrics derives the replay metrics from the closed trades.
func CalculateMetrics(trades []exchange.Trade, initialBalance float64) *Metrics {
	m := &Metrics{InitialBalance: initialBalance, TotalTrades: len(trades)}

	equity := []float64{initialBalance}
	var totalProfit, totalLoss float64
	for _, trade := range trades {
		m.TotalFees += trade.Fee
		if trade.Kind == models.OrderStop {
			m.StopExits++
		}
		if trade.Profit > 0 {
			m.WinningTrades++
			totalProfit += trade.Profit
		} else {
			m.LosingTrades++
			totalLoss += trade.Profit
		}
		equity = append(equity, equity[len(equity)-1]+trade.Profit)
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		if avgLoss > 0 {
			m.AvgProfitLoss = avgWin / avgLoss
		}
	}

	m.TotalProfit = totalProfit + totalLoss
	m.FinalBalance = initialBalance + m.TotalProfit
	if initialBalance != 0 {
		m.ProfitPercentage = m.TotalProfit / initialBalance * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(equity) * 100
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
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// GenerateReport 打印回放结果: 汇总指标和逐笔平仓记录
func GenerateReport(w io.Writer, sim *exchange.SimExchange, initialBalance float64, dataPath string, start, end time.Time) *Metrics {
	trades := sim.Trades()
	m := CalculateMetrics(trades, initialBalance)
	m.StartTime, m.EndTime = start, end

	summary := table.NewWriter()
	summary.SetTitle("回放结果报告")
	summary.SetStyle(table.StyleLight)
	summary.AppendRows([]table.Row{
		{"数据文件", dataPath},
		{"回放周期", fmt.Sprintf("%s 到 %s", start.Format("2006-01-02 15:04"), end.Format("2006-01-02 15:04"))},
	})
	summary.AppendSeparator()
	summary.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f USDT", m.InitialBalance)},
		{"最终资金", fmt.Sprintf("%.2f USDT", m.FinalBalance)},
		{"总利润", fmt.Sprintf("%.2f USDT", m.TotalProfit)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
		{"手续费", fmt.Sprintf("%.4f USDT", m.TotalFees)},
	})
	summary.AppendSeparator()
	summary.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"止损离场", m.StopExits},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
	})
	fmt.Fprintln(w, summary.Render())

	if len(trades) > 0 {
		fmt.Fprintln(w, tradesTable(trades))
	}
	return m
}

func tradesTable(trades []exchange.Trade) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Time", "Symbol", "Side", "Kind", "Qty", "Entry", "Exit", "PnL"})
	for _, tr := range trades {
		t.AppendRow(table.Row{
			tr.Time.Format("2006-01-02 15:04"),
			tr.Symbol,
			tr.Side,
			tr.Kind,
			fmt.Sprintf("%.4f", tr.Quantity),
			fmt.Sprintf("%.4f", tr.EntryPrice),
			fmt.Sprintf("%.4f", tr.ExitPrice),
			fmt.Sprintf("%.4f", tr.Profit),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
	})
	return t.Render()
}

// StatesTable 以表格形式输出持久化的轨迹止损状态 (inspect 模式)
func StatesTable(w io.Writer, states []*models.TrailingState) {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Bot", "Symbol", "Phase", "Dir", "Entry", "Stop", "Extreme", "Take Profit", "Order", "Updated"})
	for _, s := range states {
		tp := "-"
		if s.PartialTakeProfitPrice > 0 {
			tp = fmt.Sprintf("%.4f", s.PartialTakeProfitPrice)
		}
		order := s.ActiveStopOrderID
		if order == "" {
			order = "-"
		}
		t.AppendRow(table.Row{
			s.BotID,
			s.Symbol,
			s.Phase,
			s.Direction,
			fmt.Sprintf("%.4f", s.EntryPrice),
			fmt.Sprintf("%.4f", s.TrailingStopPrice),
			fmt.Sprintf("%.4f", s.Extreme()),
			tp,
			order,
			s.UpdatedAt.Format(time.RFC3339),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "", "Total", len(states)})
	fmt.Fprintln(w, t.Render())
}

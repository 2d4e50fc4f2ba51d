package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"kis-trade-bot-go/internal/backtest"
	"kis-trade-bot-go/internal/strategy"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7C3AED")).
		Padding(0, 1).
		MarginBottom(1)

	summaryStyle = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#3B82F6")).
		Padding(1, 2)

	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Width(18)
	gainStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	lossStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
)

func signed(v float64, text string) string {
	switch {
	case v > 0:
		return gainStyle.Render(text)
	case v < 0:
		return lossStyle.Render(text)
	default:
		return text
	}
}

// renderReport formats a backtest result for the terminal.
func renderReport(res *backtest.Result) string {
	p := res.Params
	mode := "daily"
	if p.Intraday {
		mode = "intraday"
	}

	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}
	rows := []string{
		row("Instrument", fmt.Sprintf("%s (%s)", p.Instrument.DisplayName(), p.Instrument.Code)),
		row("Strategy", string(p.Instrument.Kind)),
		row("Period", fmt.Sprintf("%s ~ %s, %s bars", p.From, p.To, mode)),
		row("Initial capital", humanize.Comma(p.InitialCapital)),
		row("Final capital", humanize.Comma(res.FinalCapital)),
		row("Profit/loss", signed(float64(res.TotalProfitLoss), humanize.Comma(res.TotalProfitLoss))),
		row("Return", signed(res.TotalReturnRate, fmt.Sprintf("%.2f%%", res.TotalReturnRate))),
		row("Max drawdown", fmt.Sprintf("%.2f%%", res.MaxDrawdown*100)),
		row("Trades", fmt.Sprintf("%d (won %d, lost %d)", res.TotalTrades, res.WinningTrades, res.LosingTrades)),
		row("Win rate", fmt.Sprintf("%.2f%%", res.WinRate)),
	}
	if res.OpenQuantity > 0 {
		rows = append(rows, row("Open position", fmt.Sprintf("%d shares", res.OpenQuantity)))
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Backtest result"))
	b.WriteString("\n")
	b.WriteString(summaryStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
	b.WriteString("\n")

	if len(res.Trades) == 0 {
		return b.String()
	}
	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-17s %-5s %10s %6s %12s  %s", "Time", "Side", "Price", "Qty", "P/L", "Reason")))
	b.WriteString("\n")
	for _, t := range res.Trades {
		pl := ""
		if t.Action == strategy.ActionSell {
			pl = humanize.Comma(t.ProfitLoss)
		}
		line := fmt.Sprintf("%-17s %-5s %10s %6d %12s  %s",
			t.Time.Format("2006-01-02 15:04"), t.Action, humanize.Comma(t.Price), t.Quantity, pl, t.Reason)
		if t.Action == strategy.ActionSell {
			line = signed(float64(t.ProfitLoss), line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

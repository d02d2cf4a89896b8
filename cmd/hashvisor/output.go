package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/loykin/hashvisor/internal/logger"
	"github.com/loykin/hashvisor/pkg/client"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	if logger.IsTerminal(w) {
		t.SetStyle(table.StyleColoredDark)
	} else {
		t.SetStyle(table.StyleLight)
	}
	return t
}

func renderStatus(w io.Writer, all []client.DaemonStatus) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Daemon", "State", "PID", "Uptime", "CPU", "Memory", "Message"})
	for _, s := range all {
		pid, cpu, mem := "-", "-", "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		if s.Process != nil {
			cpu = fmt.Sprintf("%.1f%%", s.Process.CPUPercent)
			mem = humanize.IBytes(uint64(s.Process.MemoryMB * 1024 * 1024))
		}
		t.AppendRow(table.Row{s.Name, s.State, pid, formatUptime(s.Uptime), cpu, mem, s.Message})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "PID", Align: text.AlignRight},
		{Name: "CPU", Align: text.AlignRight},
		{Name: "Memory", Align: text.AlignRight},
	})
	t.Render()
}

func renderPayouts(w io.Writer, ps []client.Payout) {
	t := newTable(w)
	t.AppendHeader(table.Row{"When", "Block", "Amount (XMR)"})
	var total float64
	for _, p := range ps {
		total += p.AmountXMR
		t.AppendRow(table.Row{humanize.Time(p.OccurredAt), humanize.Comma(int64(p.Block)), fmt.Sprintf("%.12f", p.AmountXMR)})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d payouts", len(ps)), "", fmt.Sprintf("%.12f", total)})
	t.Render()
}

// formatUptime prints whole seconds, and days past 24h.
func formatUptime(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	d = d.Truncate(time.Second)
	if days := d / (24 * time.Hour); days > 0 {
		return fmt.Sprintf("%dd%s", days, d-days*24*time.Hour)
	}
	return d.String()
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// Package report renders change reports for delivery as markdown, HTML or
// terminal output.
package report

import (
	"bytes"
	"embed"
	"fmt"
	"math"
	"sort"
	"strings"
	"text/template"

	"github.com/charmbracelet/glamour"
	"github.com/portfolio-briefing/internal/diff"
	"github.com/portfolio-briefing/internal/models"
	"github.com/shopspring/decimal"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const (
	// DefaultMaxModified is the number of modified positions shown before
	// the rest are collapsed into a "+ N more modified" line
	DefaultMaxModified = 5

	// DefaultTopHoldings is the number of rows in the top holdings table
	DefaultTopHoldings = 10

	maxNameLength = 30
)

//go:embed templates/*.tmpl
var templates embed.FS

var changeReportTemplate = template.Must(template.ParseFS(templates, "templates/change_report.md.tmpl"))

var markdownConverter = goldmark.New(goldmark.WithExtensions(extension.Table))

// Options controls report rendering
type Options struct {
	MaxModified int
	TopHoldings int
}

func (o Options) maxModified() int {
	if o.MaxModified <= 0 {
		return DefaultMaxModified
	}
	return o.MaxModified
}

func (o Options) topHoldings() int {
	if o.TopHoldings <= 0 {
		return DefaultTopHoldings
	}
	return o.TopHoldings
}

// positionView is one rendered line of the report
type positionView struct {
	Ticker    string
	Name      string
	Detail    string
	ValueLine string
}

// holdingRow is one row of the top holdings table
type holdingRow struct {
	Rank       int
	Ticker     string
	Name       string
	Shares     string
	Price      string
	Value      string
	Allocation string
}

// overviewView summarizes the current snapshot
type overviewView struct {
	TotalValue   string
	HoldingCount int
	AccountCount int
	Top          []holdingRow
	More         int
}

// reportView holds the preformatted values the template prints
type reportView struct {
	Overview     *overviewView
	IsFirstRun   bool
	HasChanges   bool
	TotalChange  string
	UserActions  string
	MarketMoves  string
	Added        []positionView
	Removed      []positionView
	Modified     []positionView
	MoreModified int
}

// RenderMarkdown renders a change report as markdown. When current is not
// nil the report opens with a portfolio summary and closes with the top
// holdings table. Modified positions are listed largest absolute value
// change first.
func RenderMarkdown(current *models.Snapshot, r *models.ChangeReport, opts Options) string {
	var b strings.Builder
	view := newReportView(r, opts)
	if current != nil {
		view.Overview = newOverviewView(current, opts)
	}
	if err := changeReportTemplate.Execute(&b, view); err != nil {
		return fmt.Sprintf("error rendering change report: %v", err)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// RenderHTML renders a change report as an HTML fragment
func RenderHTML(current *models.Snapshot, r *models.ChangeReport, opts Options) (string, error) {
	var buf bytes.Buffer
	if err := markdownConverter.Convert([]byte(RenderMarkdown(current, r, opts)), &buf); err != nil {
		return "", fmt.Errorf("convert change report to html: %w", err)
	}
	return buf.String(), nil
}

// RenderTerminal renders a change report for an ANSI terminal
func RenderTerminal(current *models.Snapshot, r *models.ChangeReport, opts Options, width int) (string, error) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("create terminal renderer: %w", err)
	}

	out, err := renderer.Render(RenderMarkdown(current, r, opts))
	if err != nil {
		return "", fmt.Errorf("render change report: %w", err)
	}
	return out, nil
}

func newReportView(r *models.ChangeReport, opts Options) reportView {
	view := reportView{
		IsFirstRun: r.IsFirstRun,
		HasChanges: r.HasChanges,
	}
	if r.IsFirstRun || !r.HasChanges {
		return view
	}

	symbol := "▲"
	if r.TotalValueChange < 0 {
		symbol = "▼"
	}
	view.TotalChange = fmt.Sprintf("%s $%s (%+.2f%%)", symbol, formatMoney(math.Abs(r.TotalValueChange)), r.TotalValueChangePct)
	view.UserActions = formatSignedMoney(r.Attribution.UserActionValue)
	view.MarketMoves = formatSignedMoney(r.Attribution.MarketMovementValue)

	for _, h := range r.Added {
		view.Added = append(view.Added, positionView{
			Ticker: h.Ticker,
			Name:   h.Name,
			Detail: fmt.Sprintf("Bought %.2f shares @ $%.2f = $%s", h.Quantity, h.Price, formatMoney(h.Value)),
		})
	}
	for _, h := range r.Removed {
		view.Removed = append(view.Removed, positionView{
			Ticker: h.Ticker,
			Name:   h.Name,
			Detail: fmt.Sprintf("Sold %.2f shares @ $%.2f = $%s", h.Quantity, h.Price, formatMoney(h.Value)),
		})
	}

	modified := make([]models.HoldingChange, len(r.Modified))
	copy(modified, r.Modified)
	sort.SliceStable(modified, func(i, j int) bool {
		return math.Abs(modified[i].ValueDiff) > math.Abs(modified[j].ValueDiff)
	})

	limit := opts.maxModified()
	if len(modified) > limit {
		view.MoreModified = len(modified) - limit
		modified = modified[:limit]
	}
	for _, c := range modified {
		view.Modified = append(view.Modified, positionView{
			Ticker: c.Ticker,
			Name:   c.Name,
			Detail: describeChange(c),
			ValueLine: fmt.Sprintf("$%s → $%s (%s)",
				formatMoney(c.Previous.Value), formatMoney(c.Current.Value), formatSignedAmount(c.ValueDiff)),
		})
	}

	return view
}

// newOverviewView lists the snapshot's largest holdings with their share
// of the total value. Allocation is 0 when the total is not positive.
func newOverviewView(s *models.Snapshot, opts Options) *overviewView {
	view := &overviewView{
		TotalValue:   formatMoney(s.TotalValue),
		HoldingCount: len(s.Holdings),
		AccountCount: s.AccountCount,
	}

	holdings := s.Holdings
	if limit := opts.topHoldings(); len(holdings) > limit {
		view.More = len(holdings) - limit
		holdings = holdings[:limit]
	}
	for i, h := range holdings {
		var pct float64
		if s.TotalValue > 0 {
			pct = h.Value / s.TotalValue * 100
		}
		view.Top = append(view.Top, holdingRow{
			Rank:       i + 1,
			Ticker:     h.Ticker,
			Name:       tableCell(truncate(h.Name, maxNameLength)),
			Shares:     fmt.Sprintf("%.2f", h.Quantity),
			Price:      formatMoney(h.Price),
			Value:      formatMoney(h.Value),
			Allocation: fmt.Sprintf("%.1f%%", pct),
		})
	}
	return view
}

// truncate shortens s to at most n runes
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// tableCell escapes pipes so a value cannot split a markdown table row
func tableCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// describeChange lists the material parts of a modification
func describeChange(c models.HoldingChange) string {
	var parts []string
	if diff.IsMaterialQuantity(c.QuantityDiff) {
		action := "bought"
		if c.QuantityDiff < 0 {
			action = "sold"
		}
		parts = append(parts, fmt.Sprintf("%s %.2f shares", action, math.Abs(c.QuantityDiff)))
	}
	if diff.IsMaterialPrice(c.PriceDiff) {
		direction := "up"
		if c.PriceDiff < 0 {
			direction = "down"
		}
		var pct float64
		if c.Previous.Price > 0 {
			pct = math.Abs(c.PriceDiff / c.Previous.Price * 100)
		}
		parts = append(parts, fmt.Sprintf("price %s $%.2f (%.1f%%)", direction, math.Abs(c.PriceDiff), pct))
	}
	return strings.Join(parts, ", ")
}

// formatMoney formats v with two decimals and thousands separators, e.g. 1,234.50
func formatMoney(v float64) string {
	fixed := decimal.NewFromFloat(v).StringFixed(2)

	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}

	whole, frac, _ := strings.Cut(fixed, ".")
	var b strings.Builder
	for i, digit := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(digit)
	}
	return sign + b.String() + "." + frac
}

// formatSignedAmount always carries a sign, e.g. +1,234.50 or -12.00
func formatSignedAmount(v float64) string {
	if v < 0 {
		return "-" + formatMoney(-v)
	}
	return "+" + formatMoney(v)
}

// formatSignedMoney prints the dollar sign before the sign, e.g. $+1,234.50
func formatSignedMoney(v float64) string {
	return "$" + formatSignedAmount(v)
}

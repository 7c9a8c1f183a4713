// Package dashboard renders a live terminal view of the benchmark: QPS
// sparklines and a latency table per read path, the streaming lag gauge,
// and the recent operator events.
package dashboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/torosent/freshbench/internal/backend"
	"github.com/torosent/freshbench/internal/engine"
	"github.com/torosent/freshbench/internal/metrics"
	"github.com/torosent/freshbench/internal/threshold"
)

const (
	// sparkWindow bounds the per-backend QPS history.
	sparkWindow = 100

	// maxEventRows bounds the event list.
	maxEventRows = 12
)

// Dashboard renders a live terminal UI for the benchmark.
type Dashboard struct {
	eng          *engine.Engine
	lagCeiling   time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownFunc func()
	wg           sync.WaitGroup
	mu           sync.Mutex

	// Widgets
	grid        *ui.Grid
	summaryPara *widgets.Paragraph
	qpsSparks   *widgets.SparklineGroup
	statsTable  *widgets.Table
	lagGauge    *widgets.Gauge
	eventList   *widgets.List

	qpsHistory [3][]float64
	startTime  time.Time
}

// New creates a new Dashboard.
func New(eng *engine.Engine, lagCeiling time.Duration, shutdownFunc func()) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize termui: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dashboard{
		eng:          eng,
		lagCeiling:   lagCeiling,
		ctx:          ctx,
		cancel:       cancel,
		shutdownFunc: shutdownFunc,
		startTime:    time.Now(),
	}

	d.initWidgets()
	d.setupGrid()

	return d, nil
}

// initWidgets initializes all dashboard widgets.
func (d *Dashboard) initWidgets() {
	// Summary Paragraph
	d.summaryPara = widgets.NewParagraph()
	d.summaryPara.Title = "Benchmark"
	d.summaryPara.Text = "Initializing..."
	d.summaryPara.BorderStyle.Fg = ui.ColorCyan

	// QPS Sparklines, one per read path
	colors := [3]ui.Color{ui.ColorGreen, ui.ColorYellow, ui.ColorMagenta}
	sparklines := make([]*widgets.Sparkline, 0, len(backend.All()))
	for _, b := range backend.All() {
		s := widgets.NewSparkline()
		s.Title = b.Key()
		s.LineColor = colors[b]
		s.Data = []float64{0}
		sparklines = append(sparklines, s)
	}
	d.qpsSparks = widgets.NewSparklineGroup(sparklines...)
	d.qpsSparks.Title = "Queries Per Second"
	d.qpsSparks.BorderStyle.Fg = ui.ColorCyan

	// Per-backend stats table
	d.statsTable = widgets.NewTable()
	d.statsTable.Title = "Read Paths"
	d.statsTable.Rows = formatStatsRows(metrics.Snapshot{})
	d.statsTable.RowSeparator = false
	d.statsTable.FillRow = true
	d.statsTable.TextStyle = ui.NewStyle(ui.ColorWhite)
	d.statsTable.BorderStyle.Fg = ui.ColorCyan

	// Streaming lag gauge
	d.lagGauge = widgets.NewGauge()
	d.lagGauge.Title = "Streaming Lag"
	d.lagGauge.Percent = 0
	d.lagGauge.Label = "n/a"
	d.lagGauge.BarColor = ui.ColorBlue
	d.lagGauge.BorderStyle.Fg = ui.ColorCyan
	d.lagGauge.LabelStyle = ui.NewStyle(ui.ColorWhite)

	// Event list
	d.eventList = widgets.NewList()
	d.eventList.Title = "Events"
	d.eventList.Rows = []string{"Awaiting data"}
	d.eventList.TextStyle = ui.NewStyle(ui.ColorYellow)
	d.eventList.BorderStyle.Fg = ui.ColorCyan
}

// setupGrid configures the layout grid.
func (d *Dashboard) setupGrid() {
	termWidth, termHeight := ui.TerminalDimensions()

	d.grid = ui.NewGrid()
	d.grid.SetRect(0, 0, termWidth, termHeight)

	d.grid.Set(
		ui.NewRow(0.12,
			ui.NewCol(1.0, d.summaryPara),
		),
		ui.NewRow(0.30,
			ui.NewCol(1.0, d.qpsSparks),
		),
		ui.NewRow(0.28,
			ui.NewCol(0.65, d.statsTable),
			ui.NewCol(0.35, d.lagGauge),
		),
		ui.NewRow(0.30,
			ui.NewCol(1.0, d.eventList),
		),
	)
}

// Start begins the dashboard update loop.
func (d *Dashboard) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop stops the dashboard and cleans up.
func (d *Dashboard) Stop() {
	d.cancel()
	d.wg.Wait()
	ui.Close()
	// Give terminal time to restore
	time.Sleep(100 * time.Millisecond)
}

// run is the main dashboard update loop.
func (d *Dashboard) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	uiEvents := ui.PollEvents()

	d.render()

	for {
		select {
		case <-d.ctx.Done():
			// Drain any remaining events
			for len(uiEvents) > 0 {
				<-uiEvents
			}
			return
		case e := <-uiEvents:
			// Check if context is done to avoid blocking
			select {
			case <-d.ctx.Done():
				return
			default:
			}

			switch e.ID {
			case "q", "<C-c>":
				if d.shutdownFunc != nil {
					d.shutdownFunc()
				}
				// Do not return here; wait for Stop() to cancel context
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				d.grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
				d.render()
			}
		case <-ticker.C:
			d.update()
			d.render()
		}
	}
}

// update refreshes all widget data from the engine.
func (d *Dashboard) update() {
	snap := d.eng.Snapshot()
	checks := d.eng.Evaluate()
	events := d.eng.Events(maxEventRows)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.summaryPara.Text = formatSummary(snap, time.Since(d.startTime), checks)
	d.updateSparklines(snap)
	d.statsTable.Rows = formatStatsRows(snap)
	d.updateLagGauge(snap)
	d.eventList.Rows = formatEventRows(events, checks)
}

// render draws all widgets to the screen.
func (d *Dashboard) render() {
	d.mu.Lock()
	defer d.mu.Unlock()

	ui.Render(d.grid)
}

func (d *Dashboard) updateSparklines(snap metrics.Snapshot) {
	for _, b := range backend.All() {
		qps := 0.0
		if bs, ok := snap.Backends[b.Key()]; ok && bs.Available && bs.QPS != nil {
			qps = *bs.QPS
		}
		hist := append(d.qpsHistory[b], qps)
		if len(hist) > sparkWindow {
			hist = hist[1:]
		}
		d.qpsHistory[b] = hist
		d.qpsSparks.Sparklines[b].Data = hist
		d.qpsSparks.Sparklines[b].Title = fmt.Sprintf("%s %.1f qps", b.Key(), qps)
	}
}

func (d *Dashboard) updateLagGauge(snap metrics.Snapshot) {
	bs, ok := snap.Backends[backend.Streaming.Key()]
	if !ok || !bs.Available || bs.FreshnessLagS == nil {
		d.lagGauge.Percent = 0
		d.lagGauge.Label = "n/a"
		d.lagGauge.BarColor = ui.ColorBlue
		return
	}

	lag := *bs.FreshnessLagS
	d.lagGauge.Percent = lagPercent(lag, d.lagCeiling)
	d.lagGauge.Label = fmt.Sprintf("%.1fs / %s ceiling", lag, d.lagCeiling)
	switch {
	case d.lagGauge.Percent >= 100:
		d.lagGauge.BarColor = ui.ColorRed
	case d.lagGauge.Percent >= 50:
		d.lagGauge.BarColor = ui.ColorYellow
	default:
		d.lagGauge.BarColor = ui.ColorGreen
	}
}

// lagPercent maps a lag reading onto the gauge scale, clamped to 0-100.
func lagPercent(lagSeconds float64, ceiling time.Duration) int {
	if ceiling <= 0 || lagSeconds <= 0 {
		return 0
	}
	pct := int((lagSeconds / ceiling.Seconds()) * 100)
	if pct > 100 {
		pct = 100
	}
	return pct
}

func formatSummary(snap metrics.Snapshot, elapsed time.Duration, checks []threshold.Result) string {
	passed := 0
	for _, r := range checks {
		if r.Pass {
			passed++
		}
	}

	line1 := fmt.Sprintf("Run: %s | Product: %d | Isolation: %s | Refresh: %.0fs",
		snap.RunID, snap.Product, snap.Isolation, snap.RefreshIntervalS)
	line2 := fmt.Sprintf("Elapsed: %s | Press q to quit", elapsed.Round(time.Second))
	if len(checks) > 0 {
		line2 = fmt.Sprintf("Elapsed: %s | Checks: %d/%d passing | Press q to quit",
			elapsed.Round(time.Second), passed, len(checks))
	}
	return line1 + "\n" + line2
}

func formatStatsRows(snap metrics.Snapshot) [][]string {
	rows := [][]string{{"Read Path", "QPS", "Avg", "P99", "E2E Avg", "E2E P99", "Price", "Lag"}}
	for _, b := range backend.All() {
		bs, ok := snap.Backends[b.Key()]
		if !ok || !bs.Available {
			rows = append(rows, []string{b.DisplayName(), "-", "-", "-", "-", "-", "-", "-"})
			continue
		}
		rows = append(rows, []string{
			b.DisplayName(),
			fmtQPS(bs.QPS),
			fmtWindowAvg(bs.Latency),
			fmtWindowP99(bs.Latency),
			fmtWindowAvg(bs.EndToEnd),
			fmtWindowP99(bs.EndToEnd),
			fmtPrice(bs.Price),
			fmtLag(bs.FreshnessLagS),
		})
	}
	return rows
}

func formatEventRows(events []engine.Event, checks []threshold.Result) []string {
	rows := make([]string, 0, len(events)+len(checks))
	for _, r := range checks {
		if !r.Pass {
			rows = append(rows, fmt.Sprintf("[%s](fg:red)", r.Message))
		}
	}
	for _, e := range events {
		rows = append(rows, fmt.Sprintf("[%s](fg:cyan) %s: %s", e.At.Format("15:04:05"), e.Kind, e.Message))
	}
	if len(rows) == 0 {
		return []string{"[No events yet](fg:green)"}
	}
	return rows
}

func fmtQPS(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

func fmtWindowAvg(w *metrics.WindowStats) string {
	if w == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fms", w.Avg)
}

func fmtWindowP99(w *metrics.WindowStats) string {
	if w == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fms", w.P99)
}

func fmtPrice(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("$%.2f", *v)
}

func fmtLag(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fs", *v)
}

package output

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/torosent/freshbench/internal/backend"
	"github.com/torosent/freshbench/internal/metrics"
)

// HTMLReportData contains all data needed for the HTML report template.
type HTMLReportData struct {
	GeneratedAt      string
	Report           Report
	TotalProbes      int64
	TotalSuccesses   int64
	TotalFailures    int64
	BackendRows      []BackendRow
	ErrorRows        []metrics.ErrorBucket
	ThresholdSummary *ThresholdSummary
}

// BackendRow pairs a backend's display name with its lifetime stats.
type BackendRow struct {
	Display string
	Stats   metrics.Stats
}

// ThresholdSummary aggregates threshold check outcomes for the report.
type ThresholdSummary struct {
	Total   int
	Passed  int
	Failed  int
	Results []ThresholdResultJSON
}

// ThresholdResultJSON is a flattened threshold result for display.
type ThresholdResultJSON struct {
	Threshold string  `json:"threshold"`
	Subject   string  `json:"subject"`
	Aggregate string  `json:"aggregate"`
	Operator  string  `json:"operator"`
	Expected  float64 `json:"expected"`
	Actual    float64 `json:"actual"`
	Pass      bool    `json:"pass"`
}

// GenerateHTMLReport generates a standalone HTML report.
func GenerateHTMLReport(w io.Writer, rep Report) error {
	var thresholdSummary *ThresholdSummary
	if len(rep.Checks) > 0 {
		thresholdSummary = &ThresholdSummary{
			Total:   len(rep.Checks),
			Results: make([]ThresholdResultJSON, len(rep.Checks)),
		}
		for i, tr := range rep.Checks {
			thresholdSummary.Results[i] = ThresholdResultJSON{
				Threshold: tr.Threshold.Raw,
				Subject:   tr.Threshold.Subject,
				Aggregate: tr.Threshold.Aggregate,
				Operator:  tr.Threshold.Operator,
				Expected:  tr.Threshold.Value,
				Actual:    tr.Actual,
				Pass:      tr.Pass,
			}
			if tr.Pass {
				thresholdSummary.Passed++
			} else {
				thresholdSummary.Failed++
			}
		}
	}

	data := HTMLReportData{
		GeneratedAt:      time.Now().Format(time.RFC3339),
		Report:           rep,
		ThresholdSummary: thresholdSummary,
	}

	buckets := make(map[string]map[string]int)
	for _, b := range backend.All() {
		stats, ok := rep.Backends[b.Key()]
		if !ok {
			continue
		}
		data.TotalProbes += stats.Total
		data.TotalSuccesses += stats.Successes
		data.TotalFailures += stats.Failures
		data.BackendRows = append(data.BackendRows, BackendRow{
			Display: b.DisplayName(),
			Stats:   stats,
		})
		if len(stats.Errors) > 0 {
			buckets[b.Key()] = stats.Errors
		}
	}
	data.ErrorRows = metrics.FlattenErrorBuckets(buckets)

	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"formatDuration": func(d time.Duration) string {
			return d.String()
		},
		"formatFloat": func(f float64) string {
			return fmt.Sprintf("%.2f", f)
		},
		"formatPercent": func(part, total int64) string {
			if total == 0 {
				return "0.0"
			}
			return fmt.Sprintf("%.1f", (float64(part)/float64(total))*100)
		},
	}).Parse(htmlTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}

	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	return nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Freshbench Report</title>
    <style>
        * {
            margin: 0;
            padding: 0;
            box-sizing: border-box;
        }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: #f5f7fa;
            color: #2c3e50;
            line-height: 1.6;
            padding: 20px;
        }
        .container {
            max-width: 1400px;
            margin: 0 auto;
            background: white;
            border-radius: 8px;
            box-shadow: 0 2px 8px rgba(0,0,0,0.1);
            overflow: hidden;
        }
        header {
            background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
            color: white;
            padding: 30px 40px;
        }
        header h1 {
            font-size: 2rem;
            margin-bottom: 10px;
        }
        header .meta {
            opacity: 0.9;
            font-size: 0.9rem;
        }
        .content {
            padding: 40px;
        }
        .grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(250px, 1fr));
            gap: 20px;
            margin-bottom: 40px;
        }
        .card {
            background: #f8f9fa;
            border-radius: 8px;
            padding: 20px;
            border-left: 4px solid #667eea;
        }
        .card h3 {
            font-size: 0.9rem;
            color: #6c757d;
            text-transform: uppercase;
            letter-spacing: 0.5px;
            margin-bottom: 10px;
        }
        .card .value {
            font-size: 2rem;
            font-weight: bold;
            color: #2c3e50;
        }
        .card .subvalue {
            font-size: 0.85rem;
            color: #6c757d;
            margin-top: 5px;
        }
        .card.success {
            border-left-color: #10b981;
        }
        .card.error {
            border-left-color: #ef4444;
        }
        .card.warning {
            border-left-color: #f59e0b;
        }
        .section {
            margin-bottom: 40px;
        }
        .section h2 {
            font-size: 1.5rem;
            margin-bottom: 20px;
            padding-bottom: 10px;
            border-bottom: 2px solid #e5e7eb;
        }
        table {
            width: 100%;
            border-collapse: collapse;
            background: white;
        }
        th, td {
            text-align: left;
            padding: 12px;
            border-bottom: 1px solid #e5e7eb;
        }
        th {
            background: #f8f9fa;
            font-weight: 600;
            color: #4b5563;
            font-size: 0.9rem;
            text-transform: uppercase;
            letter-spacing: 0.5px;
        }
        tr:hover {
            background: #f8f9fa;
        }
        .badge {
            display: inline-block;
            padding: 4px 12px;
            border-radius: 12px;
            font-size: 0.85rem;
            font-weight: 600;
        }
        .badge-success {
            background: #d1fae5;
            color: #065f46;
        }
        .badge-error {
            background: #fee2e2;
            color: #991b1b;
        }
        .no-data {
            text-align: center;
            padding: 40px;
            color: #6c757d;
            font-style: italic;
        }
    </style>
</head>
<body>
    <div class="container">
        <header>
            <h1>🛒 Freshbench Report</h1>
            <div class="meta">Run: {{.Report.RunID}} | Product: {{.Report.Product}}</div>
            <div class="meta">Generated: {{.GeneratedAt}} | Duration: {{formatDuration .Report.Elapsed}}</div>
        </header>

        <div class="content">
            <!-- Summary Cards -->
            <div class="grid">
                <div class="card">
                    <h3>Total Probes</h3>
                    <div class="value">{{.TotalProbes}}</div>
                </div>
                <div class="card success">
                    <h3>Successful</h3>
                    <div class="value">{{.TotalSuccesses}}</div>
                    <div class="subvalue">{{formatPercent .TotalSuccesses .TotalProbes}}%</div>
                </div>
                <div class="card error">
                    <h3>Failed</h3>
                    <div class="value">{{.TotalFailures}}</div>
                    <div class="subvalue">{{formatPercent .TotalFailures .TotalProbes}}%</div>
                </div>
                <div class="card">
                    <h3>Pool Rotations</h3>
                    <div class="value">{{.Report.Pool.Rotations}}</div>
                    <div class="subvalue">{{.Report.Pool.RotationFailures}} failed</div>
                </div>
            </div>

            <!-- Backend Breakdown -->
            {{if .BackendRows}}
            <div class="section">
                <h2>Read Path Breakdown</h2>
                <table>
                    <thead>
                        <tr>
                            <th>Read Path</th>
                            <th>Probes</th>
                            <th>Success</th>
                            <th>Failed</th>
                            <th>Probes/sec</th>
                            <th>Mean</th>
                            <th>P50</th>
                            <th>P90</th>
                            <th>P99</th>
                        </tr>
                    </thead>
                    <tbody>
                        {{range .BackendRows}}
                        <tr>
                            <td><strong>{{.Display}}</strong></td>
                            <td>{{.Stats.Total}} ({{formatPercent .Stats.Total $.TotalProbes}}%)</td>
                            <td>{{.Stats.Successes}}</td>
                            <td>{{.Stats.Failures}}</td>
                            <td>{{formatFloat .Stats.ProbesPerSec}}</td>
                            <td>{{formatDuration .Stats.MeanLatency}}</td>
                            <td>{{formatDuration .Stats.P50Latency}}</td>
                            <td>{{formatDuration .Stats.P90Latency}}</td>
                            <td>{{formatDuration .Stats.P99Latency}}</td>
                        </tr>
                        {{end}}
                    </tbody>
                </table>
            </div>
            {{end}}

            <!-- Thresholds -->
            {{if .ThresholdSummary}}
            <div class="section">
                <h2>Thresholds ({{.ThresholdSummary.Passed}}/{{.ThresholdSummary.Total}} Passed)</h2>
                <table>
                    <thead>
                        <tr>
                            <th>Threshold</th>
                            <th>Subject</th>
                            <th>Expected</th>
                            <th>Actual</th>
                            <th>Status</th>
                        </tr>
                    </thead>
                    <tbody>
                        {{range .ThresholdSummary.Results}}
                        <tr>
                            <td>{{.Threshold}}</td>
                            <td>{{.Subject}} ({{.Aggregate}})</td>
                            <td>{{.Operator}} {{formatFloat .Expected}}</td>
                            <td>{{formatFloat .Actual}}</td>
                            <td>
                                {{if .Pass}}
                                <span class="badge badge-success">✓ PASS</span>
                                {{else}}
                                <span class="badge badge-error">✗ FAIL</span>
                                {{end}}
                            </td>
                        </tr>
                        {{end}}
                    </tbody>
                </table>
            </div>
            {{end}}

            <!-- Error Breakdown -->
            {{if .ErrorRows}}
            <div class="section">
                <h2>Error Breakdown</h2>
                <table>
                    <thead>
                        <tr>
                            <th>Read Path</th>
                            <th>Error</th>
                            <th>Count</th>
                        </tr>
                    </thead>
                    <tbody>
                        {{range .ErrorRows}}
                        <tr>
                            <td><strong>{{.Backend}}</strong></td>
                            <td>{{.Label}}</td>
                            <td>{{.Count}}</td>
                        </tr>
                        {{end}}
                    </tbody>
                </table>
            </div>
            {{end}}

            <!-- Pool Activity -->
            <div class="section">
                <h2>Pool Activity</h2>
                <table>
                    <tbody>
                        <tr><td>Acquires</td><td>{{.Report.Pool.Acquires}}</td></tr>
                        <tr><td>Acquire Retries</td><td>{{.Report.Pool.AcquireRetries}}</td></tr>
                        <tr><td>Acquire Failures</td><td>{{.Report.Pool.AcquireFailures}}</td></tr>
                        <tr><td>Releases</td><td>{{.Report.Pool.Releases}}</td></tr>
                        <tr><td>Discards</td><td>{{.Report.Pool.Discards}}</td></tr>
                        <tr><td>Rotations</td><td>{{.Report.Pool.Rotations}}</td></tr>
                        <tr><td>Rotation Failures</td><td>{{.Report.Pool.RotationFailures}}</td></tr>
                    </tbody>
                </table>
            </div>
        </div>
    </div>
</body>
</html>
`

package diagnostics

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/dipolefit/internal/measure"
)

const orientationBins = 12

// ReportInfo labels a run report.
type ReportInfo struct {
	Title    string
	Subtitle string
}

// RenderReport writes an HTML page summarizing records: outcome counts,
// flux against lobe separation, and the orientation distribution of
// classified dipoles.
func RenderReport(info ReportInfo, records []measure.Record) ([]byte, error) {
	c := measure.Tally(records)

	outcomes := charts.NewBar()
	outcomes.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Fit outcomes", Subtitle: info.Subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	fitted := c.Total - c.Failed
	outcomes.SetXAxis([]string{"Candidates", "Dipoles", "Other fits", "Edge", "Not dipole", "Other failures", "Fallback"}).
		AddSeries("records", []opts.BarData{
			{Value: c.Total},
			{Value: c.Dipoles},
			{Value: fitted - c.Dipoles},
			{Value: c.Edge},
			{Value: c.NotDipole},
			{Value: c.Failed - c.Edge - c.NotDipole},
			{Value: c.Fallback},
		}, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	var accepted, rejected []opts.ScatterData
	orient := make([]int, orientationBins)
	for i := range records {
		r := &records[i]
		s := r.Summary
		if s == nil || s.Degenerate || math.IsNaN(s.Separation) || math.IsNaN(s.Flux) {
			continue
		}
		pt := opts.ScatterData{Value: []interface{}{s.Separation, s.Flux}, Name: fmt.Sprintf("candidate %d", r.CandidateID)}
		if r.IsDipole() {
			accepted = append(accepted, pt)
			orient[orientationBin(s.Orientation)]++
		} else {
			rejected = append(rejected, pt)
		}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "520px"}),
		charts.WithTitleOpts(opts.Title{Title: "Flux vs separation"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Separation (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Flux (count)", NameLocation: "middle", NameGap: 50}),
	)
	scatter.AddSeries("dipole", accepted, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	scatter.AddSeries("rejected", rejected, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	labels := make([]string, orientationBins)
	bins := make([]opts.BarData, orientationBins)
	width := 360.0 / orientationBins
	for i := range bins {
		lo := -180 + float64(i)*width
		labels[i] = fmt.Sprintf("%.0f..%.0f", lo, lo+width)
		bins[i] = opts.BarData{Value: orient[i]}
	}
	hist := charts.NewBar()
	hist.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Dipole orientation (deg)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	hist.SetXAxis(labels).AddSeries("dipoles", bins)

	page := components.NewPage()
	page.PageTitle = info.Title
	page.AddCharts(outcomes, scatter, hist)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteReport renders the report to path.
func WriteReport(path string, info ReportInfo, records []measure.Record) error {
	b, err := RenderReport(info, records)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// orientationBin maps an angle in degrees to one of orientationBins bins
// covering [-180, 180).
func orientationBin(deg float64) int {
	a := math.Mod(deg+180, 360)
	if a < 0 {
		a += 360
	}
	i := int(a / (360.0 / orientationBins))
	if i >= orientationBins {
		i = orientationBins - 1
	}
	return i
}

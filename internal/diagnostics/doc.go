// Package diagnostics renders fit internals and run summaries for humans:
// PNG heatmaps of each fit attempt (PlotSink) and an HTML run report
// (WriteReport). The fitter never depends on it; install a PlotSink with
// dipole.WithDiagnostics.
package diagnostics

// Command dipolefit simulates a difference-image field of dipoles, fits
// and classifies every candidate, and stores the results in a SQLite
// catalog.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/banshee-data/dipolefit/internal/catalog"
	"github.com/banshee-data/dipolefit/internal/config"
	"github.com/banshee-data/dipolefit/internal/diagnostics"
	"github.com/banshee-data/dipolefit/internal/dipole"
	"github.com/banshee-data/dipolefit/internal/measure"
	"github.com/banshee-data/dipolefit/internal/monitoring"
	"github.com/banshee-data/dipolefit/internal/simulate"
	"github.com/banshee-data/dipolefit/internal/version"
)

var (
	configPath     = flag.String("config", "", "Path to a JSON config file (defaults apply when empty)")
	dbPath         = flag.String("db", "dipolefit.db", "SQLite catalog path")
	seed           = flag.Int64("seed", 1, "Random seed for the simulated field")
	sources        = flag.Int("sources", -1, "Number of simulated dipoles (-1 uses the config value)")
	workers        = flag.Int("workers", -1, "Concurrent fits (-1 uses the config value, 0 one per CPU)")
	plotsDir       = flag.String("plots", "", "Directory for per-attempt diagnostic PNGs (disabled when empty)")
	onlyUnreliable = flag.Bool("plots-unreliable", false, "Only plot attempts that triggered the fallback")
	reportPath     = flag.String("report", "", "Write an HTML run report to this path")
	diag           = flag.Bool("diag", false, "Enable diagnostic logging")
	trace          = flag.Bool("trace", false, "Enable per-iteration trace logging")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

type options struct {
	cfg            *config.DipoleConfig
	dbPath         string
	seed           int64
	sources        int
	workers        int
	plotsDir       string
	onlyUnreliable bool
	reportPath     string
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	lw := monitoring.LogWriters{Ops: os.Stderr}
	if *diag || *trace {
		lw.Diag = os.Stderr
	}
	if *trace {
		lw.Trace = os.Stderr
	}
	monitoring.SetLogWriters(lw)

	cfg := config.EmptyDipoleConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadDipoleConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o := options{
		cfg:            cfg,
		dbPath:         *dbPath,
		seed:           *seed,
		sources:        *sources,
		workers:        *workers,
		plotsDir:       *plotsDir,
		onlyUnreliable: *onlyUnreliable,
		reportPath:     *reportPath,
	}
	if err := run(ctx, o, os.Stdout); err != nil {
		log.Fatalf("dipolefit: %v", err)
	}
}

func run(ctx context.Context, o options, out io.Writer) error {
	cfg := o.cfg
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	for _, p := range []string{o.plotsDir, o.reportPath} {
		if p == "" {
			continue
		}
		if err := diagnostics.ValidateOutputPath(p, cwd); err != nil {
			return err
		}
	}

	n := cfg.GetNumSources()
	if o.sources >= 0 {
		n = o.sources
	}
	nWorkers := cfg.GetWorkers()
	if o.workers >= 0 {
		nWorkers = o.workers
	}

	gen := simulate.NewGenerator(o.seed)
	gen.Width, gen.Height = cfg.GetFieldWidth(), cfg.GetFieldHeight()
	gen.PSFSigma = cfg.GetPSFSigma()
	gen.Noise = cfg.GetNoise()
	gen.Background = simulate.Background{Level: cfg.GetBackgroundLevel()}

	truth := gen.RandomDipoles(n, cfg.GetSourceMinFlux(), cfg.GetSourceMaxFlux(), cfg.GetSourceMinSpacing(), cfg.GetUnbalancedFraction())
	if len(truth) < n {
		monitoring.Opsf("placed %d of %d requested dipoles", len(truth), n)
	}
	scene, err := gen.DipoleScene(truth)
	if err != nil {
		return fmt.Errorf("simulating field: %w", err)
	}
	cands := make([]measure.Candidate, len(truth))
	for i, d := range truth {
		cands[i] = measure.Candidate{ID: int64(i + 1), Footprint: gen.Footprint(scene.Diff, d)}
	}

	fitOpts, err := cfg.FitOptions()
	if err != nil {
		return err
	}
	var fo []dipole.FitterOption
	var sink *diagnostics.PlotSink
	if o.plotsDir != "" {
		if sink, err = diagnostics.NewPlotSink(o.plotsDir, cfg.GetMaxPlots()); err != nil {
			return err
		}
		sink.OnlyUnreliable = o.onlyUnreliable
		fo = append(fo, dipole.WithDiagnostics(sink))
	}
	fitter, err := dipole.NewFitter(fitOpts, fo...)
	if err != nil {
		return err
	}
	task := measure.NewTask(fitter, dipole.NewClassifier(cfg.ClassifierConfig()), nWorkers)

	db, err := catalog.OpenAndMigrate(o.dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	cfgJSON, err := cfg.JSON()
	if err != nil {
		return err
	}
	runs := catalog.NewRunStore(db)
	runID, err := runs.Insert(catalog.Run{Seed: o.seed, Config: cfgJSON})
	if err != nil {
		return err
	}
	monitoring.Logf("run %s started: %d candidates, %d workers, catalog %s", runID, len(cands), task.Workers(), o.dbPath)

	records, runErr := task.Run(ctx, cands, scene.Diff, scene.Pos, scene.Neg)
	if err := catalog.NewRecordStore(db).InsertBatch(runID, records); err != nil {
		runErr = errors.Join(runErr, err)
	}
	c := measure.Tally(records)
	totals := catalog.RunTotals{Candidates: c.Total, Dipoles: c.Dipoles, Failed: c.Failed, Fallback: c.Fallback}
	if err := runs.Finish(runID, totals, runErr); err != nil {
		return errors.Join(runErr, err)
	}
	if runErr != nil {
		return runErr
	}

	if sink != nil {
		monitoring.Opsf("wrote %d diagnostic plots to %s", sink.Written(), o.plotsDir)
		if err := sink.Err(); err != nil {
			monitoring.Opsf("some diagnostic plots failed: %v", err)
		}
	}
	if o.reportPath != "" {
		info := diagnostics.ReportInfo{
			Title:    "dipolefit run " + runID,
			Subtitle: fmt.Sprintf("seed=%d sources=%d", o.seed, len(truth)),
		}
		if err := diagnostics.WriteReport(o.reportPath, info, records); err != nil {
			return err
		}
		monitoring.Logf("report written to %s", o.reportPath)
	}

	fmt.Fprintf(out, "run %s: %d candidates, %d dipoles, %d failed, %d fallback\n",
		runID, c.Total, c.Dipoles, c.Failed, c.Fallback)
	return printRecords(out, truth, records)
}

func printRecords(out io.Writer, truth []simulate.Dipole, records []measure.Record) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFLAGS\tDIPOLE\tFLUX\tTRUE FLUX\tSEP\tTRUE SEP\tORIENT\tTRUE ORIENT\tS/N")
	for i, r := range records {
		d := truth[i]
		if r.Summary == nil || r.Summary.Degenerate {
			fmt.Fprintf(tw, "%d\t%s\t-\t-\t%.0f\t-\t%.2f\t-\t%.1f\t-\n",
				r.CandidateID, r.Flags, d.PosFlux, d.Separation(), d.Orientation())
			continue
		}
		s := r.Summary
		fmt.Fprintf(tw, "%d\t%s\t%t\t%.0f\t%.0f\t%.2f\t%.2f\t%.1f\t%.1f\t%.1f\n",
			r.CandidateID, r.Flags, r.IsDipole(), s.Flux, (d.PosFlux+d.NegFlux)/2,
			s.Separation, d.Separation(), s.Orientation, d.Orientation(), s.SignalToNoise)
	}
	return tw.Flush()
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/histdata/internal/adapter"
	"github.com/sawpanic/histdata/internal/adapter/databento"
	"github.com/sawpanic/histdata/internal/config"
	applog "github.com/sawpanic/histdata/internal/log"
	"github.com/sawpanic/histdata/internal/metrics"
	"github.com/sawpanic/histdata/internal/models"
	"github.com/sawpanic/histdata/internal/pipeline"
	"github.com/sawpanic/histdata/internal/quarantine"
	"github.com/sawpanic/histdata/internal/query"
	"github.com/sawpanic/histdata/internal/rules"
	"github.com/sawpanic/histdata/internal/storage"
	"github.com/sawpanic/histdata/internal/validate"
)

const (
	appName = "histdata"
	version = "v1.2.0"
)

// Exit codes consumed by schedulers wrapping the CLI.
const (
	exitOK          = 0
	exitUserError   = 1
	exitConfigError = 2
	exitPartial     = 3
	exitFatal       = 4
)

const dateLayout = "2006-01-02"

// exitError carries an explicit exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	root := &cobra.Command{
		Use:           appName,
		Short:         "Historical market data ingestion into TimescaleDB",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `histdata ingests historical market data from vendor APIs into
TimescaleDB hypertables: OHLCV bars, trades, top-of-book quotes, publisher
statistics, and instrument definitions. Invalid rows are quarantined, never
silently dropped.`,
	}

	root.PersistentFlags().String("config", "", "Path to YAML configuration file")
	root.PersistentFlags().String("log-level", "", "Log level (trace|debug|info|warn|error)")

	root.AddCommand(newIngestCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newListJobsCmd())

	if err := root.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.err != nil {
				log.Error().Err(exitErr.err).Msg("command failed")
			}
			os.Exit(exitErr.code)
		}
		log.Error().Err(err).Msg("command failed")
		os.Exit(exitFatal)
	}
}

// loadConfig reads the config file and applies the log level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &exitError{code: exitConfigError, err: err}
	}

	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = cfg.LogLevel
	}
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, &exitError{code: exitUserError, err: fmt.Errorf("unknown log level %q", level)}
		}
		zerolog.SetGlobalLevel(parsed)
	}
	return cfg, nil
}

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion job",
		Long:  "Fetches the requested date range from the vendor, transforms and validates it, and loads it into the hypertables.",
		RunE:  runIngest,
	}

	cmd.Flags().String("api", "", "Vendor adapter name (required unless --job)")
	cmd.Flags().String("dataset", "", "Vendor dataset identifier, e.g. GLBX.MDP3")
	cmd.Flags().String("schema", "", "Record schema (ohlcv-1d, trades, tbbo, statistics, definition, ...)")
	cmd.Flags().StringSlice("symbols", nil, "Symbols to ingest (comma-separated or repeated)")
	cmd.Flags().String("stype-in", "native", "Symbol type (continuous|parent|native)")
	cmd.Flags().String("start-date", "", "Range start, YYYY-MM-DD (inclusive)")
	cmd.Flags().String("end-date", "", "Range end, YYYY-MM-DD (exclusive, must be after start)")
	cmd.Flags().String("job", "", "Run a job predefined in the config file")
	cmd.Flags().Bool("force", false, "Re-run even if the job's last run completed cleanly")
	cmd.Flags().Bool("dry-run", false, "Fetch, transform, and validate without writing to the database")
	cmd.Flags().Int("batch-size", 0, "Loader batch size override")

	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	job, err := ingestJob(cmd, cfg)
	if err != nil {
		return err
	}

	force, _ := cmd.Flags().GetBool("force")
	if !force && !job.DryRun {
		if normalized, err := pipeline.NormalizeJob(job); err == nil {
			if last, err := pipeline.LoadStats(cfg.StateDir, normalized.Name); err == nil && last.Clean() {
				log.Info().
					Str("job", normalized.Name).
					Time("last_run", last.EndedAt).
					Msg("last run completed cleanly; use --force to re-ingest")
				return nil
			}
		}
	}

	runner, cleanup, err := buildRunner(cfg, job)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats, runErr := runner.Run(ctx, job)
	if stats != nil {
		logStats(stats)
	}
	return ingestExit(stats, runErr)
}

// ingestJob builds the job from --job or from the flag set.
func ingestJob(cmd *cobra.Command, cfg *config.Config) (adapter.Job, error) {
	flags := cmd.Flags()
	dryRun, _ := flags.GetBool("dry-run")
	batchSize, _ := flags.GetInt("batch-size")

	if name, _ := flags.GetString("job"); name != "" {
		job, err := cfg.JobByName(name)
		if err != nil {
			return adapter.Job{}, &exitError{code: exitUserError, err: err}
		}
		job.DryRun = dryRun
		if batchSize > 0 {
			job.BatchSize = batchSize
		}
		return job, nil
	}

	api, _ := flags.GetString("api")
	if api == "" {
		return adapter.Job{}, &exitError{code: exitUserError, err: fmt.Errorf("--api is required (or use --job)")}
	}
	if api != "databento" {
		return adapter.Job{}, &exitError{code: exitUserError, err: fmt.Errorf("unknown api %q", api)}
	}

	dataset, _ := flags.GetString("dataset")
	schema, _ := flags.GetString("schema")
	symbols, _ := flags.GetStringSlice("symbols")
	stypeIn, _ := flags.GetString("stype-in")

	start, err := parseDateFlag(flags.Lookup("start-date").Value.String(), "--start-date")
	if err != nil {
		return adapter.Job{}, err
	}
	end, err := parseDateFlag(flags.Lookup("end-date").Value.String(), "--end-date")
	if err != nil {
		return adapter.Job{}, err
	}

	return adapter.Job{
		API:       api,
		Dataset:   dataset,
		Schema:    models.Schema(schema),
		Symbols:   symbols,
		STypeIn:   stypeIn,
		StartDate: start,
		EndDate:   end,
		BatchSize: batchSize,
		DryRun:    dryRun,
	}, nil
}

func parseDateFlag(value, flag string) (time.Time, error) {
	if value == "" {
		return time.Time{}, &exitError{code: exitUserError, err: fmt.Errorf("%s is required", flag)}
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, &exitError{code: exitUserError, err: fmt.Errorf("%s: expected YYYY-MM-DD, got %q", flag, value)}
	}
	return t.UTC(), nil
}

// buildRunner wires the full pipeline for one job. The returned cleanup
// closes everything the wiring opened.
func buildRunner(cfg *config.Config, job adapter.Job) (*pipeline.Runner, func(), error) {
	apiKey, err := cfg.APIKey()
	if err != nil {
		return nil, nil, &exitError{code: exitConfigError, err: err}
	}

	vendor, err := databento.New(databento.Config{
		APIKey:  apiKey,
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.APITimeout(),
		Retry:   cfg.RetryPolicy.Policy(),
		RateRPS: cfg.API.RateRPS,
		Burst:   cfg.API.RateBurst,
	}, log.Logger)
	if err != nil {
		return nil, nil, &exitError{code: exitConfigError, err: err}
	}

	var manager *storage.Manager
	cleanup := func() { vendor.Close() }
	if !job.DryRun {
		dsn, err := cfg.DSN()
		if err != nil {
			vendor.Close()
			return nil, nil, &exitError{code: exitConfigError, err: err}
		}
		manager, err = storage.NewManager(storage.Config{DSN: dsn}, log.Logger)
		if err != nil {
			vendor.Close()
			return nil, nil, &exitError{code: exitFatal, err: err}
		}
		cleanup = func() {
			manager.Close()
			vendor.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := manager.EnsureSchema(ctx); err != nil {
			cleanup()
			return nil, nil, &exitError{code: exitFatal, err: err}
		}
	}

	var mappings *rules.Config
	if path := cfg.Transformation.MappingConfigPath; path != "" {
		mappings, err = rules.LoadConfig(path)
		if err != nil {
			cleanup()
			return nil, nil, &exitError{code: exitConfigError, err: err}
		}
	}

	validator := validate.New()
	if cfg.Validation.MaxSpreadPct > 0 {
		validator.MaxSpreadPct = cfg.Validation.MaxSpreadPct
	}
	engine := rules.NewEngine(mappings, validator, log.Logger)

	var sink *quarantine.Sink
	if cfg.Validation.QuarantineInvalidRecords {
		sink = quarantine.NewSink(cfg.QuarantineDir, log.Logger)
		prev := cleanup
		cleanup = func() {
			sink.Close()
			prev()
		}
	}

	var loaders pipeline.LoaderProvider
	if manager != nil {
		loaders = manager
	}

	runner := pipeline.NewRunner(vendor, engine, sink, loaders,
		metrics.New(prometheus.DefaultRegisterer), log.Logger, pipeline.Options{
			StateDir: cfg.StateDir,
			Progress: progressFunc(),
		})
	return runner, cleanup, nil
}

// progressFunc renders an inline bar on TTYs; otherwise progress stays in
// the structured log.
func progressFunc() pipeline.ProgressFunc {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}

	var bar *applog.ProgressIndicator
	return func(e pipeline.Event) {
		switch e.Stage {
		case pipeline.StageFetching:
			if bar == nil {
				bar = applog.NewProgressIndicator(os.Stderr, "ingest", e.ChunksTotal)
			}
			bar.Update(e.ChunksDone, e.ChunkID)
		case pipeline.StageDone:
			if bar != nil {
				bar.Finish(fmt.Sprintf("%d/%d chunks, %d records stored", e.ChunksDone, e.ChunksTotal, e.Records))
			}
		}
	}
}

func logStats(s *pipeline.Stats) {
	log.Info().
		Str("job", s.JobName).
		Int("chunks_total", s.ChunksTotal).
		Int("chunks_ok", s.ChunksOk).
		Int("chunks_retried", s.ChunksRetried).
		Int("chunks_failed", s.ChunksFailed).
		Int64("fetched", s.RecordsFetched).
		Int64("transformed", s.RecordsTransformed).
		Int64("stored", s.RecordsStored).
		Int64("quarantined", s.RecordsQuarantined).
		Int64("repaired", s.Repair.Repaired).
		Int64("failed_repair", s.Repair.FailedRepair).
		Bool("cancelled", s.Cancelled).
		Msg("ingest finished")
}

// ingestExit maps the run outcome onto the documented exit codes.
func ingestExit(stats *pipeline.Stats, err error) error {
	if err != nil {
		var userErr *pipeline.UserError
		if errors.As(err, &userErr) {
			return &exitError{code: exitUserError, err: err}
		}
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			return &exitError{code: exitConfigError, err: err}
		}
		if stats != nil && stats.Cancelled {
			return &exitError{code: exitPartial, err: err}
		}
		return &exitError{code: exitFatal, err: err}
	}
	if stats != nil && !stats.Clean() {
		return &exitError{code: exitPartial}
	}
	return nil
}

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Read back ingested data",
		Long:  "Runs a read query against the hypertables and prints a table. Symbols resolve through the definitions table when present.",
		RunE:  runQuery,
	}

	cmd.Flags().String("schema", "ohlcv-1d", "Record schema to query")
	cmd.Flags().StringSlice("symbols", nil, "Symbols to filter on")
	cmd.Flags().String("start-date", "", "Range start, YYYY-MM-DD")
	cmd.Flags().String("end-date", "", "Range end, YYYY-MM-DD")
	cmd.Flags().Int("limit", 100, "Maximum rows to return")
	cmd.Flags().Bool("list-symbols", false, "List available symbols instead of rows")

	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	schemaFlag, _ := cmd.Flags().GetString("schema")
	schema, err := models.ParseSchema(schemaFlag)
	if err != nil {
		return &exitError{code: exitUserError, err: err}
	}
	symbols, _ := cmd.Flags().GetStringSlice("symbols")
	limit, _ := cmd.Flags().GetInt("limit")
	listSymbols, _ := cmd.Flags().GetBool("list-symbols")

	var start, end time.Time
	if v := cmd.Flags().Lookup("start-date").Value.String(); v != "" {
		if start, err = parseDateFlag(v, "--start-date"); err != nil {
			return err
		}
	}
	if v := cmd.Flags().Lookup("end-date").Value.String(); v != "" {
		if end, err = parseDateFlag(v, "--end-date"); err != nil {
			return err
		}
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}
	manager, err := storage.NewManager(storage.Config{DSN: dsn}, log.Logger)
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	defer manager.Close()

	builder := query.NewBuilder(manager, 30*time.Second, log.Logger)
	ctx := cmd.Context()

	if listSymbols {
		names, err := builder.GetAvailableSymbols(ctx, "", "", limit)
		if err != nil {
			return &exitError{code: exitFatal, err: err}
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	}

	var rows []models.Row
	switch {
	case schema.IsOhlcv():
		rows, err = builder.QueryDailyOhlcv(ctx, query.OhlcvParams{
			Symbols: symbols, Start: start, End: end,
			Granularity: schema.Granularity(), Limit: limit,
		})
	case schema == models.SchemaTrades:
		rows, err = builder.QueryTrades(ctx, query.TradesParams{
			Symbols: symbols, Start: start, End: end, Limit: limit,
		})
	case schema == models.SchemaTbbo:
		rows, err = builder.QueryTbbo(ctx, query.TbboParams{
			Symbols: symbols, Start: start, End: end, Limit: limit,
		})
	case schema == models.SchemaStatistics:
		rows, err = builder.QueryStatistics(ctx, query.StatisticsParams{
			Symbols: symbols, Start: start, End: end, Limit: limit,
		})
	case schema == models.SchemaDefinition:
		rows, err = builder.QueryDefinitions(ctx, query.DefinitionsParams{
			Symbols: symbols, Start: start, End: end, Limit: limit,
		})
	}
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}

	printTable(query.Tabulate(rows))
	return nil
}

func printTable(t query.Table) {
	if len(t.Columns) == 0 {
		fmt.Println("no rows")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(t.Columns, "\t"))
	for _, row := range t.Rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last run of a job",
		RunE:  runStatus,
	}
	cmd.Flags().String("job", "", "Job name (required)")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("job")
	if name == "" {
		return &exitError{code: exitUserError, err: fmt.Errorf("--job is required")}
	}

	stats, err := pipeline.LoadStats(cfg.StateDir, name)
	if err != nil {
		return &exitError{code: exitUserError, err: fmt.Errorf("no recorded run for job %q", name)}
	}

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newListJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-jobs",
		Short: "List configured jobs and their last runs",
		RunE:  runListJobs,
	}
}

func runListJobs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	runs, err := pipeline.ListStats(cfg.StateDir)
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	lastRun := make(map[string]pipeline.Stats, len(runs))
	for _, s := range runs {
		if _, ok := lastRun[s.JobName]; !ok {
			lastRun[s.JobName] = s
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSCHEMA\tDATASET\tSYMBOLS\tLAST RUN\tSTORED\tQUARANTINED")
	for _, job := range cfg.Jobs {
		name := job.Name
		last, ran := lastRun[name]
		lastStr, stored, quarantined := "never", "-", "-"
		if ran {
			lastStr = last.EndedAt.Format(time.RFC3339)
			stored = fmt.Sprintf("%d", last.RecordsStored)
			quarantined = fmt.Sprintf("%d", last.RecordsQuarantined)
			delete(lastRun, name)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			name, job.Schema, job.Dataset, strings.Join(job.Symbols, ","), lastStr, stored, quarantined)
	}
	// Ad-hoc CLI jobs not present in the config file.
	for name, last := range lastRun {
		fmt.Fprintf(w, "%s\t%s\t-\t-\t%s\t%d\t%d\n",
			name, last.Schema, last.EndedAt.Format(time.RFC3339), last.RecordsStored, last.RecordsQuarantined)
	}
	return w.Flush()
}

// Package pipeline orchestrates one ingestion job end to end: fetch chunks
// from the vendor adapter, repair and transform rows, quarantine rejects,
// and load validated batches into storage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/histdata/internal/adapter"
	"github.com/sawpanic/histdata/internal/metrics"
	"github.com/sawpanic/histdata/internal/models"
	"github.com/sawpanic/histdata/internal/quarantine"
	"github.com/sawpanic/histdata/internal/rules"
	"github.com/sawpanic/histdata/internal/storage"
)

// UserError marks argument mistakes. The CLI maps it to the user-error exit
// code instead of the fatal one.
type UserError struct {
	Msg string
}

func (e *UserError) Error() string { return e.Msg }

// LoaderProvider hands out the loader owning a schema's table.
// *storage.Manager satisfies it.
type LoaderProvider interface {
	LoaderFor(schema models.Schema) (storage.Loader, error)
}

// Options tunes the runner. Zero values take the defaults below.
type Options struct {
	// LoadRetries is how often a failed loader transaction is retried
	// before the chunk's rows are quarantined.
	LoadRetries int
	// MaxInFlight bounds fetched chunks queued ahead of the transform stage.
	MaxInFlight int
	// StateDir receives one stats JSON per job for status reporting.
	StateDir string
	// Progress receives stage events; nil disables reporting.
	Progress ProgressFunc
}

// Runner executes jobs one at a time.
type Runner struct {
	adapter adapter.Adapter
	engine  *rules.Engine
	sink    *quarantine.Sink
	loaders LoaderProvider
	metrics *metrics.Metrics
	logger  zerolog.Logger
	opts    Options
}

// NewRunner wires the pipeline. A nil metrics set falls back to an
// unregistered one.
func NewRunner(a adapter.Adapter, engine *rules.Engine, sink *quarantine.Sink,
	loaders LoaderProvider, m *metrics.Metrics, logger zerolog.Logger, opts Options) *Runner {
	if opts.LoadRetries <= 0 {
		opts.LoadRetries = 1
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 4
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Runner{
		adapter: a,
		engine:  engine,
		sink:    sink,
		loaders: loaders,
		metrics: m,
		logger:  logger.With().Str("component", "pipeline").Logger(),
		opts:    opts,
	}
}

// NormalizeJob resolves schema aliases, synthesizes a job name, and rejects
// invalid date ranges.
func NormalizeJob(job adapter.Job) (adapter.Job, error) {
	schema, err := models.ParseSchema(string(job.Schema))
	if err != nil {
		return job, &UserError{Msg: err.Error()}
	}
	job.Schema = schema

	if job.Dataset == "" {
		return job, &UserError{Msg: "dataset is required"}
	}
	if len(job.Symbols) == 0 {
		return job, &UserError{Msg: "at least one symbol is required"}
	}
	if job.StartDate.IsZero() || job.EndDate.IsZero() {
		return job, &UserError{Msg: "start_date and end_date are required"}
	}
	if !job.StartDate.Before(job.EndDate) {
		return job, &UserError{Msg: "end_date must be after start_date"}
	}

	if job.Name == "" {
		job.Name = fmt.Sprintf("cli_%s_%s", job.Schema, strings.Join(job.Symbols, "_"))
	}
	return job, nil
}

type fetchedChunk struct {
	chunk adapter.Chunk
	res   *adapter.FetchResult
	err   error
}

// Run executes one job and returns its stats. Fatal errors (auth, symbology,
// configuration) abort the job; chunk-level failures are absorbed into the
// stats and the job continues.
func (r *Runner) Run(ctx context.Context, job adapter.Job) (*Stats, error) {
	job, err := NormalizeJob(job)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		JobID:     uuid.NewString(),
		JobName:   job.Name,
		Schema:    string(job.Schema),
		StartedAt: time.Now().UTC(),
		DryRun:    job.DryRun,
	}
	logger := r.logger.With().Str("job", job.Name).Str("schema", string(job.Schema)).Logger()

	defer func() {
		stats.EndedAt = time.Now().UTC()
		if err := SaveStats(r.opts.StateDir, stats); err != nil {
			logger.Warn().Err(err).Msg("could not persist job stats")
		}
	}()

	if err := r.adapter.Configure(ctx); err != nil {
		stats.ErrorsEncountered++
		return stats, err
	}

	chunks, err := r.adapter.IterateChunks(job)
	if err != nil {
		stats.ErrorsEncountered++
		return stats, err
	}
	stats.ChunksTotal = len(chunks)

	var loader storage.Loader
	if !job.DryRun {
		loader, err = r.loaders.LoaderFor(job.Schema)
		if err != nil {
			stats.ErrorsEncountered++
			return stats, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	fetched := make(chan fetchedChunk, r.opts.MaxInFlight)

	g.Go(func() error {
		defer close(fetched)
		for _, chunk := range chunks {
			r.emit(Event{Stage: StageFetching, ChunkID: chunk.ID(), ChunksDone: chunk.Index, ChunksTotal: len(chunks)})
			start := time.Now()
			res, err := r.adapter.FetchChunk(gctx, chunk)
			r.metrics.FetchDuration.WithLabelValues(string(job.Schema)).Observe(time.Since(start).Seconds())

			select {
			case fetched <- fetchedChunk{chunk: chunk, res: res, err: err}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for f := range fetched {
			if err := r.processChunk(gctx, job, loader, f, stats, logger); err != nil {
				return err
			}
		}
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		stats.Cancelled = true
		logger.Warn().Msg("job cancelled, returning partial stats")
	}

	r.emit(Event{Stage: StageDone, ChunksDone: stats.ChunksOk, ChunksTotal: stats.ChunksTotal, Records: stats.RecordsStored})
	logger.Info().
		Int("chunks_ok", stats.ChunksOk).
		Int("chunks_failed", stats.ChunksFailed).
		Int64("stored", stats.RecordsStored).
		Int64("quarantined", stats.RecordsQuarantined).
		Msg("job finished")
	return stats, err
}

func (r *Runner) processChunk(ctx context.Context, job adapter.Job, loader storage.Loader,
	f fetchedChunk, stats *Stats, logger zerolog.Logger) error {

	schema := string(job.Schema)
	chunkID := f.chunk.ID()

	if f.err != nil {
		if isFatal(f.err) {
			return f.err
		}
		stats.ChunksFailed++
		stats.ErrorsEncountered++
		r.metrics.Chunks.WithLabelValues(schema, "failed").Inc()
		logger.Error().Err(f.err).Str("chunk", chunkID).Msg("chunk abandoned after retries")
		return nil
	}
	if f.res.Attempts > 1 {
		stats.ChunksRetried++
	}

	stats.RecordsFetched += int64(len(f.res.Records))
	r.metrics.RecordsFetched.WithLabelValues(schema).Add(float64(len(f.res.Records)))

	r.emit(Event{Stage: StageTransforming, ChunkID: chunkID, ChunksTotal: stats.ChunksTotal, Records: int64(len(f.res.Records))})
	repaired, repairStats := repairBatch(job, f.res.Records, logger)
	stats.Repair.Repaired += repairStats.Repaired
	stats.Repair.FailedRepair += repairStats.FailedRepair

	r.emit(Event{Stage: StageValidating, ChunkID: chunkID, ChunksTotal: stats.ChunksTotal, Records: int64(len(repaired))})
	valid, rejected := r.engine.Apply(job.Schema, repaired)
	for _, rej := range rejected {
		r.quarantineRow(stats, chunkID, schema, rej.Reason, diagnosticMessages(rej), rej.Row, logger)
	}

	records := make([]models.Record, 0, len(valid))
	for _, row := range valid {
		rec, err := models.RecordFromRow(job.Schema, row)
		if err != nil {
			r.quarantineRow(stats, chunkID, schema, err.Error(), nil, row, logger)
			continue
		}
		records = append(records, rec)
	}
	stats.RecordsTransformed += int64(len(records))

	if job.DryRun {
		stats.ChunksOk++
		r.metrics.Chunks.WithLabelValues(schema, "ok").Inc()
		return nil
	}

	r.emit(Event{Stage: StageStoring, ChunkID: chunkID, ChunksTotal: stats.ChunksTotal, Records: int64(len(records))})
	stored, err := r.loadWithRetry(ctx, job, loader, records, logger)
	if err != nil {
		stats.ChunksFailed++
		stats.ErrorsEncountered++
		r.metrics.Chunks.WithLabelValues(schema, "failed").Inc()
		logger.Error().Err(err).Str("chunk", chunkID).Msg("loader failed, quarantining chunk rows")
		for _, row := range valid {
			r.quarantineRow(stats, chunkID, schema, fmt.Sprintf("storage failure: %v", err), nil, row, logger)
		}
		return nil
	}

	stats.RecordsStored += stored
	stats.ChunksOk++
	r.metrics.RecordsStored.WithLabelValues(schema).Add(float64(stored))
	r.metrics.Chunks.WithLabelValues(schema, "ok").Inc()
	return nil
}

// loadWithRetry splits records into loader batches and retries each failed
// batch a bounded number of times.
func (r *Runner) loadWithRetry(ctx context.Context, job adapter.Job, loader storage.Loader,
	records []models.Record, logger zerolog.Logger) (int64, error) {

	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = job.Schema.BatchSize()
	}

	var stored int64
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		var res storage.LoadResult
		var err error
		for attempt := 0; attempt <= r.opts.LoadRetries; attempt++ {
			loadStart := time.Now()
			res, err = loader.Load(ctx, batch)
			r.metrics.LoadDuration.WithLabelValues(string(job.Schema)).Observe(time.Since(loadStart).Seconds())
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return stored, err
			}
			logger.Warn().Err(err).Int("attempt", attempt+1).Msg("loader transaction failed")
		}
		if err != nil {
			return stored, err
		}
		stored += res.Inserted
	}
	return stored, nil
}

func (r *Runner) quarantineRow(stats *Stats, chunkID, schema, reason string, errs []string,
	row models.Row, logger zerolog.Logger) {

	stats.RecordsQuarantined++
	r.metrics.RecordsQuarantined.WithLabelValues(schema).Inc()
	if r.sink == nil {
		return
	}
	err := r.sink.Write(quarantine.Entry{
		JobID:     stats.JobID,
		ChunkID:   chunkID,
		Schema:    schema,
		Reason:    reason,
		Errors:    errs,
		RawRecord: row,
	})
	if err != nil {
		stats.ErrorsEncountered++
		logger.Error().Err(err).Msg("quarantine write failed")
	}
}

func (r *Runner) emit(e Event) {
	if r.opts.Progress != nil {
		r.opts.Progress(e)
	}
}

// isFatal reports whether the error must abort the whole job.
func isFatal(err error) bool {
	var f adapter.FatalError
	return errors.As(err, &f) && f.Fatal()
}

func diagnosticMessages(rej rules.RejectedRow) []string {
	if len(rej.Diagnostics) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(rej.Diagnostics))
	for _, d := range rej.Diagnostics {
		msgs = append(msgs, d.Message)
	}
	return msgs
}

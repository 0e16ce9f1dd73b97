package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/histdata/internal/adapter"
	"github.com/sawpanic/histdata/internal/models"
	"github.com/sawpanic/histdata/internal/quarantine"
	"github.com/sawpanic/histdata/internal/rules"
	"github.com/sawpanic/histdata/internal/storage"
)

type mockAdapter struct {
	configureErr error
	iterateErr   error
	fetch        func(chunk adapter.Chunk) (*adapter.FetchResult, error)
}

func (m *mockAdapter) Configure(ctx context.Context) error { return m.configureErr }

func (m *mockAdapter) IterateChunks(job adapter.Job) ([]adapter.Chunk, error) {
	if m.iterateErr != nil {
		return nil, m.iterateErr
	}
	return adapter.SplitRange(job), nil
}

func (m *mockAdapter) FetchChunk(ctx context.Context, chunk adapter.Chunk) (*adapter.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.fetch(chunk)
}

func (m *mockAdapter) Close() error { return nil }

type mockLoader struct {
	mu       sync.Mutex
	loaded   []models.Record
	failures int
	calls    int
}

func (l *mockLoader) Table() string { return "mock" }

func (l *mockLoader) Load(ctx context.Context, records []models.Record) (storage.LoadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.failures > 0 {
		l.failures--
		return storage.LoadResult{}, &storage.Error{Op: "insert", Table: "mock", Err: errors.New("deadlock")}
	}
	l.loaded = append(l.loaded, records...)
	return storage.LoadResult{Inserted: int64(len(records))}, nil
}

type mockProvider struct{ loader *mockLoader }

func (p *mockProvider) LoaderFor(schema models.Schema) (storage.Loader, error) {
	return p.loader, nil
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func ohlcvJob() adapter.Job {
	return adapter.Job{
		Dataset:           "GLBX.MDP3",
		Schema:            models.SchemaOhlcv1d,
		Symbols:           []string{"ES.c.0"},
		STypeIn:           "continuous",
		StartDate:         day(10),
		EndDate:           day(13),
		ChunkIntervalDays: 1,
	}
}

func ohlcvRow(ts time.Time, close float64) models.Row {
	return models.Row{
		"ts_event":      ts,
		"instrument_id": int64(12345),
		"open_price":    close - 2,
		"high_price":    close + 5,
		"low_price":     close - 5,
		"close_price":   close,
		"volume":        int64(120000),
	}
}

func newTestRunner(t *testing.T, a adapter.Adapter, loader *mockLoader, opts Options) (*Runner, *quarantine.Sink) {
	t.Helper()
	sink := quarantine.NewSink(t.TempDir(), zerolog.Nop())
	t.Cleanup(func() { sink.Close() })
	engine := rules.NewEngine(nil, nil, zerolog.Nop())
	return NewRunner(a, engine, sink, &mockProvider{loader: loader}, nil, zerolog.Nop(), opts), sink
}

func TestRun_OhlcvHappyPath(t *testing.T) {
	loader := &mockLoader{}
	mock := &mockAdapter{
		fetch: func(chunk adapter.Chunk) (*adapter.FetchResult, error) {
			return &adapter.FetchResult{
				Records:  []models.Row{ohlcvRow(chunk.Start, 4500)},
				Attempts: 1,
			}, nil
		},
	}
	runner, _ := newTestRunner(t, mock, loader, Options{})

	stats, err := runner.Run(context.Background(), ohlcvJob())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.ChunksTotal)
	assert.Equal(t, 3, stats.ChunksOk)
	assert.Equal(t, int64(3), stats.RecordsFetched)
	assert.Equal(t, int64(3), stats.RecordsTransformed)
	assert.Equal(t, int64(3), stats.RecordsStored)
	assert.Zero(t, stats.RecordsQuarantined)
	assert.Zero(t, stats.ErrorsEncountered)
	assert.True(t, stats.Clean())

	require.Len(t, loader.loaded, 3)
	for _, rec := range loader.loaded {
		require.NotNil(t, rec.Ohlcv)
		assert.Equal(t, "1d", rec.Ohlcv.Granularity)
		assert.Equal(t, "databento", rec.Ohlcv.DataSource)
		assert.Equal(t, "ES.c.0", rec.Ohlcv.Symbol)
	}
}

func TestRun_SynthesizesJobName(t *testing.T) {
	job, err := NormalizeJob(ohlcvJob())
	require.NoError(t, err)
	assert.Equal(t, "cli_ohlcv-1d_ES.c.0", job.Name)
}

func TestRun_SchemaAliasNormalized(t *testing.T) {
	job := ohlcvJob()
	job.Schema = models.Schema("ohlcv")
	job, err := NormalizeJob(job)
	require.NoError(t, err)
	assert.Equal(t, models.SchemaOhlcv1d, job.Schema)
}

func TestRun_RejectsEqualDates(t *testing.T) {
	job := ohlcvJob()
	job.EndDate = job.StartDate

	loader := &mockLoader{}
	runner, _ := newTestRunner(t, &mockAdapter{}, loader, Options{})

	_, err := runner.Run(context.Background(), job)
	var userErr *UserError
	require.ErrorAs(t, err, &userErr)
	assert.Zero(t, loader.calls, "no rows may be written")
}

func TestRun_RepairsMissingSymbols(t *testing.T) {
	loader := &mockLoader{}
	mock := &mockAdapter{
		fetch: func(chunk adapter.Chunk) (*adapter.FetchResult, error) {
			rows := make([]models.Row, 3)
			for i := range rows {
				rows[i] = models.Row{
					"ts_event":      chunk.Start.Add(time.Duration(i) * time.Minute),
					"ts_recv":       chunk.Start.Add(time.Duration(i) * time.Minute),
					"instrument_id": int64(12345),
					"price":         4500.25,
					"size":          int64(3),
					"side":          "B",
				}
			}
			return &adapter.FetchResult{Records: rows, Attempts: 1}, nil
		},
	}
	runner, _ := newTestRunner(t, mock, loader, Options{})

	job := ohlcvJob()
	job.Schema = models.SchemaTrades
	job.EndDate = day(11)

	stats, err := runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Repair.Repaired)
	assert.Zero(t, stats.Repair.FailedRepair)
	assert.Equal(t, int64(3), stats.RecordsStored)
	for _, rec := range loader.loaded {
		assert.Equal(t, "ES.c.0", rec.Trade.Symbol)
	}
}

func TestRun_QuarantinesInvalidRows(t *testing.T) {
	bad := models.Row{
		"ts_event":      day(10),
		"instrument_id": int64(12345),
		"open_price":    4500.0,
		"high_price":    4400.0, // below open: OHLC invariant violation
		"low_price":     4495.0,
		"close_price":   4502.0,
		"volume":        int64(100),
	}
	loader := &mockLoader{}
	mock := &mockAdapter{
		fetch: func(chunk adapter.Chunk) (*adapter.FetchResult, error) {
			return &adapter.FetchResult{
				Records:  []models.Row{ohlcvRow(chunk.Start, 4500), bad.Clone()},
				Attempts: 1,
			}, nil
		},
	}
	runner, sink := newTestRunner(t, mock, loader, Options{})

	job := ohlcvJob()
	job.EndDate = day(11)

	stats, err := runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.RecordsStored)
	assert.Equal(t, int64(1), stats.RecordsQuarantined)

	var entries []quarantine.Entry
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Scan(func(e quarantine.Entry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 1)
	assert.Equal(t, "ohlcv-1d", entries[0].Schema)
	// Raw record round-trips with the adapter's field values intact.
	high, err := entries[0].RawRecord.Float64("high_price")
	require.NoError(t, err)
	assert.InDelta(t, 4400.0, high, 1e-9)
	assert.Equal(t, stats.JobID, entries[0].JobID)
}

func TestRun_CountsRetriedChunks(t *testing.T) {
	loader := &mockLoader{}
	mock := &mockAdapter{
		fetch: func(chunk adapter.Chunk) (*adapter.FetchResult, error) {
			attempts := 1
			if chunk.Index == 0 {
				attempts = 3
			}
			return &adapter.FetchResult{
				Records:  []models.Row{ohlcvRow(chunk.Start, 4500)},
				Attempts: attempts,
			}, nil
		},
	}
	runner, _ := newTestRunner(t, mock, loader, Options{})

	stats, err := runner.Run(context.Background(), ohlcvJob())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ChunksRetried)
	assert.Equal(t, 3, stats.ChunksOk)
}

func TestRun_AbandonsFailedChunkAndContinues(t *testing.T) {
	loader := &mockLoader{}
	mock := &mockAdapter{
		fetch: func(chunk adapter.Chunk) (*adapter.FetchResult, error) {
			if chunk.Index == 1 {
				return nil, errors.New("upstream exploded")
			}
			return &adapter.FetchResult{
				Records:  []models.Row{ohlcvRow(chunk.Start, 4500)},
				Attempts: 1,
			}, nil
		},
	}
	runner, _ := newTestRunner(t, mock, loader, Options{})

	stats, err := runner.Run(context.Background(), ohlcvJob())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ChunksOk)
	assert.Equal(t, 1, stats.ChunksFailed)
	assert.Equal(t, int64(2), stats.RecordsStored)
	assert.False(t, stats.Clean())
}

func TestRun_SymbologyErrorIsFatal(t *testing.T) {
	loader := &mockLoader{}
	mock := &mockAdapter{
		iterateErr: &adapter.SymbologyError{STypeIn: "parent", Symbol: "ES.c.0", Detail: "not a parent symbol"},
	}
	runner, _ := newTestRunner(t, mock, loader, Options{})

	stats, err := runner.Run(context.Background(), ohlcvJob())
	var symErr *adapter.SymbologyError
	require.ErrorAs(t, err, &symErr)
	require.NotNil(t, stats)
	assert.Zero(t, loader.calls)
}

func TestRun_LoaderFailureQuarantinesChunk(t *testing.T) {
	loader := &mockLoader{failures: 2} // initial try + one retry both fail
	mock := &mockAdapter{
		fetch: func(chunk adapter.Chunk) (*adapter.FetchResult, error) {
			return &adapter.FetchResult{
				Records:  []models.Row{ohlcvRow(chunk.Start, 4500)},
				Attempts: 1,
			}, nil
		},
	}
	runner, sink := newTestRunner(t, mock, loader, Options{LoadRetries: 1})

	job := ohlcvJob()
	job.EndDate = day(11)

	stats, err := runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ChunksFailed)
	assert.Equal(t, int64(1), stats.RecordsQuarantined)
	assert.Zero(t, stats.RecordsStored)
	assert.Equal(t, int64(1), sink.Written())
}

func TestRun_DryRunSkipsLoader(t *testing.T) {
	loader := &mockLoader{}
	mock := &mockAdapter{
		fetch: func(chunk adapter.Chunk) (*adapter.FetchResult, error) {
			return &adapter.FetchResult{
				Records:  []models.Row{ohlcvRow(chunk.Start, 4500)},
				Attempts: 1,
			}, nil
		},
	}
	runner, _ := newTestRunner(t, mock, loader, Options{})

	job := ohlcvJob()
	job.DryRun = true

	stats, err := runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ChunksOk)
	assert.Equal(t, int64(3), stats.RecordsTransformed)
	assert.Zero(t, stats.RecordsStored)
	assert.Zero(t, loader.calls)
}

func TestRun_CancellationReturnsPartialStats(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loader := &mockLoader{}
	mock := &mockAdapter{
		fetch: func(chunk adapter.Chunk) (*adapter.FetchResult, error) {
			if chunk.Index == 1 {
				cancel()
			}
			return &adapter.FetchResult{
				Records:  []models.Row{ohlcvRow(chunk.Start, 4500)},
				Attempts: 1,
			}, nil
		},
	}
	runner, _ := newTestRunner(t, mock, loader, Options{})

	stats, _ := runner.Run(ctx, ohlcvJob())
	require.NotNil(t, stats)
	assert.True(t, stats.Cancelled)
	assert.Less(t, stats.ChunksOk, stats.ChunksTotal)
}

func TestRun_ProgressEvents(t *testing.T) {
	var mu sync.Mutex
	stages := map[Stage]int{}
	loader := &mockLoader{}
	mock := &mockAdapter{
		fetch: func(chunk adapter.Chunk) (*adapter.FetchResult, error) {
			return &adapter.FetchResult{
				Records:  []models.Row{ohlcvRow(chunk.Start, 4500)},
				Attempts: 1,
			}, nil
		},
	}
	runner, _ := newTestRunner(t, mock, loader, Options{Progress: func(e Event) {
		mu.Lock()
		stages[e.Stage]++
		mu.Unlock()
	}})

	_, err := runner.Run(context.Background(), ohlcvJob())
	require.NoError(t, err)

	assert.Equal(t, 3, stages[StageFetching])
	assert.Equal(t, 3, stages[StageStoring])
	assert.Equal(t, 1, stages[StageDone])
}

func TestStatsPersistence(t *testing.T) {
	dir := t.TempDir()
	s := &Stats{JobID: "abc", JobName: "cli_trades_ESH4", RecordsStored: 42, StartedAt: day(10)}
	require.NoError(t, SaveStats(dir, s))

	got, err := LoadStats(dir, "cli_trades_ESH4")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.RecordsStored)

	all, err := ListStats(dir)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "cli_trades_ESH4", all[0].JobName)
}

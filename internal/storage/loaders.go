package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/histdata/internal/models"
)

// LoadResult reports what one batch did. Skipped rows hit a conflict target
// on a loader with drop-duplicate semantics.
type LoadResult struct {
	Inserted int64
	Skipped  int64
}

// Loader persists one record kind.
type Loader interface {
	Table() string
	Load(ctx context.Context, records []models.Record) (LoadResult, error)
}

// LoaderFor returns the loader owning the schema's target table.
func (m *Manager) LoaderFor(schema models.Schema) (Loader, error) {
	base := baseLoader{
		m:      m,
		logger: m.logger.With().Str("table", schema.TableName()).Logger(),
	}
	switch {
	case schema.IsOhlcv():
		return &ohlcvLoader{base}, nil
	case schema == models.SchemaTrades:
		return &tradesLoader{base}, nil
	case schema == models.SchemaTbbo:
		return &tbboLoader{base}, nil
	case schema == models.SchemaStatistics:
		return &statisticsLoader{base}, nil
	case schema == models.SchemaDefinition:
		return &definitionsLoader{base}, nil
	}
	return nil, &Error{Op: "loader", Err: fmt.Errorf("no loader for schema %q", schema)}
}

type baseLoader struct {
	m      *Manager
	logger zerolog.Logger
}

// insertBatch runs one named statement per record inside a single
// transaction. Batch timeout scales with size so large tick batches do not
// trip the per-query limit.
func (b *baseLoader) insertBatch(ctx context.Context, table, query string, args []any) (LoadResult, error) {
	var res LoadResult
	if len(args) == 0 {
		return res, nil
	}

	timeout := b.m.config.QueryTimeout * time.Duration(len(args)/1000+1)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := b.m.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, &Error{Op: "begin", Table: table, Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return res, &Error{Op: "prepare", Table: table, Err: err}
	}
	defer stmt.Close()

	for _, arg := range args {
		result, err := stmt.ExecContext(ctx, arg)
		if err != nil {
			return LoadResult{}, &Error{Op: "insert", Table: table, Err: err}
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return LoadResult{}, &Error{Op: "insert", Table: table, Err: err}
		}
		if affected > 0 {
			res.Inserted++
		} else {
			res.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return LoadResult{}, &Error{Op: "commit", Table: table, Err: err}
	}

	b.logger.Debug().
		Int64("inserted", res.Inserted).
		Int64("skipped", res.Skipped).
		Msg("batch committed")
	return res, nil
}

// ohlcvLoader upserts bars: re-ingesting a window replaces its rows in place.
type ohlcvLoader struct{ baseLoader }

func (l *ohlcvLoader) Table() string { return "daily_ohlcv_data" }

const ohlcvInsert = `
	INSERT INTO daily_ohlcv_data (
		ts_event, instrument_id, symbol, open_price, high_price, low_price,
		close_price, volume, trade_count, vwap, granularity, data_source
	) VALUES (
		:ts_event, :instrument_id, :symbol, :open_price, :high_price, :low_price,
		:close_price, :volume, :trade_count, :vwap, :granularity, :data_source
	)
	ON CONFLICT (instrument_id, ts_event, granularity, data_source) DO UPDATE SET
		symbol = EXCLUDED.symbol,
		open_price = EXCLUDED.open_price,
		high_price = EXCLUDED.high_price,
		low_price = EXCLUDED.low_price,
		close_price = EXCLUDED.close_price,
		volume = EXCLUDED.volume,
		trade_count = EXCLUDED.trade_count,
		vwap = EXCLUDED.vwap`

func (l *ohlcvLoader) Load(ctx context.Context, records []models.Record) (LoadResult, error) {
	args := make([]any, 0, len(records))
	for _, rec := range records {
		if rec.Ohlcv == nil {
			return LoadResult{}, &Error{Op: "load", Table: l.Table(), Err: fmt.Errorf("record is not an OHLCV bar")}
		}
		args = append(args, rec.Ohlcv)
	}
	return l.insertBatch(ctx, l.Table(), ohlcvInsert, args)
}

// tradesLoader drops duplicates: ticks are append-only and re-ingestion must
// not multiply them.
type tradesLoader struct{ baseLoader }

func (l *tradesLoader) Table() string { return "trades_data" }

const tradesInsert = `
	INSERT INTO trades_data (
		ts_event, ts_recv, publisher_id, instrument_id, symbol, price, size,
		action, side, flags, depth, sequence, ts_in_delta
	) VALUES (
		:ts_event, :ts_recv, :publisher_id, :instrument_id, :symbol, :price, :size,
		:action, :side, :flags, :depth, :sequence, :ts_in_delta
	)
	ON CONFLICT DO NOTHING`

func (l *tradesLoader) Load(ctx context.Context, records []models.Record) (LoadResult, error) {
	args := make([]any, 0, len(records))
	for _, rec := range records {
		if rec.Trade == nil {
			return LoadResult{}, &Error{Op: "load", Table: l.Table(), Err: fmt.Errorf("record is not a trade")}
		}
		args = append(args, rec.Trade)
	}
	return l.insertBatch(ctx, l.Table(), tradesInsert, args)
}

// tbboLoader drops duplicates like trades.
type tbboLoader struct{ baseLoader }

func (l *tbboLoader) Table() string { return "tbbo_data" }

const tbboInsert = `
	INSERT INTO tbbo_data (
		ts_event, ts_recv, publisher_id, instrument_id, symbol, bid_px, ask_px,
		bid_sz, ask_sz, bid_ct, ask_ct, sequence, flags
	) VALUES (
		:ts_event, :ts_recv, :publisher_id, :instrument_id, :symbol, :bid_px, :ask_px,
		:bid_sz, :ask_sz, :bid_ct, :ask_ct, :sequence, :flags
	)
	ON CONFLICT DO NOTHING`

func (l *tbboLoader) Load(ctx context.Context, records []models.Record) (LoadResult, error) {
	args := make([]any, 0, len(records))
	for _, rec := range records {
		if rec.Tbbo == nil {
			return LoadResult{}, &Error{Op: "load", Table: l.Table(), Err: fmt.Errorf("record is not a TBBO quote")}
		}
		args = append(args, rec.Tbbo)
	}
	return l.insertBatch(ctx, l.Table(), tbboInsert, args)
}

// statisticsLoader upserts on the statistic's natural key so corrected
// publisher values replace stale ones.
type statisticsLoader struct{ baseLoader }

func (l *statisticsLoader) Table() string { return "statistics_data" }

const statisticsInsert = `
	INSERT INTO statistics_data (
		ts_event, ts_recv, ts_ref, publisher_id, instrument_id, symbol,
		stat_type, stat_value, quantity, sequence, ts_in_delta, channel_id,
		update_action, stat_flags
	) VALUES (
		:ts_event, :ts_recv, :ts_ref, :publisher_id, :instrument_id, :symbol,
		:stat_type, :stat_value, :quantity, :sequence, :ts_in_delta, :channel_id,
		:update_action, :stat_flags
	)
	ON CONFLICT (instrument_id, stat_type, ts_event) DO UPDATE SET
		ts_recv = EXCLUDED.ts_recv,
		ts_ref = EXCLUDED.ts_ref,
		symbol = EXCLUDED.symbol,
		stat_value = EXCLUDED.stat_value,
		quantity = EXCLUDED.quantity,
		sequence = EXCLUDED.sequence,
		update_action = EXCLUDED.update_action,
		stat_flags = EXCLUDED.stat_flags`

func (l *statisticsLoader) Load(ctx context.Context, records []models.Record) (LoadResult, error) {
	args := make([]any, 0, len(records))
	for _, rec := range records {
		if rec.Stat == nil {
			return LoadResult{}, &Error{Op: "load", Table: l.Table(), Err: fmt.Errorf("record is not a statistic")}
		}
		args = append(args, rec.Stat)
	}
	return l.insertBatch(ctx, l.Table(), statisticsInsert, args)
}

// Package query reads back ingested market data. Symbols resolve through
// definitions_data when that table exists; otherwise queries fall back to
// the symbol column on the target hypertable.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/sawpanic/histdata/internal/models"
	"github.com/sawpanic/histdata/internal/storage"
)

// SymbolResolutionError means the primary definitions-based path could not
// map symbols to instrument ids. The builder catches it internally to
// trigger the fallback path.
type SymbolResolutionError struct {
	Symbols []string
	Err     error
}

func (e *SymbolResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve symbols %v: %v", e.Symbols, e.Err)
}

func (e *SymbolResolutionError) Unwrap() error { return e.Err }

// Builder runs read queries against the hypertables.
type Builder struct {
	db      *sqlx.DB
	timeout time.Duration
	logger  zerolog.Logger

	mu          sync.Mutex
	defsChecked bool
	defsPresent bool
}

// NewBuilder wraps the storage manager's pool.
func NewBuilder(m *storage.Manager, timeout time.Duration, logger zerolog.Logger) *Builder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Builder{
		db:      m.DB(),
		timeout: timeout,
		logger:  logger.With().Str("component", "query").Logger(),
	}
}

// OhlcvParams filters bar queries. Zero-valued fields are not applied.
type OhlcvParams struct {
	Symbols     []string
	Start, End  time.Time
	Granularity string
	Limit       int
}

// TradesParams filters trade queries.
type TradesParams struct {
	Symbols    []string
	Start, End time.Time
	Side       string
	MinVolume  int64
	Limit      int
}

// TbboParams filters quote queries.
type TbboParams struct {
	Symbols    []string
	Start, End time.Time
	Limit      int
}

// StatisticsParams filters statistics queries. StatType nil means all types.
type StatisticsParams struct {
	Symbols    []string
	Start, End time.Time
	StatType   *int64
	Limit      int
}

// DefinitionsParams filters definition queries.
type DefinitionsParams struct {
	Symbols    []string
	Start, End time.Time
	Asset      string
	Exchange   string
	Limit      int
}

// QueryDailyOhlcv returns bars for the symbols in [start, end).
func (b *Builder) QueryDailyOhlcv(ctx context.Context, p OhlcvParams) ([]models.Row, error) {
	w := newWhere()
	w.timeRange("ts_event", p.Start, p.End)
	if p.Granularity != "" {
		w.add("granularity = %s", p.Granularity)
	}
	return b.run(ctx, "daily_ohlcv_data", p.Symbols, w, p.Limit)
}

// QueryTrades returns trade prints for the symbols in [start, end).
func (b *Builder) QueryTrades(ctx context.Context, p TradesParams) ([]models.Row, error) {
	w := newWhere()
	w.timeRange("ts_event", p.Start, p.End)
	if p.Side != "" {
		w.add("side = %s", p.Side)
	}
	if p.MinVolume > 0 {
		w.add("size >= %s", p.MinVolume)
	}
	return b.run(ctx, "trades_data", p.Symbols, w, p.Limit)
}

// QueryTbbo returns top-of-book quotes for the symbols in [start, end).
func (b *Builder) QueryTbbo(ctx context.Context, p TbboParams) ([]models.Row, error) {
	w := newWhere()
	w.timeRange("ts_event", p.Start, p.End)
	return b.run(ctx, "tbbo_data", p.Symbols, w, p.Limit)
}

// QueryStatistics returns publisher statistics for the symbols in [start, end).
func (b *Builder) QueryStatistics(ctx context.Context, p StatisticsParams) ([]models.Row, error) {
	w := newWhere()
	w.timeRange("ts_event", p.Start, p.End)
	if p.StatType != nil {
		w.add("stat_type = %s", *p.StatType)
	}
	return b.run(ctx, "statistics_data", p.Symbols, w, p.Limit)
}

// QueryDefinitions returns instrument definitions for the symbols in [start, end).
func (b *Builder) QueryDefinitions(ctx context.Context, p DefinitionsParams) ([]models.Row, error) {
	w := newWhere()
	w.timeRange("ts_event", p.Start, p.End)
	if p.Asset != "" {
		w.add("asset = %s", p.Asset)
	}
	if p.Exchange != "" {
		w.add("exchange = %s", p.Exchange)
	}
	return b.run(ctx, "definitions_data", p.Symbols, w, p.Limit)
}

// GetAvailableSymbols lists distinct symbols known to the database. The
// definitions table is preferred; without it the fact tables are scanned.
func (b *Builder) GetAvailableSymbols(ctx context.Context, asset, exchange string, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if b.definitionsAvailable(ctx) {
		w := newWhere()
		if asset != "" {
			w.add("asset = %s", asset)
		}
		if exchange != "" {
			w.add("exchange = %s", exchange)
		}
		q := "SELECT DISTINCT raw_symbol FROM definitions_data" + w.clause() + " ORDER BY raw_symbol"
		if limit > 0 {
			q += fmt.Sprintf(" LIMIT %d", limit)
		}
		var symbols []string
		if err := b.db.SelectContext(ctx, &symbols, q, w.args...); err == nil {
			return symbols, nil
		} else if !storage.IsUndefinedTable(err) {
			return nil, &storage.Error{Op: "select", Table: "definitions_data", Err: err}
		}
	}

	seen := make(map[string]bool)
	var symbols []string
	for _, table := range []string{"daily_ohlcv_data", "trades_data", "tbbo_data", "statistics_data"} {
		var part []string
		err := b.db.SelectContext(ctx, &part,
			fmt.Sprintf("SELECT DISTINCT symbol FROM %s WHERE symbol <> ''", table))
		if err != nil {
			if storage.IsUndefinedTable(err) {
				continue
			}
			return nil, &storage.Error{Op: "select", Table: table, Err: err}
		}
		for _, s := range part {
			if !seen[s] {
				seen[s] = true
				symbols = append(symbols, s)
			}
		}
	}
	if limit > 0 && len(symbols) > limit {
		symbols = symbols[:limit]
	}
	return symbols, nil
}

// run executes a hypertable query, resolving symbols through the primary
// path first and the symbol-column fallback second.
func (b *Builder) run(ctx context.Context, table string, symbols []string, w *where, limit int) ([]models.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if len(symbols) > 0 {
		ids, err := b.resolveInstrumentIDs(ctx, symbols)
		if err == nil {
			primary := w.clone()
			primary.add("instrument_id = ANY(%s)", pq.Array(ids))
			return b.selectRows(ctx, table, primary, limit)
		}
		var resErr *SymbolResolutionError
		if !errors.As(err, &resErr) {
			return nil, err
		}
		b.logger.Debug().Err(err).Msg("primary symbol resolution failed, using symbol column")
		w.add("symbol = ANY(%s)", pq.Array(symbols))
	}
	return b.selectRows(ctx, table, w, limit)
}

func (b *Builder) selectRows(ctx context.Context, table string, w *where, limit int) ([]models.Row, error) {
	q := "SELECT * FROM " + table + w.clause() + " ORDER BY ts_event"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := b.db.QueryxContext(ctx, q, w.args...)
	if err != nil {
		return nil, &storage.Error{Op: "select", Table: table, Err: err}
	}
	defer rows.Close()

	var out []models.Row
	for rows.Next() {
		m := make(map[string]any)
		if err := rows.MapScan(m); err != nil {
			return nil, &storage.Error{Op: "scan", Table: table, Err: err}
		}
		out = append(out, normalizeRow(m))
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.Error{Op: "scan", Table: table, Err: err}
	}
	return out, nil
}

// resolveInstrumentIDs maps symbols to instrument ids via definitions_data.
func (b *Builder) resolveInstrumentIDs(ctx context.Context, symbols []string) ([]int64, error) {
	if !b.definitionsAvailable(ctx) {
		return nil, &SymbolResolutionError{Symbols: symbols, Err: fmt.Errorf("definitions table not present")}
	}

	var ids []int64
	err := b.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT instrument_id FROM definitions_data
		 WHERE raw_symbol = ANY($1) OR symbol = ANY($1)`, pq.Array(symbols))
	if err != nil {
		if storage.IsUndefinedTable(err) {
			b.markDefinitionsAbsent()
			return nil, &SymbolResolutionError{Symbols: symbols, Err: err}
		}
		return nil, &storage.Error{Op: "select", Table: "definitions_data", Err: err}
	}
	if len(ids) == 0 {
		return nil, &SymbolResolutionError{Symbols: symbols, Err: fmt.Errorf("no definitions matched")}
	}
	return ids, nil
}

// definitionsAvailable probes for definitions_data once per session.
func (b *Builder) definitionsAvailable(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.defsChecked {
		return b.defsPresent
	}

	var present bool
	err := b.db.GetContext(ctx, &present,
		`SELECT to_regclass('definitions_data') IS NOT NULL`)
	if err != nil {
		b.logger.Debug().Err(err).Msg("definitions table probe failed")
		return false
	}
	b.defsChecked = true
	b.defsPresent = present
	return present
}

func (b *Builder) markDefinitionsAbsent() {
	b.mu.Lock()
	b.defsChecked = true
	b.defsPresent = false
	b.mu.Unlock()
}

// normalizeRow converts driver byte slices into strings for map rows.
func normalizeRow(m map[string]any) models.Row {
	row := make(models.Row, len(m))
	for k, v := range m {
		if raw, ok := v.([]byte); ok {
			row[k] = string(raw)
			continue
		}
		row[k] = v
	}
	return row
}

// where accumulates positional conditions, renumbering placeholders as they
// are appended.
type where struct {
	conds []string
	args  []any
}

func newWhere() *where { return &where{} }

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) timeRange(column string, start, end time.Time) {
	if !start.IsZero() {
		w.add(column+" >= %s", start)
	}
	if !end.IsZero() {
		w.add(column+" < %s", end)
	}
}

func (w *where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) clone() *where {
	return &where{
		conds: append([]string(nil), w.conds...),
		args:  append([]any(nil), w.args...),
	}
}

package storage

import (
	"context"
	"strings"
)

// tableDDL declares every hypertable, keyed by table name. Timescale
// partitioning runs on ts_event for all of them.
var tableDDL = map[string]string{
	"daily_ohlcv_data": `
		CREATE TABLE IF NOT EXISTS daily_ohlcv_data (
			ts_event      TIMESTAMPTZ NOT NULL,
			instrument_id BIGINT NOT NULL,
			symbol        TEXT NOT NULL DEFAULT '',
			open_price    NUMERIC NOT NULL,
			high_price    NUMERIC NOT NULL,
			low_price     NUMERIC NOT NULL,
			close_price   NUMERIC NOT NULL,
			volume        BIGINT NOT NULL,
			trade_count   BIGINT,
			vwap          NUMERIC,
			granularity   TEXT NOT NULL,
			data_source   TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	"trades_data": `
		CREATE TABLE IF NOT EXISTS trades_data (
			ts_event      TIMESTAMPTZ NOT NULL,
			ts_recv       TIMESTAMPTZ NOT NULL,
			publisher_id  BIGINT NOT NULL DEFAULT 0,
			instrument_id BIGINT NOT NULL,
			symbol        TEXT NOT NULL DEFAULT '',
			price         NUMERIC NOT NULL,
			size          BIGINT NOT NULL,
			action        TEXT NOT NULL DEFAULT 'T',
			side          TEXT NOT NULL DEFAULT 'N',
			flags         BIGINT NOT NULL DEFAULT 0,
			depth         BIGINT NOT NULL DEFAULT 0,
			sequence      BIGINT,
			ts_in_delta   BIGINT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	"tbbo_data": `
		CREATE TABLE IF NOT EXISTS tbbo_data (
			ts_event      TIMESTAMPTZ NOT NULL,
			ts_recv       TIMESTAMPTZ NOT NULL,
			publisher_id  BIGINT NOT NULL DEFAULT 0,
			instrument_id BIGINT NOT NULL,
			symbol        TEXT NOT NULL DEFAULT '',
			bid_px        NUMERIC,
			ask_px        NUMERIC,
			bid_sz        BIGINT,
			ask_sz        BIGINT,
			bid_ct        BIGINT,
			ask_ct        BIGINT,
			sequence      BIGINT,
			flags         BIGINT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	"statistics_data": `
		CREATE TABLE IF NOT EXISTS statistics_data (
			ts_event      TIMESTAMPTZ NOT NULL,
			ts_recv       TIMESTAMPTZ NOT NULL,
			ts_ref        TIMESTAMPTZ,
			publisher_id  BIGINT NOT NULL DEFAULT 0,
			instrument_id BIGINT NOT NULL,
			symbol        TEXT NOT NULL DEFAULT '',
			stat_type     BIGINT NOT NULL,
			stat_value    NUMERIC,
			quantity      BIGINT,
			sequence      BIGINT NOT NULL DEFAULT 0,
			ts_in_delta   BIGINT NOT NULL DEFAULT 0,
			channel_id    BIGINT NOT NULL DEFAULT 0,
			update_action BIGINT NOT NULL DEFAULT 0,
			stat_flags    BIGINT NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	"definitions_data": `
		CREATE TABLE IF NOT EXISTS definitions_data (
			ts_event                   TIMESTAMPTZ NOT NULL,
			ts_recv                    TIMESTAMPTZ NOT NULL,
			publisher_id               BIGINT NOT NULL DEFAULT 0,
			instrument_id              BIGINT NOT NULL,
			symbol                     TEXT NOT NULL DEFAULT '',
			raw_symbol                 TEXT NOT NULL DEFAULT '',
			instrument_class           TEXT NOT NULL DEFAULT '',
			security_type              TEXT,
			asset                      TEXT,
			exchange                   TEXT,
			group_code                 TEXT,
			cfi                        TEXT,
			currency                   TEXT,
			settl_currency             TEXT,
			secsubtype                 TEXT,
			underlying_id              BIGINT,
			underlying                 TEXT,
			raw_instrument_id          BIGINT,
			activation                 TIMESTAMPTZ NOT NULL,
			expiration                 TIMESTAMPTZ NOT NULL,
			min_price_increment        NUMERIC NOT NULL,
			display_factor             NUMERIC NOT NULL DEFAULT 1,
			unit_of_measure            TEXT,
			unit_of_measure_qty        NUMERIC,
			min_price_increment_amount NUMERIC,
			price_ratio                NUMERIC,
			inst_attrib_value          BIGINT,
			contract_multiplier        BIGINT,
			contract_multiplier_unit   BIGINT,
			original_contract_size     BIGINT,
			decay_quantity             BIGINT,
			decay_start_date           TIMESTAMPTZ,
			trading_reference_date     TIMESTAMPTZ,
			trading_reference_price    NUMERIC,
			flow_schedule_type         BIGINT,
			tick_rule                  BIGINT,
			high_limit_price           NUMERIC,
			low_limit_price            NUMERIC,
			max_price_variation        NUMERIC,
			min_lot_size               BIGINT,
			min_lot_size_block         BIGINT,
			min_lot_size_round_lot     BIGINT,
			min_trade_vol              BIGINT,
			max_trade_vol              BIGINT,
			market_depth               BIGINT,
			market_depth_implied       BIGINT,
			market_segment_id          BIGINT,
			appl_id                    BIGINT,
			channel_id                 BIGINT,
			match_algorithm            TEXT,
			md_security_trading_status BIGINT,
			main_fraction              BIGINT,
			sub_fraction               BIGINT,
			price_display_format       BIGINT,
			settl_price_type           BIGINT,
			underlying_product         BIGINT,
			security_update_action     TEXT NOT NULL DEFAULT '',
			user_defined_instrument    TEXT,
			maturity_year              BIGINT,
			maturity_month             BIGINT,
			maturity_day               BIGINT,
			maturity_week              BIGINT,
			strike_price               NUMERIC,
			strike_price_currency      TEXT,
			leg_count                  BIGINT NOT NULL DEFAULT 0,
			leg_index                  BIGINT,
			leg_instrument_id          BIGINT,
			leg_raw_symbol             TEXT,
			leg_side                   TEXT,
			leg_underlying_id          BIGINT,
			leg_ratio_qty_numerator    BIGINT,
			leg_ratio_qty_denominator  BIGINT,
			leg_price                  NUMERIC,
			leg_delta                  NUMERIC,
			created_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
}

// uniqueIndexDDL backs the ON CONFLICT targets of each loader.
var uniqueIndexDDL = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS daily_ohlcv_data_natural_key
		ON daily_ohlcv_data (instrument_id, ts_event, granularity, data_source)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS trades_data_natural_key
		ON trades_data (instrument_id, ts_event, ts_recv, price, size, sequence)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tbbo_data_natural_key
		ON tbbo_data (instrument_id, ts_event, ts_recv, sequence)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS statistics_data_natural_key
		ON statistics_data (instrument_id, stat_type, ts_event)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS definitions_data_natural_key
		ON definitions_data (instrument_id, ts_event)`,
}

// EnsureSchema creates all tables, converts them to hypertables, and builds
// the unique indexes. Hypertable conversion degrades gracefully when the
// timescaledb extension is unavailable, leaving plain tables behind.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()

	for table, ddl := range tableDDL {
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return &Error{Op: "create table", Table: table, Err: err}
		}
	}

	for table := range tableDDL {
		_, err := m.db.ExecContext(ctx,
			`SELECT create_hypertable($1, 'ts_event', if_not_exists => TRUE, migrate_data => TRUE)`, table)
		if err != nil {
			if isMissingTimescale(err) {
				m.logger.Warn().Str("table", table).
					Msg("timescaledb extension unavailable, using plain table")
				continue
			}
			return &Error{Op: "create hypertable", Table: table, Err: err}
		}
	}

	for _, ddl := range uniqueIndexDDL {
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return &Error{Op: "create index", Err: err}
		}
	}
	return nil
}

// isMissingTimescale detects the undefined-function error produced when the
// extension is not installed.
func isMissingTimescale(err error) bool {
	return err != nil && strings.Contains(err.Error(), "create_hypertable")
}

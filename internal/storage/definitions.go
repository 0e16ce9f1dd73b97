package storage

import (
	"context"
	"fmt"

	"github.com/sawpanic/histdata/internal/models"
)

// definitionsLoader upserts point-in-time definitions on (instrument_id,
// ts_event): a re-ingested definition day replaces itself.
type definitionsLoader struct{ baseLoader }

func (l *definitionsLoader) Table() string { return "definitions_data" }

const definitionsInsert = `
	INSERT INTO definitions_data (
		ts_event, ts_recv, publisher_id, instrument_id, symbol, raw_symbol,
		instrument_class, security_type, asset, exchange, group_code, cfi,
		currency, settl_currency, secsubtype, underlying_id, underlying,
		raw_instrument_id, activation, expiration, min_price_increment,
		display_factor, unit_of_measure, unit_of_measure_qty,
		min_price_increment_amount, price_ratio, inst_attrib_value,
		contract_multiplier, contract_multiplier_unit, original_contract_size,
		decay_quantity, decay_start_date, trading_reference_date,
		trading_reference_price, flow_schedule_type, tick_rule,
		high_limit_price, low_limit_price, max_price_variation, min_lot_size,
		min_lot_size_block, min_lot_size_round_lot, min_trade_vol,
		max_trade_vol, market_depth, market_depth_implied, market_segment_id,
		appl_id, channel_id, match_algorithm, md_security_trading_status,
		main_fraction, sub_fraction, price_display_format, settl_price_type,
		underlying_product, security_update_action, user_defined_instrument,
		maturity_year, maturity_month, maturity_day, maturity_week,
		strike_price, strike_price_currency, leg_count, leg_index,
		leg_instrument_id, leg_raw_symbol, leg_side, leg_underlying_id,
		leg_ratio_qty_numerator, leg_ratio_qty_denominator, leg_price, leg_delta
	) VALUES (
		:ts_event, :ts_recv, :publisher_id, :instrument_id, :symbol, :raw_symbol,
		:instrument_class, :security_type, :asset, :exchange, :group_code, :cfi,
		:currency, :settl_currency, :secsubtype, :underlying_id, :underlying,
		:raw_instrument_id, :activation, :expiration, :min_price_increment,
		:display_factor, :unit_of_measure, :unit_of_measure_qty,
		:min_price_increment_amount, :price_ratio, :inst_attrib_value,
		:contract_multiplier, :contract_multiplier_unit, :original_contract_size,
		:decay_quantity, :decay_start_date, :trading_reference_date,
		:trading_reference_price, :flow_schedule_type, :tick_rule,
		:high_limit_price, :low_limit_price, :max_price_variation, :min_lot_size,
		:min_lot_size_block, :min_lot_size_round_lot, :min_trade_vol,
		:max_trade_vol, :market_depth, :market_depth_implied, :market_segment_id,
		:appl_id, :channel_id, :match_algorithm, :md_security_trading_status,
		:main_fraction, :sub_fraction, :price_display_format, :settl_price_type,
		:underlying_product, :security_update_action, :user_defined_instrument,
		:maturity_year, :maturity_month, :maturity_day, :maturity_week,
		:strike_price, :strike_price_currency, :leg_count, :leg_index,
		:leg_instrument_id, :leg_raw_symbol, :leg_side, :leg_underlying_id,
		:leg_ratio_qty_numerator, :leg_ratio_qty_denominator, :leg_price, :leg_delta
	)
	ON CONFLICT (instrument_id, ts_event) DO UPDATE SET
		ts_recv = EXCLUDED.ts_recv,
		symbol = EXCLUDED.symbol,
		raw_symbol = EXCLUDED.raw_symbol,
		instrument_class = EXCLUDED.instrument_class,
		security_type = EXCLUDED.security_type,
		asset = EXCLUDED.asset,
		exchange = EXCLUDED.exchange,
		group_code = EXCLUDED.group_code,
		currency = EXCLUDED.currency,
		activation = EXCLUDED.activation,
		expiration = EXCLUDED.expiration,
		min_price_increment = EXCLUDED.min_price_increment,
		display_factor = EXCLUDED.display_factor,
		high_limit_price = EXCLUDED.high_limit_price,
		low_limit_price = EXCLUDED.low_limit_price,
		strike_price = EXCLUDED.strike_price,
		security_update_action = EXCLUDED.security_update_action,
		leg_count = EXCLUDED.leg_count`

func (l *definitionsLoader) Load(ctx context.Context, records []models.Record) (LoadResult, error) {
	args := make([]any, 0, len(records))
	for _, rec := range records {
		if rec.Definition == nil {
			return LoadResult{}, &Error{Op: "load", Table: l.Table(), Err: fmt.Errorf("record is not a definition")}
		}
		args = append(args, rec.Definition)
	}
	return l.insertBatch(ctx, l.Table(), definitionsInsert, args)
}

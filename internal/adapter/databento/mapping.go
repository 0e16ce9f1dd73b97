package databento

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sawpanic/histdata/internal/models"
)

// Vendor fixed-precision encoding: prices are 1e-9 scaled integers; the
// sentinel below means "undefined".
const (
	priceScale      = 1e9
	undefPriceInt   = int64(math.MaxInt64)
	undefTimestamp  = uint64(math.MaxUint64)
	undefUint32     = int64(math.MaxUint32)
)

// priceFields lists, per schema, the vendor fields carrying fixed-precision
// prices that are scaled to decimals at this boundary.
var priceFields = map[models.Schema][]string{
	models.SchemaTrades:     {"price"},
	models.SchemaTbbo:       {"price", "bid_px_00", "ask_px_00"},
	models.SchemaStatistics: {"price"},
	models.SchemaDefinition: {
		"min_price_increment", "high_limit_price", "low_limit_price",
		"max_price_variation", "trading_reference_price", "strike_price",
		"min_price_increment_amount", "price_ratio", "unit_of_measure_qty",
		"leg_price", "leg_delta",
	},
}

// timestampFields are nanosecond epoch integers converted to UTC time.
var timestampFields = map[models.Schema][]string{
	models.SchemaTrades:     {"ts_event", "ts_recv"},
	models.SchemaTbbo:       {"ts_event", "ts_recv"},
	models.SchemaStatistics: {"ts_event", "ts_recv", "ts_ref"},
	models.SchemaDefinition: {"ts_event", "ts_recv", "expiration", "activation", "decay_start_date", "trading_reference_date"},
}

func init() {
	for _, s := range []models.Schema{
		models.SchemaOhlcv1s, models.SchemaOhlcv1m, models.SchemaOhlcv5m,
		models.SchemaOhlcv15m, models.SchemaOhlcv1h, models.SchemaOhlcv1d,
	} {
		priceFields[s] = []string{"open", "high", "low", "close"}
		timestampFields[s] = []string{"ts_event"}
	}
}

// ohlcvRenames maps vendor bar fields onto internal names.
var ohlcvRenames = map[string]string{
	"open":  "open_price",
	"high":  "high_price",
	"low":   "low_price",
	"close": "close_price",
}

// sanitizeString strips embedded NUL bytes; Postgres cannot store them.
func sanitizeString(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// asInt64 parses vendor integers, which arrive as JSON numbers or as
// strings for 64-bit fields.
func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// asUint64 handles unsigned sentinel comparisons for timestamps.
func asUint64(v any) (uint64, bool) {
	switch t := v.(type) {
	case float64:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case string:
		n, err := strconv.ParseUint(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// toRow converts one decoded vendor record into the internal flat row for
// the schema: header flattening, renames, price scaling, timestamp
// conversion, string sanitization, and TBBO level flattening.
func toRow(schema models.Schema, raw map[string]any) models.Row {
	row := make(models.Row, len(raw)+4)

	// Flatten the "hd" record header.
	if hd, ok := raw["hd"].(map[string]any); ok {
		for k, v := range hd {
			if k == "rtype" || k == "length" {
				continue
			}
			row[k] = v
		}
	}
	for k, v := range raw {
		if k == "hd" {
			continue
		}
		row[k] = v
	}

	// Flatten the first book level into _00-suffixed fields.
	if levels, ok := row["levels"].([]any); ok && len(levels) > 0 {
		if level, ok := levels[0].(map[string]any); ok {
			for k, v := range level {
				row[k+"_00"] = v
			}
		}
		delete(row, "levels")
	}

	for _, field := range priceFields[schema] {
		v, ok := row[field]
		if !ok {
			continue
		}
		n, ok := asInt64(v)
		if !ok {
			continue // already decimal (test fixtures, replayed rows)
		}
		if n == undefPriceInt {
			delete(row, field)
			continue
		}
		row[field] = float64(n) / priceScale
	}

	for _, field := range timestampFields[schema] {
		v, ok := row[field]
		if !ok {
			continue
		}
		u, ok := asUint64(v)
		if !ok {
			continue
		}
		if u == undefTimestamp || u == 0 {
			delete(row, field)
			continue
		}
		row[field] = time.Unix(0, int64(u)).UTC()
	}

	if schema.IsOhlcv() {
		for src, dst := range ohlcvRenames {
			if v, ok := row[src]; ok {
				delete(row, src)
				row[dst] = v
			}
		}
	}

	if schema == models.SchemaStatistics {
		// Vendor "price" is the statistic's value.
		if v, ok := row["price"]; ok {
			delete(row, "price")
			row["stat_value"] = v
		}
		// quantity uses the 32-bit undefined sentinel.
		if q, ok := asInt64(row["quantity"]); ok && q == undefUint32 {
			delete(row, "quantity")
		}
	}

	for k, v := range row {
		if s, ok := v.(string); ok {
			row[k] = sanitizeString(s)
		}
	}

	return row
}

package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/histdata/internal/models"
	"github.com/sawpanic/histdata/internal/validate"
)

func newTestEngine(cfg *Config) *Engine {
	return NewEngine(cfg, validate.New(), zerolog.Nop())
}

func TestApply_OhlcvDefaults(t *testing.T) {
	eng := newTestEngine(nil)
	batch := []models.Row{{
		"ts_event":      time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		"instrument_id": int64(12345),
		"symbol":        "ES.c.0",
		"open_price":    4500.25,
		"high_price":    4510.00,
		"low_price":     4495.50,
		"close_price":   4505.75,
		"volume":        int64(1000000),
	}}
	valid, rejected := eng.Apply(models.SchemaOhlcv1d, batch)
	require.Empty(t, rejected)
	require.Len(t, valid, 1)
	assert.Equal(t, "1d", valid[0].String("granularity"))
	assert.Equal(t, "databento", valid[0].String("data_source"))
}

func TestApply_TbboVendorSuffixRenames(t *testing.T) {
	eng := newTestEngine(nil)
	batch := []models.Row{{
		"ts_event":      time.Now().UTC(),
		"instrument_id": int64(1),
		"symbol":        "ES.c.0",
		"bid_px_00":     4499.50,
		"ask_px_00":     4500.50,
		"bid_sz_00":     float64(10), // JSON number
		"ask_sz_00":     float64(12),
	}}
	valid, rejected := eng.Apply(models.SchemaTbbo, batch)
	require.Empty(t, rejected)
	require.Len(t, valid, 1)

	bid, err := valid[0].Float64("bid_px")
	require.NoError(t, err)
	assert.Equal(t, 4499.50, bid)
	assert.False(t, valid[0].Has("bid_px_00"), "source field must be renamed away")

	// Nullable-int normalization turns JSON floats into int64.
	sz, err := valid[0].Int64("bid_sz")
	require.NoError(t, err)
	assert.Equal(t, int64(10), sz)
	assert.IsType(t, int64(0), valid[0]["ask_sz"])
}

func TestApply_StatisticsPriceRename(t *testing.T) {
	eng := newTestEngine(nil)
	batch := []models.Row{{
		"ts_event":      time.Now().UTC(),
		"instrument_id": int64(7),
		"symbol":        "CL.c.0",
		"stat_type":     int64(3),
		"price":         72.35,
	}}
	valid, rejected := eng.Apply(models.SchemaStatistics, batch)
	require.Empty(t, rejected)
	require.Len(t, valid, 1)
	v, err := valid[0].Float64("stat_value")
	require.NoError(t, err)
	assert.Equal(t, 72.35, v)
}

func TestApply_ValidationRejection(t *testing.T) {
	eng := newTestEngine(nil)
	batch := []models.Row{{
		"ts_event":      time.Now().UTC(),
		"instrument_id": int64(1),
		"symbol":        "ES.c.0",
		"open_price":    4500.0,
		"high_price":    4400.0, // violates OHLC invariant
		"low_price":     4395.0,
		"close_price":   4410.0,
		"volume":        int64(10),
	}}
	valid, rejected := eng.Apply(models.SchemaOhlcv1d, batch)
	assert.Empty(t, valid)
	require.Len(t, rejected, 1)
	assert.NotEmpty(t, rejected[0].Diagnostics)
	// The raw input row is preserved for the quarantine sink.
	assert.Equal(t, 4400.0, rejected[0].Row["high_price"])
}

func TestApply_DecimalAndDatetimeConversion(t *testing.T) {
	cfg := &Config{
		Version: "1.0",
		Schemas: map[string]SchemaRules{
			"trades": {
				Transformations: []TransformRule{
					{Field: "price", Type: "decimal_conversion", ScalingFactor: 1e9, Precision: 9},
					{Field: "ts_event", Type: "datetime_conversion", SourceFormat: "epoch_ns"},
				},
			},
		},
	}
	eng := newTestEngine(cfg)
	batch := []models.Row{{
		"ts_event":      int64(1704897000000000000), // 2024-01-10T14:30:00Z
		"instrument_id": int64(1),
		"symbol":        "ES.c.0",
		"price":         float64(4500250000000), // 4500.25 at 1e-9 fixed precision
		"size":          int64(2),
		"side":          "A",
	}}
	valid, rejected := eng.Apply(models.SchemaTrades, batch)
	require.Empty(t, rejected)
	require.Len(t, valid, 1)

	price, err := valid[0].Float64("price")
	require.NoError(t, err)
	assert.InDelta(t, 4500.25, price, 1e-9)

	ts, err := valid[0].Time("ts_event")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 10, 14, 30, 0, 0, time.UTC), ts)
}

func TestApply_MappingErrorQuarantinesRow(t *testing.T) {
	cfg := &Config{
		Version: "1.0",
		Schemas: map[string]SchemaRules{
			"trades": {
				Transformations: []TransformRule{
					{Field: "price", Type: "decimal_conversion", ScalingFactor: 1e9},
				},
			},
		},
	}
	eng := newTestEngine(cfg)
	batch := []models.Row{{
		"ts_event":      time.Now().UTC(),
		"instrument_id": int64(1),
		"symbol":        "ES.c.0",
		"price":         "not-a-number",
		"size":          int64(2),
		"side":          "A",
	}}
	valid, rejected := eng.Apply(models.SchemaTrades, batch)
	assert.Empty(t, valid)
	require.Len(t, rejected, 1)
	var mapErr *MappingError
	require.ErrorAs(t, rejected[0].Err, &mapErr)
	assert.Equal(t, "price", mapErr.Field)
}

func TestApply_CalculatedFieldAndPredicate(t *testing.T) {
	cfg := &Config{
		Version: "1.0",
		Schemas: map[string]SchemaRules{
			"ohlcv-1d": {
				Defaults: map[string]any{"granularity": "1d", "data_source": "databento"},
				Transformations: []TransformRule{
					{Field: "range", Type: "calculated_field", Expression: "high_price - low_price"},
					{Field: "high_price", Type: "rule", Predicate: "high_price >= low_price"},
				},
			},
		},
	}
	eng := newTestEngine(cfg)
	batch := []models.Row{{
		"ts_event":      time.Now().UTC(),
		"instrument_id": int64(1),
		"symbol":        "ES.c.0",
		"open_price":    4500.0,
		"high_price":    4510.0,
		"low_price":     4490.0,
		"close_price":   4505.0,
		"volume":        int64(100),
	}}
	valid, rejected := eng.Apply(models.SchemaOhlcv1d, batch)
	require.Empty(t, rejected)
	require.Len(t, valid, 1)
	rng, err := valid[0].Float64("range")
	require.NoError(t, err)
	assert.Equal(t, 20.0, rng)
}

func TestApply_ConditionalTransformation(t *testing.T) {
	cfg := DefaultConfig()
	sr := cfg.Schemas["trades"]
	sr.ConditionalTransformations = []ConditionalRule{{
		When: Condition{Field: "side", Equals: "N"},
		Transforms: []TransformRule{
			{Field: "depth", Type: "calculated_field", Expression: "depth * 0"},
		},
	}}
	cfg.Schemas["trades"] = sr

	eng := newTestEngine(cfg)
	batch := []models.Row{{
		"ts_event":      time.Now().UTC(),
		"instrument_id": int64(1),
		"symbol":        "ES.c.0",
		"price":         10.0,
		"size":          int64(1),
		"side":          "N",
		"depth":         float64(5),
	}}
	valid, rejected := eng.Apply(models.SchemaTrades, batch)
	require.Empty(t, rejected)
	depth, err := valid[0].Float64("depth")
	require.NoError(t, err)
	assert.Equal(t, 0.0, depth)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mappings.yaml")
	doc := `
version: "1.0"
schemas:
  statistics:
    field_mappings:
      price: stat_value
    nullable_int_fields: [quantity]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "stat_value", cfg.Schemas["statistics"].FieldMappings["price"])

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

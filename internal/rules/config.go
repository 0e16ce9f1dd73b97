package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the versioned, declarative mapping configuration. One SchemaRules
// block per schema name (canonical names, e.g. "ohlcv-1d", "trades").
type Config struct {
	Version string                 `yaml:"version"`
	Schemas map[string]SchemaRules `yaml:"schemas"`
}

// SchemaRules declares how raw vendor rows become internal rows for one schema.
type SchemaRules struct {
	// FieldMappings renames source fields to internal names.
	FieldMappings map[string]string `yaml:"field_mappings"`

	// Transformations run per field, in declaration order, after renames.
	Transformations []TransformRule `yaml:"transformations"`

	// Defaults are constants applied when the field is absent.
	Defaults map[string]any `yaml:"defaults"`

	// ConditionalTransformations apply their transforms only when the
	// predicate holds on the record.
	ConditionalTransformations []ConditionalRule `yaml:"conditional_transformations"`

	// NullableIntFields are normalized to int64-or-null even when the batch
	// mixes nulls with numerics decoded as floats.
	NullableIntFields []string `yaml:"nullable_int_fields"`
}

// TransformRule is a single per-field transformation.
type TransformRule struct {
	Field string `yaml:"field"`
	Type  string `yaml:"type"` // decimal_conversion | datetime_conversion | symbol_normalization | calculated_field | rule

	// decimal_conversion
	Precision     int     `yaml:"precision,omitempty"`
	ScalingFactor float64 `yaml:"scaling_factor,omitempty"`

	// datetime_conversion
	SourceFormat string `yaml:"source_format,omitempty"` // "epoch_ns" | "epoch_us" | go layout
	TargetFormat string `yaml:"target_format,omitempty"` // "utc" (default)

	// symbol_normalization
	Replacements []Replacement `yaml:"replacements,omitempty"`

	// calculated_field: "<field> <op> <field|literal>"
	Expression string `yaml:"expression,omitempty"`

	// rule: predicate such as "value > 0" or "high_price >= low_price"
	Predicate string `yaml:"predicate,omitempty"`
}

// Replacement is one regex rewrite applied during symbol normalization.
type Replacement struct {
	Pattern string `yaml:"pattern"`
	With    string `yaml:"with"`
}

// ConditionalRule gates a transform list on a simple field predicate.
type ConditionalRule struct {
	When       Condition       `yaml:"when"`
	Transforms []TransformRule `yaml:"transforms"`
}

// Condition matches a field against an expected value or mere presence.
type Condition struct {
	Field   string `yaml:"field"`
	Equals  any    `yaml:"equals,omitempty"`
	Present *bool  `yaml:"present,omitempty"`
}

// LoadConfig parses a mapping configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse mapping config %s: %w", path, err)
	}
	if cfg.Schemas == nil {
		return nil, fmt.Errorf("mapping config %s declares no schemas", path)
	}
	return &cfg, nil
}

// DefaultConfig returns the built-in Databento mapping rules used when no
// mapping file is configured.
func DefaultConfig() *Config {
	ohlcv := func(granularity string) SchemaRules {
		return SchemaRules{
			Defaults: map[string]any{
				"granularity": granularity,
				"data_source": "databento",
			},
			NullableIntFields: []string{"trade_count"},
			Transformations: []TransformRule{
				{Field: "volume", Type: "rule", Predicate: "value >= 0"},
			},
		}
	}
	return &Config{
		Version: "1.0",
		Schemas: map[string]SchemaRules{
			"ohlcv-1s":  ohlcv("1s"),
			"ohlcv-1m":  ohlcv("1m"),
			"ohlcv-5m":  ohlcv("5m"),
			"ohlcv-15m": ohlcv("15m"),
			"ohlcv-1h":  ohlcv("1h"),
			"ohlcv-1d":  ohlcv("1d"),
			"trades": {
				Defaults:          map[string]any{"action": "T"},
				NullableIntFields: []string{"sequence", "ts_in_delta"},
			},
			"tbbo": {
				FieldMappings: map[string]string{
					"bid_px_00": "bid_px",
					"ask_px_00": "ask_px",
					"bid_sz_00": "bid_sz",
					"ask_sz_00": "ask_sz",
					"bid_ct_00": "bid_ct",
					"ask_ct_00": "ask_ct",
				},
				NullableIntFields: []string{"bid_sz", "ask_sz", "bid_ct", "ask_ct", "sequence", "flags"},
			},
			"statistics": {
				FieldMappings:     map[string]string{"price": "stat_value"},
				NullableIntFields: []string{"quantity"},
			},
			"definition": {
				FieldMappings: map[string]string{"group": "group_code"},
				NullableIntFields: []string{
					"leg_index", "leg_instrument_id", "leg_underlying_id",
					"maturity_year", "maturity_month", "maturity_day", "maturity_week",
				},
			},
		},
	}
}

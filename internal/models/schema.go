package models

import (
	"fmt"
	"strings"
)

// Schema identifies a record kind as named by the vendor API.
type Schema string

const (
	SchemaOhlcv1s    Schema = "ohlcv-1s"
	SchemaOhlcv1m    Schema = "ohlcv-1m"
	SchemaOhlcv5m    Schema = "ohlcv-5m"
	SchemaOhlcv15m   Schema = "ohlcv-15m"
	SchemaOhlcv1h    Schema = "ohlcv-1h"
	SchemaOhlcv1d    Schema = "ohlcv-1d"
	SchemaTrades     Schema = "trades"
	SchemaTbbo       Schema = "tbbo"
	SchemaStatistics Schema = "statistics"
	SchemaDefinition Schema = "definition"
)

// schemaAliases maps shorthand names accepted on the CLI to canonical schemas.
var schemaAliases = map[string]Schema{
	"ohlcv":       SchemaOhlcv1d,
	"definitions": SchemaDefinition,
	"stats":       SchemaStatistics,
}

// allSchemas is the closed set of canonical schemas.
var allSchemas = map[Schema]bool{
	SchemaOhlcv1s: true, SchemaOhlcv1m: true, SchemaOhlcv5m: true,
	SchemaOhlcv15m: true, SchemaOhlcv1h: true, SchemaOhlcv1d: true,
	SchemaTrades: true, SchemaTbbo: true, SchemaStatistics: true,
	SchemaDefinition: true,
}

// ParseSchema normalizes aliases and validates the schema name.
func ParseSchema(name string) (Schema, error) {
	s := Schema(strings.ToLower(strings.TrimSpace(name)))
	if alias, ok := schemaAliases[string(s)]; ok {
		s = alias
	}
	if !allSchemas[s] {
		return "", fmt.Errorf("unknown schema %q", name)
	}
	return s, nil
}

// IsOhlcv reports whether the schema is one of the OHLCV granularities.
func (s Schema) IsOhlcv() bool {
	return strings.HasPrefix(string(s), "ohlcv-")
}

// Granularity returns the bar granularity for OHLCV schemas ("1d", "1m", ...)
// and the empty string otherwise.
func (s Schema) Granularity() string {
	if !s.IsOhlcv() {
		return ""
	}
	return strings.TrimPrefix(string(s), "ohlcv-")
}

// TableName returns the hypertable that stores rows of this schema.
func (s Schema) TableName() string {
	switch {
	case s.IsOhlcv():
		return "daily_ohlcv_data"
	case s == SchemaTrades:
		return "trades_data"
	case s == SchemaTbbo:
		return "tbbo_data"
	case s == SchemaStatistics:
		return "statistics_data"
	case s == SchemaDefinition:
		return "definitions_data"
	}
	return ""
}

// DefaultChunkDays returns the default date-chunk interval for the schema,
// sized by expected record volume.
func (s Schema) DefaultChunkDays() int {
	switch s {
	case SchemaTrades, SchemaTbbo:
		return 1
	case SchemaOhlcv1s:
		return 7
	case SchemaOhlcv1m, SchemaOhlcv5m, SchemaOhlcv15m:
		return 30
	case SchemaOhlcv1h:
		return 90
	case SchemaOhlcv1d:
		return 365
	case SchemaStatistics, SchemaDefinition:
		return 30
	}
	return 30
}

// BatchSize returns the loader batch size for the schema.
func (s Schema) BatchSize() int {
	switch {
	case s.IsOhlcv():
		return 5000
	case s == SchemaTrades:
		return 10000
	case s == SchemaTbbo:
		return 15000
	case s == SchemaStatistics:
		return 1000
	case s == SchemaDefinition:
		return 100
	}
	return 1000
}

// RequiredFields lists the row fields that must survive repair for a record
// of this schema to be loadable. Rows still missing one of these after
// schema-specific repair are dropped and counted as failed repairs.
func (s Schema) RequiredFields() []string {
	switch {
	case s.IsOhlcv():
		return []string{"ts_event", "instrument_id", "symbol", "open_price", "high_price", "low_price", "close_price", "volume"}
	case s == SchemaTrades:
		return []string{"ts_event", "instrument_id", "symbol", "price", "size", "side"}
	case s == SchemaTbbo:
		return []string{"ts_event", "instrument_id", "symbol"}
	case s == SchemaStatistics:
		return []string{"ts_event", "instrument_id", "symbol", "stat_type"}
	case s == SchemaDefinition:
		return []string{"ts_event", "instrument_id", "symbol"}
	}
	return []string{"ts_event", "instrument_id", "symbol"}
}

package models

import "testing"

func TestParseSchema_Aliases(t *testing.T) {
	cases := map[string]Schema{
		"ohlcv":       SchemaOhlcv1d,
		"ohlcv-1m":    SchemaOhlcv1m,
		"definitions": SchemaDefinition,
		"definition":  SchemaDefinition,
		"stats":       SchemaStatistics,
		"TRADES":      SchemaTrades,
		" tbbo ":      SchemaTbbo,
	}
	for in, want := range cases {
		got, err := ParseSchema(in)
		if err != nil {
			t.Errorf("ParseSchema(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseSchema(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseSchema_Unknown(t *testing.T) {
	if _, err := ParseSchema("mbp-10"); err == nil {
		t.Error("expected error for unsupported schema")
	}
}

func TestSchema_TableRouting(t *testing.T) {
	cases := map[Schema]string{
		SchemaOhlcv1d:    "daily_ohlcv_data",
		SchemaOhlcv1s:    "daily_ohlcv_data",
		SchemaTrades:     "trades_data",
		SchemaTbbo:       "tbbo_data",
		SchemaStatistics: "statistics_data",
		SchemaDefinition: "definitions_data",
	}
	for s, want := range cases {
		if got := s.TableName(); got != want {
			t.Errorf("%s.TableName() = %q, want %q", s, got, want)
		}
	}
}

func TestSchema_Granularity(t *testing.T) {
	if got := SchemaOhlcv1h.Granularity(); got != "1h" {
		t.Errorf("granularity = %q, want 1h", got)
	}
	if got := SchemaTrades.Granularity(); got != "" {
		t.Errorf("trades granularity should be empty, got %q", got)
	}
}

func TestSchema_DefaultChunkDays(t *testing.T) {
	if d := SchemaTrades.DefaultChunkDays(); d != 1 {
		t.Errorf("trades chunk days = %d, want 1", d)
	}
	if d := SchemaOhlcv1s.DefaultChunkDays(); d != 7 {
		t.Errorf("ohlcv-1s chunk days = %d, want 7", d)
	}
	if d := SchemaOhlcv1d.DefaultChunkDays(); d != 365 {
		t.Errorf("ohlcv-1d chunk days = %d, want 365", d)
	}
}

package rules

import (
	"github.com/rs/zerolog"

	"github.com/sawpanic/histdata/internal/models"
	"github.com/sawpanic/histdata/internal/validate"
)

// RejectedRow pairs a failed row with the reason it was rejected, either a
// mapping failure or ERROR-severity validation diagnostics.
type RejectedRow struct {
	Row         models.Row            `json:"row"`
	Err         error                 `json:"-"`
	Reason      string                `json:"reason"`
	Diagnostics []validate.Diagnostic `json:"diagnostics,omitempty"`
}

// Engine applies the declarative mapping rules for each schema and invokes
// the validator on the result. Config is read-only after construction.
type Engine struct {
	cfg       *Config
	validator *validate.Validator
	logger    zerolog.Logger
}

// NewEngine builds an engine from a parsed mapping config. A nil config
// falls back to the built-in Databento rules.
func NewEngine(cfg *Config, v *validate.Validator, logger zerolog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if v == nil {
		v = validate.New()
	}
	return &Engine{cfg: cfg, validator: v, logger: logger}
}

// Apply runs the full per-batch pipeline for one schema:
// renames -> per-field transforms -> defaults -> nullable-int normalization
// -> validation. Valid rows are returned in input order; rejected rows carry
// their error context for quarantine.
func (e *Engine) Apply(schema models.Schema, batch []models.Row) ([]models.Row, []RejectedRow) {
	sr := e.cfg.Schemas[string(schema)]

	valid := make([]models.Row, 0, len(batch))
	var rejected []RejectedRow

	for _, row := range batch {
		out, err := e.applyRow(schema, sr, row)
		if err != nil {
			rejected = append(rejected, RejectedRow{Row: row, Err: err, Reason: err.Error()})
			continue
		}

		res := e.validator.ValidateRow(schema, out)
		if res.HasError() {
			rejected = append(rejected, RejectedRow{
				Row:         row,
				Reason:      "validation failed",
				Diagnostics: res.Diagnostics,
			})
			continue
		}
		for _, w := range res.Warnings() {
			e.logger.Warn().
				Str("schema", string(schema)).
				Str("field", w.Field).
				Str("rule", w.Rule).
				Msg(w.Message)
		}
		valid = append(valid, out)
	}

	return valid, rejected
}

// applyRow applies renames, transforms, defaults, and nullable-int
// normalization to a copy of the row.
func (e *Engine) applyRow(schema models.Schema, sr SchemaRules, in models.Row) (models.Row, error) {
	row := in.Clone()

	for src, dst := range sr.FieldMappings {
		if v, ok := row[src]; ok {
			delete(row, src)
			row[dst] = v
		}
	}

	for _, t := range sr.Transformations {
		if err := applyTransform(string(schema), row, t); err != nil {
			return nil, err
		}
	}

	for _, cond := range sr.ConditionalTransformations {
		if !cond.When.matches(row) {
			continue
		}
		for _, t := range cond.Transforms {
			if err := applyTransform(string(schema), row, t); err != nil {
				return nil, err
			}
		}
	}

	for field, def := range sr.Defaults {
		if !row.Has(field) {
			row[field] = def
		}
	}

	for _, field := range sr.NullableIntFields {
		if err := normalizeNullableInt(row, field); err != nil {
			return nil, &MappingError{Schema: string(schema), Field: field, Rule: "nullable_int", Err: err}
		}
	}

	return row, nil
}

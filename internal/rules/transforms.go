package rules

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sawpanic/histdata/internal/models"
)

// MappingError is a row-level failure applying a declared transform. The row
// carrying it is quarantined, not dropped.
type MappingError struct {
	Schema string
	Field  string
	Rule   string
	Err    error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping %s.%s (%s): %v", e.Schema, e.Field, e.Rule, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

// applyTransform mutates row in place per the rule. Returns a MappingError on
// uncoercible input, nil when the field is simply absent.
func applyTransform(schema string, row models.Row, t TransformRule) error {
	switch t.Type {
	case "decimal_conversion":
		return applyDecimal(schema, row, t)
	case "datetime_conversion":
		return applyDatetime(schema, row, t)
	case "symbol_normalization":
		return applySymbolNorm(schema, row, t)
	case "calculated_field":
		return applyCalculated(schema, row, t)
	case "rule":
		return applyPredicate(schema, row, t)
	default:
		return &MappingError{Schema: schema, Field: t.Field, Rule: t.Type,
			Err: fmt.Errorf("unknown transform type")}
	}
}

func applyDecimal(schema string, row models.Row, t TransformRule) error {
	if !row.Has(t.Field) {
		return nil
	}
	f, err := row.Float64(t.Field)
	if err != nil {
		return &MappingError{Schema: schema, Field: t.Field, Rule: "decimal_conversion", Err: err}
	}
	if t.ScalingFactor != 0 {
		f = f / t.ScalingFactor
	}
	if t.Precision > 0 {
		pow := math.Pow10(t.Precision)
		f = math.Round(f*pow) / pow
	}
	row[t.Field] = f
	return nil
}

func applyDatetime(schema string, row models.Row, t TransformRule) error {
	if !row.Has(t.Field) {
		return nil
	}
	var ts time.Time
	switch t.SourceFormat {
	case "", "epoch_ns":
		n, err := row.Int64(t.Field)
		if err != nil {
			return &MappingError{Schema: schema, Field: t.Field, Rule: "datetime_conversion", Err: err}
		}
		ts = time.Unix(0, n)
	case "epoch_us":
		n, err := row.Int64(t.Field)
		if err != nil {
			return &MappingError{Schema: schema, Field: t.Field, Rule: "datetime_conversion", Err: err}
		}
		ts = time.UnixMicro(n)
	default:
		parsed, err := time.Parse(t.SourceFormat, row.String(t.Field))
		if err != nil {
			return &MappingError{Schema: schema, Field: t.Field, Rule: "datetime_conversion", Err: err}
		}
		ts = parsed
	}
	// Single internal representation: UTC, microsecond precision.
	row[t.Field] = ts.UTC().Truncate(time.Microsecond)
	return nil
}

func applySymbolNorm(schema string, row models.Row, t TransformRule) error {
	if !row.Has(t.Field) {
		return nil
	}
	s := row.String(t.Field)
	for _, rep := range t.Replacements {
		re, err := regexp.Compile(rep.Pattern)
		if err != nil {
			return &MappingError{Schema: schema, Field: t.Field, Rule: "symbol_normalization",
				Err: fmt.Errorf("bad pattern %q: %w", rep.Pattern, err)}
		}
		s = re.ReplaceAllString(s, rep.With)
	}
	row[t.Field] = strings.TrimSpace(s)
	return nil
}

// exprPattern parses "operand op operand" calculated-field expressions.
var exprPattern = regexp.MustCompile(`^\s*(\S+)\s*([+\-*/])\s*(\S+)\s*$`)

func applyCalculated(schema string, row models.Row, t TransformRule) error {
	m := exprPattern.FindStringSubmatch(t.Expression)
	if m == nil {
		return &MappingError{Schema: schema, Field: t.Field, Rule: "calculated_field",
			Err: fmt.Errorf("unparseable expression %q", t.Expression)}
	}
	lhs, err := operand(row, m[1])
	if err != nil {
		return &MappingError{Schema: schema, Field: t.Field, Rule: "calculated_field", Err: err}
	}
	rhs, err := operand(row, m[3])
	if err != nil {
		return &MappingError{Schema: schema, Field: t.Field, Rule: "calculated_field", Err: err}
	}
	var out float64
	switch m[2] {
	case "+":
		out = lhs + rhs
	case "-":
		out = lhs - rhs
	case "*":
		out = lhs * rhs
	case "/":
		if rhs == 0 {
			return &MappingError{Schema: schema, Field: t.Field, Rule: "calculated_field",
				Err: fmt.Errorf("division by zero in %q", t.Expression)}
		}
		out = lhs / rhs
	}
	row[t.Field] = out
	return nil
}

// predPattern parses "lhs op rhs" predicates; lhs may be the literal "value",
// meaning the rule's own field.
var predPattern = regexp.MustCompile(`^\s*(\S+)\s*(>=|<=|!=|==|>|<)\s*(\S+)\s*$`)

func applyPredicate(schema string, row models.Row, t TransformRule) error {
	m := predPattern.FindStringSubmatch(t.Predicate)
	if m == nil {
		return &MappingError{Schema: schema, Field: t.Field, Rule: "rule",
			Err: fmt.Errorf("unparseable predicate %q", t.Predicate)}
	}
	lhsName := m[1]
	if lhsName == "value" {
		lhsName = t.Field
	}
	if !row.Has(lhsName) {
		return nil // absent fields are the validator's concern
	}
	lhs, err := operand(row, lhsName)
	if err != nil {
		return &MappingError{Schema: schema, Field: t.Field, Rule: "rule", Err: err}
	}
	rhs, err := operand(row, m[3])
	if err != nil {
		return &MappingError{Schema: schema, Field: t.Field, Rule: "rule", Err: err}
	}
	ok := false
	switch m[2] {
	case ">":
		ok = lhs > rhs
	case ">=":
		ok = lhs >= rhs
	case "<":
		ok = lhs < rhs
	case "<=":
		ok = lhs <= rhs
	case "==":
		ok = lhs == rhs
	case "!=":
		ok = lhs != rhs
	}
	if !ok {
		return &MappingError{Schema: schema, Field: t.Field, Rule: "rule",
			Err: fmt.Errorf("predicate %q failed (%v %s %v)", t.Predicate, lhs, m[2], rhs)}
	}
	return nil
}

// operand resolves a field reference or numeric literal.
func operand(row models.Row, token string) (float64, error) {
	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return f, nil
	}
	if !row.Has(token) {
		return 0, fmt.Errorf("operand field %q missing", token)
	}
	return row.Float64(token)
}

// matches reports whether a conditional rule's predicate holds for the row.
func (c Condition) matches(row models.Row) bool {
	if c.Present != nil {
		return row.Has(c.Field) == *c.Present
	}
	if c.Equals != nil {
		return fmt.Sprintf("%v", row[c.Field]) == fmt.Sprintf("%v", c.Equals)
	}
	return row.Has(c.Field)
}

// normalizeNullableInt rewrites the field to int64 or removes it when nil.
// JSON decoding yields float64 for whole numbers; mixed null/number columns
// must end up as nullable integers, never zero-filled floats.
func normalizeNullableInt(row models.Row, field string) error {
	v, ok := row[field]
	if !ok || v == nil {
		delete(row, field)
		return nil
	}
	n, err := row.Int64(field)
	if err != nil {
		return err
	}
	row[field] = n
	return nil
}

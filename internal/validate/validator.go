package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sawpanic/histdata/internal/models"
)

// Severity classifies a diagnostic. ERROR rejects the row, WARNING and INFO
// pass it through with the diagnostic attached.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Diagnostic is one finding against a single row.
type Diagnostic struct {
	Field    string   `json:"field"`
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[%s] %s: %s (%s)", d.Severity, d.Field, d.Message, d.Rule)
}

// Result holds the outcome of validating one row.
type Result struct {
	Valid       bool         `json:"valid"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// reject appends an ERROR diagnostic and marks the result invalid.
func (r *Result) reject(field, rule, format string, args ...any) {
	r.Valid = false
	r.Diagnostics = append(r.Diagnostics, Diagnostic{
		Field: field, Rule: rule, Severity: SeverityError,
		Message: fmt.Sprintf(format, args...),
	})
}

// warn appends a WARNING diagnostic; the row still passes.
func (r *Result) warn(field, rule, format string, args ...any) {
	r.Diagnostics = append(r.Diagnostics, Diagnostic{
		Field: field, Rule: rule, Severity: SeverityWarning,
		Message: fmt.Sprintf(format, args...),
	})
}

// symbolPattern is the accepted instrument symbol alphabet. Uppercase with
// dots, digits, underscores and hyphens covers native, parent, and
// continuous-contract forms (SPY, ES.FUT, ES.c.0 after upcasing).
var symbolPattern = regexp.MustCompile(`^[A-Z0-9._-]+$`)

// Validator performs per-schema tabular validation. Validation is non-strict:
// fields outside the schema are ignored, and values are coerced before rules
// run. Zero value is ready to use.
type Validator struct {
	// MaxSpreadPct triggers a WARNING on TBBO rows whose relative spread
	// exceeds it. Zero disables the check.
	MaxSpreadPct float64
}

// New returns a validator with the default wide-spread threshold.
func New() *Validator {
	return &Validator{MaxSpreadPct: 5.0}
}

// ValidateRow checks one row against the structural and business rules for
// the schema. Rows with any ERROR diagnostic must be quarantined.
func (v *Validator) ValidateRow(schema models.Schema, row models.Row) Result {
	res := Result{Valid: true}

	v.checkCommon(row, &res)

	switch {
	case schema.IsOhlcv():
		v.checkOhlcv(row, &res)
	case schema == models.SchemaTrades:
		v.checkTrade(row, &res)
	case schema == models.SchemaTbbo:
		v.checkTbbo(row, &res)
	case schema == models.SchemaStatistics:
		v.checkStatistics(row, &res)
	case schema == models.SchemaDefinition:
		v.checkDefinition(row, &res)
	default:
		res.reject("", "schema_known", "unknown schema %q", schema)
	}

	return res
}

// checkCommon enforces the fields every record kind carries.
func (v *Validator) checkCommon(row models.Row, res *Result) {
	if _, err := row.Time("ts_event"); err != nil {
		res.reject("ts_event", "required_timestamp", "%v", err)
	}
	if _, err := row.Int64("instrument_id"); err != nil {
		res.reject("instrument_id", "required_integer", "%v", err)
	}

	symbol := row.String("symbol")
	switch {
	case symbol == "":
		res.reject("symbol", "required_string", "symbol is empty")
	case strings.ContainsRune(symbol, 0):
		// NUL bytes are stripped at the adapter; reject defensively here.
		res.reject("symbol", "no_nul_bytes", "symbol contains NUL byte")
	case !symbolPattern.MatchString(strings.ToUpper(symbol)):
		res.reject("symbol", "symbol_format", "symbol %q does not match %s", symbol, symbolPattern)
	}

	for field, val := range row {
		s, ok := val.(string)
		if ok && strings.ContainsRune(s, 0) && field != "symbol" {
			res.reject(field, "no_nul_bytes", "string field contains NUL byte")
		}
	}
}

func (v *Validator) checkOhlcv(row models.Row, res *Result) {
	open, errO := row.Float64("open_price")
	high, errH := row.Float64("high_price")
	low, errL := row.Float64("low_price")
	cls, errC := row.Float64("close_price")
	for field, err := range map[string]error{
		"open_price": errO, "high_price": errH, "low_price": errL, "close_price": errC,
	} {
		if err != nil {
			res.reject(field, "required_price", "%v", err)
		}
	}
	if errO != nil || errH != nil || errL != nil || errC != nil {
		return
	}

	if high < open || high < cls || high < low {
		res.reject("high_price", "ohlc_high_bound",
			"high %.9g below open/close/low (%.9g/%.9g/%.9g)", high, open, cls, low)
	}
	if low > open || low > cls || low > high {
		res.reject("low_price", "ohlc_low_bound",
			"low %.9g above open/close/high (%.9g/%.9g/%.9g)", low, open, cls, high)
	}

	vol, err := row.Int64("volume")
	if err != nil {
		res.reject("volume", "required_integer", "%v", err)
	} else if vol < 0 {
		res.reject("volume", "non_negative", "volume %d is negative", vol)
	}

	if vwap, err := row.OptFloat64("vwap"); err != nil {
		res.reject("vwap", "numeric", "%v", err)
	} else if vwap != nil && (*vwap < low || *vwap > high) {
		res.reject("vwap", "vwap_in_range", "vwap %.9g outside [%.9g, %.9g]", *vwap, low, high)
	}

	if tc, err := row.OptInt64("trade_count"); err != nil {
		res.reject("trade_count", "integer", "%v", err)
	} else if tc != nil && *tc < 0 {
		res.reject("trade_count", "non_negative", "trade_count %d is negative", *tc)
	}
}

func (v *Validator) checkTrade(row models.Row, res *Result) {
	price, err := row.Float64("price")
	if err != nil {
		res.reject("price", "required_price", "%v", err)
	} else if price <= 0 {
		// Spread instruments legitimately trade at negative prices; stored,
		// flagged for review.
		res.warn("price", "positive_price", "non-positive price %.9g (spread instrument?)", price)
	}

	size, err := row.Int64("size")
	if err != nil {
		res.reject("size", "required_integer", "%v", err)
	} else if size <= 0 {
		res.reject("size", "positive_size", "size %d must be > 0", size)
	}

	side := row.String("side")
	switch side {
	case "A", "B", "N":
	case "":
		res.reject("side", "required_string", "side is empty")
	default:
		res.reject("side", "side_enum", "side %q not in {A,B,N}", side)
	}

	if action := row.String("action"); action != "" && action != "T" {
		res.warn("action", "action_trade", "trade record with action %q", action)
	}
}

func (v *Validator) checkTbbo(row models.Row, res *Result) {
	bid, errB := row.OptFloat64("bid_px")
	ask, errA := row.OptFloat64("ask_px")
	if errB != nil {
		res.reject("bid_px", "numeric", "%v", errB)
		return
	}
	if errA != nil {
		res.reject("ask_px", "numeric", "%v", errA)
		return
	}
	if bid == nil && ask == nil {
		res.reject("bid_px", "one_side_present", "quote has neither bid nor ask")
		return
	}
	if bid != nil && ask != nil {
		crossed := false
		if flags, err := row.OptInt64("flags"); err == nil && flags != nil {
			// Crossed-book flag stored by the publisher.
			crossed = *flags&0x01 != 0
		}
		if *bid > *ask && !crossed {
			res.reject("bid_px", "bid_not_above_ask", "bid %.9g > ask %.9g without crossed flag", *bid, *ask)
		}
		if v.MaxSpreadPct > 0 && *ask > 0 {
			spreadPct := (*ask - *bid) / *ask * 100
			if spreadPct > v.MaxSpreadPct {
				res.warn("ask_px", "wide_spread", "spread %.2f%% exceeds %.2f%%", spreadPct, v.MaxSpreadPct)
			}
		}
	}

	for _, field := range []string{"bid_sz", "ask_sz", "bid_ct", "ask_ct"} {
		n, err := row.OptInt64(field)
		if err != nil {
			res.reject(field, "integer", "%v", err)
		} else if n != nil && *n < 0 {
			res.reject(field, "non_negative", "%s %d is negative", field, *n)
		}
	}
}

func (v *Validator) checkStatistics(row models.Row, res *Result) {
	if _, err := row.Int64("stat_type"); err != nil {
		res.reject("stat_type", "required_integer", "%v", err)
	}
	if val, err := row.OptFloat64("stat_value"); err != nil {
		res.reject("stat_value", "numeric", "%v", err)
	} else if val != nil && *val < 0 {
		res.reject("stat_value", "non_negative", "stat_value %.9g is negative", *val)
	}
	if q, err := row.OptInt64("quantity"); err != nil {
		res.reject("quantity", "integer", "%v", err)
	} else if q != nil && *q < 0 {
		res.reject("quantity", "non_negative", "quantity %d is negative", *q)
	}
}

func (v *Validator) checkDefinition(row models.Row, res *Result) {
	activation, errA := row.Time("activation")
	expiration, errE := row.Time("expiration")
	if errA != nil {
		res.reject("activation", "required_timestamp", "%v", errA)
	}
	if errE != nil {
		res.reject("expiration", "required_timestamp", "%v", errE)
	}
	if errA == nil && errE == nil && activation.After(expiration) {
		res.reject("activation", "activation_before_expiration",
			"activation %s after expiration %s", activation.Format("2006-01-02"), expiration.Format("2006-01-02"))
	}

	if inc, err := row.Float64("min_price_increment"); err != nil {
		res.reject("min_price_increment", "required_price", "%v", err)
	} else if inc <= 0 {
		res.reject("min_price_increment", "positive", "min_price_increment %.9g must be > 0", inc)
	}

	high, errH := row.OptFloat64("high_limit_price")
	low, errL := row.OptFloat64("low_limit_price")
	if errH == nil && errL == nil && high != nil && low != nil && *high < *low {
		res.reject("high_limit_price", "limit_order", "high limit %.9g below low limit %.9g", *high, *low)
	}

	legCount, _ := row.Int64("leg_count")
	legIndex, err := row.OptInt64("leg_index")
	if err != nil {
		res.reject("leg_index", "integer", "%v", err)
		return
	}
	if legCount == 0 && legIndex != nil {
		res.reject("leg_index", "leg_consistency", "leg_index set with leg_count=0")
	}
	if legCount > 0 && legIndex == nil {
		res.reject("leg_index", "leg_consistency", "leg_count=%d but leg_index missing", legCount)
	}
}

// HasError reports whether any diagnostic is ERROR severity.
func (r Result) HasError() bool {
	return !r.Valid
}

// Warnings returns the WARNING-severity diagnostics.
func (r Result) Warnings() []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityWarning {
			out = append(out, d)
		}
	}
	return out
}

package databento

import (
	"fmt"
	"regexp"
	"strings"

	dbn "github.com/NimbleMarkets/dbn-go"

	"github.com/sawpanic/histdata/internal/adapter"
)

// AllSymbols is the vendor wildcard, valid with any stype_in.
const AllSymbols = "ALL_SYMBOLS"

var (
	// continuous contracts: ES.c.0, CL.n.1, NG.v.0
	continuousPattern = regexp.MustCompile(`^[A-Z0-9]+\.(c|n|v)\.[0-9]+$`)
	// parent symbols expand to a product family: ES.FUT, ES.OPT
	parentPattern = regexp.MustCompile(`^[A-Z0-9]+\.(FUT|OPT)$`)
	// native symbols as published by the venue
	nativePattern = regexp.MustCompile(`^[A-Za-z0-9._\-/ ]+$`)
)

// parseSType maps the configured stype_in name onto the vendor symbology
// type.
func parseSType(name string) (dbn.SType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "continuous":
		return dbn.SType_Continuous, nil
	case "parent":
		return dbn.SType_Parent, nil
	case "native", "raw_symbol", "":
		return dbn.SType_RawSymbol, nil
	default:
		return 0, fmt.Errorf("unknown stype_in %q", name)
	}
}

// validateSymbology rejects symbols/stype_in combinations the vendor would
// refuse, before any request is spent on them.
func validateSymbology(stypeIn string, symbols []string) error {
	stype, err := parseSType(stypeIn)
	if err != nil {
		return &adapter.SymbologyError{STypeIn: stypeIn, Detail: err.Error()}
	}
	if len(symbols) == 0 {
		return &adapter.SymbologyError{STypeIn: stypeIn, Detail: "no symbols given"}
	}

	for _, sym := range symbols {
		if sym == AllSymbols {
			continue
		}
		switch stype {
		case dbn.SType_Continuous:
			if !continuousPattern.MatchString(sym) {
				return &adapter.SymbologyError{STypeIn: stypeIn, Symbol: sym,
					Detail: "continuous symbols look like ROOT.c.N"}
			}
		case dbn.SType_Parent:
			if !parentPattern.MatchString(sym) {
				return &adapter.SymbologyError{STypeIn: stypeIn, Symbol: sym,
					Detail: "parent symbols look like ROOT.FUT or ROOT.OPT"}
			}
		case dbn.SType_RawSymbol:
			if !nativePattern.MatchString(sym) {
				return &adapter.SymbologyError{STypeIn: stypeIn, Symbol: sym,
					Detail: "native symbol contains unsupported characters"}
			}
		}
	}
	return nil
}

// stypeParam returns the wire value for the stype_in query parameter.
func stypeParam(stypeIn string) string {
	stype, err := parseSType(stypeIn)
	if err != nil {
		return "raw_symbol"
	}
	switch stype {
	case dbn.SType_Continuous:
		return "continuous"
	case dbn.SType_Parent:
		return "parent"
	default:
		return "raw_symbol"
	}
}

package pipeline

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sawpanic/histdata/internal/adapter"
	"github.com/sawpanic/histdata/internal/models"
)

// repairBatch fills missing symbol fields and drops rows that still lack a
// required field afterwards. Resolution order for a missing symbol:
//
//  1. the job's only symbol, when it has exactly one
//  2. the record's vendor raw_symbol
//  3. the first of the job's symbols, best effort, logged as a warning
//  4. a synthesized INSTRUMENT_{id} placeholder
//  5. UNKNOWN_SYMBOL, logged as an error
func repairBatch(job adapter.Job, batch []models.Row, logger zerolog.Logger) ([]models.Row, RepairStats) {
	var stats RepairStats
	out := make([]models.Row, 0, len(batch))

	required := job.Schema.RequiredFields()
	for _, row := range batch {
		if row.String("symbol") == "" {
			repairSymbol(job, row, &stats, logger)
		}

		if missing := firstMissing(row, required); missing != "" {
			stats.FailedRepair++
			logger.Debug().
				Str("missing_field", missing).
				Msg("dropping row missing required field after repair")
			continue
		}
		out = append(out, row)
	}
	return out, stats
}

func repairSymbol(job adapter.Job, row models.Row, stats *RepairStats, logger zerolog.Logger) {
	switch {
	case len(job.Symbols) == 1:
		row["symbol"] = job.Symbols[0]
		stats.Repaired++

	case row.String("raw_symbol") != "":
		row["symbol"] = row.String("raw_symbol")
		stats.Repaired++

	case len(job.Symbols) > 1 && row.Has("instrument_id"):
		row["symbol"] = job.Symbols[0]
		stats.Repaired++
		logger.Warn().
			Str("symbol", job.Symbols[0]).
			Msg("ambiguous symbol repair: using first job symbol")

	case row.Has("instrument_id"):
		if id, err := row.Int64("instrument_id"); err == nil {
			row["symbol"] = fmt.Sprintf("INSTRUMENT_%d", id)
			stats.Repaired++
			return
		}
		fallthrough

	default:
		row["symbol"] = "UNKNOWN_SYMBOL"
		logger.Error().Msg("symbol unrecoverable, stored as UNKNOWN_SYMBOL")
	}
}

func firstMissing(row models.Row, fields []string) string {
	for _, f := range fields {
		if !row.Has(f) {
			return f
		}
	}
	return ""
}

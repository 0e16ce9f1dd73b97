package query

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sawpanic/histdata/internal/models"
)

// Table is a column-ordered rendering of query results.
type Table struct {
	Columns []string
	Rows    [][]string
}

// leadingColumns are pinned to the front of every table in this order.
var leadingColumns = []string{"ts_event", "symbol", "instrument_id"}

// Tabulate flattens row maps into a table with a stable column order:
// the leading columns first, then the rest alphabetically.
func Tabulate(rows []models.Row) Table {
	if len(rows) == 0 {
		return Table{}
	}

	seen := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			seen[k] = true
		}
	}

	var columns []string
	for _, c := range leadingColumns {
		if seen[c] {
			columns = append(columns, c)
			delete(seen, c)
		}
	}
	rest := make([]string, 0, len(seen))
	for k := range seen {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	columns = append(columns, rest...)

	out := Table{Columns: columns, Rows: make([][]string, 0, len(rows))}
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, c := range columns {
			cells[i] = formatCell(row[c])
		}
		out.Rows = append(out.Rows, cells)
	}
	return out
}

func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

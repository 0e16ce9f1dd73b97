// Package adapter defines the contract every vendor API adapter satisfies
// and the date-range chunking shared by all of them.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/sawpanic/histdata/internal/models"
)

// Job describes one ingestion run.
type Job struct {
	Name              string        `yaml:"name"`
	API               string        `yaml:"api"`
	Dataset           string        `yaml:"dataset"`
	Schema            models.Schema `yaml:"schema"`
	Symbols           []string      `yaml:"symbols"`
	STypeIn           string        `yaml:"stype_in"`
	StartDate         time.Time     `yaml:"start_date"`
	EndDate           time.Time     `yaml:"end_date"`
	ChunkIntervalDays int           `yaml:"date_chunk_interval_days"`
	BatchSize         int           `yaml:"batch_size"`
	DryRun            bool          `yaml:"-"`
}

// Chunk is one fetchable sub-range of a job.
type Chunk struct {
	Index   int
	Start   time.Time
	End     time.Time
	Dataset string
	Symbols []string
	Schema  models.Schema
	STypeIn string
}

// ID returns a stable identifier for logging and quarantine context.
func (c Chunk) ID() string {
	return fmt.Sprintf("chunk-%d-%s", c.Index, c.Start.Format("20060102"))
}

// FetchResult carries one chunk's records plus how many fetch attempts the
// adapter spent on them. Attempts starts at 1; anything above 1 means the
// chunk was retried.
type FetchResult struct {
	Records  []models.Row
	Attempts int
}

// Adapter is the capability set a vendor integration must provide. Fetched
// records are returned as flat rows with vendor field renames and string
// sanitization already applied; ownership passes to the caller.
type Adapter interface {
	// Configure validates credentials and connectivity.
	Configure(ctx context.Context) error

	// IterateChunks validates the job's symbology and splits its date range
	// into fetchable chunks.
	IterateChunks(job Job) ([]Chunk, error)

	// FetchChunk retrieves all records for one chunk, retrying transient
	// failures per the adapter's policy.
	FetchChunk(ctx context.Context, chunk Chunk) (*FetchResult, error)

	// Close releases pooled resources.
	Close() error
}

// FatalError is implemented by errors that must abort the whole job rather
// than one chunk (bad credentials, invalid symbology).
type FatalError interface {
	error
	Fatal() bool
}

// SymbologyError reports an invalid symbols/stype_in combination. It is
// fatal to the job and never retried.
type SymbologyError struct {
	STypeIn string
	Symbol  string
	Detail  string
}

func (e *SymbologyError) Error() string {
	return fmt.Sprintf("symbology: symbol %q invalid for stype_in %q: %s", e.Symbol, e.STypeIn, e.Detail)
}

func (e *SymbologyError) Fatal() bool { return true }

// SplitRange cuts [start, end) into chunks of at most intervalDays each.
// A non-positive interval falls back to the schema default.
func SplitRange(job Job) []Chunk {
	interval := job.ChunkIntervalDays
	if interval <= 0 {
		interval = job.Schema.DefaultChunkDays()
	}

	var chunks []Chunk
	step := time.Duration(interval) * 24 * time.Hour
	for cur, i := job.StartDate, 0; cur.Before(job.EndDate); i++ {
		next := cur.Add(step)
		if next.After(job.EndDate) {
			next = job.EndDate
		}
		chunks = append(chunks, Chunk{
			Index:   i,
			Start:   cur,
			End:     next,
			Dataset: job.Dataset,
			Symbols: job.Symbols,
			Schema:  job.Schema,
			STypeIn: job.STypeIn,
		})
		cur = next
	}
	return chunks
}

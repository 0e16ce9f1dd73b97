package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RepairStats counts symbol-field repair outcomes per job.
type RepairStats struct {
	Repaired     int64 `json:"repaired"`
	FailedRepair int64 `json:"failed_repair"`
}

// Stats is the result of one job run. The caller maps it to an exit code;
// the runner never terminates the process.
type Stats struct {
	JobID   string `json:"job_id"`
	JobName string `json:"job_name"`
	Schema  string `json:"schema"`

	ChunksTotal   int `json:"chunks_total"`
	ChunksOk      int `json:"chunks_ok"`
	ChunksRetried int `json:"chunks_retried"`
	ChunksFailed  int `json:"chunks_failed"`

	RecordsFetched     int64 `json:"records_fetched"`
	RecordsTransformed int64 `json:"records_transformed"`
	RecordsStored      int64 `json:"records_stored"`
	RecordsQuarantined int64 `json:"records_quarantined"`

	ErrorsEncountered int         `json:"errors_encountered"`
	Repair            RepairStats `json:"repair_stats"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Cancelled bool      `json:"cancelled"`
	DryRun    bool      `json:"dry_run,omitempty"`
}

// Clean reports whether the run finished with nothing quarantined or failed.
func (s *Stats) Clean() bool {
	return s.ChunksFailed == 0 && s.RecordsQuarantined == 0 && s.ErrorsEncountered == 0 && !s.Cancelled
}

// Stage names the pipeline phase a progress event belongs to.
type Stage string

const (
	StageFetching     Stage = "fetching"
	StageTransforming Stage = "transforming"
	StageValidating   Stage = "validating"
	StageStoring      Stage = "storing"
	StageDone         Stage = "done"
)

// Event is one progress notification. Rendering is the caller's concern;
// the runner never writes to stdout.
type Event struct {
	Stage       Stage
	ChunkID     string
	ChunksDone  int
	ChunksTotal int
	Records     int64
	Message     string
}

// ProgressFunc receives progress events. It runs on the pipeline goroutine
// and must return quickly.
type ProgressFunc func(Event)

// SaveStats persists the run result under dir, one JSON file per job name,
// for the status and list-jobs commands.
func SaveStats(dir string, s *Stats) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(dir, statsFileName(s.JobName))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadStats reads one job's last run result.
func LoadStats(dir, jobName string) (*Stats, error) {
	data, err := os.ReadFile(filepath.Join(dir, statsFileName(jobName)))
	if err != nil {
		return nil, err
	}
	var s Stats
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse stats for %s: %w", jobName, err)
	}
	return &s, nil
}

// ListStats reads every persisted run result, newest first.
func ListStats(dir string) ([]Stats, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}

	var out []Stats
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var s Stats
		if err := json.Unmarshal(data, &s); err != nil {
			continue // stale or foreign file
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// statsFileName keeps job names with path separators from escaping dir.
func statsFileName(jobName string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, jobName)
	return safe + ".json"
}

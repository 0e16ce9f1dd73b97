package quarantine

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/histdata/internal/models"
)

func TestSink_WriteAndScanRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(dir, zerolog.Nop())
	defer sink.Close()

	raw := models.Row{
		"ts_event":      "2024-01-10T00:00:00Z",
		"instrument_id": float64(12345),
		"symbol":        "ES.c.0",
		"open_price":    4500.25,
	}
	entry := Entry{
		JobID:     "job-1",
		ChunkID:   "chunk-0",
		Schema:    "ohlcv-1d",
		Reason:    "validation failed",
		Errors:    []string{"high_price below open"},
		RawRecord: raw,
	}
	require.NoError(t, sink.Write(entry))
	require.NoError(t, sink.Close())

	var got []Entry
	require.NoError(t, sink.Scan(func(e Entry) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, "job-1", got[0].JobID)
	assert.Equal(t, "ohlcv-1d", got[0].Schema)
	// Raw record round-trips through JSON intact.
	assert.Equal(t, "ES.c.0", got[0].RawRecord["symbol"])
	assert.Equal(t, 4500.25, got[0].RawRecord["open_price"])
	assert.False(t, got[0].QuarantinedAt.IsZero())
}

func TestSink_RotatesByDate(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(dir, zerolog.Nop())
	defer sink.Close()

	day1 := time.Date(2024, 1, 10, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 1, 11, 1, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Write(Entry{JobID: "j", Schema: "trades", QuarantinedAt: day1, RawRecord: models.Row{"a": 1.0}}))
	require.NoError(t, sink.Write(Entry{JobID: "j", Schema: "trades", QuarantinedAt: day2, RawRecord: models.Row{"a": 2.0}}))
	require.NoError(t, sink.Close())

	for _, day := range []string{"2024-01-10", "2024-01-11"} {
		path := filepath.Join(dir, "validation_failures", day+".jsonl")
		assert.FileExists(t, path)
	}
	assert.Equal(t, int64(2), sink.Written())
}

func TestSink_ConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(dir, zerolog.Nop())
	defer sink.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = sink.Write(Entry{JobID: "j", Schema: "tbbo", RawRecord: models.Row{"n": float64(j)}})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, sink.Close())

	count := 0
	require.NoError(t, sink.Scan(func(Entry) error {
		count++
		return nil
	}))
	assert.Equal(t, 200, count)
}

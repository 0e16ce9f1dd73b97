// Package databento implements the vendor adapter for the Databento
// historical API: chunked timeseries fetches over HTTPS with rate limiting,
// a circuit breaker, and retry with backoff.
package databento

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/histdata/internal/adapter"
	"github.com/sawpanic/histdata/internal/models"
	"github.com/sawpanic/histdata/internal/net/circuit"
	"github.com/sawpanic/histdata/internal/net/ratelimit"
	"github.com/sawpanic/histdata/internal/net/retry"
)

const (
	defaultBaseURL = "https://hist.databento.com"
	defaultTimeout = 30 * time.Second
	dateLayout     = "2006-01-02"
)

// Config holds adapter construction parameters. Zero values fall back to
// production defaults; only APIKey is required.
type Config struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Retry   retry.Policy  `yaml:"retry"`
	RateRPS float64       `yaml:"rate_rps"`
	Burst   int           `yaml:"rate_burst"`
}

// Adapter talks to the Databento historical API.
type Adapter struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	breaker *circuit.Breaker
	logger  zerolog.Logger
	host    string
}

// New builds an adapter from cfg. Credentials are checked in Configure, not
// here.
func New(cfg Config, logger zerolog.Logger) (*Adapter, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}

	return &Adapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: ratelimit.NewLimiter(cfg.RateRPS, cfg.Burst),
		breaker: circuit.NewBreaker("databento", circuit.DefaultConfig(), logger),
		logger:  logger.With().Str("adapter", "databento").Logger(),
		host:    u.Host,
	}, nil
}

// Configure verifies the API key against a cheap metadata endpoint.
func (a *Adapter) Configure(ctx context.Context) error {
	if strings.TrimSpace(a.cfg.APIKey) == "" {
		return &AuthError{Detail: "no API key configured"}
	}

	req, err := a.newRequest(ctx, "/v0/metadata.list_datasets", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &AuthError{Detail: fmt.Sprintf("key rejected (HTTP %d)", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return &HTTPError{Status: resp.StatusCode}
	}

	a.logger.Debug().Str("base_url", a.cfg.BaseURL).Msg("databento credentials verified")
	return nil
}

// IterateChunks validates symbology up front and splits the job date range.
func (a *Adapter) IterateChunks(job adapter.Job) ([]adapter.Chunk, error) {
	if err := validateSymbology(job.STypeIn, job.Symbols); err != nil {
		return nil, err
	}
	return adapter.SplitRange(job), nil
}

// FetchChunk pulls one chunk's records, retrying transient failures. The
// returned attempt count includes the successful call.
func (a *Adapter) FetchChunk(ctx context.Context, chunk adapter.Chunk) (*adapter.FetchResult, error) {
	var (
		records  []models.Row
		attempts int
	)

	op := func(ctx context.Context) error {
		attempts++
		if err := a.limiter.Wait(ctx, a.host); err != nil {
			return err
		}
		var fetchErr error
		err := a.breaker.Execute(func() error {
			records, fetchErr = a.fetchOnce(ctx, chunk)
			return fetchErr
		})
		if circuit.IsOpen(err) {
			return &TransportError{Err: err}
		}
		return err
	}

	notify := func(err error, attempt int, delay time.Duration) {
		a.logger.Warn().
			Err(err).
			Str("chunk", chunk.ID()).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("chunk fetch failed, retrying")
	}

	if err := a.cfg.Retry.Do(ctx, op, notify); err != nil {
		return nil, err
	}
	return &adapter.FetchResult{Records: records, Attempts: attempts}, nil
}

// Close releases pooled connections.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *Adapter) newRequest(ctx context.Context, path string, params url.Values) (*http.Request, error) {
	u := a.cfg.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	// Databento uses the API key as the basic-auth username.
	req.SetBasicAuth(a.cfg.APIKey, "")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// fetchOnce performs a single timeseries.get_range call and decodes the
// JSON-lines body into rows.
func (a *Adapter) fetchOnce(ctx context.Context, chunk adapter.Chunk) ([]models.Row, error) {
	params := url.Values{
		"dataset":  {chunk.Dataset},
		"symbols":  {strings.Join(chunk.Symbols, ",")},
		"schema":   {string(chunk.Schema)},
		"start":    {chunk.Start.UTC().Format(dateLayout)},
		"end":      {chunk.End.UTC().Format(dateLayout)},
		"stype_in": {stypeParam(chunk.STypeIn)},
		"encoding": {"json"},
	}

	req, err := a.newRequest(ctx, "/v0/timeseries.get_range", params)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &AuthError{Detail: fmt.Sprintf("key rejected (HTTP %d)", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{
			Status:    resp.StatusCode,
			Body:      strings.TrimSpace(string(body)),
			RetryHint: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return decodeRows(chunk.Schema, resp.Body)
}

// decodeRows reads newline-delimited JSON records and maps each one into the
// internal flat row form.
func decodeRows(schema models.Schema, body io.Reader) ([]models.Row, error) {
	var rows []models.Row
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, &TransportError{Err: fmt.Errorf("malformed record: %w", err)}
		}
		rows = append(rows, toRow(schema, raw))
	}
	if err := scanner.Err(); err != nil {
		return nil, &TransportError{Err: err}
	}
	return rows, nil
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

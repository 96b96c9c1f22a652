package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "fxflow/config"
	"fxflow/internal/cache"
	"fxflow/internal/model"
	"fxflow/internal/treasury"
	"fxflow/logger"
)

type fakeFetcher struct {
	results map[string]*treasury.FetchResult
	errs    map[string]error
	calls   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		results: make(map[string]*treasury.FetchResult),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeFetcher) FetchRates(ctx context.Context, currency model.Currency, start, end time.Time) (*treasury.FetchResult, error) {
	f.calls[currency.Code]++
	if err, ok := f.errs[currency.Code]; ok {
		return nil, err
	}
	if res, ok := f.results[currency.Code]; ok {
		return res, nil
	}
	return nil, &treasury.FetchError{Kind: treasury.KindNotFound, URL: "unscripted " + currency.Code}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func payloadOf(t *testing.T, rows ...treasury.Row) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(treasury.Payload{Data: rows})
	require.NoError(t, err)
	return b
}

func row(name, rateValue, recordDate string) treasury.Row {
	return treasury.Row{CountryCurrencyDesc: name, ExchangeRate: rateValue, RecordDate: recordDate}
}

func fetchResult(t *testing.T, code string, fetchedAt time.Time, rows ...treasury.Row) *treasury.FetchResult {
	t.Helper()
	records := make([]model.ExchangeRateRecord, 0, len(rows))
	for _, r := range rows {
		d, err := time.Parse(model.DateLayout, r.RecordDate)
		require.NoError(t, err)
		rate, err := decimal.NewFromString(r.ExchangeRate)
		require.NoError(t, err)
		records = append(records, model.ExchangeRateRecord{CurrencyCode: code, Date: d, Rate: rate, FetchedAt: fetchedAt})
	}
	return &treasury.FetchResult{
		Payload:   payloadOf(t, rows...),
		Records:   records,
		FetchedAt: fetchedAt,
		Pages:     1,
	}
}

func pipelineConfig(cacheDir string) *appconfig.Config {
	return &appconfig.Config{
		Window: appconfig.WindowConfig{
			Start: date(2023, 1, 1),
			End:   date(2024, 12, 31),
		},
		Currencies: []appconfig.CurrencyConfig{
			{Code: "EUR", Name: "Euro Zone-Euro"},
			{Code: "GBP", Name: "United Kingdom-Pound"},
		},
		Cache: appconfig.CacheConfig{Dir: cacheDir, MaxAge: 24 * time.Hour},
	}
}

func TestRunFreshFetchWritesThrough(t *testing.T) {
	cfg := pipelineConfig(t.TempDir())
	store := cache.NewStore(cfg.Cache.Dir, cfg.Cache.MaxAge)
	fetcher := newFakeFetcher()

	now := time.Now().UTC()
	fetcher.results["EUR"] = fetchResult(t, "EUR", now,
		row("Euro Zone-Euro", "0.921", "2023-03-31"),
		row("Euro Zone-Euro", "0.917", "2023-06-30"),
	)
	fetcher.results["GBP"] = fetchResult(t, "GBP", now,
		row("United Kingdom-Pound", "0.790", "2023-03-31"),
		row("United Kingdom-Pound", "0.786", "2023-06-30"),
	)

	result, err := New(cfg, fetcher, store).Run(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"EUR", "GBP"}, result.Series.Codes())
	assert.Equal(t, 2, result.Series.Len())
	assert.Empty(t, result.Degraded)

	eur := result.Manifest.Currencies["EUR"]
	require.NotNil(t, eur)
	assert.Equal(t, model.SourceFreshFetch, eur.Source)
	assert.Equal(t, 2, eur.RowsFetched)
	assert.Equal(t, 2, eur.RowsUsable)
	assert.Equal(t, "2023-03-31", eur.FirstDate)
	assert.Equal(t, "2023-06-30", eur.LastDate)

	key := cache.Key("EUR", cfg.Window.Start, cfg.Window.End, "v1")
	env, ok := store.Get(key)
	require.True(t, ok, "fetch should write through to the cache")
	payload, err := treasury.ParsePayload(env.Payload)
	require.NoError(t, err)
	assert.Len(t, payload.Data, 2)
}

func TestRunServesFreshCacheWithoutFetching(t *testing.T) {
	cfg := pipelineConfig(t.TempDir())
	store := cache.NewStore(cfg.Cache.Dir, cfg.Cache.MaxAge)
	fetcher := newFakeFetcher()

	now := time.Now().UTC()
	for code, name := range map[string]string{"EUR": "Euro Zone-Euro", "GBP": "United Kingdom-Pound"} {
		key := cache.Key(code, cfg.Window.Start, cfg.Window.End, "v1")
		payload := payloadOf(t, row(name, "0.9", "2023-03-31"), row(name, "0.91", "2023-06-30"))
		require.NoError(t, store.Put(key, now.Add(-time.Hour), payload))
	}

	result, err := New(cfg, fetcher, store).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, fetcher.calls["EUR"], "fresh cache must suppress the fetch")
	assert.Zero(t, fetcher.calls["GBP"])

	eur := result.Manifest.Currencies["EUR"]
	assert.Equal(t, model.SourceFreshCache, eur.Source)
	assert.Equal(t, 2, eur.RowsFromCache)
	assert.Zero(t, eur.RowsFetched)
}

func TestRunFallsBackToStaleCacheOnFetchFailure(t *testing.T) {
	cfg := pipelineConfig(t.TempDir())
	store := cache.NewStore(cfg.Cache.Dir, cfg.Cache.MaxAge)
	fetcher := newFakeFetcher()

	staleAt := time.Now().UTC().Add(-48 * time.Hour)
	key := cache.Key("EUR", cfg.Window.Start, cfg.Window.End, "v1")
	require.NoError(t, store.Put(key, staleAt, payloadOf(t,
		row("Euro Zone-Euro", "0.93", "2023-03-31"),
		row("Euro Zone-Euro", "0.94", "2023-06-30"),
	)))

	fetchErr := &treasury.FetchError{Kind: treasury.KindUnreachable, URL: "https://api", Err: context.DeadlineExceeded}
	fetcher.errs["EUR"] = fetchErr
	fetcher.results["GBP"] = fetchResult(t, "GBP", time.Now().UTC(),
		row("United Kingdom-Pound", "0.790", "2023-03-31"),
	)

	result, err := New(cfg, fetcher, store).Run(context.Background())
	require.NoError(t, err)

	require.Contains(t, result.Degraded, "EUR")
	assert.True(t, treasury.IsUnreachable(result.Degraded["EUR"]))

	eur := result.Manifest.Currencies["EUR"]
	assert.Equal(t, model.SourceStaleCache, eur.Source)
	assert.True(t, eur.Degraded)
	assert.NotEmpty(t, eur.Error)
	assert.Equal(t, 2, eur.RowsFromCache)

	obs := result.Series.Observations("EUR")
	require.Len(t, obs, 2)
	assert.InDelta(t, 0.93, obs[0].Value, 1e-9)
}

func TestRunExcludesCurrencyWithoutFallback(t *testing.T) {
	cfg := pipelineConfig(t.TempDir())
	store := cache.NewStore(cfg.Cache.Dir, cfg.Cache.MaxAge)
	fetcher := newFakeFetcher()

	fetcher.errs["EUR"] = &treasury.FetchError{Kind: treasury.KindNotFound, URL: "https://api"}
	fetcher.results["GBP"] = fetchResult(t, "GBP", time.Now().UTC(),
		row("United Kingdom-Pound", "0.790", "2023-03-31"),
		row("United Kingdom-Pound", "0.786", "2023-06-30"),
	)

	result, err := New(cfg, fetcher, store).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"GBP"}, result.Series.Codes())
	assert.Empty(t, result.Degraded)
	assert.NotEmpty(t, result.Manifest.Warnings)
	assert.NotEmpty(t, result.Manifest.Currencies["EUR"].Error)
}

func TestRunFailsWhenNothingUsable(t *testing.T) {
	cfg := pipelineConfig(t.TempDir())
	store := cache.NewStore(cfg.Cache.Dir, cfg.Cache.MaxAge)
	fetcher := newFakeFetcher()

	fetcher.errs["EUR"] = &treasury.FetchError{Kind: treasury.KindUnreachable, URL: "https://api"}
	fetcher.errs["GBP"] = &treasury.FetchError{Kind: treasury.KindUnreachable, URL: "https://api"}

	_, err := New(cfg, fetcher, store).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrEmptySeries)
}

func TestValidateRowsDropsAndDeduplicates(t *testing.T) {
	m := &model.CurrencyManifest{Code: "EUR"}
	fetchedAt := time.Now().UTC()
	start, end := date(2023, 1, 1), date(2024, 12, 31)

	rows := []treasury.Row{
		row("Euro Zone-Euro", "0.921", "2023-03-31"),
		row("Euro Zone-Euro", "not-a-number", "2023-06-30"),
		row("Euro Zone-Euro", "-1.2", "2023-06-30"),
		row("Euro Zone-Euro", "0.917", "30/06/2023"),
		row("Euro Zone-Euro", "0.950", "2022-12-31"),
		row("Euro Zone-Euro", "0.917", "2023-06-30"),
		row("Euro Zone-Euro", "0.918", "2023-06-30"),
	}

	records := validateRows(logger.GetLogger(), m, rows, "EUR", fetchedAt, start, end)

	require.Len(t, records, 2)
	assert.Equal(t, "0.921", records[0].Rate.String())
	assert.Equal(t, "0.918", records[1].Rate.String(), "last same-date row wins the tie")

	assert.Equal(t, 2, m.RowsDropped["invalid_rate"])
	assert.Equal(t, 1, m.RowsDropped["invalid_date"])
	assert.Equal(t, 1, m.RowsDropped["out_of_range"])
	assert.Equal(t, 1, m.RowsDropped["duplicate"])
	assert.Equal(t, 5, m.DroppedTotal())
}

func TestValidateRowsKeepsMostRecentlyFetched(t *testing.T) {
	m := &model.CurrencyManifest{Code: "EUR"}
	start, end := date(2023, 1, 1), date(2024, 12, 31)

	older := time.Now().UTC().Add(-time.Hour)

	records := validateRows(logger.GetLogger(), m, []treasury.Row{
		row("Euro Zone-Euro", "0.921", "2023-03-31"),
	}, "EUR", older, start, end)
	require.Len(t, records, 1)
	assert.True(t, records[0].FetchedAt.Equal(older))
}

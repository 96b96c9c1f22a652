package pipeline

import (
	"context"
	"fmt"
	"time"

	appconfig "fxflow/config"
	"fxflow/internal/cache"
	"fxflow/internal/metrics"
	"fxflow/internal/model"
	"fxflow/internal/treasury"
	"fxflow/logger"
)

// apiVersion tags cache keys so a schema change invalidates old entries.
const apiVersion = "v1"

// Fetcher is the slice of the treasury client the pipeline depends on.
type Fetcher interface {
	FetchRates(ctx context.Context, currency model.Currency, start, end time.Time) (*treasury.FetchResult, error)
}

// Result is everything one pipeline run produced: the joined series, the
// per-currency accounting and the currencies served from stale cache.
type Result struct {
	Series   *model.CanonicalSeries
	Manifest *model.RunManifest
	Degraded map[string]error
}

// Pipeline drives fetch, cache, validation and series assembly for the
// configured currencies. Runs are single-threaded and run to completion.
type Pipeline struct {
	config  *appconfig.Config
	fetcher Fetcher
	store   *cache.Store
	log     *logger.Log
	now     func() time.Time
}

// New wires a pipeline from its collaborators.
func New(cfg *appconfig.Config, fetcher Fetcher, store *cache.Store) *Pipeline {
	return &Pipeline{
		config:  cfg,
		fetcher: fetcher,
		store:   store,
		log:     logger.GetLogger(),
		now:     time.Now,
	}
}

// Run executes one full pass: per currency it serves a fresh cache hit,
// otherwise fetches and writes through, falling back to a stale envelope
// (marking the currency degraded) when the fetch fails. Currencies with
// neither a fetch nor a fallback are excluded with a warning; when nothing
// usable remains the run fails with ErrEmptySeries.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	started := p.now()
	cfg := p.config
	log := p.log.WithComponent("pipeline")

	manifest := model.NewRunManifest(cfg.Window.Start, cfg.Window.End)
	degraded := make(map[string]error)
	perCurrency := make(map[string][]model.ExchangeRateRecord, len(cfg.Currencies))
	codes := make([]string, 0, len(cfg.Currencies))

	for _, cc := range cfg.Currencies {
		if err := ctx.Err(); err != nil {
			metrics.IncrementPipelineRun("failed")
			metrics.ObservePipelineDuration(p.now().Sub(started).Seconds())
			return nil, err
		}

		currency := model.Currency{Code: cc.Code, Name: cc.Name}
		codes = append(codes, cc.Code)

		records, err := p.loadCurrency(ctx, currency, manifest.Currency(cc.Code), degraded)
		if err != nil {
			manifest.Warn(fmt.Sprintf("%s excluded: %v", cc.Code, err))
			continue
		}
		if len(records) == 0 {
			manifest.Warn(fmt.Sprintf("%s excluded: no usable rows after validation", cc.Code))
			log.WithField("currency", cc.Code).Warn("no usable rows after validation")
			continue
		}
		perCurrency[cc.Code] = records
	}

	series, err := model.BuildCanonicalSeries(codes, perCurrency)
	if err != nil {
		manifest.Finish()
		metrics.IncrementPipelineRun("failed")
		metrics.ObservePipelineDuration(p.now().Sub(started).Seconds())
		return nil, fmt.Errorf("assemble series: %w", err)
	}

	manifest.Finish()

	outcome := "success"
	if len(degraded) > 0 {
		outcome = "degraded"
	}
	metrics.IncrementPipelineRun(outcome)
	metrics.ObservePipelineDuration(p.now().Sub(started).Seconds())

	log.WithFields(logger.Fields{
		"run_id":     manifest.RunID,
		"currencies": manifest.UsableCurrencies(),
		"quarters":   series.Len(),
		"degraded":   len(degraded),
		"outcome":    outcome,
	}).Info("pipeline run complete")

	return &Result{Series: series, Manifest: manifest, Degraded: degraded}, nil
}

// loadCurrency resolves one currency's records through the cache-then-fetch
// ladder and accounts for the trip in its manifest.
func (p *Pipeline) loadCurrency(ctx context.Context, currency model.Currency, cm *model.CurrencyManifest, degraded map[string]error) ([]model.ExchangeRateRecord, error) {
	cfg := p.config
	log := p.log.WithComponent("pipeline").WithField("currency", currency.Code)
	key := cache.Key(currency.Code, cfg.Window.Start, cfg.Window.End, apiVersion)

	env, found := p.store.Get(key)

	if found && p.store.IsFresh(env, p.now()) {
		payload, err := treasury.ParsePayload(env.Payload)
		if err == nil {
			metrics.IncrementCacheEvent(currency.Code, "hit")
			logger.IncrementCacheHit(len(env.Payload))
			cm.Source = model.SourceFreshCache
			cm.RowsFromCache = len(payload.Data)
			records := validateRows(p.log, cm, payload.Data, currency.Code, env.FetchedAt, cfg.Window.Start, cfg.Window.End)
			cm.SetRange(records)
			log.WithField("rows", len(records)).Debug("served from fresh cache")
			return records, nil
		}
		log.WithError(err).Warn("fresh cache entry undecodable, refetching")
		found = false
	}

	if !found {
		metrics.IncrementCacheEvent(currency.Code, "miss")
	}

	result, fetchErr := p.fetcher.FetchRates(ctx, currency, cfg.Window.Start, cfg.Window.End)
	if fetchErr == nil {
		if err := p.store.Put(key, result.FetchedAt, result.Payload); err != nil {
			log.WithError(err).Warn("cache write failed")
		} else {
			metrics.IncrementCacheEvent(currency.Code, "write")
		}

		payload, err := treasury.ParsePayload(result.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode fetched payload: %w", err)
		}

		cm.Source = model.SourceFreshFetch
		cm.RowsFetched = len(payload.Data)
		records := validateRows(p.log, cm, payload.Data, currency.Code, result.FetchedAt, cfg.Window.Start, cfg.Window.End)
		cm.SetRange(records)
		return records, nil
	}

	if found {
		payload, err := treasury.ParsePayload(env.Payload)
		if err == nil {
			metrics.IncrementCacheEvent(currency.Code, "stale_hit")
			logger.IncrementCacheHit(len(env.Payload))
			cm.Source = model.SourceStaleCache
			cm.Degraded = true
			cm.Error = fetchErr.Error()
			cm.RowsFromCache = len(payload.Data)
			degraded[currency.Code] = fetchErr
			log.WithError(fetchErr).WithField("fetched_at", env.FetchedAt).Warn("fetch failed, serving stale cache")
			records := validateRows(p.log, cm, payload.Data, currency.Code, env.FetchedAt, cfg.Window.Start, cfg.Window.End)
			cm.SetRange(records)
			return records, nil
		}
		log.WithError(err).Warn("stale cache entry undecodable")
	}

	cm.Error = fetchErr.Error()
	log.WithError(fetchErr).Warn("fetch failed with no cache fallback, excluding currency")
	return nil, fetchErr
}

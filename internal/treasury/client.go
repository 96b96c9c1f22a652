package treasury

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	appconfig "fxflow/config"
	"fxflow/internal/metrics"
	"fxflow/internal/model"
	"fxflow/logger"
)

const ratesFields = "country_currency_desc,exchange_rate,record_date"

// FetchResult carries everything one fetch produced: the canonical payload
// for the cache, the decoded records and the fetch timestamp.
type FetchResult struct {
	Payload   json.RawMessage
	Records   []model.ExchangeRateRecord
	FetchedAt time.Time
	Pages     int
}

// Client fetches quarterly exchange rates from the Fiscal Data API.
// It never reads or writes the cache; the pipeline owns that decision.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	log       *logger.Log
	baseURL   string
	endpoint  string
	userAgent string
	pageSize  int
	retry     appconfig.RetryConfig
	now       func() time.Time
}

// NewClient initialises the REST client from configuration.
func NewClient(cfg *appconfig.Config) *Client {
	rl := cfg.API.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 4
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}

	pageSize := cfg.API.PageSize
	if pageSize <= 0 {
		pageSize = 10000
	}

	return &Client{
		http:      &http.Client{Timeout: cfg.API.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		log:       logger.GetLogger(),
		baseURL:   strings.TrimSuffix(cfg.API.BaseURL, "/"),
		endpoint:  cfg.API.Endpoint,
		userAgent: cfg.API.UserAgent,
		pageSize:  pageSize,
		retry:     cfg.API.Retry,
		now:       time.Now,
	}
}

// FetchRates pulls every page of quarterly rates for one currency within
// [start, end]. It returns the canonical payload for the cache plus the
// decoded records; any failure is a *FetchError.
func (c *Client) FetchRates(ctx context.Context, currency model.Currency, start, end time.Time) (*FetchResult, error) {
	log := c.log.WithComponent("treasury").WithFields(logger.Fields{
		"currency": currency.Code,
		"start":    start.Format(model.DateLayout),
		"end":      end.Format(model.DateLayout),
	})

	fetchedAt := c.now().UTC()
	rows := make([]Row, 0, 32)
	records := make([]model.ExchangeRateRecord, 0, 32)

	pageNumber := 1
	for {
		pageURL := c.pageURL(currency.Name, start, end, pageNumber)

		body, err := c.fetchPage(ctx, pageURL, currency.Code)
		if err != nil {
			metrics.IncrementFetchRequest(currency.Code, outcomeLabel(err))
			return nil, err
		}

		logger.IncrementAPIRead(len(body))

		pg, err := decodePage(body)
		if err != nil {
			ferr := newFetchError(KindMalformedResponse, pageURL, 0, err)
			metrics.IncrementFetchRequest(currency.Code, outcomeLabel(ferr))
			return nil, ferr
		}

		for _, row := range pg.Data {
			date, rateValue, err := parseRow(row, currency.Name)
			if err != nil {
				ferr := newFetchError(KindMalformedResponse, pageURL, 0, err)
				metrics.IncrementFetchRequest(currency.Code, outcomeLabel(ferr))
				return nil, ferr
			}
			rows = append(rows, row)
			records = append(records, model.ExchangeRateRecord{
				CurrencyCode: currency.Code,
				Date:         date,
				Rate:         rateValue,
				FetchedAt:    fetchedAt,
			})
		}

		log.WithFields(logger.Fields{
			"page":        pageNumber,
			"rows":        len(pg.Data),
			"total_pages": pg.Meta.TotalPages,
		}).Debug("fetched rates page")

		if pageNumber >= pg.Meta.TotalPages || pg.Links.Next == "" {
			break
		}
		pageNumber++
	}

	payload, err := json.Marshal(Payload{Data: rows})
	if err != nil {
		return nil, newFetchError(KindMalformedResponse, c.baseURL+c.endpoint, 0, fmt.Errorf("encode payload: %w", err))
	}

	metrics.IncrementFetchRequest(currency.Code, "success")
	log.WithFields(logger.Fields{"rows": len(records), "pages": pageNumber}).Info("fetched exchange rates")

	return &FetchResult{
		Payload:   payload,
		Records:   records,
		FetchedAt: fetchedAt,
		Pages:     pageNumber,
	}, nil
}

func (c *Client) pageURL(currencyName string, start, end time.Time, pageNumber int) string {
	q := url.Values{}
	q.Set("fields", ratesFields)
	q.Set("filter", fmt.Sprintf("country_currency_desc:eq:%s,record_date:gte:%s,record_date:lte:%s",
		currencyName, start.Format(model.DateLayout), end.Format(model.DateLayout)))
	q.Set("page[size]", strconv.Itoa(c.pageSize))
	q.Set("page[number]", strconv.Itoa(pageNumber))
	return c.baseURL + c.endpoint + "?" + q.Encode()
}

// httpStatusError carries a non-2xx status through the retry loop so the
// final classification can map it to an ErrorKind.
type httpStatusError struct {
	status int
	url    string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.status, e.url)
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// fetchPage performs one GET with throttling and retries. Transient
// failures (network errors, 408, 429, 5xx) retry with exponential backoff
// up to the configured attempt count; everything else fails immediately.
func (c *Client) fetchPage(ctx context.Context, pageURL, currencyCode string) ([]byte, error) {
	var body []byte
	attempts := 0

	operation := func() error {
		attempts++
		if attempts > 1 {
			metrics.IncrementFetchRetry(currencyCode)
			c.log.WithComponent("treasury").WithFields(logger.Fields{
				"currency": currencyCode,
				"attempt":  attempts,
			}).Warn("retrying rates request")
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			statusErr := &httpStatusError{status: resp.StatusCode, url: pageURL}
			if isRetryableStatus(resp.StatusCode) {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.BaseDelay
	bo.MaxInterval = c.retry.MaxDelay
	bo.Multiplier = c.retry.BackoffMultiplier
	bo.MaxElapsedTime = 0

	maxRetries := uint64(0)
	if c.retry.MaxAttempts > 1 {
		maxRetries = uint64(c.retry.MaxAttempts - 1)
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
	if err != nil {
		return nil, c.classify(err, pageURL)
	}

	return body, nil
}

// classify maps the terminal error of a retry loop onto a FetchError:
// 404 is NotFound, 429 is RateLimited, persistent 5xx plus timeouts and
// connection failures are Unreachable, remaining 4xx are Malformed.
func (c *Client) classify(err error, pageURL string) *FetchError {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.status == http.StatusNotFound:
			return newFetchError(KindNotFound, pageURL, statusErr.status, err)
		case statusErr.status == http.StatusTooManyRequests:
			return newFetchError(KindRateLimited, pageURL, statusErr.status, err)
		case statusErr.status >= 500 || statusErr.status == http.StatusRequestTimeout:
			return newFetchError(KindUnreachable, pageURL, statusErr.status, err)
		default:
			return newFetchError(KindMalformedResponse, pageURL, statusErr.status, err)
		}
	}

	return newFetchError(KindUnreachable, pageURL, 0, err)
}

func outcomeLabel(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	return "error"
}

package treasury

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "fxflow/config"
	"fxflow/internal/model"
)

var euro = model.Currency{Code: "EUR", Name: "Euro Zone-Euro"}

func testConfig(baseURL string) *appconfig.Config {
	return &appconfig.Config{
		API: appconfig.APIConfig{
			BaseURL:   baseURL,
			Endpoint:  "/v1/accounting/od/rates_of_exchange",
			PageSize:  100,
			Timeout:   2 * time.Second,
			UserAgent: "fxflow-test",
			Retry: appconfig.RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         time.Millisecond,
				MaxDelay:          5 * time.Millisecond,
				BackoffMultiplier: 2.0,
			},
			RateLimit: appconfig.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 100},
		},
	}
}

func window() (time.Time, time.Time) {
	return time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
}

func pageBody(totalPages int, next string, rows ...string) string {
	joined := ""
	for i, r := range rows {
		if i > 0 {
			joined += ","
		}
		joined += r
	}
	return fmt.Sprintf(`{"data":[%s],"meta":{"count":%d,"total-count":%d,"total-pages":%d},"links":{"next":%q}}`,
		joined, len(rows), len(rows), totalPages, next)
}

func euroRow(date, rateValue string) string {
	return fmt.Sprintf(`{"country_currency_desc":"Euro Zone-Euro","exchange_rate":%q,"record_date":%q}`, rateValue, date)
}

func TestFetchRatesSinglePage(t *testing.T) {
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		fmt.Fprint(w, pageBody(1, "", euroRow("2023-03-31", "0.921"), euroRow("2023-06-30", "0.917")))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	start, end := window()

	result, err := client.FetchRates(context.Background(), euro, start, end)
	require.NoError(t, err)

	q := gotQuery.Load().(url.Values)
	assert.Equal(t, "country_currency_desc,exchange_rate,record_date", q["fields"][0])
	assert.Equal(t, "country_currency_desc:eq:Euro Zone-Euro,record_date:gte:2023-01-01,record_date:lte:2024-12-31", q["filter"][0])
	assert.Equal(t, "100", q["page[size]"][0])
	assert.Equal(t, "1", q["page[number]"][0])

	require.Len(t, result.Records, 2)
	assert.Equal(t, "EUR", result.Records[0].CurrencyCode)
	assert.Equal(t, "0.921", result.Records[0].Rate.String())
	assert.Equal(t, time.Date(2023, 3, 31, 0, 0, 0, 0, time.UTC), result.Records[0].Date)
	assert.Equal(t, 1, result.Pages)

	payload, err := ParsePayload(result.Payload)
	require.NoError(t, err)
	assert.Len(t, payload.Data, 2)
	assert.Equal(t, "0.921", payload.Data[0].ExchangeRate)
}

func TestFetchRatesWalksAllPages(t *testing.T) {
	var pagesServed int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pagesServed, 1)
		switch r.URL.Query().Get("page[number]") {
		case "1":
			fmt.Fprint(w, pageBody(2, "&page%5Bnumber%5D=2", euroRow("2023-03-31", "0.921")))
		case "2":
			fmt.Fprint(w, pageBody(2, "", euroRow("2023-06-30", "0.917")))
		default:
			t.Errorf("unexpected page request: %s", r.URL.RawQuery)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	start, end := window()

	result, err := client.FetchRates(context.Background(), euro, start, end)
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&pagesServed))
	require.Len(t, result.Records, 2)
	assert.Equal(t, "0.917", result.Records[1].Rate.String())
	assert.Equal(t, 2, result.Pages)
}

func TestFetchRatesNotFoundIsNotRetried(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	start, end := window()

	_, err := client.FetchRates(context.Background(), euro, start, end)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&requests))
}

func TestFetchRatesRateLimitedAfterRetries(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	start, end := window()

	_, err := client.FetchRates(context.Background(), euro, start, end)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.EqualValues(t, 3, atomic.LoadInt32(&requests))
}

func TestFetchRatesRecoversAfterTransientServerError(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, pageBody(1, "", euroRow("2023-03-31", "0.921")))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	start, end := window()

	result, err := client.FetchRates(context.Background(), euro, start, end)
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&requests))
	assert.Len(t, result.Records, 1)
}

func TestFetchRatesPersistentServerErrorIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	start, end := window()

	_, err := client.FetchRates(context.Background(), euro, start, end)
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))
}

func TestFetchRatesConnectionFailureIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	cfg := testConfig(srv.URL)
	cfg.API.Retry.MaxAttempts = 1
	client := NewClient(cfg)
	start, end := window()

	_, err := client.FetchRates(context.Background(), euro, start, end)
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))
}

func TestFetchRatesTimeoutIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.API.Timeout = 50 * time.Millisecond
	cfg.API.Retry.MaxAttempts = 1
	client := NewClient(cfg)
	start, end := window()

	_, err := client.FetchRates(context.Background(), euro, start, end)
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))
}

func TestFetchRatesNonJSONBodyIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>downtime</html>")
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	start, end := window()

	_, err := client.FetchRates(context.Background(), euro, start, end)
	require.Error(t, err)
	assert.True(t, IsMalformedResponse(err))
}

func TestFetchRatesMissingDataIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"meta":{"total-pages":1}}`)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	start, end := window()

	_, err := client.FetchRates(context.Background(), euro, start, end)
	require.Error(t, err)
	assert.True(t, IsMalformedResponse(err))
}

func TestFetchRatesBadRecordDateIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageBody(1, "", euroRow("31/03/2023", "0.921")))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	start, end := window()

	_, err := client.FetchRates(context.Background(), euro, start, end)
	require.Error(t, err)
	assert.True(t, IsMalformedResponse(err))
}

func TestFetchRatesUnknownCurrencyDescIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageBody(1, "", `{"country_currency_desc":"Mexico-Peso","exchange_rate":"17.1","record_date":"2023-03-31"}`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	start, end := window()

	_, err := client.FetchRates(context.Background(), euro, start, end)
	require.Error(t, err)
	assert.True(t, IsMalformedResponse(err))
}

func TestFetchRatesOtherClientErrorIsMalformed(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	start, end := window()

	_, err := client.FetchRates(context.Background(), euro, start, end)
	require.Error(t, err)
	assert.True(t, IsMalformedResponse(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&requests))
}

func TestFetchRatesEmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageBody(0, ""))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	start, end := window()

	result, err := client.FetchRates(context.Background(), euro, start, end)
	require.NoError(t, err)
	assert.Empty(t, result.Records)

	payload, err := ParsePayload(result.Payload)
	require.NoError(t, err)
	assert.Empty(t, payload.Data)
}

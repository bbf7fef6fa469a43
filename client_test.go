package esi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/mireth/esigo"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *esi.Client {
	t.Helper()
	return newTestClientWithConfig(t, nil, handler.ServeHTTP)
}

// newTestClientWithConfig builds a Client against an httptest.Server
// wrapping handlerFunc, after applying mutate (if non-nil) to the default
// test config. mutate runs after every other default field is set, so it
// can override MaxRetries, PageSplitDelay, etc. for tests that need to
// pin a specific boundary value rather than the suite's fast defaults.
func newTestClientWithConfig(t *testing.T, mutate func(*esi.Config), handlerFunc http.HandlerFunc) *esi.Client {
	t.Helper()
	server := httptest.NewServer(handlerFunc)
	t.Cleanup(server.Close)

	maxRetries := 3
	cfg := esi.DefaultConfig()
	cfg.ConnectionSettings.ESIURL = server.URL
	cfg.Connection = newHTTPRequester()
	cfg.MaxTime = 2 * time.Second
	cfg.MaxRetries = &maxRetries
	cfg.RetryDelayLow = esi.NewExponentialJitterGenerator(1*time.Millisecond, 5*time.Millisecond, 2, 0)
	cfg.RetryDelayHigh = esi.NewExponentialJitterGenerator(1*time.Millisecond, 5*time.Millisecond, 2, 0)
	cfg.PageSplitDelay = func(pages int) time.Duration { return time.Millisecond }
	cfg.Metrics = esi.NewMetrics()
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := esi.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClientGetSimpleSuccess(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.Header().Set("expires", "Wed, 01 Jan 2026 00:00:00 GMT")
		json.NewEncoder(w).Encode(map[string]any{"name": "Jita"})
	}))

	resp, err := client.Get(context.Background(), "/systems/{system_id}/", esi.RequestOptions{
		Parameters: map[string]string{"system_id": "30000142"},
	})
	require.NoError(t, err)
	require.True(t, resp.IsJSON())

	data := resp.Data.(map[string]any)
	require.Equal(t, "Jita", data["name"])
}

func TestClientRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("content-type", "application/json")
		w.Header().Set("expires", "Wed, 01 Jan 2026 00:00:00 GMT")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))

	resp, err := client.Get(context.Background(), "/status/", esi.RequestOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, true, resp.Data.(map[string]any)["ok"])
}

// TestClientRetryAfterHTTPDateAnchorsOnResponseDateHeader pins retry.go's
// Retry-After HTTP-date handling to the response's own `date` header
// rather than the caller's local wall clock: retry-after is set to the
// same instant as `date`, so the correct delay is the fixed 1000ms floor
// from spec §4.4 step 1, while the previous (wrong) behavior of measuring
// time.Until(retryAfter) against a `date` several seconds in the past
// would have produced a delay clamped to ~0.
func TestClientRetryAfterHTTPDateAnchorsOnResponseDateHeader(t *testing.T) {
	var calls atomic.Int32
	var firstCallAt, secondCallAt time.Time

	respDate := time.Now().Add(-5 * time.Second)

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			firstCallAt = time.Now()
			w.Header().Set("date", respDate.Format(http.TimeFormat))
			w.Header().Set("retry-after", respDate.Format(http.TimeFormat))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		secondCallAt = time.Now()
		w.Header().Set("content-type", "application/json")
		w.Header().Set("expires", "Wed, 01 Jan 2026 00:00:00 GMT")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))

	_, err := client.Get(context.Background(), "/status/", esi.RequestOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.GreaterOrEqual(t, secondCallAt.Sub(firstCallAt), 900*time.Millisecond)
}

// TestClientGetPaginationAntiSplitResleepsAndRerequestsPage1 pins
// paginate.go's anti-page-split delay to spec §4.5 step 3: it must sleep
// only expires_in (not the full page_split_delay budget) and then
// re-request page 1, re-deriving x-pages, rather than fanning out
// directly from the first (about-to-expire) page-1 response.
func TestClientGetPaginationAntiSplitResleepsAndRerequestsPage1(t *testing.T) {
	var page1Calls atomic.Int32
	start := time.Now()

	client := newTestClientWithConfig(t, func(cfg *esi.Config) {
		cfg.PageSplitDelay = func(pages int) time.Duration { return 2 * time.Second }
	}, func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		w.Header().Set("content-type", "application/json")
		w.Header().Set("x-pages", "3")
		if page == "1" {
			n := page1Calls.Add(1)
			w.Header().Set("date", start.Format(http.TimeFormat))
			if n == 1 {
				// about to expire: expires_in is the 1000ms floor, well
				// under the 2s budget above, so the anti-split check
				// must trigger.
				w.Header().Set("expires", start.Format(http.TimeFormat))
			} else {
				w.Header().Set("expires", start.Add(time.Hour).Format(http.TimeFormat))
			}
			json.NewEncoder(w).Encode([]any{"page-1"})
			return
		}
		w.Header().Set("expires", start.Add(time.Hour).Format(http.TimeFormat))
		w.Header().Set("date", start.Format(http.TimeFormat))
		json.NewEncoder(w).Encode([]any{"page-" + page})
	})

	resp, err := client.Get(context.Background(), "/markets/{region_id}/orders/", esi.RequestOptions{
		Parameters: map[string]string{"region_id": "10000002"},
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), page1Calls.Load(), "page 1 must be re-requested once after the anti-split sleep")
	require.Len(t, resp.Responses, 3)
}

func TestClientRetryLimitExhausted(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.Get(context.Background(), "/status/", esi.RequestOptions{})
	require.Error(t, err)
	require.True(t, esi.IsRetryLimitError(err))
}

func TestClientNonRetryableStatusReturnsHttpError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"error": "character not found"})
	}))

	_, err := client.Get(context.Background(), "/characters/{id}/", esi.RequestOptions{
		Parameters: map[string]string{"id": "1"},
	})
	require.Error(t, err)
	require.True(t, esi.IsHttpError(err))
	require.Contains(t, err.Error(), "character not found")
}

func TestClientGetPaginationMergesPages(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		w.Header().Set("content-type", "application/json")
		w.Header().Set("x-pages", "3")
		w.Header().Set("expires", "Wed, 01 Jan 2026 00:00:00 GMT")
		json.NewEncoder(w).Encode([]any{fmt.Sprintf("item-%s", page)})
	}))

	resp, err := client.Get(context.Background(), "/markets/{region_id}/orders/", esi.RequestOptions{
		Parameters: map[string]string{"region_id": "10000002"},
	})
	require.NoError(t, err)
	require.True(t, resp.IsPaginated())
	require.Len(t, resp.Responses, 3)

	items := resp.Data.([]any)
	require.Len(t, items, 3)
}

func TestClientGetPaginationDetectsSplit(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		w.Header().Set("content-type", "application/json")
		w.Header().Set("x-pages", "2")
		// Page 2 regenerates mid-fetch: its "expires" disagrees with page 1,
		// so the common-headers intersection drops "expires" entirely.
		if page == "2" {
			w.Header().Set("expires", "Thu, 02 Jan 2026 00:00:00 GMT")
		} else {
			w.Header().Set("expires", "Wed, 01 Jan 2026 00:00:00 GMT")
		}
		json.NewEncoder(w).Encode([]any{page})
	}))

	_, err := client.Get(context.Background(), "/markets/{region_id}/orders/", esi.RequestOptions{
		Parameters: map[string]string{"region_id": "10000002"},
	})
	require.Error(t, err)
	require.True(t, esi.IsPageSplitError(err))
}

func TestClientPostPaginationChunksBody(t *testing.T) {
	var chunkSizes []int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []any
		json.NewDecoder(r.Body).Decode(&body)
		chunkSizes = append(chunkSizes, len(body))
		w.Header().Set("content-type", "application/json")
		w.Header().Set("expires", "Wed, 01 Jan 2026 00:00:00 GMT")
		json.NewEncoder(w).Encode(body)
	}))

	ids := []any{1.0, 2.0, 3.0, 4.0, 5.0}
	resp, err := client.Post(context.Background(), "/universe/names/", esi.RequestOptions{
		Body:         ids,
		BodyPageSize: 2,
	})
	require.NoError(t, err)
	require.True(t, resp.IsPaginated())
	require.Len(t, resp.Responses, 3)

	merged := resp.Data.([]any)
	require.Len(t, merged, 5)
}

func TestClientConditionalRequestReturns304WithPreviousData(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("etag", `"abc"`)
		w.Header().Set("content-type", "application/json")
		w.Header().Set("expires", "Wed, 01 Jan 2026 00:00:00 GMT")
		json.NewEncoder(w).Encode(map[string]any{"balance": 100})
	}))

	first, err := client.Get(context.Background(), "/characters/{id}/wallet/", esi.RequestOptions{
		Parameters: map[string]string{"id": "1"},
	})
	require.NoError(t, err)

	second, err := client.Get(context.Background(), "/characters/{id}/wallet/", esi.RequestOptions{
		Parameters:       map[string]string{"id": "1"},
		PreviousResponse: &first,
	})
	require.NoError(t, err)
	require.Equal(t, first.Data, second.Data)
}

func TestClientRetriesAreVisibleToServerSideSnoop(t *testing.T) {
	var hits atomic.Int32
	var lastCode atomic.Int32

	var calls atomic.Int32
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("content-type", "application/json")
		w.Header().Set("expires", "Wed, 01 Jan 2026 00:00:00 GMT")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	client := newTestClient(t, snoopHandler(base, func(m httpsnoop.Metrics) {
		hits.Add(1)
		lastCode.Store(int32(m.Code))
	}))

	_, err := client.Get(context.Background(), "/status/", esi.RequestOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load())
	require.Equal(t, int32(http.StatusOK), lastCode.Load())
}

func TestClientMetricsSnapshotTracksCounts(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.Header().Set("expires", "Wed, 01 Jan 2026 00:00:00 GMT")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))

	_, err := client.Get(context.Background(), "/status/", esi.RequestOptions{})
	require.NoError(t, err)

	snap := client.Metrics()
	require.Equal(t, int64(1), snap.RequestsOK)
	require.Equal(t, int64(0), snap.RequestsFail)
}

package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceoracle/gateway/internal/aggregator"
	"github.com/priceoracle/gateway/internal/config"
	"github.com/priceoracle/gateway/internal/datamanager"
	"github.com/priceoracle/gateway/internal/event"
	loginternal "github.com/priceoracle/gateway/internal/log"
	"github.com/priceoracle/gateway/internal/orchestrator"
	"github.com/priceoracle/gateway/internal/validator"
)

func newTestHandlers(t *testing.T) (*Handlers, *datamanager.DataManager, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	rl := loginternal.NewRateLimitedLogger(zerolog.Nop(), 100)
	catalog := loadTestCatalog(t)
	dm := datamanager.New(aggregator.New(aggregator.DefaultOptions(), nil), validator.New(validator.DefaultOptions(), nil), catalog, bus, rl)
	orch := orchestrator.New(zerolog.Nop(), 10*time.Millisecond)
	return NewHandlers(dm, orch, zerolog.Nop()), dm, bus
}

func loadTestCatalog(t *testing.T) *config.Catalog {
	t.Helper()
	path := t.TempDir() + "/catalog.yaml"
	content := `
feeds:
  - category: 1
    name: BTC/USD
    primary_n: 1
    sources:
      - {exchange: binance, symbol: BTC/USD}
      - {exchange: kraken, symbol: BTC/USD}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	c, err := config.LoadCatalog(path)
	require.NoError(t, err)
	return c
}

func postJSON(h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestFeedValuesRejectsEmptyFeeds(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	rec := postJSON(h.FeedValues, "/feed-values", FeedValuesRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedValuesRejectsTooManyFeeds(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	refs := make([]FeedRef, 101)
	for i := range refs {
		refs[i] = FeedRef{Category: 1, Name: "BTC/USD"}
	}
	rec := postJSON(h.FeedValues, "/feed-values", FeedValuesRequest{Feeds: refs})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedValuesReturnsAggregatedPrice(t *testing.T) {
	h, _, bus := newTestHandlers(t)
	bus.Publish(event.PriceUpdate{Source: "binance", Symbol: "BTC/USD", Price: 50000, Confidence: 0.9, TimestampMS: time.Now().UnixMilli()})
	bus.Publish(event.PriceUpdate{Source: "kraken", Symbol: "BTC/USD", Price: 50010, Confidence: 0.9, TimestampMS: time.Now().UnixMilli()})

	rec := postJSON(h.FeedValues, "/feed-values", FeedValuesRequest{Feeds: []FeedRef{{Category: 1, Name: "BTC/USD"}}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp FeedValuesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.InDelta(t, 50005, resp.Data[0].Value, 50)
}

func TestVolumesRejectsInvertedWindow(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	rec := postJSON(h.Volumes, "/volumes", VolumesRequest{
		Feeds:     []FeedRef{{Category: 1, Name: "BTC/USD"}},
		StartTime: 2000,
		EndTime:   1000,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVolumesReturnsLatestPerSource(t *testing.T) {
	h, _, bus := newTestHandlers(t)
	bus.Publish(event.PriceUpdate{Source: "binance", Symbol: "BTC/USD", Price: 50000, Volume: 12.5, Confidence: 0.9, TimestampMS: time.Now().UnixMilli()})

	rec := postJSON(h.Volumes, "/volumes", VolumesRequest{
		Feeds:     []FeedRef{{Category: 1, Name: "BTC/USD"}},
		StartTime: time.Now().UnixMilli() - 60_000,
		EndTime:   time.Now().UnixMilli() + 1000,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp VolumesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, 12.5, resp.Data[0].Volume)
}

func TestHealthReportsHealthyWithNoSources(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status) // zero sources: HealthScore stays 0 but TotalSources is 0 too
}

func TestLiveAlwaysOK(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	h.Live(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyFailsWithNoConnectedSources(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNotFoundWritesStandardErrorBody(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	h.NotFound(rec, req)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp.Code)
}

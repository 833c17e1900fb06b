package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/priceoracle/gateway/internal/config"
	"github.com/priceoracle/gateway/internal/datamanager"
	"github.com/priceoracle/gateway/internal/feed"
	"github.com/priceoracle/gateway/internal/net/circuit"
	"github.com/priceoracle/gateway/internal/orchestrator"
)

const maxFeedsPerRequest = 100

// maxWindow bounds a VolumesRequest: startTime and endTime must each lie
// within two years of now, and the span between them must not exceed
// two years.
const maxWindow = 2 * 365 * 24 * time.Hour

// Handlers wires the HTTP surface to the running gateway components.
type Handlers struct {
	dm           *datamanager.DataManager
	orch         *orchestrator.Orchestrator
	restBreakers *circuit.Manager
	catalog      *config.Catalog
	log          zerolog.Logger
	started      time.Time
}

// NewHandlers constructs the handler set.
func NewHandlers(dm *datamanager.DataManager, orch *orchestrator.Orchestrator, log zerolog.Logger) *Handlers {
	return &Handlers{dm: dm, orch: orch, log: log, started: time.Now()}
}

// SetRESTBreakers wires mgr so /health also reports each provider's
// REST-fallback circuit breaker state, distinct from the per-adapter
// WebSocket connect-retry breakers already surfaced via
// orchestrator.CircuitStats (spec.md SUPPLEMENTED FEATURES: "Per-
// provider circuit breaker state surfaced on /health"). Optional; nil
// omits the REST breaker components.
func (h *Handlers) SetRESTBreakers(mgr *circuit.Manager) {
	h.restBreakers = mgr
}

// SetCatalog wires catalog so POST /admin/reload can re-read it from
// disk (spec.md §6: the feed catalog is "reloadable at runtime").
// Optional; nil makes /admin/reload respond 503.
func (h *Handlers) SetCatalog(catalog *config.Catalog) {
	h.catalog = catalog
}

func requestIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("httpapi: json encode failed")
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, reasons ...string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
		RequestID: requestIDFrom(r),
		Reasons:   reasons,
	})
}

// validateFeeds applies spec.md §6's shared validation: at most
// maxFeedsPerRequest entries, each a valid feed.ID.
func validateFeeds(refs []FeedRef) ([]feed.ID, []string) {
	if len(refs) == 0 {
		return nil, []string{"feeds must be non-empty"}
	}
	if len(refs) > maxFeedsPerRequest {
		return nil, []string{fmt.Sprintf("feeds must not exceed %d entries", maxFeedsPerRequest)}
	}
	ids := make([]feed.ID, 0, len(refs))
	var reasons []string
	for _, ref := range refs {
		cat, err := feed.ParseCategory(ref.Category)
		if err != nil {
			reasons = append(reasons, err.Error())
			continue
		}
		id := feed.ID{Category: cat, Name: ref.Name}
		if err := id.Validate(); err != nil {
			reasons = append(reasons, err.Error())
			continue
		}
		ids = append(ids, id)
	}
	return ids, reasons
}

// FeedValues handles POST /feed-values.
func (h *Handlers) FeedValues(w http.ResponseWriter, r *http.Request) {
	var req FeedValuesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "could not parse request body")
		return
	}

	ids, reasons := validateFeeds(req.Feeds)
	if len(reasons) > 0 {
		h.writeError(w, r, http.StatusBadRequest, "invalid_feeds", "one or more feeds failed validation", reasons...)
		return
	}

	results := h.dm.GetCurrentPrices(r.Context(), ids)
	data := make([]FeedValue, 0, len(ids))
	for _, id := range ids {
		agg, ok := results[id.String()]
		if !ok {
			continue
		}
		source := ""
		if len(agg.Sources) > 0 {
			source = agg.Sources[0]
		}
		data = append(data, FeedValue{
			FeedID:     id.String(),
			Value:      agg.Price,
			Decimals:   8,
			Confidence: agg.Confidence,
			Source:     source,
			Timestamp:  agg.TimestampMS,
		})
	}

	h.writeJSON(w, http.StatusOK, FeedValuesResponse{Data: data, Timestamp: time.Now().UnixMilli()})
}

// FeedValuesForRound handles GET /feed-values/{votingRoundId}. The
// gateway has no voting-round ledger of its own, so it reports the
// current snapshot annotated with the requested round (spec.md §6:
// "votingRoundId is a non-negative integer; unknown rounds still
// resolve to the latest snapshot").
func (h *Handlers) FeedValuesForRound(w http.ResponseWriter, r *http.Request) {
	roundStr := mux.Vars(r)["votingRoundId"]
	round, err := strconv.ParseInt(roundStr, 10, 64)
	if err != nil || round < 0 {
		h.writeError(w, r, http.StatusBadRequest, "invalid_round", "votingRoundId must be a non-negative integer")
		return
	}

	var req FeedValuesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "could not parse request body")
		return
	}
	ids, reasons := validateFeeds(req.Feeds)
	if len(reasons) > 0 {
		h.writeError(w, r, http.StatusBadRequest, "invalid_feeds", "one or more feeds failed validation", reasons...)
		return
	}

	results := h.dm.GetCurrentPrices(r.Context(), ids)
	data := make([]FeedValue, 0, len(ids))
	for _, id := range ids {
		agg, ok := results[id.String()]
		if !ok {
			continue
		}
		source := ""
		if len(agg.Sources) > 0 {
			source = agg.Sources[0]
		}
		data = append(data, FeedValue{
			FeedID:     id.String(),
			Value:      agg.Price,
			Decimals:   8,
			Confidence: agg.Confidence,
			Source:     source,
			Timestamp:  agg.TimestampMS,
		})
	}

	h.writeJSON(w, http.StatusOK, FeedValuesResponse{Data: data, Timestamp: time.Now().UnixMilli(), VotingRoundID: &round})
}

// Volumes handles POST /volumes. The gateway does not retain historical
// volume series (ambient scope: see DESIGN.md), so it returns the most
// recent per-source volume observed at ingest time for each feed.
func (h *Handlers) Volumes(w http.ResponseWriter, r *http.Request) {
	var req VolumesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "could not parse request body")
		return
	}

	ids, reasons := validateFeeds(req.Feeds)
	if len(reasons) > 0 {
		h.writeError(w, r, http.StatusBadRequest, "invalid_feeds", "one or more feeds failed validation", reasons...)
		return
	}
	if req.StartTime >= req.EndTime {
		h.writeError(w, r, http.StatusBadRequest, "invalid_window", "startTime must be before endTime")
		return
	}
	if time.Duration(req.EndTime-req.StartTime)*time.Millisecond > maxWindow {
		h.writeError(w, r, http.StatusBadRequest, "invalid_window", "window must not exceed two years")
		return
	}
	now := time.Now().UnixMilli()
	if req.StartTime < now-maxWindow.Milliseconds() || req.EndTime > now+maxWindow.Milliseconds() {
		h.writeError(w, r, http.StatusBadRequest, "invalid_window", "startTime and endTime must be within two years of now")
		return
	}

	data := make([]VolumeValue, 0, len(ids))
	for _, id := range ids {
		volume, ok := h.dm.GetLatestVolume(id)
		if !ok {
			continue
		}
		data = append(data, VolumeValue{FeedID: id.String(), Volume: volume, Decimals: 8})
	}

	h.writeJSON(w, http.StatusOK, VolumesResponse{
		Data:       data,
		TimeWindow: TimeWindow{Start: req.StartTime, End: req.EndTime},
	})
}

// Health handles GET /health: an aggregate view combining connection
// health and per-exchange orchestrator status.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	connHealth := h.dm.GetConnectionHealth()
	status := h.orch.GetConnectionStatus()

	components := make(map[string]ComponentHealth, len(status)+1)
	components["sources"] = ComponentHealth{
		Status: healthLabel(connHealth.HealthScore),
		Detail: fmt.Sprintf("%d/%d sources connected", connHealth.ConnectedSources, connHealth.TotalSources),
		Score:  connHealth.HealthScore,
	}
	for ex, st := range status {
		components["exchange:"+ex] = ComponentHealth{
			Status: map[bool]string{true: "up", false: "down"}[st.Connected],
			Detail: fmt.Sprintf("%d/%d symbols subscribed", st.SubscribedCount, st.RequiredCount),
		}
	}
	for ex, cs := range h.orch.CircuitStats() {
		components["circuit:ws:"+ex] = ComponentHealth{
			Status: cs.State.String(),
			Detail: fmt.Sprintf("%d failures, %d successes", cs.TotalFailures, cs.TotalSuccesses),
		}
	}
	if h.restBreakers != nil {
		for ex, cs := range h.restBreakers.Stats() {
			components["circuit:rest:"+ex] = ComponentHealth{
				Status: cs.State.String(),
				Detail: fmt.Sprintf("%d failures, %d successes", cs.TotalFailures, cs.TotalSuccesses),
			}
		}
	}

	overall := "healthy"
	switch {
	case connHealth.TotalSources == 0:
		// no sources registered yet; nothing to report as unhealthy
	case connHealth.ConnectedSources == 0:
		overall = "unhealthy"
	case connHealth.HealthScore < 50:
		overall = "degraded"
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:     overall,
		Timestamp:  time.Now().UTC(),
		UptimeMS:   time.Since(h.started).Milliseconds(),
		Components: components,
	})
}

func healthLabel(score float64) string {
	switch {
	case score >= 80:
		return "healthy"
	case score > 0:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// Ready handles GET /health/ready: ready once at least one source is
// connected.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	connHealth := h.dm.GetConnectionHealth()
	if connHealth.ConnectedSources == 0 {
		h.writeError(w, r, http.StatusServiceUnavailable, "not_ready", "no sources connected")
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ready", Timestamp: time.Now().UTC()})
}

// Live handles GET /health/live: always 200 once the process is serving.
func (h *Handlers) Live(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "live", Timestamp: time.Now().UTC()})
}

// Reload handles POST /admin/reload: re-reads the feed catalog from
// disk, replacing the in-memory snapshot only if it parses and
// validates cleanly (config.Catalog.Reload's own guarantee).
func (h *Handlers) Reload(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "reload_unavailable", "no reloadable catalog wired")
		return
	}
	if err := h.catalog.Reload(); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "reload_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "reloaded",
		Timestamp: time.Now().UTC(),
	})
}

// Metrics handles GET /metrics/prometheus by delegating to
// promhttp.Handler().
func (h *Handlers) Metrics() http.Handler {
	return promhttp.Handler()
}

// NotFound is the router's catch-all 404 handler.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "not_found", "no such route")
}

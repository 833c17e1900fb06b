// Package httpapi implements the gateway's read-only HTTP surface:
// feed-values, volumes, health and Prometheus metrics (spec.md §6),
// adapted from the teacher's internal/interfaces/http contracts/server
// split.
package httpapi

import "time"

// FeedRef identifies one feed in a request body.
type FeedRef struct {
	Category int    `json:"category"`
	Name     string `json:"name"`
}

// FeedValuesRequest is the POST /feed-values body.
type FeedValuesRequest struct {
	Feeds []FeedRef `json:"feeds"`
}

// FeedValue is one feed's entry in a FeedValuesResponse.
type FeedValue struct {
	FeedID     string  `json:"feedId"`
	Value      float64 `json:"value"`
	Decimals   int     `json:"decimals"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Timestamp  int64   `json:"timestamp"`
}

// FeedValuesResponse is the successful POST /feed-values body.
type FeedValuesResponse struct {
	Data          []FeedValue `json:"data"`
	Timestamp     int64       `json:"timestamp"`
	VotingRoundID *int64      `json:"votingRoundId,omitempty"`
}

// VolumesRequest is the POST /volumes body.
type VolumesRequest struct {
	Feeds     []FeedRef `json:"feeds"`
	StartTime int64     `json:"startTime"`
	EndTime   int64     `json:"endTime"`
}

// VolumeValue is one feed's entry in a VolumesResponse.
type VolumeValue struct {
	FeedID   string  `json:"feedId"`
	Volume   float64 `json:"volume"`
	Decimals int     `json:"decimals"`
}

// TimeWindow echoes the requested volume window.
type TimeWindow struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// VolumesResponse is the successful POST /volumes body.
type VolumesResponse struct {
	Data       []VolumeValue `json:"data"`
	TimeWindow TimeWindow    `json:"timeWindow"`
}

// HealthResponse is the body for /health, /health/ready, /health/live.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	UptimeMS   int64                      `json:"uptime"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// ComponentHealth is one subsystem's contribution to HealthResponse.
type ComponentHealth struct {
	Status string  `json:"status"`
	Detail string  `json:"detail,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// ErrorResponse is the standardized error body (spec.md §6).
type ErrorResponse struct {
	Error     string   `json:"error"`
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
	RequestID string   `json:"requestId"`
	Reasons   []string `json:"reasons,omitempty"`
}

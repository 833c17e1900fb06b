// Package binance implements the adapter.Protocol hooks for Binance's
// combined-stream WebSocket ticker feed and REST ticker fallback,
// grounded on the mock client in the teacher's internal/data/ws/binance.go
// (envelope shape, symbol handling) generalized onto a real gorilla/websocket
// transport per the adapter runtime's Protocol contract.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/priceoracle/gateway/internal/adapter"
)

const (
	wsBaseURL   = "wss://stream.binance.com:9443/stream"
	restBaseURL = "https://api.binance.com/api/v3/ticker/24hr"
)

// Protocol implements adapter.Protocol for Binance.
type Protocol struct {
	httpClient *http.Client
}

// New returns a Binance protocol hook, ready to be wrapped by
// adapter.NewRuntime.
func New() *Protocol {
	return &Protocol{httpClient: &http.Client{Timeout: 5 * time.Second}}
}

func (p *Protocol) ExchangeID() string { return "binance" }

// SetHTTPClient overrides the REST fallback client, letting callers
// route FetchTickerREST through a rate-limited/circuit-protected
// transport (see internal/net/client).
func (p *Protocol) SetHTTPClient(c *http.Client) { p.httpClient = c }

func (p *Protocol) PingInterval() time.Duration { return 3 * time.Minute }

// NativeSymbol maps "BTC/USD" -> "btcusdt" (Binance quotes USD pairs as
// USDT and lower-cases stream names).
func (p *Protocol) NativeSymbol(canonical string) (string, error) {
	parts := strings.SplitN(canonical, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("binance: malformed symbol %q", canonical)
	}
	quote := parts[1]
	if quote == "USD" {
		quote = "USDT"
	}
	return strings.ToLower(parts[0] + quote), nil
}

type tickerFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol    string `json:"s"`
		LastPrice string `json:"c"`
		Volume    string `json:"v"`
		EventTime int64  `json:"E"`
	} `json:"data"`
}

// DialWS opens the combined-stream socket, subscribes via the query
// string, and runs the read loop until ctx is done or the socket drops.
func (p *Protocol) DialWS(ctx context.Context, symbols []string, emit func(adapter.Tick)) (io.Closer, error) {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, s+"@ticker")
	}
	u := wsBaseURL
	if len(streams) > 0 {
		u = fmt.Sprintf("%s?streams=%s", wsBaseURL, url.QueryEscape(strings.Join(streams, "/")))
	}

	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 5 * time.Second
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: dial failed: %w", err)
	}

	wsConn := &adapter.WSConn{Conn: conn}

	go func() {
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var frame tickerFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			price, perr := strconv.ParseFloat(frame.Data.LastPrice, 64)
			if perr != nil {
				continue
			}
			volume, _ := strconv.ParseFloat(frame.Data.Volume, 64)
			emit(adapter.Tick{
				Symbol:      toCanonical(frame.Data.Symbol),
				Price:       price,
				Volume:      volume,
				TimestampMS: frame.Data.EventTime,
				LatencyMS:   float64(time.Now().UnixMilli() - frame.Data.EventTime),
			})
		}
	}()

	return wsConn, nil
}

// EncodeSubscribe sends a SUBSCRIBE/UNSUBSCRIBE control frame on the
// already-open combined stream socket.
func (p *Protocol) EncodeSubscribe(conn io.Closer, symbols []string, subscribe bool) error {
	wsConn, ok := conn.(*adapter.WSConn)
	if !ok {
		return fmt.Errorf("binance: unexpected connection type %T", conn)
	}
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, s+"@ticker")
	}
	method := "SUBSCRIBE"
	if !subscribe {
		method = "UNSUBSCRIBE"
	}
	req := map[string]any{
		"method": method,
		"params": params,
		"id":     time.Now().UnixNano(),
	}
	return wsConn.Conn.WriteJSON(req)
}

type restTicker struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	Volume      string `json:"volume"`
	CloseTime   int64  `json:"closeTime"`
}

// FetchTickerREST fetches a 24hr ticker snapshot for the given symbols.
func (p *Protocol) FetchTickerREST(ctx context.Context, symbols []string) ([]adapter.Tick, error) {
	native := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n, err := p.NativeSymbol(s)
		if err != nil {
			continue
		}
		native = append(native, strings.ToUpper(n))
	}
	if len(native) == 0 {
		return nil, fmt.Errorf("binance: no valid symbols for REST fetch")
	}

	symbolsJSON, err := json.Marshal(native)
	if err != nil {
		return nil, err
	}
	reqURL := fmt.Sprintf("%s?symbols=%s", restBaseURL, url.QueryEscape(string(symbolsJSON)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: REST request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance: REST status %d", resp.StatusCode)
	}

	var raw []restTicker
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("binance: decode failed: %w", err)
	}

	now := time.Now().UnixMilli()
	ticks := make([]adapter.Tick, 0, len(raw))
	for _, r := range raw {
		price, perr := strconv.ParseFloat(r.LastPrice, 64)
		if perr != nil {
			continue
		}
		volume, _ := strconv.ParseFloat(r.Volume, 64)
		ticks = append(ticks, adapter.Tick{
			Symbol:      toCanonical(r.Symbol),
			Price:       price,
			Volume:      volume,
			TimestampMS: r.CloseTime,
			LatencyMS:   float64(now - r.CloseTime),
		})
	}
	return ticks, nil
}

// toCanonical converts Binance's "BTCUSDT" back to "BTC/USD".
func toCanonical(native string) string {
	upper := strings.ToUpper(native)
	if strings.HasSuffix(upper, "USDT") {
		return upper[:len(upper)-4] + "/USD"
	}
	return upper
}

// Package kraken implements the adapter.Protocol hooks for Kraken's
// public ticker WebSocket channel and REST Ticker endpoint, grounded on
// the teacher's internal/providers/kraken/{client.go,websocket.go} — the
// dialer/header/reconnect shape and the XBT<->BTC pair-name mapping are
// carried over. REST result keys map back to canonical symbols only when
// they equal the requested pair (e.g. XBTUSD); Kraken's X/Z-prefixed keys
// such as XXBTZUSD are not normalized. The retry/ping/bookkeeping logic itself now lives in
// the shared adapter.Runtime instead of being duplicated per exchange.
package kraken

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
	wsURL   = "wss://ws.kraken.com"
	restURL = "https://api.kraken.com/0/public/Ticker"
)

// Protocol implements adapter.Protocol for Kraken.
type Protocol struct {
	httpClient *http.Client
}

// New returns a Kraken protocol hook.
func New() *Protocol {
	return &Protocol{httpClient: &http.Client{Timeout: 5 * time.Second}}
}

func (p *Protocol) ExchangeID() string { return "kraken" }

// SetHTTPClient overrides the REST fallback client, letting callers
// route FetchTickerREST through a rate-limited/circuit-protected
// transport (see internal/net/client).
func (p *Protocol) SetHTTPClient(c *http.Client) { p.httpClient = c }

func (p *Protocol) PingInterval() time.Duration { return 30 * time.Second }

// NativeSymbol maps "BTC/USD" -> "XBT/USD" (Kraken's legacy BTC ticker).
func (p *Protocol) NativeSymbol(canonical string) (string, error) {
	parts := strings.SplitN(canonical, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("kraken: malformed symbol %q", canonical)
	}
	base := parts[0]
	if base == "BTC" {
		base = "XBT"
	}
	return base + "/" + parts[1], nil
}

func toCanonical(native string) string {
	upper := strings.ToUpper(native)
	if strings.HasPrefix(upper, "XBT/") {
		upper = "BTC/" + upper[4:]
	}
	return upper
}

type subscribeMsg struct {
	Event        string   `json:"event"`
	Pair         []string `json:"pair"`
	Subscription struct {
		Name string `json:"name"`
	} `json:"subscription"`
}

// DialWS opens the ticker socket and subscribes to the initial symbol
// set, then runs a read loop that decodes Kraken's heterogeneous
// array-shaped ticker frames, skipping system/heartbeat messages.
func (p *Protocol) DialWS(ctx context.Context, symbols []string, emit func(adapter.Tick)) (io.Closer, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("kraken: invalid url: %w", err)
	}
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 5 * time.Second
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("kraken: dial failed: %w", err)
	}
	wsConn := &adapter.WSConn{Conn: conn}

	if len(symbols) > 0 {
		sub := subscribeMsg{Event: "subscribe", Pair: symbols}
		sub.Subscription.Name = "ticker"
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return nil, fmt.Errorf("kraken: initial subscribe failed: %w", err)
		}
	}

	pairByChannel := make(map[int]string)

	go func() {
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			now := time.Now().UnixMilli()

			// Object frames are control/system/subscriptionStatus messages.
			var obj map[string]any
			if json.Unmarshal(raw, &obj) == nil {
				if ev, _ := obj["event"].(string); ev == "subscriptionStatus" {
					if chID, ok := obj["channelID"].(float64); ok {
						if pair, ok := obj["pair"].(string); ok {
							pairByChannel[int(chID)] = pair
						}
					}
				}
				continue
			}

			var frame []any
			if json.Unmarshal(raw, &frame) != nil || len(frame) < 4 {
				continue
			}
			chID, ok := frame[0].(float64)
			if !ok {
				continue
			}
			channelName, _ := frame[len(frame)-2].(string)
			if channelName != "ticker" {
				continue
			}
			pair, _ := frame[len(frame)-1].(string)
			if pair == "" {
				pair = pairByChannel[int(chID)]
			}
			payload, ok := frame[1].(map[string]any)
			if !ok {
				continue
			}
			price := firstOf(payload, "c")
			volume := firstOf(payload, "v")
			if price <= 0 {
				continue
			}
			emit(adapter.Tick{
				Symbol:      toCanonical(pair),
				Price:       price,
				Volume:      volume,
				TimestampMS: now,
				LatencyMS:   0,
			})
		}
	}()

	return wsConn, nil
}

// firstOf reads Kraken's "[price, lotVolume]" array fields from a ticker
// payload, returning the first element as a float64.
func firstOf(payload map[string]any, key string) float64 {
	arr, ok := payload[key].([]any)
	if !ok || len(arr) == 0 {
		return 0
	}
	s, ok := arr[0].(string)
	if !ok {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// EncodeSubscribe sends a subscribe/unsubscribe event on the live socket.
func (p *Protocol) EncodeSubscribe(conn io.Closer, symbols []string, subscribe bool) error {
	wsConn, ok := conn.(*adapter.WSConn)
	if !ok {
		return fmt.Errorf("kraken: unexpected connection type %T", conn)
	}
	evt := "subscribe"
	if !subscribe {
		evt = "unsubscribe"
	}
	msg := subscribeMsg{Event: evt, Pair: symbols}
	msg.Subscription.Name = "ticker"
	return wsConn.Conn.WriteJSON(msg)
}

type krakenResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

type restTicker struct {
	C []string `json:"c"`
	V []string `json:"v"`
}

// FetchTickerREST batches all symbols into one Ticker request, per
// Kraken's native REST contract (comma-separated pair list).
func (p *Protocol) FetchTickerREST(ctx context.Context, symbols []string) ([]adapter.Tick, error) {
	native := make([]string, 0, len(symbols))
	nativeToCanonical := make(map[string]string, len(symbols))
	for _, s := range symbols {
		n, err := p.NativeSymbol(s)
		if err != nil {
			continue
		}
		krakenPair := strings.ReplaceAll(n, "/", "")
		native = append(native, krakenPair)
		nativeToCanonical[krakenPair] = s
	}
	if len(native) == 0 {
		return nil, fmt.Errorf("kraken: no valid symbols for REST fetch")
	}

	reqURL := fmt.Sprintf("%s?pair=%s", restURL, url.QueryEscape(strings.Join(native, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kraken: REST request failed: %w", err)
	}
	defer resp.Body.Close()

	var kr krakenResponse
	if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
		return nil, fmt.Errorf("kraken: decode failed: %w", err)
	}
	if len(kr.Error) > 0 {
		return nil, fmt.Errorf("kraken: API error: %v", kr.Error)
	}

	now := time.Now().UnixMilli()
	ticks := make([]adapter.Tick, 0, len(kr.Result))
	for pair, raw := range kr.Result {
		var t restTicker
		if json.Unmarshal(raw, &t) != nil || len(t.C) == 0 {
			continue
		}
		price, perr := strconv.ParseFloat(t.C[0], 64)
		if perr != nil {
			continue
		}
		var volume float64
		if len(t.V) > 0 {
			volume, _ = strconv.ParseFloat(t.V[0], 64)
		}
		canonical, ok := nativeToCanonical[pair]
		if !ok {
			canonical = toCanonical(pair)
		}
		ticks = append(ticks, adapter.Tick{
			Symbol:      canonical,
			Price:       price,
			Volume:      volume,
			TimestampMS: now,
		})
	}
	return ticks, nil
}

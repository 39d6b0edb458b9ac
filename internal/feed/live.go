package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantbench/rebalancer/internal/domain"
)

// LiveClient polls an exchange REST API for recent bars. It exists so the
// same engine can later be driven against live data behind a single decision
// cycle; the backtest path never touches it. Requests are rate limited and
// breaker guarded so a degraded venue cannot stall or hammer the loop.
type LiveClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewLiveClient creates a polling client. rps bounds outgoing request rate.
func NewLiveClient(baseURL string, rps float64) *LiveClient {
	return &LiveClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "market-data",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
					Msg("market-data breaker state change")
			},
		}),
	}
}

type candleResponse struct {
	Candles []struct {
		TS     int64   `json:"ts"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume float64 `json:"volume"`
	} `json:"candles"`
}

// Candles fetches up to limit recent bars for an asset.
func (c *LiveClient) Candles(ctx context.Context, asset string, interval string, limit int) ([]domain.Bar, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, asset, interval, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("candles %s: %w", asset, err)
	}
	return result.([]domain.Bar), nil
}

func (c *LiveClient) fetch(ctx context.Context, asset, interval string, limit int) ([]domain.Bar, error) {
	q := url.Values{}
	q.Set("pair", asset)
	q.Set("interval", interval)
	q.Set("limit", fmt.Sprintf("%d", limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/candles?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var body candleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, 0, len(body.Candles))
	for _, cd := range body.Candles {
		bars = append(bars, domain.Bar{
			Timestamp: time.Unix(cd.TS, 0).UTC(),
			Open:      cd.Open,
			High:      cd.High,
			Low:       cd.Low,
			Close:     cd.Close,
			Volume:    cd.Volume,
		})
	}
	return bars, nil
}

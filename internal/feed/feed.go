// Package feed implements the HTTP clients for the external valuation feed
// and volatility signal.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/floorguard/cppi-engine/internal/model"
)

// Client polls an external feed service over HTTP. The feed exposes
// GET {base}/valuations/{positionID} and GET {base}/volatility, both
// returning JSON in the engine's wire types.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a feed client. timeout bounds each request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Valuation fetches the current mark-to-market value for a position.
func (c *Client) Valuation(ctx context.Context, positionID string) (model.Valuation, error) {
	var val model.Valuation
	if err := c.get(ctx, c.baseURL+"/valuations/"+positionID, &val); err != nil {
		return model.Valuation{}, fmt.Errorf("feed: valuation for %s: %w", positionID, err)
	}
	if val.PositionID == "" {
		val.PositionID = positionID
	}
	return val, nil
}

// Signal fetches the market-wide volatility signal.
func (c *Client) Signal(ctx context.Context) (model.VolatilitySignal, error) {
	var sig model.VolatilitySignal
	if err := c.get(ctx, c.baseURL+"/volatility", &sig); err != nil {
		return model.VolatilitySignal{}, fmt.Errorf("feed: volatility signal: %w", err)
	}
	return sig, nil
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

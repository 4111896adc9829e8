// Package pricing adapts external market-price sources behind the Oracle
// interface consumed by the order engine and the matching sweep.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperr "github.com/coinharbor/exchange/pkg/errors"
)

// Oracle fetches the current market price for a trading pair such as
// "BTC-USD", quoted in USD.
type Oracle interface {
	GetPrice(ctx context.Context, coinName string) (decimal.Decimal, error)
}

// coingeckoIDs maps pair symbols to CoinGecko asset ids. Pairs not listed
// fall back to the lowercased base symbol.
var coingeckoIDs = map[string]string{
	"BTC-USD":  "bitcoin",
	"ETH-USD":  "ethereum",
	"XRP-USD":  "ripple",
	"ADA-USD":  "cardano",
	"SOL-USD":  "solana",
	"DOT-USD":  "polkadot",
	"DOGE-USD": "dogecoin",
	"BNB-USD":  "binancecoin",
	"LINK-USD": "chainlink",
	"AVAX-USD": "avalanche-2",
}

func coingeckoID(coinName string) string {
	if id, ok := coingeckoIDs[coinName]; ok {
		return id
	}
	return strings.ToLower(strings.SplitN(coinName, "-", 2)[0])
}

// CoinGeckoClient is the HTTP implementation of Oracle against the CoinGecko
// simple-price endpoint. Every call is bounded by the client timeout; any
// transport failure or missing quote surfaces as ErrPriceUnavailable so
// callers can distinguish it from definitive rejections.
type CoinGeckoClient struct {
	logger  *zap.Logger
	baseURL string
	client  *http.Client
}

// NewCoinGeckoClient creates a new CoinGecko price client.
func NewCoinGeckoClient(logger *zap.Logger, baseURL string, timeout time.Duration) *CoinGeckoClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &CoinGeckoClient{
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// GetPrice fetches the USD quote for a pair.
func (c *CoinGeckoClient) GetPrice(ctx context.Context, coinName string) (decimal.Decimal, error) {
	id := coingeckoID(coinName)

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")
	reqURL := fmt.Sprintf("%s/simple/price?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", apperr.ErrPriceUnavailable, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", apperr.ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: status %d", apperr.ErrPriceUnavailable, resp.StatusCode)
	}

	var body map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", apperr.ErrPriceUnavailable, err)
	}

	price, ok := body[id]["usd"]
	if !ok || price.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: no usd quote for %s", apperr.ErrPriceUnavailable, coinName)
	}
	return price, nil
}

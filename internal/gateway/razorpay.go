package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperr "github.com/coinharbor/exchange/pkg/errors"
	"github.com/coinharbor/exchange/pkg/models"
)

// RazorpayClient creates payment orders against the Razorpay API.
type RazorpayClient struct {
	logger    *zap.Logger
	baseURL   string
	keyID     string
	keySecret string
	client    *http.Client
}

// NewRazorpayClient creates a new Razorpay gateway client.
func NewRazorpayClient(logger *zap.Logger, baseURL, keyID, keySecret string, timeout time.Duration) *RazorpayClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &RazorpayClient{
		logger:    logger,
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyID:     keyID,
		keySecret: keySecret,
		client:    &http.Client{Timeout: timeout},
	}
}

func (c *RazorpayClient) Name() string { return models.GatewayRazorpay }

// CreateIntent creates a payment order. Amounts are sent in minor units and
// the client handle is the order id the frontend checks out with.
func (c *RazorpayClient) CreateIntent(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) (*Intent, error) {
	payload := map[string]interface{}{
		"amount":   amount.Shift(2).Truncate(0).IntPart(),
		"currency": strings.ToUpper(currency),
		"receipt":  fmt.Sprintf("receipt_%s_%d", userID, time.Now().UnixNano()),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/orders", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrProviderUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: razorpay status %d", apperr.ErrProviderUnavailable, resp.StatusCode)
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrProviderUnavailable, err)
	}
	if body.ID == "" {
		return nil, fmt.Errorf("%w: razorpay returned no order id", apperr.ErrProviderUnavailable)
	}
	return &Intent{GatewayID: body.ID, ClientHandle: body.ID}, nil
}

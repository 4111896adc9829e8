package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperr "github.com/coinharbor/exchange/pkg/errors"
	"github.com/coinharbor/exchange/pkg/models"
)

// StripeClient creates payment intents against the Stripe API.
type StripeClient struct {
	logger    *zap.Logger
	baseURL   string
	secretKey string
	client    *http.Client
}

// NewStripeClient creates a new Stripe gateway client.
func NewStripeClient(logger *zap.Logger, baseURL, secretKey string, timeout time.Duration) *StripeClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &StripeClient{
		logger:    logger,
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
	}
}

func (c *StripeClient) Name() string { return models.GatewayStripe }

// CreateIntent creates a payment intent. Amounts are sent in minor units.
func (c *StripeClient) CreateIntent(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) (*Intent, error) {
	form := url.Values{}
	form.Set("amount", amount.Shift(2).Truncate(0).String())
	form.Set("currency", strings.ToLower(currency))
	form.Set("metadata[userId]", userID.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrProviderUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: stripe status %d", apperr.ErrProviderUnavailable, resp.StatusCode)
	}

	var body struct {
		ID           string `json:"id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrProviderUnavailable, err)
	}
	if body.ID == "" {
		return nil, fmt.Errorf("%w: stripe returned no intent id", apperr.ErrProviderUnavailable)
	}
	return &Intent{GatewayID: body.ID, ClientHandle: body.ClientSecret}, nil
}

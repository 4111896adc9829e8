package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	apperr "github.com/coinharbor/exchange/pkg/errors"
)

// errCodeAssetExists is the provider error code returned when a vault asset
// was already created for the account; the deposit address must then be
// fetched instead of created.
const errCodeAssetExists = 1026

// Client is the HTTP implementation of Provisioner against a Fireblocks-style
// sandbox API.
type Client struct {
	logger  *zap.Logger
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a new custody provider client.
func NewClient(logger *zap.Logger, baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type vaultAccount struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type vaultAccountsPage struct {
	Accounts []vaultAccount `json:"accounts"`
}

type providerError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// GetOrCreateVaultAccount finds the vault account named exactly name, or
// creates one when none exists.
func (c *Client) GetOrCreateVaultAccount(ctx context.Context, name string) (string, error) {
	q := url.Values{}
	q.Set("namePrefix", name)

	var page vaultAccountsPage
	if err := c.do(ctx, http.MethodGet, "/v1/vault/accounts_paged?"+q.Encode(), nil, &page); err != nil {
		return "", err
	}
	for _, acct := range page.Accounts {
		if strings.EqualFold(acct.Name, name) {
			return acct.ID, nil
		}
	}

	body := map[string]interface{}{"name": name, "autoFuel": false, "hiddenOnUI": false}
	var created vaultAccount
	if err := c.do(ctx, http.MethodPost, "/v1/vault/accounts", body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("%w: vault account created without id", apperr.ErrProviderUnavailable)
	}
	return created.ID, nil
}

type vaultAsset struct {
	Address string `json:"address"`
}

// GetOrCreateDepositAddress creates the vault asset for the account and
// returns its deposit address. When the asset already exists the provider
// rejects the create with a known code and the existing address is fetched.
func (c *Client) GetOrCreateDepositAddress(ctx context.Context, vaultAccountID, assetID string) (string, error) {
	path := fmt.Sprintf("/v1/vault/accounts/%s/%s", vaultAccountID, assetID)

	var asset vaultAsset
	err := c.do(ctx, http.MethodPost, path, map[string]interface{}{}, &asset)
	if err != nil {
		var perr *apiError
		if errors.As(err, &perr) && perr.code == errCodeAssetExists {
			var addrs []vaultAsset
			if err := c.do(ctx, http.MethodGet, path+"/addresses", nil, &addrs); err != nil {
				return "", err
			}
			if len(addrs) == 0 {
				return "", fmt.Errorf("%w: no deposit address for existing asset", apperr.ErrProviderUnavailable)
			}
			return normalizeAddress(addrs[0].Address), nil
		}
		return "", err
	}
	if asset.Address == "" {
		return "", fmt.Errorf("%w: empty deposit address", apperr.ErrProviderUnavailable)
	}
	return normalizeAddress(asset.Address), nil
}

// SupportedAssets lists the provider's supported assets.
func (c *Client) SupportedAssets(ctx context.Context) ([]Asset, error) {
	var assets []Asset
	if err := c.do(ctx, http.MethodGet, "/v1/supported_assets", nil, &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// apiError carries a structured provider rejection through the error chain.
type apiError struct {
	status  int
	code    int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider rejected request: status=%d code=%d %s", e.status, e.code, e.message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrProviderUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var perr providerError
		_ = json.NewDecoder(resp.Body).Decode(&perr)
		if strings.Contains(strings.ToLower(perr.Message), "deprecated") {
			return fmt.Errorf("%s: %w", perr.Message, apperr.ErrAssetDeprecated)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", apperr.ErrProviderUnavailable, resp.StatusCode)
		}
		return &apiError{status: resp.StatusCode, code: perr.Code, message: perr.Message}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: %v", apperr.ErrProviderUnavailable, err)
		}
	}
	return nil
}

// normalizeAddress strips the provider's optional "tag:" prefix.
func normalizeAddress(addr string) string {
	if i := strings.Index(addr, ":"); i >= 0 {
		return strings.TrimSpace(addr[i+1:])
	}
	return strings.TrimSpace(addr)
}

// Package custody adapts the external vaulting provider behind the
// Provisioner interface. The provider owns vault accounts and deposit
// addresses; uniqueness of addresses across wallets is enforced by the
// wallet service at creation time, not here.
package custody

import "context"

// Asset describes one asset supported by the custody provider.
type Asset struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	NativeAsset string `json:"nativeAsset"`
	Deprecated  bool   `json:"deprecated"`
}

// Provisioner obtains vault accounts and deposit addresses from the custody
// provider. All calls are bounded by the client timeout; transport failures
// surface as ErrProviderUnavailable and deprecated assets as
// ErrAssetDeprecated.
type Provisioner interface {
	GetOrCreateVaultAccount(ctx context.Context, name string) (string, error)
	GetOrCreateDepositAddress(ctx context.Context, vaultAccountID, assetID string) (string, error)
	SupportedAssets(ctx context.Context) ([]Asset, error)
}

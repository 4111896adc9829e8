// Package gateway integrates the fiat payment providers: outbound payment
// intent creation and inbound webhook signature verification.
package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Intent is the result of creating a payment with a provider. GatewayID is
// the provider-side id used as the idempotency key for the webhook that
// later finalizes the deposit; ClientHandle is returned to the frontend to
// drive the payment flow (client secret, order id).
type Intent struct {
	GatewayID    string
	ClientHandle string
}

// Client creates payment intents with one provider.
type Client interface {
	Name() string
	CreateIntent(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) (*Intent, error)
}

package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperr "github.com/coinharbor/exchange/pkg/errors"
)

// DefaultSignatureTolerance bounds how old a signed webhook timestamp may be.
const DefaultSignatureTolerance = 5 * time.Minute

// VerifyStripeSignature checks a Stripe-Signature header
// ("t=<unix>,v1=<hex>") against the raw payload. The signed material is
// "<t>.<payload>". Verification failures and stale timestamps both return
// ErrWebhookSignature; callers reject without touching any state.
func VerifyStripeSignature(payload []byte, header, secret string, tolerance time.Duration) error {
	if tolerance == 0 {
		tolerance = DefaultSignatureTolerance
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("malformed signature header: %w", apperr.ErrWebhookSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed signature timestamp: %w", apperr.ErrWebhookSignature)
	}
	age := time.Since(time.Unix(unix, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("signature timestamp outside tolerance: %w", apperr.ErrWebhookSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range sigs {
		got, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, got) {
			return nil
		}
	}
	return apperr.ErrWebhookSignature
}

// VerifyRazorpaySignature checks the X-Razorpay-Signature header: a hex
// HMAC-SHA256 of the raw body.
func VerifyRazorpaySignature(payload []byte, signature, secret string) error {
	return verifyBodyHMAC(payload, signature, secret)
}

// VerifyBankSignature checks the X-Bank-Signature header sent by the payout
// processor. Same scheme as Razorpay: a hex HMAC-SHA256 of the raw body.
func VerifyBankSignature(payload []byte, signature, secret string) error {
	return verifyBodyHMAC(payload, signature, secret)
}

func verifyBodyHMAC(payload []byte, signature, secret string) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", apperr.ErrWebhookSignature)
	}
	if !hmac.Equal(expected, got) {
		return apperr.ErrWebhookSignature
	}
	return nil
}

// SignStripePayload produces a Stripe-Signature header for a payload. Used by
// tests and local tooling to exercise the webhook path.
func SignStripePayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// SignRazorpayPayload produces an X-Razorpay-Signature value for a payload.
func SignRazorpayPayload(payload []byte, secret string) string {
	return signBodyHMAC(payload, secret)
}

// SignBankPayload produces an X-Bank-Signature value for a payload.
func SignBankPayload(payload []byte, secret string) string {
	return signBodyHMAC(payload, secret)
}

func signBodyHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

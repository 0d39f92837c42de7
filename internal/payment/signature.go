package payment

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
)

// SignatureHeader carries the notification signature in Stripe's form
// "t=<unix seconds>,v1=<hex hmac>[,v1=...]".
const SignatureHeader = "Stripe-Signature"

// Sign builds a signature header value for payload at ts.
func Sign(secret string, ts time.Time, payload []byte) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	}).Header
}

// Verify checks header against payload. tolerance bounds the accepted age of
// the timestamp relative to now; zero disables the age check. Every failure
// wraps apperr.ErrInvalidSignature.
func Verify(secret, header string, payload []byte, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("webhook secret not configured: %w", apperr.ErrInvalidSignature)
	}
	if err := webhook.ValidatePayloadIgnoringTolerance(payload, header, secret); err != nil {
		return fmt.Errorf("%v: %w", err, apperr.ErrInvalidSignature)
	}
	if tolerance <= 0 {
		return nil
	}
	signed, err := signedAt(header)
	if err != nil {
		return err
	}
	if age := now.Sub(signed); age > tolerance || age < -tolerance {
		return fmt.Errorf("signature timestamp outside tolerance: %w", apperr.ErrInvalidSignature)
	}
	return nil
}

// signedAt reads the t= element. The SDK checks age against the wall clock,
// so the window is enforced here against the injected one.
func signedAt(header string) (time.Time, error) {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k != "t" {
			continue
		}
		unix, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			break
		}
		return time.Unix(unix, 0), nil
	}
	return time.Time{}, fmt.Errorf("bad signature timestamp: %w", apperr.ErrInvalidSignature)
}

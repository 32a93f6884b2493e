package middleware

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pgstay/backend/internal/gateway"
	"github.com/pgstay/backend/internal/models"
)

const ctxWebhookKey contextKey = "webhook"

// MaxWebhookBytes bounds the provider payload read into memory.
const MaxWebhookBytes = 1 << 20

// SignatureHeaders names the header each provider signs its webhook with.
var SignatureHeaders = map[models.GatewayProvider]string{
	models.ProviderRazorpay: "X-Razorpay-Signature",
	models.ProviderStripe:   "Stripe-Signature",
	models.ProviderCashfree: "X-Webhook-Signature",
	models.ProviderPayU:     "X-PayU-Signature",
}

// Webhook is the raw delivery as read by WebhookBody.
type Webhook struct {
	Provider       models.GatewayProvider
	Body           []byte
	Signature      string
	SignatureValid bool
}

type PayloadChecker interface {
	Validate(provider models.GatewayProvider, payload []byte) error
}

// WebhookBody reads the provider webhook for the {provider} path segment, verifies its signature
// against secret(provider) and validates the body shape. The raw body is kept in the context and
// restored on r.Body. A bad signature is recorded, not rejected, so the delivery is still logged.
func WebhookBody(secret func(models.GatewayProvider) []byte, checker PayloadChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provider := models.GatewayProvider(r.PathValue("provider"))
			if !provider.Valid() {
				http.Error(w, fmt.Sprintf(`{"error":"unknown provider %q"}`, provider), http.StatusNotFound)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBytes+1))
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			if len(body) > MaxWebhookBytes {
				http.Error(w, `{"error":"payload too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(body))

			if checker != nil {
				if err := checker.Validate(provider, body); err != nil {
					http.Error(w, `{"error":"payload does not match provider schema"}`, http.StatusBadRequest)
					return
				}
			}
			sig := r.Header.Get(SignatureHeaders[provider])
			hook := &Webhook{
				Provider:       provider,
				Body:           body,
				Signature:      sig,
				SignatureValid: gateway.VerifySignature(provider, secret(provider), body, sig),
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxWebhookKey, hook)))
		})
	}
}

// WebhookFromCtx returns the delivery read by WebhookBody, or nil.
func WebhookFromCtx(ctx context.Context) *Webhook {
	h, _ := ctx.Value(ctxWebhookKey).(*Webhook)
	return h
}

// WithWebhook returns a context carrying the given delivery.
func WithWebhook(ctx context.Context, h *Webhook) context.Context {
	return context.WithValue(ctx, ctxWebhookKey, h)
}

package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/pgstay/backend/internal/models"
)

// VerifySignature checks an HMAC-SHA256 webhook signature. Stripe sends "t=<ts>,v1=<hex>" and signs
// "<ts>.<payload>"; the other providers send the bare hex digest of the payload.
func VerifySignature(provider models.GatewayProvider, secret, payload []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	signed := payload
	if provider == models.ProviderStripe {
		var ts string
		var sigs []string
		for _, part := range strings.Split(signature, ",") {
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
			return false
		}
		signed = append([]byte(ts+"."), payload...)
		for _, s := range sigs {
			if hmacEqual(secret, signed, s) {
				return true
			}
		}
		return false
	}
	return hmacEqual(secret, signed, signature)
}

func hmacEqual(secret, msg []byte, hexSig string) bool {
	want, err := hex.DecodeString(strings.TrimSpace(hexSig))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign produces the bare hex signature the non-Stripe providers send.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ProviderEvent is the normalized view of a provider webhook body.
type ProviderEvent struct {
	EventID      string
	EventType    string
	OrderID      string
	PaymentID    string
	Status       string
	ErrorCode    string
	ErrorMessage string
	Fee          *decimal.Decimal
	Tax          *decimal.Decimal
	Method       *models.MethodDetail
}

// Extract pulls the fields the engine cares about out of a provider payload.
func Extract(provider models.GatewayProvider, payload []byte) ProviderEvent {
	doc := gjson.ParseBytes(payload)
	var ev ProviderEvent
	switch provider {
	case models.ProviderRazorpay:
		p := doc.Get("payload.payment.entity")
		ev = ProviderEvent{
			EventID:      doc.Get("id").String(),
			EventType:    doc.Get("event").String(),
			OrderID:      p.Get("order_id").String(),
			PaymentID:    p.Get("id").String(),
			Status:       p.Get("status").String(),
			ErrorCode:    p.Get("error_code").String(),
			ErrorMessage: p.Get("error_description").String(),
			Fee:          minorUnits(p.Get("fee")),
			Tax:          minorUnits(p.Get("tax")),
		}
		ev.Method = razorpayMethod(p)
	case models.ProviderStripe:
		o := doc.Get("data.object")
		ev = ProviderEvent{
			EventID:      doc.Get("id").String(),
			EventType:    doc.Get("type").String(),
			PaymentID:    o.Get("id").String(),
			Status:       o.Get("status").String(),
			ErrorCode:    o.Get("last_payment_error.code").String(),
			ErrorMessage: o.Get("last_payment_error.message").String(),
		}
	case models.ProviderCashfree:
		d := doc.Get("data")
		ev = ProviderEvent{
			EventType:    doc.Get("type").String(),
			OrderID:      d.Get("order.order_id").String(),
			PaymentID:    d.Get("payment.cf_payment_id").String(),
			Status:       d.Get("payment.payment_status").String(),
			ErrorCode:    d.Get("error_details.error_code").String(),
			ErrorMessage: d.Get("error_details.error_description").String(),
		}
	case models.ProviderPayU:
		ev = ProviderEvent{
			EventType:    "payment." + doc.Get("status").String(),
			OrderID:      doc.Get("txnid").String(),
			PaymentID:    doc.Get("mihpayid").String(),
			Status:       doc.Get("status").String(),
			ErrorCode:    doc.Get("error").String(),
			ErrorMessage: doc.Get("error_Message").String(),
			Fee:          majorUnits(doc.Get("additionalCharges")),
		}
	}
	return ev
}

func minorUnits(r gjson.Result) *decimal.Decimal {
	if !r.Exists() {
		return nil
	}
	d := decimal.NewFromInt(r.Int()).Shift(-2)
	return &d
}

func majorUnits(r gjson.Result) *decimal.Decimal {
	if !r.Exists() || r.String() == "" {
		return nil
	}
	d, err := decimal.NewFromString(r.String())
	if err != nil {
		return nil
	}
	return &d
}

func razorpayMethod(p gjson.Result) *models.MethodDetail {
	switch p.Get("method").String() {
	case "card":
		return &models.MethodDetail{Method: models.MethodCard, Card: &models.CardDetail{
			Network: p.Get("card.network").String(),
			Last4:   p.Get("card.last4").String(),
			Issuer:  p.Get("card.issuer").String(),
		}}
	case "netbanking":
		return &models.MethodDetail{Method: models.MethodBank, Bank: &models.BankDetail{BankCode: p.Get("bank").String()}}
	case "upi":
		return &models.MethodDetail{Method: models.MethodUPI, UPI: &models.UPIDetail{VPA: p.Get("vpa").String()}}
	case "wallet":
		return &models.MethodDetail{Method: models.MethodWallet, Wallet: &models.WalletDetail{Wallet: p.Get("wallet").String()}}
	}
	return nil
}

// MapStatus translates a provider status (or, for Stripe failures, the event type) into the
// engine's gateway status. ok is false when the event carries no status change.
func MapStatus(provider models.GatewayProvider, status, eventType string) (models.GatewayStatus, bool) {
	switch provider {
	case models.ProviderRazorpay:
		switch status {
		case "created":
			return models.GatewayPending, true
		case "authorized":
			return models.GatewayProcessing, true
		case "captured":
			return models.GatewaySuccess, true
		case "failed":
			return models.GatewayFailed, true
		case "refunded":
			return models.GatewayRefunded, true
		}
	case models.ProviderStripe:
		if eventType == "payment_intent.payment_failed" {
			return models.GatewayFailed, true
		}
		switch {
		case status == "processing":
			return models.GatewayProcessing, true
		case status == "succeeded":
			return models.GatewaySuccess, true
		case status == "canceled":
			return models.GatewayCancelled, true
		case strings.HasPrefix(status, "requires_"):
			return models.GatewayPending, true
		}
	case models.ProviderCashfree:
		switch status {
		case "SUCCESS":
			return models.GatewaySuccess, true
		case "FAILED":
			return models.GatewayFailed, true
		case "PENDING":
			return models.GatewayPending, true
		case "USER_DROPPED", "CANCELLED":
			return models.GatewayCancelled, true
		}
	case models.ProviderPayU:
		switch status {
		case "success":
			return models.GatewaySuccess, true
		case "failure", "failed":
			return models.GatewayFailed, true
		case "pending":
			return models.GatewayPending, true
		case "userCancelled":
			return models.GatewayCancelled, true
		}
	}
	return "", false
}

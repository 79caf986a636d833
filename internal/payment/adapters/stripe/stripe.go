// Package stripe adapts Stripe's charge API and webhook deliveries to the
// engine's payment boundary.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/bolton/internal/payment/domain"
	"go.uber.org/zap"
)

const providerName = "stripe"

// signatureTolerance bounds how old a signed delivery may be before it is
// rejected as a possible replay.
const signatureTolerance = 5 * time.Minute

type Adapter struct {
	log    *zap.Logger
	secret string
	now    func() time.Time
}

func NewAdapter(log *zap.Logger, secret string) *Adapter {
	return &Adapter{
		log:    log.Named("payment.stripe"),
		secret: secret,
		now:    time.Now,
	}
}

func (a *Adapter) Provider() string { return providerName }

// Verify checks the Stripe-Signature header: HMAC-SHA256 over "<t>.<body>"
// with the endpoint secret, constant-time compared, with a replay window.
func (a *Adapter) Verify(ctx context.Context, header http.Header, body []byte) error {
	if a.secret == "" {
		return paymentdomain.ErrInvalidSignature
	}
	sigHeader := header.Get("Stripe-Signature")
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(sigHeader, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return paymentdomain.ErrInvalidSignature
	}

	epoch, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	signedAt := time.Unix(epoch, 0)
	if a.now().Sub(signedAt) > signatureTolerance {
		return paymentdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(expected), []byte(signature)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID       string `json:"id"`
			Amount   int64  `json:"amount"`
			Currency string `json:"currency"`
			Metadata struct {
				CorrelationID string `json:"correlation_id"`
			} `json:"metadata"`
			FailureCode string `json:"failure_code"`
		} `json:"object"`
	} `json:"data"`
}

func (a *Adapter) Parse(ctx context.Context, body []byte) (paymentdomain.PaymentEvent, error) {
	var raw stripeEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return paymentdomain.PaymentEvent{}, paymentdomain.ErrMalformedPayload
	}
	if raw.ID == "" {
		return paymentdomain.PaymentEvent{}, paymentdomain.ErrMalformedPayload
	}

	event := paymentdomain.PaymentEvent{
		Provider:      providerName,
		ExternalID:    raw.ID,
		CorrelationID: raw.Data.Object.Metadata.CorrelationID,
		GatewayRef:    raw.Data.Object.ID,
		Amount:        raw.Data.Object.Amount,
		Currency:      strings.ToUpper(raw.Data.Object.Currency),
		FailureCode:   raw.Data.Object.FailureCode,
		OccurredAt:    time.Unix(raw.Created, 0).UTC(),
		Raw:           body,
	}

	switch raw.Type {
	case "payment_intent.succeeded", "charge.succeeded":
		event.Type = paymentdomain.EventPaymentSucceeded
	case "payment_intent.payment_failed", "charge.failed":
		event.Type = paymentdomain.EventPaymentFailed
	case "charge.refunded", "refund.created":
		event.Type = paymentdomain.EventRefundCompleted
	case "customer.subscription.updated":
		event.Type = paymentdomain.EventSubscriptionUpdated
	case "customer.subscription.deleted":
		event.Type = paymentdomain.EventSubscriptionDeleted
	default:
		a.log.Debug("ignoring webhook type", zap.String("type", raw.Type))
		event.Type = paymentdomain.EventIgnored
	}
	return event, nil
}

// Gateway is the synchronous charge side. Without provider credentials it is
// not constructed; the sandbox gateway is wired instead.
type Gateway struct {
	log    *zap.Logger
	secret string
	client *http.Client
}

func NewGateway(log *zap.Logger, secret string) *Gateway {
	return &Gateway{
		log:    log.Named("payment.stripe"),
		secret: secret,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (g *Gateway) Name() string { return providerName }

func (g *Gateway) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	result, err := g.post(ctx, "https://api.stripe.com/v1/payment_intents", map[string]string{
		"amount":                             strconv.FormatInt(req.Amount, 10),
		"currency":                           strings.ToLower(req.Currency),
		"confirm":                            "true",
		"description":                        req.Description,
		"metadata[correlation_id]":           req.CorrelationID,
		"metadata[tenant_id]":                req.TenantID.String(),
		"metadata[instance_id]":              req.InstanceID.String(),
		"automatic_payment_methods[enabled]": "true",
	})
	if err != nil {
		return paymentdomain.ChargeResult{}, err
	}
	return result, nil
}

// CreateRecurring is not offered: the engine schedules its own renewal
// charges, and a provider-managed subscription alongside them would
// double-bill the tenant.
func (g *Gateway) CreateRecurring(ctx context.Context, req paymentdomain.RecurringRequest) (paymentdomain.RecurringResult, error) {
	return paymentdomain.RecurringResult{}, paymentdomain.ErrRecurringUnsupported
}

func (g *Gateway) Refund(ctx context.Context, req paymentdomain.RefundRequest) (paymentdomain.RefundResult, error) {
	result, err := g.post(ctx, "https://api.stripe.com/v1/refunds", map[string]string{
		"payment_intent":           req.GatewayRef,
		"amount":                   strconv.FormatInt(req.Amount, 10),
		"metadata[correlation_id]": req.CorrelationID,
	})
	if err != nil {
		return paymentdomain.RefundResult{}, err
	}
	return paymentdomain.RefundResult{Status: result.Status, GatewayRef: result.GatewayRef}, nil
}

func (g *Gateway) post(ctx context.Context, endpoint string, form map[string]string) (paymentdomain.ChargeResult, error) {
	values := url.Values{}
	for key, value := range form {
		if value == "" {
			continue
		}
		values.Set(key, value)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return paymentdomain.ChargeResult{}, err
	}
	request.Header.Set("Authorization", "Bearer "+g.secret)
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := g.client.Do(request)
	if err != nil {
		return paymentdomain.ChargeResult{}, fmt.Errorf("%w: %v", paymentdomain.ErrGatewayFailure, err)
	}
	defer response.Body.Close()

	var payload struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		LastError struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"last_payment_error"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return paymentdomain.ChargeResult{}, fmt.Errorf("%w: decode: %v", paymentdomain.ErrGatewayFailure, err)
	}
	if response.StatusCode >= 500 {
		return paymentdomain.ChargeResult{}, fmt.Errorf("%w: status %d", paymentdomain.ErrGatewayFailure, response.StatusCode)
	}

	result := paymentdomain.ChargeResult{GatewayRef: payload.ID}
	switch payload.Status {
	case "succeeded":
		result.Status = paymentdomain.ChargeSucceeded
	case "processing", "requires_action":
		result.Status = paymentdomain.ChargePending
	default:
		result.Status = paymentdomain.ChargeFailed
		result.FailureCode = payload.LastError.Code
		result.FailureMessage = payload.LastError.Message
	}
	return result, nil
}

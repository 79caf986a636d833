// Package sandbox is the development gateway: every charge succeeds unless the
// request opts into a simulated decline. It keeps local environments free of
// provider credentials.
package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	paymentdomain "github.com/smallbiznis/bolton/internal/payment/domain"
	"go.uber.org/zap"
)

const providerName = "sandbox"

// Charges with metadata["simulate"] == "decline" fail deterministically, which
// is how the retry and suspension paths are exercised end to end in dev.
type Gateway struct {
	log *zap.Logger
}

func NewGateway(log *zap.Logger) *Gateway {
	return &Gateway{log: log.Named("payment.sandbox")}
}

func (g *Gateway) Name() string { return providerName }

func (g *Gateway) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	if simulate, _ := req.Metadata["simulate"].(string); simulate == "decline" {
		return paymentdomain.ChargeResult{
			Status:         paymentdomain.ChargeFailed,
			GatewayRef:     "sandbox_" + uuid.NewString(),
			FailureCode:    "card_declined",
			FailureMessage: "simulated decline",
		}, nil
	}
	g.log.Debug("sandbox charge accepted",
		zap.String("correlation_id", req.CorrelationID),
		zap.Int64("amount", req.Amount),
	)
	return paymentdomain.ChargeResult{
		Status:     paymentdomain.ChargeSucceeded,
		GatewayRef: "sandbox_" + uuid.NewString(),
	}, nil
}

// CreateRecurring mirrors the production gateways: the engine owns the
// renewal schedule, so provider-managed subscriptions are not offered.
func (g *Gateway) CreateRecurring(ctx context.Context, req paymentdomain.RecurringRequest) (paymentdomain.RecurringResult, error) {
	return paymentdomain.RecurringResult{}, paymentdomain.ErrRecurringUnsupported
}

func (g *Gateway) Refund(ctx context.Context, req paymentdomain.RefundRequest) (paymentdomain.RefundResult, error) {
	return paymentdomain.RefundResult{
		Status:     paymentdomain.ChargeSucceeded,
		GatewayRef: "sandbox_refund_" + uuid.NewString(),
	}, nil
}

// Adapter accepts deliveries without signature checks and parses the engine's
// normalized event shape directly, so dev tooling can post outcomes by hand.
type Adapter struct{}

func (Adapter) Provider() string { return providerName }

func (Adapter) Verify(ctx context.Context, header http.Header, body []byte) error { return nil }

func (Adapter) Parse(ctx context.Context, body []byte) (paymentdomain.PaymentEvent, error) {
	var raw struct {
		ID            string `json:"id"`
		Type          string `json:"type"`
		CorrelationID string `json:"correlation_id"`
		GatewayRef    string `json:"gateway_ref"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		FailureCode   string `json:"failure_code"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return paymentdomain.PaymentEvent{}, paymentdomain.ErrMalformedPayload
	}
	if raw.ID == "" {
		return paymentdomain.PaymentEvent{}, paymentdomain.ErrMalformedPayload
	}

	event := paymentdomain.PaymentEvent{
		Provider:      providerName,
		ExternalID:    raw.ID,
		CorrelationID: raw.CorrelationID,
		GatewayRef:    raw.GatewayRef,
		Amount:        raw.Amount,
		Currency:      raw.Currency,
		FailureCode:   raw.FailureCode,
		OccurredAt:    time.Now().UTC(),
		Raw:           body,
	}
	switch raw.Type {
	case paymentdomain.EventPaymentSucceeded, paymentdomain.EventPaymentFailed, paymentdomain.EventRefundCompleted:
		event.Type = raw.Type
	default:
		event.Type = paymentdomain.EventIgnored
	}
	return event, nil
}

// Package webhook ingests asynchronous gateway notifications and reconciles
// them against pending billing transactions.
package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bolton/internal/billing/processor"
	"github.com/smallbiznis/bolton/internal/clock"
	paymentdomain "github.com/smallbiznis/bolton/internal/payment/domain"
	"github.com/smallbiznis/bolton/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Factory   paymentdomain.AdapterFactory
	Processor *processor.Processor
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	factory   paymentdomain.AdapterFactory
	processor *processor.Processor
}

func NewService(p ServiceParam) paymentdomain.WebhookService {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("payment.webhook"),
		genID:     p.GenID,
		clock:     p.Clock,
		factory:   p.Factory,
		processor: p.Processor,
	}
}

// Ingest verifies, deduplicates, and applies one provider delivery. Redelivered
// events hit the (provider, external_id) unique index and return
// ErrDuplicateDelivery, which handlers acknowledge with a 2xx.
func (s *Service) Ingest(ctx context.Context, provider string, header map[string][]string, body []byte) error {
	adapter, err := s.factory.Adapter(provider)
	if err != nil {
		return err
	}
	if err := adapter.Verify(ctx, http.Header(header), body); err != nil {
		return err
	}
	event, err := adapter.Parse(ctx, body)
	if err != nil {
		return err
	}
	if event.Type == paymentdomain.EventIgnored {
		return nil
	}

	record := &paymentdomain.EventRecord{
		ID:            s.genID.Generate(),
		Provider:      event.Provider,
		ExternalID:    event.ExternalID,
		EventType:     event.Type,
		CorrelationID: event.CorrelationID,
		GatewayRef:    event.GatewayRef,
		Amount:        event.Amount,
		Currency:      event.Currency,
		Payload:       datatypes.JSONMap{"raw": string(event.Raw)},
		CreatedAt:     s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			s.log.Debug("duplicate delivery acknowledged",
				zap.String("provider", event.Provider),
				zap.String("external_id", event.ExternalID),
			)
			return paymentdomain.ErrDuplicateDelivery
		}
		return err
	}

	if err := s.apply(ctx, event); err != nil {
		return err
	}

	now := s.clock.Now()
	return s.markProcessed(ctx, record.ID, now)
}

func (s *Service) apply(ctx context.Context, event paymentdomain.PaymentEvent) error {
	if event.CorrelationID == "" {
		s.log.Warn("webhook event without correlation id",
			zap.String("provider", event.Provider),
			zap.String("external_id", event.ExternalID),
		)
		return nil
	}
	switch event.Type {
	case paymentdomain.EventPaymentSucceeded:
		return s.processor.FinalizeSuccess(ctx, event.CorrelationID, event.GatewayRef)
	case paymentdomain.EventPaymentFailed:
		return s.processor.FinalizeFailure(ctx, event.CorrelationID, event.FailureCode)
	case paymentdomain.EventSubscriptionUpdated, paymentdomain.EventSubscriptionDeleted:
		// The engine owns its renewal schedule; provider-managed subscription
		// notices are stored for audit but change no instance state.
		s.log.Info("subscription notice recorded",
			zap.String("type", event.Type),
			zap.String("correlation_id", event.CorrelationID),
		)
		return nil
	case paymentdomain.EventRefundCompleted:
		// Provider-initiated refunds (disputes, support console) arrive here
		// already settled; record them without calling the gateway back.
		s.log.Info("provider refund observed",
			zap.String("correlation_id", event.CorrelationID),
			zap.Int64("amount", event.Amount),
		)
		return nil
	default:
		return nil
	}
}

func (s *Service) markProcessed(ctx context.Context, id snowflake.ID, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&paymentdomain.EventRecord{}).
		Where("id = ?", id).
		Update("processed_at", at).Error
}

// Package adapters selects the gateway and webhook adapters for the configured
// payment provider.
package adapters

import (
	"strings"

	"github.com/smallbiznis/bolton/internal/config"
	"github.com/smallbiznis/bolton/internal/payment/adapters/sandbox"
	"github.com/smallbiznis/bolton/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/bolton/internal/payment/domain"
	"go.uber.org/zap"
)

type Registry struct {
	adapters map[string]paymentdomain.PaymentAdapter
}

func NewRegistry(log *zap.Logger, cfg config.Config) *Registry {
	registry := &Registry{adapters: map[string]paymentdomain.PaymentAdapter{}}
	registry.adapters[sandbox.Adapter{}.Provider()] = sandbox.Adapter{}
	if cfg.GatewaySecret != "" {
		stripeAdapter := stripe.NewAdapter(log, cfg.GatewaySecret)
		registry.adapters[stripeAdapter.Provider()] = stripeAdapter
	}
	return registry
}

func (r *Registry) Adapter(provider string) (paymentdomain.PaymentAdapter, error) {
	adapter, ok := r.adapters[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, paymentdomain.ErrUnknownProvider
	}
	return adapter, nil
}

// NewGateway picks the configured charge gateway. Anything without credentials
// falls back to the sandbox so dev environments stay self-contained.
func NewGateway(log *zap.Logger, cfg config.Config) paymentdomain.Gateway {
	provider := strings.ToLower(strings.TrimSpace(cfg.GatewayProvider))
	if provider == "stripe" && cfg.GatewaySecret != "" {
		return stripe.NewGateway(log, cfg.GatewaySecret)
	}
	return sandbox.NewGateway(log)
}

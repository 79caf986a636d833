package payment

import (
	"github.com/smallbiznis/bolton/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/bolton/internal/payment/domain"
	"github.com/smallbiznis/bolton/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	fx.Provide(adapters.NewGateway),
	fx.Provide(
		fx.Annotate(adapters.NewRegistry, fx.As(new(paymentdomain.AdapterFactory))),
	),
	fx.Provide(webhook.NewService),
)

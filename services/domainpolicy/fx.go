package domainpolicy

import (
	"go.uber.org/fx"
)

var Module = fx.Module("domainpolicy.module",
	fx.Provide(
		NewService,
	),
)

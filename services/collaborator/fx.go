package collaborator

import (
	"go.uber.org/fx"
)

var Module = fx.Module("collaborator.module",
	fx.Provide(
		NewProfileClient,
		NewJobClient,
	),
)

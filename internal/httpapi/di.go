package httpapi

import (
	"github.com/foxseedlab/partyroom/internal/config"
	"github.com/foxseedlab/partyroom/internal/gateway"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Handler, error) {
		return NewHandler(do.MustInvoke[*config.Config](i), do.MustInvoke[*gateway.Hub](i)), nil
	})
}

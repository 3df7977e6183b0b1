package signaling

import (
	"github.com/foxseedlab/partyroom/internal/broadcast"
	"github.com/foxseedlab/partyroom/internal/registry"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Relay, error) {
		reg := do.MustInvoke[*registry.Registry](i)
		fanout := do.MustInvoke[*broadcast.Fanout](i)
		return NewRelay(reg, fanout), nil
	})
}

package broadcast

import (
	"github.com/foxseedlab/partyroom/internal/registry"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Fanout, error) {
		reg := do.MustInvoke[*registry.Registry](i)
		return NewFanout(reg), nil
	})
	do.Provide(injector, func(i do.Injector) (*Sequencer, error) {
		return NewSequencer(), nil
	})
}

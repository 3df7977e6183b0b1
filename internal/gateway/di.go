package gateway

import (
	"github.com/foxseedlab/partyroom/internal/broadcast"
	"github.com/foxseedlab/partyroom/internal/config"
	"github.com/foxseedlab/partyroom/internal/readiness"
	"github.com/foxseedlab/partyroom/internal/recording"
	"github.com/foxseedlab/partyroom/internal/registry"
	"github.com/foxseedlab/partyroom/internal/room"
	"github.com/foxseedlab/partyroom/internal/signaling"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Hub, error) {
		return NewHub(
			do.MustInvoke[*room.Manager](i),
			do.MustInvoke[*registry.Registry](i),
			do.MustInvoke[*broadcast.Fanout](i),
			do.MustInvoke[*broadcast.Sequencer](i),
			do.MustInvoke[*readiness.Aggregator](i),
			do.MustInvoke[*signaling.Relay](i),
			do.MustInvoke[*recording.Coordinator](i),
		), nil
	})
	do.Provide(injector, func(i do.Injector) (*Handler, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewHandler(cfg, do.MustInvoke[*Hub](i)), nil
	})
}

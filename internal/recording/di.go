package recording

import (
	"github.com/foxseedlab/partyroom/internal/broadcast"
	"github.com/foxseedlab/partyroom/internal/config"
	"github.com/foxseedlab/partyroom/internal/highlight"
	"github.com/foxseedlab/partyroom/internal/readiness"
	"github.com/foxseedlab/partyroom/internal/registry"
	"github.com/foxseedlab/partyroom/internal/repository"
	"github.com/foxseedlab/partyroom/internal/room"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Coordinator, error) {
		cfg := do.MustInvoke[*config.Config](i)
		store := do.MustInvoke[repository.Store](i)
		rooms := do.MustInvoke[*room.Manager](i)
		reg := do.MustInvoke[*registry.Registry](i)
		fanout := do.MustInvoke[*broadcast.Fanout](i)
		seq := do.MustInvoke[*broadcast.Sequencer](i)
		agg := do.MustInvoke[*readiness.Aggregator](i)
		submitter := do.MustInvoke[highlight.Submitter](i)
		return NewCoordinator(cfg, store, rooms, reg, fanout, seq, agg, submitter), nil
	})
}

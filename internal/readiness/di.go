package readiness

import (
	"github.com/foxseedlab/partyroom/internal/broadcast"
	"github.com/foxseedlab/partyroom/internal/room"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Aggregator, error) {
		rooms := do.MustInvoke[*room.Manager](i)
		fanout := do.MustInvoke[*broadcast.Fanout](i)
		return NewAggregator(rooms, fanout), nil
	})
}

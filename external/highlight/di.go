package highlight

import (
	"github.com/foxseedlab/partyroom/internal/config"
	"github.com/foxseedlab/partyroom/internal/highlight"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (highlight.Submitter, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewHTTPSubmitter(c.HighlightServiceURL), nil
	})
}

package control

import (
	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// Plugin observes a run.
type Plugin interface {
	InitPlugin(control *Controller)
	// Observe is called from the collector for every outcome, in
	// completion order.
	Observe(o core.Outcome)
	// Finish is called once the report is complete.
	Finish(report *core.RunReport)
}

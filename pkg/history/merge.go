package history

import (
	"strings"

	"github.com/google/uuid"
	"github.com/mohae/deepcopy"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// Merge combines reports into one, keeping a single outcome per test id:
// the one with the latest FinishedAt, ties going to the later input. Each
// id seen more than once is recorded as a collision. Outcomes keep the
// order in which their id first appeared.
func Merge(reports ...*core.RunReport) *core.RunReport {
	merged := &core.RunReport{
		RunID:       uuid.NewString(),
		Environment: core.EnvMerged,
	}

	var (
		order   []string
		kept    = make(map[string]core.Outcome)
		sources = make(map[string][]core.Environment)
		fatals  []string
	)
	principals := make(map[core.Principal]bool)
	for _, r := range reports {
		if r == nil {
			continue
		}
		if merged.StartedAt.IsZero() || (!r.StartedAt.IsZero() && r.StartedAt.Before(merged.StartedAt)) {
			merged.StartedAt = r.StartedAt
		}
		if r.EndedAt.After(merged.EndedAt) {
			merged.EndedAt = r.EndedAt
		}
		if r.Principal != "" {
			principals[r.Principal] = true
		}
		if r.Fatal != "" {
			fatals = append(fatals, r.Fatal)
		}
		for _, o := range r.Outcomes {
			prev, ok := kept[o.ID]
			if !ok {
				order = append(order, o.ID)
				kept[o.ID] = o
			} else if !o.FinishedAt.Before(prev.FinishedAt) {
				kept[o.ID] = o
			}
			sources[o.ID] = append(sources[o.ID], sourceOf(r, o))
		}
		// collisions of already merged inputs carry over
		merged.Collisions = append(merged.Collisions, r.Collisions...)
	}

	merged.Outcomes = make([]core.Outcome, 0, len(order))
	for _, id := range order {
		o := kept[id]
		// the merged report must not alias the payloads of its inputs
		if o.Payload != nil {
			o.Payload = deepcopy.Copy(o.Payload).(*core.ResultSet)
		}
		merged.Outcomes = append(merged.Outcomes, o)
		if src := sources[id]; len(src) > 1 {
			merged.Collisions = append(merged.Collisions, core.Collision{ID: id, Sources: src, Kept: o.Source})
		}
	}
	if len(principals) == 1 {
		for p := range principals {
			merged.Principal = p
		}
	}
	merged.Fatal = strings.Join(fatals, "; ")
	return merged
}

func sourceOf(r *core.RunReport, o core.Outcome) core.Environment {
	if o.Source != "" {
		return o.Source
	}
	return r.Environment
}

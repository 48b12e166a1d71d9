package control

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

var _ Plugin = &PanicCheck{}

// PanicCheck collects the cases whose body panicked.
type PanicCheck struct {
	*Controller
	silent bool

	mu      sync.Mutex
	records PanicRecords
}

// NewPanicCheck creates an panic check instance
func NewPanicCheck(silent bool) *PanicCheck {
	return &PanicCheck{silent: silent}
}

// PanicRecord records a recovered panic.
type PanicRecord struct {
	Case  string
	Value string
}

// PanicRecords is []PanicRecord
type PanicRecords []PanicRecord

// String ...
func (e PanicRecords) String() string {
	var buf strings.Builder
	buf.WriteString("panic found:\n")
	for _, record := range e {
		buf.WriteString(fmt.Sprintf("\t%s: %s\n", record.Case, record.Value))
	}
	return buf.String()
}

// InitPlugin ...
func (c *PanicCheck) InitPlugin(control *Controller) {
	c.Controller = control
}

// Observe ...
func (c *PanicCheck) Observe(o core.Outcome) {
	if o.Status != core.StatusErrored || !strings.HasPrefix(o.Error, "panic: ") {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, PanicRecord{Case: o.ID, Value: strings.TrimPrefix(o.Error, "panic: ")})
}

// Finish ...
func (c *PanicCheck) Finish(report *core.RunReport) {
	records := c.Records()
	if len(records) == 0 || c.silent {
		return
	}
	zap.L().Warn(records.String(), zap.String("run", report.RunID), zap.Int("panics", len(records)))
}

// Records returns the panics seen so far.
func (c *PanicCheck) Records() PanicRecords {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(PanicRecords(nil), c.records...)
}

package control

import (
	"go.uber.org/zap"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// LeakCheck verifies every session opened by a worker was closed when the
// worker exited.
type LeakCheck struct {
	*Controller
	leaked int64
}

// InitPlugin ...
func (l *LeakCheck) InitPlugin(control *Controller) {
	l.Controller = control
}

// Observe ...
func (l *LeakCheck) Observe(core.Outcome) {}

// Finish ...
func (l *LeakCheck) Finish(report *core.RunReport) {
	opened, closed := l.SessionStats()
	l.leaked = opened - closed
	if l.leaked != 0 {
		zap.L().Warn("sessions leaked", zap.String("run", report.RunID),
			zap.Int64("opened", opened), zap.Int64("closed", closed))
		return
	}
	zap.L().Debug("no session leaked", zap.Int64("sessions", opened))
}

// Leaked returns the number of sessions not closed at the end of the run.
func (l *LeakCheck) Leaked() int64 {
	return l.leaked
}

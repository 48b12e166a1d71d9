// Package store keeps run reports in a relational results database.
package store

import (
	"encoding/json"
	"time"

	"github.com/jinzhu/gorm"
	// dialects selectable by RESULTS_DB_DIALECT
	_ "github.com/jinzhu/gorm/dialects/mysql"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/juju/errors"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// Run is one stored report.
type Run struct {
	gorm.Model
	RunID       string    `gorm:"column:run_id;unique_index" json:"run_id"`
	Environment string    `gorm:"column:environment" json:"environment"`
	Principal   string    `gorm:"column:principal" json:"principal"`
	StartedAt   time.Time `gorm:"column:started_at" json:"started_at"`
	EndedAt     time.Time `gorm:"column:ended_at" json:"ended_at"`
	Fatal       string    `gorm:"column:fatal;type:text" json:"fatal,omitempty"`
	Total       int       `gorm:"column:total" json:"total"`
	Passed      int       `gorm:"column:passed" json:"passed"`
	Failed      int       `gorm:"column:failed" json:"failed"`
	Errored     int       `gorm:"column:errored" json:"errored"`
	PassRate    float64   `gorm:"column:pass_rate" json:"pass_rate"`
	// Collisions is the JSON list of merge collisions.
	Collisions string `gorm:"column:collisions;type:text" json:"-"`
}

// Outcome is one stored outcome.
type Outcome struct {
	gorm.Model
	RunID      string    `gorm:"column:run_id;index" json:"run_id"`
	TestID     string    `gorm:"column:test_id;index" json:"test_id"`
	Category   string    `gorm:"column:category" json:"category"`
	Status     string    `gorm:"column:status" json:"status"`
	ElapsedNS  int64     `gorm:"column:elapsed_ns" json:"elapsed_ns"`
	Expected   string    `gorm:"column:expected;type:text" json:"expected,omitempty"`
	Actual     string    `gorm:"column:actual;type:text" json:"actual,omitempty"`
	Error      string    `gorm:"column:error;type:text" json:"error,omitempty"`
	Source     string    `gorm:"column:source" json:"source"`
	Principal  string    `gorm:"column:principal" json:"principal"`
	FinishedAt time.Time `gorm:"column:finished_at" json:"finished_at"`
	// Payload is the JSON of the captured result set.
	Payload string `gorm:"column:payload;type:text" json:"-"`
}

// DB wraps the gorm connection.
type DB struct {
	*gorm.DB
}

// Open opens the results database and migrates its tables.
func Open(dialect, dsn string) (*DB, error) {
	db, err := gorm.Open(dialect, dsn)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := db.AutoMigrate(&Run{}, &Outcome{}).Error; err != nil {
		db.Close()
		return nil, errors.Trace(err)
	}
	return &DB{db}, nil
}

// SaveReport stores the report and its outcomes in one transaction.
// Saving a run id twice replaces the earlier copy.
func (db *DB) SaveReport(report *core.RunReport) (err error) {
	tx := db.Begin()
	if tx.Error != nil {
		return errors.Trace(tx.Error)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = tx.Unscoped().Where("run_id = ?", report.RunID).Delete(&Outcome{}).Error; err != nil {
		return errors.Trace(err)
	}
	if err = tx.Unscoped().Where("run_id = ?", report.RunID).Delete(&Run{}).Error; err != nil {
		return errors.Trace(err)
	}
	var collisions string
	if len(report.Collisions) > 0 {
		if collisions, err = encode(report.Collisions); err != nil {
			return err
		}
	}
	s := report.Summary()
	run := &Run{
		RunID:       report.RunID,
		Environment: string(report.Environment),
		Principal:   string(report.Principal),
		StartedAt:   report.StartedAt,
		EndedAt:     report.EndedAt,
		Fatal:       report.Fatal,
		Total:       s.Total,
		Passed:      s.Passed,
		Failed:      s.Failed,
		Errored:     s.Errored,
		PassRate:    s.PassRate,
		Collisions:  collisions,
	}
	if err = tx.Create(run).Error; err != nil {
		return errors.Trace(err)
	}
	for _, o := range report.Outcomes {
		var payload string
		if o.Payload != nil {
			if payload, err = encode(o.Payload); err != nil {
				return err
			}
		}
		rec := &Outcome{
			RunID:      report.RunID,
			TestID:     o.ID,
			Category:   string(o.Category),
			Status:     string(o.Status),
			ElapsedNS:  int64(o.Elapsed),
			Expected:   o.Expected,
			Actual:     o.Actual,
			Error:      o.Error,
			Source:     string(o.Source),
			Principal:  string(o.Principal),
			FinishedAt: o.FinishedAt,
			Payload:    payload,
		}
		if err = tx.Create(rec).Error; err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(tx.Commit().Error)
}

// ListRuns returns the latest runs first.
func (db *DB) ListRuns(limit int) ([]*Run, error) {
	var runs []*Run
	q := db.Order("started_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, errors.Trace(err)
	}
	return runs, nil
}

// FindOutcomes finds the outcomes of a run, filtered by status when given.
func (db *DB) FindOutcomes(runID string, status core.Status) ([]*Outcome, error) {
	var result []*Outcome
	q := db.Where("run_id = ?", runID)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := q.Order("id").Find(&result).Error; err != nil {
		return nil, errors.Trace(err)
	}
	return result, nil
}

// GetReport rebuilds a report from the database.
func (db *DB) GetReport(runID string) (*core.RunReport, error) {
	var run Run
	if err := db.Where("run_id = ?", runID).First(&run).Error; err != nil {
		if gorm.IsRecordNotFoundError(err) {
			return nil, errors.NotFoundf("run %s", runID)
		}
		return nil, errors.Trace(err)
	}
	outcomes, err := db.FindOutcomes(runID, "")
	if err != nil {
		return nil, err
	}
	report := &core.RunReport{
		RunID:       run.RunID,
		Environment: core.Environment(run.Environment),
		Principal:   core.Principal(run.Principal),
		StartedAt:   run.StartedAt,
		EndedAt:     run.EndedAt,
		Fatal:       run.Fatal,
	}
	if run.Collisions != "" {
		if err := json.Unmarshal([]byte(run.Collisions), &report.Collisions); err != nil {
			return nil, errors.Annotatef(err, "decode collisions of run %s", runID)
		}
	}
	for _, o := range outcomes {
		var payload *core.ResultSet
		if o.Payload != "" {
			payload = &core.ResultSet{}
			if err := json.Unmarshal([]byte(o.Payload), payload); err != nil {
				return nil, errors.Annotatef(err, "decode payload of %s", o.TestID)
			}
		}
		report.Outcomes = append(report.Outcomes, core.Outcome{
			ID:         o.TestID,
			Category:   core.Category(o.Category),
			Status:     core.Status(o.Status),
			Elapsed:    time.Duration(o.ElapsedNS),
			Expected:   o.Expected,
			Actual:     o.Actual,
			Error:      o.Error,
			Source:     core.Environment(o.Source),
			Principal:  core.Principal(o.Principal),
			FinishedAt: o.FinishedAt,
			Payload:    payload,
		})
	}
	return report, nil
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(data), nil
}

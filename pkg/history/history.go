// Copyright 2026 definer-bugbash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package history persists run reports as JSON lines and merges them.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

const timeFormat = time.RFC3339Nano

// Record kinds
const (
	KindRun     = "run"
	KindOutcome = "outcome"
	KindSummary = "summary"
)

// record is one line of a report file.
type record struct {
	Kind    string        `json:"kind"`
	Run     *runHeader    `json:"run,omitempty"`
	Outcome *core.Outcome `json:"outcome,omitempty"`
	Summary *core.Summary `json:"summary,omitempty"`
}

type runHeader struct {
	RunID       string           `json:"run_id"`
	Environment core.Environment `json:"environment"`
	Principal   core.Principal   `json:"principal,omitempty"`
	StartedAt   string           `json:"started_at"`
	EndedAt     string           `json:"ended_at,omitempty"`
	Collisions  []core.Collision `json:"collisions,omitempty"`
	Fatal       string           `json:"fatal,omitempty"`
}

// Recorder records a report into a file, one JSON object per line.
type Recorder struct {
	sync.Mutex
	f *os.File
	w *bufio.Writer
}

// NewRecorder creates a recorder to write to a file.
func NewRecorder(name string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return nil, errors.Trace(err)
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Recorder{f: f, w: bufio.NewWriter(f)}, nil
}

// Close flushes and closes the file.
func (r *Recorder) Close() error {
	r.Lock()
	defer r.Unlock()
	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return errors.Trace(err)
	}
	return errors.Trace(r.f.Close())
}

// RecordRun records the run header.
func (r *Recorder) RecordRun(report *core.RunReport) error {
	h := &runHeader{
		RunID:       report.RunID,
		Environment: report.Environment,
		Principal:   report.Principal,
		StartedAt:   report.StartedAt.Format(timeFormat),
		Collisions:  report.Collisions,
		Fatal:       report.Fatal,
	}
	if !report.EndedAt.IsZero() {
		h.EndedAt = report.EndedAt.Format(timeFormat)
	}
	return r.record(&record{Kind: KindRun, Run: h})
}

// RecordOutcome records one outcome.
func (r *Recorder) RecordOutcome(o core.Outcome) error {
	return r.record(&record{Kind: KindOutcome, Outcome: &o})
}

// RecordSummary records the summary line.
func (r *Recorder) RecordSummary(s core.Summary) error {
	return r.record(&record{Kind: KindSummary, Summary: &s})
}

func (r *Recorder) record(rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Trace(err)
	}
	r.Lock()
	defer r.Unlock()
	if _, err := r.w.Write(data); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.w.WriteByte('\n'))
}

// FileName is the artifact name of a report.
func FileName(report *core.RunReport) string {
	return fmt.Sprintf("%s-%s.jsonl", report.Environment, report.RunID)
}

// WriteReport writes the whole report under dir and returns the path.
func WriteReport(dir string, report *core.RunReport) (string, error) {
	name := filepath.Join(dir, FileName(report))
	r, err := NewRecorder(name)
	if err != nil {
		return "", err
	}
	if err := r.RecordRun(report); err != nil {
		r.Close()
		return "", err
	}
	for _, o := range report.Outcomes {
		if err := r.RecordOutcome(o); err != nil {
			r.Close()
			return "", err
		}
	}
	if err := r.RecordSummary(report.Summary()); err != nil {
		r.Close()
		return "", err
	}
	return name, r.Close()
}

// ReadReport reads a report file back. The summary line is ignored, it
// is derived from the outcomes.
func ReadReport(name string) (*core.RunReport, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()

	report := &core.RunReport{}
	var header bool
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, errors.Annotatef(err, "%s:%d", name, line)
		}
		switch rec.Kind {
		case KindRun:
			if rec.Run == nil {
				return nil, errors.Errorf("%s:%d: run record without body", name, line)
			}
			if err := applyHeader(report, rec.Run); err != nil {
				return nil, errors.Annotatef(err, "%s:%d", name, line)
			}
			header = true
		case KindOutcome:
			if rec.Outcome == nil {
				return nil, errors.Errorf("%s:%d: outcome record without body", name, line)
			}
			report.Outcomes = append(report.Outcomes, *rec.Outcome)
		case KindSummary:
		default:
			return nil, errors.Errorf("%s:%d: unknown record kind %q", name, line, rec.Kind)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if !header {
		return nil, errors.Errorf("%s: no run record", name)
	}
	return report, nil
}

func applyHeader(report *core.RunReport, h *runHeader) error {
	report.RunID = h.RunID
	report.Environment = h.Environment
	report.Principal = h.Principal
	report.Collisions = h.Collisions
	report.Fatal = h.Fatal
	var err error
	if report.StartedAt, err = time.Parse(timeFormat, h.StartedAt); err != nil {
		return err
	}
	if h.EndedAt != "" {
		if report.EndedAt, err = time.Parse(timeFormat, h.EndedAt); err != nil {
			return err
		}
	}
	return nil
}

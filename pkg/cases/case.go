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

// Package cases holds the built-in SQL SECURITY DEFINER catalog and the
// declarative case shape it is written in.
//
// A declarative case runs its setup statements as the owner, the test
// statement as the caller and its teardown statements as the owner again.
// Teardown always runs; its errors are logged and never change the outcome.
package cases

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// Expect is what the test statement must produce. Every non-empty field
// must hold. When the case should fail, the fields are matched against the
// error message instead of the result.
type Expect struct {
	Value    string `toml:"value"`
	Contains string `toml:"contains"`
	Pattern  string `toml:"pattern"`
}

func (e Expect) render(id string, data templateData) (Expect, error) {
	var (
		out Expect
		err error
	)
	if out.Value, err = render(id+"/expect.value", e.Value, data); err != nil {
		return out, err
	}
	if out.Contains, err = render(id+"/expect.contains", e.Contains, data); err != nil {
		return out, err
	}
	out.Pattern, err = render(id+"/expect.pattern", e.Pattern, data)
	return out, err
}

func (e Expect) checker() (core.Checker, error) {
	var checkers []core.Checker
	if e.Value != "" {
		checkers = append(checkers, core.ValueChecker{Value: e.Value})
	}
	if e.Contains != "" {
		checkers = append(checkers, core.ContainsChecker{Substr: e.Contains})
	}
	if e.Pattern != "" {
		p, err := core.NewPatternChecker(e.Pattern)
		if err != nil {
			return nil, errors.Annotate(err, "expect.pattern")
		}
		checkers = append(checkers, p)
	}
	return core.MultiChecker(checkers...), nil
}

// checkError is the should-fail counterpart of checker.
func (e Expect) checkError(rs *core.ResultSet, qerr error) (*core.Result, error) {
	if qerr == nil {
		return nil, core.Failf("error", rs.String(), "statement succeeded but should fail")
	}
	msg := errors.Cause(qerr).Error()
	if e.Contains != "" && !strings.Contains(strings.ToLower(msg), strings.ToLower(e.Contains)) {
		return nil, core.Failf(e.Contains, msg, "error does not mention %q", e.Contains)
	}
	if e.Pattern != "" {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return nil, errors.Annotate(err, "expect.pattern")
		}
		if !re.MatchString(msg) {
			return nil, core.Failf(e.Pattern, msg, "error does not match pattern")
		}
	}
	return &core.Result{Expected: "error", Actual: msg}, nil
}

// Spec is a declarative test case. Statements are text/template sources
// rendered with the run fixture, see FQN and Literal for the helpers.
type Spec struct {
	ID          string `toml:"id"`
	Description string `toml:"description"`
	Category    string `toml:"category"`
	// Caller runs the test statement, the run's caller when empty.
	Caller     string   `toml:"caller"`
	Setup      []string `toml:"setup"`
	Test       string   `toml:"test"`
	Teardown   []string `toml:"teardown"`
	Expect     Expect   `toml:"expect"`
	ShouldFail bool     `toml:"should_fail"`
}

// Validate returns every problem of s.
func (s *Spec) Validate() error {
	var merr *multierror.Error
	if s.ID == "" {
		merr = multierror.Append(merr, errors.New("empty id"))
	}
	if _, err := core.ParseCategory(s.Category); err != nil {
		merr = multierror.Append(merr, err)
	}
	if s.Caller != "" {
		if _, err := core.ParsePrincipal(s.Caller); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if strings.TrimSpace(s.Test) == "" {
		merr = multierror.Append(merr, errors.New("empty test statement"))
	}
	for name, text := range s.templates() {
		if err := parseTemplate(name, text); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return errors.Annotatef(err, "case %q", s.ID)
	}
	return nil
}

func (s *Spec) templates() map[string]string {
	m := map[string]string{
		"test":            s.Test,
		"expect.value":    s.Expect.Value,
		"expect.contains": s.Expect.Contains,
		"expect.pattern":  s.Expect.Pattern,
	}
	for i, text := range s.Setup {
		m[fmt.Sprintf("setup[%d]", i)] = text
	}
	for i, text := range s.Teardown {
		m[fmt.Sprintf("teardown[%d]", i)] = text
	}
	return m
}

// TestCase validates s and turns it into a registry entry.
func (s Spec) TestCase() (core.TestCase, error) {
	if err := s.Validate(); err != nil {
		return core.TestCase{}, err
	}
	principals := []core.Principal{core.PrincipalUser}
	if s.Caller == string(core.PrincipalService) {
		principals = append(principals, core.PrincipalService)
	}
	return core.TestCase{
		ID:          s.ID,
		Description: s.Description,
		Category:    core.Category(s.Category),
		Principals:  principals,
		Body:        s.run,
	}, nil
}

func (s Spec) caller(env core.Env) core.Principal {
	if s.Caller != "" {
		return core.Principal(s.Caller)
	}
	return env.Caller()
}

func (s Spec) run(ctx context.Context, env core.Env) (*core.Result, error) {
	caller := s.caller(env)
	data := newTemplateData(env.Fixture(), caller)

	owner, err := env.Session(ctx, core.PrincipalUser)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer s.teardown(ctx, owner, data)

	for i, text := range s.Setup {
		stmt, err := render(fmt.Sprintf("%s/setup[%d]", s.ID, i), text, data)
		if err != nil {
			return nil, err
		}
		if err := owner.Exec(ctx, stmt); err != nil {
			return nil, errors.Annotatef(err, "setup statement %d", i+1)
		}
	}

	sess := owner
	if caller != core.PrincipalUser {
		if sess, err = env.Session(ctx, caller); err != nil {
			return nil, errors.Trace(err)
		}
	}
	stmt, err := render(s.ID+"/test", s.Test, data)
	if err != nil {
		return nil, err
	}
	expect, err := s.Expect.render(s.ID, data)
	if err != nil {
		return nil, err
	}
	rs, qerr := sess.Query(ctx, stmt)
	if s.ShouldFail {
		return expect.checkError(rs, qerr)
	}
	if qerr != nil {
		return nil, errors.Annotate(qerr, "test statement")
	}
	checker, err := expect.checker()
	if err != nil {
		return nil, err
	}
	if err := checker.Check(rs); err != nil {
		return nil, err
	}
	return &core.Result{Payload: rs, Expected: checker.Name(), Actual: rs.String()}, nil
}

func (s Spec) teardown(ctx context.Context, owner core.Session, data templateData) {
	runTeardown(ctx, s.ID, owner, func(i int) (string, error) {
		return render(fmt.Sprintf("%s/teardown[%d]", s.ID, i), s.Teardown[i], data)
	}, len(s.Teardown))
}

// runTeardown executes every statement even after a failure, on a context
// that outlives a stopped run.
func runTeardown(ctx context.Context, id string, owner core.Session, stmt func(i int) (string, error), n int) {
	ctx = context.WithoutCancel(ctx)
	var merr *multierror.Error
	for i := 0; i < n; i++ {
		text, err := stmt(i)
		if err == nil {
			err = owner.Exec(ctx, text)
		}
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		zap.L().Warn("teardown failed", zap.String("case", id), zap.Error(err))
	}
}

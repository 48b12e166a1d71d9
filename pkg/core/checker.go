package core

import (
	"fmt"
	"regexp"
	"strings"
)

// Checker checks an observed result against an expectation.
type Checker interface {
	// Check returns an AssertionFailure if rs does not satisfy the checker.
	Check(rs *ResultSet) error
	// Name returns a description of the expectation.
	Name() string
}

// NoopChecker accepts everything.
type NoopChecker struct{}

// Check impls Checker.
func (NoopChecker) Check(*ResultSet) error { return nil }

// Name impls Checker.
func (NoopChecker) Name() string { return "any" }

// ValueChecker expects the formatted result to equal Value.
type ValueChecker struct {
	Value string
}

// Check impls Checker.
func (c ValueChecker) Check(rs *ResultSet) error {
	actual := rs.String()
	if actual != c.Value {
		return Failf(c.Value, actual, "result does not match expected")
	}
	return nil
}

// Name impls Checker.
func (c ValueChecker) Name() string { return fmt.Sprintf("value=%s", c.Value) }

// ContainsChecker expects the formatted result to contain Substr.
type ContainsChecker struct {
	Substr string
}

// Check impls Checker.
func (c ContainsChecker) Check(rs *ResultSet) error {
	actual := rs.String()
	if !strings.Contains(actual, c.Substr) {
		return Failf(c.Name(), actual, "result does not contain %q", c.Substr)
	}
	return nil
}

// Name impls Checker.
func (c ContainsChecker) Name() string { return fmt.Sprintf("contains=%s", c.Substr) }

// PatternChecker expects the formatted result to match a regular expression.
type PatternChecker struct {
	Pattern *regexp.Regexp
}

// NewPatternChecker compiles pattern.
func NewPatternChecker(pattern string) (PatternChecker, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return PatternChecker{}, err
	}
	return PatternChecker{Pattern: re}, nil
}

// Check impls Checker.
func (c PatternChecker) Check(rs *ResultSet) error {
	actual := rs.String()
	if !c.Pattern.MatchString(actual) {
		return Failf(c.Name(), actual, "result does not match pattern")
	}
	return nil
}

// Name impls Checker.
func (c PatternChecker) Name() string { return fmt.Sprintf("pattern=%s", c.Pattern) }

type multiChecker struct {
	checkers []Checker
}

func (c multiChecker) Check(rs *ResultSet) error {
	for _, checker := range c.checkers {
		if err := checker.Check(rs); err != nil {
			return err
		}
	}
	return nil
}

func (c multiChecker) Name() string {
	names := make([]string, 0, len(c.checkers))
	for _, checker := range c.checkers {
		names = append(names, checker.Name())
	}
	return strings.Join(names, " && ")
}

// MultiChecker assembles multiple checkers, all of which must pass.
func MultiChecker(checkers ...Checker) Checker {
	if len(checkers) == 0 {
		return NoopChecker{}
	}
	if len(checkers) == 1 {
		return checkers[0]
	}
	return multiChecker{checkers: checkers}
}

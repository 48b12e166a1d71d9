package core

import (
	"fmt"
)

// Registry is the explicit set of test cases known to a run.
// It is populated at start-up and read-only once loaded. Not thread-safe.
type Registry struct {
	cases []TestCase
}

// NewRegistry creates a registry holding cases.
func NewRegistry(cases ...TestCase) *Registry {
	r := &Registry{}
	r.Add(cases...)
	return r
}

// Add appends cases in registration order. Validation happens in LoadAll.
func (r *Registry) Add(cases ...TestCase) {
	r.cases = append(r.cases, cases...)
}

// LoadAll validates every registered case and returns them in
// registration order. Any violation is a ConfigurationError that lists all
// of them, so nothing runs on a partially valid catalog.
func (r *Registry) LoadAll() ([]TestCase, error) {
	cerr := &ConfigurationError{}
	seen := make(map[string]int, len(r.cases))
	for i, tc := range r.cases {
		if tc.ID == "" {
			cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("case #%d has an empty identifier", i))
			continue
		}
		if first, ok := seen[tc.ID]; ok {
			cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("duplicate case identifier %s (#%d and #%d)", tc.ID, first, i))
		} else {
			seen[tc.ID] = i
		}
		if tc.Body == nil {
			cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("case %s has no body", tc.ID))
		}
		if !tc.Category.Valid() {
			cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("case %s has unknown category %q", tc.ID, tc.Category))
		}
	}
	if !cerr.Empty() {
		return nil, cerr
	}
	out := make([]TestCase, len(r.cases))
	copy(out, r.cases)
	return out, nil
}

// Filter returns the loaded cases of one category, in registration order.
func (r *Registry) Filter(category Category) ([]TestCase, error) {
	all, err := r.LoadAll()
	if err != nil {
		return nil, err
	}
	var out []TestCase
	for _, tc := range all {
		if tc.Category == category {
			out = append(out, tc)
		}
	}
	return out, nil
}

// Lookup returns the loaded cases with the given ids, in the order asked.
func (r *Registry) Lookup(ids ...string) ([]TestCase, error) {
	all, err := r.LoadAll()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]TestCase, len(all))
	for _, tc := range all {
		byID[tc.ID] = tc
	}
	cerr := &ConfigurationError{}
	out := make([]TestCase, 0, len(ids))
	for _, id := range ids {
		tc, ok := byID[id]
		if !ok {
			cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("unknown case %s", id))
			continue
		}
		out = append(out, tc)
	}
	if !cerr.Empty() {
		return nil, cerr
	}
	return out, nil
}

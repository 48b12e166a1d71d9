package main

import (
	"github.com/spf13/cobra"

	"github.com/dbsql-qa/definer-bugbash/pkg/cases"
	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// selectOptions picks cases from the built-in catalog plus an optional
// TOML file.
type selectOptions struct {
	category  string
	ids       []string
	casesFile string
}

func (o *selectOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.category, "category", "", "only run cases of this category")
	cmd.Flags().StringSliceVar(&o.ids, "case", nil, "only run these case ids, e.g. TC-01,TC-02")
	cmd.Flags().StringVar(&o.casesFile, "cases-file", "", "TOML file with extra declarative cases")
}

func (o *selectOptions) registry() (*core.Registry, error) {
	r := core.NewRegistry()
	cases.Register(r)
	if o.casesFile != "" {
		extra, err := cases.LoadFile(o.casesFile)
		if err != nil {
			return nil, err
		}
		r.Add(extra...)
	}
	return r, nil
}

func (o *selectOptions) load() ([]core.TestCase, error) {
	r, err := o.registry()
	if err != nil {
		return nil, err
	}
	switch {
	case len(o.ids) > 0:
		return r.Lookup(o.ids...)
	case o.category != "":
		c, err := core.ParseCategory(o.category)
		if err != nil {
			return nil, &core.ConfigurationError{Invalid: []string{err.Error()}}
		}
		return r.Filter(c)
	default:
		return r.LoadAll()
	}
}

func ids(tcs []core.TestCase) []string {
	out := make([]string, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, tc.ID)
	}
	return out
}

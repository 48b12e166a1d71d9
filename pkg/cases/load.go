package cases

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// catalogFile is the TOML layout of a case file:
//
//	[[case]]
//	id = "TC-90"
//	category = "negative"
//	caller = "service"
//	setup = ["CREATE TABLE {{fqn \"t\"}} (id INT)"]
//	test = "SELECT COUNT(*) FROM {{fqn \"t\"}}"
//	teardown = ["DROP TABLE IF EXISTS {{fqn \"t\"}}"]
//	[case.expect]
//	value = "0"
type catalogFile struct {
	Cases []Spec `toml:"case"`
}

// Decode parses a case catalog. Every problem is reported in one
// ConfigurationError.
func Decode(name, data string) ([]core.TestCase, error) {
	var f catalogFile
	md, err := toml.Decode(data, &f)
	if err != nil {
		return nil, &core.ConfigurationError{Invalid: []string{fmt.Sprintf("%s: %v", name, err)}}
	}
	cerr := &core.ConfigurationError{}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("%s: unknown keys %s", name, strings.Join(keys, ", ")))
	}
	out := make([]core.TestCase, 0, len(f.Cases))
	for _, s := range f.Cases {
		tc, err := s.TestCase()
		if err != nil {
			cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		out = append(out, tc)
	}
	if !cerr.Empty() {
		return nil, cerr
	}
	return out, nil
}

// LoadFile reads a case catalog from path.
func LoadFile(path string) ([]core.TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.ConfigurationError{Invalid: []string{fmt.Sprintf("read case file: %v", err)}}
	}
	return Decode(path, string(data))
}

package cases

import (
	"strings"
	"text/template"

	"github.com/juju/errors"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
	"github.com/dbsql-qa/definer-bugbash/pkg/session"
)

// templateData is what case statements are rendered with.
type templateData struct {
	core.Fixture
	// Invoker is the identity the test statement runs as.
	Invoker string
}

func newTemplateData(fx core.Fixture, caller core.Principal) templateData {
	return templateData{Fixture: fx, Invoker: identity(fx, caller)}
}

func identity(fx core.Fixture, p core.Principal) string {
	if p == core.PrincipalService {
		return fx.ServiceIdentity
	}
	return fx.User
}

// FQN returns the quoted three part name of a case object. The run prefix
// is prepended to name, the catalog is left out when the fixture has none.
func FQN(fx core.Fixture, name string) string {
	parts := make([]string, 0, 3)
	if fx.Catalog != "" {
		parts = append(parts, session.Quote(fx.Catalog))
	}
	parts = append(parts, session.Quote(fx.Schema), session.Quote(fx.Prefix+name))
	return strings.Join(parts, ".")
}

// Literal renders s as a single quoted SQL string.
func Literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func funcMap(fx core.Fixture) template.FuncMap {
	return template.FuncMap{
		"fqn":     func(name string) string { return FQN(fx, name) },
		"quote":   session.Quote,
		"literal": Literal,
	}
}

// parseTemplate only checks the syntax, statements are parsed again on
// every render with the run's helpers bound.
func parseTemplate(name, text string) error {
	_, err := template.New(name).Option("missingkey=error").Funcs(funcMap(core.Fixture{})).Parse(text)
	return errors.Annotatef(err, "template %s", name)
}

func render(name, text string, data templateData) (string, error) {
	t, err := template.New(name).Option("missingkey=error").Funcs(funcMap(data.Fixture)).Parse(text)
	if err != nil {
		return "", errors.Annotatef(err, "template %s", name)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", errors.Annotatef(err, "render %s", name)
	}
	return b.String(), nil
}

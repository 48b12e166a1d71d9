package session

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	plainIdent  = regexp.MustCompile("^[A-Za-z_][A-Za-z0-9_]*$")
	quotedIdent = regexp.MustCompile("^`[^`]+`$")
)

// ValidateIdentifier accepts a plain identifier or a backquoted name with
// no backquote inside.
func ValidateIdentifier(name string) error {
	if plainIdent.MatchString(name) || quotedIdent.MatchString(name) {
		return nil
	}
	return fmt.Errorf("%q is not a valid identifier", name)
}

// Quote backquotes an identifier unless it already is.
func Quote(name string) string {
	if quotedIdent.MatchString(name) {
		return name
	}
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// Package sqlutil validates and quotes SQL identifiers.
//
// Placeholders protect values, not identifiers; table and column names that
// reach statement text must go through this package.
package sqlutil

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadIdent indicates an identifier that cannot be safely quoted.
var ErrBadIdent = errors.New("invalid identifier")

// Validate rejects identifiers that are empty or contain control
// characters. Dots are allowed so dataset-qualified names stay one
// identifier.
func Validate(ident string) error {
	if ident == "" {
		return ErrBadIdent
	}
	for _, r := range ident {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q", ErrBadIdent, ident)
		}
	}
	return nil
}

// Quote returns the identifier double-quoted, with embedded quotes doubled.
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// QuoteAll quotes every identifier in order.
func QuoteAll(idents []string) []string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = Quote(id)
	}
	return out
}

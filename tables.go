package stashgate

import (
	"fmt"
	"regexp"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Tables names the database tables used by the cell repositories. Names are
// validated before ever being interpolated into SQL.
type Tables struct {
	Cells string
}

// Validate checks that every table name is a plain SQL identifier.
func (t Tables) Validate() error {
	if !identifierPattern.MatchString(t.Cells) {
		return fmt.Errorf("invalid cells table name %q: %w", t.Cells, ErrConfig)
	}
	return nil
}

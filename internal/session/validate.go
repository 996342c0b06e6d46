package session

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/convsync/internal/model"
)

var idRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,127}$`)

// ValidateID checks that id is a well-formed participant or group id.
// The error wraps model.ErrInvalidRecipient.
func ValidateID(id string) error {
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("%w: %q must match %s", model.ErrInvalidRecipient, id, idRegexp)
	}
	return nil
}

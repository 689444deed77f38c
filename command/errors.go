package command

import (
	"errors"
	"fmt"
)

// ErrNoHandler is returned by the Bus when no Handler is registered
// for the Command type.
var ErrNoHandler = errors.New("command: no handler registered")

// DomainRuleViolation is returned when the business logic rejects a Command.
// It is never retried, and maps to a client error.
type DomainRuleViolation struct {
	Command string
	Err     error
}

func (err *DomainRuleViolation) Error() string {
	return fmt.Sprintf("command: %s rejected, %v", err.Command, err.Err)
}

func (err *DomainRuleViolation) Unwrap() error { return err.Err }

// IsDomainRuleViolation reports whether the Command was rejected by business logic.
func IsDomainRuleViolation(err error) bool {
	var violation *DomainRuleViolation
	return errors.As(err, &violation)
}

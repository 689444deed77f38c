package dispatch

import (
	"fmt"
	"strings"
)

// HandlerFailure reports a Target that could not process a Message
// within its retry budget.
type HandlerFailure struct {
	Handler  string
	Attempts int
	Err      error
}

func (err *HandlerFailure) Error() string {
	return fmt.Sprintf("dispatch: %s failed after %d attempts, %v", err.Handler, err.Attempts, err.Err)
}

func (err *HandlerFailure) Unwrap() error { return err.Err }

func handlerNames(failures []*HandlerFailure) string {
	names := make([]string, 0, len(failures))
	for _, f := range failures {
		names = append(names, f.Handler)
	}

	return strings.Join(names, ",")
}

func errorMessages(failures []*HandlerFailure) string {
	msgs := make([]string, 0, len(failures))
	for _, f := range failures {
		msgs = append(msgs, f.Handler+": "+f.Err.Error())
	}

	return strings.Join(msgs, "; ")
}

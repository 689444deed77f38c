package event

import "fmt"

// StorageError is returned by Event Log implementations when the
// durability layer fails. Reads failing with a StorageError must not
// be trusted for partial results.
type StorageError struct {
	Op  string
	Err error
}

func (err *StorageError) Error() string {
	return fmt.Sprintf("event: storage failure during %s, %v", err.Op, err.Err)
}

func (err *StorageError) Unwrap() error { return err.Err }

// NewStorageError wraps a durability failure of the specified operation.
func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

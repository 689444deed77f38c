// Package internal contains Domain Events used by the test suites
// of the Event Log implementations.
package internal

// Created is a test Domain Event opening an Event Stream.
type Created struct {
	Value int64 `json:"value"`
}

// Name implements message.Message.
func (*Created) Name() string { return "Created" }

// Updated is a test Domain Event following Created.
type Updated struct {
	Value int64 `json:"value"`
}

// Name implements message.Message.
func (*Updated) Name() string { return "Updated" }

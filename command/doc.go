// Package command contains the Command Handler: it loads an Aggregate,
// runs the decision logic of a Command against it, appends the resulting
// Domain Events and publishes them, retrying the whole cycle on
// optimistic concurrency conflicts.
package command

// Package checkpoint exposes the Checkpointer interface, used to save the
// progress of a long-running Event Log replay (e.g. a projection rebuild)
// so that it can resume after a restart without starting over.
package checkpoint

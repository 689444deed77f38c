package aggregate

// Type describes a kind of Aggregate: its name, used as aggregate type
// in the Event Log, and a factory returning zero-valued instances.
type Type[T Root] struct {
	Name    string
	Factory func() T
}

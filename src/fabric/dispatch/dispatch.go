// Package dispatch decides, at the registration boundary, whether a call
// goes to hardware or to a software fallback. The decision is a pure lookup
// so the graph builder stays free of reflection and hidden state.
package dispatch

import "fabricflow/src/fabric/registry"

// Kind distinguishes the two dispatch branches.
type Kind int

const (
	// Software means no matching accelerator block exists; the caller runs
	// its own implementation instead of building an invocation node.
	Software Kind = iota
	// Hardware means a matching block exists and a deferred invocation
	// should be built over its descriptor.
	Hardware
)

// Dispatch is the outcome of resolving one operator id.
type Dispatch struct {
	Kind       Kind
	Descriptor registry.OperatorDescriptor
}

// Resolve looks an operator id up in the capability snapshot.
func Resolve(id string, reg *registry.Registry) Dispatch {
	desc, ok := reg.Lookup(id)
	if !ok {
		return Dispatch{Kind: Software}
	}
	return Dispatch{Kind: Hardware, Descriptor: desc}
}

package x86

import "github.com/xda-re/xda/graph"

// XRefs is the cross-reference store; a pair of graphs keyed by instruction
// address. An edge (a, b) in Code means control may flow from the instruction
// at a to address b; in Data it means the instruction at a references the
// datum at b.
type XRefs struct {
	// Code cross references.
	Code *graph.Graph
	// Data cross references.
	Data *graph.Graph
}

// NewXRefs returns a new empty cross-reference store.
func NewXRefs() *XRefs {
	return &XRefs{
		Code: graph.New(),
		Data: graph.New(),
	}
}

package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidNode is returned when a node lacks a required field.
	ErrInvalidNode = errors.New("invalid node")

	// ErrInvalidEdge is returned when an edge lacks a required field.
	ErrInvalidEdge = errors.New("invalid edge")

	// ErrNodeNotFound is returned when an edge references a node that is
	// not in the graph.
	ErrNodeNotFound = errors.New("node not found")
)

// ValidationError reports an edge rejected by the layering rule.
type ValidationError struct {
	Edge   Edge
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("edge %s rejected: %s", e.Edge.ID, e.Reason)
}

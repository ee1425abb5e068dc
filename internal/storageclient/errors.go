package storageclient

import (
	"errors"
	"fmt"
)

// Kind classifies a storage node failure. The distinction drives retry and
// fallback decisions everywhere above this package: an unreachable node is
// a routing problem, a rejection is an answer.
type Kind int

const (
	// Unreachable means the node could not be dialed or the connection
	// died mid-exchange. The state of the blob on the node is unknown.
	Unreachable Kind = iota
	// Rejected means the node answered and refused the operation.
	// Retrying the same request against the same node will not help.
	Rejected
)

// Error is a failure talking to one storage node.
type Error struct {
	Kind Kind
	Node string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage node %q: %v", e.Node, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsUnreachable reports whether err is a storage node Error of kind
// Unreachable.
func IsUnreachable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == Unreachable
}

// IsRejected reports whether err is a storage node Error of kind Rejected.
func IsRejected(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == Rejected
}
